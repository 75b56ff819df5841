package classify

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
)

// jpegQuality for re-encoded JPEGs. High enough that the scrub is visually
// lossless for typical photos.
const jpegQuality = 90

// Scrub attempts to remove embedded identifying metadata (EXIF, GPS, device
// tags) from recognized image formats by decoding and re-encoding the pixel
// data. Formats the scrubber does not handle, and images that fail to decode,
// pass through unchanged; scrubbing is best effort and never fatal.
//
// GIF is deliberately left alone: re-encoding would discard animation frames.
func Scrub(data []byte, res Result) []byte {
	var encode func(*bytes.Buffer, image.Image) error

	switch res.MIME {
	case "image/jpeg":
		encode = func(buf *bytes.Buffer, img image.Image) error {
			return jpeg.Encode(buf, img, &jpeg.Options{Quality: jpegQuality})
		}
	case "image/png":
		encode = func(buf *bytes.Buffer, img image.Image) error {
			return png.Encode(buf, img)
		}
	default:
		return data
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("Metadata scrub skipped: image decode failed", "mime", res.MIME, "err", err)
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	if err := encode(&buf, img); err != nil {
		slog.Warn("Metadata scrub skipped: image encode failed", "mime", res.MIME, "err", err)
		return data
	}

	slog.Debug("Stripped image metadata", "mime", res.MIME, "original_bytes", len(data), "scrubbed_bytes", buf.Len())
	return buf.Bytes()
}
