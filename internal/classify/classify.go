// Package classify determines the type of uploaded content from its leading
// bytes, enforces the configured MIME allow-list, and strips identifying
// metadata from recognized image formats.
package classify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	wildcard    = "*"
	octetStream = "application/octet-stream"

	// unknownExtension marks content whose type could not be sniffed and
	// that was accepted under a */* policy.
	unknownExtension = "unknown"
)

var (
	// ErrUnsupportedMediaType reports content whose sniffed type is not on
	// the allow-list.
	ErrUnsupportedMediaType = errors.New("media type is not permitted")

	// ErrUnknownMediaType reports content whose type could not be
	// determined while the policy does not allow arbitrary content.
	ErrUnknownMediaType = errors.New("media type could not be determined")
)

// Result describes sniffed content. MIME and Extension are derived from byte
// signatures only; client-declared filenames and content types are never
// consulted.
type Result struct {
	MIME      string
	Extension string
}

// IsImage reports whether the content is a raster image, the only family the
// scrubber currently processes.
func (r Result) IsImage() bool {
	return strings.HasPrefix(r.MIME, "image/")
}

// pattern is one parsed allow-list entry: type/subtype, type/*, or */*.
type pattern struct {
	typ, subtype string
}

// Policy is the parsed MIME allow-list. The zero value permits nothing.
type Policy struct {
	patterns []pattern
}

// ParsePolicy parses allow-list entries of the form "type/subtype", "type/*",
// or "*/*".
func ParsePolicy(entries []string) (Policy, error) {
	var p Policy
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		typ, subtype, ok := strings.Cut(entry, "/")
		if !ok || typ == "" || subtype == "" {
			return Policy{}, fmt.Errorf("invalid MIME pattern %q", entry)
		}
		if typ == wildcard && subtype != wildcard {
			return Policy{}, fmt.Errorf("invalid MIME pattern %q: wildcard type requires wildcard subtype", entry)
		}
		p.patterns = append(p.patterns, pattern{typ: strings.ToLower(typ), subtype: strings.ToLower(subtype)})
	}
	return p, nil
}

// AllowsAll reports whether the policy contains the */* pattern.
func (p Policy) AllowsAll() bool {
	for _, pat := range p.patterns {
		if pat.typ == wildcard && pat.subtype == wildcard {
			return true
		}
	}
	return false
}

// allows reports whether the concrete type/subtype matches any pattern.
func (p Policy) allows(mime string) bool {
	typ, subtype, ok := strings.Cut(strings.ToLower(mime), "/")
	if !ok {
		return false
	}

	for _, pat := range p.patterns {
		if pat.typ == wildcard && pat.subtype == wildcard {
			return true
		}
		if pat.typ == typ && pat.subtype == wildcard {
			return true
		}
		if pat.typ == typ && pat.subtype == subtype {
			return true
		}
	}
	return false
}

// Classify sniffs the MIME type of data from its magic numbers and checks it
// against the policy.
//
// Content with no recognizable signature is accepted only when the policy
// allows */*; it is then treated as application/octet-stream with extension
// "unknown".
func Classify(data []byte, policy Policy) (Result, error) {
	mtype := mimetype.Detect(data)

	mime := mtype.String()
	if i := strings.IndexByte(mime, ';'); i != -1 {
		mime = strings.TrimSpace(mime[:i])
	}

	if mime == octetStream {
		if !policy.AllowsAll() {
			return Result{}, ErrUnknownMediaType
		}
		return Result{MIME: octetStream, Extension: unknownExtension}, nil
	}

	if !policy.allows(mime) {
		return Result{}, ErrUnsupportedMediaType
	}

	ext := strings.TrimPrefix(mtype.Extension(), ".")
	if ext == "" {
		ext = "bin"
	}
	return Result{MIME: mime, Extension: ext}, nil
}
