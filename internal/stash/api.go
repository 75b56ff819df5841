package stash

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// CreateUploadResponse is returned from POST /upload. The key appears here
// and in the URL, and nowhere else, ever: the server does not retain it.
type CreateUploadResponse struct {
	URL      string `json:"url"`
	ID       string `json:"id"`
	Key      string `json:"key"`
	MimeType string `json:"mimetype"`
}

// StatisticsResponse is returned from GET /statistics.
type StatisticsResponse struct {
	Storage FilesInfo `json:"storage"`
}

// FilesInfo summarizes stored uploads.
type FilesInfo struct {
	Files     int64 `json:"files"`
	SizeBytes int64 `json:"size_bytes"`
}

// writeJSON encodes v to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}
