// Package stash exposes the upload engine over HTTP: authenticated upload
// and delete, unauthenticated capability-URL retrieval, and service
// statistics.
package stash

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"stash/internal/engine"
)

// Server handles the HTTP surface over the upload engine.
type Server struct {
	cfg    Config
	engine *engine.Engine
}

// NewServer validates the configuration and assembles the engine.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("at least one upload token must be configured")
	}
	if cfg.AppSecret == "" {
		return nil, errors.New("AppSecret must not be empty")
	}
	if cfg.Backend == nil {
		return nil, errors.New("a storage backend must be configured")
	}
	if cfg.Index == nil {
		return nil, errors.New("a metadata index must be configured")
	}

	eng := engine.New(engine.Options{
		AppSecret: cfg.AppSecret,
		Policy:    cfg.Policy,
		SizeLimit: cfg.SizeLimit,
	}, cfg.Backend, cfg.Index)

	return &Server{cfg: cfg, engine: eng}, nil
}

// Engine exposes the orchestrator, mainly for startup reconciliation.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Sweeper returns the expiry sweeper, or nil when no expiry is configured.
func (s *Server) Sweeper() *engine.Sweeper {
	if s.cfg.Expiry <= 0 {
		return nil
	}
	return engine.NewSweeper(s.engine, s.cfg.Expiry, s.cfg.SweepInterval)
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	return s.cfg.Index.Close()
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(LogRequest)
	r.Use(ResponseHeaders)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/upload/{id}", s.handleGetUpload)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAuthentication)
		r.Post("/upload", s.handleCreateUpload)
		r.Delete("/upload/{id}", s.handleDeleteUpload)
		r.Get("/statistics", s.handleStatistics)
	})

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("stash - ephemeral encrypted file sharing\n"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK\n"))
}

// handleCreateUpload implements POST /upload: the first file field of the
// multipart body becomes one stored upload.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.SizeLimit > 0 {
		// The multipart framing adds some overhead on top of the payload
		// itself; the engine enforces the exact plaintext limit.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.SizeLimit+64*1024)
	}

	data, err := firstMultipartFile(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "Upload is too big to be processed by this server", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Multipart field could not be parsed", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.Upload(r.Context(), data)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CreateUploadResponse{
		URL:      s.shareURL(receipt),
		ID:       receipt.ID,
		Key:      receipt.Key,
		MimeType: receipt.MIMEType,
	})
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyUpload):
		http.Error(w, "Upload is empty", http.StatusBadRequest)
	case errors.Is(err, engine.ErrTooLarge):
		http.Error(w, "Upload is too big to be processed by this server", http.StatusRequestEntityTooLarge)
	case errors.Is(err, engine.ErrUnsupportedMediaType):
		http.Error(w, "Your upload was rejected because uploading files of this type is not permitted", http.StatusUnsupportedMediaType)
	case errors.Is(err, engine.ErrUnknownMediaType):
		http.Error(w, "Your upload was rejected because the MIME type could not be determined", http.StatusUnsupportedMediaType)
	default:
		slog.Error("Store upload", "err", err)
		http.Error(w, "Your upload could not be completed due to an internal server error", http.StatusInternalServerError)
	}
}

// handleGetUpload implements GET /upload/{id}?key=... where possession of
// the key is the only authorization.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := r.URL.Query().Get("key")

	data, mimeType, err := s.engine.Retrieve(r.Context(), id, key)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, "This file does not exist", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrDecryptionFailed):
		http.Error(w, "The decryption key is invalid", http.StatusForbidden)
		return
	case err != nil:
		slog.Error("Fetch upload", "id", id, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if _, err := w.Write(data); err != nil {
		slog.Debug("Stream upload", "id", id, "err", err)
	}
}

// handleDeleteUpload implements DELETE /upload/{id} for credentialed
// callers.
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Delete(r.Context(), id)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, "This file does not exist", http.StatusNotFound)
	case err != nil:
		slog.Error("Delete upload", "id", id, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		slog.Error("Collect statistics", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StatisticsResponse{
		Storage: FilesInfo{Files: stats.Files, SizeBytes: stats.SizeBytes},
	})
}

func (s *Server) shareURL(receipt *engine.Receipt) string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	return fmt.Sprintf("%s/upload/%s?key=%s", base, receipt.ID, receipt.Key)
}

// firstMultipartFile reads the first file-bearing part of the request body.
func firstMultipartFile(r *http.Request) ([]byte, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("multipart body contains no file field")
		}
		if err != nil {
			return nil, err
		}

		if part.FileName() == "" && part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		data, err := readPart(part)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close()
	return io.ReadAll(part)
}
