package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"stash/internal/classify"
	"stash/internal/index"
	"stash/internal/stash"
	"stash/internal/storage"
)

// envOr returns the STASH_<name> environment variable, or fallback when it
// is unset. Flags may therefore be configured through the environment or a
// .env file.
func envOr(name string, fallback string) string {
	if v, ok := os.LookupEnv("STASH_" + name); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {
	_ = godotenv.Load()

	listen := flag.String("listen", envOr("LISTEN", "127.0.0.1:8731"), "socket address to listen on")
	publicURL := flag.String("public-url", envOr("PUBLIC_URL", "http://127.0.0.1:8731"), "base URL used when generating share links")
	tokens := flag.String("tokens", envOr("TOKENS", ""), "comma-separated bearer tokens allowed to upload")
	storageURL := flag.String("storage", envOr("STORAGE", "memory://"), "storage backend: memory://, fs://<path>, or s3://<bucket>")
	s3Endpoint := flag.String("s3-endpoint", envOr("S3_ENDPOINT", ""), "endpoint of the S3-compatible service (s3:// backend only)")
	s3AccessKey := flag.String("s3-access-key", envOr("S3_ACCESS_KEY", ""), "access key for the S3-compatible service")
	s3SecretKey := flag.String("s3-secret-key", envOr("S3_SECRET_KEY", ""), "secret key for the S3-compatible service")
	s3UseSSL := flag.Bool("s3-use-ssl", envOr("S3_USE_SSL", "true") == "true", "use TLS when talking to the S3-compatible service")
	indexPath := flag.String("index", envOr("INDEX", ""), "path of the sqlite metadata index (defaults per backend)")
	appSecret := flag.String("app-secret", envOr("APP_SECRET", ""), "secret salt for content addressing (generated and persisted for fs backends when empty)")
	uploadExpiry := flag.String("upload-expiry", envOr("UPLOAD_EXPIRY", "0"), "idle time before an upload is purged; 0 disables expiry")
	sweepInterval := flag.String("sweep-interval", envOr("SWEEP_INTERVAL", "1m"), "how often to check for expired uploads")
	sizeLimit := flag.String("upload-size-limit", envOr("UPLOAD_SIZE_LIMIT", "50MB"), "maximum upload size")
	mimeTypes := flag.String("upload-mimetypes", envOr("UPLOAD_MIMETYPES", "image/*,video/*"), "comma-separated MIME patterns allowed for upload")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	tokenSet := splitNonEmpty(*tokens)
	if len(tokenSet) == 0 {
		return errors.New("at least one upload token is required (-tokens)")
	}

	policy, err := classify.ParsePolicy(splitNonEmpty(*mimeTypes))
	if err != nil {
		return fmt.Errorf("parse allowed MIME types: %w", err)
	}

	limit, err := humanize.ParseBytes(*sizeLimit)
	if err != nil {
		return fmt.Errorf("parse upload size limit: %w", err)
	}

	expiry, err := parseDuration(*uploadExpiry)
	if err != nil {
		return fmt.Errorf("parse upload expiry: %w", err)
	}
	interval, err := parseDuration(*sweepInterval)
	if err != nil {
		return fmt.Errorf("parse sweep interval: %w", err)
	}

	backend, err := storage.ParseBackendURL(ctx, *storageURL, storage.S3Options{
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
		UseSSL:    *s3UseSSL,
	})
	if err != nil {
		return fmt.Errorf("configure storage backend: %w", err)
	}

	secret, err := resolveAppSecret(*appSecret, *storageURL)
	if err != nil {
		return err
	}

	idx, err := index.Open(defaultIndexPath(*indexPath, *storageURL))
	if err != nil {
		return fmt.Errorf("open metadata index: %w", err)
	}

	cfg := stash.NewConfig(
		stash.WithPublicBaseURL(*publicURL),
		stash.WithTokens(tokenSet),
		stash.WithAppSecret(secret),
		stash.WithPolicy(policy),
		stash.WithSizeLimit(int64(limit)),
		stash.WithExpiry(expiry, interval),
		stash.WithStorageBackend(backend),
		stash.WithIndex(idx),
	)

	server, err := stash.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer server.Close()

	if err := server.Engine().Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile index with backend: %w", err)
	}

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if sweeper := server.Sweeper(); sweeper != nil {
		eg.Go(func() error {
			return sweeper.Run(ctx)
		})
	} else if expiry > 0 {
		slog.Warn("Upload expiry configured but sweeper not available")
	} else {
		slog.Info("Upload expiry disabled - uploads will not be automatically removed")
	}

	eg.Go(func() error {
		slog.Info("Server started",
			"listen", *listen,
			"public_url", *publicURL,
			"storage", *storageURL,
			"size_limit", humanize.Bytes(limit),
			"expiry", expiry.String(),
			"mimetypes", *mimeTypes,
			"tokens", len(tokenSet),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return eg.Wait()
}

// resolveAppSecret returns the configured secret, or for filesystem
// backends generates one on first startup and persists it next to the data
// so it survives restarts. The secret must never change for the lifetime of
// the stored data.
func resolveAppSecret(secret string, storageURL string) (string, error) {
	if secret != "" {
		return secret, nil
	}

	if !strings.HasPrefix(storageURL, "fs://") {
		return "", errors.New("an app secret is required (-app-secret) for non-filesystem backends")
	}

	secretPath := filepath.Join(strings.TrimPrefix(storageURL, "fs://"), ".secret")
	if data, err := os.ReadFile(secretPath); err == nil {
		return strings.TrimSpace(string(data)), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read persisted app secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate app secret: %w", err)
	}
	generated := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(secretPath), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(generated+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist app secret: %w", err)
	}

	slog.Info("Generated new app secret", "path", secretPath)
	return generated, nil
}

// defaultIndexPath picks a sensible sqlite location per backend when no
// explicit path is configured.
func defaultIndexPath(indexPath string, storageURL string) string {
	if indexPath != "" {
		return indexPath
	}
	if strings.HasPrefix(storageURL, "fs://") {
		return filepath.Join(strings.TrimPrefix(storageURL, "fs://"), "metadata.sqlite")
	}
	if storageURL == "memory://" {
		return ":memory:"
	}
	return "stash-metadata.sqlite"
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration accepts "0" and "" as the zero duration; anything else must
// be a valid time.ParseDuration string. A malformed value is a fatal
// configuration error rather than a silently disabled feature.
func parseDuration(s string) (time.Duration, error) {
	if s == "0" || s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Fatal error", "err", err)
		os.Exit(1)
	}
}
