package stash

import (
	"time"

	"stash/internal/classify"
	"stash/internal/engine"
	"stash/internal/index"
	"stash/internal/storage"
)

// Config holds everything the server needs, assembled once at startup and
// never mutated afterwards.
type Config struct {
	// PublicBaseURL is used when generating share links; the reverse proxy
	// in front of the server is the operator's concern.
	PublicBaseURL string

	// Tokens is the flat set of bearer credentials allowed to upload and
	// delete. Reloading requires a restart.
	Tokens []string

	// AppSecret salts content addresses.
	AppSecret string

	// Policy is the MIME allow-list for uploads.
	Policy classify.Policy

	// SizeLimit caps the plaintext size of one upload, in bytes.
	SizeLimit int64

	// Expiry is the idle duration after which uploads are purged. Zero
	// disables expiry entirely.
	Expiry time.Duration

	// SweepInterval is how often the sweeper checks for expired uploads.
	SweepInterval time.Duration

	// Backend stores encrypted payloads.
	Backend storage.Backend

	// Index is the metadata index backing dedup and expiry.
	Index *index.Index
}

type ConfigOption func(*Config)

func WithPublicBaseURL(url string) ConfigOption {
	return func(cfg *Config) {
		cfg.PublicBaseURL = url
	}
}

func WithTokens(tokens []string) ConfigOption {
	return func(cfg *Config) {
		cfg.Tokens = tokens
	}
}

func WithAppSecret(secret string) ConfigOption {
	return func(cfg *Config) {
		cfg.AppSecret = secret
	}
}

func WithPolicy(policy classify.Policy) ConfigOption {
	return func(cfg *Config) {
		cfg.Policy = policy
	}
}

func WithSizeLimit(limit int64) ConfigOption {
	return func(cfg *Config) {
		cfg.SizeLimit = limit
	}
}

func WithExpiry(expiry time.Duration, interval time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.Expiry = expiry
		cfg.SweepInterval = interval
	}
}

func WithStorageBackend(backend storage.Backend) ConfigOption {
	return func(cfg *Config) {
		cfg.Backend = backend
	}
}

func WithIndex(idx *index.Index) ConfigOption {
	return func(cfg *Config) {
		cfg.Index = idx
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		SweepInterval: engine.DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
