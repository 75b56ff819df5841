// Package engine sequences the upload pipeline: classification, salted
// content addressing, per-upload encryption, backend storage, and the
// metadata commit. It owns the per-content-hash write serialization and the
// expiry sweep.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stash/internal/classify"
	"stash/internal/cryptox"
	"stash/internal/index"
	"stash/internal/storage"
)

// Options configures an Engine. All fields are fixed for the lifetime of the
// process.
type Options struct {
	// AppSecret salts content addresses. It must stay constant for the
	// lifetime of the stored data; changing it orphans every stored object.
	AppSecret string

	// Policy is the MIME allow-list applied to sniffed content types.
	Policy classify.Policy

	// SizeLimit is the maximum plaintext size in bytes. Zero means
	// unlimited (the HTTP layer usually caps the body as well).
	SizeLimit int64
}

// Engine is the upload orchestrator. It is safe for concurrent use.
type Engine struct {
	opts    Options
	backend storage.Backend
	idx     *index.Index
	locks   *hashLocks
	now     func() time.Time
}

// New creates an Engine over the given backend and metadata index.
func New(opts Options, backend storage.Backend, idx *index.Index) *Engine {
	return &Engine{
		opts:    opts,
		backend: backend,
		idx:     idx,
		locks:   newHashLocks(),
		now:     time.Now,
	}
}

// Receipt is the result of a successful upload. Key is the only copy of the
// decryption material; the server retains none of it.
type Receipt struct {
	ID        string
	Key       string
	MIMEType  string
	SizeBytes int64
	Dedup     bool
}

// Upload validates, classifies, scrubs, encrypts, and stores one plaintext.
//
// Two uploads of identical (post-scrub) content share one identity: the
// second overwrites the stored ciphertext under a freshly generated key
// (last writer wins), which makes share URLs issued for earlier uploads of
// the same content undecryptable. That trade-off is deliberate: every writer
// already holds a valid upload credential.
func (e *Engine) Upload(ctx context.Context, data []byte) (*Receipt, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if e.opts.SizeLimit > 0 && int64(len(data)) > e.opts.SizeLimit {
		return nil, ErrTooLarge
	}

	res, err := classify.Classify(data, e.opts.Policy)
	if err != nil {
		return nil, err
	}
	data = classify.Scrub(data, res)

	id := cryptox.Address(data, e.opts.AppSecret)
	rec := index.Record{
		ID:        id,
		MIMEType:  res.MIME,
		Extension: res.Extension,
		SizeBytes: int64(len(data)),
	}
	locator := rec.Locator()

	// Serialize writes for this content hash so concurrent uploads of the
	// same content cannot interleave their puts into one locator.
	release := e.locks.acquire(id)
	defer release()

	dedup := true
	if _, err := e.idx.Get(ctx, id); errors.Is(err, index.ErrNotFound) {
		dedup = false
	} else if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	ciphertext, material, err := cryptox.Encrypt(data, []byte(locator))
	if err != nil {
		return nil, fmt.Errorf("encrypt upload: %w", err)
	}

	if err := e.backend.Put(ctx, locator, ciphertext); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	now := e.now()
	rec.CreatedAt = now
	rec.LastAccessedAt = now
	if err := e.idx.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("commit upload record: %w", err)
	}

	if dedup {
		slog.Debug("Upload deduplicated, object re-encrypted under a new key", "id", id)
	}

	return &Receipt{
		ID:        locator,
		Key:       material.Encode(),
		MIMEType:  res.MIME,
		SizeBytes: rec.SizeBytes,
		Dedup:     dedup,
	}, nil
}

// Retrieve fetches and decrypts the upload identified by id (of the form
// "<hash>.<extension>") using the caller-supplied key material, then
// advances the record's last-access time.
func (e *Engine) Retrieve(ctx context.Context, id string, key string) ([]byte, string, error) {
	hash, _, err := splitID(id)
	if err != nil {
		return nil, "", ErrNotFound
	}

	rec, err := e.idx.Get(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("lookup upload record: %w", err)
	}
	if rec.Locator() != id {
		return nil, "", ErrNotFound
	}

	material, err := cryptox.DecodeKeyMaterial(key)
	if err != nil {
		return nil, "", err
	}

	ciphertext, err := e.backend.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("fetch upload: %w", err)
	}

	plaintext, err := cryptox.Decrypt(ciphertext, material, []byte(id))
	if err != nil {
		return nil, "", err
	}

	if err := e.idx.Touch(ctx, hash, e.now()); err != nil && !errors.Is(err, index.ErrNotFound) {
		// A failed touch only shortens the record's remaining lifetime.
		slog.Warn("Advance last-access time", "id", hash, "err", err)
	}

	return plaintext, rec.MIMEType, nil
}

// Exists reports whether an upload with the given id is currently indexed.
func (e *Engine) Exists(ctx context.Context, id string) (bool, error) {
	hash, _, err := splitID(id)
	if err != nil {
		return false, nil
	}

	rec, err := e.idx.Get(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Locator() == id, nil
}

// Delete removes the upload's object and then its index record. Object
// first: a crash in between leaves an unreachable object, never a record
// pointing at nothing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	hash, _, err := splitID(id)
	if err != nil {
		return ErrNotFound
	}

	release := e.locks.acquire(hash)
	defer release()

	rec, err := e.idx.Get(ctx, hash)
	if errors.Is(err, index.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup upload record: %w", err)
	}
	if rec.Locator() != id {
		return ErrNotFound
	}

	if err := e.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete upload object: %w", err)
	}
	if err := e.idx.Remove(ctx, hash); err != nil {
		return fmt.Errorf("remove upload record: %w", err)
	}
	return nil
}

// Stats reports the current number of stored uploads and their total
// plaintext size.
func (e *Engine) Stats(ctx context.Context) (index.Stats, error) {
	return e.idx.Stats(ctx)
}

// Reconcile repairs the index/backend pairing at startup: index records
// whose object is gone are dropped, and objects with no index record are
// deleted. Orphaned objects appear when a sweep or delete crashed between
// its two phases.
func (e *Engine) Reconcile(ctx context.Context) error {
	objects, err := e.backend.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate backend: %w", err)
	}
	byLocator := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		byLocator[obj.Locator] = struct{}{}
	}

	records, err := e.idx.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate index: %w", err)
	}

	indexed := make(map[string]struct{}, len(records))
	for _, rec := range records {
		locator := rec.Locator()
		indexed[locator] = struct{}{}
		if _, ok := byLocator[locator]; !ok {
			slog.Warn("Dropping index record with missing object", "id", rec.ID)
			if err := e.idx.Remove(ctx, rec.ID); err != nil {
				return err
			}
		}
	}

	for _, obj := range objects {
		if _, ok := indexed[obj.Locator]; !ok {
			slog.Warn("Deleting orphaned object with no index record", "locator", obj.Locator)
			if err := e.backend.Delete(ctx, obj.Locator); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitID parses "<hash>.<extension>" locators/ids.
func splitID(id string) (hash, ext string, err error) {
	hash, ext, ok := strings.Cut(id, ".")
	if !ok || hash == "" || ext == "" || strings.Contains(ext, ".") {
		return "", "", fmt.Errorf("malformed upload id %q", id)
	}
	return hash, ext, nil
}
