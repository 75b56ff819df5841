package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// backendUnderTest constructs each implementation that can run without
// external services.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()

	fs, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err, "NewFilesystemBackend error")

	return map[string]Backend{
		"memory":     NewMemoryBackend(),
		"filesystem": fs,
	}
}

func TestBackendContract(t *testing.T) {
	t.Parallel()

	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			// Missing objects.
			_, err := backend.Get(ctx, "aaaaaaaaaa.bin")
			require.ErrorIs(t, err, ErrNotFound)

			exists, err := backend.Exists(ctx, "aaaaaaaaaa.bin")
			require.NoError(t, err)
			require.False(t, exists)

			// Deleting an absent object is not an error.
			require.NoError(t, backend.Delete(ctx, "aaaaaaaaaa.bin"))

			// Store and read back.
			payload := []byte("opaque ciphertext")
			require.NoError(t, backend.Put(ctx, "bbbbbbbbbb.png", payload))

			got, err := backend.Get(ctx, "bbbbbbbbbb.png")
			require.NoError(t, err)
			require.Equal(t, payload, got)

			exists, err = backend.Exists(ctx, "bbbbbbbbbb.png")
			require.NoError(t, err)
			require.True(t, exists)

			// Overwrite in place: last put wins.
			replacement := []byte("different ciphertext entirely")
			require.NoError(t, backend.Put(ctx, "bbbbbbbbbb.png", replacement))
			got, err = backend.Get(ctx, "bbbbbbbbbb.png")
			require.NoError(t, err)
			require.Equal(t, replacement, got)

			// Enumerate reports locator and size.
			require.NoError(t, backend.Put(ctx, "cccccccccc.mp4", []byte("xyz")))
			infos, err := backend.Enumerate(ctx)
			require.NoError(t, err)

			sizes := map[string]int64{}
			for _, info := range infos {
				sizes[info.Locator] = info.Size
			}
			require.Equal(t, map[string]int64{
				"bbbbbbbbbb.png": int64(len(replacement)),
				"cccccccccc.mp4": 3,
			}, sizes)

			// Delete removes the object.
			require.NoError(t, backend.Delete(ctx, "bbbbbbbbbb.png"))
			_, err = backend.Get(ctx, "bbbbbbbbbb.png")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryBackendCopiesData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := NewMemoryBackend()
	payload := []byte("original")
	require.NoError(t, backend.Put(ctx, "dddddddddd.bin", payload))

	// Mutating the caller's buffer must not corrupt the stored object.
	payload[0] = 'X'

	got, err := backend.Get(ctx, "dddddddddd.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}

func TestFilesystemBackendRejectsTraversal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend, err := NewFilesystemBackend(t.TempDir())
	require.NoError(t, err)

	for _, locator := range []string{"", "../escape", "a/b", `a\b`, "..", "nested/../x"} {
		require.Errorf(t, backend.Put(ctx, locator, []byte("x")), "locator %q must be rejected", locator)
	}
}

func TestFilesystemBackendEnumerateSkipsTempFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dataDir := t.TempDir()
	backend, err := NewFilesystemBackend(dataDir)
	require.NoError(t, err)

	require.NoError(t, backend.Put(ctx, "eeeeeeeeee.bin", []byte("kept")))

	// Simulate an in-flight concurrent Put.
	tempPath := filepath.Join(dataDir, "uploads", ".put-123456")
	require.NoError(t, os.WriteFile(tempPath, []byte("partial"), 0o644))

	infos, err := backend.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "eeeeeeeeee.bin", infos[0].Locator)
}

func TestParseBackendURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend, err := ParseBackendURL(ctx, "memory://", S3Options{})
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, backend)

	backend, err = ParseBackendURL(ctx, "fs://"+t.TempDir(), S3Options{})
	require.NoError(t, err)
	require.IsType(t, &FilesystemBackend{}, backend)

	for _, raw := range []string{"", "fs://", "s3://", "ftp://nope", "memory"} {
		_, err := ParseBackendURL(ctx, raw, S3Options{})
		require.Errorf(t, err, "backend URL %q must be rejected", raw)
	}
}
