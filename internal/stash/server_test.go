package stash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stash/internal/classify"
	"stash/internal/index"
	"stash/internal/storage"
)

const testToken = "test-upload-token"

func newTestServer(t *testing.T, extra ...ConfigOption) *httptest.Server {
	t.Helper()

	policy, err := classify.ParsePolicy([]string{"*/*"})
	require.NoError(t, err, "ParsePolicy error")

	ix, err := index.Open(":memory:")
	require.NoError(t, err, "index.Open error")

	opts := []ConfigOption{
		WithTokens([]string{testToken}),
		WithAppSecret("test-app-secret"),
		WithPolicy(policy),
		WithStorageBackend(storage.NewMemoryBackend()),
		WithIndex(ix),
	}
	opts = append(opts, extra...)

	server, err := NewServer(NewConfig(opts...))
	require.NoError(t, err, "NewServer error")
	t.Cleanup(func() { _ = server.Close() })

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// uploadRequest builds an authenticated multipart POST /upload carrying
// payload as the "file" field.
func uploadRequest(t *testing.T, baseURL string, payload []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "upload.bin")
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, baseURL+"/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func doUpload(t *testing.T, baseURL string, payload []byte) CreateUploadResponse {
	t.Helper()

	resp, err := http.DefaultClient.Do(uploadRequest(t, baseURL, payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var created CreateUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

func authedRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestServerPublicEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, path := range []string{"/", "/health"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", path)
		require.Equal(t, "stash", resp.Header.Get("Server"))
		require.Equal(t, "none", resp.Header.Get("X-Robots-Tag"))
		_ = resp.Body.Close()
	}
}

func TestServerAuthentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	cases := map[string]string{
		"no header":     "",
		"wrong scheme":  "Basic dXNlcjpwYXNz",
		"wrong token":   "Bearer not-the-token",
		"token prefix":  "Bearer " + testToken[:len(testToken)-1],
		"bare token":    testToken,
		"empty bearer":  "Bearer ",
		"trailing junk": "Bearer " + testToken + "x",
	}

	for name, header := range cases {
		for _, target := range []struct {
			method, path string
		}{
			{http.MethodPost, "/upload"},
			{http.MethodDelete, "/upload/aaaaaaaaaa.bin"},
			{http.MethodGet, "/statistics"},
		} {
			req, err := http.NewRequest(target.method, ts.URL+target.path, nil)
			require.NoError(t, err)
			if header != "" {
				req.Header.Set("Authorization", header)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			require.Equalf(t, http.StatusUnauthorized, resp.StatusCode,
				"%s %s with %s must be rejected", target.method, target.path, name)
		}
	}
}

func TestServerUploadAndRetrieve(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	payload := []byte("round trip through the http surface")
	created := doUpload(t, ts.URL, payload)

	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.Key)
	require.Equal(t, "text/plain", created.MimeType)
	require.Equal(t, fmt.Sprintf("/upload/%s?key=%s", created.ID, created.Key),
		strings.TrimPrefix(created.URL, strings.TrimSuffix(ts.URL, "/")))

	// Retrieval needs no credential, only the key from the URL.
	resp, err := http.Get(fmt.Sprintf("%s/upload/%s?key=%s", ts.URL, created.ID, url.QueryEscape(created.Key)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, fmt.Sprintf("%d", len(payload)), resp.Header.Get("Content-Length"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestServerShareURLUsesPublicBaseURL(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, WithPublicBaseURL("https://files.example.com/"))

	created := doUpload(t, ts.URL, []byte("public url content"))
	require.Equal(t,
		fmt.Sprintf("https://files.example.com/upload/%s?key=%s", created.ID, created.Key),
		created.URL)
}

func TestServerRetrieveErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	created := doUpload(t, ts.URL, []byte("error case content"))

	get := func(id, key string) int {
		resp, err := http.Get(fmt.Sprintf("%s/upload/%s?key=%s", ts.URL, id, url.QueryEscape(key)))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusNotFound, get("ffffffffff.txt", created.Key))
	require.Equal(t, http.StatusForbidden, get(created.ID, "garbage-key"))

	// A well-formed key for a different upload must not open this one.
	other := doUpload(t, ts.URL, []byte("a different payload"))
	require.Equal(t, http.StatusForbidden, get(created.ID, other.Key))
}

func TestServerRejectsDisallowedMediaType(t *testing.T) {
	t.Parallel()

	policy, err := classify.ParsePolicy([]string{"image/*"})
	require.NoError(t, err)
	ts := newTestServer(t, WithPolicy(policy))

	resp, err := http.DefaultClient.Do(uploadRequest(t, ts.URL, []byte("text is not an image")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestServerRejectsOversizedUpload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, WithSizeLimit(1024))

	resp, err := http.DefaultClient.Do(uploadRequest(t, ts.URL, bytes.Repeat([]byte("x"), 2048)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerRejectsBodyWithoutFileField(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("comment", "no file here"))
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerDeleteUpload(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	created := doUpload(t, ts.URL, []byte("short lived content"))

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodDelete, ts.URL+"/upload/"+created.ID))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The upload is gone for readers and for repeat deletes.
	getResp, err := http.Get(fmt.Sprintf("%s/upload/%s?key=%s", ts.URL, created.ID, url.QueryEscape(created.Key)))
	require.NoError(t, err)
	_ = getResp.Body.Close()
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)

	resp, err = http.DefaultClient.Do(authedRequest(t, http.MethodDelete, ts.URL+"/upload/"+created.ID))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStatistics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	readStats := func() StatisticsResponse {
		resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/statistics"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stats StatisticsResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		return stats
	}

	require.Equal(t, StatisticsResponse{}, readStats())

	payloadA := []byte("first stored upload")
	payloadB := []byte("second stored upload, a bit longer")
	doUpload(t, ts.URL, payloadA)
	doUpload(t, ts.URL, payloadB)

	stats := readStats()
	require.Equal(t, int64(2), stats.Storage.Files)
	require.Equal(t, int64(len(payloadA)+len(payloadB)), stats.Storage.SizeBytes)
}

func TestServerConfigValidation(t *testing.T) {
	t.Parallel()

	ix, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	valid := func() Config {
		return NewConfig(
			WithTokens([]string{testToken}),
			WithAppSecret("secret"),
			WithStorageBackend(storage.NewMemoryBackend()),
			WithIndex(ix),
		)
	}

	_, err = NewServer(valid())
	require.NoError(t, err)

	broken := valid()
	broken.Tokens = nil
	_, err = NewServer(broken)
	require.Error(t, err)

	broken = valid()
	broken.AppSecret = ""
	_, err = NewServer(broken)
	require.Error(t, err)

	broken = valid()
	broken.Backend = nil
	_, err = NewServer(broken)
	require.Error(t, err)

	broken = valid()
	broken.Index = nil
	_, err = NewServer(broken)
	require.Error(t, err)
}

func TestServerSweeperConfiguration(t *testing.T) {
	t.Parallel()

	ix, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	server, err := NewServer(NewConfig(
		WithTokens([]string{testToken}),
		WithAppSecret("secret"),
		WithStorageBackend(storage.NewMemoryBackend()),
		WithIndex(ix),
	))
	require.NoError(t, err)
	require.Nil(t, server.Sweeper(), "no expiry configured means no sweeper")

	ix2, err := index.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix2.Close() })

	server, err = NewServer(NewConfig(
		WithTokens([]string{testToken}),
		WithAppSecret("secret"),
		WithStorageBackend(storage.NewMemoryBackend()),
		WithIndex(ix2),
		WithExpiry(time.Minute, time.Second),
	))
	require.NoError(t, err)
	require.NotNil(t, server.Sweeper())
}
