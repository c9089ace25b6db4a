package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAndServe(t *testing.T) {
	s, err := New(t.TempDir(), "http://shop.test/")
	require.NoError(t, err)

	require.NoError(t, s.Upload(context.Background(), "posts", "u1/42.png", "image/png", strings.NewReader("png-bytes")))
	url := s.PublicURL("posts", "u1/42.png")
	assert.Equal(t, "http://shop.test/storage/posts/u1/42.png", url)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/storage/posts/u1/42.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	dir, err := http.Get(srv.URL + "/storage/posts/u1/")
	require.NoError(t, err)
	dir.Body.Close()
	assert.Equal(t, http.StatusNotFound, dir.StatusCode)
}

func TestUploadRejectsEscapingPaths(t *testing.T) {
	s, err := New(t.TempDir(), "http://shop.test")
	require.NoError(t, err)
	ctx := context.Background()

	for _, tc := range []struct{ bucket, path string }{
		{"posts", "../../etc/passwd"},
		{"posts", ""},
		{"", "u1/a.png"},
		{"posts/../x", "a.png"},
	} {
		err := s.Upload(ctx, tc.bucket, tc.path, "image/png", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrBadPath, "%s/%s", tc.bucket, tc.path)
	}
}

func TestUploadHonoursCancellation(t *testing.T) {
	s, err := New(t.TempDir(), "http://shop.test")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Upload(ctx, "posts", "u1/a.png", "image/png", strings.NewReader("x")))
}

func TestUploadRequiresImageExtension(t *testing.T) {
	s, err := New(t.TempDir(), "http://shop.test")
	require.NoError(t, err)
	ctx := context.Background()

	for _, tc := range []struct{ path, contentType string }{
		{"u1/a.html", "text/html"},
		{"u1/a.html", "image/png"},
		{"u1/a.svg", "image/svg+xml"},
		{"u1/a.jpg", "image/png"},
		{"u1/a", "image/png"},
	} {
		err := s.Upload(ctx, "posts", tc.path, tc.contentType, strings.NewReader("<script></script>"))
		assert.ErrorIs(t, err, ErrUnsupportedType, "%s as %s", tc.path, tc.contentType)
	}
}

func TestHandlerServesOnlyImageTypes(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "http://shop.test")
	require.NoError(t, err)

	// Objects that reached the disk some other way are still not served
	// as active content.
	dir := filepath.Join(root, "posts", "u1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.html"), []byte("<script>alert(1)</script>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.png"), []byte("<html><script>alert(1)</script></html>"), 0o644))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/storage/posts/u1/1.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/storage/posts/u1/2.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
