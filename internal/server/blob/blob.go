// Package blob stores uploaded objects on the local filesystem and
// serves them under /storage/.
package blob

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
)

const RoutePrefix = "/storage/"

var (
	ErrBadPath         = apperr.InvalidArg("invalid object path")
	ErrUnsupportedType = apperr.InvalidArg("unsupported object type")
)

type Store struct {
	root      string
	publicURL string
}

var _ backend.Blobs = (*Store)(nil)

// New stores objects under root. publicURL is the externally visible
// base of the server, e.g. https://shop.example.com.
func New(root, publicURL string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "blob.New")
	}
	return &Store{root: root, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *Store) resolve(bucket, name string) (string, error) {
	rel := filepath.Clean(filepath.Join(bucket, filepath.FromSlash(name)))
	if bucket == "" || strings.Contains(bucket, "/") || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrBadPath
	}
	if !strings.HasPrefix(rel, bucket+string(filepath.Separator)) {
		return "", ErrBadPath
	}
	return filepath.Join(s.root, rel), nil
}

// Upload writes the object through a temp file so readers never see a
// partial object. The name's extension must be the one for contentType.
func (s *Store) Upload(ctx context.Context, bucket, name, contentType string, r io.Reader) error {
	dst, err := s.resolve(bucket, name)
	if err != nil {
		return err
	}
	if ext, ok := media.Extension(contentType); !ok || path.Ext(name) != "."+ext {
		return ErrUnsupportedType
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "blob.Upload.MkdirAll")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "blob.Upload.CreateTemp")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return errors.Wrap(err, "blob.Upload.Copy")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "blob.Upload.Close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), dst), "blob.Upload.Rename")
}

func (s *Store) PublicURL(bucket, name string) string {
	return s.publicURL + RoutePrefix + bucket + "/" + name
}

// Handler serves stored objects. Mount it at RoutePrefix. Only image
// extensions are served, always with their fixed content type.
func (s *Store) Handler() http.Handler {
	files := http.StripPrefix(RoutePrefix, http.FileServer(noListing{http.Dir(s.root)}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct, ok := media.TypeByExtension(path.Ext(r.URL.Path))
		if !ok {
			http.NotFound(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Type", ct)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
		files.ServeHTTP(w, r)
	})
}

// noListing hides directory indexes.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
