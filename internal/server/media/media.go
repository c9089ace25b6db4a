// Package media validates and stores user images.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/metrics"
)

const (
	BucketPosts         = "posts"
	BucketProfilePhotos = "profile-photos"

	MaxImageSize = 5 << 20
)

var (
	ErrNotImage         = apperr.InvalidArg("please select an image file")
	ErrUnsupportedImage = apperr.InvalidArg("please use a PNG, JPEG, GIF or WebP image")
	ErrTooLarge         = apperr.InvalidArg("image must be less than 5MB")
	ErrContentMismatch  = apperr.InvalidArg("file content is not a valid image")
)

// imageExtensions are the only types accepted and served back. SVG is
// left out since browsers run scripts inside it.
var imageExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Extension returns the object extension for an accepted image type.
func Extension(contentType string) (string, bool) {
	ext, ok := imageExtensions[normalizeType(contentType)]
	return ext, ok
}

// TypeByExtension is the inverse of Extension. ext has no leading dot.
func TypeByExtension(ext string) (string, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for ct, e := range imageExtensions {
		if e == ext {
			return ct, true
		}
	}
	return "", false
}

func normalizeType(contentType string) string {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		return ""
	}
	return mt
}

// File is an upload as received from a client.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ValidateImage rejects anything that is not an accepted image type or
// is larger than MaxImageSize.
func ValidateImage(contentType string, size int64) error {
	ct := normalizeType(contentType)
	if !strings.HasPrefix(ct, "image/") {
		return ErrNotImage
	}
	if _, ok := imageExtensions[ct]; !ok {
		return ErrUnsupportedImage
	}
	if size > MaxImageSize {
		return ErrTooLarge
	}
	return nil
}

// ObjectPath is {userID}/{unixMillis}.{ext}, with ext taken from the
// validated content type. The client's filename is never used.
func ObjectPath(userID, contentType string, now time.Time) (string, error) {
	ext, ok := Extension(contentType)
	if !ok {
		return "", ErrUnsupportedImage
	}
	return fmt.Sprintf("%s/%d.%s", userID, now.UnixMilli(), ext), nil
}

type Uploader struct {
	blobs backend.Blobs
	clock clockwork.Clock
}

func NewUploader(blobs backend.Blobs, clock clockwork.Clock) *Uploader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Uploader{blobs: blobs, clock: clock}
}

// Upload validates f, stores it in bucket under the user's prefix and
// returns its public URL. Invalid files never reach storage.
func (u *Uploader) Upload(ctx context.Context, bucket, userID string, f File) (string, error) {
	if err := ValidateImage(f.ContentType, f.Size); err != nil {
		metrics.UploadsTotal.WithLabelValues(bucket, "rejected").Inc()
		return "", err
	}

	// The declared size is not trusted; read at most one byte past the limit.
	data, err := io.ReadAll(io.LimitReader(f.Body, MaxImageSize+1))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidArgument, "could not read upload", err)
	}
	if len(data) > MaxImageSize {
		metrics.UploadsTotal.WithLabelValues(bucket, "rejected").Inc()
		return "", ErrTooLarge
	}

	// The bytes must be the declared image type.
	ct := normalizeType(f.ContentType)
	if http.DetectContentType(data) != ct {
		metrics.UploadsTotal.WithLabelValues(bucket, "rejected").Inc()
		return "", ErrContentMismatch
	}

	p, err := ObjectPath(userID, ct, u.clock.Now())
	if err != nil {
		return "", err
	}
	if err := u.blobs.Upload(ctx, bucket, p, ct, bytes.NewReader(data)); err != nil {
		metrics.UploadsTotal.WithLabelValues(bucket, "failed").Inc()
		return "", err
	}
	metrics.UploadsTotal.WithLabelValues(bucket, "stored").Inc()
	return u.blobs.PublicURL(bucket, p), nil
}
