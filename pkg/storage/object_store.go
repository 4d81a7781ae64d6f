package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// MaxObjectBytes caps how much Get reads into memory.
const MaxObjectBytes = 20 << 20

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// IsAllowedImageType reports whether contentType is an accepted upload format.
func IsAllowedImageType(contentType string) bool {
	_, ok := imageExtensions[normalizeContentType(contentType)]
	return ok
}

// ExtensionFor returns the file extension for an image content type, or "".
func ExtensionFor(contentType string) string {
	return imageExtensions[normalizeContentType(contentType)]
}

// UserPhotoKey builds users/<uid>/photo/<uuid>.<ext>.
func UserPhotoKey(userID, contentType string) string {
	return path.Join("users", safeSegment(userID), "photo", uuid.NewString()+ExtensionFor(contentType))
}

// GeneratedKey builds users/<uid>/generated/<productID>/<uuid>.<ext>. PNG is assumed
// when the provider does not report a known image type.
func GeneratedKey(userID, productID, contentType string) string {
	ext := ExtensionFor(contentType)
	if ext == "" {
		ext = ".png"
	}
	return path.Join("users", safeSegment(userID), "generated", safeSegment(productID), uuid.NewString()+ext)
}

func normalizeContentType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxObjectBytes {
		return nil, errors.New("object exceeds size limit")
	}
	return data, nil
}
