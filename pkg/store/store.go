package store

import (
	"context"
	"errors"
	"time"

	"tryonhub/pkg/domain"
)

// ErrNotFound is returned when an addressed entity does not exist or belongs to
// another user.
var ErrNotFound = errors.New("not found")

// ErrPhotoChanged is returned when a generated image is written for a photo that
// is no longer the user's current one.
var ErrPhotoChanged = errors.New("user photo changed")

// TryOnStore persists per-user try-on records. Every mutation is a single atomic
// upsert scoped to one user.
type TryOnStore interface {
	GetRecord(ctx context.Context, userID string) (domain.TryOnRecord, bool, error)
	// SetUserPhoto creates the record if absent and clears generated images.
	SetUserPhoto(ctx context.Context, userID string, photo domain.UserPhoto) (domain.TryOnRecord, error)
	// UpsertGenerated replaces any image for the same product, but only while
	// photoImageID is still the record's photo; otherwise it returns ErrPhotoChanged.
	UpsertGenerated(ctx context.Context, userID, photoImageID string, img domain.GeneratedImage) (domain.TryOnRecord, error)
	// ClearPhoto removes the photo and all generated images. Absent records are not an error.
	ClearPhoto(ctx context.Context, userID string) error
}

// GalleryStore persists saved try-on results, unique per (user, product).
type GalleryStore interface {
	SaveGalleryEntry(ctx context.Context, userID, productID, imageURL string, savedAt time.Time) (domain.GalleryEntry, error)
	ListGalleryByUser(ctx context.Context, userID string) ([]domain.GalleryEntry, error)
	ListPublicGalleryByProduct(ctx context.Context, productID string, limit int) ([]domain.GalleryEntry, error)
	ToggleGalleryPublic(ctx context.Context, userID, entryID string) (bool, error)
	DeleteGalleryEntry(ctx context.Context, userID, entryID string) error
}

// ProductCatalog is read access to the storefront catalog.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, bool, error)
	ListProducts(ctx context.Context, limit int) ([]domain.Product, error)
}

// ProductWriter seeds the catalog (local runs, tests).
type ProductWriter interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
}

// Store is implemented by every backend.
type Store interface {
	TryOnStore
	GalleryStore
	ProductCatalog
	ProductWriter
	Close(ctx context.Context) error
}

const (
	defaultProductLimit = 50
	maxProductLimit     = 500
	defaultGalleryLimit = 20
	maxGalleryLimit     = 100
)

func clampLimit(limit, def, hi int) int {
	if limit <= 0 {
		return def
	}
	if limit > hi {
		return hi
	}
	return limit
}
