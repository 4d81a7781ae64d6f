package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tryonhub/pkg/domain"
	"tryonhub/pkg/events"
	"tryonhub/pkg/store"
)

const (
	defaultPublicGalleryLimit = 20
	maxPublicGalleryLimit     = 100
)

// SaveToGallery saves a try-on result for productID. An empty imageURL saves the
// user's generated result for that product. Saving again overwrites the image and
// timestamp but keeps the entry's visibility.
func (a *App) SaveToGallery(ctx context.Context, userID, productID, imageURL string) (domain.GalleryEntry, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.GalleryEntry{}, fmt.Errorf("%w: productId required", ErrInvalidRequest)
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		rec, _, err := a.records.GetRecord(ctx, userID)
		if err != nil {
			return domain.GalleryEntry{}, fmt.Errorf("load try-on record: %w", err)
		}
		img, ok := rec.Generated(productID)
		if !ok {
			return domain.GalleryEntry{}, fmt.Errorf("%w: %s", ErrResultNotFound, productID)
		}
		if imageURL, err = a.objectURL(ctx, img.ImageID); err != nil {
			return domain.GalleryEntry{}, err
		}
	}
	entry, err := a.gallery.SaveGalleryEntry(ctx, userID, productID, imageURL, a.now())
	if err != nil {
		return domain.GalleryEntry{}, fmt.Errorf("save gallery entry: %w", err)
	}
	a.publish(ctx, events.Event{Type: events.TypeGallerySaved, UserID: userID, ProductID: productID, ImageID: entry.ID})
	return entry, nil
}

// ListMyGallery returns the user's entries, newest first.
func (a *App) ListMyGallery(ctx context.Context, userID string) ([]domain.GalleryEntry, error) {
	entries, err := a.gallery.ListGalleryByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list gallery: %w", err)
	}
	return entries, nil
}

// ListPublicGallery returns public entries for a product, newest first.
func (a *App) ListPublicGallery(ctx context.Context, productID string, limit int) ([]domain.GalleryEntry, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("%w: productId required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultPublicGalleryLimit
	}
	if limit > maxPublicGalleryLimit {
		limit = maxPublicGalleryLimit
	}
	entries, err := a.gallery.ListPublicGalleryByProduct(ctx, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list public gallery: %w", err)
	}
	return entries, nil
}

// ToggleGalleryPublic flips an entry's visibility and returns the new value.
func (a *App) ToggleGalleryPublic(ctx context.Context, userID, entryID string) (bool, error) {
	public, err := a.gallery.ToggleGalleryPublic(ctx, userID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("toggle gallery entry: %w", err)
	}
	return public, nil
}

// DeleteGalleryEntry removes one of the user's entries.
func (a *App) DeleteGalleryEntry(ctx context.Context, userID, entryID string) error {
	err := a.gallery.DeleteGalleryEntry(ctx, userID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete gallery entry: %w", err)
	}
	return nil
}
