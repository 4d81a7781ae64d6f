package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"tryonhub/pkg/domain"
)

// MemoryStore keeps everything in process. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]domain.TryOnRecord
	gallery  map[string]domain.GalleryEntry
	products map[string]domain.Product
	order    []string
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]domain.TryOnRecord),
		gallery:  make(map[string]domain.GalleryEntry),
		products: make(map[string]domain.Product),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) GetRecord(_ context.Context, userID string) (domain.TryOnRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.TryOnRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) SetUserPhoto(_ context.Context, userID string, photo domain.UserPhoto) (domain.TryOnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(userID)
	p := photo
	p.UploadedAt = p.UploadedAt.UTC()
	rec.UserPhoto = &p
	rec.GeneratedImages = []domain.GeneratedImage{}
	rec.UpdatedAt = s.now()
	s.records[userID] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpsertGenerated(_ context.Context, userID, photoImageID string, img domain.GeneratedImage) (domain.TryOnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok || !rec.HasPhoto() || rec.UserPhoto.ImageID != photoImageID {
		return domain.TryOnRecord{}, ErrPhotoChanged
	}
	kept := make([]domain.GeneratedImage, 0, len(rec.GeneratedImages)+1)
	for _, g := range rec.GeneratedImages {
		if g.ProductID != img.ProductID {
			kept = append(kept, g)
		}
	}
	img.GeneratedAt = img.GeneratedAt.UTC()
	rec.GeneratedImages = append(kept, img)
	rec.UpdatedAt = s.now()
	s.records[userID] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ClearPhoto(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil
	}
	rec.UserPhoto = nil
	rec.GeneratedImages = []domain.GeneratedImage{}
	rec.UpdatedAt = s.now()
	s.records[userID] = rec
	return nil
}

func (s *MemoryStore) recordLocked(userID string) domain.TryOnRecord {
	rec, ok := s.records[userID]
	if ok {
		return rec
	}
	now := s.now()
	return domain.TryOnRecord{UserID: userID, GeneratedImages: []domain.GeneratedImage{}, CreatedAt: now, UpdatedAt: now}
}

func cloneRecord(rec domain.TryOnRecord) domain.TryOnRecord {
	out := rec
	if rec.UserPhoto != nil {
		p := *rec.UserPhoto
		out.UserPhoto = &p
	}
	out.GeneratedImages = append([]domain.GeneratedImage{}, rec.GeneratedImages...)
	return out
}

func (s *MemoryStore) SaveGalleryEntry(_ context.Context, userID, productID, imageURL string, savedAt time.Time) (domain.GalleryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.gallery {
		if e.UserID == userID && e.ProductID == productID {
			e.ImageURL = imageURL
			e.SavedAt = savedAt.UTC()
			s.gallery[id] = e
			return e, nil
		}
	}
	e := domain.GalleryEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProductID: productID,
		ImageURL:  imageURL,
		IsPublic:  true,
		SavedAt:   savedAt.UTC(),
	}
	s.gallery[e.ID] = e
	return e, nil
}

func (s *MemoryStore) ListGalleryByUser(_ context.Context, userID string) ([]domain.GalleryEntry, error) {
	return s.filterGallery(func(e domain.GalleryEntry) bool { return e.UserID == userID }, 0), nil
}

func (s *MemoryStore) ListPublicGalleryByProduct(_ context.Context, productID string, limit int) ([]domain.GalleryEntry, error) {
	limit = clampLimit(limit, defaultGalleryLimit, maxGalleryLimit)
	return s.filterGallery(func(e domain.GalleryEntry) bool { return e.ProductID == productID && e.IsPublic }, limit), nil
}

func (s *MemoryStore) filterGallery(keep func(domain.GalleryEntry) bool, limit int) []domain.GalleryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GalleryEntry, 0)
	for _, e := range s.gallery {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ToggleGalleryPublic(_ context.Context, userID, entryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.gallery[entryID]
	if !ok || e.UserID != userID {
		return false, ErrNotFound
	}
	e.IsPublic = !e.IsPublic
	s.gallery[entryID] = e
	return e.IsPublic, nil
}

func (s *MemoryStore) DeleteGalleryEntry(_ context.Context, userID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.gallery[entryID]
	if !ok || e.UserID != userID {
		return ErrNotFound
	}
	delete(s.gallery, entryID)
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, productID string) (domain.Product, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return domain.Product{}, false, nil
	}
	p.Images = append([]domain.ProductImage{}, p.Images...)
	return p, true, nil
}

func (s *MemoryStore) ListProducts(_ context.Context, limit int) ([]domain.Product, error) {
	limit = clampLimit(limit, defaultProductLimit, maxProductLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, min(limit, len(s.order)))
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		p := s.products[id]
		p.Images = append([]domain.ProductImage{}, p.Images...)
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) UpsertProduct(_ context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	p.Images = append([]domain.ProductImage{}, p.Images...)
	s.products[p.ID] = p
	return nil
}

var _ Store = (*MemoryStore)(nil)
