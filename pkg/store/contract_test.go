package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"tryonhub/pkg/domain"
)

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	t.Run("record lifecycle", func(t *testing.T) { testRecordLifecycle(t, s) })
	t.Run("generation replaces", func(t *testing.T) { testGenerationReplaces(t, s) })
	t.Run("generation pinned to photo", func(t *testing.T) { testGenerationPinnedToPhoto(t, s) })
	t.Run("clear photo idempotent", func(t *testing.T) { testClearPhotoIdempotent(t, s) })
	t.Run("gallery upsert", func(t *testing.T) { testGalleryUpsert(t, s) })
	t.Run("gallery ownership", func(t *testing.T) { testGalleryOwnership(t, s) })
	t.Run("catalog", func(t *testing.T) { testCatalog(t, s) })
}

func testRecordLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	if _, ok, err := s.GetRecord(ctx, user); err != nil || ok {
		t.Fatalf("expected no record, ok=%v err=%v", ok, err)
	}

	_, err := s.UpsertGenerated(ctx, user, "photo-0", domain.GeneratedImage{ProductID: "p1", ImageID: "k1", URL: "u1", GeneratedAt: time.Now()})
	if !errors.Is(err, ErrPhotoChanged) {
		t.Fatalf("generation without a photo: expected ErrPhotoChanged, got %v", err)
	}
	if _, ok, _ := s.GetRecord(ctx, user); ok {
		t.Fatalf("rejected generation must not create a record")
	}

	uploaded := time.Now().UTC().Truncate(time.Millisecond)
	rec, err := s.SetUserPhoto(ctx, user, domain.UserPhoto{ImageID: "photo-1", URL: "photo-url", UploadedAt: uploaded})
	if err != nil {
		t.Fatalf("set photo: %v", err)
	}
	if !rec.HasPhoto() || rec.UserPhoto.ImageID != "photo-1" {
		t.Fatalf("photo not stored: %+v", rec)
	}
	if !rec.UserPhoto.UploadedAt.Equal(uploaded) {
		t.Fatalf("uploadedAt mismatch: %v vs %v", rec.UserPhoto.UploadedAt, uploaded)
	}
	if len(rec.GeneratedImages) != 0 {
		t.Fatalf("new photo must clear generated images, got %d", len(rec.GeneratedImages))
	}

	got, ok, err := s.GetRecord(ctx, user)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if got.UserID != user || !got.HasPhoto() {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func testGenerationReplaces(t *testing.T, s Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	if _, err := s.SetUserPhoto(ctx, user, domain.UserPhoto{ImageID: "ph", URL: "x", UploadedAt: time.Now()}); err != nil {
		t.Fatalf("set photo: %v", err)
	}
	base := time.Now().UTC()
	for i, url := range []string{"first", "second"} {
		if _, err := s.UpsertGenerated(ctx, user, "ph", domain.GeneratedImage{
			ProductID: "p1", ImageID: "img-" + url, URL: url, GeneratedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("upsert %s: %v", url, err)
		}
	}
	rec, err := s.UpsertGenerated(ctx, user, "ph", domain.GeneratedImage{ProductID: "p2", ImageID: "img-p2", URL: "p2", GeneratedAt: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("upsert p2: %v", err)
	}
	if len(rec.GeneratedImages) != 2 {
		t.Fatalf("expected 2 generated images, got %+v", rec.GeneratedImages)
	}
	img, ok := rec.Generated("p1")
	if !ok || img.URL != "second" || img.ImageID != "img-second" {
		t.Fatalf("expected latest p1 result, got %+v", img)
	}
	if !rec.HasPhoto() {
		t.Fatalf("generation must not touch the photo")
	}
}

func testGenerationPinnedToPhoto(t *testing.T, s Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	if _, err := s.SetUserPhoto(ctx, user, domain.UserPhoto{ImageID: "old", URL: "x", UploadedAt: time.Now()}); err != nil {
		t.Fatalf("set photo: %v", err)
	}
	if _, err := s.SetUserPhoto(ctx, user, domain.UserPhoto{ImageID: "new", URL: "y", UploadedAt: time.Now()}); err != nil {
		t.Fatalf("replace photo: %v", err)
	}
	img := domain.GeneratedImage{ProductID: "p1", ImageID: "k", URL: "u", GeneratedAt: time.Now()}
	if _, err := s.UpsertGenerated(ctx, user, "old", img); !errors.Is(err, ErrPhotoChanged) {
		t.Fatalf("replaced photo: expected ErrPhotoChanged, got %v", err)
	}
	rec, _, _ := s.GetRecord(ctx, user)
	if len(rec.GeneratedImages) != 0 {
		t.Fatalf("result for the replaced photo was stored: %+v", rec.GeneratedImages)
	}

	if err := s.ClearPhoto(ctx, user); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.UpsertGenerated(ctx, user, "new", img); !errors.Is(err, ErrPhotoChanged) {
		t.Fatalf("cleared photo: expected ErrPhotoChanged, got %v", err)
	}
	if _, err := s.UpsertGenerated(ctx, user, "", img); !errors.Is(err, ErrPhotoChanged) {
		t.Fatalf("empty photo id: expected ErrPhotoChanged, got %v", err)
	}
	rec, _, _ = s.GetRecord(ctx, user)
	if rec.HasPhoto() || len(rec.GeneratedImages) != 0 {
		t.Fatalf("cleared record gained results: %+v", rec)
	}
}

func testClearPhotoIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	if err := s.ClearPhoto(ctx, user); err != nil {
		t.Fatalf("clear on absent record: %v", err)
	}
	if _, ok, _ := s.GetRecord(ctx, user); ok {
		t.Fatalf("clear must not create a record")
	}
	_, _ = s.SetUserPhoto(ctx, user, domain.UserPhoto{ImageID: "ph", URL: "x", UploadedAt: time.Now()})
	_, _ = s.UpsertGenerated(ctx, user, "ph", domain.GeneratedImage{ProductID: "p1", ImageID: "k", URL: "u", GeneratedAt: time.Now()})
	for i := 0; i < 2; i++ {
		if err := s.ClearPhoto(ctx, user); err != nil {
			t.Fatalf("clear #%d: %v", i, err)
		}
	}
	rec, ok, err := s.GetRecord(ctx, user)
	if err != nil || !ok {
		t.Fatalf("record must persist after clear: ok=%v err=%v", ok, err)
	}
	if rec.HasPhoto() || len(rec.GeneratedImages) != 0 {
		t.Fatalf("expected cleared record, got %+v", rec)
	}
}

func testGalleryUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()
	product := "p-" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	first, err := s.SaveGalleryEntry(ctx, user, product, "url-1", t0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !first.IsPublic || first.ID == "" {
		t.Fatalf("new entries are public with an id: %+v", first)
	}
	if _, err := s.ToggleGalleryPublic(ctx, user, first.ID); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	second, err := s.SaveGalleryEntry(ctx, user, product, "url-2", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if second.ID != first.ID || second.ImageURL != "url-2" || !second.SavedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected in-place update, got %+v (first %+v)", second, first)
	}
	if second.IsPublic {
		t.Fatalf("re-saving must keep visibility")
	}

	other := "p-" + uuid.NewString()
	if _, err := s.SaveGalleryEntry(ctx, user, other, "url-3", t0.Add(2*time.Second)); err != nil {
		t.Fatalf("save other: %v", err)
	}
	mine, err := s.ListGalleryByUser(ctx, user)
	if err != nil {
		t.Fatalf("list mine: %v", err)
	}
	if len(mine) != 2 || mine[0].ProductID != other || mine[1].ProductID != product {
		t.Fatalf("expected 2 entries newest first, got %+v", mine)
	}

	public, err := s.ListPublicGalleryByProduct(ctx, product, 10)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(public) != 0 {
		t.Fatalf("private entry leaked into public list: %+v", public)
	}
	isPublic, err := s.ToggleGalleryPublic(ctx, user, first.ID)
	if err != nil || !isPublic {
		t.Fatalf("toggle back: %v %v", isPublic, err)
	}
	public, _ = s.ListPublicGalleryByProduct(ctx, product, 10)
	if len(public) != 1 || public[0].ImageURL != "url-2" {
		t.Fatalf("expected one public entry, got %+v", public)
	}
}

func testGalleryOwnership(t *testing.T, s Store) {
	ctx := context.Background()
	owner := "u-" + uuid.NewString()
	intruder := "u-" + uuid.NewString()
	entry, err := s.SaveGalleryEntry(ctx, owner, "p-"+uuid.NewString(), "url", time.Now())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.ToggleGalleryPublic(ctx, intruder, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign toggle: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteGalleryEntry(ctx, intruder, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteGalleryEntry(ctx, owner, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteGalleryEntry(ctx, owner, entry.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ToggleGalleryPublic(ctx, owner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing toggle: expected ErrNotFound, got %v", err)
	}
}

func testCatalog(t *testing.T, s Store) {
	ctx := context.Background()
	id := "p-" + uuid.NewString()
	if _, ok, err := s.GetProduct(ctx, id); err != nil || ok {
		t.Fatalf("expected missing product, ok=%v err=%v", ok, err)
	}
	p := domain.Product{ID: id, Name: "Linen shirt", Images: []domain.ProductImage{
		{Key: "catalog/a.jpg"},
		{URL: "https://cdn.example.com/b.jpg", IsPrimary: true},
	}}
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	p.Name = "Linen shirt (blue)"
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("update product: %v", err)
	}
	got, ok, err := s.GetProduct(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get product: ok=%v err=%v", ok, err)
	}
	if got.Name != "Linen shirt (blue)" || len(got.Images) != 2 {
		t.Fatalf("unexpected product: %+v", got)
	}
	if img, ok := got.PrimaryImage(); !ok || img.URL != "https://cdn.example.com/b.jpg" {
		t.Fatalf("unexpected primary image: %+v", img)
	}
	list, err := s.ListProducts(ctx, maxProductLimit)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	found := 0
	for _, item := range list {
		if item.ID == id {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("expected product once in listing, found %d", found)
	}
}
