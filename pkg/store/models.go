package store

import (
	"time"

	"gorm.io/datatypes"
	"tryonhub/pkg/domain"
)

// GORM models used for persistence.
type TryOnRecordModel struct {
	UserID          string `gorm:"primaryKey"`
	PhotoImageID    string
	PhotoURL        string
	PhotoUploadedAt *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type GeneratedImageModel struct {
	UserID      string    `gorm:"primaryKey"`
	ProductID   string    `gorm:"primaryKey"`
	ImageID     string    `gorm:"not null"`
	URL         string    `gorm:"not null"`
	GeneratedAt time.Time `gorm:"not null;index"`
}

type GalleryEntryModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_gallery_user_product,priority:1"`
	ProductID string    `gorm:"not null;uniqueIndex:idx_gallery_user_product,priority:2;index:idx_gallery_public,priority:1"`
	ImageURL  string    `gorm:"type:text;not null"`
	IsPublic  bool      `gorm:"not null;index:idx_gallery_public,priority:2"`
	SavedAt   time.Time `gorm:"not null;index:idx_gallery_public,priority:3"`
}

type ProductModel struct {
	ID        string                                  `gorm:"primaryKey"`
	Name      string                                  `gorm:"not null"`
	Images    datatypes.JSONSlice[domain.ProductImage] `gorm:"type:jsonb"`
	CreatedAt time.Time                               `gorm:"not null;index"`
	UpdatedAt time.Time                               `gorm:"not null"`
}

func recordFromModels(m TryOnRecordModel, images []GeneratedImageModel) domain.TryOnRecord {
	rec := domain.TryOnRecord{
		UserID:          m.UserID,
		GeneratedImages: make([]domain.GeneratedImage, 0, len(images)),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
	if m.PhotoImageID != "" {
		photo := &domain.UserPhoto{ImageID: m.PhotoImageID, URL: m.PhotoURL}
		if m.PhotoUploadedAt != nil {
			photo.UploadedAt = m.PhotoUploadedAt.UTC()
		}
		rec.UserPhoto = photo
	}
	for _, img := range images {
		rec.GeneratedImages = append(rec.GeneratedImages, domain.GeneratedImage{
			ProductID:   img.ProductID,
			ImageID:     img.ImageID,
			URL:         img.URL,
			GeneratedAt: img.GeneratedAt.UTC(),
		})
	}
	return rec
}

func galleryFromModel(m GalleryEntryModel) domain.GalleryEntry {
	return domain.GalleryEntry{
		ID:        m.ID,
		UserID:    m.UserID,
		ProductID: m.ProductID,
		ImageURL:  m.ImageURL,
		IsPublic:  m.IsPublic,
		SavedAt:   m.SavedAt.UTC(),
	}
}

func productFromModel(m ProductModel) domain.Product {
	images := make([]domain.ProductImage, len(m.Images))
	copy(images, m.Images)
	return domain.Product{ID: m.ID, Name: m.Name, Images: images}
}

func datatypesImages(images []domain.ProductImage) datatypes.JSONSlice[domain.ProductImage] {
	out := make(datatypes.JSONSlice[domain.ProductImage], len(images))
	copy(out, images)
	return out
}
