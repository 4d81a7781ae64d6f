package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"tryonhub/pkg/domain"
)

const migrateLockID int64 = 58714201

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock so
// concurrent replicas do not race on DDL.
func NewGormStore(ctx context.Context, dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(ctx, db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&TryOnRecordModel{}, &GeneratedImageModel{}, &GalleryEntryModel{}, &ProductModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'generated_image_models'
					AND constraint_name = 'generated_image_models_user_id_fkey'
				) THEN
					ALTER TABLE generated_image_models
					ADD CONSTRAINT generated_image_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES try_on_record_models(user_id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure generated image foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetRecord loads a user's record with its generated images.
func (s *GormStore) GetRecord(ctx context.Context, userID string) (domain.TryOnRecord, bool, error) {
	return loadRecord(s.db.WithContext(ctx), userID)
}

func loadRecord(tx *gorm.DB, userID string) (domain.TryOnRecord, bool, error) {
	var model TryOnRecordModel
	if err := tx.First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TryOnRecord{}, false, nil
		}
		return domain.TryOnRecord{}, false, fmt.Errorf("load record: %w", err)
	}
	var images []GeneratedImageModel
	if err := tx.Where("user_id = ?", userID).Order("generated_at ASC").Order("product_id ASC").Find(&images).Error; err != nil {
		return domain.TryOnRecord{}, false, fmt.Errorf("load generated images: %w", err)
	}
	return recordFromModels(model, images), true, nil
}

// SetUserPhoto upserts the photo and drops every generated image in one transaction.
func (s *GormStore) SetUserPhoto(ctx context.Context, userID string, photo domain.UserPhoto) (domain.TryOnRecord, error) {
	now := time.Now().UTC()
	uploadedAt := photo.UploadedAt.UTC()
	model := TryOnRecordModel{
		UserID:          userID,
		PhotoImageID:    photo.ImageID,
		PhotoURL:        photo.URL,
		PhotoUploadedAt: &uploadedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var rec domain.TryOnRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"photo_image_id", "photo_url", "photo_uploaded_at", "updated_at"}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		if err := tx.Delete(&GeneratedImageModel{}, "user_id = ?", userID).Error; err != nil {
			return fmt.Errorf("clear generated images: %w", err)
		}
		var err error
		rec, _, err = loadRecord(tx, userID)
		return err
	})
	return rec, err
}

// UpsertGenerated writes the image keyed by (user, product). The guarded update
// locks the record row, so a concurrent photo change either waits for this
// transaction or makes it fail with ErrPhotoChanged.
func (s *GormStore) UpsertGenerated(ctx context.Context, userID, photoImageID string, img domain.GeneratedImage) (domain.TryOnRecord, error) {
	now := time.Now().UTC()
	var rec domain.TryOnRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TryOnRecordModel{}).
			Where("user_id = ? AND photo_image_id = ? AND photo_image_id <> ''", userID, photoImageID).
			Update("updated_at", now)
		if res.Error != nil {
			return fmt.Errorf("touch record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrPhotoChanged
		}
		model := GeneratedImageModel{
			UserID:      userID,
			ProductID:   img.ProductID,
			ImageID:     img.ImageID,
			URL:         img.URL,
			GeneratedAt: img.GeneratedAt.UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"image_id", "url", "generated_at"}),
		}).Create(&model).Error; err != nil {
			return fmt.Errorf("upsert generated image: %w", err)
		}
		var err error
		rec, _, err = loadRecord(tx, userID)
		return err
	})
	return rec, err
}

// ClearPhoto removes the photo and generated images; the record row is kept.
func (s *GormStore) ClearPhoto(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TryOnRecordModel{}).Where("user_id = ?", userID).Updates(map[string]any{
			"photo_image_id":    "",
			"photo_url":         "",
			"photo_uploaded_at": nil,
			"updated_at":        time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("clear photo: %w", err)
		}
		if err := tx.Delete(&GeneratedImageModel{}, "user_id = ?", userID).Error; err != nil {
			return fmt.Errorf("clear generated images: %w", err)
		}
		return nil
	})
}

// SaveGalleryEntry inserts a public entry or refreshes the URL and timestamp of the existing one.
func (s *GormStore) SaveGalleryEntry(ctx context.Context, userID, productID, imageURL string, savedAt time.Time) (domain.GalleryEntry, error) {
	model := GalleryEntryModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProductID: productID,
		ImageURL:  imageURL,
		IsPublic:  true,
		SavedAt:   savedAt.UTC(),
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_url", "saved_at"}),
	}).Create(&model).Error; err != nil {
		return domain.GalleryEntry{}, fmt.Errorf("save gallery entry: %w", err)
	}
	var saved GalleryEntryModel
	if err := db.First(&saved, "user_id = ? AND product_id = ?", userID, productID).Error; err != nil {
		return domain.GalleryEntry{}, fmt.Errorf("reload gallery entry: %w", err)
	}
	return galleryFromModel(saved), nil
}

// ListGalleryByUser returns the user's entries, newest first.
func (s *GormStore) ListGalleryByUser(ctx context.Context, userID string) ([]domain.GalleryEntry, error) {
	var models []GalleryEntryModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("saved_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list gallery: %w", err)
	}
	return galleryList(models), nil
}

// ListPublicGalleryByProduct returns public entries for a product, newest first.
func (s *GormStore) ListPublicGalleryByProduct(ctx context.Context, productID string, limit int) ([]domain.GalleryEntry, error) {
	var models []GalleryEntryModel
	if err := s.db.WithContext(ctx).
		Where("product_id = ? AND is_public = ?", productID, true).
		Order("saved_at DESC").
		Limit(clampLimit(limit, defaultGalleryLimit, maxGalleryLimit)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list public gallery: %w", err)
	}
	return galleryList(models), nil
}

func galleryList(models []GalleryEntryModel) []domain.GalleryEntry {
	out := make([]domain.GalleryEntry, 0, len(models))
	for _, m := range models {
		out = append(out, galleryFromModel(m))
	}
	return out
}

// ToggleGalleryPublic flips visibility with a single UPDATE ... RETURNING.
func (s *GormStore) ToggleGalleryPublic(ctx context.Context, userID, entryID string) (bool, error) {
	var model GalleryEntryModel
	res := s.db.WithContext(ctx).Model(&model).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "is_public"}}}).
		Where("id = ? AND user_id = ?", entryID, userID).
		Update("is_public", gorm.Expr("NOT is_public"))
	if res.Error != nil {
		return false, fmt.Errorf("toggle gallery entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, ErrNotFound
	}
	return model.IsPublic, nil
}

// DeleteGalleryEntry removes an entry owned by userID.
func (s *GormStore) DeleteGalleryEntry(ctx context.Context, userID, entryID string) error {
	res := s.db.WithContext(ctx).Delete(&GalleryEntryModel{}, "id = ? AND user_id = ?", entryID, userID)
	if res.Error != nil {
		return fmt.Errorf("delete gallery entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProduct returns a catalog product.
func (s *GormStore) GetProduct(ctx context.Context, productID string) (domain.Product, bool, error) {
	var model ProductModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Product{}, false, nil
		}
		return domain.Product{}, false, fmt.Errorf("get product: %w", err)
	}
	return productFromModel(model), true, nil
}

// ListProducts returns products in catalog order.
func (s *GormStore) ListProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	var models []ProductModel
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").Order("id ASC").
		Limit(clampLimit(limit, defaultProductLimit, maxProductLimit)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]domain.Product, 0, len(models))
	for _, m := range models {
		out = append(out, productFromModel(m))
	}
	return out, nil
}

// UpsertProduct stores or updates a product.
func (s *GormStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	now := time.Now().UTC()
	model := ProductModel{
		ID:        p.ID,
		Name:      p.Name,
		Images:    datatypesImages(p.Images),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "images", "updated_at"}),
	}).Create(&model).Error
}

var _ Store = (*GormStore)(nil)
