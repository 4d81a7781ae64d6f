package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"tryonhub/pkg/domain"
)

const (
	recordsCollection  = "tryon_records"
	galleryCollection  = "gallery_entries"
	productsCollection = "products"
	defaultMongoDB     = "tryon"
)

type photoDoc struct {
	ImageID    string    `bson:"image_id"`
	URL        string    `bson:"url"`
	UploadedAt time.Time `bson:"uploaded_at"`
}

type generatedDoc struct {
	ProductID   string    `bson:"product_id"`
	ImageID     string    `bson:"image_id"`
	URL         string    `bson:"url"`
	GeneratedAt time.Time `bson:"generated_at"`
}

type recordDoc struct {
	UserID    string         `bson:"user_id"`
	Photo     *photoDoc      `bson:"user_photo,omitempty"`
	Generated []generatedDoc `bson:"generated_images"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type galleryDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ProductID string    `bson:"product_id"`
	ImageURL  string    `bson:"image_url"`
	IsPublic  bool      `bson:"is_public"`
	SavedAt   time.Time `bson:"saved_at"`
}

type productDoc struct {
	ID        string            `bson:"_id"`
	Name      string            `bson:"name"`
	Images    []productImageDoc `bson:"images"`
	CreatedAt time.Time         `bson:"created_at"`
}

type productImageDoc struct {
	Key       string `bson:"key,omitempty"`
	URL       string `bson:"url,omitempty"`
	IsPrimary bool   `bson:"is_primary"`
}

// MongoStore implements Store on MongoDB. Generated images are embedded in the
// user's record and replaced with pipeline updates, so no write reads first.
type MongoStore struct {
	client   *mongo.Client
	records  *mongo.Collection
	gallery  *mongo.Collection
	products *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes. The database name comes from
// the URI path, defaulting to "tryon".
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	const op = "store/mongo/New"
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("%s: empty uri", op)
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}
	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	db := cli.Database(databaseFromURI(uri))
	s := &MongoStore{
		client:   cli,
		records:  db.Collection(recordsCollection),
		gallery:  db.Collection(galleryCollection),
		products: db.Collection(productsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetName("user_id_unique").SetUnique(true),
	}); err != nil {
		return fmt.Errorf("ensure record indexes: %w", err)
	}
	if _, err := s.gallery.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "product_id", Value: 1}},
			Options: options.Index().SetName("user_product_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "saved_at", Value: -1}},
			Options: options.Index().SetName("user_saved_desc"),
		},
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}, {Key: "is_public", Value: 1}, {Key: "saved_at", Value: -1}},
			Options: options.Index().SetName("product_public_saved_desc"),
		},
	}); err != nil {
		return fmt.Errorf("ensure gallery indexes: %w", err)
	}
	if _, err := s.products.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("created_asc"),
	}); err != nil {
		return fmt.Errorf("ensure product indexes: %w", err)
	}
	return nil
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			return name
		}
	}
	return defaultMongoDB
}

// GetRecord loads the user's record.
func (s *MongoStore) GetRecord(ctx context.Context, userID string) (domain.TryOnRecord, bool, error) {
	const op = "store/mongo/GetRecord"
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.TryOnRecord{}, false, nil
	}
	if err != nil {
		return domain.TryOnRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return recordFromDoc(doc), true, nil
}

// SetUserPhoto upserts the photo and empties generated images.
func (s *MongoStore) SetUserPhoto(ctx context.Context, userID string, photo domain.UserPhoto) (domain.TryOnRecord, error) {
	const op = "store/mongo/SetUserPhoto"
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"user_photo": photoDoc{
				ImageID:    photo.ImageID,
				URL:        photo.URL,
				UploadedAt: photo.UploadedAt.UTC(),
			},
			"generated_images": bson.A{},
			"updated_at":       now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	return s.upsertRecord(ctx, op, userID, update)
}

// UpsertGenerated replaces the product's entry with one pipeline update:
// filter out the old entry, then append the new one. The filter pins the photo
// the image was generated from.
func (s *MongoStore) UpsertGenerated(ctx context.Context, userID, photoImageID string, img domain.GeneratedImage) (domain.TryOnRecord, error) {
	const op = "store/mongo/UpsertGenerated"
	now := time.Now().UTC()
	entry := generatedDoc{
		ProductID:   img.ProductID,
		ImageID:     img.ImageID,
		URL:         img.URL,
		GeneratedAt: img.GeneratedAt.UTC(),
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"updated_at": now,
			"generated_images": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$generated_images", bson.A{}}},
					"as":    "g",
					"cond":  bson.M{"$ne": bson.A{"$$g.product_id", bson.M{"$literal": img.ProductID}}},
				}},
				bson.A{bson.M{"$literal": entry}},
			}},
		}}},
	}
	filter := bson.M{"user_id": userID, "user_photo.image_id": photoImageID}
	var doc recordDoc
	err := s.records.FindOneAndUpdate(ctx, filter, pipeline, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.TryOnRecord{}, fmt.Errorf("%s: %w", op, ErrPhotoChanged)
	}
	if err != nil {
		return domain.TryOnRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return recordFromDoc(doc), nil
}

func (s *MongoStore) upsertRecord(ctx context.Context, op, userID string, update any) (domain.TryOnRecord, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc recordDoc
	if err := s.records.FindOneAndUpdate(ctx, bson.M{"user_id": userID}, update, opts).Decode(&doc); err != nil {
		return domain.TryOnRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return recordFromDoc(doc), nil
}

// ClearPhoto unsets the photo and empties generated images without creating a record.
func (s *MongoStore) ClearPhoto(ctx context.Context, userID string) error {
	const op = "store/mongo/ClearPhoto"
	_, err := s.records.UpdateOne(ctx, bson.M{"user_id": userID}, bson.M{
		"$unset": bson.M{"user_photo": ""},
		"$set":   bson.M{"generated_images": bson.A{}, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveGalleryEntry upserts by (user, product); new entries start public.
func (s *MongoStore) SaveGalleryEntry(ctx context.Context, userID, productID, imageURL string, savedAt time.Time) (domain.GalleryEntry, error) {
	const op = "store/mongo/SaveGalleryEntry"
	filter := bson.M{"user_id": userID, "product_id": productID}
	update := bson.M{
		"$set":         bson.M{"image_url": imageURL, "saved_at": savedAt.UTC()},
		"$setOnInsert": bson.M{"_id": uuid.NewString(), "is_public": true},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc galleryDoc
	if err := s.gallery.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return domain.GalleryEntry{}, fmt.Errorf("%s: %w", op, err)
	}
	return galleryFromDoc(doc), nil
}

// ListGalleryByUser returns the user's entries, newest first.
func (s *MongoStore) ListGalleryByUser(ctx context.Context, userID string) ([]domain.GalleryEntry, error) {
	const op = "store/mongo/ListGalleryByUser"
	opts := options.Find().SetSort(bson.D{{Key: "saved_at", Value: -1}})
	out, err := s.findGallery(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListPublicGalleryByProduct returns public entries for a product, newest first.
func (s *MongoStore) ListPublicGalleryByProduct(ctx context.Context, productID string, limit int) ([]domain.GalleryEntry, error) {
	const op = "store/mongo/ListPublicGalleryByProduct"
	opts := options.Find().
		SetSort(bson.D{{Key: "saved_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit, defaultGalleryLimit, maxGalleryLimit)))
	out, err := s.findGallery(ctx, bson.M{"product_id": productID, "is_public": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *MongoStore) findGallery(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.GalleryEntry, error) {
	cur, err := s.gallery.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]domain.GalleryEntry, 0)
	for cur.Next(ctx) {
		var doc galleryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, galleryFromDoc(doc))
	}
	return out, cur.Err()
}

// ToggleGalleryPublic flips is_public atomically and returns the new value.
func (s *MongoStore) ToggleGalleryPublic(ctx context.Context, userID, entryID string) (bool, error) {
	const op = "store/mongo/ToggleGalleryPublic"
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"is_public": bson.M{"$not": bson.A{"$is_public"}}}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc galleryDoc
	err := s.gallery.FindOneAndUpdate(ctx, bson.M{"_id": entryID, "user_id": userID}, pipeline, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return doc.IsPublic, nil
}

// DeleteGalleryEntry removes an entry owned by userID.
func (s *MongoStore) DeleteGalleryEntry(ctx context.Context, userID, entryID string) error {
	const op = "store/mongo/DeleteGalleryEntry"
	res, err := s.gallery.DeleteOne(ctx, bson.M{"_id": entryID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// GetProduct returns a catalog product.
func (s *MongoStore) GetProduct(ctx context.Context, productID string) (domain.Product, bool, error) {
	const op = "store/mongo/GetProduct"
	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Product{}, false, nil
	}
	if err != nil {
		return domain.Product{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return productFromDoc(doc), true, nil
}

// ListProducts returns products in catalog order.
func (s *MongoStore) ListProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	const op = "store/mongo/ListProducts"
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(clampLimit(limit, defaultProductLimit, maxProductLimit)))
	cur, err := s.products.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var docs []productDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]domain.Product, 0, len(docs))
	for _, d := range docs {
		out = append(out, productFromDoc(d))
	}
	return out, nil
}

// UpsertProduct stores or updates a product, keeping its original creation time.
func (s *MongoStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	const op = "store/mongo/UpsertProduct"
	images := make([]productImageDoc, 0, len(p.Images))
	for _, img := range p.Images {
		images = append(images, productImageDoc{Key: img.Key, URL: img.URL, IsPrimary: img.IsPrimary})
	}
	_, err := s.products.UpdateOne(ctx, bson.M{"_id": p.ID}, bson.M{
		"$set":         bson.M{"name": p.Name, "images": images},
		"$setOnInsert": bson.M{"created_at": time.Now().UTC()},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func recordFromDoc(doc recordDoc) domain.TryOnRecord {
	rec := domain.TryOnRecord{
		UserID:          doc.UserID,
		GeneratedImages: make([]domain.GeneratedImage, 0, len(doc.Generated)),
		CreatedAt:       doc.CreatedAt.UTC(),
		UpdatedAt:       doc.UpdatedAt.UTC(),
	}
	if doc.Photo != nil && doc.Photo.ImageID != "" {
		rec.UserPhoto = &domain.UserPhoto{
			ImageID:    doc.Photo.ImageID,
			URL:        doc.Photo.URL,
			UploadedAt: doc.Photo.UploadedAt.UTC(),
		}
	}
	for _, g := range doc.Generated {
		rec.GeneratedImages = append(rec.GeneratedImages, domain.GeneratedImage{
			ProductID:   g.ProductID,
			ImageID:     g.ImageID,
			URL:         g.URL,
			GeneratedAt: g.GeneratedAt.UTC(),
		})
	}
	return rec
}

func galleryFromDoc(doc galleryDoc) domain.GalleryEntry {
	return domain.GalleryEntry{
		ID:        doc.ID,
		UserID:    doc.UserID,
		ProductID: doc.ProductID,
		ImageURL:  doc.ImageURL,
		IsPublic:  doc.IsPublic,
		SavedAt:   doc.SavedAt.UTC(),
	}
}

func productFromDoc(doc productDoc) domain.Product {
	p := domain.Product{ID: doc.ID, Name: doc.Name, Images: make([]domain.ProductImage, 0, len(doc.Images))}
	for _, img := range doc.Images {
		p.Images = append(p.Images, domain.ProductImage{Key: img.Key, URL: img.URL, IsPrimary: img.IsPrimary})
	}
	return p
}

var _ Store = (*MongoStore)(nil)
