package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"tryonhub/internal/util"
	"tryonhub/pkg/domain"
	"tryonhub/pkg/events"
	"tryonhub/pkg/storage"
)

// UploadResult identifies a stored user photo.
type UploadResult struct {
	ImageURL string `json:"imageUrl"`
	ImageID  string `json:"imageId"`
}

// TryOnData is the user's current try-on state with viewable URLs.
type TryOnData struct {
	HasPhoto        bool                    `json:"hasPhoto"`
	UserPhotoURL    string                  `json:"userPhotoUrl,omitempty"`
	GeneratedImages []domain.GeneratedImage `json:"generatedImages"`
	RateLimit       domain.Quota            `json:"rateLimit"`
	RateLimitState  domain.RateLimitState   `json:"rateLimitState"`
}

// UploadUserPhoto stores a new reference portrait, replacing the previous one.
// Replacing the photo discards every generated result.
func (a *App) UploadUserPhoto(ctx context.Context, userID string, data []byte) (UploadResult, error) {
	res, err := a.uploadUserPhoto(ctx, userID, data)
	a.metrics.observeUpload(err)
	return res, err
}

func (a *App) uploadUserPhoto(ctx context.Context, userID string, data []byte) (UploadResult, error) {
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty file", ErrInvalidImage)
	}
	if int64(len(data)) > a.maxPhotoBytes {
		return UploadResult{}, ErrImageTooLarge
	}
	contentType := http.DetectContentType(data)
	if !storage.IsAllowedImageType(contentType) {
		return UploadResult{}, fmt.Errorf("%w: got %s", ErrInvalidImage, contentType)
	}
	previous, _, err := a.records.GetRecord(ctx, userID)
	if err != nil {
		return UploadResult{}, fmt.Errorf("load try-on record: %w", err)
	}

	key := storage.UserPhotoKey(userID, contentType)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return UploadResult{}, fmt.Errorf("store photo: %w", err)
	}
	photoURL, err := a.objectURL(ctx, key)
	if err != nil {
		a.deleteObjects(ctx, key)
		return UploadResult{}, err
	}
	if _, err := a.records.SetUserPhoto(ctx, userID, domain.UserPhoto{
		ImageID:    key,
		URL:        photoURL,
		UploadedAt: a.now(),
	}); err != nil {
		a.deleteObjects(ctx, key)
		return UploadResult{}, fmt.Errorf("save photo: %w", err)
	}
	a.deleteObjects(ctx, recordObjectKeys(previous)...)

	util.LoggerFromContext(ctx).Info("user photo uploaded", "user_id", userID, "image_id", key, "bytes", len(data))
	a.publish(ctx, events.Event{Type: events.TypePhotoUploaded, UserID: userID, ImageID: key})
	return UploadResult{ImageURL: photoURL, ImageID: key}, nil
}

// GetUserTryOnData returns the record with fresh URLs and the current quota.
func (a *App) GetUserTryOnData(ctx context.Context, userID string) (TryOnData, error) {
	rec, _, err := a.records.GetRecord(ctx, userID)
	if err != nil {
		return TryOnData{}, fmt.Errorf("load try-on record: %w", err)
	}
	quota, err := a.quota.Check(ctx, userID)
	if err != nil {
		return TryOnData{}, fmt.Errorf("check quota: %w", err)
	}
	// Check has already reset an expired window, so the counter read here is current.
	state, ok, err := a.quota.State(ctx, userID)
	if err != nil {
		return TryOnData{}, fmt.Errorf("read quota state: %w", err)
	}
	if !ok {
		state = domain.RateLimitState{WindowStart: a.now()}
	}
	rec.RateLimit = state
	data := TryOnData{
		HasPhoto:        rec.HasPhoto(),
		GeneratedImages: make([]domain.GeneratedImage, 0, len(rec.GeneratedImages)),
		RateLimit:       quota,
		RateLimitState:  rec.RateLimit,
	}
	if data.HasPhoto {
		if data.UserPhotoURL, err = a.objectURL(ctx, rec.UserPhoto.ImageID); err != nil {
			return TryOnData{}, err
		}
	}
	for _, img := range rec.GeneratedImages {
		if img.URL, err = a.objectURL(ctx, img.ImageID); err != nil {
			return TryOnData{}, err
		}
		data.GeneratedImages = append(data.GeneratedImages, img)
	}
	return data, nil
}

// DeleteUserPhoto clears the photo and all generated results. Quota is untouched
// and deleting twice is not an error.
func (a *App) DeleteUserPhoto(ctx context.Context, userID string) error {
	rec, ok, err := a.records.GetRecord(ctx, userID)
	if err != nil {
		return fmt.Errorf("load try-on record: %w", err)
	}
	if err := a.records.ClearPhoto(ctx, userID); err != nil {
		return fmt.Errorf("clear photo: %w", err)
	}
	if !ok {
		return nil
	}
	a.deleteObjects(ctx, recordObjectKeys(rec)...)
	if rec.HasPhoto() {
		a.publish(ctx, events.Event{Type: events.TypePhotoDeleted, UserID: userID, ImageID: rec.UserPhoto.ImageID})
	}
	return nil
}

// CheckRateLimit reports the user's quota without consuming it.
func (a *App) CheckRateLimit(ctx context.Context, userID string) (domain.Quota, error) {
	quota, err := a.quota.Check(ctx, userID)
	if err != nil {
		return domain.Quota{}, fmt.Errorf("check quota: %w", err)
	}
	return quota, nil
}

func recordObjectKeys(rec domain.TryOnRecord) []string {
	keys := make([]string, 0, len(rec.GeneratedImages)+1)
	if rec.UserPhoto != nil {
		keys = append(keys, rec.UserPhoto.ImageID)
	}
	for _, img := range rec.GeneratedImages {
		keys = append(keys, img.ImageID)
	}
	return keys
}
