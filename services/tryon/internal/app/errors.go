package app

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tryonhub/pkg/store"
)

var (
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMissingUserPhoto means generation needs a reference portrait first.
	ErrMissingUserPhoto = errors.New("upload a photo before generating a try-on")
	// ErrPhotoChanged means the photo was replaced or deleted while the image was
	// being generated; the result was discarded.
	ErrPhotoChanged = errors.New("photo changed during generation, try again")
	// ErrMissingProductImage covers unknown products and products without images.
	ErrMissingProductImage = errors.New("product has no image to try on")

	ErrProviderUnavailable     = errors.New("image generation is temporarily unavailable")
	ErrProviderReturnedNoImage = errors.New("image generation produced no image")
	// ErrProviderRejected is a non-retryable provider refusal (bad input, safety block).
	ErrProviderRejected = errors.New("image generation was rejected")

	ErrInvalidImage  = errors.New("photo must be a JPEG, PNG or WebP image")
	ErrImageTooLarge = errors.New("photo exceeds the upload size limit")

	// ErrResultNotFound means there is no generated result to save for the product.
	ErrResultNotFound = errors.New("no generated result for this product")

	// ErrNotFound aliases the store sentinel so callers can match either.
	ErrNotFound = store.ErrNotFound
)

// RateLimitedError is returned when the generation quota is exhausted.
type RateLimitedError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("generation limit of %d reached, try again after %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (e *RateLimitedError) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(e.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Stable error codes shared by the HTTP layer and batch item results.
const (
	CodeInvalidRequest      = "TRYON_INVALID_REQUEST"
	CodeRateLimited         = "TRYON_RATE_LIMITED"
	CodePhotoRequired       = "TRYON_PHOTO_REQUIRED"
	CodePhotoChanged        = "TRYON_PHOTO_CHANGED"
	CodeProductImageMissing = "TRYON_PRODUCT_IMAGE_MISSING"
	CodeProviderUnavailable = "TRYON_PROVIDER_UNAVAILABLE"
	CodeProviderNoImage     = "TRYON_PROVIDER_NO_IMAGE"
	CodeProviderRejected    = "TRYON_PROVIDER_REJECTED"
	CodeInvalidImage        = "TRYON_INVALID_IMAGE"
	CodeImageTooLarge       = "TRYON_IMAGE_TOO_LARGE"
	CodeResultNotFound      = "TRYON_RESULT_NOT_FOUND"
	CodeGalleryNotFound     = "GALLERY_NOT_FOUND"
	CodeInternal            = "TRYON_INTERNAL"
)

// Code maps an application error to its stable code.
func Code(err error) string {
	var limited *RateLimitedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &limited):
		return CodeRateLimited
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrMissingUserPhoto):
		return CodePhotoRequired
	case errors.Is(err, ErrPhotoChanged):
		return CodePhotoChanged
	case errors.Is(err, ErrMissingProductImage):
		return CodeProductImageMissing
	case errors.Is(err, ErrProviderUnavailable):
		return CodeProviderUnavailable
	case errors.Is(err, ErrProviderReturnedNoImage):
		return CodeProviderNoImage
	case errors.Is(err, ErrProviderRejected):
		return CodeProviderRejected
	case errors.Is(err, ErrInvalidImage):
		return CodeInvalidImage
	case errors.Is(err, ErrImageTooLarge):
		return CodeImageTooLarge
	case errors.Is(err, ErrResultNotFound):
		return CodeResultNotFound
	case errors.Is(err, ErrNotFound):
		return CodeGalleryNotFound
	default:
		return CodeInternal
	}
}
