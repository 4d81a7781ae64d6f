package domain

import "time"

// UserPhoto is the reference portrait a user uploaded for try-on.
type UserPhoto struct {
	ImageID    string    `json:"imageId"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// GeneratedImage is one try-on result. A record holds at most one per product.
type GeneratedImage struct {
	ProductID   string    `json:"productId"`
	ImageID     string    `json:"imageId"`
	URL         string    `json:"url"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// RateLimitState is the fixed-window counter for one user.
type RateLimitState struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// TryOnRecord is the durable per-user try-on state. RateLimit lives in the quota
// limiter, not the record stores; the app fills it in when serving the record.
type TryOnRecord struct {
	UserID          string           `json:"userId"`
	UserPhoto       *UserPhoto       `json:"userPhoto,omitempty"`
	GeneratedImages []GeneratedImage `json:"generatedImages"`
	RateLimit       RateLimitState   `json:"rateLimit"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// HasPhoto reports whether the user has a reference portrait.
func (r TryOnRecord) HasPhoto() bool {
	return r.UserPhoto != nil && r.UserPhoto.ImageID != ""
}

// Generated returns the result for productID, if any.
func (r TryOnRecord) Generated(productID string) (GeneratedImage, bool) {
	for _, img := range r.GeneratedImages {
		if img.ProductID == productID {
			return img, true
		}
	}
	return GeneratedImage{}, false
}

// Quota is the outcome of a rate-limit decision.
type Quota struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

// GalleryEntry is a saved try-on result, unique per (user, product).
type GalleryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	ImageURL  string    `json:"imageUrl"`
	IsPublic  bool      `json:"isPublic"`
	SavedAt   time.Time `json:"savedAt"`
}

// ProductImage is one catalog image. Key is an object-store key; URL is used when the
// image lives outside the object store.
type ProductImage struct {
	Key       string `json:"key,omitempty"`
	URL       string `json:"url,omitempty"`
	IsPrimary bool   `json:"isPrimary"`
}

// Product is the read-only catalog view the try-on pipeline needs.
type Product struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Images []ProductImage `json:"images"`
}

// PrimaryImage returns the first image flagged primary, else the first image.
func (p Product) PrimaryImage() (ProductImage, bool) {
	for _, img := range p.Images {
		if img.IsPrimary {
			return img, true
		}
	}
	if len(p.Images) == 0 {
		return ProductImage{}, false
	}
	return p.Images[0], true
}

type BatchStatus string

const (
	BatchGenerated     BatchStatus = "generated"
	BatchAlreadyExists BatchStatus = "already_exists"
	BatchFailed        BatchStatus = "failed"
	BatchSkipped       BatchStatus = "skipped"
)

// BatchItem is the per-product outcome of a batch generation.
type BatchItem struct {
	ProductID string      `json:"productId"`
	Status    BatchStatus `json:"status"`
	URL       string      `json:"url,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}
