package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tryonhub/internal/util"
	"tryonhub/pkg/ai"
	"tryonhub/pkg/domain"
	"tryonhub/pkg/events"
	"tryonhub/pkg/storage"
	"tryonhub/pkg/store"
)

const (
	defaultProviderTimeout = 60 * time.Second
	defaultPresignExpiry   = time.Hour
	defaultBatchMaxCount   = 10
	defaultMaxPhotoBytes   = 10 << 20
	publishTimeout         = 5 * time.Second
)

// QuotaLimiter admits generations against a per-user fixed window.
type QuotaLimiter interface {
	Check(ctx context.Context, userID string) (domain.Quota, error)
	Reserve(ctx context.Context, userID string) (domain.Quota, error)
	Release(ctx context.Context, userID string, reserved domain.Quota) error
	State(ctx context.Context, userID string) (domain.RateLimitState, bool, error)
}

// Config holds the collaborators and limits of the try-on application.
type Config struct {
	Records   store.TryOnStore
	Gallery   store.GalleryStore
	Catalog   store.ProductCatalog
	Objects   storage.ObjectStore
	Generator ai.ImageGenerator
	Quota     QuotaLimiter
	Events    events.Publisher
	Metrics   *Metrics

	// HTTPClient fetches product images that live outside the object store.
	HTTPClient *http.Client

	ProviderTimeout time.Duration
	PresignExpiry   time.Duration
	// PublicObjectURL, when set, is used to build permanent object URLs instead of
	// presigning. Gallery entries need it to stay viewable after presigned links expire.
	PublicObjectURL string
	BatchMaxCount   int
	MaxPhotoBytes   int64
	Now             func() time.Time
}

// App is the try-on core: generation orchestration, photo lifecycle and gallery.
type App struct {
	records   store.TryOnStore
	gallery   store.GalleryStore
	catalog   store.ProductCatalog
	objects   storage.ObjectStore
	generator ai.ImageGenerator
	quota     QuotaLimiter
	events    events.Publisher
	metrics   *Metrics
	http      *http.Client

	providerTimeout time.Duration
	presignExpiry   time.Duration
	publicBaseURL   string
	batchMaxCount   int
	maxPhotoBytes   int64
	now             func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Records == nil:
		return nil, errors.New("record store required")
	case cfg.Gallery == nil:
		return nil, errors.New("gallery store required")
	case cfg.Catalog == nil:
		return nil, errors.New("product catalog required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Generator == nil:
		return nil, errors.New("image generator required")
	case cfg.Quota == nil:
		return nil, errors.New("quota limiter required")
	}
	a := &App{
		records:         cfg.Records,
		gallery:         cfg.Gallery,
		catalog:         cfg.Catalog,
		objects:         cfg.Objects,
		generator:       cfg.Generator,
		quota:           cfg.Quota,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		http:            cfg.HTTPClient,
		providerTimeout: cfg.ProviderTimeout,
		presignExpiry:   cfg.PresignExpiry,
		publicBaseURL:   strings.TrimRight(cfg.PublicObjectURL, "/"),
		batchMaxCount:   cfg.BatchMaxCount,
		maxPhotoBytes:   cfg.MaxPhotoBytes,
		now:             cfg.Now,
	}
	if a.events == nil {
		a.events = events.NopPublisher{}
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 30 * time.Second}
	}
	if a.providerTimeout <= 0 {
		a.providerTimeout = defaultProviderTimeout
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.batchMaxCount <= 0 {
		a.batchMaxCount = defaultBatchMaxCount
	}
	if a.maxPhotoBytes <= 0 {
		a.maxPhotoBytes = defaultMaxPhotoBytes
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// MaxPhotoBytes is the largest accepted upload.
func (a *App) MaxPhotoBytes() int64 {
	return a.maxPhotoBytes
}

// Now returns the application clock.
func (a *App) Now() time.Time {
	return a.now()
}

// ProductView is a catalog entry with a viewable primary image.
type ProductView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ListProducts returns catalog entries for clients choosing what to try on.
func (a *App) ListProducts(ctx context.Context, limit int) ([]ProductView, error) {
	products, err := a.catalog.ListProducts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]ProductView, 0, len(products))
	for _, p := range products {
		view := ProductView{ID: p.ID, Name: p.Name}
		if img, ok := p.PrimaryImage(); ok {
			if img.Key != "" {
				view.ImageURL, err = a.objectURL(ctx, img.Key)
				if err != nil {
					return nil, err
				}
			} else {
				view.ImageURL = img.URL
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// objectURL returns a permanent URL when a public base is configured, else a presigned one.
func (a *App) objectURL(ctx context.Context, key string) (string, error) {
	if a.publicBaseURL != "" {
		return a.publicBaseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
	}
	u, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u, nil
}

// deleteObjects removes keys best effort; failures are logged and ignored.
func (a *App) deleteObjects(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.objects.Delete(ctx, key); err != nil {
			util.LoggerFromContext(ctx).Warn("object cleanup failed", "key", key, "err", err)
		}
	}
}

func (a *App) publish(ctx context.Context, e events.Event) {
	e.ID = util.NewID("evt")
	if e.OccurredAt.IsZero() {
		e.OccurredAt = a.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.events.Publish(ctx, e); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "type", e.Type, "user_id", e.UserID, "err", err)
	}
}

// fetchProductImage loads a catalog image from the object store or its external URL.
func (a *App) fetchProductImage(ctx context.Context, img domain.ProductImage) ([]byte, error) {
	if img.Key != "" {
		data, err := a.objects.Get(ctx, img.Key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingProductImage, img.Key)
		}
		if err != nil {
			return nil, fmt.Errorf("load product image: %w", err)
		}
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingProductImage, err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch product image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s returned %d", ErrMissingProductImage, img.URL, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch product image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, storage.MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read product image: %w", err)
	}
	if len(data) > storage.MaxObjectBytes {
		return nil, errors.New("product image exceeds size limit")
	}
	return data, nil
}
