package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tryonhub/internal/util"
	"tryonhub/pkg/ai"
	"tryonhub/pkg/domain"
	"tryonhub/pkg/events"
	"tryonhub/pkg/storage"
	"tryonhub/pkg/store"
)

const tryOnPrompt = `You are given two images. The first is a photo of a person; the second is a garment or accessory from an online store.
Produce one photorealistic image of the same person wearing or using the product.
Keep the person's face, body shape, skin tone, hair and pose unchanged.
Fit the product naturally: realistic draping, folds and scale for the person's body.
Match the lighting, shadows and colour balance of the original photo, and keep the background.
Return only the edited image.`

// GenerateResult is the outcome of a successful single generation.
type GenerateResult struct {
	ProductID string `json:"productId"`
	ImageID   string `json:"imageId"`
	URL       string `json:"generatedImageUrl"`
	Remaining int    `json:"remainingGenerations"`
}

// BatchResult lists per-product outcomes in input order.
type BatchResult struct {
	Results        []domain.BatchItem `json:"results"`
	TotalProcessed int                `json:"totalProcessed"`
}

// Generate produces a try-on image of productID for userID. Quota is reserved up
// front and released again on any failure, so only successes are counted.
func (a *App) Generate(ctx context.Context, userID, productID string) (GenerateResult, error) {
	res, err := a.generateOne(ctx, userID, productID)
	a.metrics.observeGeneration("single", err)
	return res, err
}

func (a *App) generateOne(ctx context.Context, userID, productID string) (GenerateResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return GenerateResult{}, fmt.Errorf("%w: productId required", ErrInvalidRequest)
	}
	reserved, err := a.quota.Reserve(ctx, userID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("reserve quota: %w", err)
	}
	if !reserved.Allowed {
		a.metrics.observeQuotaRejection()
		return GenerateResult{}, &RateLimitedError{Limit: reserved.Limit, ResetAt: reserved.ResetAt}
	}
	res, err := a.runGeneration(ctx, userID, productID)
	if err != nil {
		if relErr := a.quota.Release(context.WithoutCancel(ctx), userID, reserved); relErr != nil {
			util.LoggerFromContext(ctx).Error("quota release failed", "user_id", userID, "err", relErr)
		}
		var limited *RateLimitedError
		if !errors.As(err, &limited) {
			a.publish(ctx, events.Event{
				Type:      events.TypeGenerationFailed,
				UserID:    userID,
				ProductID: productID,
				Error:     err.Error(),
			})
		}
		return GenerateResult{}, err
	}
	res.Remaining = reserved.Remaining
	return res, nil
}

func (a *App) runGeneration(ctx context.Context, userID, productID string) (GenerateResult, error) {
	rec, ok, err := a.records.GetRecord(ctx, userID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("load try-on record: %w", err)
	}
	if !ok || !rec.HasPhoto() {
		return GenerateResult{}, ErrMissingUserPhoto
	}
	product, ok, err := a.catalog.GetProduct(ctx, productID)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("load product: %w", err)
	}
	if !ok {
		return GenerateResult{}, fmt.Errorf("%w: unknown product %s", ErrMissingProductImage, productID)
	}
	productImage, ok := product.PrimaryImage()
	if !ok {
		return GenerateResult{}, fmt.Errorf("%w: %s", ErrMissingProductImage, productID)
	}

	var userBytes, productBytes []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := a.objects.Get(gctx, rec.UserPhoto.ImageID)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return ErrMissingUserPhoto
		}
		if err != nil {
			return fmt.Errorf("load user photo: %w", err)
		}
		userBytes = data
		return nil
	})
	g.Go(func() error {
		data, err := a.fetchProductImage(gctx, productImage)
		if err != nil {
			return err
		}
		productBytes = data
		return nil
	})
	if err := g.Wait(); err != nil {
		return GenerateResult{}, err
	}

	out, err := a.callProvider(ctx, userBytes, productBytes)
	if err != nil {
		return GenerateResult{}, err
	}

	contentType := out.MIMEType
	if !storage.IsAllowedImageType(contentType) {
		contentType = http.DetectContentType(out.Data)
	}
	key := storage.GeneratedKey(userID, productID, contentType)
	if err := a.objects.Put(ctx, key, bytes.NewReader(out.Data), int64(len(out.Data)), contentType); err != nil {
		return GenerateResult{}, fmt.Errorf("store generated image: %w", err)
	}
	imageURL, err := a.objectURL(ctx, key)
	if err != nil {
		a.deleteObjects(ctx, key)
		return GenerateResult{}, err
	}
	_, err = a.records.UpsertGenerated(ctx, userID, rec.UserPhoto.ImageID, domain.GeneratedImage{
		ProductID:   productID,
		ImageID:     key,
		URL:         imageURL,
		GeneratedAt: a.now(),
	})
	if err != nil {
		a.deleteObjects(ctx, key)
		if errors.Is(err, store.ErrPhotoChanged) {
			return GenerateResult{}, fmt.Errorf("%w: %v", ErrPhotoChanged, err)
		}
		return GenerateResult{}, fmt.Errorf("save generated image: %w", err)
	}
	if previous, ok := rec.Generated(productID); ok && previous.ImageID != key {
		a.deleteObjects(ctx, previous.ImageID)
	}

	util.LoggerFromContext(ctx).Info("try-on generated", "user_id", userID, "product_id", productID, "image_id", key)
	a.publish(ctx, events.Event{
		Type:      events.TypeGenerated,
		UserID:    userID,
		ProductID: productID,
		ImageID:   key,
	})
	return GenerateResult{ProductID: productID, ImageID: key, URL: imageURL}, nil
}

// callProvider runs one bounded provider call and classifies its failure.
func (a *App) callProvider(ctx context.Context, userPhoto, productPhoto []byte) (ai.GeneratedImage, error) {
	pctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	start := time.Now()
	out, err := a.generator.GenerateImage(pctx, tryOnPrompt, []ai.InlineImage{
		{MIMEType: http.DetectContentType(userPhoto), Data: userPhoto},
		{MIMEType: http.DetectContentType(productPhoto), Data: productPhoto},
	})
	a.metrics.observeProvider(time.Since(start))
	if err == nil && len(out.Data) == 0 {
		err = ai.ErrNoImage
	}
	if err == nil {
		return out, nil
	}
	var apiErr *ai.APIError
	switch {
	case errors.Is(err, ai.ErrNoImage):
		return ai.GeneratedImage{}, fmt.Errorf("%w: %v", ErrProviderReturnedNoImage, err)
	case errors.Is(err, ai.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(pctx.Err(), context.DeadlineExceeded):
		return ai.GeneratedImage{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case errors.As(err, &apiErr):
		return ai.GeneratedImage{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	default:
		return ai.GeneratedImage{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}

// GenerateBatch generates try-ons for candidates in order. At most
// min(remaining quota, maxCount, len(candidates)) generations are attempted;
// products that already have a result are reported without using a slot.
// Failed attempts use a slot but not quota.
func (a *App) GenerateBatch(ctx context.Context, userID string, candidates []string, maxCount int) (BatchResult, error) {
	if maxCount <= 0 {
		maxCount = a.batchMaxCount
	}
	rec, ok, err := a.records.GetRecord(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load try-on record: %w", err)
	}
	if !ok || !rec.HasPhoto() {
		return BatchResult{}, ErrMissingUserPhoto
	}
	quota, err := a.quota.Check(ctx, userID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("check quota: %w", err)
	}
	allowed := min(quota.Remaining, maxCount, len(candidates))

	existing := make(map[string]bool, len(rec.GeneratedImages))
	for _, img := range rec.GeneratedImages {
		existing[img.ProductID] = true
	}
	result := BatchResult{Results: make([]domain.BatchItem, 0, len(candidates))}
	attempted := 0
	stopped := false
	seen := make(map[string]bool, len(candidates))
	for _, productID := range candidates {
		productID = strings.TrimSpace(productID)
		item := domain.BatchItem{ProductID: productID}
		// Repeats never take a slot, even when the first occurrence failed.
		dup := seen[productID]
		seen[productID] = true
		switch {
		case dup:
			item.Status = domain.BatchAlreadyExists
		case stopped || attempted >= allowed:
			item.Status = domain.BatchSkipped
		case existing[productID]:
			item.Status = domain.BatchAlreadyExists
		default:
			res, err := a.generateOne(ctx, userID, productID)
			a.metrics.observeGeneration("batch", err)
			var limited *RateLimitedError
			switch {
			case err == nil:
				attempted++
				existing[productID] = true
				item.Status = domain.BatchGenerated
				item.URL = res.URL
			case errors.As(err, &limited):
				stopped = true
				item.Status = domain.BatchSkipped
				item.Code = CodeRateLimited
				item.Error = err.Error()
			default:
				attempted++
				item.Status = domain.BatchFailed
				item.Code = Code(err)
				item.Error = err.Error()
				util.LoggerFromContext(ctx).Warn("batch generation failed", "user_id", userID, "product_id", productID, "err", err)
			}
		}
		result.Results = append(result.Results, item)
	}
	result.TotalProcessed = attempted
	return result, nil
}
