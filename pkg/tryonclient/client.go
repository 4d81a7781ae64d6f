package tryonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tryonhub/pkg/domain"
)

// CodeRateLimited is the server's error code for an exhausted generation quota.
const CodeRateLimited = "TRYON_RATE_LIMITED"

// APIError is a non-2xx response from the try-on service.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("tryon api %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("tryon api %d: %s", e.Status, msg)
}

// IsRateLimited reports whether err is a quota rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeRateLimited
}

// UploadResult identifies a stored user photo.
type UploadResult struct {
	ImageURL string `json:"imageUrl"`
	ImageID  string `json:"imageId"`
}

// TryOnData is the caller's try-on state.
type TryOnData struct {
	HasPhoto        bool                    `json:"hasPhoto"`
	UserPhotoURL    string                  `json:"userPhotoUrl"`
	GeneratedImages []domain.GeneratedImage `json:"generatedImages"`
	RateLimit       domain.Quota            `json:"rateLimit"`
	RateLimitState  domain.RateLimitState   `json:"rateLimitState"`
}

// GenerateResult is a completed single generation.
type GenerateResult struct {
	ProductID string `json:"productId"`
	ImageID   string `json:"imageId"`
	URL       string `json:"generatedImageUrl"`
	Remaining int    `json:"remainingGenerations"`
}

// BatchResult lists per-product batch outcomes.
type BatchResult struct {
	Results        []domain.BatchItem `json:"results"`
	TotalProcessed int                `json:"totalProcessed"`
}

// Product is a catalog entry as listed by the service.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// Client calls the try-on HTTP API on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. The HTTP client has no overall timeout by default
// because generation requests are bounded by the caller's context.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// UploadPhoto sends a portrait as multipart field "file".
func (c *Client) UploadPhoto(ctx context.Context, filename string, data []byte) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}
	var out UploadResult
	err = c.do(ctx, http.MethodPost, "/api/tryon/photo", mw.FormDataContentType(), &buf, &out)
	return out, err
}

// DeletePhoto removes the portrait and all generated results.
func (c *Client) DeletePhoto(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/tryon/photo", "", nil, nil)
}

// TryOnData fetches the caller's record and quota.
func (c *Client) TryOnData(ctx context.Context) (TryOnData, error) {
	var out TryOnData
	err := c.do(ctx, http.MethodGet, "/api/tryon", "", nil, &out)
	return out, err
}

// RateLimit fetches the caller's quota.
func (c *Client) RateLimit(ctx context.Context) (domain.Quota, error) {
	var out domain.Quota
	err := c.do(ctx, http.MethodGet, "/api/tryon/rate-limit", "", nil, &out)
	return out, err
}

// Generate runs one try-on generation and waits for the result.
func (c *Client) Generate(ctx context.Context, productID string) (GenerateResult, error) {
	var out GenerateResult
	err := c.doJSON(ctx, http.MethodPost, "/api/tryon/generate", map[string]string{"productId": productID}, &out)
	return out, err
}

// GenerateBatch asks the server to generate up to maxCount products in order.
func (c *Client) GenerateBatch(ctx context.Context, productIDs []string, maxCount int) (BatchResult, error) {
	var out BatchResult
	err := c.doJSON(ctx, http.MethodPost, "/api/tryon/generate/batch", map[string]any{
		"productIds": productIDs,
		"maxCount":   maxCount,
	}, &out)
	return out, err
}

// Products lists catalog entries.
func (c *Client) Products(ctx context.Context, limit int) ([]Product, error) {
	path := "/api/products"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []Product `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out.Items, err
}

// SaveToGallery saves a result; an empty imageURL uses the generated result.
func (c *Client) SaveToGallery(ctx context.Context, productID, imageURL string) (domain.GalleryEntry, error) {
	var out domain.GalleryEntry
	err := c.doJSON(ctx, http.MethodPost, "/api/gallery", map[string]string{
		"productId": productID,
		"imageUrl":  imageURL,
	}, &out)
	return out, err
}

// PublicGallery lists public entries for a product.
func (c *Client) PublicGallery(ctx context.Context, productID string, limit int) ([]domain.GalleryEntry, error) {
	q := url.Values{"productId": {productID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Items []domain.GalleryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/gallery/public?"+q.Encode(), "", nil, &out)
	return out.Items, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(body), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error             string     `json:"error"`
		Code              string     `json:"code"`
		RequestID         string     `json:"requestId"`
		ResetAt           *time.Time `json:"resetAt"`
		RetryAfterSeconds int        `json:"retryAfterSeconds"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	apiErr := &APIError{
		Status:    resp.StatusCode,
		Code:      body.Code,
		Message:   body.Error,
		RequestID: body.RequestID,
	}
	if body.ResetAt != nil {
		apiErr.ResetAt = *body.ResetAt
	}
	secs := body.RetryAfterSeconds
	if secs == 0 {
		secs, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
	}
	apiErr.RetryAfter = time.Duration(secs) * time.Second
	return apiErr
}
