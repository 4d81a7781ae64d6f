package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultImageModel    = "gemini-2.5-flash-image"
	maxResponseBytes     = 32 << 20
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiClient calls the Gemini generateContent API for image output.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a client. The HTTP client carries no timeout of its own;
// callers bound each call through the context.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key required")
	}
	model := normalizeModel(cfg.Model)
	if model == "" {
		model = defaultImageModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL, httpClient: httpClient}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.model }

// GenerateImage sends the prompt followed by each image as an inline part and
// returns the first inline image of the response.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, images []InlineImage) (GeneratedImage, error) {
	parts := make([]part, 0, len(images)+1)
	parts = append(parts, part{Text: prompt})
	for _, img := range images {
		if len(img.Data) == 0 {
			return GeneratedImage{}, errors.New("gemini: empty inline image")
		}
		mime := img.MIMEType
		if mime == "" {
			mime = http.DetectContentType(img.Data)
		}
		parts = append(parts, part{InlineData: &inlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	reqBody := generateRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	var resp generateResponse
	if err := c.doJSON(ctx, fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model), reqBody, &resp); err != nil {
		return GeneratedImage{}, err
	}
	return firstImage(resp)
}

func firstImage(resp generateResponse) (GeneratedImage, error) {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil {
				text.WriteString(p.Text)
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return GeneratedImage{}, fmt.Errorf("decode inline image: %w", err)
			}
			if len(data) == 0 {
				continue
			}
			return GeneratedImage{MIMEType: p.InlineData.MIMEType, Data: data, Text: text.String()}, nil
		}
	}
	if reason := resp.PromptFeedback.BlockReason; reason != "" {
		return GeneratedImage{}, fmt.Errorf("%w: prompt blocked (%s)", ErrNoImage, reason)
	}
	if msg := strings.TrimSpace(text.String()); msg != "" {
		return GeneratedImage{}, fmt.Errorf("%w: %s", ErrNoImage, truncate(msg, 200))
	}
	return GeneratedImage{}, ErrNoImage
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	return strings.TrimPrefix(model, "models/")
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d %s", ErrProviderUnavailable, resp.StatusCode, errResp.Error.Message)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

var _ ImageGenerator = (*GeminiClient)(nil)
