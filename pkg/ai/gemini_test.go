package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewGeminiClient(GeminiConfig{APIKey: "k", BaseURL: srv.URL, Model: "models/test-image"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGenerateImageSendsInlinePartsAndReturnsFirstImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-image:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 3 {
			t.Errorf("expected one content with 3 parts, got %+v", req.Contents)
		}
		if req.Contents[0].Parts[0].Text != "dress them" {
			t.Errorf("prompt must come first")
		}
		if p := req.Contents[0].Parts[1].InlineData; p == nil || p.MIMEType != "image/jpeg" {
			t.Errorf("expected jpeg inline part, got %+v", p)
		}
		if got := req.GenerationConfig.ResponseModalities; len(got) != 2 || got[0] != "TEXT" || got[1] != "IMAGE" {
			t.Errorf("unexpected modalities %v", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"text": "here you go"},
				map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(png)}},
				map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString([]byte("second"))}},
			}}}},
		})
	})
	if c.Model() != "test-image" {
		t.Fatalf("model prefix not stripped: %s", c.Model())
	}
	img, err := c.GenerateImage(context.Background(), "dress them", []InlineImage{
		{MIMEType: "image/jpeg", Data: []byte("user")},
		{MIMEType: "image/png", Data: []byte("product")},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(img.Data) != string(png) || img.MIMEType != "image/png" || img.Text != "here you go" {
		t.Fatalf("unexpected image: %+v", img)
	}
}

func TestGenerateImageClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"text only", 200, `{"candidates":[{"content":{"parts":[{"text":"cannot do that"}]}}]}`, ErrNoImage},
		{"blocked", 200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, ErrNoImage},
		{"empty", 200, `{}`, ErrNoImage},
		{"throttled", 429, `{"error":{"message":"quota"}}`, ErrProviderUnavailable},
		{"server error", 503, `{"error":{"message":"overloaded"}}`, ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.GenerateImage(context.Background(), "p", []InlineImage{{Data: []byte("x")}})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGenerateImageBadRequestIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad image"}}`))
	})
	_, err := c.GenerateImage(context.Background(), "p", []InlineImage{{Data: []byte("x")}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 || apiErr.Message != "bad image" {
		t.Fatalf("expected APIError, got %v", err)
	}
	if errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("4xx must not be reported as unavailable")
	}
}

func TestGenerateImageTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GenerateImage(ctx, "p", []InlineImage{{Data: []byte("x")}})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(GeminiConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
