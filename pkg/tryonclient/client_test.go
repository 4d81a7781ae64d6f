package tryonclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tryonhub/pkg/domain"
)

func TestClientGenerateAndUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/tryon/photo":
			file, header, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			if header.Filename != "me.jpg" || string(data) != "jpeg-bytes" {
				t.Errorf("unexpected upload %s %q", header.Filename, data)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"imageUrl": "https://img/u.jpg", "imageId": "users/u1/photo/x.jpg"})
		case "/api/tryon/generate":
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]any{"productId": req["productId"], "generatedImageUrl": "https://img/" + req["productId"], "remainingGenerations": 4})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", nil)
	ctx := context.Background()
	up, err := c.UploadPhoto(ctx, "me.jpg", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.ImageID != "users/u1/photo/x.jpg" {
		t.Fatalf("unexpected upload result %+v", up)
	}
	res, err := c.Generate(ctx, "p9")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.URL != "https://img/p9" || res.Remaining != 4 {
		t.Fatalf("unexpected generate result %+v", res)
	}
}

func TestClientDecodesRateLimit(t *testing.T) {
	resetAt := time.Date(2026, 7, 1, 12, 10, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":     "generation limit of 10 reached",
			"code":      CodeRateLimited,
			"requestId": "req-1",
			"resetAt":   resetAt,
		})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", nil).Generate(context.Background(), "p1")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if !apiErr.ResetAt.Equal(resetAt) || apiErr.RetryAfter != 2*time.Minute || apiErr.RequestID != "req-1" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestClientProcessorFeedsJobQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["productId"] == "missing" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "product has no image to try on", "code": "TRYON_PRODUCT_IMAGE_MISSING"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"generatedImageUrl": "https://img/" + req["productId"]})
	}))
	defer srv.Close()

	q := NewJobQueue(ClientProcessor(NewClient(srv.URL, "tok", nil)), QueueOptions{})
	ok := q.Submit("p1", "Shirt", "", "")
	bad := q.Submit("missing", "Ghost", "", "")
	q.Wait()

	if job, _ := q.Job(ok); job.Status != domain.JobCompleted || job.ResultURL != "https://img/p1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job, _ := q.Job(bad); job.Status != domain.JobFailed || job.Error != "product has no image to try on" {
		t.Fatalf("unexpected job %+v", job)
	}
}
