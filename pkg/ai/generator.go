package ai

import (
	"context"
	"errors"
	"strconv"
)

var (
	// ErrProviderUnavailable covers transport failures, timeouts, throttling and 5xx replies.
	ErrProviderUnavailable = errors.New("image provider unavailable")
	// ErrNoImage means the provider answered but produced no image part.
	ErrNoImage = errors.New("image provider returned no image")
)

// InlineImage is raw image bytes sent alongside a prompt.
type InlineImage struct {
	MIMEType string
	Data     []byte
}

// GeneratedImage is the first image part of a provider response.
type GeneratedImage struct {
	MIMEType string
	Data     []byte
	// Text is any accompanying text part, kept for diagnostics.
	Text string
}

// ImageGenerator produces one image from a prompt and reference images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, images []InlineImage) (GeneratedImage, error)
}

// APIError is a non-retryable provider rejection (4xx other than 429).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "gemini api error: status " + strconv.Itoa(e.StatusCode)
	}
	return "gemini api error: " + e.Message
}
