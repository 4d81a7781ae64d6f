package events

import (
	"context"
	"time"
)

// Event types published by the try-on service.
const (
	TypeGenerated        = "tryon.generated"
	TypeGenerationFailed = "tryon.generation_failed"
	TypePhotoUploaded    = "tryon.photo_uploaded"
	TypePhotoDeleted     = "tryon.photo_deleted"
	TypeGallerySaved     = "gallery.saved"
)

// Event is the JSON body of a published message.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	ProductID  string    `json:"productId,omitempty"`
	ImageID    string    `json:"imageId,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events to downstream consumers. Publishing is best effort:
// callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error { return nil }
