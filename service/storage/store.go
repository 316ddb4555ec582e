package storage

import (
	"context"
	"time"
)

// Message is the durable shape of a chat message. The in-memory recent
// cache inside each channel actor holds the same struct; this package only
// sees it at flush time.
type Message struct {
	ID        string         `bson:"_id" json:"id"`
	ChannelID string         `bson:"channel_id" json:"channel_id"`
	UserID    string         `bson:"user_id" json:"user_id"`
	Content   string         `bson:"content" json:"content"`
	Meta      map[string]any `bson:"meta,omitempty" json:"meta,omitempty"`
	CreatedAt time.Time      `bson:"created_at" json:"created_at"`
}

// NotificationRecord is the persisted trail of a notification enqueue.
type NotificationRecord struct {
	ID          string         `bson:"_id" json:"id"`
	Type        string         `bson:"type" json:"type"`
	RecipientID string         `bson:"recipient_id" json:"recipient_id"`
	Payload     map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`
	Priority    string         `bson:"priority" json:"priority"`
	CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
}

// Store is the persistence collaborator consumed by the coordination core.
// The core only pulls; nothing is exposed back to the storage layer.
type Store interface {
	// BatchInsert writes one accumulated message batch and returns the
	// number of documents written.
	BatchInsert(ctx context.Context, msgs []Message) (int, error)
	UpdateUploadStatus(ctx context.Context, uploadID, status string, meta map[string]any) error
	CreateNotificationRecord(ctx context.Context, rec NotificationRecord) (NotificationRecord, error)
}

// Directory is the identity collaborator: endpoint lookups for delivery
// and membership authorization checks.
type Directory interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	Email(ctx context.Context, userID string) (string, error)
	WebhookURL(ctx context.Context, userID string) (string, error)
	IsMember(ctx context.Context, entityID, userID string) (bool, error)
}
