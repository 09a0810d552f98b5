package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/syncwire/syncwire/internal/model"
)

// RemoteTransport is the wire collaborator the sync engine pushes
// through and pulls from. Implementations map transport failures to
// NETWORK_ERROR and server rejections to REMOTE_ERROR so callers can
// tell retryable from fatal.
type RemoteTransport interface {
	Send(ctx context.Context, entry *model.OutboxEntry) (*SendResult, error)
	FetchSince(ctx context.Context, scope, cursor string, limit int) (*model.ChangeSet, error)
}

// PushRequest is the wire form of one outbox entry.
type PushRequest struct {
	EntryID    uuid.UUID       `json:"entry_id" binding:"required"`
	EntityType string          `json:"entity_type" binding:"required"`
	EntityID   string          `json:"entity_id" binding:"required"`
	Action     model.Action    `json:"action" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
	ClientTime time.Time       `json:"client_time"`
}

// NewPushRequest builds the wire form of an entry.
func NewPushRequest(entry *model.OutboxEntry) PushRequest {
	return PushRequest{
		EntryID:    entry.ID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Payload:    entry.Payload,
		ClientTime: entry.CreatedAt,
	}
}

// SendResult is the server's verdict on one pushed entry.
type SendResult struct {
	Success      bool      `json:"success"`
	RemoteID     string    `json:"remote_id,omitempty"`
	NewVersion   int64     `json:"new_version,omitempty"`
	ServerTime   time.Time `json:"server_time,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Metadata converts a successful result into the confirmation applied
// to the local entity record.
func (r *SendResult) Metadata() model.RemoteMetadata {
	return model.RemoteMetadata{
		RemoteID:   r.RemoteID,
		Version:    r.NewVersion,
		ServerTime: r.ServerTime,
	}
}
