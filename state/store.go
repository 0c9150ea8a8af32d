package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

// CheckpointRecord is one persisted snapshot of a conversation. Seq grows
// monotonically per discussion id; the latest record is the resume point and
// older records are retained for audit history.
type CheckpointRecord struct {
	DiscussionID string       `json:"discussionId"`
	Seq          int          `json:"seq"`
	NodeID       string       `json:"nodeId"`
	Conversation Conversation `json:"conversation"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Store persists conversation checkpoints keyed by discussion id. Reads and
// writes are scoped by discussion id; runs are sequential per id, so
// last-writer-wins per id is acceptable.
type Store interface {
	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, discussionID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, discussionID string, limit int) ([]CheckpointRecord, error)

	// DeleteConversation removes every checkpoint for the id and returns
	// the number of bytes removed. Deleting an unknown id returns
	// ErrNotFound.
	DeleteConversation(ctx context.Context, discussionID string) (int64, error)
	// Reset wipes all conversations and returns the bytes removed.
	Reset(ctx context.Context) (int64, error)

	Close() error
}
