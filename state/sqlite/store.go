package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deskflowhq/deskflow/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.DiscussionID == "" {
		return fmt.Errorf("discussion_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.NodeID == "" {
		checkpoint.NodeID = "unknown"
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	convRaw, err := json.Marshal(checkpoint.Conversation)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	const q = `
INSERT INTO checkpoints (discussion_id, seq, node_id, conversation, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		checkpoint.DiscussionID,
		checkpoint.Seq,
		checkpoint.NodeID,
		string(convRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, discussionID string) (state.CheckpointRecord, error) {
	if discussionID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("discussion_id is required")
	}

	const q = `
SELECT discussion_id, seq, node_id, conversation, created_at
FROM checkpoints
WHERE discussion_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, discussionID)
	record, err := scanCheckpoint(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, discussionID string, limit int) ([]state.CheckpointRecord, error) {
	if discussionID == "" {
		return nil, fmt.Errorf("discussion_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT discussion_id, seq, node_id, conversation, created_at
FROM checkpoints
WHERE discussion_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, discussionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		record, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, discussionID string) (int64, error) {
	if discussionID == "" {
		return 0, fmt.Errorf("discussion_id is required")
	}

	var bytes sql.NullInt64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT SUM(LENGTH(conversation)) FROM checkpoints WHERE discussion_id = ?;`,
		discussionID,
	).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("failed to size conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE discussion_id = ?;`, discussionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return 0, state.ErrNotFound
	}
	return bytes.Int64, nil
}

func (s *Store) Reset(ctx context.Context) (int64, error) {
	var bytes sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(conversation)) FROM checkpoints;`).Scan(&bytes); err != nil {
		return 0, fmt.Errorf("failed to size checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints;`); err != nil {
		return 0, fmt.Errorf("failed to reset checkpoints: %w", err)
	}
	return bytes.Int64, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCheckpoint(scan func(dest ...any) error) (state.CheckpointRecord, error) {
	var (
		record       state.CheckpointRecord
		convRaw      string
		createdAtRaw string
	)
	if err := scan(
		&record.DiscussionID,
		&record.Seq,
		&record.NodeID,
		&convRaw,
		&createdAtRaw,
	); err != nil {
		return state.CheckpointRecord{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	record.CreatedAt = created.UTC()
	if err := json.Unmarshal([]byte(convRaw), &record.Conversation); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
