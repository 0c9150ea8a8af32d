package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deskflowhq/deskflow/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "deskflow"
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.DiscussionID == "" {
		return fmt.Errorf("discussion_id is required")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	seqKey := s.checkpointSeqKey(checkpoint.DiscussionID, checkpoint.Seq)
	ok, err := s.client.SetNX(ctx, seqKey, string(raw), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if !ok {
		return state.ErrConflict
	}

	latestKey := s.latestCheckpointKey(checkpoint.DiscussionID)
	latestRaw, err := s.client.Get(ctx, latestKey).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	updateLatest := true
	if err == nil && latestRaw != "" {
		var latest state.CheckpointRecord
		if json.Unmarshal([]byte(latestRaw), &latest) == nil && latest.Seq > checkpoint.Seq {
			updateLatest = false
		}
	}
	if updateLatest {
		if err := s.client.Set(ctx, latestKey, string(raw), s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to set latest checkpoint: %w", err)
		}
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, discussionID string) (state.CheckpointRecord, error) {
	if discussionID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("discussion_id is required")
	}

	raw, err := s.client.Get(ctx, s.latestCheckpointKey(discussionID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	var checkpoint state.CheckpointRecord
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, discussionID string, limit int) ([]state.CheckpointRecord, error) {
	if discussionID == "" {
		return nil, fmt.Errorf("discussion_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	keys, err := s.scanKeys(ctx, s.checkpointSeqPattern(discussionID), limit)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []state.CheckpointRecord{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint values: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, raw := range values {
		if raw == nil {
			continue
		}
		var checkpoint state.CheckpointRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &checkpoint); err != nil {
			continue
		}
		out = append(out, checkpoint)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, discussionID string) (int64, error) {
	if discussionID == "" {
		return 0, fmt.Errorf("discussion_id is required")
	}

	keys, err := s.scanKeys(ctx, s.checkpointSeqPattern(discussionID), 0)
	if err != nil {
		return 0, err
	}
	keys = append(keys, s.latestCheckpointKey(discussionID))

	bytes, deleted, err := s.deleteKeys(ctx, keys)
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, state.ErrNotFound
	}
	return bytes, nil
}

func (s *Store) Reset(ctx context.Context) (int64, error) {
	keys, err := s.scanKeys(ctx, s.prefix+":ckpt:*", 0)
	if err != nil {
		return 0, err
	}
	bytes, _, err := s.deleteKeys(ctx, keys)
	return bytes, err
}

// AcquireLock takes the per-discussion run lock so two processes never drive
// the same conversation concurrently. Returns false when already held.
func (s *Store) AcquireLock(ctx context.Context, discussionID, owner string, ttl time.Duration) (bool, error) {
	if discussionID == "" || owner == "" {
		return false, fmt.Errorf("discussion_id and owner are required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(discussionID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseLock(ctx context.Context, discussionID, owner string) error {
	if discussionID == "" || owner == "" {
		return fmt.Errorf("discussion_id and owner are required")
	}

	script := goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	if _, err := script.Run(ctx, s.client, []string{s.lockKey(discussionID)}, owner).Result(); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) scanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	batch := int64(64)
	for {
		found, next, err := s.client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan redis keys: %w", err)
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) (int64, int64, error) {
	if len(keys) == 0 {
		return 0, 0, nil
	}

	var bytes int64
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to size redis keys: %w", err)
	}
	for _, raw := range values {
		if raw == nil {
			continue
		}
		bytes += int64(len(fmt.Sprintf("%v", raw)))
	}

	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete redis keys: %w", err)
	}
	return bytes, deleted, nil
}

func (s *Store) latestCheckpointKey(discussionID string) string {
	return fmt.Sprintf("%s:ckpt:latest:%s", s.prefix, discussionID)
}

func (s *Store) checkpointSeqKey(discussionID string, seq int) string {
	return fmt.Sprintf("%s:ckpt:%s:%d", s.prefix, discussionID, seq)
}

func (s *Store) checkpointSeqPattern(discussionID string) string {
	return fmt.Sprintf("%s:ckpt:%s:*", s.prefix, discussionID)
}

func (s *Store) lockKey(discussionID string) string {
	return fmt.Sprintf("%s:lock:%s", s.prefix, discussionID)
}
