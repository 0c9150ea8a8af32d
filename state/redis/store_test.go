package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deskflowhq/deskflow/state"
	"github.com/deskflowhq/deskflow/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "deskflow-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func sampleCheckpoint(discussionID string, seq int) state.CheckpointRecord {
	conv := state.NewConversation(discussionID, 10, time.Now().UTC())
	conv.Apply(state.Delta{
		Messages: []types.Message{{ID: uuid.NewString(), Role: types.RoleUser, Content: "hello"}},
	})
	return state.CheckpointRecord{
		DiscussionID: discussionID,
		Seq:          seq,
		NodeID:       "supervisor",
		Conversation: *conv,
	}
}

func TestRedisStore_SaveLoadCheckpoint(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveCheckpoint(ctx, sampleCheckpoint("disc-1", 1)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, sampleCheckpoint("disc-1", 2)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	got, err := s.LoadLatestCheckpoint(ctx, "disc-1")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if got.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %d", got.Seq)
	}

	rows, err := s.ListCheckpoints(ctx, "disc-1", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Seq != 2 {
		t.Fatalf("unexpected checkpoint listing: %#v", rows)
	}
}

func TestRedisStore_DuplicateSeqConflicts(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	record := sampleCheckpoint("disc-2", 1)
	if err := s.SaveCheckpoint(ctx, record); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, record); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRedisStore_DeleteConversation(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.SaveCheckpoint(ctx, sampleCheckpoint("disc-3", 1)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	bytes, err := s.DeleteConversation(ctx, "disc-3")
	if err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if bytes <= 0 {
		t.Fatalf("expected positive byte count, got %d", bytes)
	}
	if _, err := s.LoadLatestCheckpoint(ctx, "disc-3"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected conversation gone, got %v", err)
	}
}

func TestRedisStore_RunLock(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "disc-4", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired, ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "disc-4", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while held")
	}
	if err := s.ReleaseLock(ctx, "disc-4", "owner-a"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "disc-4", "owner-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock re-acquired after release, ok=%v err=%v", ok, err)
	}
}
