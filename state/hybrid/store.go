// Package hybrid layers a cache store over a durable one. Writes go to the
// durable store first; cache failures are logged and never surfaced, so a
// flaky cache degrades to durable-only behavior instead of failing requests.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/deskflowhq/deskflow/state"
)

type HybridStore struct {
	durable state.Store
	cache   state.Store
}

func New(durable state.Store, cache state.Store) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	return &HybridStore{
		durable: durable,
		cache:   cache,
	}, nil
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if err := h.durable.SaveCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			log.Printf("hybrid store cache SaveCheckpoint failed: %v", err)
		}
	}
	return nil
}

func (h *HybridStore) LoadLatestCheckpoint(ctx context.Context, discussionID string) (state.CheckpointRecord, error) {
	if h.cache != nil {
		checkpoint, err := h.cache.LoadLatestCheckpoint(ctx, discussionID)
		if err == nil {
			return checkpoint, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache LoadLatestCheckpoint failed: %v", err)
		}
	}

	checkpoint, err := h.durable.LoadLatestCheckpoint(ctx, discussionID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveCheckpoint(ctx, checkpoint); err != nil {
			log.Printf("hybrid store cache backfill SaveCheckpoint failed: %v", err)
		}
	}
	return checkpoint, nil
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, discussionID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, discussionID, limit)
}

func (h *HybridStore) DeleteConversation(ctx context.Context, discussionID string) (int64, error) {
	removed, err := h.durable.DeleteConversation(ctx, discussionID)
	if err != nil {
		return 0, err
	}
	if h.cache != nil {
		if _, err := h.cache.DeleteConversation(ctx, discussionID); err != nil && !errors.Is(err, state.ErrNotFound) {
			log.Printf("hybrid store cache DeleteConversation failed: %v", err)
		}
	}
	return removed, nil
}

func (h *HybridStore) Reset(ctx context.Context) (int64, error) {
	removed, err := h.durable.Reset(ctx)
	if err != nil {
		return 0, err
	}
	if h.cache != nil {
		if _, err := h.cache.Reset(ctx); err != nil {
			log.Printf("hybrid store cache Reset failed: %v", err)
		}
	}
	return removed, nil
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
