package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// discussionLockTTL bounds how long a crashed instance can keep a discussion
// locked before another instance may take it over.
const discussionLockTTL = 30 * time.Second

var errDiscussionBusy = errors.New("discussion is being processed by another instance")

// guardDiscussion takes the cross-process lock when one is configured. The
// returned release is safe to call exactly once.
func (s *Server) guardDiscussion(ctx context.Context, discussionID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	owner := uuid.NewString()
	held, err := s.locker.AcquireLock(ctx, discussionID, owner, discussionLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock discussion %s: %w", discussionID, err)
	}
	if !held {
		return nil, fmt.Errorf("discussion %s: %w", discussionID, errDiscussionBusy)
	}
	return func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), discussionID, owner); err != nil {
			log.Printf("failed to release lock for discussion %s: %v", discussionID, err)
		}
	}, nil
}

// discussionLocks serializes requests per discussion id. Entries are
// reference counted and removed once the last holder releases, so the map
// does not grow with the number of discussions ever seen.
type discussionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newDiscussionLocks() *discussionLocks {
	return &discussionLocks{entries: map[string]*lockEntry{}}
}

func (l *discussionLocks) lock(discussionID string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.entries[discussionID]
	if !ok {
		entry = &lockEntry{}
		l.entries[discussionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, discussionID)
		}
		l.mu.Unlock()
	}
}
