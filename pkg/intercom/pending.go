// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingSet tracks the link requests waiting for confirmation. At most one
// request per ordered channel pair may be pending.
type PendingSet interface {
	// Acquire marks key as pending. It returns false if key is already held.
	// The entry expires after ttl even if Release is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
}

func pendingKey(requester, target ChannelID) string {
	return string(requester) + ":" + string(target)
}

// MemoryPendingSet is a PendingSet for a single process.
type MemoryPendingSet struct {
	lock    sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryPendingSet() *MemoryPendingSet {
	return &MemoryPendingSet{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryPendingSet) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryPendingSet) Release(_ context.Context, key string) error {
	s.lock.Lock()
	delete(s.entries, key)
	s.lock.Unlock()
	return nil
}

func (s *MemoryPendingSet) Len(_ context.Context) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	n := 0
	for key, expiry := range s.entries {
		if now.Before(expiry) {
			n++
		} else {
			delete(s.entries, key)
		}
	}
	return n, nil
}

// RedisPendingSet shares pending requests between processes running the
// same bot account.
type RedisPendingSet struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPendingSet(client redis.UniversalClient, prefix string) *RedisPendingSet {
	if prefix == "" {
		prefix = "intercom:pending:"
	}
	return &RedisPendingSet{client: client, prefix: prefix}
}

func (s *RedisPendingSet) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire pending request: %w", err)
	}
	return ok, nil
}

func (s *RedisPendingSet) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release pending request: %w", err)
	}
	return nil
}

func (s *RedisPendingSet) Len(ctx context.Context) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}
