// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
)

type banEntry struct {
	users mapset.Set[UserID]
	// generation orders writes so a slow refresh-all cannot overwrite a
	// newer incremental update.
	generation uint64
}

// BanCache holds the last known ban list of every community. Unknown
// communities are treated as having no bans.
type BanCache struct {
	source BanSource
	log    zerolog.Logger

	snapshot   atomic.Pointer[map[CommunityID]banEntry]
	generation atomic.Uint64
	writeMu    sync.Mutex
}

func NewBanCache(source BanSource, log zerolog.Logger) *BanCache {
	c := &BanCache{
		source: source,
		log:    log.With().Str("component", "ban_cache").Logger(),
	}
	empty := map[CommunityID]banEntry{}
	c.snapshot.Store(&empty)
	return c
}

// IsBanned reports whether user is banned in community. It fails open.
func (c *BanCache) IsBanned(community CommunityID, user UserID) bool {
	entry, ok := (*c.snapshot.Load())[community]
	if !ok {
		return false
	}
	return entry.users.Contains(user)
}

// Known reports whether community has a cached ban list.
func (c *BanCache) Known(community CommunityID) bool {
	_, ok := (*c.snapshot.Load())[community]
	return ok
}

// Len returns the number of cached communities.
func (c *BanCache) Len() int {
	return len(*c.snapshot.Load())
}

func (c *BanCache) fetch(ctx context.Context, community CommunityID) (mapset.Set[UserID], error) {
	users, err := c.source.FetchBans(ctx, community)
	if errors.Is(err, ErrBanFetchForbidden) {
		c.log.Info().Str("community_id", string(community)).Msg("Not allowed to read ban list, ban sync disabled for community")
		return mapset.NewThreadUnsafeSet[UserID](), nil
	} else if err != nil {
		return nil, err
	}
	return mapset.NewThreadUnsafeSet(users...), nil
}

// RefreshAll fetches the ban list of every given community and publishes the
// result in one swap. Communities that could not be fetched keep their
// previous entry.
func (c *BanCache) RefreshAll(ctx context.Context, communities []CommunityID) {
	start := c.generation.Add(1)
	fetched := make(map[CommunityID]banEntry, len(communities))
	failed := 0
	for _, community := range communities {
		users, err := c.fetch(ctx, community)
		if err != nil {
			failed++
			c.log.Warn().Err(err).Str("community_id", string(community)).Msg("Failed to fetch ban list")
			continue
		}
		fetched[community] = banEntry{users: users, generation: start}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	current := *c.snapshot.Load()
	next := make(map[CommunityID]banEntry, len(communities))
	for _, community := range communities {
		entry, ok := fetched[community]
		if old, exists := current[community]; exists && (!ok || old.generation > start) {
			entry, ok = old, true
		}
		if ok {
			next[community] = entry
		}
	}
	c.snapshot.Store(&next)
	c.log.Info().
		Int("communities", len(next)).
		Int("failed", failed).
		Msg("Ban cache refreshed")
}

// Update replaces the cached ban list of one community with a fresh fetch.
func (c *BanCache) Update(ctx context.Context, community CommunityID) error {
	gen := c.generation.Add(1)
	users, err := c.fetch(ctx, community)
	if err != nil {
		c.log.Warn().Err(err).Str("community_id", string(community)).Msg("Failed to update ban list")
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	current := *c.snapshot.Load()
	if old, ok := current[community]; ok && old.generation > gen {
		return nil
	}
	next := maps.Clone(current)
	next[community] = banEntry{users: users, generation: gen}
	c.snapshot.Store(&next)
	return nil
}

// Forget drops the cached entry of a community the agent left.
func (c *BanCache) Forget(community CommunityID) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	current := *c.snapshot.Load()
	if _, ok := current[community]; !ok {
		return
	}
	next := maps.Clone(current)
	delete(next, community)
	c.snapshot.Store(&next)
}
