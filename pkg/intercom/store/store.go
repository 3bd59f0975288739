// Copyright 2024-2026 Aiku AI

// Package store persists links, relay endpoints, silences, failure counters
// and team removals.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique index.
	ErrDuplicate = errors.New("record already exists")
)

type Store interface {
	LinkStore
	WebhookStore
	SilenceStore
	FailureStore
	RemovalStore
	// Transaction runs f inside a database transaction. Every call made
	// through tx is part of it; f must not use the outer store.
	Transaction(ctx context.Context, f func(tx Store) error) error
	Migrate() error
}

type LinkStore interface {
	// FindLink returns the link for the unordered pair (a, b).
	FindLink(ctx context.Context, a, b string) (*Link, error)
	// CreateLink inserts a link, normalizing the pair order.
	CreateLink(ctx context.Context, link *Link) error
	// DeleteLink removes the link for the unordered pair (a, b).
	DeleteLink(ctx context.Context, a, b string) error
	// ToggleLinkActive flips the active flag and returns the updated link.
	ToggleLinkActive(ctx context.Context, a, b string) (*Link, error)
	// ToggleLinkBanSync flips the ban sync flag and returns the updated link.
	ToggleLinkBanSync(ctx context.Context, a, b string) (*Link, error)
	// SetBanSyncFor sets the ban sync flag on every link touching channel.
	SetBanSyncFor(ctx context.Context, channel string, value bool) (int64, error)
	// ListLinksFor lists the links touching channel, ordered by ID.
	ListLinksFor(ctx context.Context, channel string, activeOnly bool) ([]*Link, error)
	// CountLinksFor counts the links touching channel.
	CountLinksFor(ctx context.Context, channel string) (int64, error)
	// DeleteLinksForChannel removes every link touching channel and returns them.
	DeleteLinksForChannel(ctx context.Context, channel string) ([]*Link, error)
	// DeleteLinksForCommunity removes every link where either side belongs
	// to community and returns them.
	DeleteLinksForCommunity(ctx context.Context, community string) ([]*Link, error)
}

type WebhookStore interface {
	GetWebhook(ctx context.Context, channel string) (*Webhook, error)
	// SaveWebhook inserts or replaces the endpoint of a channel.
	SaveWebhook(ctx context.Context, hook *Webhook) error
	DeleteWebhook(ctx context.Context, channel string) (*Webhook, error)
	// DeleteWebhooksForCommunity removes every endpoint owned by community
	// and returns them.
	DeleteWebhooksForCommunity(ctx context.Context, community string) ([]*Webhook, error)
}

type SilenceStore interface {
	IsSilenced(ctx context.Context, community, silenced string) (bool, error)
	// AddSilence is a no-op if the entry already exists.
	AddSilence(ctx context.Context, community, silenced string) error
	RemoveSilence(ctx context.Context, community, silenced string) (bool, error)
	ListSilences(ctx context.Context, community string) ([]*Silence, error)
}

type FailureStore interface {
	// FailureCount returns 0 when no counter exists.
	FailureCount(ctx context.Context, requester, target string) (int, error)
	// IncrementFailure adds one to the counter, creating it if needed, and
	// returns the new value.
	IncrementFailure(ctx context.Context, requester, target string) (int, error)
	ClearFailures(ctx context.Context, requester, target string) error
}

// RemovalStore remembers which users were removed from a community, for
// platforms that keep no record of removed members themselves.
type RemovalStore interface {
	// AddRemoval is a no-op if the entry already exists.
	AddRemoval(ctx context.Context, community, user string) error
	DeleteRemoval(ctx context.Context, community, user string) (bool, error)
	// ListRemovals returns the removed users of community, ordered by user ID.
	ListRemovals(ctx context.Context, community string) ([]string, error)
}
