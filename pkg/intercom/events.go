// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Event is a platform event consumed by the engine.
type Event interface {
	eventKind() string
}

// MessageEvent is emitted for every message posted in a visible channel.
type MessageEvent struct {
	Message *Message
}

// ChannelCreatedEvent is emitted when a channel becomes visible.
type ChannelCreatedEvent struct {
	ChannelID   ChannelID
	CommunityID CommunityID
}

// ChannelDeletedEvent is emitted when a channel is deleted.
type ChannelDeletedEvent struct {
	ChannelID ChannelID
}

// CommunityJoinedEvent is emitted when the relay agent joins a community.
type CommunityJoinedEvent struct {
	CommunityID CommunityID
}

// CommunityRemovedEvent is emitted when the relay agent leaves or is removed
// from a community.
type CommunityRemovedEvent struct {
	CommunityID CommunityID
}

// MemberBannedEvent is emitted when a user is banned from a community.
type MemberBannedEvent struct {
	CommunityID CommunityID
	UserID      UserID
}

// MemberUnbannedEvent is emitted when a user is unbanned from a community.
type MemberUnbannedEvent struct {
	CommunityID CommunityID
	UserID      UserID
}

// ReadyEvent is emitted once the platform connection is established, and
// again after every reconnect.
type ReadyEvent struct{}

func (*MessageEvent) eventKind() string          { return "message" }
func (*ChannelCreatedEvent) eventKind() string   { return "channel_created" }
func (*ChannelDeletedEvent) eventKind() string   { return "channel_deleted" }
func (*CommunityJoinedEvent) eventKind() string  { return "community_joined" }
func (*CommunityRemovedEvent) eventKind() string { return "community_removed" }
func (*MemberBannedEvent) eventKind() string     { return "member_banned" }
func (*MemberUnbannedEvent) eventKind() string   { return "member_unbanned" }
func (*ReadyEvent) eventKind() string            { return "ready" }

// EventSink accepts platform events. Platform adapters publish into it.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Handlers holds one handler per event kind. Nil handlers ignore the event.
type Handlers struct {
	Message          func(ctx context.Context, evt *MessageEvent)
	ChannelCreated   func(ctx context.Context, evt *ChannelCreatedEvent)
	ChannelDeleted   func(ctx context.Context, evt *ChannelDeletedEvent)
	CommunityJoined  func(ctx context.Context, evt *CommunityJoinedEvent)
	CommunityRemoved func(ctx context.Context, evt *CommunityRemovedEvent)
	MemberBanned     func(ctx context.Context, evt *MemberBannedEvent)
	MemberUnbanned   func(ctx context.Context, evt *MemberUnbannedEvent)
	Ready            func(ctx context.Context, evt *ReadyEvent)
}

const defaultBusCapacity = 256

// Bus queues events and hands them to their handler one at a time.
type Bus struct {
	queue    chan Event
	handlers Handlers
	log      zerolog.Logger
}

func NewBus(handlers Handlers, capacity int, log zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &Bus{
		queue:    make(chan Event, capacity),
		handlers: handlers,
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Publish queues evt. It blocks while the queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to publish %s event: %w", evt.eventKind(), ctx.Err())
	}
}

// Run dispatches queued events until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Any("panic", r).
				Str("event_kind", evt.eventKind()).
				Msg("Event handler panicked")
		}
	}()
	b.log.Trace().Str("event_kind", evt.eventKind()).Msg("Dispatching event")
	h := b.handlers
	switch evt := evt.(type) {
	case *MessageEvent:
		if h.Message != nil {
			h.Message(ctx, evt)
		}
	case *ChannelCreatedEvent:
		if h.ChannelCreated != nil {
			h.ChannelCreated(ctx, evt)
		}
	case *ChannelDeletedEvent:
		if h.ChannelDeleted != nil {
			h.ChannelDeleted(ctx, evt)
		}
	case *CommunityJoinedEvent:
		if h.CommunityJoined != nil {
			h.CommunityJoined(ctx, evt)
		}
	case *CommunityRemovedEvent:
		if h.CommunityRemoved != nil {
			h.CommunityRemoved(ctx, evt)
		}
	case *MemberBannedEvent:
		if h.MemberBanned != nil {
			h.MemberBanned(ctx, evt)
		}
	case *MemberUnbannedEvent:
		if h.MemberUnbanned != nil {
			h.MemberUnbanned(ctx, evt)
		}
	case *ReadyEvent:
		if h.Ready != nil {
			h.Ready(ctx, evt)
		}
	default:
		b.log.Warn().Str("event_kind", evt.eventKind()).Msg("Unhandled event kind")
	}
}
