// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom/scheduler"
	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

const (
	jobDirectory = "directory_refresh"
	jobBans      = "ban_refresh"
)

// Engine wires the bridge components together and reacts to platform events.
type Engine struct {
	cfg      *Config
	platform Platform
	store    store.Store
	log      zerolog.Logger
	clock    clock.Clock
	pending  PendingSet
	metrics  *Metrics

	Directory *Directory
	Links     *LinkRegistry
	Webhooks  *WebhookRegistry
	Bans      *BanCache
	Abuse     *AbuseMitigation
	Handshake *Handshaker
	Relay     *Relay
	Commands  *Commands

	bus       *Bus
	scheduler *scheduler.Executor

	wg           sync.WaitGroup
	lock         sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	ready        atomic.Bool
	schedulerRun atomic.Bool
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithPendingSet(p PendingSet) Option {
	return func(e *Engine) { e.pending = p }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. cfg must have been post-processed.
func New(cfg *Config, platform Platform, st store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		platform: platform,
		store:    st,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.pending == nil {
		e.pending = NewMemoryPendingSet()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}

	var err error
	e.Directory = NewDirectory(platform, e.log)
	e.Bans = NewBanCache(platform, e.log)
	e.Abuse = NewAbuseMitigation(st, cfg.FailureThreshold, e.log)
	e.Webhooks, err = NewWebhookRegistry(st, platform, cfg.EndpointCacheSize, e.log)
	if err != nil {
		return nil, err
	}
	e.Links = NewLinkRegistry(st, e.Webhooks, e.log)
	e.Handshake = NewHandshaker(HandshakerParams{
		Config:    cfg,
		Platform:  platform,
		Store:     st,
		Directory: e.Directory,
		Links:     e.Links,
		Webhooks:  e.Webhooks,
		Abuse:     e.Abuse,
		Pending:   e.pending,
		Clock:     e.clock,
		Metrics:   e.metrics,
		Log:       e.log,
	})
	e.Relay = NewRelay(RelayParams{
		Config:    cfg,
		Self:      platform.SelfID(),
		Links:     e.Links,
		Bans:      e.Bans,
		Webhooks:  e.Webhooks,
		Directory: e.Directory,
		Provider:  platform,
		Metrics:   e.metrics,
		Log:       e.log,
	})
	e.Commands = NewCommands(CommandsParams{
		Config:    cfg,
		Platform:  platform,
		Directory: e.Directory,
		Links:     e.Links,
		Abuse:     e.Abuse,
		Handshake: e.Handshake,
		Metrics:   e.metrics,
		Log:       e.log,
	})
	e.bus = NewBus(Handlers{
		Message:          e.onMessage,
		ChannelCreated:   e.onChannelCreated,
		ChannelDeleted:   e.onChannelDeleted,
		CommunityJoined:  e.onCommunityJoined,
		CommunityRemoved: e.onCommunityRemoved,
		MemberBanned:     e.onMemberBanned,
		MemberUnbanned:   e.onMemberUnbanned,
		Ready:            e.onReady,
	}, 0, e.log)

	e.scheduler = scheduler.NewExecutor(e.log, e.metrics.observeRefresh)
	err = e.scheduler.Add(scheduler.NewJob(jobDirectory, cfg.DirectoryRefresh, e.refreshDirectory))
	if err != nil {
		return nil, err
	}
	err = e.scheduler.Add(scheduler.NewJob(jobBans, cfg.BanRefresh, func(ctx context.Context) error {
		e.Bans.RefreshAll(ctx, e.Directory.Communities())
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Publish queues a platform event. Engine implements EventSink.
func (e *Engine) Publish(ctx context.Context, evt Event) error {
	return e.bus.Publish(ctx, evt)
}

// Start runs the event loop until Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.ctx != nil {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(e.log.WithContext(ctx))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bus.Run(e.ctx)
	}()
	e.log.Info().Msg("Engine started")
	return nil
}

// Stop cancels in-flight work and waits for it to return.
func (e *Engine) Stop() {
	e.Handshake.Shutdown()
	e.lock.Lock()
	cancel := e.cancel
	e.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.scheduler.Stop()
	e.wg.Wait()
	e.log.Info().Msg("Engine stopped")
}

// Wait blocks until every goroutine started by the engine returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// spawn runs fn off the event loop, tracked by the engine's wait group.
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Refresh rebuilds the channel directory and the ban cache.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.refreshDirectory(ctx); err != nil {
		return err
	}
	e.Bans.RefreshAll(ctx, e.Directory.Communities())
	e.metrics.observeRefresh(jobBans, nil)
	return nil
}

func (e *Engine) refreshDirectory(ctx context.Context) error {
	err := e.Directory.Refresh(ctx)
	e.metrics.setDirectorySize(e.Directory.Len())
	return err
}

// Status is a point-in-time summary of the engine.
type Status struct {
	Ready             bool      `json:"ready"`
	Channels          int       `json:"channels"`
	Communities       int       `json:"communities"`
	BanLists          int       `json:"ban_lists"`
	PendingHandshakes int       `json:"pending_handshakes"`
	Time              time.Time `json:"time"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	pending, err := e.pending.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending handshakes: %w", err)
	}
	return &Status{
		Ready:             e.ready.Load(),
		Channels:          e.Directory.Len(),
		Communities:       len(e.Directory.Communities()),
		BanLists:          e.Bans.Len(),
		PendingHandshakes: pending,
		Time:              e.clock.Now(),
	}, nil
}

func (e *Engine) onMessage(ctx context.Context, evt *MessageEvent) {
	if evt.Message == nil {
		return
	}
	e.spawn(ctx, func(ctx context.Context) {
		e.handleMessage(ctx, evt.Message)
	})
}

func (e *Engine) handleMessage(ctx context.Context, msg *Message) {
	if e.Handshake.Offer(ctx, msg) {
		return
	}
	if e.Commands.Handle(ctx, msg) {
		return
	}
	report, err := e.Relay.Broadcast(ctx, msg)
	if err != nil {
		e.log.Err(err).Str("channel_id", string(msg.ChannelID)).Msg("Failed to relay message")
		return
	}
	if report.Dropped != "" {
		e.log.Trace().Str("message_id", msg.ID).Str("reason", report.Dropped).Msg("Message not relayed")
	}
}

func (e *Engine) onChannelCreated(ctx context.Context, evt *ChannelCreatedEvent) {
	e.spawn(ctx, func(ctx context.Context) {
		if err := e.refreshDirectory(ctx); err != nil {
			e.log.Warn().Err(err).Str("channel_id", string(evt.ChannelID)).Msg("Failed to refresh directory after channel creation")
		}
	})
}

func (e *Engine) onChannelDeleted(ctx context.Context, evt *ChannelDeletedEvent) {
	if err := e.Links.OnChannelRemoved(ctx, evt.ChannelID); err != nil {
		e.log.Err(err).Str("channel_id", string(evt.ChannelID)).Msg("Failed to clean up deleted channel")
	}
	e.spawn(ctx, func(ctx context.Context) {
		if err := e.refreshDirectory(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Failed to refresh directory after channel deletion")
		}
	})
}

func (e *Engine) onCommunityJoined(ctx context.Context, evt *CommunityJoinedEvent) {
	e.spawn(ctx, func(ctx context.Context) {
		if err := e.refreshDirectory(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Failed to refresh directory after joining community")
		}
		_ = e.Bans.Update(ctx, evt.CommunityID)
	})
}

func (e *Engine) onCommunityRemoved(ctx context.Context, evt *CommunityRemovedEvent) {
	if err := e.Links.OnCommunityRemoved(ctx, evt.CommunityID); err != nil {
		e.log.Err(err).Str("community_id", string(evt.CommunityID)).Msg("Failed to clean up departed community")
	}
	e.Bans.Forget(evt.CommunityID)
	e.spawn(ctx, func(ctx context.Context) {
		if err := e.refreshDirectory(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Failed to refresh directory after leaving community")
		}
	})
}

func (e *Engine) onMemberBanned(ctx context.Context, evt *MemberBannedEvent) {
	e.spawn(ctx, func(ctx context.Context) {
		_ = e.Bans.Update(ctx, evt.CommunityID)
	})
}

func (e *Engine) onMemberUnbanned(ctx context.Context, evt *MemberUnbannedEvent) {
	e.spawn(ctx, func(ctx context.Context) {
		_ = e.Bans.Update(ctx, evt.CommunityID)
	})
}

func (e *Engine) onReady(ctx context.Context, _ *ReadyEvent) {
	e.spawn(ctx, func(ctx context.Context) {
		if err := e.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Initial refresh failed, relying on the periodic refresh")
		}
		if ctx.Err() != nil {
			return
		}
		e.ready.Store(true)
		if e.schedulerRun.CompareAndSwap(false, true) {
			e.scheduler.Start(ctx)
		}
		e.log.Info().
			Int("channels", e.Directory.Len()).
			Int("ban_lists", e.Bans.Len()).
			Msg("Engine ready")
	})
}
