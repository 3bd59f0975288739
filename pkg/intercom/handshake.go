// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

// HandshakeState is the state of one link request.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateRequested
	StateConfirmed
	StateTimedOut
	StateRejected
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOut:
		return "timed_out"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const (
	codeDigits       = 6
	linkRequestColor = "#00FF00"
	// pendingGrace keeps the pending entry alive a little past the timer so
	// a second request cannot slip in while the first one is committing.
	pendingGrace = 10 * time.Second
)

// LinkRequest asks to link Requester to the channel with ID Target.
type LinkRequest struct {
	Requester *Channel
	Actor     UserID
	Target    ChannelID
	SyncBans  bool
}

type pendingHandshake struct {
	id        string
	requester *Channel
	target    *Channel
	code      string
	confirmed chan UserID
}

// Handshaker runs the mutual confirmation handshake that precedes every new
// link. The target channel must answer with a one-time code within the
// configured timeout.
type Handshaker struct {
	cfg       *Config
	platform  Platform
	store     store.Store
	directory *Directory
	links     *LinkRegistry
	webhooks  *WebhookRegistry
	abuse     *AbuseMitigation
	pending   PendingSet
	clock     clock.Clock
	metrics   *Metrics
	log       zerolog.Logger

	lock    sync.Mutex
	waiting map[ChannelID][]*pendingHandshake

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// HandshakerParams holds the collaborators of a Handshaker.
type HandshakerParams struct {
	Config    *Config
	Platform  Platform
	Store     store.Store
	Directory *Directory
	Links     *LinkRegistry
	Webhooks  *WebhookRegistry
	Abuse     *AbuseMitigation
	Pending   PendingSet
	Clock     clock.Clock
	Metrics   *Metrics
	Log       zerolog.Logger
}

func NewHandshaker(p HandshakerParams) *Handshaker {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Pending == nil {
		p.Pending = NewMemoryPendingSet()
	}
	return &Handshaker{
		cfg:       p.Config,
		platform:  p.Platform,
		store:     p.Store,
		directory: p.Directory,
		links:     p.Links,
		webhooks:  p.Webhooks,
		abuse:     p.Abuse,
		pending:   p.Pending,
		clock:     p.Clock,
		metrics:   p.Metrics,
		log:       p.Log.With().Str("component", "handshake").Logger(),
		waiting:   make(map[ChannelID][]*pendingHandshake),
		shutdown:  make(chan struct{}),
	}
}

// Shutdown abandons every request that is still waiting for confirmation.
// Apart from the timer it is the only way a wait ends early.
func (h *Handshaker) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
	})
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// guard runs the checks that must pass before a request enters the
// requested state, in order.
func (h *Handshaker) guard(ctx context.Context, req LinkRequest) (*Channel, error) {
	target, ok := h.directory.Resolve(req.Target)
	if !ok {
		return nil, ErrUnknownTarget
	}
	if target.ID == req.Requester.ID {
		return nil, ErrSelfLink
	}
	if req.Requester.Kind != ChannelKindText || target.Kind != ChannelKindText {
		return nil, ErrUnsupportedChannelType
	}
	if linked, err := h.links.Exists(ctx, req.Requester.ID, target.ID); err != nil {
		return nil, err
	} else if linked {
		return nil, ErrAlreadyLinked
	}
	if err := h.abuse.CheckRequest(ctx, req.Requester.CommunityID, target.CommunityID); err != nil {
		return nil, err
	}
	return target, nil
}

// Request runs a link request to completion. It returns the new link once the
// target confirmed it. Errors returned before the target was asked are meant
// to be shown to the requester; after that, both sides are notified here and
// a timeout is reported as ErrHandshakeTimeout. Once the target was asked,
// cancelling ctx no longer ends the wait; only the timer or Shutdown do.
func (h *Handshaker) Request(ctx context.Context, req LinkRequest) (*Link, error) {
	target, err := h.guard(ctx, req)
	if err != nil {
		return nil, err
	}
	key := pendingKey(req.Requester.ID, target.ID)
	acquired, err := h.pending.Acquire(ctx, key, h.cfg.HandshakeTimeout+pendingGrace)
	if err != nil {
		return nil, err
	} else if !acquired {
		return nil, ErrHandshakeInProgress
	}
	defer func() {
		if err := h.pending.Release(context.WithoutCancel(ctx), key); err != nil {
			h.log.Warn().Err(err).Str("pending_key", key).Msg("Failed to release pending request")
		}
	}()

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate confirmation code: %w", err)
	}
	p := &pendingHandshake{
		id:        uuid.NewString(),
		requester: req.Requester,
		target:    target,
		code:      code,
		confirmed: make(chan UserID, 1),
	}
	log := h.log.With().
		Str("handshake_id", p.id).
		Str("requester_channel_id", string(req.Requester.ID)).
		Str("target_channel_id", string(target.ID)).
		Logger()
	ctx = log.WithContext(context.WithoutCancel(ctx))

	h.register(p)
	defer h.unregister(p)
	timer := h.clock.Timer(h.cfg.HandshakeTimeout)
	defer timer.Stop()

	h.notify(ctx, req.Requester.ID, &Notice{Text: "Waiting for confirmation..."})
	err = h.platform.SendNotice(ctx, target.ID, &Notice{
		Title: "Linking request",
		Description: fmt.Sprintf("There is a request to link to this channel from #%s (server: %s)",
			req.Requester.Name, req.Requester.CommunityName),
		Footer: fmt.Sprintf("Type %s to confirm or wait %d seconds to cancel",
			code, int(h.cfg.HandshakeTimeout/time.Second)),
		Color: linkRequestColor,
	})
	if err != nil {
		h.metrics.observeHandshake(StateRejected)
		return nil, fmt.Errorf("failed to send link request: %w", err)
	}
	h.metrics.observeHandshake(StateRequested)
	log.Debug().Msg("Link request sent, waiting for confirmation")

	select {
	case confirmer := <-p.confirmed:
		log.Info().Str("confirmed_by", string(confirmer)).Msg("Link request confirmed")
		return h.commit(ctx, req, target)
	case <-timer.C:
		return nil, h.timeout(ctx, req, target)
	case <-h.shutdown:
		h.metrics.observeHandshake(StateRejected)
		log.Debug().Msg("Link request abandoned on shutdown")
		return nil, fmt.Errorf("link request abandoned: %w", context.Canceled)
	}
}

func (h *Handshaker) commit(ctx context.Context, req LinkRequest, target *Channel) (*Link, error) {
	log := zerolog.Ctx(ctx)
	syncBans := req.SyncBans
	if syncBans {
		canRead, err := h.platform.HasCapability(ctx, h.platform.SelfID(), target.ID, CapabilityReadBans)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to check ban list access, disabling ban sync")
		}
		if !canRead {
			syncBans = false
			h.notify(ctx, req.Requester.ID, &Notice{Text: "The bridge is not allowed to read the ban list of the " +
				"other side, so bans won't be synced! Proceed with caution!"})
		}
	}
	h.notify(ctx, req.Requester.ID, &Notice{Text: "Linking..."})

	var link *Link
	err := h.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.ClearFailures(ctx, string(req.Requester.CommunityID), string(target.CommunityID)); err != nil {
			return err
		}
		var err error
		link, err = createTx(ctx, tx, req.Requester.ID, target.ID, req.Requester.CommunityID, target.CommunityID, syncBans)
		return err
	})
	if err != nil {
		h.metrics.observeHandshake(StateRejected)
		h.notify(ctx, req.Requester.ID, &Notice{Text: UserMessage(err)})
		return nil, reportedError{err}
	}

	for _, ch := range []*Channel{req.Requester, target} {
		if _, err := h.webhooks.Ensure(ctx, ch); err != nil {
			// The relay provisions missing endpoints on first use.
			log.Warn().Err(err).Str("channel_id", string(ch.ID)).Msg("Failed to provision relay endpoint")
		}
	}
	h.metrics.observeHandshake(StateConfirmed)
	h.notify(ctx, req.Requester.ID, &Notice{Text: "Successfully linked!"})
	h.notify(ctx, target.ID, &Notice{Text: fmt.Sprintf(
		"The channel %s/%s has been successfully linked with this channel!",
		req.Requester.CommunityName, req.Requester.Name)})
	log.Info().Uint64("link_id", link.ID).Bool("sync_bans", syncBans).Msg("Channels linked")
	return link, nil
}

func (h *Handshaker) timeout(ctx context.Context, req LinkRequest, target *Channel) error {
	log := zerolog.Ctx(ctx)
	h.metrics.observeHandshake(StateTimedOut)
	h.notify(ctx, target.ID, &Notice{Text: "Timeout!"})
	count, err := h.abuse.RecordFailure(ctx, req.Requester.CommunityID, target.CommunityID)
	if err != nil {
		log.Err(err).Msg("Failed to record handshake failure")
	}
	h.notify(ctx, req.Requester.ID, &Notice{Text: UserMessage(ErrHandshakeTimeout)})
	log.Info().Int("failures", count).Msg("Link request timed out")
	return reportedError{ErrHandshakeTimeout}
}

func (h *Handshaker) notify(ctx context.Context, channel ChannelID, notice *Notice) {
	if err := h.platform.SendNotice(ctx, channel, notice); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("channel_id", string(channel)).Msg("Failed to send notice")
	}
}

func (h *Handshaker) register(p *pendingHandshake) {
	h.lock.Lock()
	h.waiting[p.target.ID] = append(h.waiting[p.target.ID], p)
	h.lock.Unlock()
}

func (h *Handshaker) unregister(p *pendingHandshake) {
	h.lock.Lock()
	defer h.lock.Unlock()
	list := slices.DeleteFunc(h.waiting[p.target.ID], func(other *pendingHandshake) bool {
		return other == p
	})
	if len(list) == 0 {
		delete(h.waiting, p.target.ID)
	} else {
		h.waiting[p.target.ID] = list
	}
}

func (h *Handshaker) match(channel ChannelID, content string) *pendingHandshake {
	content = strings.TrimSpace(content)
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, p := range h.waiting[channel] {
		if p.code == content {
			return p
		}
	}
	return nil
}

// Offer hands an inbound message to the pending requests of its channel. It
// returns true if the message confirmed a request; such a message must not
// be relayed.
func (h *Handshaker) Offer(ctx context.Context, msg *Message) bool {
	p := h.match(msg.ChannelID, msg.Content)
	if p == nil {
		return false
	}
	allowed, err := h.platform.HasCapability(ctx, msg.Author.ID, msg.ChannelID, CapabilityManageChannels)
	if err != nil {
		h.log.Warn().Err(err).
			Str("handshake_id", p.id).
			Str("user_id", string(msg.Author.ID)).
			Msg("Failed to check confirmer permissions")
		return false
	} else if !allowed {
		h.log.Debug().
			Str("handshake_id", p.id).
			Str("user_id", string(msg.Author.ID)).
			Msg("Ignoring confirmation code from user without permission")
		return false
	}
	select {
	case p.confirmed <- msg.Author.ID:
		return true
	default:
		// Already confirmed by someone else.
		return true
	}
}

// Waiting returns the number of requests this process is waiting on.
func (h *Handshaker) Waiting() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	n := 0
	for _, list := range h.waiting {
		n += len(list)
	}
	return n
}

// reportedError marks an error the handshake already told the users about.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// alreadyReported reports whether err was already shown to the users by the
// handshake itself.
func alreadyReported(err error) bool {
	var re reportedError
	return errors.As(err, &re)
}
