// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Reasons a message is not relayed at all.
const (
	DropEmpty   = "empty"
	DropBot     = "bot"
	DropSelf    = "self"
	DropInvite  = "invite"
	DropWebhook = "webhook"
	DropCommand = "command"
)

// Report describes what happened to one inbound message.
type Report struct {
	Origin ChannelID
	// Dropped is set when the message was filtered before fan-out.
	Dropped    string
	Delivered  []ChannelID
	Suppressed []ChannelID
	Failed     []ChannelID
}

func (r *Report) add(list *[]ChannelID, lock *sync.Mutex, channel ChannelID) {
	lock.Lock()
	*list = append(*list, channel)
	lock.Unlock()
}

// Relay fans inbound messages out to every active peer of their channel.
type Relay struct {
	cfg       *Config
	self      UserID
	links     *LinkRegistry
	bans      *BanCache
	webhooks  *WebhookRegistry
	directory *Directory
	provider  EndpointProvider
	metrics   *Metrics
	log       zerolog.Logger
}

// RelayParams holds the collaborators of a Relay.
type RelayParams struct {
	Config    *Config
	Self      UserID
	Links     *LinkRegistry
	Bans      *BanCache
	Webhooks  *WebhookRegistry
	Directory *Directory
	Provider  EndpointProvider
	Metrics   *Metrics
	Log       zerolog.Logger
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		cfg:       p.Config,
		self:      p.Self,
		links:     p.Links,
		bans:      p.Bans,
		webhooks:  p.Webhooks,
		directory: p.Directory,
		provider:  p.Provider,
		metrics:   p.Metrics,
		log:       p.Log.With().Str("component", "relay").Logger(),
	}
}

// dropReason returns why msg must not be relayed, or "" if it may be.
func (r *Relay) dropReason(msg *Message) string {
	switch {
	case !msg.Relayable():
		return DropEmpty
	case msg.Author.ID == r.self:
		return DropSelf
	case msg.Author.Bot:
		return DropBot
	case msg.FromWebhook:
		return DropWebhook
	case r.cfg.IsInvite(msg.Content):
		return DropInvite
	case r.cfg.CommandPrefix != "" && strings.HasPrefix(msg.Content, r.cfg.CommandPrefix):
		return DropCommand
	default:
		return ""
	}
}

func (r *Relay) render(msg *Message) *RelayedMessage {
	community := msg.CommunityName
	channelName := ""
	if origin, ok := r.directory.Resolve(msg.ChannelID); ok {
		if origin.CommunityName != "" {
			community = origin.CommunityName
		}
		channelName = origin.Name
	}
	author := msg.Author.DisplayName
	if author == "" {
		author = string(msg.Author.ID)
	}
	return &RelayedMessage{
		Username: r.cfg.FormatDisplayName(DisplayNameParams{
			Author:    author,
			Community: community,
			Channel:   channelName,
		}),
		AvatarURL:   msg.Author.AvatarURL,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		Embeds:      msg.Embeds,
	}
}

// Broadcast relays msg to the active peers of its channel. Failures are
// isolated per target and reported, never returned; the error is only set
// when the peers could not be listed.
func (r *Relay) Broadcast(ctx context.Context, msg *Message) (*Report, error) {
	report := &Report{Origin: msg.ChannelID}
	if reason := r.dropReason(msg); reason != "" {
		report.Dropped = reason
		return report, nil
	}
	links, err := r.links.ActiveLinksFor(ctx, msg.ChannelID)
	if err != nil {
		return report, err
	}
	if len(links) == 0 {
		return report, nil
	}
	log := r.log.With().
		Str("message_id", msg.ID).
		Str("channel_id", string(msg.ChannelID)).
		Logger()
	out := r.render(msg)

	var lock sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(r.cfg.RelayConcurrency)
	for _, link := range links {
		if link.SyncBans && r.bans.IsBanned(link.PeerCommunity, msg.Author.ID) {
			report.add(&report.Suppressed, &lock, link.Peer)
			log.Debug().
				Str("target_channel_id", string(link.Peer)).
				Str("user_id", string(msg.Author.ID)).
				Msg("Author is banned in target community, not relaying")
			continue
		}
		eg.Go(func() error {
			if err := r.deliver(ctx, link, out); err != nil {
				report.add(&report.Failed, &lock, link.Peer)
				log.Warn().Err(err).
					Str("target_channel_id", string(link.Peer)).
					Msg("Failed to relay message")
			} else {
				report.add(&report.Delivered, &lock, link.Peer)
			}
			return nil
		})
	}
	_ = eg.Wait()
	r.metrics.observeReport(report)
	return report, nil
}

func (r *Relay) deliver(ctx context.Context, link *Link, out *RelayedMessage) error {
	url, err := r.endpointFor(ctx, link)
	if err != nil {
		return err
	}
	err = r.provider.SendViaEndpoint(ctx, url, out)
	if errors.Is(err, ErrEndpointGone) {
		if forgetErr := r.webhooks.Forget(ctx, link.Peer); forgetErr != nil {
			r.log.Warn().Err(forgetErr).Str("channel_id", string(link.Peer)).Msg("Failed to forget revoked endpoint")
		}
	}
	return err
}

func (r *Relay) endpointFor(ctx context.Context, link *Link) (string, error) {
	if target, ok := r.directory.Resolve(link.Peer); ok {
		return r.webhooks.Ensure(ctx, target)
	}
	url, ok, err := r.webhooks.Lookup(ctx, link.Peer)
	if err != nil {
		return "", err
	} else if !ok {
		return "", ErrEndpointProvisionFailed
	}
	return url, nil
}
