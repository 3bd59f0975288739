// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

// LinkRegistry owns the links table. A link joins an unordered channel pair:
// (a, b) and (b, a) name the same link.
type LinkRegistry struct {
	store    store.Store
	webhooks *WebhookRegistry
	log      zerolog.Logger
}

func NewLinkRegistry(st store.Store, webhooks *WebhookRegistry, log zerolog.Logger) *LinkRegistry {
	return &LinkRegistry{
		store:    st,
		webhooks: webhooks,
		log:      log.With().Str("component", "links").Logger(),
	}
}

func linkFromRow(row *store.Link, local ChannelID) *Link {
	peer, peerCommunity := row.Other(string(local))
	localCommunity := row.CommunityA
	if row.ChannelB == string(local) {
		localCommunity = row.CommunityB
	}
	return &Link{
		ID:             row.ID,
		Local:          local,
		LocalCommunity: CommunityID(localCommunity),
		Peer:           ChannelID(peer),
		PeerCommunity:  CommunityID(peerCommunity),
		Active:         row.Active,
		SyncBans:       row.SyncBans,
	}
}

func notLinked(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotLinked
	}
	return err
}

// Exists reports whether a and b are linked, in either orientation.
func (r *LinkRegistry) Exists(ctx context.Context, a, b ChannelID) (bool, error) {
	_, err := r.store.FindLink(ctx, string(a), string(b))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to look up link: %w", err)
	}
	return true, nil
}

// Get returns the link between a and b as seen from a.
func (r *LinkRegistry) Get(ctx context.Context, a, b ChannelID) (*Link, error) {
	row, err := r.store.FindLink(ctx, string(a), string(b))
	if err != nil {
		return nil, notLinked(err)
	}
	return linkFromRow(row, a), nil
}

// Create links a and b. The link starts active.
func (r *LinkRegistry) Create(ctx context.Context, a, b ChannelID, communityA, communityB CommunityID, syncBans bool) (*Link, error) {
	var link *Link
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		link, err = createTx(ctx, tx, a, b, communityA, communityB, syncBans)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().
		Uint64("link_id", link.ID).
		Str("channel_a", string(a)).
		Str("channel_b", string(b)).
		Bool("sync_bans", syncBans).
		Msg("Link created")
	return link, nil
}

// createTx is the check-and-insert unit shared with the handshake commit.
func createTx(ctx context.Context, tx store.Store, a, b ChannelID, communityA, communityB CommunityID, syncBans bool) (*Link, error) {
	if a == b {
		return nil, ErrSelfLink
	}
	_, err := tx.FindLink(ctx, string(a), string(b))
	if err == nil {
		return nil, ErrAlreadyLinked
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up link: %w", err)
	}
	row := &store.Link{
		ChannelA:   string(a),
		ChannelB:   string(b),
		CommunityA: string(communityA),
		CommunityB: string(communityB),
		Active:     true,
		SyncBans:   syncBans,
	}
	if err := tx.CreateLink(ctx, row); errors.Is(err, store.ErrDuplicate) {
		return nil, ErrAlreadyLinked
	} else if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	return linkFromRow(row, a), nil
}

// Delete unlinks a and b. Endpoints of channels left without any link are
// deleted as well.
func (r *LinkRegistry) Delete(ctx context.Context, a, b ChannelID) error {
	var orphans []*store.Webhook
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.DeleteLink(ctx, string(a), string(b)); err != nil {
			return notLinked(err)
		}
		var err error
		orphans, err = r.webhooks.deleteOrphansTx(ctx, tx, a, b)
		return err
	})
	if err != nil {
		return err
	}
	r.webhooks.releaseRemote(ctx, orphans)
	r.log.Info().
		Str("channel_a", string(a)).
		Str("channel_b", string(b)).
		Int("released_endpoints", len(orphans)).
		Msg("Link deleted")
	return nil
}

// ToggleActive flips whether messages flow over the link and returns the
// updated link.
func (r *LinkRegistry) ToggleActive(ctx context.Context, a, b ChannelID) (*Link, error) {
	var link *Link
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		row, err := tx.ToggleLinkActive(ctx, string(a), string(b))
		if err != nil {
			return notLinked(err)
		}
		link = linkFromRow(row, a)
		return nil
	})
	return link, err
}

// ToggleBanSync flips ban filtering on the link and returns the updated
// link. Callers must check that the relay agent can read ban lists before
// turning it on.
func (r *LinkRegistry) ToggleBanSync(ctx context.Context, a, b ChannelID) (*Link, error) {
	var link *Link
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		row, err := tx.ToggleLinkBanSync(ctx, string(a), string(b))
		if err != nil {
			return notLinked(err)
		}
		link = linkFromRow(row, a)
		return nil
	})
	return link, err
}

// SetBanSyncFor sets ban filtering on every link touching channel and returns
// the number of links changed.
func (r *LinkRegistry) SetBanSyncFor(ctx context.Context, channel ChannelID, value bool) (int64, error) {
	n, err := r.store.SetBanSyncFor(ctx, string(channel), value)
	if err != nil {
		return 0, fmt.Errorf("failed to set ban sync: %w", err)
	}
	return n, nil
}

// FlipBanSyncFor flips ban filtering on every link touching channel. All
// links end up with the inverse of the first link's setting. It returns the
// new value.
func (r *LinkRegistry) FlipBanSyncFor(ctx context.Context, channel ChannelID) (bool, error) {
	var value bool
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		rows, err := tx.ListLinksFor(ctx, string(channel), false)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNotLinked
		}
		value = !rows[0].SyncBans
		_, err = tx.SetBanSyncFor(ctx, string(channel), value)
		return err
	})
	return value, err
}

// ListLinksFor returns every link touching channel with channel as Local.
func (r *LinkRegistry) ListLinksFor(ctx context.Context, channel ChannelID) ([]*Link, error) {
	return r.list(ctx, channel, false)
}

// ActiveLinksFor returns the active links touching channel.
func (r *LinkRegistry) ActiveLinksFor(ctx context.Context, channel ChannelID) ([]*Link, error) {
	return r.list(ctx, channel, true)
}

func (r *LinkRegistry) list(ctx context.Context, channel ChannelID, activeOnly bool) ([]*Link, error) {
	rows, err := r.store.ListLinksFor(ctx, string(channel), activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	links := make([]*Link, 0, len(rows))
	for _, row := range rows {
		links = append(links, linkFromRow(row, channel))
	}
	return links, nil
}

// OnChannelRemoved deletes every link touching a deleted channel together
// with its endpoint row. Peers left without links lose their endpoints too.
func (r *LinkRegistry) OnChannelRemoved(ctx context.Context, channel ChannelID) error {
	var removed []*store.Link
	var orphans []*store.Webhook
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		removed, err = tx.DeleteLinksForChannel(ctx, string(channel))
		if err != nil {
			return err
		}
		if _, err = tx.DeleteWebhook(ctx, string(channel)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		peers := make([]ChannelID, 0, len(removed))
		for _, row := range removed {
			peer, _ := row.Other(string(channel))
			peers = append(peers, ChannelID(peer))
		}
		orphans, err = r.webhooks.deleteOrphansTx(ctx, tx, peers...)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove links of channel: %w", err)
	}
	r.webhooks.cache.Remove(channel)
	r.webhooks.releaseRemote(ctx, orphans)
	if len(removed) > 0 {
		r.log.Info().
			Str("channel_id", string(channel)).
			Int("links", len(removed)).
			Msg("Removed links of deleted channel")
	}
	return nil
}

// OnCommunityRemoved deletes every link where either side belongs to
// community and every endpoint owned by it.
func (r *LinkRegistry) OnCommunityRemoved(ctx context.Context, community CommunityID) error {
	var removed []*store.Link
	var owned, orphans []*store.Webhook
	err := r.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		removed, err = tx.DeleteLinksForCommunity(ctx, string(community))
		if err != nil {
			return err
		}
		owned, err = tx.DeleteWebhooksForCommunity(ctx, string(community))
		if err != nil {
			return err
		}
		var peers []ChannelID
		for _, row := range removed {
			if row.CommunityA != string(community) {
				peers = append(peers, ChannelID(row.ChannelA))
			}
			if row.CommunityB != string(community) {
				peers = append(peers, ChannelID(row.ChannelB))
			}
		}
		orphans, err = r.webhooks.deleteOrphansTx(ctx, tx, peers...)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove links of community: %w", err)
	}
	for _, hook := range owned {
		r.webhooks.cache.Remove(ChannelID(hook.ChannelID))
	}
	r.webhooks.releaseRemote(ctx, orphans)
	if len(removed) > 0 || len(owned) > 0 {
		r.log.Info().
			Str("community_id", string(community)).
			Int("links", len(removed)).
			Int("endpoints", len(owned)).
			Msg("Removed links of departed community")
	}
	return nil
}
