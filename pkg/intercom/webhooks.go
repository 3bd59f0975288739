// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

// WebhookRegistry maps channels to the relay endpoints that post into them.
// Endpoints are created on first need and persisted before first use.
type WebhookRegistry struct {
	store    store.Store
	provider EndpointProvider
	cache    *lru.Cache[ChannelID, string]
	flight   singleflight.Group
	log      zerolog.Logger
}

func NewWebhookRegistry(st store.Store, provider EndpointProvider, cacheSize int, log zerolog.Logger) (*WebhookRegistry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultEndpointCacheSize
	}
	cache, err := lru.New[ChannelID, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint cache: %w", err)
	}
	return &WebhookRegistry{
		store:    st,
		provider: provider,
		cache:    cache,
		log:      log.With().Str("component", "webhooks").Logger(),
	}, nil
}

// Lookup returns the stored endpoint of a channel without creating one.
func (w *WebhookRegistry) Lookup(ctx context.Context, channel ChannelID) (string, bool, error) {
	if url, ok := w.cache.Get(channel); ok {
		return url, true, nil
	}
	hook, err := w.store.GetWebhook(ctx, string(channel))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get webhook: %w", err)
	}
	w.cache.Add(channel, hook.URL)
	return hook.URL, true, nil
}

// Ensure returns the endpoint of ch, provisioning and persisting one if the
// channel has none yet. Concurrent calls for the same channel share one
// provisioning attempt.
func (w *WebhookRegistry) Ensure(ctx context.Context, ch *Channel) (string, error) {
	if url, ok, err := w.Lookup(ctx, ch.ID); err != nil {
		return "", err
	} else if ok {
		return url, nil
	}
	url, err, _ := w.flight.Do(string(ch.ID), func() (any, error) {
		// Another caller may have finished provisioning while we waited.
		if url, ok, err := w.Lookup(ctx, ch.ID); err != nil || ok {
			return url, err
		}
		url, err := w.provider.CreateEndpoint(ctx, ch)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrEndpointProvisionFailed, err)
		}
		err = w.store.SaveWebhook(ctx, &store.Webhook{
			ChannelID:   string(ch.ID),
			URL:         url,
			CommunityID: string(ch.CommunityID),
		})
		if err != nil {
			if delErr := w.provider.DeleteEndpoint(ctx, url); delErr != nil {
				w.log.Warn().Err(delErr).Str("channel_id", string(ch.ID)).Msg("Failed to delete unsaved endpoint")
			}
			return "", fmt.Errorf("failed to save webhook: %w", err)
		}
		w.cache.Add(ch.ID, url)
		w.log.Info().
			Str("channel_id", string(ch.ID)).
			Str("community_id", string(ch.CommunityID)).
			Msg("Provisioned relay endpoint")
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

// Forget drops the stored endpoint of a channel, for example after the
// platform reported it revoked. The next Ensure provisions a new one.
func (w *WebhookRegistry) Forget(ctx context.Context, channel ChannelID) error {
	w.cache.Remove(channel)
	_, err := w.store.DeleteWebhook(ctx, string(channel))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// deleteOrphansTx removes the endpoint rows of channels that have no link
// left. It must run inside the transaction that removed the links; the
// returned hooks are passed to releaseRemote after commit.
func (w *WebhookRegistry) deleteOrphansTx(ctx context.Context, tx store.Store, channels ...ChannelID) ([]*store.Webhook, error) {
	var orphans []*store.Webhook
	for _, channel := range channels {
		count, err := tx.CountLinksFor(ctx, string(channel))
		if err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		hook, err := tx.DeleteWebhook(ctx, string(channel))
		if errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		orphans = append(orphans, hook)
	}
	return orphans, nil
}

// releaseRemote evicts hooks from the cache and deletes them on the platform.
func (w *WebhookRegistry) releaseRemote(ctx context.Context, hooks []*store.Webhook) {
	for _, hook := range hooks {
		w.cache.Remove(ChannelID(hook.ChannelID))
		if err := w.provider.DeleteEndpoint(ctx, hook.URL); err != nil {
			w.log.Warn().Err(err).Str("channel_id", hook.ChannelID).Msg("Failed to delete relay endpoint")
		}
	}
}
