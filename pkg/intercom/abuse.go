// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

// AbuseMitigation keeps the silence list and the failed link request
// counters. A counter that reaches the threshold is replaced by a silence in
// the reverse direction: the target silences the requester.
type AbuseMitigation struct {
	store     store.Store
	threshold int
	log       zerolog.Logger
}

func NewAbuseMitigation(st store.Store, threshold int, log zerolog.Logger) *AbuseMitigation {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &AbuseMitigation{
		store:     st,
		threshold: threshold,
		log:       log.With().Str("component", "abuse").Logger(),
	}
}

// ToggleSilence flips whether community refuses link requests from other.
// It returns true if other is silenced after the call.
func (a *AbuseMitigation) ToggleSilence(ctx context.Context, community, other CommunityID) (silenced bool, err error) {
	err = a.store.Transaction(ctx, func(tx store.Store) error {
		removed, err := tx.RemoveSilence(ctx, string(community), string(other))
		if err != nil {
			return err
		}
		if removed {
			silenced = false
			return nil
		}
		silenced = true
		return tx.AddSilence(ctx, string(community), string(other))
	})
	if err != nil {
		return false, fmt.Errorf("failed to toggle silence: %w", err)
	}
	a.log.Info().
		Str("community_id", string(community)).
		Str("other_community_id", string(other)).
		Bool("silenced", silenced).
		Msg("Silence toggled")
	return silenced, nil
}

// IsSilenced reports whether target refuses link requests from requester.
func (a *AbuseMitigation) IsSilenced(ctx context.Context, target, requester CommunityID) (bool, error) {
	return a.store.IsSilenced(ctx, string(target), string(requester))
}

// Silenced returns the communities whose link requests community refuses.
func (a *AbuseMitigation) Silenced(ctx context.Context, community CommunityID) ([]CommunityID, error) {
	rows, err := a.store.ListSilences(ctx, string(community))
	if err != nil {
		return nil, fmt.Errorf("failed to list silences: %w", err)
	}
	out := make([]CommunityID, 0, len(rows))
	for _, row := range rows {
		out = append(out, CommunityID(row.SilencedCommunity))
	}
	return out, nil
}

// FailureCount returns the number of timed out requests from requester to target.
func (a *AbuseMitigation) FailureCount(ctx context.Context, requester, target CommunityID) (int, error) {
	return a.store.FailureCount(ctx, string(requester), string(target))
}

// CheckRequest is the handshake gate. It returns ErrSilenced if target
// silenced requester, promoting an exhausted failure counter first.
func (a *AbuseMitigation) CheckRequest(ctx context.Context, requester, target CommunityID) error {
	var promoted bool
	err := a.store.Transaction(ctx, func(tx store.Store) error {
		silenced, err := tx.IsSilenced(ctx, string(target), string(requester))
		if err != nil {
			return err
		} else if silenced {
			return ErrSilenced
		}
		count, err := tx.FailureCount(ctx, string(requester), string(target))
		if err != nil {
			return err
		}
		if count < a.threshold {
			return nil
		}
		if err := promote(ctx, tx, requester, target); err != nil {
			return err
		}
		promoted = true
		return nil
	})
	if err != nil {
		return err
	}
	if promoted {
		a.logPromotion(requester, target)
		return ErrSilenced
	}
	return nil
}

// RecordFailure counts a timed out request and promotes the counter to a
// silence once it reaches the threshold. It returns the new count, which is
// zero after a promotion.
func (a *AbuseMitigation) RecordFailure(ctx context.Context, requester, target CommunityID) (int, error) {
	var count int
	err := a.store.Transaction(ctx, func(tx store.Store) error {
		var err error
		count, err = tx.IncrementFailure(ctx, string(requester), string(target))
		if err != nil || count < a.threshold {
			return err
		}
		count = 0
		return promote(ctx, tx, requester, target)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record handshake failure: %w", err)
	}
	if count == 0 {
		a.logPromotion(requester, target)
	} else {
		a.log.Debug().
			Str("requester_community_id", string(requester)).
			Str("target_community_id", string(target)).
			Int("failures", count).
			Msg("Recorded handshake failure")
	}
	return count, nil
}

// PromoteToSilence replaces the failure counter with a silence of requester
// by target.
func (a *AbuseMitigation) PromoteToSilence(ctx context.Context, requester, target CommunityID) error {
	err := a.store.Transaction(ctx, func(tx store.Store) error {
		return promote(ctx, tx, requester, target)
	})
	if err != nil {
		return fmt.Errorf("failed to promote failure counter: %w", err)
	}
	a.logPromotion(requester, target)
	return nil
}

// ClearFailures removes the failure counter of a pair.
func (a *AbuseMitigation) ClearFailures(ctx context.Context, requester, target CommunityID) error {
	return a.store.ClearFailures(ctx, string(requester), string(target))
}

func promote(ctx context.Context, tx store.Store, requester, target CommunityID) error {
	if err := tx.ClearFailures(ctx, string(requester), string(target)); err != nil {
		return err
	}
	return tx.AddSilence(ctx, string(target), string(requester))
}

func (a *AbuseMitigation) logPromotion(requester, target CommunityID) {
	a.log.Warn().
		Str("requester_community_id", string(requester)).
		Str("target_community_id", string(target)).
		Msg("Too many unconfirmed link requests, target community now silences requester")
}
