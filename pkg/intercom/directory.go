// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"fmt"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type directorySnapshot struct {
	channels    map[ChannelID]*Channel
	communities mapset.Set[CommunityID]
}

// Directory is the eventually consistent index of channels the relay agent
// can see. Readers get an immutable snapshot; refreshes replace it whole.
type Directory struct {
	source   ChannelSource
	log      zerolog.Logger
	snapshot atomic.Pointer[directorySnapshot]
	flight   singleflight.Group
}

func NewDirectory(source ChannelSource, log zerolog.Logger) *Directory {
	d := &Directory{
		source: source,
		log:    log.With().Str("component", "directory").Logger(),
	}
	d.snapshot.Store(&directorySnapshot{
		channels:    map[ChannelID]*Channel{},
		communities: mapset.NewThreadUnsafeSet[CommunityID](),
	})
	return d
}

// Refresh rebuilds the directory from the platform. Concurrent callers share
// one rebuild. On failure the previous snapshot stays in place.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err, _ := d.flight.Do("refresh", func() (any, error) {
		channels, err := d.source.ListChannels(ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to refresh channel directory, keeping previous snapshot")
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}
		next := &directorySnapshot{
			channels:    make(map[ChannelID]*Channel, len(channels)),
			communities: mapset.NewThreadUnsafeSet[CommunityID](),
		}
		for _, ch := range channels {
			if ch == nil || ch.ID == "" {
				continue
			}
			next.channels[ch.ID] = ch
			if ch.CommunityID != "" {
				next.communities.Add(ch.CommunityID)
			}
		}
		d.snapshot.Store(next)
		d.log.Debug().
			Int("channels", len(next.channels)).
			Int("communities", next.communities.Cardinality()).
			Msg("Channel directory refreshed")
		return nil, nil
	})
	return err
}

// Resolve returns the channel with the given ID, if it is currently visible.
func (d *Directory) Resolve(id ChannelID) (*Channel, bool) {
	ch, ok := d.snapshot.Load().channels[id]
	return ch, ok
}

// Communities returns every community with at least one visible channel.
func (d *Directory) Communities() []CommunityID {
	return d.snapshot.Load().communities.ToSlice()
}

// Len returns the number of visible channels.
func (d *Directory) Len() int {
	return len(d.snapshot.Load().channels)
}
