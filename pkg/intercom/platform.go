// Copyright 2024-2026 Aiku AI

package intercom

import "context"

// ChannelSource lists every channel the relay agent can currently see.
type ChannelSource interface {
	ListChannels(ctx context.Context) ([]*Channel, error)
}

// Messenger posts notices in the relay agent's own name.
type Messenger interface {
	SendNotice(ctx context.Context, channel ChannelID, notice *Notice) error
}

// EndpointProvider manages relay endpoints (incoming webhooks).
type EndpointProvider interface {
	// CreateEndpoint creates a relay endpoint posting into ch and returns its URL.
	CreateEndpoint(ctx context.Context, ch *Channel) (string, error)
	// SendViaEndpoint posts msg through the endpoint at url. It returns an
	// error wrapping ErrEndpointGone when the endpoint was revoked.
	SendViaEndpoint(ctx context.Context, url string, msg *RelayedMessage) error
	DeleteEndpoint(ctx context.Context, url string) error
}

// BanSource fetches the current ban list of a community. It returns an error
// wrapping ErrBanFetchForbidden when the relay agent may not read it.
type BanSource interface {
	FetchBans(ctx context.Context, community CommunityID) ([]UserID, error)
}

// Authorizer checks whether an actor holds a capability on a channel.
type Authorizer interface {
	HasCapability(ctx context.Context, actor UserID, channel ChannelID, capability Capability) (bool, error)
}

// Platform is everything the engine needs from the chat platform.
type Platform interface {
	ChannelSource
	Messenger
	EndpointProvider
	BanSource
	Authorizer
	// SelfID returns the user ID of the relay agent.
	SelfID() UserID
}
