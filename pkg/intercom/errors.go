// Copyright 2024-2026 Aiku AI

package intercom

import "errors"

var (
	// ErrAlreadyLinked is returned when the unordered channel pair is already linked.
	ErrAlreadyLinked = errors.New("channels are already linked")
	// ErrNotLinked is returned when no link exists for the channel pair.
	ErrNotLinked = errors.New("channels are not linked")
	// ErrSelfLink is returned when a channel tries to link to itself.
	ErrSelfLink = errors.New("cannot link a channel to itself")
	// ErrUnsupportedChannelType is returned when either channel is not a text channel.
	ErrUnsupportedChannelType = errors.New("only text channels can be linked")
	// ErrUnknownTarget is returned when the target channel cannot be resolved.
	ErrUnknownTarget = errors.New("target channel is unknown or not visible")
	// ErrHandshakeInProgress is returned when a request for the same pair is pending.
	ErrHandshakeInProgress = errors.New("a link request for this pair is already pending")
	// ErrSilenced is returned when the target community silenced the requester.
	// Users see the same reply as for ErrUnsupportedChannelType.
	ErrSilenced = errors.New("requester community is silenced by the target community")
	// ErrInsufficientCapability is returned when an actor lacks a required permission.
	ErrInsufficientCapability = errors.New("insufficient capability")
	// ErrHandshakeTimeout is returned when the target did not confirm in time.
	ErrHandshakeTimeout = errors.New("link request was not confirmed in time")
	// ErrBanFetchForbidden is returned by a BanSource that may not read a ban list.
	ErrBanFetchForbidden = errors.New("not allowed to read the ban list")
	// ErrEndpointProvisionFailed is returned when a relay endpoint could not be created.
	ErrEndpointProvisionFailed = errors.New("failed to provision relay endpoint")
	// ErrEndpointGone is returned by an EndpointProvider when the endpoint was revoked.
	ErrEndpointGone = errors.New("relay endpoint no longer exists")
)

const genericFailureReply = "Something went wrong, please try again later."

var userMessages = []struct {
	err error
	msg string
}{
	{ErrAlreadyLinked, "The target channel is already linked!"},
	{ErrNotLinked, "You are not linked!"},
	{ErrSelfLink, "You can't link to yourself!"},
	{ErrUnsupportedChannelType, "You can only link text channels!"},
	// Must stay identical to the unsupported channel type reply.
	{ErrSilenced, "You can only link text channels!"},
	{ErrUnknownTarget, "Invalid channel ID or this bot cannot see the target channel!"},
	{ErrHandshakeInProgress, "A link request for this channel is already waiting for confirmation!"},
	{ErrInsufficientCapability, "You don't have permission to do that!"},
	{ErrHandshakeTimeout, "The other side did not confirm this activity."},
	{ErrEndpointProvisionFailed, "Failed to set up the relay for this channel!"},
}

// UserMessage returns the short reply shown to a user for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return genericFailureReply
}
