// Copyright 2024-2026 Aiku AI

package intercom

import "strings"

// ChannelID identifies a channel on the platform.
type ChannelID string

// CommunityID identifies a community (a Mattermost team).
type CommunityID string

// UserID identifies a platform user.
type UserID string

// ChannelKind tells linkable channels apart from everything else.
type ChannelKind int

const (
	ChannelKindOther ChannelKind = iota
	ChannelKindText
)

func (k ChannelKind) String() string {
	if k == ChannelKindText {
		return "text"
	}
	return "other"
}

// Channel is a live handle for a channel the relay agent can see.
type Channel struct {
	ID            ChannelID
	Name          string
	Kind          ChannelKind
	CommunityID   CommunityID
	CommunityName string
}

// Capability is a platform permission the engine needs to check.
type Capability int

const (
	// CapabilityManageChannels is the administrative capability required to
	// run link management commands and to confirm a link request.
	CapabilityManageChannels Capability = iota
	// CapabilityReadBans is required to read a community's ban list.
	CapabilityReadBans
)

func (c Capability) String() string {
	switch c {
	case CapabilityManageChannels:
		return "manage_channels"
	case CapabilityReadBans:
		return "read_bans"
	default:
		return "unknown"
	}
}

// Author describes who posted a message.
type Author struct {
	ID          UserID
	DisplayName string
	AvatarURL   string
	Bot         bool
}

// Attachment is a file attached to a message.
type Attachment struct {
	Name string
	URL  string
}

// Embed is a rich content block attached to a message.
type Embed struct {
	Title       string
	TitleLink   string
	Description string
	Color       string
	ImageURL    string
	ThumbURL    string
	Footer      string
}

// Message is an inbound message observed on a channel.
type Message struct {
	ID            string
	ChannelID     ChannelID
	CommunityID   CommunityID
	CommunityName string
	Author        Author
	Content       string
	Attachments   []Attachment
	Embeds        []Embed
	// FromWebhook is set when the platform delivered the message through a
	// webhook (including our own relay endpoints).
	FromWebhook bool
}

// Relayable reports whether the message carries anything that can be relayed.
func (m *Message) Relayable() bool {
	return strings.TrimSpace(m.Content) != "" || len(m.Attachments) > 0 || len(m.Embeds) > 0
}

// Notice is a message the relay agent posts in its own name.
type Notice struct {
	Text        string
	Title       string
	Description string
	Footer      string
	Color       string
}

// RelayedMessage is what a relay endpoint posts into a target channel.
type RelayedMessage struct {
	Username    string
	AvatarURL   string
	Content     string
	Attachments []Attachment
	Embeds      []Embed
}

// Link is a stored link between two channels, reported from the point of
// view of Local.
type Link struct {
	ID             uint64
	Local          ChannelID
	LocalCommunity CommunityID
	Peer           ChannelID
	PeerCommunity  CommunityID
	Active         bool
	SyncBans       bool
}
