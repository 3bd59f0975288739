// Copyright 2024-2026 Aiku AI

package store

// Link is a row of the links table. ChannelA always sorts before ChannelB so
// the unique index covers the unordered pair.
type Link struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	ChannelA   string `gorm:"not null;size:64;uniqueIndex:idx_links_pair,priority:1;index:idx_links_channel_a"`
	ChannelB   string `gorm:"not null;size:64;uniqueIndex:idx_links_pair,priority:2;index:idx_links_channel_b"`
	CommunityA string `gorm:"not null;size:64;index:idx_links_community_a"`
	CommunityB string `gorm:"not null;size:64;index:idx_links_community_b"`
	Active     bool   `gorm:"not null"`
	SyncBans   bool   `gorm:"not null"`
}

func (l *Link) TableName() string {
	return "links"
}

// Other returns the channel and community on the other side of channel.
func (l *Link) Other(channel string) (peer, peerCommunity string) {
	if l.ChannelA == channel {
		return l.ChannelB, l.CommunityB
	}
	return l.ChannelA, l.CommunityA
}

// Webhook maps a channel to the relay endpoint posting into it.
type Webhook struct {
	ChannelID   string `gorm:"primaryKey;size:64"`
	URL         string `gorm:"not null"`
	CommunityID string `gorm:"not null;size:64;index:idx_webhooks_community"`
}

func (w *Webhook) TableName() string {
	return "webhooks"
}

// Silence records that Community refuses link requests coming from
// SilencedCommunity.
type Silence struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`
	Community         string `gorm:"not null;size:64;uniqueIndex:idx_silences_pair,priority:1"`
	SilencedCommunity string `gorm:"not null;size:64;uniqueIndex:idx_silences_pair,priority:2"`
}

func (s *Silence) TableName() string {
	return "silences"
}

// FailureCounter counts timed out link requests from RequesterCommunity
// towards TargetCommunity.
type FailureCounter struct {
	RequesterCommunity string `gorm:"primaryKey;size:64"`
	TargetCommunity    string `gorm:"primaryKey;size:64"`
	Failures           int    `gorm:"not null"`
}

func (f *FailureCounter) TableName() string {
	return "failure_counters"
}

// Removal records that UserID was removed from CommunityID and has not
// rejoined since.
type Removal struct {
	CommunityID string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"primaryKey;size:64"`
}

func (r *Removal) TableName() string {
	return "removals"
}

// CanonicalPair orders two channel IDs the way they are stored.
func CanonicalPair(a, b string) (lo, hi string) {
	if b < a {
		return b, a
	}
	return a, b
}
