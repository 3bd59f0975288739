// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mattermost-intercom/pkg/intercom/store"
)

const botID UserID = "bot"

// fakePlatform is an in-memory Platform recording every call.
type fakePlatform struct {
	mu sync.Mutex

	channels []*Channel
	listErr  error

	notices map[ChannelID][]*Notice

	nextHook  int
	createErr error
	hooks     map[string]ChannelID
	sent      map[ChannelID][]*RelayedMessage
	sendErr   map[ChannelID]error
	deleted   []string

	bans      map[CommunityID][]UserID
	banErr    map[CommunityID]error
	banFetches int

	// caps grants capabilities per user. The bot only holds what is listed.
	caps map[UserID]map[Capability]bool
}

var _ Platform = (*fakePlatform)(nil)

func newFakePlatform(channels ...*Channel) *fakePlatform {
	return &fakePlatform{
		channels: channels,
		notices:  make(map[ChannelID][]*Notice),
		hooks:    make(map[string]ChannelID),
		sent:     make(map[ChannelID][]*RelayedMessage),
		sendErr:  make(map[ChannelID]error),
		bans:     make(map[CommunityID][]UserID),
		banErr:   make(map[CommunityID]error),
		caps:     make(map[UserID]map[Capability]bool),
	}
}

func (f *fakePlatform) SelfID() UserID { return botID }

func (f *fakePlatform) ListChannels(_ context.Context) ([]*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*Channel, len(f.channels))
	copy(out, f.channels)
	return out, nil
}

func (f *fakePlatform) setChannels(channels ...*Channel) {
	f.mu.Lock()
	f.channels = channels
	f.mu.Unlock()
}

func (f *fakePlatform) SendNotice(_ context.Context, channel ChannelID, notice *Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[channel] = append(f.notices[channel], notice)
	return nil
}

// texts returns the text of every notice sent to channel. Titled notices
// are reported by their footer.
func (f *fakePlatform) texts(channel ChannelID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notices[channel] {
		if n.Title != "" {
			out = append(out, n.Footer)
		} else {
			out = append(out, n.Text)
		}
	}
	return out
}

func (f *fakePlatform) lastText(channel ChannelID) string {
	texts := f.texts(channel)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakePlatform) CreateEndpoint(_ context.Context, ch *Channel) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextHook++
	url := fmt.Sprintf("https://mm.test/hooks/%d", f.nextHook)
	f.hooks[url] = ch.ID
	return url, nil
}

func (f *fakePlatform) SendViaEndpoint(_ context.Context, url string, msg *RelayedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.hooks[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEndpointGone, url)
	}
	if err := f.sendErr[channel]; err != nil {
		return err
	}
	f.sent[channel] = append(f.sent[channel], msg)
	return nil
}

func (f *fakePlatform) DeleteEndpoint(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hooks, url)
	f.deleted = append(f.deleted, url)
	return nil
}

// revoke deletes every endpoint of channel behind the registry's back.
func (f *fakePlatform) revoke(channel ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, ch := range f.hooks {
		if ch == channel {
			delete(f.hooks, url)
		}
	}
}

func (f *fakePlatform) received(channel ChannelID) []*RelayedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*RelayedMessage, len(f.sent[channel]))
	copy(out, f.sent[channel])
	return out
}

func (f *fakePlatform) hookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hooks)
}

func (f *fakePlatform) FetchBans(_ context.Context, community CommunityID) ([]UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banFetches++
	if err := f.banErr[community]; err != nil {
		return nil, err
	}
	return append([]UserID(nil), f.bans[community]...), nil
}

func (f *fakePlatform) setBans(community CommunityID, users ...UserID) {
	f.mu.Lock()
	f.bans[community] = users
	f.mu.Unlock()
}

func (f *fakePlatform) HasCapability(_ context.Context, actor UserID, _ ChannelID, capability Capability) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps[actor][capability], nil
}

func (f *fakePlatform) grant(user UserID, caps ...Capability) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.caps[user] == nil {
		f.caps[user] = make(map[Capability]bool)
	}
	for _, c := range caps {
		f.caps[user][c] = true
	}
}

func textChannel(id ChannelID, community CommunityID) *Channel {
	return &Channel{
		ID:            id,
		Name:          string(id),
		Kind:          ChannelKindText,
		CommunityID:   community,
		CommunityName: strings.ToUpper(string(community)),
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:", zerolog.Nop())
	require.NoError(t, err)
	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return st
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		InvitePrefixes: []string{"https://discord.gg/", "http://mm.example/signup_user_complete/"},
	}
	require.NoError(t, cfg.PostProcess())
	return cfg
}

type testEngine struct {
	*Engine
	platform *fakePlatform
	store    store.Store
	clock    *clock.Mock
}

// newTestEngine builds an engine on a fresh database with a mock clock and
// a populated directory. The event loop is not started.
func newTestEngine(t *testing.T, channels ...*Channel) *testEngine {
	t.Helper()
	platform := newFakePlatform(channels...)
	platform.grant(botID, CapabilityReadBans)
	st := newTestStore(t)
	mock := clock.NewMock()
	e, err := New(newTestConfig(t), platform, st, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, e.Directory.Refresh(context.Background()))
	t.Cleanup(e.Stop)
	return &testEngine{Engine: e, platform: platform, store: st, clock: mock}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// codeFrom extracts the confirmation code from a link request footer.
func codeFrom(t *testing.T, footer string) string {
	t.Helper()
	var code string
	_, err := fmt.Sscanf(footer, "Type %s to confirm", &code)
	require.NoError(t, err, "footer %q", footer)
	return code
}

var errBoom = errors.New("boom")
