// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		content  string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{"!intercom link abc", "link", []string{"abc"}, true},
		{"  !intercom   LINK abc  false ", "link", []string{"abc", "false"}, true},
		{"!intercom", "help", nil, true},
		{"!intercomlink", "", nil, false},
		{"hello !intercom link", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand("!intercom", tt.content)
		assert.Equal(t, tt.wantOK, ok, "content %q", tt.content)
		assert.Equal(t, tt.wantName, name, "content %q", tt.content)
		if len(tt.wantArgs) > 0 {
			assert.Equal(t, tt.wantArgs, args, "content %q", tt.content)
		}
	}
}

func newCommandEngine(t *testing.T) *testEngine {
	e := newTestEngine(t,
		textChannel("a", "t1"),
		textChannel("b", "t2"),
		textChannel("c", "t3"),
	)
	e.platform.grant("alice", CapabilityManageChannels)
	return e
}

func run(e *testEngine, channel ChannelID, user UserID, content string) bool {
	return e.Commands.Handle(context.Background(), &Message{
		ID:          "cmd",
		ChannelID:   channel,
		CommunityID: "t1",
		Author:      Author{ID: user},
		Content:     content,
	})
}

func TestCommandsIgnoreNonCommands(t *testing.T) {
	e := newCommandEngine(t)
	assert.False(t, run(e, "a", "alice", "hello there"))

	msg := &Message{ChannelID: "a", Author: Author{ID: "ci", Bot: true}, Content: "!intercom help"}
	assert.True(t, e.Commands.Handle(context.Background(), msg), "bot commands are swallowed")
	assert.Empty(t, e.platform.texts("a"))
}

func TestCommandsUnknownAndUsage(t *testing.T) {
	e := newCommandEngine(t)

	run(e, "a", "alice", "!intercom frobnicate")
	assert.Equal(t, "Unknown command `frobnicate`, type `!intercom help` for the list of commands.", e.platform.lastText("a"))

	run(e, "a", "alice", "!intercom unlink")
	assert.Equal(t, "Usage: `!intercom unlink <targetChannelId>`", e.platform.lastText("a"))

	run(e, "a", "alice", "!intercom link b maybe")
	assert.Equal(t, "Usage: `!intercom link <targetChannelId> [syncBans=true]`", e.platform.lastText("a"))
}

func TestCommandsRequireCapability(t *testing.T) {
	e := newCommandEngine(t)
	for _, cmd := range []string{"link b", "unlink b", "togglelink b", "togglebansync", "togglesilent t2"} {
		run(e, "a", "mallory", "!intercom "+cmd)
		assert.Equal(t, "You don't have permission to do that!", e.platform.lastText("a"), cmd)
	}
	assert.Empty(t, e.platform.texts("b"), "no link request was sent")
}

func TestCommandsHelp(t *testing.T) {
	e := newCommandEngine(t)
	run(e, "a", "mallory", "!intercom")
	help := e.platform.lastText("a")
	for _, cmd := range commandList {
		assert.Contains(t, help, "`!intercom "+cmd.usage+"`")
	}
}

func TestCommandsListLinks(t *testing.T) {
	e := newCommandEngine(t)
	ctx := context.Background()

	run(e, "a", "mallory", "!intercom listlinks")
	assert.Equal(t, "You are not linked!", e.platform.lastText("a"))

	_, err := e.Links.Create(ctx, "a", "b", "t1", "t2", true)
	require.NoError(t, err)
	_, err = e.Links.Create(ctx, "c", "a", "t3", "t1", false)
	require.NoError(t, err)
	_, err = e.Links.ToggleActive(ctx, "a", "c")
	require.NoError(t, err)

	run(e, "a", "mallory", "!intercom listlinks")
	assert.Equal(t, "`#a` ↔ `#b` (`b@T2`)\n`#a` ↔ `#c` (`c@T3`) (paused)", e.platform.lastText("a"))
}

func TestCommandsUnlinkAndToggle(t *testing.T) {
	e := newCommandEngine(t)
	ctx := context.Background()
	_, err := e.Links.Create(ctx, "a", "b", "t1", "t2", true)
	require.NoError(t, err)

	run(e, "a", "alice", "!intercom togglelink b")
	assert.Equal(t, "Successfully toggled! The link is now paused.", e.platform.lastText("a"))
	run(e, "a", "alice", "!intercom togglelink b")
	assert.Equal(t, "Successfully toggled! The link is now active.", e.platform.lastText("a"))

	run(e, "a", "alice", "!intercom togglebansync")
	assert.Equal(t, "Successfully toggled! Ban sync is now disabled.", e.platform.lastText("a"))
	link, err := e.Links.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, link.SyncBans)

	run(e, "a", "alice", "!intercom unlink b")
	assert.Equal(t, "Successfully unlinked!", e.platform.lastText("a"))
	run(e, "a", "alice", "!intercom unlink b")
	assert.Equal(t, "You are not linked!", e.platform.lastText("a"))
	run(e, "a", "alice", "!intercom togglelink b")
	assert.Equal(t, "You are not linked!", e.platform.lastText("a"))
}

func TestCommandsSetBanSync(t *testing.T) {
	e := newCommandEngine(t)
	ctx := context.Background()
	_, err := e.Links.Create(ctx, "a", "b", "t1", "t2", false)
	require.NoError(t, err)
	_, err = e.Links.Create(ctx, "a", "c", "t1", "t3", true)
	require.NoError(t, err)

	run(e, "a", "alice", "!intercom togglebansync on")
	assert.Equal(t, "Successfully toggled! Ban sync is now enabled.", e.platform.lastText("a"))
	for _, peer := range []ChannelID{"b", "c"} {
		link, err := e.Links.Get(ctx, "a", peer)
		require.NoError(t, err)
		assert.True(t, link.SyncBans, "peer %s", peer)
	}

	run(e, "a", "alice", "!intercom togglebansync off")
	assert.Equal(t, "Successfully toggled! Ban sync is now disabled.", e.platform.lastText("a"))
	link, err := e.Links.Get(ctx, "a", "c")
	require.NoError(t, err)
	assert.False(t, link.SyncBans)

	run(e, "a", "alice", "!intercom togglebansync sometimes")
	assert.Equal(t, "Usage: `!intercom togglebansync [on|off]`", e.platform.lastText("a"))

	run(e, "b", "alice", "!intercom unlink a")
	run(e, "c", "alice", "!intercom unlink a")
	run(e, "a", "alice", "!intercom togglebansync on")
	assert.Equal(t, "You are not linked!", e.platform.lastText("a"))
}

func TestCommandsListSilenced(t *testing.T) {
	e := newCommandEngine(t)

	run(e, "b", "alice", "!intercom listsilenced")
	assert.Equal(t, "No community is silenced.", e.platform.lastText("b"))

	run(e, "b", "alice", "!intercom togglesilent t1")
	run(e, "b", "alice", "!intercom togglesilent t3")
	run(e, "b", "alice", "!intercom listsilenced")
	assert.Equal(t, "Silenced communities:\n* `t1`\n* `t3`", e.platform.lastText("b"))

	run(e, "b", "mallory", "!intercom listsilenced")
	assert.Equal(t, "You don't have permission to do that!", e.platform.lastText("b"))
}

func TestCommandsToggleBanSyncNeedsBanAccess(t *testing.T) {
	e := newCommandEngine(t)
	_, err := e.Links.Create(context.Background(), "a", "b", "t1", "t2", false)
	require.NoError(t, err)
	e.platform.mu.Lock()
	delete(e.platform.caps, botID)
	e.platform.mu.Unlock()

	run(e, "a", "alice", "!intercom togglebansync")
	assert.Equal(t, "The bridge needs permission to read the ban list to sync bans!", e.platform.lastText("a"))
	link, err := e.Links.Get(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, link.SyncBans)
}

func TestCommandsToggleSilent(t *testing.T) {
	e := newCommandEngine(t)
	ctx := context.Background()

	run(e, "b", "alice", "!intercom togglesilent t1")
	assert.Equal(t, "Successfully silenced `t1`!", e.platform.lastText("b"))
	silenced, err := e.Abuse.IsSilenced(ctx, "t2", "t1")
	require.NoError(t, err)
	assert.True(t, silenced)

	run(e, "a", "alice", "!intercom link b")
	assert.Equal(t, "You can only link text channels!", e.platform.lastText("a"))

	run(e, "b", "alice", "!intercom togglesilent t1")
	assert.Equal(t, "Successfully unsilenced `t1`!", e.platform.lastText("b"))
}

func TestCommandsLinkErrors(t *testing.T) {
	e := newCommandEngine(t)
	run(e, "a", "alice", "!intercom link a")
	assert.Equal(t, "You can't link to yourself!", e.platform.lastText("a"))
	run(e, "a", "alice", "!intercom link nowhere")
	assert.Equal(t, "Invalid channel ID or this bot cannot see the target channel!", e.platform.lastText("a"))
}

func TestCommandsLinkHandshake(t *testing.T) {
	e := newCommandEngine(t)
	e.platform.grant("bob", CapabilityManageChannels)

	done := make(chan bool, 1)
	go func() {
		done <- run(e, "a", "alice", "!intercom link b syncBans=false")
	}()
	code := awaitLinkRequest(t, e, "b", 1)
	require.True(t, confirm(e, "b", "bob", code))

	select {
	case handled := <-done:
		assert.True(t, handled)
	case <-time.After(5 * time.Second):
		t.Fatal("link command did not return")
	}
	link, err := e.Links.Get(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, link.SyncBans)
	assert.Equal(t, "Successfully linked!", e.platform.lastText("a"))
}

func TestCommandsLinkTimeoutRepliesOnce(t *testing.T) {
	e := newCommandEngine(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(e, "a", "alice", "!intercom link b")
	}()
	awaitLinkRequest(t, e, "b", 1)
	e.clock.Add(30 * time.Second)
	<-done

	texts := e.platform.texts("a")
	timeouts := 0
	for _, text := range texts {
		if strings.Contains(text, "did not confirm") {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts, "replies: %v", texts)
}
