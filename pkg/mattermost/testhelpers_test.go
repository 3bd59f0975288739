// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom"
)

const testUserID = "my-user-id"

// recordingSink captures published events for test assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []intercom.Event
}

func (s *recordingSink) Publish(_ context.Context, evt intercom.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) Events() []intercom.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]intercom.Event, len(s.events))
	copy(cp, s.events)
	return cp
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// TeamsByID maps team ID to model.Team.
	TeamsByID map[string]*model.Team
	// ChannelsForTeamUser maps "teamID:userID" to channel list.
	ChannelsForTeamUser map[string][]*model.Channel
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// TeamMembers maps team ID to its member list. Removed members are only
	// served by the single member route, as on a real server.
	TeamMembers map[string][]*model.TeamMember
	// ChannelMembers maps "channelID:userID" to a channel member.
	ChannelMembers map[string]*model.ChannelMember
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FileLinks maps file ID to its public link.
	FileLinks map[string]string
	// GoneHooks lists incoming webhook IDs that answer 404.
	GoneHooks map[string]bool
	// ForbiddenEndpoints causes path prefixes to return 403.
	ForbiddenEndpoints map[string]bool
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	hooks    map[string]*model.IncomingWebhook
	nextHook int
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:               make(map[string]*model.User),
		TokenToUser:         make(map[string]string),
		Teams:               make(map[string][]*model.Team),
		TeamsByID:           make(map[string]*model.Team),
		ChannelsForTeamUser: make(map[string][]*model.Channel),
		Channels:            make(map[string]*model.Channel),
		TeamMembers:         make(map[string][]*model.TeamMember),
		ChannelMembers:      make(map[string]*model.ChannelMember),
		Files:               make(map[string]*model.FileInfo),
		FileLinks:           make(map[string]string),
		GoneHooks:           make(map[string]bool),
		ForbiddenEndpoints:  make(map[string]bool),
		FailEndpoints:       make(map[string]bool),
		hooks:               make(map[string]*model.IncomingWebhook),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// LastCall returns the most recent call matching method and path prefix.
func (f *fakeMM) LastCall(method, prefix string) (endpointCall, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method && strings.HasPrefix(calls[i].Path, prefix) {
			return calls[i], true
		}
	}
	return endpointCall{}, false
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) Hooks() map[string]*model.IncomingWebhook {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]*model.IncomingWebhook, len(f.hooks))
	for id, hook := range f.hooks {
		cp[id] = hook
	}
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "fake.error", "message": msg, "status_code": status})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.ForbiddenEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			writeError(w, http.StatusInternalServerError, "fake error")
			return
		}
	}

	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	// POST /hooks/{hook_id}
	case r.Method == "POST" && len(parts) == 2 && parts[0] == "hooks":
		if f.GoneHooks[parts[1]] {
			writeError(w, http.StatusNotFound, "Invalid webhook")
			return
		}
		_, _ = w.Write([]byte("ok"))

	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}/teams/{team_id}/channels
	case r.Method == "GET" && len(parts) == 7 && parts[2] == "users" && parts[4] == "teams" && parts[6] == "channels":
		if chs, ok := f.ChannelsForTeamUser[parts[5]+":"+parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(chs)
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && len(parts) == 5 && parts[2] == "users" && parts[4] == "teams":
		if teams, ok := f.Teams[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(teams)
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && len(parts) == 4 && parts[2] == "users":
		if u, ok := f.Users[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeError(w, http.StatusNotFound, "user not found")

	// GET /api/v4/teams/{team_id}/members
	case r.Method == "GET" && len(parts) == 5 && parts[2] == "teams" && parts[4] == "members":
		var members []*model.TeamMember
		for _, m := range f.TeamMembers[parts[3]] {
			if m.DeleteAt == 0 {
				members = append(members, m)
			}
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		if perPage <= 0 {
			perPage = 60
		}
		start := min(page*perPage, len(members))
		end := min(start+perPage, len(members))
		_ = json.NewEncoder(w).Encode(members[start:end])

	// GET /api/v4/teams/{team_id}/members/{user_id}
	case r.Method == "GET" && len(parts) == 6 && parts[2] == "teams" && parts[4] == "members":
		for _, m := range f.TeamMembers[parts[3]] {
			if m.UserId == parts[5] {
				_ = json.NewEncoder(w).Encode(m)
				return
			}
		}
		writeError(w, http.StatusNotFound, "member not found")

	// GET /api/v4/teams/{team_id}
	case r.Method == "GET" && len(parts) == 4 && parts[2] == "teams":
		if team, ok := f.TeamsByID[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(team)
			return
		}
		writeError(w, http.StatusNotFound, "team not found")

	// GET /api/v4/channels/{channel_id}/members/{user_id}
	case r.Method == "GET" && len(parts) == 6 && parts[2] == "channels" && parts[4] == "members":
		if m, ok := f.ChannelMembers[parts[3]+":"+parts[5]]; ok {
			_ = json.NewEncoder(w).Encode(m)
			return
		}
		writeError(w, http.StatusNotFound, "member not found")

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && len(parts) == 4 && parts[2] == "channels":
		if ch, ok := f.Channels[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		writeError(w, http.StatusNotFound, "channel not found")

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		_ = json.NewEncoder(w).Encode(&post)

	// POST /api/v4/hooks/incoming
	case r.Method == "POST" && path == "/api/v4/hooks/incoming":
		var hook model.IncomingWebhook
		_ = json.Unmarshal(body, &hook)
		f.mu.Lock()
		f.nextHook++
		hook.Id = "hook" + strconv.Itoa(f.nextHook)
		f.hooks[hook.Id] = &hook
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&hook)

	// DELETE /api/v4/hooks/incoming/{hook_id}
	case r.Method == "DELETE" && len(parts) == 5 && parts[2] == "hooks" && parts[3] == "incoming":
		f.mu.Lock()
		_, ok := f.hooks[parts[4]]
		delete(f.hooks, parts[4])
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "hook not found")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && len(parts) == 5 && parts[2] == "files" && parts[4] == "info":
		if fi, ok := f.Files[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(fi)
			return
		}
		writeError(w, http.StatusNotFound, "file not found")

	// GET /api/v4/files/{file_id}/link
	case r.Method == "GET" && len(parts) == 5 && parts[2] == "files" && parts[4] == "link":
		if link, ok := f.FileLinks[parts[3]]; ok {
			_ = json.NewEncoder(w).Encode(map[string]string{"link": link})
			return
		}
		writeError(w, http.StatusNotImplemented, "public links disabled")

	default:
		writeError(w, http.StatusNotFound, "not found: "+path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, teamID, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, teamID, channelID, "", nil, "")
	return evt.SetData(data)
}

// newTestClient creates a logged in Client talking to serverURL, publishing
// into a recording sink.
func newTestClient(serverURL string) (*Client, *recordingSink) {
	c := New(serverURL, "test-token", zerolog.Nop())
	c.userID = testUserID
	c.username = "intercom"
	sink := &recordingSink{}
	c.sink = sink
	c.ctx = context.Background()
	return c, sink
}

// memLedger is an in-memory RemovalLedger.
type memLedger struct {
	mu      sync.Mutex
	removed map[string]map[string]bool
}

func newMemLedger() *memLedger {
	return &memLedger{removed: make(map[string]map[string]bool)}
}

func (l *memLedger) AddRemoval(_ context.Context, community, user string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed[community] == nil {
		l.removed[community] = make(map[string]bool)
	}
	l.removed[community][user] = true
	return nil
}

func (l *memLedger) DeleteRemoval(_ context.Context, community, user string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.removed[community][user] {
		return false, nil
	}
	delete(l.removed[community], user)
	return true, nil
}

func (l *memLedger) ListRemovals(_ context.Context, community string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make([]string, 0, len(l.removed[community]))
	for user := range l.removed[community] {
		users = append(users, user)
	}
	slices.Sort(users)
	return users, nil
}

func postJSON(post *model.Post) string {
	data, _ := json.Marshal(post)
	return string(data)
}
