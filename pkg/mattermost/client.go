// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-intercom/pkg/intercom"
)

const (
	profileCacheSize   = 4096
	teamCacheSize      = 256
	selfLeaveCacheSize = 1024
	selfLeaveTTL       = time.Minute
	maxReconnectDelay  = 2 * time.Minute
)

// Client is the relay agent's connection to a Mattermost server. It
// implements intercom.Platform and publishes WebSocket events to an
// intercom.EventSink.
type Client struct {
	client     *model.Client4
	wsClient   *model.WebSocketClient
	httpClient *http.Client
	serverURL  string
	userID     string
	username   string

	users *lru.Cache[string, *model.User]
	teams *lru.Cache[string, *model.Team]

	removals   RemovalLedger
	selfLeaves *expirable.LRU[string, struct{}]

	sink     intercom.EventSink
	ctx      context.Context
	wsLock   sync.Mutex
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ intercom.Platform = (*Client)(nil)

// New creates a client for serverURL authenticated with token. Call Login
// before using it.
func New(serverURL, token string, log zerolog.Logger) *Client {
	serverURL = strings.TrimRight(serverURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	users, _ := lru.New[string, *model.User](profileCacheSize)
	teams, _ := lru.New[string, *model.Team](teamCacheSize)
	return &Client{
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		serverURL:  serverURL,
		users:      users,
		teams:      teams,
		selfLeaves: expirable.NewLRU[string, struct{}](selfLeaveCacheSize, nil, selfLeaveTTL),
		stopChan:   make(chan struct{}),
		log:        log.With().Str("component", "mm_client").Logger(),
	}
}

// RemovalLedger persists team removals. Mattermost does not list removed
// team members, so the client records them from WebSocket events.
type RemovalLedger interface {
	AddRemoval(ctx context.Context, community, user string) error
	DeleteRemoval(ctx context.Context, community, user string) (bool, error)
	ListRemovals(ctx context.Context, community string) ([]string, error)
}

// SetRemovalLedger sets where team removals are recorded. Without one,
// FetchBans only checks access and returns no users.
func (c *Client) SetRemovalLedger(ledger RemovalLedger) {
	c.removals = ledger
}

// Login verifies the token and remembers the relay agent's identity.
func (c *Client) Login(ctx context.Context) error {
	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	c.userID = me.Id
	c.username = me.Username
	c.users.Add(me.Id, me)
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// SelfID returns the Mattermost user ID of the relay agent.
func (c *Client) SelfID() intercom.UserID {
	return intercom.UserID(c.userID)
}

// Listen connects the WebSocket and publishes events into sink until ctx is
// done or Disconnect is called. The server greets every connection with a
// hello event, which is published as intercom.ReadyEvent.
func (c *Client) Listen(ctx context.Context, sink intercom.EventSink) error {
	c.sink = sink
	c.ctx = ctx
	if err := c.connectWebSocket(); err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Disconnect()
		case <-c.stopChan:
		}
	}()
	go c.listenWebSocket()
	return nil
}

func (c *Client) connectWebSocket() error {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.wsLock.Lock()
	c.wsClient = ws
	c.wsLock.Unlock()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) events() chan *model.WebSocketEvent {
	c.wsLock.Lock()
	defer c.wsLock.Unlock()
	if c.wsClient == nil {
		return nil
	}
	return c.wsClient.EventChannel
}

func (c *Client) listenWebSocket() {
	for {
		events := c.events()
		if events == nil {
			return
		}
	loop:
		for {
			select {
			case <-c.stopChan:
				return
			case event, ok := <-events:
				if !ok {
					break loop
				}
				if event == nil {
					continue
				}
				c.handleEvent(event)
			}
		}
		c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries the WebSocket connection with exponential backoff. It
// returns false once the client is stopped.
func (c *Client) reconnect() bool {
	delay := time.Second
	for {
		select {
		case <-c.stopChan:
			return false
		case <-time.After(delay):
		}
		err := c.connectWebSocket()
		if err == nil {
			return true
		}
		c.log.Error().Err(err).Dur("retry_in", delay).Msg("Failed to reconnect WebSocket")
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Disconnect closes the WebSocket connection and stops the event loop.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wsLock.Lock()
	defer c.wsLock.Unlock()
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}

func (c *Client) publish(evt intercom.Event) {
	if c.sink == nil {
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.sink.Publish(ctx, evt); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish event")
	}
}

func (c *Client) getUser(ctx context.Context, userID string) (*model.User, error) {
	if user, ok := c.users.Get(userID); ok {
		return user, nil
	}
	user, _, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	c.users.Add(userID, user)
	return user, nil
}

func (c *Client) getTeam(ctx context.Context, teamID string) (*model.Team, error) {
	if team, ok := c.teams.Get(teamID); ok {
		return team, nil
	}
	team, _, err := c.client.GetTeam(ctx, teamID, "")
	if err != nil {
		return nil, err
	}
	c.teams.Add(teamID, team)
	return team, nil
}

func teamName(team *model.Team) string {
	if team.DisplayName != "" {
		return team.DisplayName
	}
	return team.Name
}

func (c *Client) avatarURL(userID string) string {
	return c.serverURL + "/api/v4/users/" + userID + "/image"
}
