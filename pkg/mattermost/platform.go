// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-intercom/pkg/intercom"
)

const (
	roleChannelAdmin = "channel_admin"
	roleTeamAdmin    = "team_admin"
	roleSystemAdmin  = "system_admin"

	webhookDisplayName = "Intercom_"
)

func isForbidden(resp *model.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusForbidden
}

func hasRole(roles, role string) bool {
	for _, r := range strings.Fields(roles) {
		if r == role {
			return true
		}
	}
	return false
}

func channelKind(t model.ChannelType) intercom.ChannelKind {
	switch t {
	case model.ChannelTypeOpen, model.ChannelTypePrivate:
		return intercom.ChannelKindText
	default:
		return intercom.ChannelKindOther
	}
}

func channelName(ch *model.Channel) string {
	if ch.DisplayName != "" {
		return ch.DisplayName
	}
	return ch.Name
}

// ListChannels returns the team channels of every team the relay agent is a
// member of.
func (c *Client) ListChannels(ctx context.Context) ([]*intercom.Channel, error) {
	teams, _, err := c.client.GetTeamsForUser(ctx, c.userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get teams: %w", err)
	}
	var out []*intercom.Channel
	for _, team := range teams {
		c.teams.Add(team.Id, team)
		channels, _, err := c.client.GetChannelsForTeamForUser(ctx, team.Id, c.userID, false, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get channels of team %s: %w", team.Id, err)
		}
		for _, ch := range channels {
			if ch.DeleteAt != 0 {
				continue
			}
			out = append(out, &intercom.Channel{
				ID:            intercom.ChannelID(ch.Id),
				Name:          channelName(ch),
				Kind:          channelKind(ch.Type),
				CommunityID:   intercom.CommunityID(team.Id),
				CommunityName: teamName(team),
			})
		}
	}
	return out, nil
}

// SendNotice posts a message as the relay agent. Notices with a title are
// sent as a message attachment.
func (c *Client) SendNotice(ctx context.Context, channel intercom.ChannelID, notice *intercom.Notice) error {
	post := &model.Post{
		ChannelId: string(channel),
		Message:   notice.Text,
	}
	if notice.Title != "" || notice.Description != "" || notice.Footer != "" {
		model.ParseSlackAttachment(post, []*model.SlackAttachment{{
			Title:  notice.Title,
			Text:   notice.Description,
			Footer: notice.Footer,
			Color:  notice.Color,
		}})
	}
	if _, _, err := c.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// CreateEndpoint creates an incoming webhook posting into ch and returns its
// URL.
func (c *Client) CreateEndpoint(ctx context.Context, ch *intercom.Channel) (string, error) {
	hook, _, err := c.client.CreateIncomingWebhook(ctx, &model.IncomingWebhook{
		ChannelId:     string(ch.ID),
		TeamId:        string(ch.CommunityID),
		DisplayName:   webhookDisplayName + ch.Name,
		Description:   "Relays messages from linked channels",
		ChannelLocked: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create incoming webhook: %w", err)
	}
	c.log.Debug().Str("channel_id", string(ch.ID)).Str("hook_id", hook.Id).Msg("Created incoming webhook")
	return c.serverURL + "/hooks/" + hook.Id, nil
}

// toWebhookRequest converts a relayed message into an incoming webhook
// payload. Files are appended as links, embeds become message attachments.
func toWebhookRequest(msg *intercom.RelayedMessage) *model.IncomingWebhookRequest {
	text := msg.Content
	for _, att := range msg.Attachments {
		name := att.Name
		if name == "" {
			name = path.Base(att.URL)
		}
		link := fmt.Sprintf("[%s](%s)", name, att.URL)
		if text == "" {
			text = link
		} else {
			text += "\n" + link
		}
	}
	req := &model.IncomingWebhookRequest{
		Text:     text,
		Username: msg.Username,
		IconURL:  msg.AvatarURL,
	}
	for _, embed := range msg.Embeds {
		req.Attachments = append(req.Attachments, &model.SlackAttachment{
			Title:     embed.Title,
			TitleLink: embed.TitleLink,
			Text:      embed.Description,
			Color:     embed.Color,
			ImageURL:  embed.ImageURL,
			ThumbURL:  embed.ThumbURL,
			Footer:    embed.Footer,
		})
	}
	return req
}

// SendViaEndpoint posts msg through the incoming webhook at url.
func (c *Client) SendViaEndpoint(ctx context.Context, url string, msg *intercom.RelayedMessage) error {
	body, err := json.Marshal(toWebhookRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone ||
		bytes.Contains(respBody, []byte("incoming_webhook.invalid")) {
		return fmt.Errorf("%w: status %d", intercom.ErrEndpointGone, resp.StatusCode)
	}
	return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// DeleteEndpoint deletes the incoming webhook at url.
func (c *Client) DeleteEndpoint(ctx context.Context, url string) error {
	hookID := path.Base(url)
	resp, err := c.client.DeleteIncomingWebhook(ctx, hookID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete incoming webhook: %w", err)
	}
	return nil
}

// FetchBans returns the users removed from a team. Mattermost has no bans;
// removal from the team is what keeps a user out of it. The server only lists
// active members, so removals come from the ledger the client fills from
// WebSocket events. Listing members checks the relay agent may see the team.
func (c *Client) FetchBans(ctx context.Context, community intercom.CommunityID) ([]intercom.UserID, error) {
	_, resp, err := c.client.GetTeamMembers(ctx, string(community), 0, 1, "")
	if isForbidden(resp) {
		return nil, fmt.Errorf("%w: %w", intercom.ErrBanFetchForbidden, err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get team members: %w", err)
	}
	if c.removals == nil {
		return nil, nil
	}
	removed, err := c.removals.ListRemovals(ctx, string(community))
	if err != nil {
		return nil, fmt.Errorf("failed to list team removals: %w", err)
	}
	banned := make([]intercom.UserID, 0, len(removed))
	for _, user := range removed {
		banned = append(banned, intercom.UserID(user))
	}
	return banned, nil
}

// HasCapability checks the Mattermost roles of actor. Managing links needs
// channel, team or system admin; reading ban lists needs team or system admin.
func (c *Client) HasCapability(ctx context.Context, actor intercom.UserID, channel intercom.ChannelID, capability intercom.Capability) (bool, error) {
	user, err := c.getUser(ctx, string(actor))
	if err != nil {
		return false, fmt.Errorf("failed to get user: %w", err)
	}
	if hasRole(user.Roles, roleSystemAdmin) {
		return true, nil
	}
	ch, _, err := c.client.GetChannel(ctx, string(channel), "")
	if err != nil {
		return false, fmt.Errorf("failed to get channel: %w", err)
	}
	if ch.TeamId != "" {
		member, resp, err := c.client.GetTeamMember(ctx, ch.TeamId, string(actor), "")
		if err != nil && (resp == nil || resp.StatusCode != http.StatusNotFound) {
			return false, fmt.Errorf("failed to get team member: %w", err)
		}
		if member != nil && member.DeleteAt == 0 && hasRole(member.Roles, roleTeamAdmin) {
			return true, nil
		}
	}
	if capability != intercom.CapabilityManageChannels {
		return false, nil
	}
	member, resp, err := c.client.GetChannelMember(ctx, string(channel), string(actor), "")
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get channel member: %w", err)
	}
	return hasRole(member.Roles, roleChannelAdmin), nil
}
