// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-intercom/pkg/intercom"
)

// handleEvent translates a Mattermost WebSocket event into an intercom event.
func (c *Client) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventHello:
		c.publish(&intercom.ReadyEvent{})
	case model.WebsocketEventPosted:
		c.handlePosted(evt)
	case model.WebsocketEventChannelCreated:
		c.handleChannelCreated(evt)
	case model.WebsocketEventChannelDeleted:
		c.handleChannelDeleted(evt)
	case model.WebsocketEventAddedToTeam:
		c.handleAddedToTeam(evt)
	case model.WebsocketEventLeaveTeam:
		c.handleLeaveTeam(evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func eventString(evt *model.WebSocketEvent, key string) string {
	s, _ := evt.GetData()[key].(string)
	return s
}

// eventTeamID returns the team of an event from its data, falling back to
// the broadcast.
func eventTeamID(evt *model.WebSocketEvent) string {
	if teamID := eventString(evt, "team_id"); teamID != "" {
		return teamID
	}
	if b := evt.GetBroadcast(); b != nil {
		return b.TeamId
	}
	return ""
}

func (c *Client) eventContext() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// parsePostedEvent extracts a post from a WebSocket event. Returns (nil, nil)
// for posts that are never relayed, (nil, err) for malformed events.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	// Own posts are notices or relayed messages posted through our webhooks.
	if post.UserId == c.userID {
		return nil, nil
	}
	if post.Type == model.PostTypeLeaveTeam {
		c.handleSelfLeave(eventTeamID(evt), post.UserId)
		return nil, nil
	}
	// System messages (joins, header changes) have a non-default type.
	if post.Type != "" && post.Type != model.PostTypeDefault && post.Type != model.PostTypeSlackAttachment {
		return nil, nil
	}
	return &post, nil
}

func isFromWebhook(post *model.Post) bool {
	v, _ := post.GetProp(model.PostPropsFromWebhook).(string)
	return v == "true"
}

func isFromBot(post *model.Post) bool {
	v, _ := post.GetProp(model.PostPropsFromBot).(string)
	return v == "true"
}

func (c *Client) handlePosted(evt *model.WebSocketEvent) {
	post, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	} else if post == nil {
		return
	}
	msg := c.convertPost(c.eventContext(), post, eventTeamID(evt))
	c.log.Trace().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received post")
	c.publish(&intercom.MessageEvent{Message: msg})
}

// convertPost builds an intercom message from a post. Lookup failures
// degrade the author and community names instead of dropping the message.
func (c *Client) convertPost(ctx context.Context, post *model.Post, teamID string) *intercom.Message {
	msg := &intercom.Message{
		ID:          post.Id,
		ChannelID:   intercom.ChannelID(post.ChannelId),
		CommunityID: intercom.CommunityID(teamID),
		Content:     post.Message,
		FromWebhook: isFromWebhook(post),
		Author: intercom.Author{
			ID:        intercom.UserID(post.UserId),
			AvatarURL: c.avatarURL(post.UserId),
			Bot:       isFromBot(post),
		},
	}
	if user, err := c.getUser(ctx, post.UserId); err != nil {
		c.log.Debug().Err(err).Str("user_id", post.UserId).Msg("Failed to get post author")
		msg.Author.DisplayName = post.UserId
	} else {
		msg.Author.DisplayName = user.GetDisplayName(model.ShowNicknameFullName)
		msg.Author.Bot = msg.Author.Bot || user.IsBot
	}
	if override, _ := post.GetProp(model.PostPropsOverrideUsername).(string); override != "" && msg.FromWebhook {
		msg.Author.DisplayName = override
	}
	if teamID != "" {
		if team, err := c.getTeam(ctx, teamID); err == nil {
			msg.CommunityName = teamName(team)
		}
	}
	msg.Attachments = c.fileAttachments(ctx, post)
	for _, att := range post.Attachments() {
		msg.Embeds = append(msg.Embeds, intercom.Embed{
			Title:       att.Title,
			TitleLink:   att.TitleLink,
			Description: att.Text,
			Color:       att.Color,
			ImageURL:    att.ImageURL,
			ThumbURL:    att.ThumbURL,
			Footer:      att.Footer,
		})
	}
	return msg
}

// fileAttachments resolves the files of a post to links. Public links are
// preferred; without them the authenticated API URL is used.
func (c *Client) fileAttachments(ctx context.Context, post *model.Post) []intercom.Attachment {
	var infos []*model.FileInfo
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		infos = post.Metadata.Files
	} else {
		for _, fileID := range post.FileIds {
			info, _, err := c.client.GetFileInfo(ctx, fileID)
			if err != nil {
				c.log.Debug().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
				info = &model.FileInfo{Id: fileID}
			}
			infos = append(infos, info)
		}
	}
	attachments := make([]intercom.Attachment, 0, len(infos))
	for _, info := range infos {
		link, _, err := c.client.GetFileLink(ctx, info.Id)
		if err != nil || link == "" {
			link = c.serverURL + "/api/v4/files/" + info.Id
		}
		name := info.Name
		if name == "" {
			name = info.Id
		}
		attachments = append(attachments, intercom.Attachment{Name: name, URL: link})
	}
	return attachments
}

func (c *Client) handleChannelCreated(evt *model.WebSocketEvent) {
	channelID := eventString(evt, "channel_id")
	if channelID == "" {
		return
	}
	c.publish(&intercom.ChannelCreatedEvent{
		ChannelID:   intercom.ChannelID(channelID),
		CommunityID: intercom.CommunityID(eventTeamID(evt)),
	})
}

func (c *Client) handleChannelDeleted(evt *model.WebSocketEvent) {
	channelID := eventString(evt, "channel_id")
	if b := evt.GetBroadcast(); channelID == "" && b != nil {
		channelID = b.ChannelId
	}
	if channelID == "" {
		return
	}
	c.publish(&intercom.ChannelDeletedEvent{ChannelID: intercom.ChannelID(channelID)})
}

// handleAddedToTeam reports the relay agent joining a team, or a user
// coming back to one.
func (c *Client) handleAddedToTeam(evt *model.WebSocketEvent) {
	teamID := eventTeamID(evt)
	userID := eventString(evt, "user_id")
	if teamID == "" {
		return
	}
	if userID == "" || userID == c.userID {
		c.teams.Remove(teamID)
		c.publish(&intercom.CommunityJoinedEvent{CommunityID: intercom.CommunityID(teamID)})
		return
	}
	if c.removals != nil {
		if _, err := c.removals.DeleteRemoval(c.eventContext(), teamID, userID); err != nil {
			c.log.Warn().Err(err).Str("team_id", teamID).Str("user_id", userID).Msg("Failed to clear team removal")
		}
	}
	c.publish(&intercom.MemberUnbannedEvent{
		CommunityID: intercom.CommunityID(teamID),
		UserID:      intercom.UserID(userID),
	})
}

// handleLeaveTeam reports the relay agent leaving a team, or a user being
// removed from one. Users who left by themselves are not removals.
func (c *Client) handleLeaveTeam(evt *model.WebSocketEvent) {
	teamID := eventTeamID(evt)
	userID := eventString(evt, "user_id")
	if teamID == "" {
		return
	}
	if userID == "" || userID == c.userID {
		c.teams.Remove(teamID)
		c.publish(&intercom.CommunityRemovedEvent{CommunityID: intercom.CommunityID(teamID)})
		return
	}
	if c.selfLeaves.Remove(teamID + ":" + userID) {
		c.log.Debug().Str("team_id", teamID).Str("user_id", userID).Msg("User left team by themselves")
		return
	}
	if c.removals != nil {
		if err := c.removals.AddRemoval(c.eventContext(), teamID, userID); err != nil {
			c.log.Warn().Err(err).Str("team_id", teamID).Str("user_id", userID).Msg("Failed to record team removal")
		}
	}
	c.publish(&intercom.MemberBannedEvent{
		CommunityID: intercom.CommunityID(teamID),
		UserID:      intercom.UserID(userID),
	})
}

// handleSelfLeave handles the leave message Mattermost posts when a user
// leaves a team by themselves. The message and the leave_team event can
// arrive in either order.
func (c *Client) handleSelfLeave(teamID, userID string) {
	if teamID == "" || userID == "" || userID == c.userID {
		return
	}
	if c.removals != nil {
		removed, err := c.removals.DeleteRemoval(c.eventContext(), teamID, userID)
		if err != nil {
			c.log.Warn().Err(err).Str("team_id", teamID).Str("user_id", userID).Msg("Failed to clear team removal")
		} else if removed {
			c.publish(&intercom.MemberUnbannedEvent{
				CommunityID: intercom.CommunityID(teamID),
				UserID:      intercom.UserID(userID),
			})
			return
		}
	}
	c.selfLeaves.Add(teamID+":"+userID, struct{}{})
}
