// Copyright 2024-2026 Aiku AI

package intercom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type command struct {
	name        string
	usage       string
	description string
	minArgs     int
	// public commands skip the administrative capability check.
	public  bool
	handler func(c *Commands, ctx context.Context, cmd *commandContext) error
}

type commandContext struct {
	msg     *Message
	channel *Channel
	args    []string
}

var commandList = []*command{
	{
		name:        "link",
		usage:       "link <targetChannelId> [syncBans=true]",
		description: "Request a link between this channel and the target channel",
		minArgs:     1,
		handler:     (*Commands).link,
	},
	{
		name:        "unlink",
		usage:       "unlink <targetChannelId>",
		description: "Remove the link between this channel and the target channel",
		minArgs:     1,
		handler:     (*Commands).unlink,
	},
	{
		name:        "togglelink",
		usage:       "togglelink <targetChannelId>",
		description: "Pause or resume the link between this channel and the target channel",
		minArgs:     1,
		handler:     (*Commands).toggleLink,
	},
	{
		name:        "listlinks",
		usage:       "listlinks",
		description: "List the channels linked to this channel",
		public:      true,
		handler:     (*Commands).listLinks,
	},
	{
		name:        "togglebansync",
		usage:       "togglebansync [on|off]",
		description: "Toggle or set ban sync on every link of this channel",
		handler:     (*Commands).toggleBanSync,
	},
	{
		name:        "togglesilent",
		usage:       "togglesilent <communityId>",
		description: "Refuse or accept link requests from another community",
		minArgs:     1,
		handler:     (*Commands).toggleSilent,
	},
	{
		name:        "listsilenced",
		usage:       "listsilenced",
		description: "List the communities whose link requests are refused",
		handler:     (*Commands).listSilenced,
	},
	{
		name:        "help",
		usage:       "help",
		description: "Show this help",
		public:      true,
		handler:     (*Commands).help,
	},
}

var commandsByName = func() map[string]*command {
	m := make(map[string]*command, len(commandList))
	for _, cmd := range commandList {
		m[cmd.name] = cmd
	}
	return m
}()

// parseCommand splits content into a command name and its arguments. ok is
// false if content does not start with prefix.
func parseCommand(prefix, content string) (name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	rest := content[len(prefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "help", nil, true
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Commands handles the link management commands.
type Commands struct {
	cfg       *Config
	platform  Platform
	directory *Directory
	links     *LinkRegistry
	abuse     *AbuseMitigation
	handshake *Handshaker
	metrics   *Metrics
	log       zerolog.Logger
	list      []*command
}

// CommandsParams holds the collaborators of Commands.
type CommandsParams struct {
	Config    *Config
	Platform  Platform
	Directory *Directory
	Links     *LinkRegistry
	Abuse     *AbuseMitigation
	Handshake *Handshaker
	Metrics   *Metrics
	Log       zerolog.Logger
}

func NewCommands(p CommandsParams) *Commands {
	return &Commands{
		cfg:       p.Config,
		platform:  p.Platform,
		directory: p.Directory,
		links:     p.Links,
		abuse:     p.Abuse,
		handshake: p.Handshake,
		metrics:   p.Metrics,
		log:       p.Log.With().Str("component", "commands").Logger(),
		list:      commandList,
	}
}

// Handle runs the command in msg. It returns false if msg is not a command.
func (c *Commands) Handle(ctx context.Context, msg *Message) bool {
	name, args, ok := parseCommand(c.cfg.CommandPrefix, msg.Content)
	if !ok {
		return false
	}
	if msg.Author.Bot || msg.Author.ID == c.platform.SelfID() {
		return true
	}
	log := c.log.With().
		Str("command", name).
		Str("channel_id", string(msg.ChannelID)).
		Str("user_id", string(msg.Author.ID)).
		Logger()
	ctx = log.WithContext(ctx)

	cmd, ok := commandsByName[name]
	if !ok {
		c.reply(ctx, msg.ChannelID, fmt.Sprintf("Unknown command `%s`, type `%s help` for the list of commands.",
			name, c.cfg.CommandPrefix))
		return true
	}
	c.metrics.countCommand(cmd.name)
	if len(args) < cmd.minArgs {
		c.reply(ctx, msg.ChannelID, fmt.Sprintf("Usage: `%s %s`", c.cfg.CommandPrefix, cmd.usage))
		return true
	}
	if !cmd.public {
		allowed, err := c.platform.HasCapability(ctx, msg.Author.ID, msg.ChannelID, CapabilityManageChannels)
		if err != nil {
			c.fail(ctx, msg.ChannelID, fmt.Errorf("failed to check permissions: %w", err))
			return true
		} else if !allowed {
			c.fail(ctx, msg.ChannelID, ErrInsufficientCapability)
			return true
		}
	}
	cc := &commandContext{msg: msg, channel: c.invokingChannel(ctx, msg), args: args}
	log.Debug().Strs("args", args).Msg("Handling command")
	if err := cmd.handler(c, ctx, cc); err != nil {
		c.fail(ctx, msg.ChannelID, err)
	}
	return true
}

func (c *Commands) invokingChannel(ctx context.Context, msg *Message) *Channel {
	if ch, ok := c.directory.Resolve(msg.ChannelID); ok {
		return ch
	}
	if err := c.directory.Refresh(ctx); err == nil {
		if ch, ok := c.directory.Resolve(msg.ChannelID); ok {
			return ch
		}
	}
	return &Channel{
		ID:            msg.ChannelID,
		CommunityID:   msg.CommunityID,
		CommunityName: msg.CommunityName,
	}
}

func (c *Commands) reply(ctx context.Context, channel ChannelID, text string) {
	if err := c.platform.SendNotice(ctx, channel, &Notice{Text: text}); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send command reply")
	}
}

func (c *Commands) fail(ctx context.Context, channel ChannelID, err error) {
	reply := UserMessage(err)
	if reply == genericFailureReply {
		zerolog.Ctx(ctx).Err(err).Msg("Command failed")
	} else {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Command rejected")
	}
	c.reply(ctx, channel, reply)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (c *Commands) link(ctx context.Context, cmd *commandContext) error {
	syncBans := true
	if len(cmd.args) > 1 {
		raw := strings.TrimPrefix(strings.ToLower(cmd.args[1]), "syncbans=")
		var err error
		if syncBans, err = parseBool(raw); err != nil {
			c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Usage: `%s link <targetChannelId> [syncBans=true]`", c.cfg.CommandPrefix))
			return nil
		}
	}
	_, err := c.handshake.Request(ctx, LinkRequest{
		Requester: cmd.channel,
		Actor:     cmd.msg.Author.ID,
		Target:    ChannelID(cmd.args[0]),
		SyncBans:  syncBans,
	})
	if err != nil && !alreadyReported(err) {
		return err
	}
	return nil
}

func (c *Commands) unlink(ctx context.Context, cmd *commandContext) error {
	if err := c.links.Delete(ctx, cmd.channel.ID, ChannelID(cmd.args[0])); err != nil {
		return err
	}
	c.reply(ctx, cmd.msg.ChannelID, "Successfully unlinked!")
	return nil
}

func (c *Commands) toggleLink(ctx context.Context, cmd *commandContext) error {
	link, err := c.links.ToggleActive(ctx, cmd.channel.ID, ChannelID(cmd.args[0]))
	if err != nil {
		return err
	}
	state := "paused"
	if link.Active {
		state = "active"
	}
	c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Successfully toggled! The link is now %s.", state))
	return nil
}

func (c *Commands) describeChannel(id ChannelID) (name, community string) {
	if ch, ok := c.directory.Resolve(id); ok {
		return ch.Name, ch.CommunityName
	}
	return string(id), ""
}

func (c *Commands) listLinks(ctx context.Context, cmd *commandContext) error {
	links, err := c.links.ListLinksFor(ctx, cmd.channel.ID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return ErrNotLinked
	}
	localName := cmd.channel.Name
	if localName == "" {
		localName = string(cmd.channel.ID)
	}
	lines := make([]string, 0, len(links))
	for _, link := range links {
		peerName, peerCommunity := c.describeChannel(link.Peer)
		if peerCommunity == "" {
			peerCommunity = string(link.PeerCommunity)
		}
		line := fmt.Sprintf("`#%s` ↔ `#%s` (`%s@%s`)", localName, peerName, link.Peer, peerCommunity)
		if !link.Active {
			line += " (paused)"
		}
		lines = append(lines, line)
	}
	c.reply(ctx, cmd.msg.ChannelID, strings.Join(lines, "\n"))
	return nil
}

func (c *Commands) toggleBanSync(ctx context.Context, cmd *commandContext) error {
	canRead, err := c.platform.HasCapability(ctx, c.platform.SelfID(), cmd.channel.ID, CapabilityReadBans)
	if err != nil {
		return fmt.Errorf("failed to check ban list access: %w", err)
	} else if !canRead {
		c.reply(ctx, cmd.msg.ChannelID, "The bridge needs permission to read the ban list to sync bans!")
		return nil
	}
	var enabled bool
	if len(cmd.args) > 0 {
		if enabled, err = parseBool(cmd.args[0]); err != nil {
			c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Usage: `%s togglebansync [on|off]`", c.cfg.CommandPrefix))
			return nil
		}
		n, err := c.links.SetBanSyncFor(ctx, cmd.channel.ID, enabled)
		if err != nil {
			return err
		} else if n == 0 {
			if linked, err := c.links.ListLinksFor(ctx, cmd.channel.ID); err != nil {
				return err
			} else if len(linked) == 0 {
				return ErrNotLinked
			}
		}
	} else if enabled, err = c.links.FlipBanSyncFor(ctx, cmd.channel.ID); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Successfully toggled! Ban sync is now %s.", state))
	return nil
}

func (c *Commands) toggleSilent(ctx context.Context, cmd *commandContext) error {
	community := cmd.channel.CommunityID
	if community == "" {
		return errors.New("invoking channel has no community")
	}
	other := CommunityID(cmd.args[0])
	silenced, err := c.abuse.ToggleSilence(ctx, community, other)
	if err != nil {
		return err
	}
	if silenced {
		c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Successfully silenced `%s`!", other))
	} else {
		c.reply(ctx, cmd.msg.ChannelID, fmt.Sprintf("Successfully unsilenced `%s`!", other))
	}
	return nil
}

func (c *Commands) listSilenced(ctx context.Context, cmd *commandContext) error {
	community := cmd.channel.CommunityID
	if community == "" {
		return errors.New("invoking channel has no community")
	}
	silenced, err := c.abuse.Silenced(ctx, community)
	if err != nil {
		return err
	}
	if len(silenced) == 0 {
		c.reply(ctx, cmd.msg.ChannelID, "No community is silenced.")
		return nil
	}
	lines := make([]string, 0, len(silenced))
	for _, other := range silenced {
		lines = append(lines, fmt.Sprintf("* `%s`", other))
	}
	c.reply(ctx, cmd.msg.ChannelID, "Silenced communities:\n"+strings.Join(lines, "\n"))
	return nil
}

func (c *Commands) help(ctx context.Context, cmd *commandContext) error {
	var buf strings.Builder
	buf.WriteString("Available commands:\n")
	for _, entry := range c.list {
		fmt.Fprintf(&buf, "* `%s %s`: %s\n", c.cfg.CommandPrefix, entry.usage, entry.description)
	}
	c.reply(ctx, cmd.msg.ChannelID, strings.TrimSuffix(buf.String(), "\n"))
	return nil
}
