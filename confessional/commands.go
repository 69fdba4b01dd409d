package confessional

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	channelOptionName    = "channel"
	avatarOptionURL      = "url"
	botNameOptionName    = "name"
	statusOptionName     = "status"
	activityOptionType   = "type"
	activityOptionText   = "description"
	avatarDownloadLimit  = 8 << 20
	avatarRequestTimeout = 15 * time.Second
)

const (
	activityTypePlaying   = "playing"
	activityTypeWatching  = "watching"
	activityTypeStreaming = "streaming"
	activityTypeCompeting = "compete"
)

// ownerCommands are the commands restricted to the configured owner IDs.
var ownerCommands = []string{
	DiscordSlashCommandSetChannel,
	DiscordSlashCommandSetLogs,
	DiscordSlashCommandBotAvatar,
	DiscordSlashCommandBotName,
	DiscordSlashCommandBotStatus,
	DiscordSlashCommandBotActivities,
	DiscordSlashCommandDeleteConfession,
}

// isOwner reports whether the given user ID is in the configured
// owner allow-list.
func (c *Confessional) isOwner(userID string) bool {
	return slices.Contains(c.config.Discord.OwnerIDs, userID)
}

func (*Discord) appCommandConfession() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandConfession,
		Description: "Send an anonymous confession.",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        confessionOptionDescription,
				Description: "Your confession",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   confessionMaxLength,
			},
		},
	}
}

func channelCommand(name string, description string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: description,
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        channelOptionName,
				Description: "Channel",
				Required:    true,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
		},
	}
}

func (d *Discord) appCommandSetChannel() *discordgo.ApplicationCommand {
	return channelCommand(
		DiscordSlashCommandSetChannel,
		"Set the confession channel (owner only).",
	)
}

func (d *Discord) appCommandSetLogs() *discordgo.ApplicationCommand {
	return channelCommand(
		DiscordSlashCommandSetLogs,
		"Set the logs channel (owner only).",
	)
}

func (*Discord) appCommandBotAvatar() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBotAvatar,
		Description: "Change the bot's avatar (owner only).",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        avatarOptionURL,
				Description: "Image URL",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandBotName() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBotName,
		Description: "Change the bot's username (owner only).",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        botNameOptionName,
				Description: "New bot name",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandBotStatus() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBotStatus,
		Description: "Change the bot's status (owner only).",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        statusOptionName,
				Description: "Choose a status",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "online", Value: string(discordgo.StatusOnline)},
					{Name: "dnd", Value: string(discordgo.StatusDoNotDisturb)},
					{Name: "idle", Value: string(discordgo.StatusIdle)},
					{Name: "invisible", Value: string(discordgo.StatusInvisible)},
				},
			},
		},
	}
}

func (*Discord) appCommandBotActivities() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandBotActivities,
		Description: "Change the bot's activity (owner only).",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        activityOptionType,
				Description: "Activity type",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Playing", Value: activityTypePlaying},
					{Name: "Watching", Value: activityTypeWatching},
					{Name: "Streaming", Value: activityTypeStreaming},
					{Name: "Competing", Value: activityTypeCompeting},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        activityOptionText,
				Description: "Activity text",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandDeleteConfession() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandDeleteConfession,
		Description: "Delete a confession and its votes (owner only).",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        confessionOptionMessageID,
				Description: "Message ID of the confession",
				Required:    true,
			},
		},
	}
}

func (*Discord) appCommandTopConfession() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTopConfession,
		Description: "Show the confession leaderboard.",
		Type:        discordgo.ChatApplicationCommand,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandConfession(),
		d.appCommandTopConfession(),
		d.appCommandSetChannel(),
		d.appCommandSetLogs(),
		d.appCommandBotAvatar(),
		d.appCommandBotName(),
		d.appCommandBotStatus(),
		d.appCommandBotActivities(),
		d.appCommandDeleteConfession(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// handleSetChannel handles the owner-only setchannel command.
func (c *Confessional) handleSetChannel(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	opts := discordInteractionOptions(i)
	channelOpt, ok := opts[channelOptionName]
	if !ok {
		c.interactionEdit(ctx, handler, "You must choose a text channel.")
		return
	}
	channelID := channelOpt.Value.(string)

	if err := c.settings.SetConfessionChannelID(ctx, channelID); err != nil {
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(
		ctx,
		handler,
		fmt.Sprintf("Confession channel set: <#%s>", channelID),
	)
}

// handleSetLogs handles the owner-only setlogs command.
func (c *Confessional) handleSetLogs(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	opts := discordInteractionOptions(i)
	channelOpt, ok := opts[channelOptionName]
	if !ok {
		c.interactionEdit(ctx, handler, "You must choose a text channel.")
		return
	}
	channelID := channelOpt.Value.(string)

	if err := c.settings.SetLogsChannelID(ctx, channelID); err != nil {
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(
		ctx,
		handler,
		fmt.Sprintf("Logs channel set: <#%s>", channelID),
	)
}

// fetchAvatarDataURI downloads an image and encodes it as the base64
// data URI the discord user update endpoint expects.
func fetchAvatarDataURI(
	ctx context.Context,
	client *http.Client,
	url string,
) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, avatarRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("error creating avatar request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error downloading avatar: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("avatar download returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, avatarDownloadLimit))
	if err != nil {
		return "", fmt.Errorf("error reading avatar: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return fmt.Sprintf(
		"data:%s;base64,%s",
		contentType,
		base64.StdEncoding.EncodeToString(data),
	), nil
}

// handleBotAvatar handles the owner-only bot-avatar command.
func (c *Confessional) handleBotAvatar(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	opts := discordInteractionOptions(i)
	urlOpt, ok := opts[avatarOptionURL]
	if !ok || urlOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "You must provide an image URL.")
		return
	}

	avatar, err := fetchAvatarDataURI(ctx, c.httpClient, urlOpt.StringValue())
	if err != nil {
		logger.ErrorContext(ctx, "error fetching avatar", tint.Err(err))
		c.interactionEdit(ctx, handler, "Couldn't download that image.")
		return
	}

	if _, err = c.discord.session.UserUpdate("", avatar); err != nil {
		logger.ErrorContext(ctx, "error updating avatar", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(ctx, handler, "Bot avatar updated.")
}

// handleBotName handles the owner-only bot-name command.
func (c *Confessional) handleBotName(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	opts := discordInteractionOptions(i)
	nameOpt, ok := opts[botNameOptionName]
	if !ok || nameOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "You must provide a name.")
		return
	}

	if _, err := c.discord.session.UserUpdate(nameOpt.StringValue(), ""); err != nil {
		logger.ErrorContext(ctx, "error updating bot name", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(ctx, handler, "Bot name updated.")
}

// handleBotStatus handles the owner-only bot-status command.
func (c *Confessional) handleBotStatus(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	opts := discordInteractionOptions(i)
	statusOpt, ok := opts[statusOptionName]
	if !ok || statusOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "You must choose a status.")
		return
	}

	err := c.discord.updateStatusComplex(
		discordgo.UpdateStatusData{Status: statusOpt.StringValue()},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error updating status", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(ctx, handler, "Status updated.")
}

// activityForType maps an activity type choice to a discordgo activity.
// Streaming activities get the configured streaming URL attached, which
// discord requires for the streaming presence to display.
func activityForType(activityType string, text string, streamingURL string) *discordgo.Activity {
	activity := &discordgo.Activity{
		Type: discordgo.ActivityTypeGame,
		Name: text,
	}
	switch activityType {
	case activityTypeWatching:
		activity.Type = discordgo.ActivityTypeWatching
	case activityTypeStreaming:
		activity.Type = discordgo.ActivityTypeStreaming
		activity.URL = streamingURL
	case activityTypeCompeting:
		activity.Type = discordgo.ActivityTypeCompeting
	}
	return activity
}

// handleBotActivities handles the owner-only bot-activities command.
func (c *Confessional) handleBotActivities(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	opts := discordInteractionOptions(i)
	typeOpt, typeOK := opts[activityOptionType]
	textOpt, textOK := opts[activityOptionText]
	if !typeOK || !textOK || textOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "You must choose a type and text.")
		return
	}

	activity := activityForType(
		typeOpt.StringValue(),
		textOpt.StringValue(),
		c.config.Discord.StreamingURL,
	)
	err := c.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			Activities: []*discordgo.Activity{activity},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error updating activity", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}
	c.interactionEdit(ctx, handler, "Activity updated.")
}
