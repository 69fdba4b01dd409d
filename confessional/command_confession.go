package confessional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	confessionOptionDescription = "description"
	confessionOptionMessageID   = "message_id"

	confessionEmbedTitle  = "Anonymous confession"
	confessionEmbedFooter = "This confession is anonymous."
	confessionLogTitle    = "CONFESSION LOG"

	confessionMaxLength = 2000
)

// Confession is a DB model mapping a posted confession message back to
// its author. Author identity lives only here and in the logs channel,
// never in the public channel.
type Confession struct {
	ModelUintID
	ModelUnixTime

	MessageID string `json:"message_id" gorm:"uniqueIndex"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id" gorm:"index"`
	Content   string `json:"content"`
}

func (c Confession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", c.MessageID),
		slog.String("channel_id", c.ChannelID),
		slog.String("author_id", c.AuthorID),
		slog.String("content", truncate(c.Content, 100)),
	)
}

// confessionEmbed builds the public, anonymous embed posted to the
// confession channel.
func confessionEmbed(content string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       confessionEmbedTitle,
		Description: content,
		Footer:      &discordgo.MessageEmbedFooter{Text: confessionEmbedFooter},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// confessionLogEmbed builds the audit embed sent to the logs channel,
// identifying the author.
func confessionLogEmbed(user *discordgo.User, content string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: confessionLogTitle,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Author", Value: user.String()},
			{Name: "ID", Value: user.ID},
			{Name: "Content", Value: truncate(content, discordMaxMessageLength)},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// handleConfession handles the confession command: it posts the
// submitted text anonymously to the configured channel with the star
// vote buttons attached, records the author mapping, and mirrors the
// submission to the logs channel if one is configured.
func (c *Confessional) handleConfession(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "no user found on interaction")
		return
	}

	opts := discordInteractionOptions(i)
	contentOpt, ok := opts[confessionOptionDescription]
	if !ok || contentOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "Your confession can't be empty.")
		return
	}
	content := truncate(contentOpt.StringValue(), confessionMaxLength)

	channelID := c.settings.ConfessionChannelID()
	if channelID == "" {
		c.interactionEdit(ctx, handler, "No confession channel has been set.")
		return
	}

	msg, err := c.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{confessionEmbed(content)},
			Components: voteButtons(),
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error posting confession",
			"channel_id", channelID,
			tint.Err(err),
		)
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	confession := Confession{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		AuthorID:  user.ID,
		Content:   content,
	}
	if _, createErr := c.writeDB.Create(ctx, &confession); createErr != nil {
		logger.ErrorContext(
			ctx,
			"error saving confession",
			"confession", confession,
			tint.Err(createErr),
		)
	}

	c.interactionEdit(ctx, handler, "Your confession has been sent.")

	logsChannelID := c.settings.LogsChannelID()
	if logsChannelID != "" {
		_, logErr := c.discord.session.ChannelMessageSendComplex(
			logsChannelID,
			&discordgo.MessageSend{
				Embeds: []*discordgo.MessageEmbed{
					confessionLogEmbed(user, content),
				},
			},
		)
		if logErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending confession log",
				"channel_id", logsChannelID,
				tint.Err(logErr),
			)
		}
	}
}

// handleDeleteConfession handles the owner-only delete-confession
// command: it deletes the posted message and purges the confession's
// record and votes, so the entry disappears from future leaderboards.
func (c *Confessional) handleDeleteConfession(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	opts := discordInteractionOptions(i)
	messageOpt, ok := opts[confessionOptionMessageID]
	if !ok || messageOpt.StringValue() == "" {
		c.interactionEdit(ctx, handler, "You must provide a message ID.")
		return
	}
	messageID := messageOpt.StringValue()

	var confession Confession
	err := c.writeDB.DB().WithContext(ctx).Where(
		"message_id = ?", messageID,
	).First(&confession).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.interactionEdit(
				ctx,
				handler,
				fmt.Sprintf("No confession found for message `%s`.", messageID),
			)
			return
		}
		logger.ErrorContext(ctx, "error finding confession", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	deleteErr := c.discord.session.ChannelMessageDelete(
		confession.ChannelID,
		confession.MessageID,
	)
	if deleteErr != nil && !isUnknownMessage(deleteErr) {
		logger.ErrorContext(
			ctx,
			"error deleting confession message",
			"message_id", confession.MessageID,
			tint.Err(deleteErr),
		)
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	if _, err = c.writeDB.Delete(
		&Vote{}, "message_id = ?", confession.MessageID,
	); err != nil {
		logger.ErrorContext(ctx, "error deleting votes", tint.Err(err))
	}
	if _, err = c.writeDB.Delete(&confession); err != nil {
		logger.ErrorContext(ctx, "error deleting confession record", tint.Err(err))
	}
	c.leaderboards.Remove(confession.MessageID)

	logger.InfoContext(ctx, "deleted confession", "confession", confession)
	c.interactionEdit(ctx, handler, "Confession deleted.")
}
