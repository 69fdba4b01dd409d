package confessional

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	voteCustomIDPrefix = "vote_"

	minStars = 1
	maxStars = 5

	columnVoteMessageID = "message_id"
	columnVoteUserID    = "user_id"
)

// Vote records a single user's star rating of a single confession
// message. The composite unique index enforces at most one vote per
// user per message at the database level, so concurrent button presses
// can't double-count.
type Vote struct {
	ModelUintID
	ModelUnixTime

	MessageID string `json:"message_id" gorm:"uniqueIndex:idx_votes_message_user"`
	UserID    string `json:"user_id" gorm:"uniqueIndex:idx_votes_message_user"`
	Stars     int    `json:"stars"`
}

func (v Vote) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnVoteMessageID, v.MessageID),
		slog.String(columnVoteUserID, v.UserID),
		slog.Int("stars", v.Stars),
	)
}

// voteCustomID returns the component custom ID for the given star count
func voteCustomID(stars int) string {
	return fmt.Sprintf("%s%d", voteCustomIDPrefix, stars)
}

// parseVoteCustomID extracts the star count from a vote button custom ID.
// Returns false for custom IDs that aren't vote buttons, or encode a star
// count outside 1-5.
func parseVoteCustomID(customID string) (int, bool) {
	suffix, found := strings.CutPrefix(customID, voteCustomIDPrefix)
	if !found {
		return 0, false
	}
	stars, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	if stars < minStars || stars > maxStars {
		return 0, false
	}
	return stars, true
}

// voteButtons returns the single action row of 1-5 star buttons attached
// to each confession message.
func voteButtons() []discordgo.MessageComponent {
	buttons := make([]discordgo.MessageComponent, 0, maxStars)
	for stars := minStars; stars <= maxStars; stars++ {
		buttons = append(
			buttons,
			discordgo.Button{
				Label:    strconv.Itoa(stars),
				Style:    discordgo.SecondaryButton,
				CustomID: voteCustomID(stars),
				Emoji:    &discordgo.ComponentEmoji{Name: "⭐"},
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: buttons},
	}
}

// RecordVote validates and records a vote on the given confession
// message. The first vote a user casts on a message wins; later ones
// return [ErrDuplicateVote] and leave the stored vote untouched.
func (c *Confessional) RecordVote(
	ctx context.Context,
	messageID string,
	userID string,
	stars int,
) error {
	if stars < minStars || stars > maxStars {
		return fmt.Errorf("stars must be between %d and %d", minStars, maxStars)
	}

	var confession Confession
	err := c.writeDB.DB().WithContext(ctx).Where(
		"message_id = ?", messageID,
	).First(&confession).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("no confession found for message %s", messageID)
		}
		return err
	}

	vote := Vote{MessageID: messageID, UserID: userID, Stars: stars}
	return c.writeDB.CreateVote(ctx, &vote)
}

// handleVoteButton processes a press of one of the star buttons under a
// confession message. The response is always ephemeral, so the voter's
// identity never appears in the channel.
func (c *Confessional) handleVoteButton(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	stars int,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "no user found on vote interaction")
		return
	}
	if i.Message == nil {
		logger.WarnContext(ctx, "no message found on vote interaction")
		return
	}

	err := c.RecordVote(ctx, i.Message.ID, user.ID, stars)

	var content string
	switch {
	case err == nil:
		content = fmt.Sprintf(
			"You gave this confession %d %s!",
			stars,
			starWord(stars),
		)
	case errors.Is(err, ErrDuplicateVote):
		content = "You already voted on this confession."
	default:
		logger.ErrorContext(
			ctx,
			"error recording vote",
			"message_id", i.Message.ID,
			"stars", stars,
			tint.Err(err),
		)
		content = DefaultDiscordErrorMessage
	}

	respErr := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if respErr != nil {
		logger.ErrorContext(ctx, "error sending vote response", tint.Err(respErr))
	}
}

func starWord(stars int) string {
	if stars == 1 {
		return "star"
	}
	return "stars"
}
