package confessional

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConfessionNoChannel(t *testing.T) {
	bot, _ := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandConfession,
		map[string]string{confessionOptionDescription: "hello"},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleConfession(ctx, handler, i)

	assert.Equal(
		t,
		"No confession channel has been set.",
		requireEditContent(t, handler),
	)

	var count int64
	require.NoError(t, bot.db.Model(&Confession{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleConfessionEmptyContent(t *testing.T) {
	bot, _ := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	i := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandConfession,
		map[string]string{confessionOptionDescription: ""},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleConfession(ctx, handler, i)

	assert.Equal(
		t,
		"Your confession can't be empty.",
		requireEditContent(t, handler),
	)
}

func TestHandleConfession(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))
	require.NoError(t, bot.settings.SetLogsChannelID(ctx, ids.LogsChannelID))

	content := "a deep dark secret"
	i := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandConfession,
		map[string]string{confessionOptionDescription: content},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleConfession(ctx, handler, i)

	assert.Equal(
		t,
		"Your confession has been sent.",
		requireEditContent(t, handler),
	)

	var confession Confession
	require.NoError(t, bot.db.First(&confession).Error)
	assert.Equal(t, ids.UserID, confession.AuthorID)
	assert.Equal(t, ids.ChannelID, confession.ChannelID)
	assert.Equal(t, content, confession.Content)

	posted := session.message(confession.MessageID)
	require.NotNil(t, posted)
	require.Len(t, posted.Embeds, 1)
	assert.Equal(t, confessionEmbedTitle, posted.Embeds[0].Title)
	assert.Equal(t, content, posted.Embeds[0].Description)
	assert.Equal(t, confessionEmbedFooter, posted.Embeds[0].Footer.Text)

	// nothing in the public message identifies the author
	assert.NotContains(t, posted.Embeds[0].Description, ids.UserID)
	assert.Empty(t, posted.Content)

	require.Len(t, posted.Components, 1)
	row, ok := posted.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	assert.Len(t, row.Components, maxStars)

	// the logs channel gets a mirror that does identify the author
	sends := session.sentMessages()
	var logSend *discordgo.MessageSend
	for _, send := range sends {
		if len(send.Embeds) > 0 && send.Embeds[0].Title == confessionLogTitle {
			logSend = send
		}
	}
	require.NotNil(t, logSend, "expected a confession log message")
	var foundAuthorID bool
	for _, field := range logSend.Embeds[0].Fields {
		if field.Value == ids.UserID {
			foundAuthorID = true
		}
	}
	assert.True(t, foundAuthorID)
}

func TestHandleConfessionNoLogsChannel(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	i := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandConfession,
		map[string]string{confessionOptionDescription: "quiet"},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleConfession(ctx, handler, i)
	_ = requireEditContent(t, handler)

	// only the public message goes out
	assert.Len(t, session.sentMessages(), 1)
}

func TestHandleDeleteConfession(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msg := postTestConfession(t, bot, session, ids, "regrettable")
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u1", 5))
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u2", 4))

	// a live session displayed on the deleted message goes with it
	bot.leaderboards.Add(
		&leaderboardSession{ChannelID: ids.ChannelID, MessageID: msg.ID},
	)

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandDeleteConfession,
		map[string]string{confessionOptionMessageID: msg.ID},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleDeleteConfession(ctx, handler, i)

	assert.Equal(t, "Confession deleted.", requireEditContent(t, handler))
	assert.Nil(t, session.message(msg.ID))
	_, ok := bot.leaderboards.Get(msg.ID)
	assert.False(t, ok)

	var voteCount int64
	require.NoError(t, bot.db.Model(&Vote{}).Count(&voteCount).Error)
	assert.Zero(t, voteCount)

	var confessionCount int64
	require.NoError(t, bot.db.Model(&Confession{}).Count(&confessionCount).Error)
	assert.Zero(t, confessionCount)
}

func TestHandleDeleteConfessionUnknownMessage(t *testing.T) {
	bot, _ := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandDeleteConfession,
		map[string]string{confessionOptionMessageID: "missing"},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleDeleteConfession(ctx, handler, i)

	assert.Equal(
		t,
		"No confession found for message `missing`.",
		requireEditContent(t, handler),
	)
}

func TestHandleSetLogs(t *testing.T) {
	bot, _ := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandSetLogs,
		map[string]string{channelOptionName: ids.LogsChannelID},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleSetLogs(ctx, handler, i)

	assert.Equal(
		t,
		fmt.Sprintf("Logs channel set: <#%s>", ids.LogsChannelID),
		requireEditContent(t, handler),
	)
	assert.Equal(t, ids.LogsChannelID, bot.settings.LogsChannelID())
}

func TestActivityForType(t *testing.T) {
	streamURL := "https://twitch.tv/someone"

	playing := activityForType(activityTypePlaying, "a game", streamURL)
	assert.Equal(t, discordgo.ActivityTypeGame, playing.Type)
	assert.Equal(t, "a game", playing.Name)
	assert.Empty(t, playing.URL)

	watching := activityForType(activityTypeWatching, "you", streamURL)
	assert.Equal(t, discordgo.ActivityTypeWatching, watching.Type)

	streaming := activityForType(activityTypeStreaming, "live", streamURL)
	assert.Equal(t, discordgo.ActivityTypeStreaming, streaming.Type)
	assert.Equal(t, streamURL, streaming.URL)

	competing := activityForType(activityTypeCompeting, "ranked", streamURL)
	assert.Equal(t, discordgo.ActivityTypeCompeting, competing.Type)

	// unknown types fall back to playing
	unknown := activityForType("karaoke", "singing", streamURL)
	assert.Equal(t, discordgo.ActivityTypeGame, unknown.Type)
}

func TestFetchAvatarDataURI(t *testing.T) {
	imageData := []byte("\x89PNG\r\n\x1a\nfake image bytes")
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(imageData)
			},
		),
	)
	t.Cleanup(srv.Close)

	uri, err := fetchAvatarDataURI(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	decoded, err := base64.StdEncoding.DecodeString(
		strings.TrimPrefix(uri, "data:image/png;base64,"),
	)
	require.NoError(t, err)
	assert.Equal(t, imageData, decoded)
}

func TestFetchAvatarDataURIBadStatus(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		),
	)
	t.Cleanup(srv.Close)

	_, err := fetchAvatarDataURI(context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
}

func TestHandleBotAvatar(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("image bytes"))
			},
		),
	)
	t.Cleanup(srv.Close)

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandBotAvatar,
		map[string]string{avatarOptionURL: srv.URL},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleBotAvatar(ctx, handler, i)

	assert.Equal(t, "Bot avatar updated.", requireEditContent(t, handler))
	require.Len(t, session.avatarUpdates, 1)
	assert.True(
		t,
		strings.HasPrefix(session.avatarUpdates[0], "data:image/png;base64,"),
	)
}

func TestHandleBotName(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandBotName,
		map[string]string{botNameOptionName: "Father Confessor"},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleBotName(ctx, handler, i)

	assert.Equal(t, "Bot name updated.", requireEditContent(t, handler))
	require.Len(t, session.userUpdates, 1)
	assert.Equal(t, "Father Confessor", session.userUpdates[0])
}

func TestHandleBotStatus(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandBotStatus,
		map[string]string{statusOptionName: string(discordgo.StatusDoNotDisturb)},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleBotStatus(ctx, handler, i)

	assert.Equal(t, "Status updated.", requireEditContent(t, handler))
	require.Len(t, session.statusUpdates, 1)
	assert.Equal(
		t,
		string(discordgo.StatusDoNotDisturb),
		session.statusUpdates[0].Status,
	)
}

func TestHandleBotActivities(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	bot.config.Discord.StreamingURL = "https://twitch.tv/someone"

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandBotActivities,
		map[string]string{
			activityOptionType: activityTypeStreaming,
			activityOptionText: "confessions, live",
		},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleBotActivities(ctx, handler, i)

	assert.Equal(t, "Activity updated.", requireEditContent(t, handler))
	require.Len(t, session.statusUpdates, 1)
	require.Len(t, session.statusUpdates[0].Activities, 1)
	activity := session.statusUpdates[0].Activities[0]
	assert.Equal(t, discordgo.ActivityTypeStreaming, activity.Type)
	assert.Equal(t, "confessions, live", activity.Name)
	assert.Equal(t, "https://twitch.tv/someone", activity.URL)
}

func TestHandleBotActivitiesMissingText(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.owner(),
		DiscordSlashCommandBotActivities,
		map[string]string{activityOptionType: activityTypePlaying},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleBotActivities(ctx, handler, i)

	assert.Equal(
		t,
		"You must choose a type and text.",
		requireEditContent(t, handler),
	)
	assert.Empty(t, session.statusUpdates)
}
