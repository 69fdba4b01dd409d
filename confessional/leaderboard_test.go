package confessional

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRankEntries(t *testing.T) {
	now := time.Now().UTC()

	// A averages 4.67 over {5,5,4}, B averages 2.5 over {3,2}: a higher
	// average outranks a higher vote count
	entries := []leaderboardEntry{
		{MessageID: "b", VoteCount: 2, AverageStars: 2.5, PostedAt: now},
		{MessageID: "a", VoteCount: 3, AverageStars: 14.0 / 3.0, PostedAt: now},
	}
	rankEntries(entries)
	assert.Equal(t, "a", entries[0].MessageID)
	assert.Equal(t, "b", entries[1].MessageID)

	// equal averages fall back to vote count
	entries = []leaderboardEntry{
		{MessageID: "few", VoteCount: 1, AverageStars: 4, PostedAt: now},
		{MessageID: "many", VoteCount: 10, AverageStars: 4, PostedAt: now},
	}
	rankEntries(entries)
	assert.Equal(t, "many", entries[0].MessageID)

	// equal average and count fall back to the oldest message
	entries = []leaderboardEntry{
		{
			MessageID:    "newer",
			VoteCount:    2,
			AverageStars: 3,
			PostedAt:     now,
		},
		{
			MessageID:    "older",
			VoteCount:    2,
			AverageStars: 3,
			PostedAt:     now.Add(-time.Hour),
		},
	}
	rankEntries(entries)
	assert.Equal(t, "older", entries[0].MessageID)
	assert.Equal(t, "newer", entries[1].MessageID)
}

func TestAdvancePage(t *testing.T) {
	assert.Equal(t, 1, advancePage(0, 1, 3))
	assert.Equal(t, 0, advancePage(2, 1, 3))
	assert.Equal(t, 2, advancePage(0, -1, 3))
	assert.Equal(t, 1, advancePage(2, -1, 3))
	assert.Equal(t, 0, advancePage(0, 1, 1))
	assert.Equal(t, 0, advancePage(0, -1, 1))
	assert.Equal(t, 0, advancePage(5, 1, 0))
}

func TestClampPage(t *testing.T) {
	assert.Equal(t, 0, clampPage(-1, 3))
	assert.Equal(t, 0, clampPage(0, 3))
	assert.Equal(t, 2, clampPage(2, 3))
	assert.Equal(t, 2, clampPage(7, 3))
}

func TestStarGlyphs(t *testing.T) {
	assert.Equal(t, "⭐", starGlyphs(0))
	assert.Equal(t, "⭐", starGlyphs(1.2))
	assert.Equal(t, "⭐⭐⭐", starGlyphs(2.5))
	assert.Equal(t, "⭐⭐⭐⭐⭐", starGlyphs(4.7))
	assert.Equal(t, "⭐⭐⭐⭐⭐", starGlyphs(9))
}

func TestLeaderboardPageCount(t *testing.T) {
	assert.Equal(t, 1, leaderboardPageCount(0, 10))
	assert.Equal(t, 1, leaderboardPageCount(10, 10))
	assert.Equal(t, 2, leaderboardPageCount(11, 10))
	assert.Equal(t, 3, leaderboardPageCount(25, 10))
}

func TestPageEntries(t *testing.T) {
	entries := make([]leaderboardEntry, 0, 12)
	for i := 0; i < 12; i++ {
		entries = append(
			entries,
			leaderboardEntry{MessageID: fmt.Sprintf("m%d", i)},
		)
	}

	first := pageEntries(entries, 0, 10)
	require.Len(t, first, 10)
	assert.Equal(t, "m0", first[0].MessageID)

	second := pageEntries(entries, 1, 10)
	require.Len(t, second, 2)
	assert.Equal(t, "m10", second[0].MessageID)

	assert.Empty(t, pageEntries(entries, 2, 10))
}

func TestRenderLeaderboardEmbed(t *testing.T) {
	empty := renderLeaderboardEmbed(nil, 0, 10)
	assert.Equal(t, leaderboardTitle, empty.Title)
	assert.Equal(t, "No confessions have been voted on yet.", empty.Description)
	assert.Equal(t, "Page 1/1", empty.Footer.Text)
	assert.Empty(t, empty.Fields)

	entries := []leaderboardEntry{
		{
			MessageID:    "m1",
			VoteCount:    3,
			AverageStars: 4.5,
			Excerpt:      "something",
			Link:         "https://discord.com/channels/1/2/3",
			PostedAt:     time.Now().UTC().Add(-time.Hour),
		},
		{
			MessageID:    "m2",
			VoteCount:    1,
			AverageStars: 2,
			Excerpt:      "something else",
			Link:         "https://discord.com/channels/1/2/4",
		},
	}

	embed := renderLeaderboardEmbed(entries, 0, 1)
	assert.Equal(t, "Page 1/2", embed.Footer.Text)
	require.Len(t, embed.Fields, 1)
	assert.Contains(t, embed.Fields[0].Name, "#1")
	assert.Contains(t, embed.Fields[0].Name, "4.5")
	assert.Contains(t, embed.Fields[0].Name, "3 votes")
	assert.Contains(t, embed.Fields[0].Value, "something")
	assert.Contains(t, embed.Fields[0].Value, entries[0].Link)
	assert.Contains(
		t,
		embed.Fields[0].Value,
		fmt.Sprintf("<t:%d>", entries[0].PostedAt.Unix()),
	)

	secondPage := renderLeaderboardEmbed(entries, 1, 1)
	require.Len(t, secondPage.Fields, 1)
	assert.Contains(t, secondPage.Fields[0].Name, "#2")
	assert.Contains(t, secondPage.Fields[0].Name, "2.0")
	assert.Contains(t, secondPage.Fields[0].Name, "1 vote")
}

func TestLeaderboardComponents(t *testing.T) {
	// single-page boards get no nav controls, but the slice stays
	// non-nil so an edit clears buttons from a shrunken board
	single := leaderboardComponents(1)
	require.NotNil(t, single)
	assert.Empty(t, single)
	assert.Empty(t, leaderboardComponents(0))

	multi := leaderboardComponents(3)
	require.Len(t, multi, 1)
	row, ok := multi[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)
	customIDs := make([]string, 0, 2)
	for _, component := range row.Components {
		button, buttonOK := component.(discordgo.Button)
		require.True(t, buttonOK)
		assert.False(t, button.Disabled)
		customIDs = append(customIDs, button.CustomID)
	}
	assert.Equal(
		t,
		[]string{leaderboardPrevCustomID, leaderboardNextCustomID},
		customIDs,
	)
}

func TestLeaderboardRegistryEviction(t *testing.T) {
	registry := newLeaderboardRegistry(2)
	now := time.Now().UTC()

	evicted := registry.Add(
		&leaderboardSession{MessageID: "old", LastRefreshed: now.Add(-time.Hour)},
	)
	assert.Empty(t, evicted)
	evicted = registry.Add(
		&leaderboardSession{MessageID: "recent", LastRefreshed: now},
	)
	assert.Empty(t, evicted)
	assert.Equal(t, 2, registry.Len())

	// adding a third evicts the least recently refreshed
	evicted = registry.Add(
		&leaderboardSession{MessageID: "new", LastRefreshed: now},
	)
	assert.Equal(t, "old", evicted)
	assert.Equal(t, 2, registry.Len())
	_, ok := registry.Get("old")
	assert.False(t, ok)
	_, ok = registry.Get("recent")
	assert.True(t, ok)
	_, ok = registry.Get("new")
	assert.True(t, ok)

	registry.Remove("recent")
	assert.Equal(t, 1, registry.Len())
	_, ok = registry.Get("recent")
	assert.False(t, ok)
}

func TestLeaderboardRegistryCursor(t *testing.T) {
	registry := newLeaderboardRegistry(5)
	registry.Add(&leaderboardSession{MessageID: "board", Page: 7})

	// stale cursor clamps before advancing
	page, ok := registry.AdvancePage("board", 1, 3)
	require.True(t, ok)
	assert.Equal(t, 0, page)

	page, ok = registry.AdvancePage("board", -1, 3)
	require.True(t, ok)
	assert.Equal(t, 2, page)

	page, ok = registry.ClampPage("board", 2)
	require.True(t, ok)
	assert.Equal(t, 1, page)

	_, ok = registry.AdvancePage("missing", 1, 3)
	assert.False(t, ok)
	_, ok = registry.ClampPage("missing", 3)
	assert.False(t, ok)

	at := time.Now().UTC()
	registry.MarkRefreshed("board", at)
	session, ok := registry.Get("board")
	require.True(t, ok)
	assert.Equal(t, at, session.LastRefreshed)

	// Get hands out a copy, not registry state
	session.Page = 99
	stored, ok := registry.Get("board")
	require.True(t, ok)
	assert.Equal(t, 1, stored.Page)
}

func TestMessageLink(t *testing.T) {
	assert.Equal(
		t,
		"https://discord.com/channels/1/2/3",
		messageLink("1", "2", "3"),
	)
}

func TestConfessionExcerpt(t *testing.T) {
	embedded := &discordgo.Message{
		Content: "fallback",
		Embeds: []*discordgo.MessageEmbed{
			{Description: "line one\nline two"},
		},
	}
	assert.Equal(t, "line one line two", confessionExcerpt(embedded))

	plain := &discordgo.Message{Content: "just content"}
	assert.Equal(t, "just content", confessionExcerpt(plain))
}

// postTestConfession submits a confession through the command handler,
// returning the discord message it was posted as.
func postTestConfession(
	t testing.TB,
	bot *Confessional,
	session *mockDiscordSession,
	ids confessionData,
	content string,
) *discordgo.Message {
	t.Helper()
	ctx := context.Background()

	i := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandConfession,
		map[string]string{confessionOptionDescription: content},
	)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleConfession(ctx, handler, i)
	require.Equal(t, "Your confession has been sent.", requireEditContent(t, handler))

	var confession Confession
	require.NoError(
		t,
		bot.db.Where("content = ?", content).First(&confession).Error,
	)
	msg := session.message(confession.MessageID)
	require.NotNil(t, msg)
	return msg
}

func TestLeaderboardEntriesRanking(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msgA := postTestConfession(t, bot, session, ids, "confession a")
	msgB := postTestConfession(t, bot, session, ids, "confession b")

	// A: {5,5,4} -> avg 4.67. B: {3,2} -> avg 2.5
	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u1", 5))
	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u2", 5))
	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u3", 4))
	require.NoError(t, bot.RecordVote(ctx, msgB.ID, "u1", 3))
	require.NoError(t, bot.RecordVote(ctx, msgB.ID, "u2", 2))

	entries, err := bot.leaderboardEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, msgA.ID, entries[0].MessageID)
	assert.Equal(t, int64(3), entries[0].VoteCount)
	assert.InDelta(t, 14.0/3.0, entries[0].AverageStars, 0.01)
	assert.Equal(t, "confession a", entries[0].Excerpt)
	assert.Equal(
		t,
		messageLink(ids.GuildID, ids.ChannelID, msgA.ID),
		entries[0].Link,
	)

	assert.Equal(t, msgB.ID, entries[1].MessageID)
	assert.Equal(t, int64(2), entries[1].VoteCount)
	assert.InDelta(t, 2.5, entries[1].AverageStars, 0.01)
}

func TestLeaderboardEntriesSkipsDeletedMessages(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msgA := postTestConfession(t, bot, session, ids, "kept")
	msgB := postTestConfession(t, bot, session, ids, "deleted")

	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u1", 4))
	require.NoError(t, bot.RecordVote(ctx, msgB.ID, "u1", 5))

	require.NoError(t, session.ChannelMessageDelete(ids.ChannelID, msgB.ID))

	entries, err := bot.leaderboardEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, msgA.ID, entries[0].MessageID)
}

func TestLeaderboardEntriesNoChannelConfigured(t *testing.T) {
	bot, _ := newTestConfessional(t)

	entries, err := bot.leaderboardEntries(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestHandleTopConfession(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msg := postTestConfession(t, bot, session, ids, "popular confession")
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u1", 5))

	i := ids.newCommandInteraction(ids.user(), DiscordSlashCommandTopConfession, nil)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleTopConfession(ctx, handler, i)

	assert.Equal(t, "Leaderboard posted!", requireEditContent(t, handler))
	assert.Equal(t, 1, bot.leaderboards.Len())

	sessions := bot.leaderboards.Snapshot()
	require.Len(t, sessions, 1)
	board := session.message(sessions[0].MessageID)
	require.NotNil(t, board)
	require.Len(t, board.Embeds, 1)
	assert.Equal(t, leaderboardTitle, board.Embeds[0].Title)
	require.Len(t, board.Embeds[0].Fields, 1)
	assert.Contains(t, board.Embeds[0].Fields[0].Value, "popular confession")
}

func TestHandleLeaderboardNavWrapsPages(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	bot.config.Leaderboard.PageSize = 1
	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msgA := postTestConfession(t, bot, session, ids, "first")
	msgB := postTestConfession(t, bot, session, ids, "second")
	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u1", 5))
	require.NoError(t, bot.RecordVote(ctx, msgB.ID, "u1", 3))

	topInteraction := ids.newCommandInteraction(
		ids.user(),
		DiscordSlashCommandTopConfession,
		nil,
	)
	topHandler := newStubInteractionHandler(t, bot, topInteraction)
	bot.handleTopConfession(ctx, topHandler, topInteraction)
	_ = requireEditContent(t, topHandler)

	sessions := bot.leaderboards.Snapshot()
	require.Len(t, sessions, 1)
	board := session.message(sessions[0].MessageID)
	require.NotNil(t, board)

	next := ids.newComponentInteraction(ids.user(), leaderboardNextCustomID, board)
	navHandler := newStubInteractionHandler(t, bot, next)
	bot.handleMessageComponent(ctx, navHandler, next)

	resp := requireResponse(t, navHandler)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Page 2/2", resp.Data.Embeds[0].Footer.Text)
	stored, ok := bot.leaderboards.Get(board.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.Page)

	// advancing again wraps back to the first page
	bot.handleMessageComponent(ctx, navHandler, next)
	resp = requireResponse(t, navHandler)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Page 1/2", resp.Data.Embeds[0].Footer.Text)
	stored, ok = bot.leaderboards.Get(board.ID)
	require.True(t, ok)
	assert.Equal(t, 0, stored.Page)
}

func TestHandleLeaderboardNavExpiredSession(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msg := postTestConfession(t, bot, session, ids, "forgotten board")
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u1", 4))

	i := ids.newCommandInteraction(ids.user(), DiscordSlashCommandTopConfession, nil)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleTopConfession(ctx, handler, i)
	_ = requireEditContent(t, handler)

	sessions := bot.leaderboards.Snapshot()
	require.Len(t, sessions, 1)
	board := session.message(sessions[0].MessageID)
	require.NotNil(t, board)

	// board aged out of the registry before the press lands
	bot.leaderboards.Remove(board.ID)

	next := ids.newComponentInteraction(ids.user(), leaderboardNextCustomID, board)
	navHandler := newStubInteractionHandler(t, bot, next)
	bot.handleMessageComponent(ctx, navHandler, next)

	resp := requireResponse(t, navHandler)
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, expiredLeaderboardMessage, resp.Data.Content)

	// the press doesn't resurrect the session
	assert.Equal(t, 0, bot.leaderboards.Len())
}

func TestRefreshLeaderboards(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msg := postTestConfession(t, bot, session, ids, "refresh me")
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u1", 4))

	i := ids.newCommandInteraction(ids.user(), DiscordSlashCommandTopConfession, nil)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleTopConfession(ctx, handler, i)
	_ = requireEditContent(t, handler)

	editsBefore := session.editCount()
	bot.refreshLeaderboards(ctx)
	assert.Equal(t, editsBefore+1, session.editCount())
}

func TestRefreshDropsDeletedLeaderboards(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msg := postTestConfession(t, bot, session, ids, "still here")
	require.NoError(t, bot.RecordVote(ctx, msg.ID, "u1", 4))

	// two boards: one survives, one is deleted out from under the bot
	for n := 0; n < 2; n++ {
		i := ids.newCommandInteraction(
			ids.user(),
			DiscordSlashCommandTopConfession,
			nil,
		)
		handler := newStubInteractionHandler(t, bot, i)
		bot.handleTopConfession(ctx, handler, i)
		_ = requireEditContent(t, handler)
	}
	sessions := bot.leaderboards.Snapshot()
	require.Len(t, sessions, 2)

	deletedID := sessions[0].MessageID
	survivorID := sessions[1].MessageID
	require.NoError(t, session.ChannelMessageDelete(ids.ChannelID, deletedID))

	bot.refreshLeaderboards(ctx)

	assert.Equal(t, 1, bot.leaderboards.Len())
	_, ok := bot.leaderboards.Get(deletedID)
	assert.False(t, ok)
	_, ok = bot.leaderboards.Get(survivorID)
	assert.True(t, ok)
}

// Background refreshes and nav button presses touch the same live
// session from different goroutines; cursor updates have to stay behind
// the registry lock.
func TestLeaderboardConcurrentNavAndRefresh(t *testing.T) {
	bot, session := newTestConfessional(t)
	ids := newConfessionData(t)
	ctx := context.Background()

	bot.config.Leaderboard.PageSize = 1
	bot.editLimiter = rate.NewLimiter(rate.Inf, 1)
	require.NoError(t, bot.settings.SetConfessionChannelID(ctx, ids.ChannelID))

	msgA := postTestConfession(t, bot, session, ids, "first")
	msgB := postTestConfession(t, bot, session, ids, "second")
	require.NoError(t, bot.RecordVote(ctx, msgA.ID, "u1", 5))
	require.NoError(t, bot.RecordVote(ctx, msgB.ID, "u1", 3))

	i := ids.newCommandInteraction(ids.user(), DiscordSlashCommandTopConfession, nil)
	handler := newStubInteractionHandler(t, bot, i)
	bot.handleTopConfession(ctx, handler, i)
	_ = requireEditContent(t, handler)

	sessions := bot.leaderboards.Snapshot()
	require.Len(t, sessions, 1)
	board := session.message(sessions[0].MessageID)
	require.NotNil(t, board)

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bot.refreshLeaderboards(ctx)
		}()
		go func() {
			defer wg.Done()
			next := ids.newComponentInteraction(
				ids.user(),
				leaderboardNextCustomID,
				board,
			)
			navHandler := newStubInteractionHandler(t, bot, next)
			bot.handleMessageComponent(ctx, navHandler, next)
			_ = requireResponse(t, navHandler)
		}()
	}
	wg.Wait()

	stored, ok := bot.leaderboards.Get(board.ID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, stored.Page, 0)
	assert.Less(t, stored.Page, 2)
}
