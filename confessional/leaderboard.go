package confessional

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	leaderboardPrevCustomID = "lb_prev"
	leaderboardNextCustomID = "lb_next"

	leaderboardTitle         = "Top Confessions"
	leaderboardExcerptLength = 100

	expiredLeaderboardMessage = "This leaderboard has expired. " +
		"Use `/top-confession` to post a new one."
)

// voteAggregate is one row of the per-message vote aggregation query.
type voteAggregate struct {
	MessageID    string  `json:"message_id"`
	VoteCount    int64   `json:"vote_count"`
	AverageStars float64 `json:"average_stars"`
}

// leaderboardEntry is a single ranked confession, with the live message
// content and timestamp joined in from the Discord API.
type leaderboardEntry struct {
	MessageID    string    `json:"message_id"`
	VoteCount    int64     `json:"vote_count"`
	AverageStars float64   `json:"average_stars"`
	Excerpt      string    `json:"excerpt"`
	Link         string    `json:"link"`
	PostedAt     time.Time `json:"posted_at"`
}

// aggregateVotes returns per-message vote counts and averages for every
// confession message with at least one vote. Ordering is applied
// afterwards by [rankEntries], not by the query.
func (c *Confessional) aggregateVotes(ctx context.Context) ([]voteAggregate, error) {
	var aggregates []voteAggregate
	err := c.writeDB.DB().WithContext(ctx).Model(&Vote{}).Select(
		"message_id, count(*) as vote_count, avg(stars) as average_stars",
	).Group("message_id").Find(&aggregates).Error
	if err != nil {
		return nil, fmt.Errorf("error aggregating votes: %w", err)
	}
	return aggregates, nil
}

// messageLink builds a jump link to a message in the configured guild.
func messageLink(guildID string, channelID string, messageID string) string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		guildID,
		channelID,
		messageID,
	)
}

// leaderboardEntries aggregates votes, then resolves each ranked message
// against the Discord API. Messages that no longer exist are dropped from
// the board, along with any that can't currently be fetched.
func (c *Confessional) leaderboardEntries(ctx context.Context) ([]leaderboardEntry, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}

	channelID := c.settings.ConfessionChannelID()
	if channelID == "" {
		return nil, nil
	}

	aggregates, err := c.aggregateVotes(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]leaderboardEntry, 0, len(aggregates))
	for _, agg := range aggregates {
		msg, msgErr := c.discord.session.ChannelMessage(channelID, agg.MessageID)
		if msgErr != nil {
			if isUnknownMessage(msgErr) {
				logger.InfoContext(
					ctx,
					"skipping deleted confession message",
					"message_id", agg.MessageID,
				)
			} else {
				logger.WarnContext(
					ctx,
					"error fetching confession message",
					"message_id", agg.MessageID,
					tint.Err(msgErr),
				)
			}
			continue
		}
		entries = append(
			entries, leaderboardEntry{
				MessageID:    agg.MessageID,
				VoteCount:    agg.VoteCount,
				AverageStars: agg.AverageStars,
				Excerpt:      confessionExcerpt(msg),
				Link: messageLink(
					c.config.Discord.GuildID,
					channelID,
					agg.MessageID,
				),
				PostedAt: msg.Timestamp,
			},
		)
	}

	rankEntries(entries)
	return entries, nil
}

// confessionExcerpt extracts a short excerpt of the confession text from
// the posted message. Confessions are posted as embeds, falling back to
// the raw message content.
func confessionExcerpt(msg *discordgo.Message) string {
	content := msg.Content
	if len(msg.Embeds) > 0 && msg.Embeds[0].Description != "" {
		content = msg.Embeds[0].Description
	}
	content = strings.ReplaceAll(content, "\n", " ")
	return truncate(content, leaderboardExcerptLength)
}

// rankEntries sorts entries in place: highest average stars first, ties
// broken by vote count (descending), then by message age (oldest first)
// so equal confessions keep a stable order across refreshes.
func rankEntries(entries []leaderboardEntry) {
	sort.SliceStable(
		entries, func(i, j int) bool {
			if entries[i].AverageStars != entries[j].AverageStars {
				return entries[i].AverageStars > entries[j].AverageStars
			}
			if entries[i].VoteCount != entries[j].VoteCount {
				return entries[i].VoteCount > entries[j].VoteCount
			}
			return entries[i].PostedAt.Before(entries[j].PostedAt)
		},
	)
}

// starGlyphs renders an average star rating as 1-5 star characters,
// rounding to the nearest whole star.
func starGlyphs(average float64) string {
	stars := int(math.Round(average))
	if stars < minStars {
		stars = minStars
	}
	if stars > maxStars {
		stars = maxStars
	}
	return strings.Repeat("⭐", stars)
}

// leaderboardPageCount returns the number of pages needed to show the
// given number of entries. An empty board still has one (empty) page.
func leaderboardPageCount(entryCount int, pageSize int) int {
	if entryCount <= 0 {
		return 1
	}
	return (entryCount + pageSize - 1) / pageSize
}

// pageEntries returns the slice of entries on the given zero-based page.
func pageEntries(entries []leaderboardEntry, page int, pageSize int) []leaderboardEntry {
	start := page * pageSize
	if start >= len(entries) {
		return nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}

// advancePage moves the zero-based page index by delta, wrapping around
// in both directions.
func advancePage(page int, delta int, pageCount int) int {
	if pageCount < 1 {
		return 0
	}
	next := (page + delta) % pageCount
	if next < 0 {
		next += pageCount
	}
	return next
}

// clampPage clamps a possibly stale page index into the valid range for
// the current page count.
func clampPage(page int, pageCount int) int {
	if page < 0 {
		return 0
	}
	if page >= pageCount {
		return pageCount - 1
	}
	return page
}

// renderLeaderboardEmbed builds the leaderboard embed for a single page.
func renderLeaderboardEmbed(
	entries []leaderboardEntry,
	page int,
	pageSize int,
) *discordgo.MessageEmbed {
	pageCount := leaderboardPageCount(len(entries), pageSize)
	page = clampPage(page, pageCount)
	visible := pageEntries(entries, page, pageSize)

	var description string
	if len(entries) == 0 {
		description = "No confessions have been voted on yet."
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(visible))
	for i, entry := range visible {
		rank := page*pageSize + i + 1
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name: fmt.Sprintf(
					"#%d %s %.1f (%d %s)",
					rank,
					starGlyphs(entry.AverageStars),
					entry.AverageStars,
					entry.VoteCount,
					voteWord(entry.VoteCount),
				),
				Value: fmt.Sprintf(
					"%s\nposted <t:%d> [jump](%s)",
					entry.Excerpt,
					entry.PostedAt.Unix(),
					entry.Link,
				),
			},
		)
	}

	return &discordgo.MessageEmbed{
		Title:       leaderboardTitle,
		Description: description,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Page %d/%d", page+1, pageCount),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func voteWord(count int64) string {
	if count == 1 {
		return "vote"
	}
	return "votes"
}

// leaderboardComponents returns the pagination button row. Single-page
// boards get no controls at all; the empty (non-nil) slice also clears
// buttons from an existing message when a board shrinks to one page.
func leaderboardComponents(pageCount int) []discordgo.MessageComponent {
	if pageCount <= 1 {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Prev",
					Style:    discordgo.SecondaryButton,
					CustomID: leaderboardPrevCustomID,
					Emoji:    &discordgo.ComponentEmoji{Name: "◀️"},
				},
				discordgo.Button{
					Label:    "Next",
					Style:    discordgo.SecondaryButton,
					CustomID: leaderboardNextCustomID,
					Emoji:    &discordgo.ComponentEmoji{Name: "▶️"},
				},
			},
		},
	}
}

// leaderboardSession tracks one live leaderboard message: where it is,
// which page it's showing, and when it was last refreshed. Once added to
// the registry the struct belongs to it, and all field updates happen
// through registry methods under its lock.
type leaderboardSession struct {
	ChannelID     string
	MessageID     string
	Page          int
	LastRefreshed time.Time
}

// leaderboardRegistry is a bounded registry of live leaderboard
// messages, keyed by message ID. When the registry is full, adding a new
// session evicts the least recently refreshed one, so an unbounded
// stream of top-confession commands can't grow the refresh workload
// without limit.
type leaderboardRegistry struct {
	mu          sync.Mutex
	sessions    map[string]*leaderboardSession
	maxSessions int
}

func newLeaderboardRegistry(maxSessions int) *leaderboardRegistry {
	return &leaderboardRegistry{
		sessions:    map[string]*leaderboardSession{},
		maxSessions: maxSessions,
	}
}

// Add registers a new leaderboard message, evicting the least recently
// refreshed session if the registry is full. Returns the message ID of
// the evicted session, if any.
func (r *leaderboardRegistry) Add(session *leaderboardSession) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted string
	if len(r.sessions) >= r.maxSessions {
		var oldest *leaderboardSession
		for _, s := range r.sessions {
			if oldest == nil || s.LastRefreshed.Before(oldest.LastRefreshed) {
				oldest = s
			}
		}
		if oldest != nil {
			evicted = oldest.MessageID
			delete(r.sessions, oldest.MessageID)
		}
	}
	r.sessions[session.MessageID] = session
	return evicted
}

// Remove drops the session for the given message ID, if present.
func (r *leaderboardRegistry) Remove(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, messageID)
}

// Get returns a copy of the session for the given message ID. The
// registry owns the stored structs; cursor and refresh-time updates go
// through [leaderboardRegistry.AdvancePage], [leaderboardRegistry.ClampPage]
// and [leaderboardRegistry.MarkRefreshed] so the refresh fan-out and the
// interaction handlers never touch a session concurrently.
func (r *leaderboardRegistry) Get(messageID string) (leaderboardSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[messageID]
	if !ok {
		return leaderboardSession{}, false
	}
	return *s, true
}

// AdvancePage clamps the session's cursor into the given page range,
// moves it by delta with wraparound, and returns the new page. Returns
// false if the session is no longer registered.
func (r *leaderboardRegistry) AdvancePage(
	messageID string,
	delta int,
	pageCount int,
) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[messageID]
	if !ok {
		return 0, false
	}
	s.Page = advancePage(clampPage(s.Page, pageCount), delta, pageCount)
	return s.Page, true
}

// ClampPage clamps the session's cursor into the given page range and
// returns it. Returns false if the session is no longer registered.
func (r *leaderboardRegistry) ClampPage(
	messageID string,
	pageCount int,
) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[messageID]
	if !ok {
		return 0, false
	}
	s.Page = clampPage(s.Page, pageCount)
	return s.Page, true
}

// MarkRefreshed records a successful refresh of the given session.
func (r *leaderboardRegistry) MarkRefreshed(messageID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[messageID]; ok {
		s.LastRefreshed = at
	}
}

// Snapshot returns copies of the current sessions.
func (r *leaderboardRegistry) Snapshot() []leaderboardSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]leaderboardSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, *s)
	}
	return sessions
}

func (r *leaderboardRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// handleTopConfession handles the top-confession command: it posts a
// fresh leaderboard message in the invoking channel and registers it for
// background refreshes.
func (c *Confessional) handleTopConfession(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()

	entries, err := c.leaderboardEntries(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error building leaderboard", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	pageCount := leaderboardPageCount(len(entries), c.config.Leaderboard.PageSize)
	embed := renderLeaderboardEmbed(entries, 0, c.config.Leaderboard.PageSize)
	components := leaderboardComponents(pageCount)

	msg, err := c.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting leaderboard", tint.Err(err))
		c.interactionEdit(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	evicted := c.leaderboards.Add(
		&leaderboardSession{
			ChannelID:     msg.ChannelID,
			MessageID:     msg.ID,
			LastRefreshed: time.Now().UTC(),
		},
	)
	if evicted != "" {
		logger.InfoContext(
			ctx,
			"evicted leaderboard session",
			"message_id", evicted,
		)
	}

	c.interactionEdit(ctx, handler, "Leaderboard posted!")
}

// handleLeaderboardNav handles a press of the prev/next button under a
// leaderboard message. The response replaces the message content in
// place, so every viewer sees the new page. Presses on boards that aged
// out of the registry get an ephemeral expired notice instead.
func (c *Confessional) handleLeaderboardNav(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	delta int,
) {
	logger := handler.Logger()

	if i.Message == nil {
		logger.WarnContext(ctx, "no message found on leaderboard interaction")
		return
	}

	entries, err := c.leaderboardEntries(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error building leaderboard", tint.Err(err))
		return
	}

	pageCount := leaderboardPageCount(len(entries), c.config.Leaderboard.PageSize)
	page, ok := c.leaderboards.AdvancePage(i.Message.ID, delta, pageCount)
	if !ok {
		// Board aged out of the registry (or was evicted mid-press).
		logger.InfoContext(
			ctx,
			"press on expired leaderboard",
			"message_id", i.Message.ID,
		)
		expiredErr := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: expiredLeaderboardMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		if expiredErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending expired leaderboard notice",
				tint.Err(expiredErr),
			)
		}
		return
	}

	embed := renderLeaderboardEmbed(entries, page, c.config.Leaderboard.PageSize)
	components := leaderboardComponents(pageCount)

	respErr := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: components,
			},
		},
	)
	if respErr != nil {
		logger.ErrorContext(
			ctx,
			"error updating leaderboard page",
			tint.Err(respErr),
		)
	}
}

// refreshLeaderboards re-renders every registered leaderboard message.
// Sessions are refreshed concurrently, each isolated from the others: a
// failure refreshing one board is logged and doesn't stop the rest.
func (c *Confessional) refreshLeaderboards(ctx context.Context) {
	sessions := c.leaderboards.Snapshot()
	if len(sessions) == 0 {
		return
	}

	entries, err := c.leaderboardEntries(ctx)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error building leaderboard for refresh",
			tint.Err(err),
		)
		return
	}

	var g errgroup.Group
	for _, session := range sessions {
		session := session
		g.Go(
			func() error {
				return c.refreshLeaderboardSession(ctx, session, entries)
			},
		)
	}
	if refreshErr := g.Wait(); refreshErr != nil {
		c.logger.WarnContext(
			ctx,
			"one or more leaderboard refreshes failed",
			tint.Err(refreshErr),
		)
	}
}

// refreshLeaderboardSession re-renders a single leaderboard message,
// clamping its page into the current range. A confirmed 404 means the
// message was deleted, and drops the session from the registry.
func (c *Confessional) refreshLeaderboardSession(
	ctx context.Context,
	session leaderboardSession,
	entries []leaderboardEntry,
) error {
	if err := c.editLimiter.Wait(ctx); err != nil {
		return err
	}

	pageCount := leaderboardPageCount(len(entries), c.config.Leaderboard.PageSize)
	page, ok := c.leaderboards.ClampPage(session.MessageID, pageCount)
	if !ok {
		// evicted since the snapshot was taken
		return nil
	}

	embed := renderLeaderboardEmbed(entries, page, c.config.Leaderboard.PageSize)
	embeds := []*discordgo.MessageEmbed{embed}
	components := leaderboardComponents(pageCount)

	_, err := c.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel:    session.ChannelID,
			ID:         session.MessageID,
			Embeds:     &embeds,
			Components: &components,
		},
	)
	if err != nil {
		if isUnknownMessage(err) {
			c.logger.InfoContext(
				ctx,
				"leaderboard message deleted, dropping session",
				"message_id", session.MessageID,
			)
			c.leaderboards.Remove(session.MessageID)
			return nil
		}
		return fmt.Errorf(
			"error refreshing leaderboard %s: %w",
			session.MessageID,
			err,
		)
	}
	c.leaderboards.MarkRefreshed(session.MessageID, time.Now().UTC())
	return nil
}

// startLeaderboardRefresher runs the background refresh loop until the
// given context is canceled.
func (c *Confessional) startLeaderboardRefresher(ctx context.Context) {
	logger := c.logger.With(loggerNameKey, "leaderboard_refresher")
	interval := c.config.Leaderboard.RefreshInterval
	logger.InfoContext(ctx, "starting leaderboard refresher", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "leaderboard refresher stopped")
			return
		case <-ticker.C:
			c.refreshLeaderboards(WithLogger(ctx, logger))
		}
	}
}
