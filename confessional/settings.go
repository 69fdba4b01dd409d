package confessional

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

const (
	settingConfessionChannel = "confession_channel_id"
	settingLogsChannel       = "logs_channel_id"

	columnSettingName  = "name"
	columnSettingValue = "value"
)

// Setting is a single named bot setting, persisted as its own row so
// individual settings can be updated without rewriting the others.
type Setting struct {
	ModelUintID
	ModelUnixTime

	Name  string `json:"name" gorm:"uniqueIndex"`
	Value string `json:"value"`
}

// botSettings holds the bot's mutable channel configuration, loaded from
// the database on startup and updated write-through by the setchannel
// and setlogs commands.
//
// Reads never touch the database. An empty ConfessionChannelID means the
// bot has not been configured yet, and confession submissions are
// rejected with a notice rather than posted.
type botSettings struct {
	mu     sync.RWMutex
	db     DBI
	logger *slog.Logger

	confessionChannelID string
	logsChannelID       string
}

func newBotSettings(db DBI, logger *slog.Logger) *botSettings {
	if logger == nil {
		logger = slog.Default()
	}
	return &botSettings{
		db:     db,
		logger: logger.With(loggerNameKey, "settings"),
	}
}

// Load reads all persisted settings and replaces the in-memory state.
// Unknown setting names are logged and ignored, so rows written by a
// newer version don't break startup.
func (b *botSettings) Load(ctx context.Context) error {
	var settings []Setting
	if err := b.db.DB().WithContext(ctx).Find(&settings).Error; err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.confessionChannelID = ""
	b.logsChannelID = ""
	for _, s := range settings {
		switch s.Name {
		case settingConfessionChannel:
			b.confessionChannelID = s.Value
		case settingLogsChannel:
			b.logsChannelID = s.Value
		default:
			b.logger.Warn(
				"ignoring unknown setting",
				"name", s.Name,
				"value", s.Value,
			)
		}
	}
	b.logger.InfoContext(
		ctx,
		"loaded settings",
		settingConfessionChannel, b.confessionChannelID,
		settingLogsChannel, b.logsChannelID,
	)
	return nil
}

// Reload re-reads settings from the database, discarding in-memory state.
func (b *botSettings) Reload(ctx context.Context) error {
	return b.Load(ctx)
}

func (b *botSettings) ConfessionChannelID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.confessionChannelID
}

func (b *botSettings) LogsChannelID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logsChannelID
}

// SetConfessionChannelID persists the new channel ID, then updates the
// in-memory value. If the write fails, the in-memory value is unchanged.
func (b *botSettings) SetConfessionChannelID(ctx context.Context, channelID string) error {
	if err := b.db.UpsertSetting(ctx, settingConfessionChannel, channelID); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error setting confession channel",
			"channel_id", channelID,
			tint.Err(err),
		)
		return err
	}
	b.mu.Lock()
	b.confessionChannelID = channelID
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "set confession channel", "channel_id", channelID)
	return nil
}

// SetLogsChannelID persists the new logs channel ID, then updates the
// in-memory value.
func (b *botSettings) SetLogsChannelID(ctx context.Context, channelID string) error {
	if err := b.db.UpsertSetting(ctx, settingLogsChannel, channelID); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error setting logs channel",
			"channel_id", channelID,
			tint.Err(err),
		)
		return err
	}
	b.mu.Lock()
	b.logsChannelID = channelID
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "set logs channel", "channel_id", channelID)
	return nil
}
