package confessional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var defaultLogWriter io.Writer = os.Stdout

// Set at build time via:
// -ldflags "-X github.com/arcward/confessional/confessional.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Confessional is the bot itself: discord integration, database,
// leaderboard sessions, and the backend API.
type Confessional struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference between this and [Confessional.db] is that, when using
	// sqlite, a mutex is used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Provides the backend API
	api *API

	// Mutable channel configuration, backed by the settings table
	settings *botSettings

	// Live leaderboard messages being kept fresh
	leaderboards *leaderboardRegistry

	// Throttles leaderboard message edits across all sessions
	editLimiter *rate.Limiter

	httpClient *http.Client

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once startup is complete: the
	// database is migrated, settings are loaded, the discord session is
	// open and commands are registered
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Confessional.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler. This enables command execution to be tested
	// without a live gateway connection.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a Confessional instance from the given config, setting up
// logging, the discord integration, and the API server. The database
// connection isn't opened until [Confessional.Run].
func New(config *Config) (*Confessional, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &Confessional{
		config:        config,
		httpClient:    config.HTTPClient,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		leaderboards:  newLeaderboardRegistry(config.Leaderboard.MaxSessions),
		editLimiter: rate.NewLimiter(
			rate.Limit(config.Leaderboard.EditsPerSecond),
			config.Leaderboard.EditBurst,
		),
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.LogLevel,
			AddSource: true,
		},
	)

	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	c.config.Discord.httpClient = c.config.HTTPClient

	disc, err := newDiscord(c.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	c.discord = disc
	disc.bot = c

	api, err := newAPI(c, config.API)
	errs = append(errs, err)
	c.api = api

	return c, errors.Join(errs...)
}

func (c *Confessional) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

// RegisterSlashCommands registers the bot's slash commands with discord.
func (c *Confessional) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return c.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or
// a stop signal is received, then shuts down gracefully.
func (c *Confessional) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.signalStop = make(chan struct{}, 1)

	c.startedAt = time.Now()
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))
	if c.signalReady == nil {
		c.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			c.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			c.logger.Warn("context canceled, sending stop signal")
			c.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := c.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			c.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- c.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if c.api != nil && c.api.listener != nil {
				go func() {
					if e := c.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := c.initDiscordSession(ctx, runtimeWG); discErr != nil {
		c.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if openErr := c.discord.session.Open(); openErr != nil {
		c.logger.ErrorContext(ctx, "error opening discord session", tint.Err(openErr))
		return openErr
	}

	if _, cmdErr := c.RegisterSlashCommands(); cmdErr != nil {
		c.logger.ErrorContext(ctx, "error registering commands", tint.Err(cmdErr))
		return cmdErr
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		c.startLeaderboardRefresher(ctx)
	}()

	c.signalReady <- struct{}{}
	c.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return c.shutdown(ctx, runtimeWG)
}

// initDB opens the database connection, applies migrations and
// SQLite pragmas.
func (c *Confessional) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, c.config.DatabaseSlowThreshold)
	db, err := getDB(c.config.DatabaseType, c.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	c.db = db
	c.writeDB = NewDatabase(db, c.logger, c.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if c.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	c.logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()
	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Vote{},
		&Confession{},
		&Setting{},
		&InteractionLog{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing migration: %w", commitErr)
	}
	return nil
}

// initRun initializes the database and loads the persisted settings.
func (c *Confessional) initRun(startCtx context.Context) error {
	c.logger.Debug("initializing DB...")
	if err := c.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	c.logger.Debug("finished initializing DB")

	c.settings = newBotSettings(c.writeDB, c.logger)
	if err := c.settings.Load(startCtx); err != nil {
		return fmt.Errorf("error loading settings: %w", err)
	}
	return nil
}

// initDiscordSession creates the discord session (if one hasn't been
// injected) and wires up the gateway event handlers.
func (c *Confessional) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := c.logger.With(loggerNameKey, "discord_session")

	if c.discord.session == nil {
		disc, discErr := c.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		c.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(c.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range c.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	c.discord.session.SetIdentify(
		discordgo.Identify{Intents: c.config.Discord.GatewayIntents},
	)

	c.discord.discordgoRemoveHandlerFuncs = []func(){
		c.discord.session.AddHandler(c.discord.handlerConnect()),
		c.discord.session.AddHandler(c.discord.handlerDisconnect()),
		c.discord.session.AddHandler(c.discord.handlerReady()),
		c.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := c.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					c.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if c.getInteractionHandlerFunc == nil {
		c.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     c.discord.session,
				interaction: i,
				logger: c.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// interactionEdit replaces the content of a deferred ephemeral response.
func (c *Confessional) interactionEdit(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) {
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
}

// handleInteraction routes an incoming interaction: pings are ponged,
// component presses go to the vote or leaderboard handlers, and
// application commands are acknowledged ephemerally and dispatched.
func (c *Confessional) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			handlerRecover(ctx, handler.Logger(), rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := c.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		c.handleMessageComponent(ctx, handler, i)
	case discordgo.InteractionApplicationCommand:
		c.handleApplicationCommand(ctx, handler, i, discordUser)
	}
}

// handleMessageComponent routes button presses by custom ID.
func (c *Confessional) handleMessageComponent(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
) {
	customID := i.MessageComponentData().CustomID
	if stars, ok := parseVoteCustomID(customID); ok {
		c.handleVoteButton(ctx, handler, i, stars)
		return
	}
	switch customID {
	case leaderboardPrevCustomID:
		c.handleLeaderboardNav(ctx, handler, i, -1)
	case leaderboardNextCustomID:
		c.handleLeaderboardNav(ctx, handler, i, 1)
	default:
		handler.Logger().WarnContext(
			ctx,
			"unknown component custom ID",
			"custom_id", customID,
		)
	}
}

// handleApplicationCommand acknowledges a slash command with a deferred
// ephemeral response, enforces the owner allow-list, and dispatches to
// the command handler.
func (c *Confessional) handleApplicationCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	discordUser *discordgo.User,
) {
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name

	if ackErr := handler.Respond(ctx, c.discord.ackResponse(commandName)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	if isOwnerCommand(commandName) && !c.isOwner(discordUser.ID) {
		logger.WarnContext(
			ctx,
			"non-owner attempted owner command",
			"command", commandName,
		)
		c.interactionEdit(ctx, handler, "You don't have permission to do that.")
		return
	}

	switch commandName {
	case DiscordSlashCommandConfession:
		c.handleConfession(ctx, handler, i)
	case DiscordSlashCommandTopConfession:
		c.handleTopConfession(ctx, handler, i)
	case DiscordSlashCommandSetChannel:
		c.handleSetChannel(ctx, handler, i)
	case DiscordSlashCommandSetLogs:
		c.handleSetLogs(ctx, handler, i)
	case DiscordSlashCommandBotAvatar:
		c.handleBotAvatar(ctx, handler, i)
	case DiscordSlashCommandBotName:
		c.handleBotName(ctx, handler, i)
	case DiscordSlashCommandBotStatus:
		c.handleBotStatus(ctx, handler, i)
	case DiscordSlashCommandBotActivities:
		c.handleBotActivities(ctx, handler, i)
	case DiscordSlashCommandDeleteConfession:
		c.handleDeleteConfession(ctx, handler, i)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
	}
}

func isOwnerCommand(commandName string) bool {
	for _, name := range ownerCommands {
		if name == commandName {
			return true
		}
	}
	return false
}

func handlerRecover(ctx context.Context, logger *slog.Logger, rc any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", string(debug.Stack()),
	)
}

// shutdown closes the discord session, stops the API server, and waits
// out in-flight handlers, up to the configured shutdown timeout.
func (c *Confessional) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	c.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if c.eventShutdown != nil {
			go func() {
				c.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := c.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		c.logger.Warn("immediate shutdown")
		go func() {
			_ = c.api.httpServer.Close()
		}()
		if c.discord.session != nil {
			_ = c.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	if c.discord.session != nil {
		if closeErr := c.discord.session.Close(); closeErr != nil {
			c.logger.Error("error closing discord session", tint.Err(closeErr))
		}
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	var shutdownErr error
	select {
	case <-gracefulShutdownCh:
		c.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		shutdownErr = errors.New("shutdown deadline exceeded")
		c.logger.Error("shutdown deadline exceeded, forcing exit")
	}

	if httpErr := c.api.httpServer.Shutdown(closeCtx); httpErr != nil &&
		!errors.Is(httpErr, http.ErrServerClosed) {
		c.logger.Error("error shutting down api server", tint.Err(httpErr))
	}

	return shutdownErr
}

// Stop signals a running bot to begin a graceful shutdown.
func (c *Confessional) Stop() {
	if c.signalStop != nil {
		c.signalStop <- struct{}{}
	}
}
