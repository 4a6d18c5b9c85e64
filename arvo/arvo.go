package arvo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/imnotbraybray/arvo-bot/arvo.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

// BotSettings is the single-row table holding dashboard admin
// credentials and the persisted log levels. Until both credential
// fields are set, the API only serves the first-run setup endpoints.
// The log level columns override the config-file levels at startup and
// can be changed at runtime from the dashboard without a restart.
type BotSettings struct {
	ModelUintID
	ModelUnixTime

	AdminUsername string `json:"admin_username" gorm:"column:admin_username"`
	AdminPassword string `json:"-" gorm:"column:admin_password" log:"[redacted]"`

	LogLevel         DBLogLevel `json:"log_level" gorm:"column:log_level"`
	DiscordLogLevel  DBLogLevel `json:"discord_log_level" gorm:"column:discord_log_level"`
	DatabaseLogLevel DBLogLevel `json:"database_log_level" gorm:"column:database_log_level"`
	APILogLevel      DBLogLevel `json:"api_log_level" gorm:"column:api_log_level"`
}

func (BotSettings) TableName() string {
	return "bot_settings"
}

// Arvo is the top-level bot. Create it with [New] and start it with
// [Run]; Run blocks until the context is cancelled or a stop signal
// arrives.
type Arvo struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	discord *Discord
	api     *API

	registry     *CommandRegistry
	evaluator    *PermissionEvaluator
	guildConfigs *GuildConfigStore
	ledger       *InfractionLedger
	syncEngine   *CommandSyncEngine
	pipeline     *ModerationActionPipeline

	// runMu prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	pendingSetup atomic.Bool

	signalStop  chan struct{}
	signalReady chan struct{}

	// triggerGuildRefreshCh carries guild IDs whose config rows changed
	// outside this process (dashboard edits, other replicas)
	triggerGuildRefreshCh chan string
}

// New creates and initializes an Arvo instance from the given
// configuration. Run must still be called to open the database and the
// gateway connection.
func New(config *Config) (*Arvo, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres'"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Arvo{
		config:                config,
		signalReady:           make(chan struct{}, 1),
		triggerGuildRefreshCh: make(chan string, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.registry = NewCommandRegistry()
	b.evaluator = NewPermissionEvaluator(b.registry)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc
	disc.b = b

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Arvo) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// applyLogLevels overrides the active level vars with the levels
// persisted in BotSettings. Empty columns leave the configured level
// untouched. All component handlers read their level through these
// vars, so the change takes effect immediately.
func (b *Arvo) applyLogLevels(settings *BotSettings) {
	levels := []struct {
		level  DBLogLevel
		target *slog.LevelVar
	}{
		{settings.LogLevel, b.config.LogLevel},
		{settings.DiscordLogLevel, b.config.Discord.LogLevel},
		{settings.DatabaseLogLevel, b.config.DatabaseLogLevel},
		{settings.APILogLevel, b.config.API.LogLevel},
	}
	for _, l := range levels {
		if l.level == "" || l.target == nil {
			continue
		}
		l.target.Set(l.level.Level())
	}
}

// Run starts the bot: database, API server, gateway session, command
// sync workers and config-change listeners. It blocks until the given
// context is cancelled or a stop signal is received, then shuts down
// gracefully within Config.ShutdownTimeout.
func (b *Arvo) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context - cancelling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if e := b.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.pendingSetup.Load() {
		logger.WarnContext(
			ctx,
			fmt.Sprintf(
				"dashboard admin not configured, finish setup at: %s%s",
				b.api.listener.Addr().String(),
				apiAdminSetup,
			),
		)
	}

	b.startGuildRefreshListener(ctx, runtimeWG)

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.dbNotifier.Listen(ctx, b.dbNotifier.GuildConfigChannelName()); e != nil {
			b.logger.ErrorContext(
				ctx,
				"error listening to guild config channel",
				tint.Err(e),
			)
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := b.dbNotifier.Listen(ctx, b.dbNotifier.StopChannelName()); e != nil {
			b.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	// block until something cancels the runtime context - generally an
	// interrupt, or a stop notification
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, builds the components that need it, and
// connects to the discord gateway. startCtx enforces StartupTimeout;
// ctx outlives startup and is handed to the long-running components.
func (b *Arvo) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	notifier, err := newDBNotifier(b)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	var settings BotSettings
	getSettingsErr := b.db.Last(&settings).Error
	if getSettingsErr != nil {
		if !errors.Is(getSettingsErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting bot settings: %w", getSettingsErr)
		}
		settings.LogLevel = dbLogLevelFrom(b.config.LogLevel)
		settings.DiscordLogLevel = dbLogLevelFrom(b.config.Discord.LogLevel)
		settings.DatabaseLogLevel = dbLogLevelFrom(b.config.DatabaseLogLevel)
		settings.APILogLevel = dbLogLevelFrom(b.config.API.LogLevel)
		if _, err = b.writeDB.Create(startCtx, &settings); err != nil {
			return fmt.Errorf("error creating bot settings: %w", err)
		}
	}
	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		b.pendingSetup.Store(true)
	}
	b.applyLogLevels(&settings)

	b.guildConfigs = NewGuildConfigStore(b.writeDB, b.logger)
	b.ledger = NewInfractionLedger(b.writeDB, b.logger)

	if err = b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	b.syncEngine = NewCommandSyncEngine(
		b.registry,
		b.guildConfigs,
		newDiscordCommandRegistrar(
			b.discord.session,
			b.registry,
			b.config.Discord.ApplicationID,
			b.discord.logger,
		),
		b.config.Moderation.SyncMaxAttempts,
		b.logger,
	)
	b.syncEngine.Start(ctx)

	b.pipeline = NewModerationActionPipeline(
		b.writeDB,
		b.guildConfigs,
		b.registry,
		newDiscordModerationActions(b.discord.session, b.discord.logger),
		b.ledger,
		newDiscordNotifier(b.discord.session, b.discord.logger),
		b.config.Moderation,
		b.logger,
	)

	// confirmation sessions live in memory, so any action a previous
	// process left mid-flight can never resolve on its own
	expired, err := b.pipeline.ExpireInterrupted(startCtx)
	if err != nil {
		return fmt.Errorf("error expiring interrupted moderation actions: %w", err)
	}
	if expired > 0 {
		b.logger.InfoContext(
			ctx,
			"expired moderation actions interrupted by restart",
			"count", expired,
		)
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	// guilds already in the DB get a reconcile pass even if their
	// GuildCreate event races or never arrives (ex: kicked while down)
	knownGuilds, err := b.guildConfigs.KnownGuildIDs(startCtx)
	if err != nil {
		return fmt.Errorf("error listing known guilds: %w", err)
	}
	for _, guildID := range knownGuilds {
		b.syncEngine.Enqueue(guildID)
	}

	return nil
}

func (b *Arvo) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db.Logger = newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	b.db = db
	b.writeDB = NewDatabase(db, nil, b.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, p := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(p).Error; pragmaErr != nil {
				return fmt.Errorf("error executing pragma %q: %w", p, pragmaErr)
			}
		}
	}

	return nil
}

// initDiscordSession creates the gateway session and registers the
// event handlers. The session is not opened here.
func (b *Arvo) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate(ctx)),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, i)
				}()
			},
		),
	}

	return nil
}

// startGuildRefreshListener consumes cross-process guild config change
// notifications: reload the row, then reconcile the guild's commands so
// toggles made elsewhere take effect here.
func (b *Arvo) startGuildRefreshListener(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("context canceled, stopping guild refresh listener")
				return
			case guildID := <-b.triggerGuildRefreshCh:
				if guildID == "" {
					b.logger.Warn("empty guild ID received, skipping refresh")
					continue
				}
				if _, err := b.guildConfigs.Refresh(ctx, guildID); err != nil {
					b.logger.ErrorContext(
						ctx,
						"error refreshing guild config",
						"guild_id", guildID,
						tint.Err(err),
					)
					continue
				}
				b.syncEngine.Enqueue(guildID)
			}
		}
	}()
}

func (b *Arvo) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		if b.discord != nil && b.discord.session != nil {
			_ = b.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		if b.syncEngine != nil {
			b.syncEngine.Wait()
		}
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight work",
			"shutdown_started", shutdownStart,
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		if b.discord != nil && b.discord.session != nil {
			if err := b.discord.session.Close(); err != nil {
				b.logger.Error("error closing discord session", tint.Err(err))
			}
		}

		if b.api != nil && b.api.httpServer != nil {
			if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
				b.logger.Error("error shutting down api server", tint.Err(err))
			}
		}

		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.Info("graceful shutdown complete")
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("shutdown deadline passed, forcing exit")
		if b.api != nil && b.api.httpServer != nil {
			go func() {
				_ = b.api.httpServer.Close()
			}()
		}
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}
}
