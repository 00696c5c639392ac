// Package statusupdater implements a Discord bot that sets voice channel
// status messages based on the games channel members are playing, with
// Steam and Roblox presence as fallbacks for members without Discord
// activities.
package statusupdater

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
	// -ldflags "-X github.com/Zephreo/status-updater/statusupdater.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New(validator.WithRequiredStructEnabled())
)

// StatusUpdater is the top-level bot: it owns the database, the Discord
// session, the external presence pollers, the icon resolver, and the
// backend API server.
type StatusUpdater struct {
	config     *Config
	db         *gorm.DB
	writeDB    DBI
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	api     *API
	icons   *IconResolver

	steamPoller  *PlayerPoller
	robloxPoller *PlayerPoller

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	paused    atomic.Bool
	startedAt time.Time

	runMu         sync.Mutex
	signalStop    chan struct{}
	signalReady   chan struct{}
	eventShutdown chan struct{}

	triggerUpdateCh               chan struct{}
	triggerRuntimeConfigRefreshCh chan struct{}
}

// New creates and initializes a new StatusUpdater instance from the
// given config. Run must be called on the result to start the bot.
func New(config *Config) (*StatusUpdater, error) {
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

	su := &StatusUpdater{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerUpdateCh:               make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan struct{}, 1),
	}

	su.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     su.config.LogLevel,
			AddSource: true,
		},
	)
	su.logger = slog.New(su.logHandler)
	slog.SetDefault(su.logger)

	su.config.Discord.httpClient = su.config.HTTPClient

	disc, err := newDiscord(su.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     su.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     su.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.su = su
		su.discord = disc
	}

	su.icons = NewIconResolver(
		su.config.Discord,
		su.config.Steam,
		su.config.HTTPClient,
		su.logger,
	)

	steamPoller, err := NewPlayerPoller(
		"steam",
		*su.config.Poller,
		NewSteamFetcher(su.config.Steam, su.config.HTTPClient),
		su.logger,
	)
	if err != nil {
		errs = append(errs, err)
	}
	su.steamPoller = steamPoller

	robloxPoller, err := NewPlayerPoller(
		"roblox",
		*su.config.Poller,
		NewRobloxFetcher(su.config.Roblox, su.config.HTTPClient),
		su.logger,
	)
	if err != nil {
		errs = append(errs, err)
	}
	su.robloxPoller = robloxPoller

	api, err := newAPI(su, config.API)
	errs = append(errs, err)
	su.api = api

	return su, errors.Join(errs...)
}

func (su *StatusUpdater) ValidateConfig() error {
	return structValidator.Struct(su.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (su *StatusUpdater) RuntimeConfig() RuntimeConfig {
	su.cfgMu.RLock()
	defer su.cfgMu.RUnlock()
	if su.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *su.runtimeConfig
}

// setRuntimeConfig replaces the current runtime configuration and
// applies it to the running bot.
func (su *StatusUpdater) setRuntimeConfig(cfg *RuntimeConfig) {
	su.cfgMu.Lock()
	defer su.cfgMu.Unlock()
	prev := su.runtimeConfig
	su.runtimeConfig = cfg
	su.applyRuntimeConfig(prev, cfg)
}

// applyRuntimeConfig applies log levels, the paused flag and the bot's
// custom status from the given config. Callers must hold cfgMu.
func (su *StatusUpdater) applyRuntimeConfig(prev *RuntimeConfig, current *RuntimeConfig) {
	su.setRuntimeLevels(*current)

	wasPaused := su.paused.Swap(current.Paused)
	switch {
	case wasPaused && !current.Paused:
		su.logger.Info("unpaused bot")
	case current.Paused && !wasPaused:
		su.logger.Warn("paused bot")
	}

	if su.discord != nil && su.discord.connected.Load() {
		if prev == nil || prev.DiscordCustomStatus != current.DiscordCustomStatus {
			if err := su.discord.updateCustomStatus(current.DiscordCustomStatus); err != nil {
				su.logger.Error("error updating custom status", tint.Err(err))
			}
		}
	}
}

// setRuntimeLevels applies the given runtime config's log levels to the
// component level vars.
func (su *StatusUpdater) setRuntimeLevels(state RuntimeConfig) {
	su.config.LogLevel.Set(state.LogLevel.Level())
	su.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	su.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	su.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	su.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// setPaused persists the paused flag and applies it.
func (su *StatusUpdater) setPaused(ctx context.Context, paused bool) error {
	su.cfgMu.Lock()
	defer su.cfgMu.Unlock()

	if su.runtimeConfig == nil {
		return errors.New("runtime config not loaded")
	}
	if _, err := su.writeDB.Update(
		ctx,
		su.runtimeConfig,
		columnRuntimeConfigPaused,
		paused,
	); err != nil {
		return err
	}
	su.runtimeConfig.Paused = paused
	su.paused.Store(paused)
	return nil
}

// TriggerUpdate requests an immediate status update pass, if one isn't
// already pending.
func (su *StatusUpdater) TriggerUpdate() {
	select {
	case su.triggerUpdateCh <- struct{}{}:
	default:
	}
}

// RegisterSlashCommands registers the bot's slash commands with Discord.
func (su *StatusUpdater) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return su.discord.registerCommands(options...)
}

// initRun initializes the database and runtime config, and loads the
// icon catalogs. Catalog load failures aren't fatal: icon lookups
// degrade, statuses still work.
func (su *StatusUpdater) initRun(ctx context.Context) error {
	db, err := CreateDB(ctx, su.config.DatabaseType, su.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	su.db = db
	su.writeDB = NewDatabase(
		db,
		su.logger,
		su.config.DatabaseType == dbTypePostgres,
	)

	cfg, err := loadOrCreateRuntimeConfig(ctx, db, su.writeDB)
	if err != nil {
		return fmt.Errorf("error loading runtime config: %w", err)
	}
	su.cfgMu.Lock()
	su.runtimeConfig = cfg
	su.applyRuntimeConfig(nil, cfg)
	su.cfgMu.Unlock()

	if loadErr := su.icons.Load(ctx); loadErr != nil {
		su.logger.WarnContext(ctx, "error loading icon catalogs", tint.Err(loadErr))
	}
	return nil
}

// initDiscordSession creates the gateway session, attaches the event
// handlers, connects, and registers the slash commands.
func (su *StatusUpdater) initDiscordSession(ctx context.Context) error {
	handler, err := su.discord.newSession()
	if err != nil {
		return err
	}
	su.discord.handler = handler

	su.discord.discordgoRemoveHandlerFuncs = []func(){
		handler.AddHandler(su.discord.handlerReady()),
		handler.AddHandler(su.discord.handlerConnect()),
		handler.AddHandler(su.discord.handlerDisconnect()),
		handler.AddHandler(su.discord.handlerInteractionCreate()),
	}

	if err = handler.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	su.logger.InfoContext(ctx, "discord session opened")

	if _, err = su.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// Run starts the bot and blocks until the given context is canceled, a
// stop signal arrives (interrupt or the quit endpoint), or startup fails.
func (su *StatusUpdater) Run(ctx context.Context) error {
	// prevents concurrent runs
	su.runMu.Lock()
	defer su.runMu.Unlock()

	su.signalStop = make(chan struct{}, 1)
	su.startedAt = time.Now()
	logger := su.logger

	if err := su.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", su.config))

	if su.signalReady == nil {
		su.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-su.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			su.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, su.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- su.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	go func() {
		httpErr := su.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if discErr := su.initDiscordSession(ctx); discErr != nil {
		logger.ErrorContext(ctx, "error starting discord session", tint.Err(discErr))
		return discErr
	}

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		su.steamPoller.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		su.robloxPoller.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		su.runStatusUpdater(ctx)
	}()

	refresher := &runtimeConfigRefresher{
		su:     su,
		logger: logger.With(loggerNameKey, "runtime_config_refresher"),
		ttl:    su.config.RuntimeConfigTTL,
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		refresher.run(ctx)
	}()

	su.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return su.shutdown(runtimeWG)
}

// shutdown closes the Discord session, stops the API server, waits for
// the runtime goroutines, and closes the database.
func (su *StatusUpdater) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := su.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		su.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	for _, removeHandler := range su.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if su.discord.handler != nil {
		if err := su.discord.handler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if su.api != nil && su.api.httpServer != nil {
		if err := su.api.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api server: %w", err))
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		logger.Info("runtime goroutines finished")
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for runtime goroutines")
	}

	if su.db != nil {
		if sqlDB, err := su.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	select {
	case su.eventShutdown <- struct{}{}:
	default:
	}

	logger.Warn("shutdown complete")
	return errors.Join(errs...)
}
