package neonmoon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/jmhodges/clock"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// NeonMoon is the root bot object, owning the database, the Discord
// session, the chat relay and the reminder scheduler. Create one with New,
// then call Run; Run blocks until the context is cancelled, then shuts the
// components down in order.
type NeonMoon struct {
	config    *Config
	logger    *slog.Logger
	db        *gorm.DB
	store     *Store
	discord   *Discord
	relay     *Relay
	scheduler *ReminderScheduler
	apiServer *http.Server
	clk       clock.Clock

	removeHandlerFuncs []func()
}

// New validates the config and wires up all components. No network
// connections are opened until Run.
func New(config *Config) (*NeonMoon, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	handler := newLogHandler(os.Stdout, config.LogLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	nm := &NeonMoon{
		config: config,
		logger: logger,
		clk:    clock.New(),
	}

	nm.discord = newDiscord(config.Discord)
	nm.discord.nm = nm
	nm.discord.logger = slog.New(
		newLogHandler(os.Stdout, config.Discord.LogLevel),
	).With(loggerNameKey, "discord")

	nm.relay = newRelay(
		config.Relay,
		slog.New(newLogHandler(os.Stdout, config.Relay.LogLevel)),
	)

	return nm, nil
}

func validateConfig(config *Config) error {
	if config == nil {
		return errors.New("nil config")
	}
	validate := validator.New()
	validate.SetTagName("binding")
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Run starts the bot: opens the database, connects to the Discord gateway,
// registers commands, starts the reminder scheduler and (optionally) the
// ops API server, then blocks until ctx is cancelled.
func (nm *NeonMoon) Run(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, nm.config.StartupTimeout)
	defer startCancel()

	if err := nm.initDB(startCtx); err != nil {
		return err
	}

	nm.scheduler = NewReminderScheduler(
		nm.config.Scheduler,
		nm.store,
		nm.deliverReminder,
		nm.clk,
		slog.New(newLogHandler(os.Stdout, nm.config.Scheduler.LogLevel)),
	)

	session, err := nm.discord.newSession()
	if err != nil {
		return err
	}
	nm.discord.session = session

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(os.Stdout, nm.config.Discord.DiscordGoLogLevel),
	)

	nm.removeHandlerFuncs = []func(){
		session.AddHandler(nm.discord.handlerConnect()),
		session.AddHandler(nm.discord.handlerDisconnect()),
		session.AddHandler(nm.handleInteraction),
		session.AddHandler(nm.handleMessageCreate),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = nm.discord.registerCommands(); err != nil {
		nm.shutdown()
		return fmt.Errorf("error registering commands: %w", err)
	}

	nm.scheduler.Start(ctx)

	runtimeWG := &sync.WaitGroup{}
	if nm.config.API.Enabled {
		nm.apiServer = newAPIServer(nm)
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			nm.logger.Info("ops api listening", "listen", nm.config.API.Listen)
			if serveErr := nm.apiServer.ListenAndServe(); serveErr != nil &&
				!errors.Is(serveErr, http.ErrServerClosed) {
				nm.logger.Error("ops api server failed", tint.Err(serveErr))
			}
		}()
	}

	nm.logger.Info("NeonMoon is up")
	<-ctx.Done()

	nm.shutdown()
	runtimeWG.Wait()
	return nil
}

// initDB opens the configured database and prepares the store.
func (nm *NeonMoon) initDB(ctx context.Context) error {
	dbHandler := newLogHandler(os.Stdout, nm.config.DatabaseLogLevel)
	db, err := CreateDB(
		ctx,
		nm.config.DatabaseType,
		nm.config.Database,
		dbHandler,
		nm.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	nm.db = db
	nm.store = NewStore(
		db,
		nm.logger,
		nm.config.DatabaseType != dbTypeSQLite,
	)
	return nil
}

// deliverReminder is the scheduler's delivery callback: it posts the
// reminder to its target channel, mentioning the user. A send error leaves
// the reminder undelivered for the next tick.
func (nm *NeonMoon) deliverReminder(ctx context.Context, r Reminder) error {
	content := fmt.Sprintf("⏰ <@%s> %s", r.UserID, r.Content)
	return nm.discord.channelMessageSend(
		r.ChannelID,
		content,
		discordgo.WithContext(ctx),
	)
}

// shutdown stops the scheduler, closes the Discord session, and shuts down
// the ops API server, bounded by the configured shutdown timeout.
func (nm *NeonMoon) shutdown() {
	nm.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		nm.config.ShutdownTimeout,
	)
	defer cancel()

	if nm.scheduler != nil {
		nm.scheduler.Stop()
	}

	for _, removeHandler := range nm.removeHandlerFuncs {
		removeHandler()
	}
	if nm.discord.session != nil {
		if err := nm.discord.session.Close(); err != nil {
			nm.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	if nm.apiServer != nil {
		if err := nm.apiServer.Shutdown(shutdownCtx); err != nil {
			nm.logger.Error("error shutting down ops api", tint.Err(err))
		}
	}

	if nm.db != nil {
		if sqlDB, err := nm.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	nm.logger.Info("shutdown complete")
}
