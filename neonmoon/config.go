//nolint:lll // struct tags can't be split
package neonmoon

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "NEONMOON_ENV_PREFIX"
	DefaultEnvPrefix   = "NEONMOON"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "neonmoon.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultRelayLogLevel     = slog.LevelInfo
	DefaultSchedulerLogLevel = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultCommandPrefix = "!"
	DefaultTimezone      = "UTC"

	DefaultPollInterval         = 20 * time.Second
	DefaultDeliveriesPerSecond  = 2
	DefaultRelayPath            = "/v1/chat"
	DefaultRelayModel           = "nm-chat-1"
	DefaultRelayRequestTimeout  = 2 * time.Minute
	DefaultRelayFallbackMessage = "sorry, I couldn't get an answer for that - try again in a bit"
	DefaultRelayUseServerMemory = true

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordCustomStatus   = "/ask me anything!"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPICORSMaxAge     = 12 * time.Hour

	// discordMaxMessageLength is the hard Discord message size cap; chunked
	// replies never exceed it.
	discordMaxMessageLength = 2000

	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
)

// Config is the top-level bot configuration, loaded from the environment
// (and an optional .env file) via viper.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// CommandPrefix introduces text commands (ex: `!set pin 1234`)
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// DefaultTimezone is the IANA zone used for users with no stored preference
	DefaultTimezone string `yaml:"default_timezone" mapstructure:"default_timezone" json:"default_timezone" binding:"required"`

	// StartupTimeout limits how long the bot has to finish initializing
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Scheduler configures the reminder poller
	Scheduler *SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler" json:"scheduler"`

	// Relay configures the chat backend integration
	Relay *RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the read-only ops HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`
}

// SchedulerConfig configures the reminder polling loop.
type SchedulerConfig struct {
	// PollInterval is the delay between due-reminder queries. Delivery
	// latency is bounded by this plus delivery time; it is not a
	// correctness-critical constant.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// DeliveriesPerSecond paces delivery attempts within a tick, so a large
	// due-set doesn't hammer the Discord REST API. 0 disables pacing.
	DeliveriesPerSecond float64 `yaml:"deliveries_per_second" mapstructure:"deliveries_per_second" json:"deliveries_per_second" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RelayConfig configures the streaming chat backend.
type RelayConfig struct {
	// BaseURL of the chat backend (ex: "https://llm.internal:8443")
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// Path of the streaming chat endpoint
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required"`

	// Bearer credential sent with each request, if set
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Model name forwarded in the request body
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// UseServerMemory asks the backend to use its server-side conversation memory
	UseServerMemory bool `yaml:"use_server_memory" mapstructure:"use_server_memory" json:"use_server_memory"`

	// RequestTimeout aborts an in-flight streaming request that runs too long
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// FallbackMessage is shown to the user when the backend reports an error mid-stream
	FallbackMessage string `yaml:"fallback_message" mapstructure:"fallback_message" json:"fallback_message" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID receives the startup message on gateway connect, if set
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID whenever the bot
	// connects to the discord gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set on the bot user after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// APIConfig configures the read-only ops HTTP server.
type APIConfig struct {
	// Determines if the ops server should be active
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	MaxAge       time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins: c.AllowOrigins,
		AllowMethods: c.AllowMethods,
		AllowHeaders: c.AllowHeaders,
		MaxAge:       c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins: []string{},
		AllowMethods: defaultMethods,
		AllowHeaders: defaultHeaders,
		MaxAge:       DefaultAPICORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	relayLogLevel := &slog.LevelVar{}
	schedulerLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	relayLogLevel.Set(DefaultRelayLogLevel)
	schedulerLogLevel.Set(DefaultSchedulerLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		CommandPrefix:         DefaultCommandPrefix,
		DefaultTimezone:       DefaultTimezone,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Scheduler: &SchedulerConfig{
			PollInterval:        DefaultPollInterval,
			DeliveriesPerSecond: DefaultDeliveriesPerSecond,
			LogLevel:            schedulerLogLevel,
		},
		Relay: &RelayConfig{
			Path:            DefaultRelayPath,
			Model:           DefaultRelayModel,
			UseServerMemory: DefaultRelayUseServerMemory,
			RequestTimeout:  DefaultRelayRequestTimeout,
			FallbackMessage: DefaultRelayFallbackMessage,
			LogLevel:        relayLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			LogLevel:          apiLogLevel,
		},
	}
}
