package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/QDuc14/NeonMoon-infoBot/neonmoon"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = neonmoon.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "neonmoon [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					levelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// levelToStringHookFunc decodes string log levels into *slog.LevelVar
// config fields.
func levelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("could not load env from %s", configFile)
		}
	}

	viper.SetDefault("database", neonmoon.DefaultDatabase)
	viper.SetDefault("database_type", neonmoon.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		neonmoon.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		neonmoon.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", neonmoon.DefaultLogLevel.String())

	viper.SetDefault("command_prefix", neonmoon.DefaultCommandPrefix)
	viper.SetDefault("default_timezone", neonmoon.DefaultTimezone)
	viper.SetDefault("startup_timeout", neonmoon.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", neonmoon.DefaultShutdownTimeout)

	// Scheduler config
	viper.SetDefault("scheduler.poll_interval", neonmoon.DefaultPollInterval)
	viper.SetDefault(
		"scheduler.deliveries_per_second",
		neonmoon.DefaultDeliveriesPerSecond,
	)
	viper.SetDefault(
		"scheduler.log_level",
		neonmoon.DefaultSchedulerLogLevel.String(),
	)

	// Relay config
	viper.SetDefault("relay.base_url", "")
	viper.SetDefault("relay.path", neonmoon.DefaultRelayPath)
	viper.SetDefault("relay.token", "")
	viper.SetDefault("relay.model", neonmoon.DefaultRelayModel)
	viper.SetDefault(
		"relay.use_server_memory",
		neonmoon.DefaultRelayUseServerMemory,
	)
	viper.SetDefault(
		"relay.request_timeout",
		neonmoon.DefaultRelayRequestTimeout,
	)
	viper.SetDefault(
		"relay.fallback_message",
		neonmoon.DefaultRelayFallbackMessage,
	)
	viper.SetDefault("relay.log_level", neonmoon.DefaultRelayLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		neonmoon.DefaultDiscordStartupMessage,
	)
	viper.SetDefault(
		"discord.custom_status",
		neonmoon.DefaultDiscordCustomStatus,
	)
	viper.SetDefault(
		"discord.gateway_intents",
		neonmoon.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.log_level",
		neonmoon.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		neonmoon.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", neonmoon.DefaultAPIListen)
	viper.SetDefault("api.read_timeout", neonmoon.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		neonmoon.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", neonmoon.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", neonmoon.DefaultIdleTimeout)
	viper.SetDefault("api.cors.max_age", neonmoon.DefaultAPICORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_methods",
		neonmoon.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.allow_headers",
		neonmoon.DefaultCORSAllowHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.log_level", neonmoon.DefaultAPILogLevel.String())

	envPrefix := os.Getenv(neonmoon.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = neonmoon.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"scheduler.log_level",
		"relay.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		lvlVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvlVar)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to use",
	)
}
