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

	"github.com/Zephreo/status-updater/statusupdater"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = statusupdater.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "status-updater [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
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

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
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
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", statusupdater.DefaultDatabase)
	viper.SetDefault("database_type", statusupdater.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		statusupdater.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		statusupdater.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", statusupdater.DefaultRuntimeConfigTTL)

	viper.SetDefault("log_level", statusupdater.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", statusupdater.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", statusupdater.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", statusupdater.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		statusupdater.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		statusupdater.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		statusupdater.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		statusupdater.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.api_url", statusupdater.DefaultDiscordAPIURL)
	viper.SetDefault("discord.cdn_url", statusupdater.DefaultDiscordCDNURL)

	// Steam config
	viper.SetDefault("steam.key", "")
	viper.SetDefault("steam.api_url", statusupdater.DefaultSteamAPIURL)
	viper.SetDefault("steam.cdn_url", statusupdater.DefaultSteamCDNURL)

	// Roblox config
	viper.SetDefault("roblox.presence_url", statusupdater.DefaultRobloxPresenceURL)

	// Poller config
	viper.SetDefault("poller.interval", statusupdater.DefaultPollInterval)
	viper.SetDefault("poller.batch_size", statusupdater.DefaultPollBatchSize)
	viper.SetDefault("poller.max_retries", statusupdater.DefaultPollMaxRetries)
	viper.SetDefault("poller.backoff_base", statusupdater.DefaultPollBackoffBase)
	viper.SetDefault("poller.backoff_cap", statusupdater.DefaultPollBackoffCap)
	viper.SetDefault("poller.stale_after", statusupdater.DefaultPollStaleAfter)
	viper.SetDefault(
		"poller.max_requests_per_second",
		statusupdater.DefaultPollMaxRequestsPerSecond,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", statusupdater.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", statusupdater.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		statusupdater.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", statusupdater.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", statusupdater.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		statusupdater.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		statusupdater.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		statusupdater.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", statusupdater.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		statusupdater.DefaultCORSAllowCredential,
	)

	envPrefix := os.Getenv(statusupdater.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = statusupdater.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
