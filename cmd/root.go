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
	"testing"

	"github.com/arcward/confessional/confessional"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = confessional.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "confessional [flags]",
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

	viper.SetDefault("database", confessional.DefaultDatabase)
	viper.SetDefault("database_type", confessional.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		confessional.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		confessional.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", confessional.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", confessional.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", confessional.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", confessional.DefaultShutdownTimeout)

	// Leaderboard config
	viper.SetDefault(
		"leaderboard.page_size",
		confessional.DefaultLeaderboardPageSize,
	)
	viper.SetDefault(
		"leaderboard.refresh_interval",
		confessional.DefaultLeaderboardRefreshInterval,
	)
	viper.SetDefault(
		"leaderboard.max_sessions",
		confessional.DefaultLeaderboardMaxSessions,
	)
	viper.SetDefault(
		"leaderboard.edits_per_second",
		confessional.DefaultLeaderboardEditsPerSecond,
	)
	viper.SetDefault(
		"leaderboard.edit_burst",
		confessional.DefaultLeaderboardEditBurst,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.streaming_url", "")
	viper.SetDefault(
		"discord.log_level",
		confessional.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		confessional.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		confessional.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		confessional.DefaultDiscordStartupMessage,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", confessional.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", confessional.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		confessional.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", confessional.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", confessional.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		confessional.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		confessional.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		confessional.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", confessional.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		confessional.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(confessional.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = confessional.DefaultEnvPrefix
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
	viper.Set(
		"discord.owner_ids",
		viper.GetStringSlice("discord.owner_ids"),
	)

	// On repeat runs (cobra.OnInitialize fires per Execute) the values
	// are already *slog.LevelVar, so skip the string conversion.
	setLevelVar := func(key string) {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			return
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
	setLevelVar("log_level")
	setLevelVar("discord.log_level")
	setLevelVar("discord.discordgo_log_level")
	setLevelVar("database_log_level")
	setLevelVar("api.log_level")
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
