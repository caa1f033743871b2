package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/lemindz/discord/cutibot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
)

var (
	cfg        = cutibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "cutibot [flags]",
	Short: "Cuti, a tsundere Discord chat bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into c
func unmarshalConfig(c *cutibot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
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

// LevelToStringHookFunc decodes level names (ex: 'INFO') into *slog.LevelVar
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// logLevelKeys are converted from strings to *slog.LevelVar after
// loading the environment
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"model.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
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

	viper.SetDefault("database", cutibot.DefaultDatabase)
	viper.SetDefault("database_type", cutibot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		cutibot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		cutibot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", cutibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", cutibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", cutibot.DefaultShutdownTimeout)

	// Model config
	viper.SetDefault("model.provider", cutibot.DefaultModelProvider)
	viper.SetDefault("model.token", "")
	viper.SetDefault("model.name", "")
	viper.SetDefault("model.base_url", "")
	viper.SetDefault("model.min_interval", cutibot.DefaultModelMinInterval)
	viper.SetDefault("model.timeout", cutibot.DefaultModelTimeout)
	viper.SetDefault("model.log_calls", true)
	viper.SetDefault("model.log_level", cutibot.DefaultModelLogLevel.String())

	// Persona config
	viper.SetDefault("persona.distinguished_user_id", "")
	viper.SetDefault(
		"persona.distinguished_display_name",
		cutibot.DefaultDistinguishedDisplayName,
	)
	viper.SetDefault("persona.user_label", cutibot.DefaultUserLabel)
	viper.SetDefault("persona.bot_label", cutibot.DefaultBotLabel)
	viper.SetDefault("persona.preamble", cutibot.DefaultPersonaPreamble)
	viper.SetDefault(
		"persona.distinguished_preamble",
		cutibot.DefaultDistinguishedPreamble,
	)
	viper.SetDefault("persona.sentence_counts", cutibot.DefaultSentenceCounts)
	viper.SetDefault(
		"persona.distinguished_sentence_counts",
		cutibot.DefaultDistinguishedSentenceCounts,
	)
	viper.SetDefault("persona.fallback_reply", cutibot.DefaultFallbackReply)
	viper.SetDefault("persona.max_input_length", cutibot.DefaultMaxInputLength)

	// Memory config
	viper.SetDefault("memory.capacity", cutibot.DefaultMemoryCapacity)
	viper.SetDefault("memory.reset_schedule", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		cutibot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		cutibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		cutibot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", cutibot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", cutibot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", cutibot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.mod_log_channel_id", "")
	viper.SetDefault("discord.referee_channel_id", "")
	viper.SetDefault(
		"discord.referee_button_min_interval",
		cutibot.DefaultRefereeButtonMinInterval,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", cutibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", cutibot.DefaultAPILogLevel.String())

	viper.SetDefault(
		"api.session_max_age",
		cutibot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", cutibot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		cutibot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", cutibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", cutibot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		cutibot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		cutibot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		cutibot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", cutibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		cutibot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(cutibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = cutibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range []string{
		"persona.sentence_counts",
		"persona.distinguished_sentence_counts",
	} {
		counts, err := getIntSlice(key)
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, counts)
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// getIntSlice reads a list of ints, which may be set from the
// environment as a space or comma separated string
func getIntSlice(key string) ([]int, error) {
	v, ok := viper.Get(key).(string)
	if !ok {
		return viper.GetIntSlice(key), nil
	}
	fields := strings.FieldsFunc(
		v, func(r rune) bool {
			return r == ',' || r == ' '
		},
	)
	values := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", f, err)
		}
		values = append(values, n)
	}
	return values, nil
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
		"Env file to load",
	)
}
