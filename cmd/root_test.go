package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lemindz/discord/cutibot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// resetConfig clears viper's state and the decoded config, so each
// command execution starts from the defaults
func resetConfig(t testing.TB) {
	t.Helper()
	reset := func() {
		viper.Reset()
		cfg = cutibot.DefaultConfig()
		configFile = ""
	}
	reset()
	t.Cleanup(reset)
}

// restoreEnv clears the environment, and restores it when the test ends
func restoreEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	restoreEnv(t)
	resetConfig(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

CUTI_DATABASE=/home/foo/cutibot.sqlite3
CUTI_DATABASE_TYPE=sqlite
CUTI_DATABASE_LOG_LEVEL=INFO
CUTI_DATABASE_SLOW_THRESHOLD=200ms
CUTI_LOG_LEVEL=INFO
CUTI_STARTUP_TIMEOUT=30s
CUTI_SHUTDOWN_TIMEOUT=60s

# Model config

CUTI_MODEL_PROVIDER=openai
CUTI_MODEL_TOKEN=your-model-token
CUTI_MODEL_NAME=gpt-4o
CUTI_MODEL_BASE_URL=https://llm.example.com/v1
CUTI_MODEL_MIN_INTERVAL=4s
CUTI_MODEL_TIMEOUT=45s
CUTI_MODEL_LOG_CALLS=false
CUTI_MODEL_LOG_LEVEL=DEBUG

# Persona config

CUTI_PERSONA_DISTINGUISHED_USER_ID=1234567890
CUTI_PERSONA_DISTINGUISHED_DISPLAY_NAME=Honey
CUTI_PERSONA_BOT_LABEL=Cuti
CUTI_PERSONA_SENTENCE_COUNTS=1 2
CUTI_PERSONA_DISTINGUISHED_SENTENCE_COUNTS=3,5
CUTI_PERSONA_MAX_INPUT_LENGTH=200

# Memory config

CUTI_MEMORY_CAPACITY=6
CUTI_MEMORY_RESET_SCHEDULE="0 4 * * *"

# Discord bot config

CUTI_DISCORD_TOKEN=your-discord-bot-token
CUTI_DISCORD_APPLICATION_ID=your-discord-bot-app-id
CUTI_DISCORD_GUILD_ID=
CUTI_DISCORD_LOG_LEVEL=WARN
CUTI_DISCORD_DISCORDGO_LOG_LEVEL=WARN
CUTI_DISCORD_STARTUP_MESSAGE="I'm here!"
CUTI_DISCORD_GATEWAY_INTENTS=3243773
CUTI_DISCORD_MOD_LOG_CHANNEL_ID=modlog
CUTI_DISCORD_REFEREE_CHANNEL_ID=referees
CUTI_DISCORD_REFEREE_BUTTON_MIN_INTERVAL=3s

# API server

CUTI_API_ENABLED=true
CUTI_API_LISTEN=127.0.0.1:5000
CUTI_API_SSL_CERT_FILE=/etc/ssl/cert.pem
CUTI_API_SSL_KEY_FILE=/etc/ssl/key.pem
CUTI_API_SSL_TLS_MIN_VERSION=771
CUTI_API_SECRET=your-api-secret
CUTI_API_LOG_LEVEL=DEBUG
CUTI_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
CUTI_API_CORS_ALLOW_METHODS=GET POST DELETE OPTIONS HEAD
CUTI_API_CORS_ALLOW_CREDENTIALS=true
CUTI_API_CORS_MAX_AGE=12h
CUTI_API_READ_TIMEOUT=5s
CUTI_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/cutibot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("model.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, 4*time.Second, viper.GetDuration("model.min_interval"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// the root command's pre-run decodes into cfg
	assert.Equal(t, "/home/foo/cutibot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "your-model-token", cfg.Model.Token)
	assert.Equal(t, "gpt-4o", cfg.Model.ModelName())
	assert.Equal(t, "https://llm.example.com/v1", cfg.Model.BaseURL)
	assert.Equal(t, 4*time.Second, cfg.Model.MinInterval)
	assert.Equal(t, 45*time.Second, cfg.Model.Timeout)
	assert.False(t, cfg.Model.LogCalls)
	assert.Equal(t, slog.LevelDebug, cfg.Model.LogLevel.Level())

	assert.Equal(t, "1234567890", cfg.Persona.DistinguishedUserID)
	assert.Equal(t, "Honey", cfg.Persona.DistinguishedDisplayName)
	assert.Equal(t, cutibot.DefaultUserLabel, cfg.Persona.UserLabel)
	assert.Equal(t, "Cuti", cfg.Persona.BotLabel)
	assert.Equal(t, cutibot.DefaultPersonaPreamble, cfg.Persona.Preamble)
	assert.Equal(t, []int{1, 2}, cfg.Persona.SentenceCounts)
	assert.Equal(t, []int{3, 5}, cfg.Persona.DistinguishedSentenceCounts)
	assert.Equal(t, cutibot.DefaultFallbackReply, cfg.Persona.FallbackReply)
	assert.Equal(t, 200, cfg.Persona.MaxInputLength)

	assert.Equal(t, 6, cfg.Memory.Capacity)
	assert.Equal(t, "0 4 * * *", cfg.Memory.ResetSchedule)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, cutibot.DefaultDiscordCustomStatus, cfg.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(t, "modlog", cfg.Discord.ModLogChannelID)
	assert.Equal(t, "referees", cfg.Discord.RefereeChannelID)
	assert.Equal(t, 3*time.Second, cfg.Discord.RefereeButtonMinInterval)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.KeyFile)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(t, cutibot.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, cutibot.DefaultWriteTimeout, cfg.API.WriteTimeout)
	assert.Equal(t, 6*time.Hour, cfg.API.SessionMaxAge)
}

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"LOUD", slog.LevelInfo, true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				got, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}
