//nolint:lll // struct tags can't be split
package cutibot

import (
	"fmt"
	"github.com/adhocore/gronx"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"reflect"
	"slices"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "CUTIBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "CUTI"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "cutibot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "tag me to chat!"
	DefaultDiscordEmptyMention   = "Hm? Say something, then!"
	discordMaxMessageLength      = 2000

	DefaultModelProvider    = modelProviderGemini
	DefaultGeminiModel      = "gemini-2.5-flash"
	DefaultOpenAIModel      = "gpt-4o-mini"
	DefaultModelMinInterval = 6 * time.Second
	DefaultModelTimeout     = time.Minute
	DefaultModelLogLevel    = slog.LevelInfo

	DefaultMemoryCapacity = 4

	DefaultMaxInputLength           = 300
	DefaultUserLabel                = "User"
	DefaultBotLabel                 = "Cuti"
	DefaultDistinguishedDisplayName = "Darling"
	DefaultFallbackReply            = "Sorry, I can't think straight right now... try again in a bit!"
	DefaultPersonaPreamble          = "You are Cuti, a sweet tsundere girl chatting in a Discord server. " +
		"You act a little prickly and flustered, but you are kind underneath. " +
		"Continue the conversation below as Cuti."
	DefaultDistinguishedPreamble = "You are Cuti, a sweet, romantic tsundere girlfriend who gets " +
		"flustered and shy around the person you love. You are talking to your " +
		"partner. Continue the conversation below as Cuti, warmly and a little embarrassed."

	DefaultAPIListen                = "127.0.0.1:5000"
	DefaultAPISessionMaxAge         = 6 * time.Hour
	DefaultAPILogLevel              = slog.LevelInfo
	DefaultAPICORSAllowCredentials  = true
	DefaultDatabaseSlowThreshold    = 200 * time.Millisecond
	DefaultDatabaseLogLevel         = slog.LevelWarn
	defaultListenNetwork            = "tcp"
	DefaultRefereeButtonMinInterval = 2 * time.Second
)

var (
	DefaultSentenceCounts              = []int{2, 3}
	DefaultDistinguishedSentenceCounts = []int{4, 6}
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Model configures the generative model backend
	Model *ModelConfig `yaml:"model" mapstructure:"model" json:"model"`

	// Persona configures prompt text, labels and reply lengths
	Persona *PersonaConfig `yaml:"persona" mapstructure:"persona" json:"persona"`

	// Memory configures per-user conversation history
	Memory *MemoryConfig `yaml:"memory" mapstructure:"memory" json:"memory"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `yaml:"-" json:"-" mapstructure:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ModelConfig selects and configures the generative model backend.
type ModelConfig struct {
	// Provider is either 'gemini' or 'openai'
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"oneof=gemini openai"`

	// API key for the selected provider
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model name, ex: 'gemini-2.5-flash' or 'gpt-4o-mini'. If empty, a
	// provider-specific default is used.
	Name string `yaml:"name" mapstructure:"name" json:"name"`

	// Optional base URL override (openai-compatible endpoints)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// MinInterval is the minimum time between the end of one model call
	// and the start of the next, across all users.
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval" json:"min_interval"`

	// Timeout applied to each individual model call. 0=no timeout
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// If true, each model call is saved as a ModelCallLog
	LogCalls bool `yaml:"log_calls" mapstructure:"log_calls" json:"log_calls"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ModelName returns the configured model name, or the provider's default.
func (m ModelConfig) ModelName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Provider == modelProviderOpenAI {
		return DefaultOpenAIModel
	}
	return DefaultGeminiModel
}

func validateModelConfig(field reflect.Value) any {
	if value, ok := field.Interface().(ModelConfig); ok {
		if value.MinInterval < 0 {
			return "min_interval must be >= 0"
		}
		if value.Timeout < 0 {
			return "timeout must be >= 0"
		}
	}
	return nil
}

// PersonaConfig holds the prompt text and reply-length settings for the
// default persona and for the distinguished user.
type PersonaConfig struct {
	// Discord user ID which receives the distinguished persona. Empty
	// means everyone gets the default persona.
	DistinguishedUserID string `yaml:"distinguished_user_id" mapstructure:"distinguished_user_id" json:"distinguished_user_id"`

	// Name substituted for the user label in the distinguished user's transcript
	DistinguishedDisplayName string `yaml:"distinguished_display_name" mapstructure:"distinguished_display_name" json:"distinguished_display_name"`

	// Transcript labels
	UserLabel string `yaml:"user_label" mapstructure:"user_label" json:"user_label" binding:"required"`
	BotLabel  string `yaml:"bot_label" mapstructure:"bot_label" json:"bot_label" binding:"required"`

	Preamble              string `yaml:"preamble" mapstructure:"preamble" json:"preamble" binding:"required"`
	DistinguishedPreamble string `yaml:"distinguished_preamble" mapstructure:"distinguished_preamble" json:"distinguished_preamble" binding:"required"`

	// Candidate reply lengths, in sentences. One is picked at random per reply.
	SentenceCounts              []int `yaml:"sentence_counts" mapstructure:"sentence_counts" json:"sentence_counts"`
	DistinguishedSentenceCounts []int `yaml:"distinguished_sentence_counts" mapstructure:"distinguished_sentence_counts" json:"distinguished_sentence_counts"`

	// Reply used in place of the model response when the model call fails
	FallbackReply string `yaml:"fallback_reply" mapstructure:"fallback_reply" json:"fallback_reply" binding:"required"`

	// Incoming mention text is truncated to this many characters
	MaxInputLength int `yaml:"max_input_length" mapstructure:"max_input_length" json:"max_input_length" binding:"min=1"`
}

func validatePersonaConfig(field reflect.Value) any {
	value, ok := field.Interface().(PersonaConfig)
	if !ok {
		return nil
	}
	for name, counts := range map[string][]int{
		"sentence_counts":               value.SentenceCounts,
		"distinguished_sentence_counts": value.DistinguishedSentenceCounts,
	} {
		if len(counts) == 0 {
			return fmt.Sprintf("%s must not be empty", name)
		}
		if slices.Min(counts) < 1 {
			return fmt.Sprintf("%s must be >= 1", name)
		}
	}
	if value.MaxInputLength < 1 {
		return "max_input_length must be >= 1"
	}
	switch "" {
	case value.UserLabel:
		return "user_label is required"
	case value.BotLabel:
		return "bot_label is required"
	case value.Preamble:
		return "preamble is required"
	case value.DistinguishedPreamble:
		return "distinguished_preamble is required"
	case value.FallbackReply:
		return "fallback_reply is required"
	}
	return nil
}

// MemoryConfig configures the per-user conversation buffers
type MemoryConfig struct {
	// Number of turns kept per user
	Capacity int `yaml:"capacity" mapstructure:"capacity" json:"capacity" binding:"min=1"`

	// Cron expression. When set, all conversation buffers are cleared
	// on this schedule.
	ResetSchedule string `yaml:"reset_schedule" mapstructure:"reset_schedule" json:"reset_schedule"`
}

func validateMemoryConfig(field reflect.Value) any {
	if value, ok := field.Interface().(MemoryConfig); ok {
		if value.Capacity < 1 {
			return "capacity must be >= 1"
		}
		if value.ResetSchedule != "" && !gronx.IsValid(value.ResetSchedule) {
			return fmt.Sprintf("invalid reset_schedule: %q", value.ResetSchedule)
		}
	}
	return nil
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

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, StartupMessage is sent to this channel on each gateway connect
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Moderation actions are announced in this channel, if set
	ModLogChannelID string `yaml:"mod_log_channel_id" mapstructure:"mod_log_channel_id" json:"mod_log_channel_id"`

	// 'Referee needed' notifications go to this channel. If empty, they're
	// sent to the channel the war was posted in.
	RefereeChannelID string `yaml:"referee_channel_id" mapstructure:"referee_channel_id" json:"referee_channel_id"`

	// Minimum time between referee button presses, per user
	RefereeButtonMinInterval time.Duration `yaml:"referee_button_min_interval" mapstructure:"referee_button_min_interval" json:"referee_button_min_interval"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Generic reply for unexpected errors
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	httpClient *http.Client
}

// APIConfig configures the admin API server
type APIConfig struct {
	// If false, the admin API isn't started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. If no cert/key are set, plain HTTP is served.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Model: &ModelConfig{
			Provider:    DefaultModelProvider,
			MinInterval: DefaultModelMinInterval,
			Timeout:     DefaultModelTimeout,
			LogCalls:    true,
			LogLevel:    newLevelVar(DefaultModelLogLevel),
		},
		Persona: &PersonaConfig{
			DistinguishedDisplayName:    DefaultDistinguishedDisplayName,
			UserLabel:                   DefaultUserLabel,
			BotLabel:                    DefaultBotLabel,
			Preamble:                    DefaultPersonaPreamble,
			DistinguishedPreamble:       DefaultDistinguishedPreamble,
			SentenceCounts:              slices.Clone(DefaultSentenceCounts),
			DistinguishedSentenceCounts: slices.Clone(DefaultDistinguishedSentenceCounts),
			FallbackReply:               DefaultFallbackReply,
			MaxInputLength:              DefaultMaxInputLength,
		},
		Memory: &MemoryConfig{
			Capacity: DefaultMemoryCapacity,
		},
		Discord: &DiscordConfig{
			GatewayIntents:           DefaultDiscordGatewayIntent,
			LogLevel:                 newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel:        newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:           DefaultDiscordStartupMessage,
			CustomStatus:             DefaultDiscordCustomStatus,
			ErrorMessage:             DefaultDiscordErrorMessage,
			RefereeButtonMinInterval: DefaultRefereeButtonMinInterval,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
