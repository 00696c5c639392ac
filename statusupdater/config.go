//nolint:lll // struct tags can't be split
package statusupdater

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "STATUS_UPDATER_ENV_PREFIX"
	DefaultEnvPrefix   = "SU"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "status-updater.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultRuntimeConfigTTL = 5 * time.Minute

	// DefaultStatusUpdateInterval is how often the updater walks all
	// guild voice channels and recomputes statuses.
	DefaultStatusUpdateInterval = 10 * time.Second

	DefaultPollInterval             = time.Minute
	DefaultPollBatchSize            = 100
	DefaultPollMaxRetries           = 3
	DefaultPollBackoffBase          = 2 * time.Second
	DefaultPollBackoffCap           = 60 * time.Second
	DefaultPollStaleAfter           = 15 * time.Minute
	DefaultPollMaxRequestsPerSecond = 1

	DefaultSteamAPIURL       = "https://api.steampowered.com"
	DefaultSteamCDNURL       = "https://cdn.cloudflare.steamstatic.com"
	DefaultRobloxPresenceURL = "https://presence.roblox.com/v1/presence/users"
	DefaultDiscordAPIURL     = "https://discord.com/api/v10"
	DefaultDiscordCDNURL     = "https://cdn.discordapp.com"

	DiscordSlashCommandToggle = "toggle"
	DiscordSlashCommandUpdate = "update"
	DiscordSlashCommandDebug  = "debug"
	DiscordSlashCommandEmoji  = "emoji"
	DiscordSlashCommandLink   = "link"
	DiscordSlashCommandIcon   = "icon"

	// voiceStatusMaxLength is the maximum length Discord accepts for a
	// voice channel status.
	voiceStatusMaxLength = 500

	DefaultDiscordCustomStatus   = "/toggle in a voice channel!"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPIListen           = "127.0.0.1:5000"
	DefaultAPITLSMinVersion    = tls.VersionTLS12
	defaultListenNetwork       = "tcp"
	DefaultCORSAllowCredential = true
)

// DefaultDiscordGatewayIntent includes the privileged presence intent,
// which this bot requires to see member activities, plus guild and
// voice state tracking.
const DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
	discordgo.IntentGuildVoiceStates |
	discordgo.IntentGuildPresences |
	discordgo.IntentGuildEmojis

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
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
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Steam configures the Steam Web API integration
	Steam *SteamConfig `yaml:"steam" mapstructure:"steam" json:"steam"`

	// Roblox configures the Roblox presence API integration
	Roblox *RobloxConfig `yaml:"roblox" mapstructure:"roblox" json:"roblox"`

	// Poller configures the external presence pollers (Steam, Roblox)
	Poller *PollerConfig `yaml:"poller" mapstructure:"poller" json:"poller"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// By default, RuntimeConfig is loaded on start, and refreshed with each
	// update. If this TTL is set above 0, the config will be refreshed from
	// the database at least every TTL duration.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
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

	// If specified, _and_ [RuntimeConfig.NotificationChannelID] is set,
	// the bot will send the specified message to that channel ID whenever
	// it connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// APIURL is the base Discord HTTP API URL, used for endpoints that
	// aren't part of the gateway session (detectable apps, RPC records)
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url"`

	// CDNURL is the base Discord CDN URL used when building icon URLs
	CDNURL string `yaml:"cdn_url" mapstructure:"cdn_url" json:"cdn_url"`

	httpClient *http.Client
}

// SteamConfig configures Steam Web API integration
type SteamConfig struct {
	// Steam Web API key
	Key string `yaml:"key" mapstructure:"key" json:"key" log:"[redacted]"`

	// APIURL is the base Steam Web API URL
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url"`

	// CDNURL is the base Steam CDN URL used when building game logo URLs
	CDNURL string `yaml:"cdn_url" mapstructure:"cdn_url" json:"cdn_url"`
}

// RobloxConfig configures the Roblox presence API integration
type RobloxConfig struct {
	// PresenceURL is the Roblox user presence endpoint
	PresenceURL string `yaml:"presence_url" mapstructure:"presence_url" json:"presence_url"`
}

// PollerConfig configures the capacity and behavior of the external
// presence pollers.
type PollerConfig struct {
	// Interval between poll cycles
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`

	// Maximum number of external IDs fetched per request
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size"`

	// Maximum retries for a failed poll cycle
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"`

	// Base delay for exponential retry backoff
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" json:"backoff_base"`

	// Upper bound for a single backoff delay
	BackoffCap time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap" json:"backoff_cap"`

	// If the cache is older than this when a rate limit is hit, it's
	// cleared rather than continuing to serve stale presence data
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after" json:"stale_after"`

	// MaxRequestsPerSecond is the rate limit for outbound poll requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`
}

func validatePollerConfig(value PollerConfig) string {
	if value.BatchSize < 1 {
		return "batch_size must be >= 1"
	}
	if value.MaxRetries < 0 {
		return "max_retries must be >= 0"
	}
	if value.Interval <= 0 {
		return "interval must be > 0"
	}
	if value.BackoffBase <= 0 {
		return "backoff_base must be > 0"
	}
	return ""
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development relaxes some middleware defaults for local use
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

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
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredential,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			APIURL:            DefaultDiscordAPIURL,
			CDNURL:            DefaultDiscordCDNURL,
		},
		Steam: &SteamConfig{
			APIURL: DefaultSteamAPIURL,
			CDNURL: DefaultSteamCDNURL,
		},
		Roblox: &RobloxConfig{
			PresenceURL: DefaultRobloxPresenceURL,
		},
		Poller: &PollerConfig{
			Interval:             DefaultPollInterval,
			BatchSize:            DefaultPollBatchSize,
			MaxRetries:           DefaultPollMaxRetries,
			BackoffBase:          DefaultPollBackoffBase,
			BackoffCap:           DefaultPollBackoffCap,
			StaleAfter:           DefaultPollStaleAfter,
			MaxRequestsPerSecond: DefaultPollMaxRequestsPerSecond,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
