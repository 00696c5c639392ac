package statusupdater

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var columnRuntimeConfigPaused = "paused"

// RuntimeConfig represents the runtime configuration of the bot. It stores
// settings that can be modified while running and persist across restarts
// (e.g., being paused). Static settings live in [Config].
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the updater loop is currently paused.
	// While paused, voice statuses aren't recomputed or written.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// StatusUpdateInterval is how often voice channel statuses are recomputed
	StatusUpdateInterval Duration `json:"status_update_interval" gorm:"default:10000000000"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID, when set, receives the configured startup
	// message whenever the bot connects to the gateway
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:WARN;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		StatusUpdateInterval: Duration{DefaultStatusUpdateInterval},
		DiscordCustomStatus:  DefaultDiscordCustomStatus,
		LogLevel:             DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:      DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:    DBLogLevel(slog.LevelWarn.String()),
		DatabaseLogLevel:     DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:          DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is the PATCH payload for RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused                *bool     `json:"paused,omitempty"`
	StatusUpdateInterval  *Duration `json:"status_update_interval,omitempty"`
	DiscordCustomStatus   *string   `json:"discord_custom_status,omitempty"`
	NotificationChannelID *string   `json:"notification_channel_id,omitempty"`
	LogLevel              *string   `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel       *string   `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel     *string   `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel      *string   `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel           *string   `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// apply copies non-nil update fields onto the config.
func (u RuntimeConfigUpdate) apply(cfg *RuntimeConfig) {
	if u.Paused != nil {
		cfg.Paused = *u.Paused
	}
	if u.StatusUpdateInterval != nil {
		cfg.StatusUpdateInterval = *u.StatusUpdateInterval
	}
	if u.DiscordCustomStatus != nil {
		cfg.DiscordCustomStatus = *u.DiscordCustomStatus
	}
	if u.NotificationChannelID != nil {
		cfg.NotificationChannelID = *u.NotificationChannelID
	}
	if u.LogLevel != nil {
		cfg.LogLevel = DBLogLevel(*u.LogLevel)
	}
	if u.DiscordLogLevel != nil {
		cfg.DiscordLogLevel = DBLogLevel(*u.DiscordLogLevel)
	}
	if u.DiscordGoLogLevel != nil {
		cfg.DiscordGoLogLevel = DBLogLevel(*u.DiscordGoLogLevel)
	}
	if u.DatabaseLogLevel != nil {
		cfg.DatabaseLogLevel = DBLogLevel(*u.DatabaseLogLevel)
	}
	if u.APILogLevel != nil {
		cfg.APILogLevel = DBLogLevel(*u.APILogLevel)
	}
}

// Duration wraps time.Duration so it can be stored as integer nanoseconds
// and marshaled as a duration string.
type Duration struct {
	time.Duration
}

// Scan implements the sql.Scanner interface.
func (d *Duration) Scan(value any) error {
	switch v := value.(type) {
	case int64:
		d.Duration = time.Duration(v)
		return nil
	case []byte:
		parsed, err := time.ParseDuration(string(v))
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid type for Duration: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (d Duration) Value() (driver.Value, error) {
	return int64(d.Duration), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (Duration) GormDataType() string {
	return "bigint"
}

// MarshalJSON implements the json.Marshaller interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// loadOrCreateRuntimeConfig loads the last RuntimeConfig row, creating one
// with default settings if none exists yet.
func loadOrCreateRuntimeConfig(
	ctx context.Context,
	db *gorm.DB,
	writeDB DBI,
) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.WithContext(ctx).Last(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	cfg = DefaultRuntimeConfig()
	if _, createErr := writeDB.Create(ctx, &cfg); createErr != nil {
		return nil, createErr
	}
	return &cfg, nil
}

// runtimeConfigRefresher periodically reloads RuntimeConfig from the
// database, and applies it when a refresh is triggered explicitly.
type runtimeConfigRefresher struct {
	su     *StatusUpdater
	logger *slog.Logger
	ttl    time.Duration
	mu     sync.Mutex
}

func (r *runtimeConfigRefresher) run(ctx context.Context) {
	if r.ttl <= 0 {
		r.logger.Debug("runtime config TTL disabled, not refreshing")
		return
	}
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		case <-r.su.triggerRuntimeConfigRefreshCh:
			r.refresh(ctx)
		}
	}
}

func (r *runtimeConfigRefresher) refresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cfg RuntimeConfig
	if err := r.su.db.WithContext(ctx).Last(&cfg).Error; err != nil {
		r.logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
		return
	}
	r.su.setRuntimeConfig(&cfg)
}
