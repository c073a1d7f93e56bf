// Package config loads application configuration from a TOML file with
// environment-variable overrides, following the layering convention of
// github.com/knadh/koanf.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"

	"pixivbot/internal/errkind"
)

const envPrefix = "PIXBOT__"

// BotMode controls whether chats are enabled by default.
type BotMode string

// Supported bot modes.
const (
	ModePrivate BotMode = "private"
	ModePublic  BotMode = "public"
)

// IsPublic reports whether chats default to enabled.
func (m BotMode) IsPublic() bool { return m == ModePublic }

// Config is the full set of recognized options from spec §6.
type Config struct {
	Telegram  TelegramConfig  `koanf:"telegram"`
	Pixiv     PixivConfig     `koanf:"pixiv"`
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Content   ContentConfig   `koanf:"content"`
}

// TelegramConfig holds chat-platform credentials and behavior.
type TelegramConfig struct {
	BotToken string  `koanf:"bot_token"`
	OwnerID  int64   `koanf:"owner_id"`
	BotMode  BotMode `koanf:"bot_mode"`
}

// PixivConfig holds source OAuth credentials.
type PixivConfig struct {
	RefreshToken string `koanf:"refresh_token"`
}

// DatabaseConfig holds the persistence connection string.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// LoggingConfig controls log verbosity and destination.
type LoggingConfig struct {
	Level string `koanf:"level"`
	Dir   string `koanf:"dir"`
}

// SchedulerConfig controls polling pacing, cache GC, and retry budgets.
type SchedulerConfig struct {
	TickIntervalSec            int64 `koanf:"tick_interval_sec"`
	MinTaskIntervalSec         int64 `koanf:"min_task_interval_sec"`
	MaxTaskIntervalSec         int64 `koanf:"max_task_interval_sec"`
	MinIntervalMs              int64 `koanf:"min_interval_ms"`
	MaxIntervalMs              int64 `koanf:"max_interval_ms"`
	CacheDir                   string `koanf:"cache_dir"`
	CacheRetentionDays         int64 `koanf:"cache_retention_days"`
	MaxRetryCount              int   `koanf:"max_retry_count"`
	AuthorNameUpdateIntervalHr int64 `koanf:"author_name_update_interval_hours"`
}

// ContentConfig controls default content filtering and ranking depth.
type ContentConfig struct {
	SensitiveTags []string `koanf:"sensitive_tags"`
	RankingTopN   int      `koanf:"ranking_top_n"`
}

func defaults() map[string]any {
	return map[string]any{
		"telegram.bot_mode":                            string(ModePrivate),
		"telegram.owner_id":                             0,
		"pixiv.refresh_token":                            "",
		"database.url":                                   "sqlite:./data/pixivbot.db?mode=rwc",
		"logging.level":                                  "info",
		"logging.dir":                                    "./data/logs",
		"scheduler.tick_interval_sec":                    30,
		"scheduler.min_task_interval_sec":                7200,
		"scheduler.max_task_interval_sec":                10800,
		"scheduler.min_interval_ms":                      1500,
		"scheduler.max_interval_ms":                      3000,
		"scheduler.cache_dir":                            "./data/cache",
		"scheduler.cache_retention_days":                 7,
		"scheduler.max_retry_count":                      3,
		"scheduler.author_name_update_interval_hours":    24,
		"content.sensitive_tags":                         []string{"R-18", "R-18G", "NSFW"},
		"content.ranking_top_n":                          10,
	}
}

// recognized lists every dotted key the table in spec §6 names; any other
// key loaded from file or env is logged and ignored rather than failing
// startup, per the forward-compatibility design note.
var recognized = map[string]struct{}{
	"telegram.bot_token": {}, "telegram.owner_id": {}, "telegram.bot_mode": {},
	"pixiv.refresh_token":    {},
	"database.url":           {},
	"logging.level":          {}, "logging.dir": {},
	"scheduler.tick_interval_sec": {}, "scheduler.min_task_interval_sec": {},
	"scheduler.max_task_interval_sec": {}, "scheduler.min_interval_ms": {},
	"scheduler.max_interval_ms": {}, "scheduler.cache_dir": {},
	"scheduler.cache_retention_days": {}, "scheduler.max_retry_count": {},
	"scheduler.author_name_update_interval_hours": {},
	"content.sensitive_tags":                      {}, "content.ranking_top_n": {},
}

// Load reads config.toml (if present) then applies PIXBOT__-prefixed
// environment overrides, with "__" as the nested-key separator.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults() {
		k.Set(key, val)
	}

	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, oops.Code("config_file").With("path", path).
				Wrap(fmt.Errorf("%w: load config file: %w", errkind.ErrConfig, err))
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envTransform), nil); err != nil {
		return nil, oops.Code("config_env").
			Wrap(fmt.Errorf("%w: load environment overrides: %w", errkind.ErrConfig, err))
	}

	warnUnrecognized(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("config_unmarshal").
			Wrap(fmt.Errorf("%w: unmarshal config: %w", errkind.ErrConfig, err))
	}

	if cfg.Telegram.BotToken == "" {
		return nil, oops.Code("config_validate").
			Wrap(fmt.Errorf("%w: telegram.bot_token is required", errkind.ErrConfig))
	}
	if cfg.Pixiv.RefreshToken == "" {
		return nil, oops.Code("config_validate").
			Wrap(fmt.Errorf("%w: pixiv.refresh_token is required", errkind.ErrConfig))
	}

	return &cfg, nil
}

// envTransform converts PIXBOT__SCHEDULER__TICK_INTERVAL_SEC into
// scheduler.tick_interval_sec, koanf's dotted key for the same field.
func envTransform(key, value string) (string, any) {
	trimmed := strings.TrimPrefix(key, envPrefix)
	dotted := strings.ToLower(strings.ReplaceAll(trimmed, "__", "."))
	return dotted, value
}

func warnUnrecognized(k *koanf.Koanf) {
	for _, key := range k.Keys() {
		if _, ok := recognized[key]; !ok {
			slog.Warn("ignoring unrecognized config option", "key", key)
		}
	}
}

// LogLevel converts the configured textual level into a slog.Level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String implements fmt.Stringer without leaking secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{bot_mode=%s db=%q cache_dir=%q}", c.Telegram.BotMode, c.Database.URL, c.Scheduler.CacheDir)
}
