package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

const (
	PluginName      = "bili2mp4"
	StateFileName   = "state.json"
	StateDBName     = "state.db"
	CookieFileName  = "bili_cookies.txt"
	DownloadDirName = "downloads"

	DefaultCaption      = "B站视频"
	FileRetention       = 2 * time.Hour
	CleanupInterval     = 30 * time.Minute
	ShutdownGracePeriod = 30 * time.Second

	StatusRateLimitMax    = 60
	StatusRateLimitWindow = time.Minute
)

// Config holds all bot configuration.
type Config struct {
	SuperAdmins []int64        `yaml:"super_admins" envconfig:"BILI2MP4_SUPER_ADMINS"`
	LogLevel    string         `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat   string         `yaml:"log_format" envconfig:"LOG_FORMAT"`
	Chat        ChatConfig     `yaml:"chat"`
	Storage     StorageConfig  `yaml:"storage"`
	Download    DownloadConfig `yaml:"download"`
	Status      StatusConfig   `yaml:"status"`
	Alerts      AlertsConfig   `yaml:"alerts"`
}

// ChatConfig selects and configures the chat transport.
type ChatConfig struct {
	Backend      string `yaml:"backend" envconfig:"CHAT_BACKEND"`
	OneBotURL    string `yaml:"onebot_url" envconfig:"ONEBOT_WS_URL"`
	OneBotToken  string `yaml:"onebot_token" envconfig:"ONEBOT_ACCESS_TOKEN"`
	DiscordToken string `yaml:"discord_token" envconfig:"DISCORD_TOKEN"`
}

// StorageConfig holds where plugin state and downloads live.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"BILI2MP4_DATA_DIR"`
	Backend string `yaml:"backend" envconfig:"STATE_BACKEND"`
}

// DownloadConfig holds external tool settings.
type DownloadConfig struct {
	YtdlpPath      string        `yaml:"ytdlp_path" envconfig:"YTDLP_PATH"`
	FFmpegDir      string        `yaml:"ffmpeg_dir" envconfig:"FFMPEG_DIR"`
	ToolTimeoutSec int           `yaml:"tool_timeout_sec" envconfig:"BILI2MP4_FFMPEG_TIMEOUT"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout" envconfig:"RESOLVE_TIMEOUT"`
	Proxy          string        `yaml:"proxy" envconfig:"DOWNLOAD_PROXY"`
	Remux          bool          `yaml:"remux" envconfig:"REMUX_TO_MP4"`
}

// StatusConfig configures the read-only status API. Empty Addr disables it.
type StatusConfig struct {
	Addr        string   `yaml:"addr" envconfig:"STATUS_ADDR"`
	Token       string   `yaml:"token" envconfig:"STATUS_TOKEN"`
	CORSOrigins []string `yaml:"cors_origins" envconfig:"STATUS_CORS_ORIGINS"`
}

// AlertsConfig configures the operator webhook. Empty WebhookURL disables it.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url" envconfig:"ALERT_WEBHOOK_URL"`
	PingUserID string `yaml:"ping_user_id" envconfig:"ALERT_PING_USER_ID"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Chat: ChatConfig{
			Backend:   "onebot",
			OneBotURL: "ws://127.0.0.1:6700",
		},
		Storage: StorageConfig{
			DataDir: filepath.Join("data", PluginName),
			Backend: "json",
		},
		Download: DownloadConfig{
			YtdlpPath:      "yt-dlp",
			ToolTimeoutSec: 10,
			ResolveTimeout: 8 * time.Second,
			Remux:          true,
		},
	}
}

// Load reads configuration from defaults, then the YAML file if provided,
// then environment variables. Environment variables win.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	cfg.Chat.Backend = strings.ToLower(strings.TrimSpace(cfg.Chat.Backend))
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	switch c.Chat.Backend {
	case "onebot":
		if c.Chat.OneBotURL == "" {
			return fmt.Errorf("ONEBOT_WS_URL is required for the onebot backend")
		}
	case "discord":
		if c.Chat.DiscordToken == "" {
			return fmt.Errorf("DISCORD_TOKEN is required for the discord backend")
		}
	default:
		return fmt.Errorf("unknown chat backend %q", c.Chat.Backend)
	}

	switch c.Storage.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown state backend %q", c.Storage.Backend)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("BILI2MP4_DATA_DIR is required")
	}
	if c.Download.ToolTimeoutSec <= 0 {
		c.Download.ToolTimeoutSec = 10
	}
	if c.Download.ResolveTimeout <= 0 {
		c.Download.ResolveTimeout = 8 * time.Second
	}
	return nil
}

// ToolTimeout is the bound for external tool presence probes.
func (d DownloadConfig) ToolTimeout() time.Duration {
	return time.Duration(d.ToolTimeoutSec) * time.Second
}

func (s StorageConfig) StatePath() string {
	if s.Backend == "sqlite" {
		return filepath.Join(s.DataDir, StateDBName)
	}
	return filepath.Join(s.DataDir, StateFileName)
}

func (s StorageConfig) DownloadDir() string {
	return filepath.Join(s.DataDir, DownloadDirName)
}

func (s StorageConfig) CookieFile() string {
	return filepath.Join(s.DataDir, CookieFileName)
}
