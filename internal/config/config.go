package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application settings. Paths are resolved to absolute
// paths under DataDir so behavior does not depend on the working directory.
type Config struct {
	// Graph API credentials
	GraphBaseURL string
	AccessToken  string
	AppID        string
	AppSecret    string
	AccountID    string

	// Public exposure
	PublicBaseURL string
	ExposurePort  int

	// Storage layout
	DataDir          string
	VideoStoragePath string
	TempStoragePath  string
	LedgerPath       string
	RecurringPath    string
	JobDBPath        string

	// Scheduling
	Timezone      string
	CheckInterval time.Duration
	MisfireGrace  time.Duration
	MaxWorkers    int

	// Video intake
	MaxFileSizeMB       int
	AllowedVideoFormats []string

	// HTTP API
	ListenAddr string
}

// Load reads config/config.yaml (if present) plus REELPILOT_* environment
// overrides, applies defaults, and ensures data directories exist.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./config")
	v.SetEnvPrefix("REELPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.video_storage", "videos")
	v.SetDefault("data.temp_storage", "temp")
	v.SetDefault("data.ledger_file", "scheduled_posts/posts.json")
	v.SetDefault("data.recurring_file", "scheduled_posts/recurring_post.json")
	v.SetDefault("data.job_db", "scheduler.db")
	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.check_interval", time.Second)
	v.SetDefault("scheduler.misfire_grace", 5*time.Minute)
	v.SetDefault("scheduler.max_workers", 20)
	v.SetDefault("video.max_file_size_mb", 200)
	v.SetDefault("video.allowed_formats", []string{"mp4", "mov", "avi"})
	v.SetDefault("exposure.port", 8000)
	v.SetDefault("api.listen_addr", ":8501")
	v.SetDefault("graph.base_url", "https://graph.facebook.com/v20.0")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	dataDir, err := filepath.Abs(v.GetString("data.dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	cfg := &Config{
		GraphBaseURL:        v.GetString("graph.base_url"),
		AccessToken:         v.GetString("graph.access_token"),
		AppID:               v.GetString("graph.app_id"),
		AppSecret:           v.GetString("graph.app_secret"),
		AccountID:           v.GetString("graph.account_id"),
		PublicBaseURL:       v.GetString("exposure.public_base_url"),
		ExposurePort:        v.GetInt("exposure.port"),
		DataDir:             dataDir,
		VideoStoragePath:    resolve(dataDir, v.GetString("data.video_storage")),
		TempStoragePath:     resolve(dataDir, v.GetString("data.temp_storage")),
		LedgerPath:          resolve(dataDir, v.GetString("data.ledger_file")),
		RecurringPath:       resolve(dataDir, v.GetString("data.recurring_file")),
		JobDBPath:           resolve(dataDir, v.GetString("data.job_db")),
		Timezone:            v.GetString("scheduler.timezone"),
		CheckInterval:       v.GetDuration("scheduler.check_interval"),
		MisfireGrace:        v.GetDuration("scheduler.misfire_grace"),
		MaxWorkers:          v.GetInt("scheduler.max_workers"),
		MaxFileSizeMB:       v.GetInt("video.max_file_size_mb"),
		AllowedVideoFormats: v.GetStringSlice("video.allowed_formats"),
		ListenAddr:          v.GetString("api.listen_addr"),
	}

	if err := cfg.createDirectories(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolve(dataDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

func (c *Config) createDirectories() error {
	dirs := []string{
		c.VideoStoragePath,
		c.TempStoragePath,
		filepath.Dir(c.LedgerPath),
		filepath.Dir(c.RecurringPath),
		filepath.Dir(c.JobDBPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsConfigured reports whether all required Graph API credentials are set
func (c *Config) IsConfigured() bool {
	required := []string{c.AccessToken, c.AppID, c.AppSecret, c.AccountID}
	for _, field := range required {
		if strings.TrimSpace(field) == "" {
			return false
		}
	}
	return true
}

// Location resolves the configured timezone. All scheduled times are
// compared in this single location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
