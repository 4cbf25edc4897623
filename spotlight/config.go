package spotlight

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/castboard/spotlight/spotlight/database"
	"github.com/castboard/spotlight/spotlight/engine"
	"github.com/pelletier/go-toml/v2"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Log      LogConfig         `toml:"log"`
	Web      WebConfig         `toml:"web"`
	DB       database.DBConfig `toml:"db"`
	Engine   EngineConfig      `toml:"engine"`
	Notify   NotifyConfig      `toml:"notify"`
	Payments PaymentsConfig    `toml:"payments"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type WebConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	AllowOrigins string `toml:"allow_origins"`
	AdminToken   string `toml:"admin_token"`
}

type EngineConfig struct {
	DeadlineHourUTC     int `toml:"deadline_hour_utc"`
	TickIntervalSeconds int `toml:"tick_interval_seconds"`
	FeatureDurationHrs  int `toml:"feature_duration_hours"`
}

// TickInterval returns the configured tick cadence, defaulting to the
// engine standard.
func (c EngineConfig) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return engine.TickInterval
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// Options converts the config section into engine options.
func (c EngineConfig) Options() engine.Options {
	opts := engine.Options{DeadlineHourUTC: c.DeadlineHourUTC}
	if c.FeatureDurationHrs > 0 {
		opts.FeatureDuration = time.Duration(c.FeatureDurationHrs) * time.Hour
	}
	return opts
}

type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

type PaymentsConfig struct {
	VerifyURL string `toml:"verify_url"`
	APIKey    string `toml:"api_key"`
}
