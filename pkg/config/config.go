// Package config loads server settings from a config file and the
// environment. File values override defaults, environment variables
// (prefix LIVE_) override the file, so a container can tune a deploy
// without shipping a new config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tecu23/live-server/pkg/game"
)

// Config is everything the server reads at boot.
type Config struct {
	Port           string `mapstructure:"port"`
	Debug          bool   `mapstructure:"debug"`
	FrontendOrigin string `mapstructure:"frontend_origin"` // empty allows any origin

	APIKeys     []string      `mapstructure:"api_keys"`
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`

	// RedisURL enables the live-state store; empty keeps sessions in
	// memory only. DatabaseURL enables the Postgres archive; empty
	// falls back to the in-memory archive.
	RedisURL    string        `mapstructure:"redis_url"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"` // live-record expiry in Redis
	DatabaseURL string        `mapstructure:"database_url"`

	ArchiveWorkers int `mapstructure:"archive_workers"`
	ArchiveBacklog int `mapstructure:"archive_backlog"`
	EventBuffer    int `mapstructure:"event_buffer"`

	Session SessionConfig `mapstructure:"session"`
}

// SessionConfig mirrors the per-session tunables.
type SessionConfig struct {
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	AbandonTimeout  time.Duration `mapstructure:"abandon_timeout"`
	ForfeitTimeout  time.Duration `mapstructure:"forfeit_timeout"`
	OfferTTL        time.Duration `mapstructure:"offer_ttl"`
	RetainFinished  time.Duration `mapstructure:"retain_finished"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	MailboxSize     int           `mapstructure:"mailbox_size"`
}

// Load reads config.yaml from path (and the working directory) plus the
// environment. A missing file is fine; defaults carry the day.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("LIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := game.DefaultConfig()

	v.SetDefault("port", "8080")
	v.SetDefault("debug", false)
	v.SetDefault("frontend_origin", "")

	v.SetDefault("api_keys", []string{})
	v.SetDefault("token_secret", "")
	v.SetDefault("token_ttl", 24*time.Hour)

	v.SetDefault("redis_url", "")
	v.SetDefault("snapshot_ttl", 48*time.Hour)
	v.SetDefault("database_url", "")

	v.SetDefault("archive_workers", 2)
	v.SetDefault("archive_backlog", 64)
	v.SetDefault("event_buffer", 256)

	v.SetDefault("session.disconnect_grace", defaults.DisconnectGrace)
	v.SetDefault("session.abandon_timeout", defaults.AbandonTimeout)
	v.SetDefault("session.forfeit_timeout", defaults.ForfeitTimeout)
	v.SetDefault("session.offer_ttl", defaults.OfferTTL)
	v.SetDefault("session.retain_finished", defaults.RetainFinished)
	v.SetDefault("session.sweep_interval", defaults.SweepInterval)
	v.SetDefault("session.mailbox_size", defaults.MailboxSize)
}

// SessionGameConfig maps the loaded tunables onto the session package's
// config type.
func (c *Config) SessionGameConfig() game.Config {
	return game.Config{
		DisconnectGrace: c.Session.DisconnectGrace,
		AbandonTimeout:  c.Session.AbandonTimeout,
		ForfeitTimeout:  c.Session.ForfeitTimeout,
		OfferTTL:        c.Session.OfferTTL,
		RetainFinished:  c.Session.RetainFinished,
		SweepInterval:   c.Session.SweepInterval,
		MailboxSize:     c.Session.MailboxSize,
	}
}
