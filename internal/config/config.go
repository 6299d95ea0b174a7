// Package config provides the configuration schema and YAML loader for the
// voxid server.
package config

import (
	"log/slog"
	"time"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/ident"
	"github.com/voxmeet/voxid/internal/match"
	"github.com/voxmeet/voxid/internal/segment"
)

// LogLevel controls log verbosity for the voxid server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for voxid.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Audio     segment.Config `yaml:"audio"`
	Extractor feature.Config `yaml:"extractor"`
	Matcher   match.Config   `yaml:"matcher"`
	Sessions  SessionsConfig `yaml:"sessions"`
	Storage   StorageConfig  `yaml:"storage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionsConfig holds the session-pool settings.
type SessionsConfig struct {
	// MaxSessions caps concurrently live identification sessions.
	MaxSessions int `yaml:"max_sessions"`

	// QueueSize bounds each session's utterance backlog.
	QueueSize int `yaml:"queue_size"`

	// IdleTimeout is how long a session may sit without activity before
	// being destroyed. Zero disables the idle sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle sessions are reaped.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig selects the optional persistent voiceprint store.
type StorageConfig struct {
	// PostgresDSN enables Postgres/pgvector persistence of enrollments.
	// Empty keeps the registry memory-only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration the server runs with when fields are
// omitted from the YAML file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 10 * time.Second,
		},
		Audio:     segment.DefaultConfig(),
		Extractor: feature.DefaultConfig(),
		Matcher:   match.DefaultConfig(),
		Sessions: SessionsConfig{
			MaxSessions:   32,
			QueueSize:     64,
			IdleTimeout:   10 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
	}
}

// ManagerConfig assembles the session-pool configuration handed to
// [ident.NewManager], binding the audio section to every session's
// segmenter.
func (c *Config) ManagerConfig() ident.ManagerConfig {
	return ident.ManagerConfig{
		MaxSessions:   c.Sessions.MaxSessions,
		IdleTimeout:   c.Sessions.IdleTimeout,
		SweepInterval: c.Sessions.SweepInterval,
		Session: ident.SessionConfig{
			QueueSize: c.Sessions.QueueSize,
			Segmenter: c.Audio,
		},
	}
}
