package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voxmeet/voxid/internal/feature"
	"github.com/voxmeet/voxid/internal/segment"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Unknown YAML keys are rejected so typos fail
// loudly instead of silently keeping a default. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Audio segmentation: constructing a segmenter is the authoritative
	// check, same parameters, same rejections.
	if _, err := segment.New(cfg.Audio); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	// Extraction
	if _, err := feature.New(cfg.Extractor); err != nil {
		errs = append(errs, fmt.Errorf("extractor: %w", err))
	}
	if cfg.Audio.WorkingRate != cfg.Extractor.WorkingRate {
		errs = append(errs, fmt.Errorf("audio.working_rate %d and extractor.working_rate %d must agree",
			cfg.Audio.WorkingRate, cfg.Extractor.WorkingRate))
	}

	// Matching
	if cfg.Matcher.CosineWeight < 0 || cfg.Matcher.EuclideanWeight < 0 {
		errs = append(errs, errors.New("matcher weights must not be negative"))
	}
	if cfg.Matcher.CosineWeight+cfg.Matcher.EuclideanWeight == 0 {
		errs = append(errs, errors.New("matcher weights must not both be zero"))
	}
	if cfg.Matcher.Threshold < 0 || cfg.Matcher.Threshold > 1 {
		errs = append(errs, fmt.Errorf("matcher.threshold %v is out of range [0, 1]", cfg.Matcher.Threshold))
	}

	// Sessions
	if err := cfg.ManagerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}

	return errors.Join(errs...)
}
