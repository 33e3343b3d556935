// Package config loads runtime settings from the environment, the only
// configuration surface this service exposes (spec.md §6).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the flat record of every enumerated option in spec.md §6.
// Validation happens once at Load time; invalid values are fatal to the
// caller (spec.md §9).
type Settings struct {
	DBPath string `yaml:"db_path"`

	MaxConcurrentTasks int `yaml:"max_concurrent"`
	SchedTickMS        int `yaml:"sched_tick_ms"`
	LeaseMS            int `yaml:"lease_ms"`
	MaxAttempts        int `yaml:"max_attempts"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads settings from the environment with the DTS_ prefix,
// applying the defaults from spec.md §6, and validates them.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("DTS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("db_path", "./var/tasks.db")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("sched_tick_ms", 200)
	v.SetDefault("lease_ms", 60_000)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
	v.SetDefault("log_level", "info")

	s := &Settings{
		DBPath:             v.GetString("db_path"),
		MaxConcurrentTasks: v.GetInt("max_concurrent"),
		SchedTickMS:        v.GetInt("sched_tick_ms"),
		LeaseMS:            v.GetInt("lease_ms"),
		MaxAttempts:        v.GetInt("max_attempts"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("DTS_MAX_CONCURRENT must be > 0, got %d", s.MaxConcurrentTasks)
	}
	if s.SchedTickMS <= 0 {
		return fmt.Errorf("DTS_SCHED_TICK_MS must be > 0, got %d", s.SchedTickMS)
	}
	if s.LeaseMS <= 0 {
		return fmt.Errorf("DTS_LEASE_MS must be > 0, got %d", s.LeaseMS)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("DTS_MAX_ATTEMPTS must be > 0, got %d", s.MaxAttempts)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("DTS_PORT must be between 1 and 65535, got %d", s.Port)
	}
	if s.Host == "" {
		return fmt.Errorf("DTS_HOST must not be empty")
	}
	return nil
}
