// Package redisstream builds the Redis Streams transport used to share chat state events
// between processes.
package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "borak",
		Consumer: "cli-1",
	}
}

// Validate checks an enabled configuration. Disabled settings are always valid.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" || strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: group and consumer are required when enabled")
	}
	return nil
}
