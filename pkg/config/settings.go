// Package config loads borak's settings from the config file, BORAK_ environment variables
// and command line flags, and keeps the stored login credentials.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/borak/pkg/logging"
	"github.com/go-go-golems/borak/pkg/redisstream"
)

const (
	AppName   = "borak"
	EnvPrefix = "BORAK"
)

type BusSettings struct {
	Redis redisstream.Settings `mapstructure:"redis" yaml:"redis"`
}

type Settings struct {
	Server         string        `mapstructure:"server" yaml:"server"`
	Model          string        `mapstructure:"model" yaml:"model"`
	PageSize       int           `mapstructure:"page-size" yaml:"page-size"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	EventsAddr     string        `mapstructure:"events-addr" yaml:"events-addr"`
	// AbortStreamOnUnauthorized severs a running stream when another request comes back 401.
	AbortStreamOnUnauthorized bool        `mapstructure:"abort-stream-on-unauthorized" yaml:"abort-stream-on-unauthorized"`
	SanitizeHTML              bool        `mapstructure:"sanitize-html" yaml:"sanitize-html"`
	Bus                       BusSettings `mapstructure:"bus" yaml:"bus"`

	logging.Settings `mapstructure:",squash" yaml:",inline"`
}

func DefaultSettings() Settings {
	return Settings{
		Server:         "http://localhost:8501",
		PageSize:       20,
		RequestTimeout: 30 * time.Second,
		SanitizeHTML:   true,
		Bus:            BusSettings{Redis: redisstream.DefaultSettings()},
		Settings:       logging.DefaultSettings(),
	}
}

// Dir is $HOME/.borak.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate home directory")
	}
	return filepath.Join(home, "."+AppName), nil
}

func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// AddFlags registers the persistent flags that override config values.
func AddFlags(fs *pflag.FlagSet) {
	d := DefaultSettings()
	fs.String("config", "", "Config file (default $HOME/.borak/config.yaml)")
	fs.String("server", d.Server, "Base URL of the chat service")
	fs.String("model", "", "Model to chat with (service default when empty)")
	fs.Int("page-size", d.PageSize, "Sessions fetched per page")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout of non-streaming requests")
	fs.String("events-addr", "", "Serve state events to websocket clients on this address")
	fs.Bool("abort-stream-on-unauthorized", false, "Abort a running stream when the service logs the user out")
	fs.Bool("sanitize-html", d.SanitizeHTML, "Sanitize HTML previews and the message HTML sent to event clients")
	logging.AddFlags(fs)
}

// NewViper builds a viper instance with defaults, env binding and, when fs is given, flag binding.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	d := DefaultSettings()
	v.SetDefault("server", d.Server)
	v.SetDefault("model", d.Model)
	v.SetDefault("page-size", d.PageSize)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("events-addr", d.EventsAddr)
	v.SetDefault("abort-stream-on-unauthorized", d.AbortStreamOnUnauthorized)
	v.SetDefault("sanitize-html", d.SanitizeHTML)
	v.SetDefault("bus.redis.enabled", d.Bus.Redis.Enabled)
	v.SetDefault("bus.redis.addr", d.Bus.Redis.Addr)
	v.SetDefault("bus.redis.group", d.Bus.Redis.Group)
	v.SetDefault("bus.redis.consumer", d.Bus.Redis.Consumer)
	v.SetDefault("log-level", d.Level)
	v.SetDefault("log-format", d.Format)
	v.SetDefault("log-file", d.File)
	v.SetDefault("with-caller", d.WithCaller)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	return v, nil
}

// Load reads the config file named by the config key, or the default file when it exists,
// and decodes the merged settings.
func Load(v *viper.Viper) (Settings, error) {
	path := v.GetString("config")
	if path == "" {
		def, err := DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
		log.Debug().Str("config_path", v.ConfigFileUsed()).Msg("using config file")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if s.PageSize <= 0 {
		s.PageSize = DefaultSettings().PageSize
	}
	if s.Bus.Redis.Enabled {
		if err := s.Bus.Redis.Validate(); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}
