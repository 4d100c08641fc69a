// Package logging configures the global zerolog logger from command line settings.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string `mapstructure:"log-level" yaml:"log-level"`
	Format     string `mapstructure:"log-format" yaml:"log-format"`
	File       string `mapstructure:"log-file" yaml:"log-file"`
	WithCaller bool   `mapstructure:"with-caller" yaml:"with-caller"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "text"}
}

// AddFlags registers the logging flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := DefaultSettings()
	fs.String("log-level", d.Level, "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", d.Format, "Log format (text, json)")
	fs.String("log-file", "", "Write logs to this file, rotated")
	fs.Bool("with-caller", false, "Log the caller file and line")
}

var (
	mu      sync.Mutex
	rotated *lumberjack.Logger
)

// InitLogger replaces the global logger. It can be called again once flags are parsed.
func InitLogger(s Settings) error {
	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}

	mu.Lock()
	defer mu.Unlock()
	if rotated != nil {
		_ = rotated.Close()
		rotated = nil
	}

	var w io.Writer = os.Stderr
	toTerminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if s.File != "" {
		rotated = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		w = rotated
		toTerminal = false
	}

	switch strings.ToLower(s.Format) {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: w, NoColor: !toTerminal, TimeFormat: "15:04:05"}
	case "json":
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(w).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = ctx.Logger()
	return nil
}
