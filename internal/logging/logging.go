// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures handling of application log events.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `mapstructure:"level" toml:"level"`
	// Format is one of text, json, color.
	Format string `mapstructure:"format" toml:"format"`
	// File, when set, receives log output rotated by size.
	File string `mapstructure:"file" toml:"file"`
	// MaxSizeMB is the rotation threshold for File.
	MaxSizeMB int `mapstructure:"max_size_mb" toml:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups" toml:"max_backups"`
}

// Init configures the standard logrus logger from cfg. The returned closer
// releases the log file, if any.
func Init(cfg Config) (io.Closer, error) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unrecognized log format %q", cfg.Format)
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unrecognized log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(lvl)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	log.SetOutput(rotator)
	return rotator, nil
}

// For returns an entry tagged with the component name. Packages keep one as
// a package-level default and accept an override through their configs.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}
