// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across the NAT
// engine and its control-plane surfaces. It wraps charmbracelet/log so
// every component logs key-value pairs consistently, and can fan out
// to a remote syslog collector when configured.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the structured logger used throughout the module.
type Logger struct {
	inner *charmlog.Logger
}

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Syslog SyslogConfig
}

// New builds a Logger writing to stderr, optionally tee'd to syslog.
func New(cfg Config) (*Logger, error) {
	var w io.Writer = os.Stderr

	if cfg.Syslog.Enabled {
		sw, err := NewSyslogWriter(cfg.Syslog)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(w, sw)
	}

	inner := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})
	inner.SetLevel(parseLevel(cfg.Level))

	return &Logger{inner: inner}, nil
}

// NewDefault builds a Logger at info level writing only to stderr;
// convenient for tests and small tools that don't load a full Config.
func NewDefault() *Logger {
	l, _ := New(Config{Level: "info"})
	return l
}

func parseLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

// With returns a Logger that always includes the given key-value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}
