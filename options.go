package findex

import (
	"github.com/mwantia/findex/log"
)

type Options struct {
	Logger *log.Logger
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		Logger: log.NewLogger("findex", log.Warn, "", false),
	}
}

// WithLogger replaces the default logger of the index.
func WithLogger(logger *log.Logger) Option {
	return func(o *Options) error {
		o.Logger = logger
		return nil
	}
}

// WithLogLevel keeps the default logger but changes its verbosity.
func WithLogLevel(level log.LogLevel) Option {
	return func(o *Options) error {
		o.Logger.Level = level
		return nil
	}
}
