package timescheduler

import (
	"github.com/creasty/defaults"
	"go.uber.org/zap"
)

// Options configures a TimeScheduler. BatchSize bounds how many ready
// items the background thread completes, with its lock released,
// before re-checking for newly scheduled work (spec.md §4.8).
type Options struct {
	BatchSize int `default:"10"`
	LogName   string `default:"time_scheduler"`
	Logger    *zap.SugaredLogger
}

type Option func(*Options)

func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts ...Option) Options {
	o := Options{}
	_ = defaults.Set(&o)
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.S().Named(o.LogName)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	return o
}
