package scope

import (
	"github.com/creasty/defaults"
	"go.uber.org/zap"
)

// Options configures a Scope at construction (spec.md §3, ambient config
// stack). Only Logger is user-meaningful today; LogName exists so the
// default logger name is set consistently via creasty/defaults the same
// way the rest of this module's constructible resources are configured.
type Options struct {
	LogName string `default:"scope"`
	Logger  *zap.SugaredLogger
}

// Option mutates Options; functional-options, matching this module's
// other constructors.
type Option func(*Options)

// WithLogger overrides the scope's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithLogName names the default logger when no explicit Logger is given.
func WithLogName(name string) Option {
	return func(o *Options) { o.LogName = name }
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
	return o
}
