package datastorex

import "time"

// Options holds functional options shared by the orchestrator and providers
type Options struct {
	logger       Logger
	instrumenter *Instrumenter
	clock        func() time.Time
}

// Option is a functional option
type Option func(*Options)

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithInstrumenter sets the metrics and tracing instrumenter
func WithInstrumenter(in *Instrumenter) Option {
	return func(opts *Options) {
		opts.instrumenter = in
	}
}

// WithClock sets a custom time provider (useful for testing)
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.clock = clock
	}
}

// ApplyOptions folds options over the defaults
func ApplyOptions(options ...Option) *Options {
	opts := &Options{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	opts.applyDefaults()
	return opts
}

// applyDefaults applies default values to unset options
func (opts *Options) applyDefaults() {
	if opts.logger == nil {
		opts.logger = NewNopLogger()
	}
	if opts.instrumenter == nil {
		opts.instrumenter = NewInstrumenter(nil, nil)
	}
	if opts.clock == nil {
		opts.clock = time.Now
	}
}

// GetLogger returns the configured logger
func (opts *Options) GetLogger() Logger {
	if opts.logger == nil {
		return NewNopLogger()
	}
	return opts.logger
}

// GetInstrumenter returns the configured instrumenter
func (opts *Options) GetInstrumenter() *Instrumenter {
	if opts.instrumenter == nil {
		return NewInstrumenter(nil, nil)
	}
	return opts.instrumenter
}

// GetClock returns the configured clock function
func (opts *Options) GetClock() func() time.Time {
	if opts.clock == nil {
		return time.Now
	}
	return opts.clock
}
