// Package logging builds the gateway's structured logger. It follows
// solana-exporter's pkg/slog pattern: a package-level accessor backed by a
// sync.Once, so every component calls logging.Get() instead of threading a
// logger argument through every constructor the way the teacher's flag/env
// lessons thread a *rpc context.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.SugaredLogger
)

// Init builds the process-wide logger. debug selects development mode
// (console encoding, debug level); otherwise JSON encoding at info level is
// used, matching how a long-running gateway ships logs to an aggregator.
// Init is idempotent: only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		var base *zap.Logger
		var err error
		if debug {
			base, err = zap.NewDevelopment()
		} else {
			base, err = zap.NewProduction()
		}
		if err != nil {
			// zap's own constructors only fail on bad config; fall back to a
			// no-op logger rather than letting a logging failure take down
			// the gateway.
			base = zap.NewNop()
			_ = err
		}
		logger = base.Sugar()
	})
}

// Get returns the process-wide sugared logger. If Init has not yet been
// called, it initializes it in debug mode when SOLGATEWAY_DEBUG=1 and with
// production defaults otherwise.
func Get() *zap.SugaredLogger {
	Init(os.Getenv("SOLGATEWAY_DEBUG") == "1")
	return logger
}

// Named returns a child logger tagged with component, the way each internal
// package identifies its own log lines.
func Named(component string) *zap.SugaredLogger {
	return Get().Named(component)
}
