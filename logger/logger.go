// Package logger configures the shared zerolog.Logger used across every
// component of the engine.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/nimbusdata/cdp-core/config"
)

// New returns a configured zerolog.Logger. Development environments get
// console-formatted, debug-level output; everything else gets level-filtered
// output suitable for structured log shipping.
func New(cfg *config.Config) zerolog.Logger {
	var out zerolog.Logger
	if cfg.IsDevelopment() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return out
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
