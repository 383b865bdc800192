// Package logging builds the single zerolog.Logger used throughout
// the proxy, matching the log-level taxonomy of the original's
// common.h macros:
//
//	_D    (compiled out unless debugging) -> Debug
//	INFO                                  -> Info
//	ERRP/ERRN (errno-annotated)            -> Error().Err(err)
//	ERRX/ERRPX (process-fatal)             -> Fatal
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds a logger writing structured JSON to stderr, or a
// human-readable console when stderr is a terminal. debug controls
// whether Debug-level sites (the _D call sites in the original) are
// emitted at all.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
