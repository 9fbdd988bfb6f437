package testlog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgebinder/internal/logging"
)

// Start applies the test logging profile, marks the start of t in the log
// and returns a logger tagged with the test name.
func Start(t testing.TB) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := log.Logger.With().Str("test", t.Name()).Logger()
	logger.Info().Msg("test start")
	t.Cleanup(func() {
		if t.Failed() {
			logger.Warn().Msg("test failed")
		}
	})
	return logger
}
