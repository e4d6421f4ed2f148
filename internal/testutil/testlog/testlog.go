// Package testlog configures logging for tests.
package testlog

import (
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var once sync.Once

// Start routes the global logger to the test's stderr at debug level and
// marks the test boundary in the output.
func Start(t *testing.T) {
	t.Helper()
	once.Do(func() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
			Level(zerolog.DebugLevel).
			With().Logger()
	})
	log.Debug().Str("test", t.Name()).Msg("start")
}
