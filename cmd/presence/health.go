package main

import (
	"errors"

	"github.com/heptiolabs/healthcheck"

	"github.com/banshee-data/presence.report/internal/presence"
)

var errNoSessions = errors.New("no targets tracked")

// newHealthHandler builds the /live and /ready checks. The process is ready
// once at least one session is running.
func newHealthHandler(m *presence.Manager, maxGoroutines int) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("sessions", func() error {
		for _, target := range m.Targets() {
			if s, ok := m.Get(target); ok && s.Active() {
				return nil
			}
		}
		return errNoSessions
	})
	return health
}
