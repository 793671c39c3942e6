// Package testutil provides shared test helpers for the tracker packages.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/timeutil"
)

// pollInterval is how often Eventually re-checks its condition.
const pollInterval = 2 * time.Millisecond

// Eventually polls cond until it returns true or timeout elapses, failing
// the test with msg in the latter case. It is used to wait for work that
// happens on transport or worker goroutines.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	if !WaitFor(timeout, cond) {
		t.Fatalf("condition not met within %s: %s", timeout, msg)
	}
}

// WaitFor polls cond until it returns true or timeout elapses and reports
// whether it succeeded.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// WaitForTimers blocks until clock has at least n armed timers, so a test
// knows a goroutine is parked on the clock before advancing it.
func WaitForTimers(t testing.TB, clock *timeutil.MockClock, n int) {
	t.Helper()
	Eventually(t, 2*time.Second, func() bool { return clock.PendingTimers() >= n },
		"waiting for armed timers on mock clock")
}

// LocalRequest creates an httptest request that appears to come from
// localhost, which tsweb requires for /debug/ routes.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// DecodeJSON decodes the recorded response body into a T.
func DecodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
