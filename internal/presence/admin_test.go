package presence

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/testutil"
)

func newAdminMux(t *testing.T) (*Manager, *fakeTransport, *http.ServeMux) {
	t.Helper()
	m, ft, _ := newTestManager(t, 100)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	return m, ft, mux
}

func postForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := testutil.LocalRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdmin_TrackRoute(t *testing.T) {
	m, _, mux := newAdminMux(t)

	tests := []struct {
		name   string
		form   url.Values
		status int
		body   string
	}{
		{"tracks a formatted number", url.Values{"target": {"+55 11 91234-5678"}}, http.StatusCreated, testTarget},
		{"duplicate", url.Values{"target": {testTarget}}, http.StatusConflict, "already tracked"},
		{"invalid", url.Values{"target": {"123"}}, http.StatusBadRequest, "invalid target"},
		{"missing", url.Values{}, http.StatusBadRequest, "missing target"},
		{"blank", url.Values{"target": {"   "}}, http.StatusBadRequest, "missing target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(mux, "/debug/presence-track", tt.form)
			testutil.AssertStatusCode(t, rec.Code, tt.status)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
	assert.Equal(t, []string{testTarget}, m.Targets())

	rec := get(mux, "/debug/presence-track")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestAdmin_UntrackRoute(t *testing.T) {
	m, _, mux := newAdminMux(t)
	_, err := m.Track(testTarget)
	require.NoError(t, err)

	rec := postForm(mux, "/debug/presence-untrack", url.Values{"target": {"5511912345678"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Empty(t, m.Targets())

	rec = postForm(mux, "/debug/presence-untrack", url.Values{"target": {"5511912345678"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = postForm(mux, "/debug/presence-untrack", url.Values{"target": {"12"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = postForm(mux, "/debug/presence-untrack", url.Values{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = get(mux, "/debug/presence-untrack")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestAdmin_StatusRoute(t *testing.T) {
	m, ft, mux := newAdminMux(t)

	rec := get(mux, "/debug/presence")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "[]\n", rec.Body.String())

	_, err := m.Track(testTarget)
	require.NoError(t, err)
	ft.nextSent(t)

	rec = get(mux, "/debug/presence")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	out := testutil.DecodeJSON[[]sessionStatus](t, rec)
	require.Len(t, out, 1)
	assert.Equal(t, testTarget, out[0].Target)
	assert.True(t, out[0].Active)
	assert.Equal(t, ProbeDelete, out[0].ProbeMethod)
	assert.Equal(t, 2000, out[0].Baseline.Capacity)
	assert.Equal(t, testTarget, out[0].Snapshot.Target)

	rec = postForm(mux, "/debug/presence", url.Values{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestAdmin_ActivityRoute(t *testing.T) {
	m, _, mux := newAdminMux(t)
	m.publish(Snapshot{
		Target:  testTarget,
		Seq:     1,
		Devices: []DeviceSnapshot{{Identity: testTarget, State: StateOnline, LastLatencyMs: 42}},
	})

	rec := get(mux, "/debug/presence-log")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	log := testutil.DecodeJSON[[]ActivityEntry](t, rec)
	require.Len(t, log, 1)
	assert.Equal(t, StateOnline, log[0].State)
	assert.Equal(t, int64(42), log[0].LatencyMs)
}

func TestAdmin_MethodRoute(t *testing.T) {
	m, _, mux := newAdminMux(t)

	rec := get(mux, "/debug/presence-method")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, map[string]string{"probe_method": "delete"}, testutil.DecodeJSON[map[string]string](t, rec))

	rec = postForm(mux, "/debug/presence-method", url.Values{"method": {"reaction"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, ProbeReaction, m.ProbeMethod())

	rec = postForm(mux, "/debug/presence-method", url.Values{"method": {"carrier-pigeon"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, ProbeReaction, m.ProbeMethod())

	req := testutil.LocalRequest(http.MethodDelete, "/debug/presence-method", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestAdmin_ChartRoute(t *testing.T) {
	m, ft, mux := newAdminMux(t)

	rec := get(mux, "/debug/presence-chart")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	s, err := m.Track(testTarget)
	require.NoError(t, err)
	probe := ft.nextSent(t)
	testutil.Eventually(t, 2*time.Second, func() bool { return s.PendingProbes() == 1 }, "probe registered")

	rec = get(mux, "/debug/presence-chart?target=5511912345678")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	assert.Contains(t, rec.Body.String(), "no latency samples yet")

	ft.receipt(Receipt{ID: probe, From: testTarget, Type: ReceiptDelivery})
	testutil.Eventually(t, 2*time.Second, func() bool { return s.PendingProbes() == 0 }, "probe resolved")

	rec = get(mux, "/debug/presence-chart")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Presence Baseline")
}

func TestAdmin_TailRouteHydratesAndStopsOnCancel(t *testing.T) {
	m, _, mux := newAdminMux(t)
	m.publish(Snapshot{Target: testTarget, Seq: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := testutil.LocalRequest(http.MethodGet, "/debug/presence-tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ping\n\nevent: hydrate\ndata: ["), body)
	assert.Contains(t, body, testTarget)
}

func TestAdmin_TailRouteStreamsSnapshots(t *testing.T) {
	m, _, mux := newAdminMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/presence-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		t.Helper()
		require.True(t, lines.Scan(), "stream ended early: %v", lines.Err())
		return lines.Text()
	}
	for next() != "event: hydrate" {
	}
	next()

	m.publish(Snapshot{Target: testTarget, Seq: 7})
	for {
		if line := next(); line == "event: snapshot" {
			break
		}
	}
	data := next()
	assert.True(t, strings.HasPrefix(data, "data: {"), data)
	assert.Contains(t, data, `"seq":7`)
	cancel()
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	_, _, mux := newAdminMux(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/presence", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusForbidden)
}
