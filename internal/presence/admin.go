package presence

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/httputil"
)

// sessionStatus is the admin view of one session.
type sessionStatus struct {
	Target        string          `json:"target"`
	Active        bool            `json:"active"`
	ProbeMethod   ProbeMethod     `json:"probe_method"`
	PendingProbes int             `json:"pending_probes"`
	Baseline      BaselineSummary `json:"baseline"`
	Snapshot      Snapshot        `json:"snapshot"`
}

// AttachAdminRoutes attaches the tracker debug endpoints to mux under
// /debug/. These routes are accessible only over localhost/via Tailscale.
func (m *Manager) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("presence", "tracked targets and their latest snapshot (JSON)", m.handleStatus)
	debug.HandleFunc("presence-log", "recent tracker activity (JSON)", m.handleActivity)
	debug.HandleFunc("presence-chart", "latency baseline chart (?target=)", m.handleChart)
	debug.HandleSilentFunc("presence-tail", m.handleTail)
	debug.HandleSilentFunc("presence-track", m.handleTrack)
	debug.HandleSilentFunc("presence-untrack", m.handleUntrack)
	debug.HandleSilentFunc("presence-method", m.handleMethod)
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out := make([]sessionStatus, 0)
	for _, target := range m.Targets() {
		s, ok := m.Get(target)
		if !ok {
			continue
		}
		_, summary := s.Baseline()
		out = append(out, sessionStatus{
			Target:        target,
			Active:        s.Active(),
			ProbeMethod:   s.ProbeMethod(),
			PendingProbes: s.PendingProbes(),
			Baseline:      summary,
			Snapshot:      s.Snapshot(),
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (m *Manager) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, m.Activity())
}

// handleTail streams every published snapshot as server-sent events. The
// activity log is replayed first so a new client starts hydrated.
func (m *Manager) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, c := m.Subscribe()
	defer m.Unsubscribe(id)

	f, err := httputil.StartEventStream(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := httputil.WriteEvent(w, f, "hydrate", m.Activity()); err != nil {
		return
	}

	for {
		select {
		case snap, ok := <-c:
			if !ok {
				return
			}
			if err := httputil.WriteEvent(w, f, "snapshot", snap); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (m *Manager) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	input := strings.TrimSpace(r.FormValue("target"))
	if input == "" {
		httputil.BadRequest(w, "missing target")
		return
	}
	s, err := m.Track(input)
	switch {
	case errors.Is(err, ErrInvalidTarget):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ErrAlreadyTracked):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusCreated, map[string]string{"target": s.Target()})
	}
}

func (m *Manager) handleUntrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	input := strings.TrimSpace(r.FormValue("target"))
	if input == "" {
		httputil.BadRequest(w, "missing target")
		return
	}
	err := m.Untrack(input)
	switch {
	case errors.Is(err, ErrInvalidTarget):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ErrNotTracked):
		httputil.NotFound(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.WriteJSONOK(w, map[string]string{"stopped": input})
	}
}

func (m *Manager) handleMethod(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]ProbeMethod{"probe_method": m.ProbeMethod()})
	case http.MethodPost:
		method, err := ParseProbeMethod(r.FormValue("method"))
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		m.SetProbeMethod(method)
		httputil.WriteJSONOK(w, map[string]ProbeMethod{"probe_method": method})
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleChart renders the session baseline as a line chart, with the
// median and the online threshold drawn as flat series.
func (m *Manager) handleChart(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		if targets := m.Targets(); len(targets) > 0 {
			target = targets[0]
		}
	}
	s, ok := m.Get(target)
	if !ok {
		if parsed, err := m.ParseTarget(target); err == nil {
			s, ok = m.Get(parsed)
		}
	}
	if !ok {
		httputil.NotFound(w, "no session for target")
		return
	}

	values, summary := s.Baseline()
	if len(values) == 0 {
		httputil.NotFound(w, "no latency samples yet")
		return
	}

	threshold := summary.MedianMs * s.classifier.Factor
	xs := make([]int, len(values))
	rtt := make([]opts.LineData, len(values))
	median := make([]opts.LineData, len(values))
	limit := make([]opts.LineData, len(values))
	for i, v := range values {
		xs[i] = i + 1
		rtt[i] = opts.LineData{Value: float64(v) / float64(time.Millisecond)}
		median[i] = opts.LineData{Value: summary.MedianMs}
		limit[i] = opts.LineData{Value: threshold}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Presence Baseline", Theme: "dark", Width: "1000px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latency baseline", Subtitle: fmt.Sprintf("target=%s samples=%d/%d", s.Target(), summary.Count, summary.Capacity)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "rtt (ms)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(xs).
		AddSeries("rtt", rtt).
		AddSeries("median", median).
		AddSeries("threshold", limit)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
