// Package monitor serves the engine's HTTP surface: JSON status, the
// Prometheus scrape endpoint, and a tsweb debug tree with charts and a live
// SQL console over the event store.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/safety.report/internal/httputil"
	"github.com/banshee-data/safety.report/internal/vision/admission"
	"github.com/banshee-data/safety.report/internal/vision/pipeline"
	"github.com/banshee-data/safety.report/internal/vision/stability"
	"github.com/banshee-data/safety.report/internal/vision/storage/sqlite"
)

// Source is the running engine as seen by the monitor.
type Source interface {
	Stats() pipeline.Stats
	Verdicts() []stability.Snapshot
	Admission() *admission.Controller
}

// Config configures a Server.
type Config struct {
	Address  string
	Source   Source
	Store    *sqlite.EventStore  // optional; enables /api/events and tailsql
	Gatherer prometheus.Gatherer // optional; enables /metrics
}

// Server is the monitor HTTP server.
type Server struct {
	cfg    Config
	server *http.Server
}

// New builds a Server. Routes are registered immediately; Start listens.
func New(cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}
	mux, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		diagf("serving monitor on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		opsf("monitor shutdown: %v", err)
		if err := s.server.Close(); err != nil {
			opsf("monitor force close: %v", err)
		}
	}
	diagf("monitor stopped")
	return nil
}

func (s *Server) routes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/verdicts", s.handleVerdicts)
	mux.HandleFunc("/api/admission", s.handleAdmission)
	if s.cfg.Store != nil {
		mux.HandleFunc("/api/events", s.handleEvents)
	}
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Frames in flight", func() any { return s.cfg.Source.Stats().Registry.InFlight })
	debug.KVFunc("Live tracks", func() any { return s.cfg.Source.Stats().Stability.Tracks })
	debug.KVFunc("Stable tracks", func() any { return s.cfg.Source.Stats().Stability.Stable })
	debug.HandleFunc("tiers", "Admission tiers by source (chart)", s.handleTierChart)
	debug.HandleFunc("verdicts", "Stable verdicts by label (chart)", s.handleVerdictChart)

	if s.cfg.Store != nil {
		tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
		if err != nil {
			return nil, err
		}
		tsql.SetDB("sqlite://events.db", s.cfg.Store.DB(), &tailsql.DBOptions{
			Label: "Verdict events",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}
	return mux, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Source.Stats()
	status := http.StatusOK
	body := map[string]any{"status": "ok", "in_flight": st.Registry.InFlight, "capacity": st.Registry.Capacity}
	if st.Registry.Capacity > 0 && st.Registry.InFlight >= st.Registry.Capacity {
		status = http.StatusServiceUnavailable
		body["status"] = "saturated"
	}
	httputil.WriteJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Source.Stats())
}

// verdictView is the JSON shape of a track snapshot.
type verdictView struct {
	Key         string     `json:"key"`
	Source      string     `json:"source"`
	TrackID     string     `json:"track_id"`
	Attribute   string     `json:"attribute"`
	State       string     `json:"state"`
	Candidate   string     `json:"candidate"`
	Consecutive int        `json:"consecutive"`
	Verdict     string     `json:"verdict,omitempty"`
	Confidence  float64    `json:"confidence"`
	StableSince *time.Time `json:"stable_since,omitempty"`
	LastSeen    time.Time  `json:"last_seen"`
}

func viewOf(s stability.Snapshot) verdictView {
	v := verdictView{
		Key:         s.Key,
		Source:      s.Source,
		TrackID:     s.TrackID,
		Attribute:   s.Attribute,
		State:       s.State.String(),
		Candidate:   s.CandidateLabel,
		Consecutive: s.Consecutive,
		Confidence:  s.CandidateConfidence,
		LastSeen:    s.LastSeen,
	}
	if s.State == stability.Stable {
		since := s.StableSince
		v.Verdict, v.Confidence, v.StableSince = s.StableLabel, s.StableConfidence, &since
	}
	return v
}

// handleVerdicts lists live tracks. Query params:
//   - source (optional)
//   - stable=1 to list Stable tracks only
func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source, stableOnly := q.Get("source"), q.Get("stable") == "1"
	out := []verdictView{}
	for _, snap := range s.cfg.Source.Verdicts() {
		if source != "" && snap.Source != source {
			continue
		}
		if stableOnly && snap.State != stability.Stable {
			continue
		}
		out = append(out, viewOf(snap))
	}
	httputil.WriteJSONOK(w, out)
}

// admissionPatch carries the adjustable admission fields; nil leaves a field
// unchanged.
type admissionPatch struct {
	FullInterval    *int     `json:"full_interval,omitempty"`
	MotionThreshold *float64 `json:"motion_threshold,omitempty"`
	RecheckFrames   *int     `json:"recheck_frames,omitempty"`
}

// handleAdmission reports (GET) or adjusts (POST) the admission policy.
func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	ctrl := s.cfg.Source.Admission()
	if r.Method == http.MethodPost {
		var p admissionPatch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httputil.BadRequest(w, "invalid JSON: "+err.Error())
			return
		}
		if (p.FullInterval != nil && *p.FullInterval < 1) ||
			(p.MotionThreshold != nil && (*p.MotionThreshold < 0 || *p.MotionThreshold > 1)) ||
			(p.RecheckFrames != nil && *p.RecheckFrames < 0) {
			httputil.BadRequest(w, "admission value out of range")
			return
		}
		ctrl.UpdateConfig(func(c *admission.Config) {
			if p.FullInterval != nil {
				c.FullInterval = *p.FullInterval
			}
			if p.MotionThreshold != nil {
				c.MotionThreshold = *p.MotionThreshold
			}
			if p.RecheckFrames != nil {
				c.RecheckFrames = *p.RecheckFrames
			}
		})
		diagf("admission policy updated: %+v", ctrl.Config())
	}
	c := ctrl.Config()
	httputil.WriteJSONOK(w, admissionPatch{
		FullInterval:    &c.FullInterval,
		MotionThreshold: &c.MotionThreshold,
		RecheckFrames:   &c.RecheckFrames,
	})
}

// handleEvents lists persisted boundary events. Query params:
//   - source, key (optional)
//   - limit (optional, default 100, max 1000)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sqlite.EventFilter{Source: q.Get("source"), Key: q.Get("key"), Limit: 100}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	evs, err := s.cfg.Store.ListEvents(f)
	if err != nil {
		opsf("list events: %v", err)
		httputil.InternalServerError(w, "failed to list events")
		return
	}
	if evs == nil {
		evs = []sqlite.EventRecord{}
	}
	httputil.WriteJSONOK(w, evs)
}
