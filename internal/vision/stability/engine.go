// Package stability turns per-frame classifications of tracked subjects into
// verdicts that only change after a run of agreeing frames.
//
// Every track attribute moves through Unstable, Stabilizing and Stable. The
// consecutive-frame counter is the only thing that moves a track into or out
// of Stable; the blended confidence is reported alongside but never drives a
// transition.
package stability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
)

// Config configures an Engine.
type Config struct {
	Threshold       int                // consecutive agreeing frames to reach Stable (default: 5)
	ConfidenceFloor float64            // observations below this are ignored (default: 0.35)
	Floors          map[string]float64 // per-attribute floor overrides
	BlendWeight     float64            // weight of the newest confidence (default: 0.3)
	SilenceWindow   time.Duration      // track purged after this long without observations (default: 2s)
	Clock           timeutil.Clock

	// OnBoundary receives every boundary event. It is called with the track
	// locked, so events for one track arrive in order; it must not call back
	// into the engine for the same key.
	OnBoundary func(BoundaryEvent)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		ConfidenceFloor: 0.35,
		BlendWeight:     0.3,
		SilenceWindow:   2 * time.Second,
	}
}

type track struct {
	mu   sync.Mutex
	gone bool // purged; holders must re-resolve

	source, trackID, attribute string

	state       State
	candidate   string
	candConf    float64
	consecutive int

	stableLabel string
	stableConf  float64
	stableSince time.Time

	lastFrame frames.FrameID
	lastSeen  time.Time
}

// reset returns t to a fresh Unstable track, keeping its identity.
func (t *track) reset() {
	t.state = Unstable
	t.candidate, t.candConf, t.consecutive = "", 0, 0
	t.stableLabel, t.stableConf, t.stableSince = "", 0, time.Time{}
	t.lastFrame, t.lastSeen = frames.FrameID{}, time.Time{}
}

// Engine holds one hysteresis state machine per track key.
type Engine struct {
	cfg   Config
	clock timeutil.Clock

	mu     sync.RWMutex
	tracks map[string]*track

	stale   atomic.Uint64
	ignored atomic.Uint64
	started atomic.Uint64
	ended   atomic.Uint64
}

// New creates an Engine, applying defaults for zero config values.
func New(cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.ConfidenceFloor < 0 {
		cfg.ConfidenceFloor = 0
	}
	if cfg.BlendWeight <= 0 || cfg.BlendWeight > 1 {
		cfg.BlendWeight = d.BlendWeight
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = d.SilenceWindow
	}
	return &Engine{
		cfg:    cfg,
		clock:  timeutil.OrReal(cfg.Clock),
		tracks: make(map[string]*track),
	}
}

func (e *Engine) floor(attribute string) float64 {
	if f, ok := e.cfg.Floors[attribute]; ok {
		return f
	}
	return e.cfg.ConfidenceFloor
}

// acquire returns the live, locked track for key, creating it when create is
// set. The caller must unlock it.
func (e *Engine) acquire(key string, o *Observation, create bool) *track {
	for {
		e.mu.RLock()
		t := e.tracks[key]
		e.mu.RUnlock()
		if t == nil {
			if !create {
				return nil
			}
			e.mu.Lock()
			if t = e.tracks[key]; t == nil {
				t = &track{source: o.Source, trackID: o.TrackID, attribute: o.Attribute}
				e.tracks[key] = t
			}
			e.mu.Unlock()
		}
		t.mu.Lock()
		if !t.gone {
			return t
		}
		t.mu.Unlock()
	}
}

// Observe applies o to its track and returns the resulting snapshot.
// Observations for one key must be submitted in frame order; an observation
// whose frame is not newer than the last applied one is dropped.
func (e *Engine) Observe(o Observation) Snapshot {
	key := o.Key()
	if o.At.IsZero() {
		o.At = e.clock.Now()
	}

	if o.Confidence < e.floor(o.Attribute) {
		e.ignored.Add(1)
		t := e.acquire(key, &o, false)
		if t == nil {
			return Snapshot{Key: key, Source: o.Source, TrackID: o.TrackID, Attribute: o.Attribute, Ignored: true}
		}
		defer t.mu.Unlock()
		s := t.snapshot(key)
		s.Ignored = true
		return s
	}

	t := e.acquire(key, &o, true)
	defer t.mu.Unlock()

	if !o.Frame.IsZero() && !t.lastFrame.IsZero() && !t.lastFrame.Before(o.Frame) {
		e.stale.Add(1)
		monitoring.RecordStaleObservation()
		tracef("dropped stale observation %s for %s (last %s)", o.Frame, key, t.lastFrame)
		s := t.snapshot(key)
		s.Ignored = true
		return s
	}

	// A track silent past the window is dead even if Sweep has not run yet.
	if !t.lastSeen.IsZero() && o.At.Sub(t.lastSeen) > e.cfg.SilenceWindow {
		if t.state == Stable {
			e.emitEnded(key, t, t.lastSeen, ReasonLost)
		}
		t.reset()
	}

	t.lastSeen = o.At
	if !o.Frame.IsZero() {
		t.lastFrame = o.Frame
	}

	conf := o.Confidence
	if o.Consistency > 0 {
		conf *= min(o.Consistency, 1)
	}

	if t.consecutive == 0 || o.Label != t.candidate {
		if t.state == Stable {
			e.emitEnded(key, t, o.At, ReasonFlip)
		}
		t.candidate = o.Label
		t.candConf = conf
		t.consecutive = 1
		t.state = Unstable
	} else {
		t.consecutive++
		w := e.cfg.BlendWeight
		t.candConf = w*conf + (1-w)*t.candConf
	}

	switch {
	case t.consecutive >= e.cfg.Threshold:
		if t.state != Stable {
			t.state = Stable
			t.stableLabel = t.candidate
			t.stableSince = o.At
			t.stableConf = t.candConf
			e.emitStarted(key, t, o)
		} else {
			t.stableConf = t.candConf
		}
	case t.consecutive > 1:
		t.state = Stabilizing
	default:
		t.state = Unstable
	}
	return t.snapshot(key)
}

func (e *Engine) emitStarted(key string, t *track, o Observation) {
	e.started.Add(1)
	monitoring.RecordBoundary(string(EventStarted))
	diagf("%s started %q conf=%.2f at %s", key, t.stableLabel, t.stableConf, o.Frame)
	if e.cfg.OnBoundary == nil {
		return
	}
	e.cfg.OnBoundary(BoundaryEvent{
		ID:         uuid.New(),
		Type:       EventStarted,
		Key:        key,
		Source:     t.source,
		TrackID:    t.trackID,
		Attribute:  t.attribute,
		Verdict:    t.stableLabel,
		Confidence: t.stableConf,
		StartedAt:  t.stableSince,
		Frame:      o.Frame,
	})
}

// emitEnded closes the current stable period and leaves t Unstable.
func (e *Engine) emitEnded(key string, t *track, at time.Time, reason string) {
	e.ended.Add(1)
	monitoring.RecordBoundary(string(EventEnded))
	diagf("%s ended %q (%s)", key, t.stableLabel, reason)
	t.state = Unstable
	if e.cfg.OnBoundary == nil {
		return
	}
	ended := at
	e.cfg.OnBoundary(BoundaryEvent{
		ID:         uuid.New(),
		Type:       EventEnded,
		Key:        key,
		Source:     t.source,
		TrackID:    t.trackID,
		Attribute:  t.attribute,
		Verdict:    t.stableLabel,
		Confidence: t.stableConf,
		StartedAt:  t.stableSince,
		EndedAt:    &ended,
		Reason:     reason,
	})
}

// Sweep purges every track silent for longer than the silence window as of
// now, ending any stable verdict with ReasonLost. It returns the purged keys
// so owners of per-track state elsewhere can discard theirs.
func (e *Engine) Sweep(now time.Time) []string {
	e.mu.RLock()
	candidates := make([]string, 0, len(e.tracks))
	for k := range e.tracks {
		candidates = append(candidates, k)
	}
	e.mu.RUnlock()

	var purged []string
	for _, key := range candidates {
		if e.purgeIf(key, func(t *track) bool {
			return now.Sub(t.lastSeen) > e.cfg.SilenceWindow
		}, ReasonLost) {
			purged = append(purged, key)
		}
	}
	sort.Strings(purged)
	if len(purged) > 0 {
		diagf("purged %d silent tracks", len(purged))
	}
	return purged
}

// Forget purges key immediately, ending a stable verdict with
// ReasonForgotten. It reports whether the key existed.
func (e *Engine) Forget(key string) bool {
	return e.purgeIf(key, func(*track) bool { return true }, ReasonForgotten)
}

func (e *Engine) purgeIf(key string, cond func(*track) bool, reason string) bool {
	t := e.acquire(key, nil, false)
	if t == nil {
		return false
	}
	defer t.mu.Unlock()
	if !cond(t) {
		return false
	}
	if t.state == Stable {
		at := t.lastSeen
		if reason == ReasonForgotten {
			at = e.clock.Now()
		}
		e.emitEnded(key, t, at, reason)
	}
	t.gone = true
	e.mu.Lock()
	if e.tracks[key] == t {
		delete(e.tracks, key)
	}
	e.mu.Unlock()
	return true
}

// Get returns the current snapshot of key.
func (e *Engine) Get(key string) (Snapshot, bool) {
	t := e.acquire(key, nil, false)
	if t == nil {
		return Snapshot{}, false
	}
	defer t.mu.Unlock()
	return t.snapshot(key), true
}

// Tracks returns a snapshot of every live track, sorted by key.
func (e *Engine) Tracks() []Snapshot {
	e.mu.RLock()
	keys := make([]string, 0, len(e.tracks))
	for k := range e.tracks {
		keys = append(keys, k)
	}
	e.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		if s, ok := e.Get(k); ok {
			out = append(out, s)
		}
	}
	return out
}

// ActiveVerdicts returns the verdict of every Stable track of source, keyed
// by track key. An empty source matches every source.
func (e *Engine) ActiveVerdicts(source string) map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, s := range e.Tracks() {
		if s.State != Stable || (source != "" && s.Source != source) {
			continue
		}
		out[s.Key] = s
	}
	return out
}

// Stats is a point-in-time summary of engine activity.
type Stats struct {
	Tracks  int    `json:"tracks"`
	Stable  int    `json:"stable"`
	Stale   uint64 `json:"stale_observations"`
	Ignored uint64 `json:"ignored_observations"`
	Started uint64 `json:"started_events"`
	Ended   uint64 `json:"ended_events"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	snaps := e.Tracks()
	st := Stats{
		Tracks:  len(snaps),
		Stale:   e.stale.Load(),
		Ignored: e.ignored.Load(),
		Started: e.started.Load(),
		Ended:   e.ended.Load(),
	}
	for _, s := range snaps {
		if s.State == Stable {
			st.Stable++
		}
	}
	return st
}

func (t *track) snapshot(key string) Snapshot {
	return Snapshot{
		Key:                 key,
		Source:              t.source,
		TrackID:             t.trackID,
		Attribute:           t.attribute,
		State:               t.state,
		CandidateLabel:      t.candidate,
		CandidateConfidence: t.candConf,
		Consecutive:         t.consecutive,
		StableLabel:         t.stableLabel,
		StableConfidence:    t.stableConf,
		StableSince:         t.stableSince,
		LastFrame:           t.lastFrame,
		LastSeen:            t.lastSeen,
	}
}
