// Package resultsync reconciles stage results that arrive outside the main
// per-frame cadence with the frames they belong to.
//
// A stage that only runs every Nth frame, or reports from another process,
// submits into a Synchronizer instead of the orchestrator. Entries are
// matched by frame identity or, failing that, by capture-time proximity, and
// are drained either once every expected stage has reported or once their
// window has passed. Every entry leaves through DrainReady; nothing
// accumulates past MaxEntries.
package resultsync

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
)

// ErrUnmatched is returned when no open entry can take a submission.
var ErrUnmatched = errors.New("no open sync entry matches result")

// Config configures a Synchronizer.
type Config struct {
	Window     time.Duration // entry lifetime after capture (default: 100ms)
	MaxEntries int           // open entries before the oldest is forced out (default: 256)
	Clock      timeutil.Clock
}

// Hint identifies the frame a result belongs to. ID wins when set; otherwise
// the open entry of Source captured closest to Timestamp is used.
type Hint struct {
	ID        frames.FrameID
	Source    string
	Timestamp time.Time
}

// Reasons an aggregate was released.
const (
	ReasonComplete = "complete"
	ReasonExpired  = "expired"
	ReasonOverflow = "overflow"
)

// Aggregate is the drained content of one entry.
type Aggregate struct {
	ID         frames.FrameID
	CapturedAt time.Time
	Results    map[string]frames.StageResult
	Partial    bool
	Missing    []string // expected stages that never reported, sorted
	Reason     string
}

type entry struct {
	id         frames.FrameID
	capturedAt time.Time
	expiresAt  time.Time
	expected   map[string]bool
	results    map[string]frames.StageResult
}

func (e *entry) satisfied() bool {
	for name := range e.expected {
		if _, ok := e.results[name]; !ok {
			return false
		}
	}
	return true
}

// Stats is a point-in-time summary of synchronizer activity.
type Stats struct {
	Open       int    `json:"open"`
	Matched    uint64 `json:"matched"`
	Unmatched  uint64 `json:"unmatched"`
	Complete   uint64 `json:"complete"`
	Expired    uint64 `json:"expired"`
	Overflowed uint64 `json:"overflowed"`
}

// Synchronizer is a bounded, time-windowed cache of partial per-frame
// results. It is safe for concurrent use.
type Synchronizer struct {
	cfg   Config
	clock timeutil.Clock

	mu      sync.Mutex
	entries map[frames.FrameID]*entry
	order   []frames.FrameID // registration order of open entries
	forced  []Aggregate      // overflowed entries awaiting the next drain
	stats   Stats
}

// New creates a Synchronizer, applying defaults for zero config values.
func New(cfg Config) *Synchronizer {
	if cfg.Window <= 0 {
		cfg.Window = 100 * time.Millisecond
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	return &Synchronizer{
		cfg:     cfg,
		clock:   timeutil.OrReal(cfg.Clock),
		entries: make(map[frames.FrameID]*entry),
	}
}

// RegisterExpected opens an entry for id expecting results from stages. The
// entry expires at capturedAt plus the window. Registering an open id again
// adds to its expected set.
func (s *Synchronizer) RegisterExpected(id frames.FrameID, capturedAt time.Time, stages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		for _, name := range stages {
			e.expected[name] = true
		}
		return
	}
	for len(s.order) >= s.cfg.MaxEntries {
		s.forceOldest()
	}
	e := &entry{
		id:         id,
		capturedAt: capturedAt,
		expiresAt:  capturedAt.Add(s.cfg.Window),
		expected:   make(map[string]bool, len(stages)),
		results:    make(map[string]frames.StageResult),
	}
	for _, name := range stages {
		e.expected[name] = true
	}
	s.entries[id] = e
	s.order = append(s.order, id)
}

// forceOldest moves the oldest open entry to the forced list. s.mu is held.
func (s *Synchronizer) forceOldest() {
	id := s.order[0]
	s.order = s.order[1:]
	e := s.entries[id]
	delete(s.entries, id)
	s.forced = append(s.forced, aggregate(e, ReasonOverflow))
	s.stats.Overflowed++
	opsf("sync entry %s forced out at capacity %d", id, s.cfg.MaxEntries)
}

// Submit attaches result for stage to the entry hint resolves to and returns
// that entry's identity. Entries past their window no longer accept results.
// An identity that is not open is unmatched; proximity matching only applies
// to hints without an identity.
func (s *Synchronizer) Submit(hint Hint, stage string, result frames.StageResult) (frames.FrameID, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var target *entry
	if !hint.ID.IsZero() {
		if e, ok := s.entries[hint.ID]; ok && now.Before(e.expiresAt) {
			target = e
		}
	} else {
		target = s.closest(hint, stage, now)
	}
	if target == nil {
		s.stats.Unmatched++
		monitoring.RecordUnmatched()
		tracef("unmatched %s result (id=%s ts=%s)", stage, hint.ID, hint.Timestamp.Format(time.RFC3339Nano))
		return frames.FrameID{}, fmt.Errorf("%w: stage %s", ErrUnmatched, stage)
	}
	target.results[stage] = result
	s.stats.Matched++
	return target.id, nil
}

// closest finds the open entry of hint.Source nearest hint.Timestamp that
// still awaits stage. s.mu is held.
func (s *Synchronizer) closest(hint Hint, stage string, now time.Time) *entry {
	var best *entry
	var bestGap time.Duration
	for _, id := range s.order {
		e := s.entries[id]
		if !now.Before(e.expiresAt) {
			continue
		}
		if hint.Source != "" && e.id.Source != hint.Source {
			continue
		}
		if _, done := e.results[stage]; done {
			continue
		}
		if len(e.expected) > 0 && !e.expected[stage] {
			continue
		}
		gap := e.capturedAt.Sub(hint.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > s.cfg.Window {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = e, gap
		}
	}
	return best
}

// DrainReady removes and returns every entry that has all expected results
// or whose window has passed, oldest capture first. Entries forced out by
// overflow are included.
func (s *Synchronizer) DrainReady() []Aggregate {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.forced
	s.forced = nil

	kept := s.order[:0]
	for _, id := range s.order {
		e := s.entries[id]
		switch {
		case e.satisfied():
			out = append(out, aggregate(e, ReasonComplete))
			s.stats.Complete++
		case !now.Before(e.expiresAt):
			out = append(out, aggregate(e, ReasonExpired))
			s.stats.Expired++
		default:
			kept = append(kept, id)
			continue
		}
		delete(s.entries, id)
	}
	s.order = kept

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

// Len returns the number of open entries.
func (s *Synchronizer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns current counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Open = len(s.entries)
	return st
}

func aggregate(e *entry, reason string) Aggregate {
	a := Aggregate{
		ID:         e.id,
		CapturedAt: e.capturedAt,
		Results:    e.results,
		Reason:     reason,
	}
	for name := range e.expected {
		if _, ok := e.results[name]; !ok {
			a.Missing = append(a.Missing, name)
		}
	}
	sort.Strings(a.Missing)
	a.Partial = len(a.Missing) > 0
	return a
}
