package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
)

var (
	// ErrCapacityExceeded is returned by Admit when the registry is at its
	// in-flight limit. Callers must apply backpressure (drop or delay).
	ErrCapacityExceeded = errors.New("frame registry at capacity")

	// ErrUnknownIdentity is returned for writes against a frame that was never
	// admitted or has already been evicted.
	ErrUnknownIdentity = errors.New("unknown frame identity")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	MaxInFlight     int            // admitted and not yet completed (default: 8)
	CompletionGrace time.Duration  // how long finished carriers stay readable (default: 2s)
	StaleAfter      time.Duration  // in-flight age at which Sweep force-completes (default: 30s)
	Clock           timeutil.Clock // time source for admission/completion stamps
	OnComplete      func(*Carrier) // receives every finalized carrier exactly once
}

// slot holds the current version of one frame. mu serialises writers for
// that frame only; readers load current without locking.
type slot struct {
	mu      sync.Mutex
	current atomic.Pointer[Carrier]
	evicted bool // guarded by mu
}

// Registry owns the canonical version of every in-flight carrier.
type Registry struct {
	cfg   RegistryConfig
	clock timeutil.Clock

	seq atomic.Uint64

	// mu guards the in-flight count so capacity checks are atomic with
	// insertion. It is never held while a slot lock is being acquired.
	mu       sync.Mutex
	inFlight int

	live sync.Map                        // FrameID -> *slot, not yet final
	done *ttlcache.Cache[FrameID, *slot] // final, held for CompletionGrace

	admitted  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	skipped   atomic.Uint64
	reaped    atomic.Uint64
}

// NewRegistry creates a Registry, applying defaults for zero config values.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	r := &Registry{
		cfg:   cfg,
		clock: timeutil.OrReal(cfg.Clock),
		done: ttlcache.New(
			ttlcache.WithTTL[FrameID, *slot](cfg.CompletionGrace),
			ttlcache.WithDisableTouchOnHit[FrameID, *slot](),
		),
	}
	r.done.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[FrameID, *slot]) {
		s := item.Value()
		s.mu.Lock()
		s.evicted = true
		s.mu.Unlock()
	})
	return r
}

// Admit mints a FrameID and stores a new carrier in the Admitted stage.
func (r *Registry) Admit(source string, capturedAt time.Time, img image.Image) (FrameID, error) {
	r.mu.Lock()
	if r.inFlight >= r.cfg.MaxInFlight {
		n := r.inFlight
		r.mu.Unlock()
		r.rejected.Add(1)
		monitoring.RecordCapacityExceeded()
		return FrameID{}, fmt.Errorf("%w: %d frames in flight", ErrCapacityExceeded, n)
	}
	id := FrameID{Source: source, Seq: r.seq.Add(1)}
	s := &slot{}
	s.current.Store(&Carrier{
		id:         id,
		capturedAt: capturedAt,
		admittedAt: r.clock.Now(),
		image:      img,
		stage:      StageAdmitted,
		results:    map[string]StageResult{},
		tracks:     map[string]VerdictSnapshot{},
		version:    1,
	})
	r.live.Store(id, s)
	r.inFlight++
	n := r.inFlight
	r.mu.Unlock()

	r.admitted.Add(1)
	monitoring.SetInFlight(n)
	return id, nil
}

// Get returns the current version of id. It never waits on writers.
func (r *Registry) Get(id FrameID) (*Carrier, bool) {
	s := r.lookup(id)
	if s == nil {
		return nil, false
	}
	return s.current.Load(), true
}

func (r *Registry) lookup(id FrameID) *slot {
	if v, ok := r.live.Load(id); ok {
		return v.(*slot)
	}
	if item := r.done.Get(id); item != nil {
		return item.Value()
	}
	return nil
}

// write applies fn to a copy of the current version of id under the slot
// lock and publishes the result.
func (r *Registry) write(id FrameID, fn func(*Carrier) error) (*Carrier, error) {
	s := r.lookup(id)
	if s == nil {
		monitoring.RecordUnknownIdentity()
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		monitoring.RecordUnknownIdentity()
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	next := s.current.Load().next()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.current.Store(next)
	return next, nil
}

// MarkProcessing moves an admitted carrier into the Processing stage.
func (r *Registry) MarkProcessing(id FrameID) (*Carrier, error) {
	return r.write(id, func(c *Carrier) error {
		if c.stage == StageAdmitted {
			c.stage = StageProcessing
		}
		return nil
	})
}

// UpdateResults merges result for stage into a new version of id. Writes to
// a finished carrier are accepted until its grace period ends so late
// out-of-cadence results can still be attached.
func (r *Registry) UpdateResults(id FrameID, stage string, result StageResult) (*Carrier, error) {
	return r.write(id, func(c *Carrier) error {
		c.results[stage] = result.Clone()
		if c.stage == StageAdmitted {
			c.stage = StageProcessing
		}
		return nil
	})
}

// AnnotateTrack attaches a verdict snapshot for trackKey to id.
func (r *Registry) AnnotateTrack(id FrameID, trackKey string, v VerdictSnapshot) (*Carrier, error) {
	return r.write(id, func(c *Carrier) error {
		c.tracks[trackKey] = v
		return nil
	})
}

// Complete marks id Completed, releases its in-flight capacity and holds it
// for the completion grace period. Completing a finished carrier returns the
// current version without emitting it again.
func (r *Registry) Complete(id FrameID) (*Carrier, error) {
	return r.finish(id, StageCompleted, "")
}

// Skip marks id Skipped with reason; otherwise it behaves like Complete.
func (r *Registry) Skip(id FrameID, reason string) (*Carrier, error) {
	return r.finish(id, StageSkipped, reason)
}

func (r *Registry) finish(id FrameID, stage ProcessingStage, note string) (*Carrier, error) {
	s := r.lookup(id)
	if s == nil {
		monitoring.RecordUnknownIdentity()
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	s.mu.Lock()
	cur := s.current.Load()
	if s.evicted {
		s.mu.Unlock()
		monitoring.RecordUnknownIdentity()
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}
	if cur.stage.Final() {
		s.mu.Unlock()
		return cur, nil
	}
	next := cur.next()
	next.stage = stage
	next.completedAt = r.clock.Now()
	if note != "" {
		next.note = note
	}
	s.current.Store(next)
	s.mu.Unlock()

	// Publish to the grace cache before leaving the live map so a concurrent
	// Get always finds one of them.
	r.done.Set(id, s, ttlcache.DefaultTTL)
	r.live.Delete(id)

	r.mu.Lock()
	r.inFlight--
	n := r.inFlight
	r.mu.Unlock()
	monitoring.SetInFlight(n)

	if stage == StageSkipped {
		r.skipped.Add(1)
	} else {
		r.completed.Add(1)
	}
	if r.cfg.OnComplete != nil {
		r.cfg.OnComplete(next)
	}
	return next, nil
}

// Sweep evicts finished carriers whose grace period has ended and
// force-completes in-flight carriers older than StaleAfter. It returns the
// number of carriers force-completed.
func (r *Registry) Sweep() int {
	r.done.DeleteExpired()

	var stale []FrameID
	r.live.Range(func(k, v any) bool {
		c := v.(*slot).current.Load()
		if r.clock.Since(c.admittedAt) >= r.cfg.StaleAfter {
			stale = append(stale, k.(FrameID))
		}
		return true
	})
	n := 0
	for _, id := range stale {
		if _, err := r.finish(id, StageCompleted, "stale"); err == nil {
			n++
			r.reaped.Add(1)
			monitoring.Logf("frames: force-completed stale frame %s", id)
		}
	}
	return n
}

// RegistryStats is a point-in-time summary of registry occupancy.
type RegistryStats struct {
	InFlight  int    `json:"in_flight"`
	Held      int    `json:"held"`
	Capacity  int    `json:"capacity"`
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Skipped   uint64 `json:"skipped"`
	Reaped    uint64 `json:"reaped"`
}

// Stats returns current counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	n := r.inFlight
	r.mu.Unlock()
	return RegistryStats{
		InFlight:  n,
		Held:      r.done.Len(),
		Capacity:  r.cfg.MaxInFlight,
		Admitted:  r.admitted.Load(),
		Rejected:  r.rejected.Load(),
		Completed: r.completed.Load(),
		Skipped:   r.skipped.Load(),
		Reaped:    r.reaped.Load(),
	}
}

// Saturated reports whether the next Admit would fail.
func (r *Registry) Saturated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight >= r.cfg.MaxInFlight
}
