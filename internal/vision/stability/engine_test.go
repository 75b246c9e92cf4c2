package stability

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []BoundaryEvent
}

func (r *recorder) add(ev BoundaryEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []BoundaryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BoundaryEvent(nil), r.events...)
}

func newEngine(threshold int) (*Engine, *recorder, *timeutil.MockClock) {
	rec := &recorder{}
	mc := timeutil.NewMockClock(t0)
	e := New(Config{
		Threshold:       threshold,
		ConfidenceFloor: 0.3,
		SilenceWindow:   2 * time.Second,
		Clock:           mc,
		OnBoundary:      rec.add,
	})
	return e, rec, mc
}

// feeder issues observations for one track with increasing frame numbers
// spaced 100ms apart.
type feeder struct {
	e     *Engine
	mc    *timeutil.MockClock
	track string
	seq   uint64
}

func (f *feeder) obs(label string, conf float64) Snapshot {
	f.seq++
	f.mc.Advance(100 * time.Millisecond)
	return f.e.Observe(Observation{
		Source:     "cam-1",
		TrackID:    f.track,
		Attribute:  "headgear",
		Label:      label,
		Confidence: conf,
		Frame:      frames.FrameID{Source: "cam-1", Seq: f.seq},
	})
}

func TestStableAfterThreshold(t *testing.T) {
	e, rec, mc := newEngine(3)
	f := &feeder{e: e, mc: mc, track: "t1"}

	s := f.obs("A", 0.9)
	assert.Equal(t, Unstable, s.State)
	s = f.obs("A", 0.9)
	assert.Equal(t, Stabilizing, s.State)
	assert.Empty(t, rec.all())

	s = f.obs("A", 0.9)
	assert.Equal(t, Stable, s.State)
	assert.Equal(t, "A", s.StableLabel)
	assert.Equal(t, 3, s.Consecutive)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "A", events[0].Verdict)
	assert.Equal(t, "t1", events[0].TrackID)
	assert.Nil(t, events[0].EndedAt)
	assert.Equal(t, uint64(3), events[0].Frame.Seq)
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].ID))

	// Further agreeing frames do not emit again.
	f.obs("A", 0.9)
	f.obs("A", 0.9)
	assert.Len(t, rec.all(), 1)
}

func TestLabelFlipResetsCounter(t *testing.T) {
	e, rec, mc := newEngine(3)
	f := &feeder{e: e, mc: mc, track: "t1"}
	for i := 0; i < 3; i++ {
		f.obs("A", 0.9)
	}

	s := f.obs("B", 0.95)
	assert.Equal(t, 1, s.Consecutive)
	assert.Equal(t, "B", s.CandidateLabel)
	assert.Equal(t, Unstable, s.State)
	assert.Equal(t, "A", s.StableLabel, "last confirmed label is retained")
	assert.False(t, s.Verdict().Stable)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventEnded, events[1].Type)
	assert.Equal(t, "A", events[1].Verdict)
	assert.Equal(t, ReasonFlip, events[1].Reason)
	require.NotNil(t, events[1].EndedAt)
	for _, ev := range events {
		assert.False(t, ev.Type == EventStarted && ev.Verdict == "B", "B must not start after one frame")
	}

	s = f.obs("B", 0.95)
	assert.Equal(t, Stabilizing, s.State)
	s = f.obs("B", 0.95)
	assert.Equal(t, Stable, s.State)
	assert.Equal(t, "B", s.StableLabel)
	assert.Len(t, rec.all(), 3)
}

func TestThresholdBoundary(t *testing.T) {
	for _, threshold := range []int{1, 2, 5, 8} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			e, _, mc := newEngine(threshold)
			f := &feeder{e: e, mc: mc, track: "t1"}
			var s Snapshot
			for i := 1; i < threshold; i++ {
				s = f.obs("no_helmet", 0.8)
			}
			if threshold > 1 {
				assert.Equal(t, threshold-1, s.Consecutive)
				assert.NotEqual(t, Stable, s.State, "stable at threshold-1")
			}
			s = f.obs("no_helmet", 0.8)
			assert.Equal(t, threshold, s.Consecutive)
			assert.Equal(t, Stable, s.State, "not stable at threshold")
		})
	}
}

func TestBelowFloorIsNoObservation(t *testing.T) {
	e, rec, mc := newEngine(3)
	f := &feeder{e: e, mc: mc, track: "t1"}

	// A low-confidence first sighting does not create the track.
	s := f.obs("A", 0.1)
	assert.True(t, s.Ignored)
	_, ok := e.Get(s.Key)
	assert.False(t, ok)

	f.obs("A", 0.9)
	f.obs("A", 0.9)
	before, _ := e.Get(s.Key)

	// Neither advances nor resets, whatever the label.
	s = f.obs("B", 0.2)
	assert.True(t, s.Ignored)
	assert.Equal(t, 2, s.Consecutive)
	assert.Equal(t, "A", s.CandidateLabel)
	assert.Equal(t, before.LastSeen, s.LastSeen, "ignored observation must not refresh last-seen")

	s = f.obs("A", 0.9)
	assert.Equal(t, Stable, s.State)
	assert.Len(t, rec.all(), 1)
}

func TestPerAttributeFloor(t *testing.T) {
	e := New(Config{Threshold: 1, ConfidenceFloor: 0.5, Floors: map[string]float64{"posture": 0.8}, Clock: timeutil.NewMockClock(t0)})
	s := e.Observe(Observation{Source: "c", TrackID: "1", Attribute: "posture", Label: "fallen", Confidence: 0.7})
	assert.True(t, s.Ignored)
	s = e.Observe(Observation{Source: "c", TrackID: "1", Attribute: "headgear", Label: "helmet", Confidence: 0.7})
	assert.False(t, s.Ignored)
	assert.Equal(t, Stable, s.State)
}

func TestBlendedConfidenceNeverTransitions(t *testing.T) {
	e, rec, mc := newEngine(4)
	f := &feeder{e: e, mc: mc, track: "t1"}

	confs := []float64{0.99, 0.31, 0.99}
	for _, c := range confs {
		s := f.obs("A", c)
		assert.NotEqual(t, Stable, s.State)
	}
	assert.Empty(t, rec.all())

	s := f.obs("A", 0.31)
	assert.Equal(t, Stable, s.State)
	// 0.99 -> 0.3*0.31+0.7*0.99 -> ... blended, not last.
	assert.InDelta(t, 0.686, s.StableConfidence, 1e-3)
}

func TestConsistencyScalesConfidenceOnly(t *testing.T) {
	e, _, mc := newEngine(2)
	mc.Advance(time.Millisecond)
	s := e.Observe(Observation{Source: "c", TrackID: "1", Attribute: "a", Label: "x", Confidence: 0.8, Consistency: 0.5, Frame: frames.FrameID{Source: "c", Seq: 1}})
	assert.InDelta(t, 0.4, s.CandidateConfidence, 1e-9)
	s = e.Observe(Observation{Source: "c", TrackID: "1", Attribute: "a", Label: "x", Confidence: 0.8, Consistency: 0.01, Frame: frames.FrameID{Source: "c", Seq: 2}})
	assert.Equal(t, Stable, s.State, "a low consistency score must not block the transition")
}

func TestStaleObservationDropped(t *testing.T) {
	e, _, _ := newEngine(3)
	obs := func(seq uint64, label string) Snapshot {
		return e.Observe(Observation{Source: "cam-1", TrackID: "t1", Attribute: "headgear", Label: label, Confidence: 0.9, Frame: frames.FrameID{Source: "cam-1", Seq: seq}})
	}
	obs(10, "A")
	obs(11, "A")
	s := obs(9, "B")
	assert.True(t, s.Ignored)
	assert.Equal(t, "A", s.CandidateLabel)
	assert.Equal(t, 2, s.Consecutive)
	s = obs(11, "A")
	assert.True(t, s.Ignored, "duplicate frame must not double count")
	assert.Equal(t, uint64(2), e.Stats().Stale)
}

func TestSweepPurgesSilentTracks(t *testing.T) {
	e, rec, mc := newEngine(2)
	stable := &feeder{e: e, mc: mc, track: "t1"}
	stable.obs("A", 0.9)
	stable.obs("A", 0.9)
	quiet := &feeder{e: e, mc: mc, track: "t2"}
	quiet.obs("B", 0.9)

	assert.Empty(t, e.Sweep(mc.Now().Add(time.Second)))

	purged := e.Sweep(mc.Now().Add(3 * time.Second))
	assert.Equal(t, []string{Key("cam-1", "t1", "headgear"), Key("cam-1", "t2", "headgear")}, purged)
	assert.Empty(t, e.Tracks())

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventEnded, events[1].Type)
	assert.Equal(t, ReasonLost, events[1].Reason)
	assert.Equal(t, "t1", events[1].TrackID)
}

func TestSilentTrackRestartsOnNextObservation(t *testing.T) {
	e, rec, mc := newEngine(2)
	f := &feeder{e: e, mc: mc, track: "t1"}
	f.obs("A", 0.9)
	f.obs("A", 0.9)

	mc.Advance(5 * time.Second)
	s := f.obs("A", 0.9)
	assert.Equal(t, 1, s.Consecutive)
	assert.Equal(t, Unstable, s.State)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonLost, events[1].Reason)
}

func TestForget(t *testing.T) {
	e, rec, mc := newEngine(1)
	f := &feeder{e: e, mc: mc, track: "t1"}
	s := f.obs("A", 0.9)

	assert.True(t, e.Forget(s.Key))
	assert.False(t, e.Forget(s.Key))
	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonForgotten, events[1].Reason)
}

func TestActiveVerdicts(t *testing.T) {
	e, _, mc := newEngine(1)
	e.Observe(Observation{Source: "cam-1", TrackID: "1", Attribute: "headgear", Label: "helmet", Confidence: 0.9, At: mc.Now()})
	e.Observe(Observation{Source: "cam-2", TrackID: "1", Attribute: "headgear", Label: "no_helmet", Confidence: 0.9, At: mc.Now()})

	got := e.ActiveVerdicts("cam-1")
	require.Len(t, got, 1)
	v := got[Key("cam-1", "1", "headgear")].Verdict()
	assert.Equal(t, "helmet", v.Label)
	assert.True(t, v.Stable)
	assert.Equal(t, "stable", v.State)

	assert.Len(t, e.ActiveVerdicts(""), 2)
}

// TestStableLabelProperty checks, over random label sequences, that the
// stable label is always the most recent label seen in threshold
// consecutive accepted observations.
func TestStableLabelProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	labels := []string{"A", "B", "C"}
	const threshold = 3

	for trial := 0; trial < 50; trial++ {
		e, _, mc := newEngine(threshold)
		f := &feeder{e: e, mc: mc, track: fmt.Sprintf("t%d", trial)}

		run, last, want := 0, "", ""
		prevStable := ""
		for i := 0; i < 60; i++ {
			label := labels[rng.Intn(2+trial%2)]
			if rng.Intn(4) > 0 && last != "" {
				label = last
			}
			conf := 0.9
			if rng.Intn(8) == 0 {
				conf = 0.1 // below floor, must be invisible
			}
			s := f.obs(label, conf)
			if conf < 0.3 {
				continue
			}
			if label == last {
				run++
			} else {
				run, last = 1, label
			}
			if run == threshold {
				want = label
			}
			require.Equal(t, want, s.StableLabel, "trial %d step %d", trial, i)
			if s.StableLabel != prevStable {
				prevStable = s.StableLabel
				require.Equal(t, threshold, run, "stable label changed outside a completed run")
			}
		}
	}
}

func TestConcurrentTracks(t *testing.T) {
	e, rec, mc := newEngine(5)
	now := mc.Now()
	var wg sync.WaitGroup
	for k := 0; k < 32; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			for i := 1; i <= 10; i++ {
				e.Observe(Observation{
					Source: "cam-1", TrackID: fmt.Sprint(k), Attribute: "headgear",
					Label: "helmet", Confidence: 0.9, At: now,
					Frame: frames.FrameID{Source: "cam-1", Seq: uint64(i)},
				})
			}
		}(k)
	}
	wg.Wait()
	st := e.Stats()
	assert.Equal(t, 32, st.Tracks)
	assert.Equal(t, 32, st.Stable)
	assert.Len(t, rec.all(), 32)
}

func TestSplitKey(t *testing.T) {
	src, id, attr, ok := SplitKey(Key("site/cam-1", "42", "headgear"))
	require.True(t, ok)
	assert.Equal(t, "site/cam-1", src)
	assert.Equal(t, "42", id)
	assert.Equal(t, "headgear", attr)

	_, _, _, ok = SplitKey("nokey")
	assert.False(t, ok)
}
