// Package smoothing conditions noisy per-track continuous signals (box
// centres, joint positions, scalar scores) before they reach the stability
// engine.
package smoothing

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Config tunes a Smoother. Zero values take the defaults shown.
type Config struct {
	Alpha                  float64 // weight on history in the EMA (default: 0.7)
	OutlierK               float64 // sigma multiple beyond which a sample is rejected (default: 3)
	MinSamples             int     // accepted deviations needed before rejection starts (default: 5)
	Window                 int     // recent deviations and accept flags retained (default: 16)
	MaxConsecutiveOutliers int     // rejections in a row that re-seed the track (default: 4)
	ConsistencyScale       float64 // deviation, in signal units, that halves consistency (default: 1)
	MinSpread              float64 // floor on the deviation spread, in signal units (default: 1)
}

// DefaultConfig returns the default smoother configuration.
func DefaultConfig() Config {
	return Config{
		Alpha:                  0.7,
		OutlierK:               3,
		MinSamples:             5,
		Window:                 16,
		MaxConsecutiveOutliers: 4,
		ConsistencyScale:       1,
		MinSpread:              1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = d.Alpha
	}
	if c.OutlierK <= 0 {
		c.OutlierK = d.OutlierK
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window < c.MinSamples {
		c.Window = max(d.Window, c.MinSamples)
	}
	if c.MaxConsecutiveOutliers <= 0 {
		c.MaxConsecutiveOutliers = d.MaxConsecutiveOutliers
	}
	if c.ConsistencyScale <= 0 {
		c.ConsistencyScale = d.ConsistencyScale
	}
	if c.MinSpread <= 0 {
		c.MinSpread = d.MinSpread
	}
	return c
}

// track is the smoothing state of one key.
type track struct {
	mu sync.Mutex

	value []float64
	conf  float64

	devs     []float64 // recent accepted deviations, oldest first
	accepted []bool    // recent accept/reject outcomes, oldest first
	inRow    int       // consecutive rejections
}

// Smoother keeps one EMA per key. Calls for different keys never contend;
// calls for the same key are serialised.
type Smoother struct {
	cfg    Config
	tracks sync.Map // string -> *track
}

// New creates a Smoother.
func New(cfg Config) *Smoother {
	return &Smoother{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (s *Smoother) Config() Config { return s.cfg }

func (s *Smoother) track(key string) *track {
	if v, ok := s.tracks.Load(key); ok {
		return v.(*track)
	}
	v, _ := s.tracks.LoadOrStore(key, &track{})
	return v.(*track)
}

// Smooth folds raw into the EMA for key and returns the smoothed value and
// confidence. When raw is rejected as an outlier the previous smoothed value
// and confidence are returned unchanged and accepted is false.
//
// A change in dimensionality re-seeds the key.
func (s *Smoother) Smooth(key string, raw []float64, rawConfidence float64) (smoothed []float64, conf float64, accepted bool) {
	t := s.track(key)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.value == nil || len(t.value) != len(raw) {
		t.seed(raw, rawConfidence)
		return clone(t.value), t.conf, true
	}

	dev := floats.Distance(raw, t.value, 2)
	if s.isOutlier(t, dev) {
		t.inRow++
		t.rememberOutcome(false, s.cfg.Window)
		if t.inRow < s.cfg.MaxConsecutiveOutliers {
			return clone(t.value), t.conf, false
		}
		// The jump persisted; treat it as the new level rather than noise.
		t.seed(raw, rawConfidence)
		return clone(t.value), t.conf, true
	}

	a := s.cfg.Alpha
	for i := range t.value {
		t.value[i] = a*t.value[i] + (1-a)*raw[i]
	}
	t.conf = a*t.conf + (1-a)*rawConfidence
	t.inRow = 0
	t.rememberDev(dev, s.cfg.Window)
	t.rememberOutcome(true, s.cfg.Window)
	return clone(t.value), t.conf, true
}

// SmoothScalar is Smooth for one-dimensional signals.
func (s *Smoother) SmoothScalar(key string, raw, rawConfidence float64) (float64, float64, bool) {
	v, c, ok := s.Smooth(key, []float64{raw}, rawConfidence)
	return v[0], c, ok
}

func (s *Smoother) isOutlier(t *track, dev float64) bool {
	if len(t.devs) < s.cfg.MinSamples {
		return false
	}
	mean, sd := stat.MeanStdDev(t.devs, nil)
	// Steady motion gives near-zero spread; without a floor every rounding
	// wobble would count as an outlier.
	return dev > mean+s.cfg.OutlierK*max(sd, s.cfg.MinSpread)
}

// ConsistencyScore reports how stable recent inputs for key have been, in
// [0,1]. Unknown keys score 0.
func (s *Smoother) ConsistencyScore(key string) float64 {
	v, ok := s.tracks.Load(key)
	if !ok {
		return 0
	}
	t := v.(*track)
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.accepted) == 0 {
		return 1 // seeded, nothing to disagree with yet
	}
	n := 0
	for _, ok := range t.accepted {
		if ok {
			n++
		}
	}
	frac := float64(n) / float64(len(t.accepted))
	if len(t.devs) == 0 {
		return frac
	}
	meanDev := stat.Mean(t.devs, nil)
	return frac / (1 + meanDev/s.cfg.ConsistencyScale)
}

// Forget discards the state for key.
func (s *Smoother) Forget(key string) {
	s.tracks.Delete(key)
}

// Len returns the number of keys with state.
func (s *Smoother) Len() int {
	n := 0
	s.tracks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *track) seed(raw []float64, conf float64) {
	t.value = clone(raw)
	t.conf = conf
	t.devs = t.devs[:0]
	t.accepted = t.accepted[:0]
	t.inRow = 0
}

func (t *track) rememberDev(d float64, window int) {
	t.devs = append(t.devs, d)
	if len(t.devs) > window {
		t.devs = t.devs[len(t.devs)-window:]
	}
}

func (t *track) rememberOutcome(ok bool, window int) {
	t.accepted = append(t.accepted, ok)
	if len(t.accepted) > window {
		t.accepted = t.accepted[len(t.accepted)-window:]
	}
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
