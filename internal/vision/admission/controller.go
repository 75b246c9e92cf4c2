// Package admission decides, before any inference runs, how much work an
// incoming frame deserves.
package admission

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/banshee-data/safety.report/internal/monitoring"
)

// Tier is the processing depth assigned to a frame.
type Tier int

const (
	Full        Tier = iota // every stage runs
	Lightweight             // no new inference; reuse current stable verdicts
	Skip                    // dropped after identity is minted
)

func (t Tier) String() string {
	switch t {
	case Full:
		return "full"
	case Lightweight:
		return "lightweight"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Reasons attached to decisions.
const (
	ReasonInterval = "interval"
	ReasonMotion   = "motion"
	ReasonRecheck  = "recheck"
	ReasonIdle     = "idle"
)

// SourceFrame names a frame by its position in its source's stream. The
// registry identity does not exist yet when admission runs.
type SourceFrame struct {
	Source string
	Index  uint64
}

// Decision is the admission outcome for one frame.
type Decision struct {
	Frame  SourceFrame
	Tier   Tier
	Reason string
	Motion float64 // activity score in [0,1] used for the decision

	thumb []float64 // folded into the baseline on Commit
}

// Config is the run-time adjustable admission policy.
type Config struct {
	FullInterval    int     // every Nth frame is Full regardless of motion (default: 5)
	MotionThreshold float64 // activity score above which a frame is Full (default: 0.04)
	RecheckFrames   int     // frames after a Full frame that stay Lightweight (default: 2)
	ThumbSize       int     // side of the square grayscale thumbnail (default: 32)
	BaselineAlpha   float64 // weight on history of the rolling baseline (default: 0.6)
}

// DefaultConfig returns the default admission policy.
func DefaultConfig() Config {
	return Config{
		FullInterval:    5,
		MotionThreshold: 0.04,
		RecheckFrames:   2,
		ThumbSize:       32,
		BaselineAlpha:   0.6,
	}
}

func (c Config) normalised() Config {
	d := DefaultConfig()
	if c.FullInterval <= 0 {
		c.FullInterval = d.FullInterval
	}
	if c.MotionThreshold < 0 {
		c.MotionThreshold = 0
	}
	if c.RecheckFrames < 0 {
		c.RecheckFrames = 0
	}
	if c.ThumbSize <= 0 {
		c.ThumbSize = d.ThumbSize
	}
	if c.BaselineAlpha < 0 || c.BaselineAlpha >= 1 {
		c.BaselineAlpha = d.BaselineAlpha
	}
	return c
}

// TierCounts are rolling per-source decision counters.
type TierCounts struct {
	Full        uint64 `json:"full"`
	Lightweight uint64 `json:"lightweight"`
	Skip        uint64 `json:"skip"`
}

type sourceState struct {
	baseline []float64 // thumbnail pixels, row-major
	size     int
	lastFull uint64
	hasFull  bool
	counts   TierCounts
}

// Controller applies the admission policy per source. It is safe for
// concurrent use.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	sources map[string]*sourceState
}

// New creates a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg.normalised(), sources: make(map[string]*sourceState)}
}

// Config returns the current policy.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig applies fn to the current policy. Later decisions use the new
// values; per-source state is kept unless the thumbnail size changed.
func (c *Controller) UpdateConfig(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	fn(&next)
	c.cfg = next.normalised()
	diagf("policy updated: interval=%d threshold=%.3f recheck=%d",
		c.cfg.FullInterval, c.cfg.MotionThreshold, c.cfg.RecheckFrames)
}

// Decide returns the tier for frame index of source. img may be nil, in
// which case the motion score is zero. Decide does not change any state;
// the decision only counts once Commit records it.
//
// Policy, first match wins: index on the full interval; motion above the
// threshold; within the re-check window of the last Full frame
// (Lightweight); otherwise Skip.
func (c *Controller) Decide(source string, index uint64, img image.Image) Decision {
	size := c.Config().ThumbSize
	var thumb []float64
	if img != nil {
		thumb = thumbnail(img, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.sources[source]
	if st == nil {
		st = &sourceState{}
	}
	motion := st.score(thumb, c.cfg.ThumbSize)

	d := Decision{Frame: SourceFrame{Source: source, Index: index}, Motion: motion, thumb: thumb}
	switch {
	case index%uint64(c.cfg.FullInterval) == 0:
		d.Tier, d.Reason = Full, ReasonInterval
	case motion > c.cfg.MotionThreshold:
		d.Tier, d.Reason = Full, ReasonMotion
	case st.hasFull && index > st.lastFull && index-st.lastFull <= uint64(c.cfg.RecheckFrames):
		d.Tier, d.Reason = Lightweight, ReasonRecheck
	default:
		d.Tier, d.Reason = Skip, ReasonIdle
	}
	return d
}

// Commit records d once its frame has been admitted: the counters, the last
// Full frame of the source and the motion baseline. A decision whose frame
// was rejected must not be committed, or later frames would re-check a Full
// run that never happened.
func (c *Controller) Commit(d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	source, index := d.Frame.Source, d.Frame.Index
	st := c.sources[source]
	if st == nil {
		st = &sourceState{}
		c.sources[source] = st
	}
	st.fold(d.thumb, c.cfg.ThumbSize, c.cfg.BaselineAlpha)

	switch d.Tier {
	case Full:
		if !st.hasFull || index > st.lastFull {
			st.lastFull, st.hasFull = index, true
		}
		st.counts.Full++
	case Lightweight:
		st.counts.Lightweight++
	case Skip:
		st.counts.Skip++
	}
	monitoring.RecordAdmission(d.Tier.String())
	tracef("%s#%d -> %s (%s, motion=%.3f)", source, index, d.Tier, d.Reason, d.Motion)
}

// Stats returns the decision counters for source.
func (c *Controller) Stats(source string) TierCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.sources[source]; st != nil {
		return st.counts
	}
	return TierCounts{}
}

// Sources returns the counters of every known source.
func (c *Controller) Sources() map[string]TierCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TierCounts, len(c.sources))
	for k, st := range c.sources {
		out[k] = st.counts
	}
	return out
}

// Forget drops the baseline and counters of source.
func (c *Controller) Forget(source string) {
	c.mu.Lock()
	delete(c.sources, source)
	c.mu.Unlock()
}

// score is the mean absolute difference of thumb from the baseline,
// normalised to [0,1]. Zero until a baseline exists.
func (st *sourceState) score(thumb []float64, size int) float64 {
	if thumb == nil || len(thumb) != size*size || st.baseline == nil || st.size != size {
		return 0
	}
	var sum float64
	for i, v := range thumb {
		d := v - st.baseline[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(thumb)) / 255
}

// fold blends thumb into the rolling baseline, seeding it on first use or
// after a thumbnail size change.
func (st *sourceState) fold(thumb []float64, size int, alpha float64) {
	if thumb == nil || len(thumb) != size*size {
		return
	}
	if st.baseline == nil || st.size != size {
		st.baseline = append([]float64(nil), thumb...)
		st.size = size
		return
	}
	for i, v := range thumb {
		st.baseline[i] = alpha*st.baseline[i] + (1-alpha)*v
	}
}

// thumbnail downsamples img to a size x size grayscale grid.
func thumbnail(img image.Image, size int) []float64 {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	out := make([]float64, len(dst.Pix))
	for i, p := range dst.Pix {
		out[i] = float64(p)
	}
	return out
}
