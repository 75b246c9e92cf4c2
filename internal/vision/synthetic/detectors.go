package synthetic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/orchestrator"
)

// Stage names produced by Stages.
const (
	StagePerson   = "person"
	StageHeadgear = "headgear"
	StagePose     = "pose"
)

// Labels emitted by the detector doubles.
const (
	LabelPerson   = "person"
	LabelHardhat  = "hardhat"
	LabelBare     = "bare"
	LabelUpright  = "upright"
	LabelCrouched = "crouched"
)

// ErrNoTruth is returned by a detector asked about a frame its scene never
// rendered or has forgotten.
var ErrNoTruth = errors.New("no ground truth for frame")

// World maps camera sources to their scenes.
type World struct {
	mu     sync.RWMutex
	scenes map[string]*Scene
}

// NewWorld returns a World holding scenes.
func NewWorld(scenes ...*Scene) *World {
	w := &World{scenes: make(map[string]*Scene)}
	for _, s := range scenes {
		w.Add(s)
	}
	return w
}

// Add registers s under its source, replacing any previous scene.
func (w *World) Add(s *Scene) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scenes[s.Source()] = s
}

// Scene returns the scene for source.
func (w *World) Scene(source string) (*Scene, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.scenes[source]
	return s, ok
}

func (w *World) truth(c *frames.Carrier) ([]Figure, error) {
	s, ok := w.Scene(c.Source())
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", ErrNoTruth, c.Source())
	}
	figs, ok := s.Truth(c.CapturedAt())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTruth, c.ID())
	}
	return figs, nil
}

// DetectorConfig sets the noise of the detector doubles.
type DetectorConfig struct {
	Seed       uint64
	MissProb   float64       // chance a person is not detected (default: 0.03)
	LabelNoise float64       // chance a classifier reports the wrong label (default: 0.08)
	FailProb   float64       // chance a stage invocation errors (default: 0)
	Latency    time.Duration // simulated inference time per stage (default: 0)
	PoseEvery  int           // pose runs on every Nth full cycle (default: 3)
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.MissProb == 0 {
		c.MissProb = 0.03
	}
	if c.LabelNoise == 0 {
		c.LabelNoise = 0.08
	}
	if c.PoseEvery <= 0 {
		c.PoseEvery = 3
	}
	return c
}

// detectors holds the shared noise source. rand.Rand is not safe for
// concurrent use and stages run in parallel.
type detectors struct {
	world *World
	cfg   DetectorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func (d *detectors) roll() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

func (d *detectors) jitter(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(2*n+1) - n
}

func (d *detectors) confidence(lo, hi float64) float64 {
	return lo + d.roll()*(hi-lo)
}

// work simulates inference latency and random failure.
func (d *detectors) work(ctx context.Context, stage string) error {
	if d.cfg.Latency > 0 {
		t := time.NewTimer(d.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if d.cfg.FailProb > 0 && d.roll() < d.cfg.FailProb {
		return fmt.Errorf("%s: simulated inference failure", stage)
	}
	return nil
}

// Stages returns the detector graph: person at the root, headgear on each
// person crop, and a deferred pose estimator on every PoseEvery-th cycle.
func Stages(w *World, cfg DetectorConfig) []orchestrator.StageSpec {
	cfg = cfg.withDefaults()
	d := &detectors{world: w, cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xdec0de))}
	return []orchestrator.StageSpec{
		orchestrator.Spec(orchestrator.Func(StagePerson, nil, d.person)),
		orchestrator.Spec(orchestrator.Func(StageHeadgear, []string{StagePerson}, d.headgear)),
		{
			Stage:    orchestrator.Func(StagePose, []string{StagePerson}, d.pose),
			Deferred: true,
			Every:    cfg.PoseEvery,
		},
	}
}

func (d *detectors) person(ctx context.Context, in orchestrator.Input) (orchestrator.Output, error) {
	if err := d.work(ctx, StagePerson); err != nil {
		return orchestrator.Output{}, err
	}
	figs, err := d.world.truth(in.Frame)
	if err != nil {
		return orchestrator.Output{}, err
	}
	var out orchestrator.Output
	for _, f := range figs {
		if d.roll() < d.cfg.MissProb {
			continue
		}
		box := f.Box.Add(image.Pt(d.jitter(1), d.jitter(1)))
		out.Detections = append(out.Detections, frames.Detection{
			Label:      LabelPerson,
			Confidence: d.confidence(0.8, 0.99),
			BBox:       box,
			TrackID:    f.TrackID,
		})
	}
	return out, nil
}

// upstreamPeople returns the person detections visible to a dependent stage,
// matched back to ground truth by track.
func (d *detectors) upstreamPeople(in orchestrator.Input) ([]frames.Detection, map[string]Figure, error) {
	figs, err := d.world.truth(in.Frame)
	if err != nil {
		return nil, nil, err
	}
	byTrack := make(map[string]Figure, len(figs))
	for _, f := range figs {
		byTrack[f.TrackID] = f
	}
	res, ok := in.Upstream[StagePerson]
	if !ok || !res.OK() {
		return nil, byTrack, nil
	}
	return res.Detections, byTrack, nil
}

func (d *detectors) headgear(ctx context.Context, in orchestrator.Input) (orchestrator.Output, error) {
	if err := d.work(ctx, StageHeadgear); err != nil {
		return orchestrator.Output{}, err
	}
	people, truth, err := d.upstreamPeople(in)
	if err != nil {
		return orchestrator.Output{}, err
	}
	var out orchestrator.Output
	for _, p := range people {
		f, ok := truth[p.TrackID]
		if !ok {
			continue
		}
		hat := f.Hardhat
		if d.roll() < d.cfg.LabelNoise {
			hat = !hat
		}
		label := LabelBare
		if hat {
			label = LabelHardhat
		}
		out.Detections = append(out.Detections, frames.Detection{
			Label:      label,
			Confidence: d.confidence(0.55, 0.97),
			BBox:       image.Rect(p.BBox.Min.X, p.BBox.Min.Y, p.BBox.Max.X, p.BBox.Min.Y+p.BBox.Dy()/4),
			TrackID:    p.TrackID,
		})
	}
	return out, nil
}

func (d *detectors) pose(ctx context.Context, in orchestrator.Input) (orchestrator.Output, error) {
	if err := d.work(ctx, StagePose); err != nil {
		return orchestrator.Output{}, err
	}
	people, truth, err := d.upstreamPeople(in)
	if err != nil {
		return orchestrator.Output{}, err
	}
	var out orchestrator.Output
	for _, p := range people {
		f, ok := truth[p.TrackID]
		if !ok {
			continue
		}
		crouch := f.Crouch
		if d.roll() < d.cfg.LabelNoise {
			crouch = !crouch
		}
		label := LabelUpright
		if crouch {
			label = LabelCrouched
		}
		out.Detections = append(out.Detections, frames.Detection{
			Label:      label,
			Confidence: d.confidence(0.6, 0.95),
			BBox:       p.BBox,
			TrackID:    p.TrackID,
			Keypoints:  d.keypoints(p.BBox, crouch),
		})
	}
	return out, nil
}

// keypoints places head, hip and two feet inside box as flattened x,y pairs.
func (d *detectors) keypoints(box image.Rectangle, crouch bool) []float64 {
	cx := float64(box.Min.X+box.Max.X) / 2
	top, h := float64(box.Min.Y), float64(box.Dy())
	hip := top + 0.55*h
	if crouch {
		hip = top + 0.75*h
	}
	pts := []float64{
		cx, top + 0.1*h,
		cx, hip,
		cx - 0.2*float64(box.Dx()), top + h,
		cx + 0.2*float64(box.Dx()), top + h,
	}
	for i := range pts {
		pts[i] += float64(d.jitter(1))
	}
	return pts
}
