// Package pipeline wires admission, the frame registry, the orchestrator,
// the result synchronizer, the smoother and the stability engine into one
// ingest path.
//
// Per frame: admission picks a tier, the registry mints an identity, and the
// tier decides what happens next (skip, annotate with current verdicts, or a
// full orchestrated run). Every stage result that names a track is funnelled,
// in order, through the smoother and into the stability engine on a worker
// owned by that track. Run drives the periodic sweeps and synchronizer
// drains.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/safety.report/internal/config"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/admission"
	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/orchestrator"
	"github.com/banshee-data/safety.report/internal/vision/resultsync"
	"github.com/banshee-data/safety.report/internal/vision/smoothing"
	"github.com/banshee-data/safety.report/internal/vision/stability"
)

// Frame is one incoming camera frame.
type Frame struct {
	Source     string
	Index      uint64 // position in the source's stream
	CapturedAt time.Time
	Image      image.Image
}

// Outcome reports what Ingest did with a frame.
type Outcome struct {
	Decision admission.Decision
	ID       frames.FrameID
	Carrier  *frames.Carrier // final version; nil if the frame was not admitted
}

// Signal is one per-track observation extracted from a stage result,
// with the continuous signal to smooth alongside it.
type Signal struct {
	Observation stability.Observation
	Vector      []float64 // nil means nothing to smooth
}

// Extractor turns a stage result into per-track signals.
type Extractor func(c *frames.Carrier, stage string, res frames.StageResult) []Signal

// DefaultExtractor emits one signal per tracked detection of a successful
// stage. The stage name is the verdict attribute; the smoothed vector is the
// detection's keypoints when present, otherwise its box centre.
func DefaultExtractor(c *frames.Carrier, stage string, res frames.StageResult) []Signal {
	if !res.OK() {
		return nil
	}
	var out []Signal
	for _, d := range res.Detections {
		if d.TrackID == "" {
			continue
		}
		sig := Signal{Observation: stability.Observation{
			Source:     c.Source(),
			TrackID:    d.TrackID,
			Attribute:  stage,
			Label:      d.Label,
			Confidence: d.Confidence,
			Frame:      c.ID(),
		}}
		switch {
		case len(d.Keypoints) > 0:
			sig.Vector = append([]float64(nil), d.Keypoints...)
		case !d.BBox.Empty():
			b := d.BBox.Canon()
			sig.Vector = []float64{float64(b.Min.X+b.Max.X) / 2, float64(b.Min.Y+b.Max.Y) / 2}
		}
		out = append(out, sig)
	}
	return out
}

// Options configures a Pipeline beyond the engine tunables.
type Options struct {
	Stages     []orchestrator.StageSpec
	Extract    Extractor // default: DefaultExtractor
	Boundaries []BoundarySink
	Frames     []FrameSink
	Clock      timeutil.Clock

	FunnelWorkers int           // ordered per-track lanes (default: 4)
	FunnelBuffer  int           // queued signals per lane (default: 256)
	SweepInterval time.Duration // registry and engine sweep period (default: 250ms)
	DrainInterval time.Duration // synchronizer drain period (default: half the sync window)
}

// Pipeline is the composed frame engine.
type Pipeline struct {
	cfg   *config.EngineConfig
	opts  Options
	clock timeutil.Clock

	admission *admission.Controller
	registry  *frames.Registry
	orch      *orchestrator.Orchestrator
	sync      *resultsync.Synchronizer
	smoother  *smoothing.Smoother
	engine    *stability.Engine
	funnel    *funnel[Signal]
}

// New builds a Pipeline from cfg. A nil cfg uses defaults.
func New(cfg *config.EngineConfig, opts Options) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.EmptyEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opts.Extract == nil {
		opts.Extract = DefaultExtractor
	}
	if opts.FunnelWorkers <= 0 {
		opts.FunnelWorkers = 4
	}
	if opts.FunnelBuffer <= 0 {
		opts.FunnelBuffer = 256
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 250 * time.Millisecond
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = max(cfg.GetSyncWindow()/2, time.Millisecond)
	}
	clock := timeutil.OrReal(opts.Clock)

	p := &Pipeline{cfg: cfg, opts: opts, clock: clock}
	p.admission = admission.New(admission.Config{
		FullInterval:    cfg.GetFullInterval(),
		MotionThreshold: cfg.GetMotionThreshold(),
		RecheckFrames:   cfg.GetRecheckFrames(),
	})
	p.registry = frames.NewRegistry(frames.RegistryConfig{
		MaxInFlight:     cfg.GetMaxInFlightFrames(),
		CompletionGrace: cfg.GetCompletionGrace(),
		StaleAfter:      cfg.GetStaleAfter(),
		Clock:           clock,
		OnComplete:      p.emitFrame,
	})
	p.sync = resultsync.New(resultsync.Config{
		Window:     cfg.GetSyncWindow(),
		MaxEntries: cfg.GetSyncMaxEntries(),
		Clock:      clock,
	})
	p.smoother = smoothing.New(smoothing.Config{
		Alpha:            cfg.GetSmoothingAlpha(),
		OutlierK:         cfg.GetOutlierK(),
		MinSpread:        cfg.GetSmoothingMinSpread(),
		ConsistencyScale: cfg.GetConsistencyScale(),
	})
	p.engine = stability.New(stability.Config{
		Threshold:       cfg.GetStabilityThreshold(),
		ConfidenceFloor: cfg.GetConfidenceFloor(),
		Floors:          cfg.GetConfidenceFloors(),
		BlendWeight:     cfg.GetConfidenceBlendWeight(),
		SilenceWindow:   cfg.GetSilenceWindow(),
		Clock:           clock,
		OnBoundary:      p.emitBoundary,
	})

	orch, err := orchestrator.New(p.registry, orchestrator.Config{
		Workers:  cfg.GetWorkers(),
		Deadline: cfg.GetPerRunDeadline(),
		Clock:    clock,
		Deferred: p.sync,
		OnResult: p.onResult,
	}, opts.Stages...)
	if err != nil {
		return nil, err
	}
	p.orch = orch
	p.funnel = newFunnel(opts.FunnelWorkers, opts.FunnelBuffer, p.condition)
	return p, nil
}

// Ingest admits one frame and processes it according to its tier. The only
// error returned is frames.ErrCapacityExceeded; every other failure is
// absorbed into the carrier.
func (p *Pipeline) Ingest(ctx context.Context, f Frame) (Outcome, error) {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = p.clock.Now()
	}
	d := p.admission.Decide(f.Source, f.Index, f.Image)
	out := Outcome{Decision: d}

	id, err := p.registry.Admit(f.Source, f.CapturedAt, f.Image)
	if err != nil {
		opsf("%s#%d not admitted: %v", f.Source, f.Index, err)
		return out, err
	}
	out.ID = id
	p.admission.Commit(d)

	if d.Tier == admission.Skip {
		out.Carrier, err = p.registry.Skip(id, d.Reason)
		if err != nil {
			opsf("skip %s: %v", id, err)
		}
		return out, nil
	}

	p.annotate(id)
	switch d.Tier {
	case admission.Lightweight:
		out.Carrier, err = p.registry.Complete(id)
	case admission.Full:
		out.Carrier, err = p.orch.Run(ctx, id)
	}
	if err != nil {
		opsf("%s %s: %v", d.Tier, id, err)
	}
	tracef("%s %s -> %s", d.Tier, id, stageOf(out.Carrier))
	return out, nil
}

func stageOf(c *frames.Carrier) frames.ProcessingStage {
	if c == nil {
		return ""
	}
	return c.Stage()
}

// annotate attaches the source's current stable verdicts to id.
func (p *Pipeline) annotate(id frames.FrameID) {
	for key, s := range p.engine.ActiveVerdicts(id.Source) {
		if _, err := p.registry.AnnotateTrack(id, key, s.Verdict()); err != nil {
			opsf("annotate %s: %v", id, err)
			return
		}
	}
}

// SubmitExternal hands a result produced outside the frame cadence to the
// synchronizer, matched by capture-time proximity within source. An
// unmatched result is counted and returned as resultsync.ErrUnmatched.
func (p *Pipeline) SubmitExternal(source string, capturedAt time.Time, stage string, res frames.StageResult) (frames.FrameID, error) {
	return p.sync.Submit(resultsync.Hint{Source: source, Timestamp: capturedAt}, stage, res)
}

// onResult is the orchestrator hook: it feeds every tracked detection into
// the funnel in write order.
func (p *Pipeline) onResult(c *frames.Carrier, stage string, res frames.StageResult) {
	for _, sig := range p.opts.Extract(c, stage, res) {
		if !p.funnel.submit(sig.Observation.Key(), sig) {
			return
		}
	}
}

// condition runs on the track's funnel lane: smooth, then observe.
func (p *Pipeline) condition(sig Signal) {
	key := sig.Observation.Key()
	if sig.Vector != nil {
		_, _, accepted := p.smoother.Smooth(key, sig.Vector, sig.Observation.Confidence)
		if !accepted {
			tracef("%s: outlier on %s, observation dropped", key, sig.Observation.Frame)
			return
		}
		sig.Observation.Consistency = p.smoother.ConsistencyScore(key)
	}
	if sig.Observation.At.IsZero() {
		sig.Observation.At = p.clock.Now()
	}
	p.engine.Observe(sig.Observation)
}

func (p *Pipeline) emitBoundary(ev stability.BoundaryEvent) {
	for _, s := range p.opts.Boundaries {
		s.Boundary(ev)
	}
}

func (p *Pipeline) emitFrame(c *frames.Carrier) {
	for _, s := range p.opts.Frames {
		s.Frame(c)
	}
}

// Run drives the periodic work until ctx is cancelled: registry and engine
// sweeps, and draining reconciled results from the synchronizer.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.every(ctx, p.opts.SweepInterval, p.Sweep) })
	g.Go(func() error { return p.every(ctx, p.opts.DrainInterval, p.Drain) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) every(ctx context.Context, d time.Duration, fn func()) error {
	t := p.clock.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			fn()
		}
	}
}

// Sweep reaps stale frames, purges silent tracks and drops their smoothing
// state.
func (p *Pipeline) Sweep() {
	if n := p.registry.Sweep(); n > 0 {
		opsf("force-completed %d stale frames", n)
	}
	for _, key := range p.engine.Sweep(p.clock.Now()) {
		p.smoother.Forget(key)
	}
}

// Drain moves reconciled out-of-cadence results into their frames and the
// track funnel. Stages that never reported are recorded as timeouts.
func (p *Pipeline) Drain() {
	for _, agg := range p.sync.DrainReady() {
		if agg.Partial {
			diagf("%s: partial aggregate (%s), missing %v", agg.ID, agg.Reason, agg.Missing)
		}
		for _, name := range agg.Missing {
			if _, err := p.registry.UpdateResults(agg.ID, name, frames.TimedOut(p.cfg.GetSyncWindow())); err != nil {
				tracef("late timeout for %s/%s: %v", agg.ID, name, err)
			}
		}
		for name, res := range agg.Results {
			c, err := p.registry.UpdateResults(agg.ID, name, res)
			if err != nil {
				tracef("late %s for %s: %v", name, agg.ID, err)
				continue
			}
			p.onResult(c, name, res)
		}
	}
}

// Close stops the funnel after queued signals are applied, waits for
// deferred stages, and closes any sink that is an io.Closer.
func (p *Pipeline) Close() error {
	p.orch.Wait()
	p.Drain()
	p.funnel.close()

	var err error
	seen := map[any]bool{}
	closeSink := func(s any) {
		c, ok := s.(io.Closer)
		if !ok || seen[s] {
			return
		}
		seen[s] = true
		err = multierr.Append(err, c.Close())
	}
	for _, s := range p.opts.Boundaries {
		closeSink(s)
	}
	for _, s := range p.opts.Frames {
		closeSink(s)
	}
	return err
}

// Admission exposes the controller for run-time policy changes.
func (p *Pipeline) Admission() *admission.Controller { return p.admission }

// Registry exposes the frame registry for read access.
func (p *Pipeline) Registry() *frames.Registry { return p.registry }

// Engine exposes the stability engine for read access.
func (p *Pipeline) Engine() *stability.Engine { return p.engine }

// Verdicts returns a snapshot of every live track, sorted by key.
func (p *Pipeline) Verdicts() []stability.Snapshot { return p.engine.Tracks() }

// Saturated reports whether the registry is at its in-flight limit.
func (p *Pipeline) Saturated() bool { return p.registry.Saturated() }

// Stats is a point-in-time summary of every component.
type Stats struct {
	Registry     frames.RegistryStats            `json:"registry"`
	Orchestrator orchestrator.Stats              `json:"orchestrator"`
	Sync         resultsync.Stats                `json:"sync"`
	Stability    stability.Stats                 `json:"stability"`
	Admission    map[string]admission.TierCounts `json:"admission"`
	Smoothed     int                             `json:"smoothed_tracks"`
	Queued       int                             `json:"queued_signals"`
}

// Stats returns current component counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Registry:     p.registry.Stats(),
		Orchestrator: p.orch.Stats(),
		Sync:         p.sync.Stats(),
		Stability:    p.engine.Stats(),
		Admission:    p.admission.Sources(),
		Smoothed:     p.smoother.Len(),
		Queued:       p.funnel.depth(),
	}
}
