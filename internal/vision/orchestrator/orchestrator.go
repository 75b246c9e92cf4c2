// Package orchestrator runs the detector stages of one frame as a dependency
// graph and writes every outcome back through the frame registry.
//
// Each Run is driven by a single goroutine that owns the graph state for that
// frame. Stage invocations run on their own goroutines, gated by a worker
// pool shared across runs, and report back over a channel. A stage starts as
// soon as its own dependencies resolve. Failures, panics and deadline
// overruns are recorded as results and never abort the run; Complete is
// always called.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/resultsync"
)

// Registry is the subset of *frames.Registry the orchestrator writes through.
type Registry interface {
	MarkProcessing(id frames.FrameID) (*frames.Carrier, error)
	UpdateResults(id frames.FrameID, stage string, result frames.StageResult) (*frames.Carrier, error)
	Complete(id frames.FrameID) (*frames.Carrier, error)
}

// DeferredSink receives the results of deferred stages.
// *resultsync.Synchronizer satisfies it.
type DeferredSink interface {
	RegisterExpected(id frames.FrameID, capturedAt time.Time, stages []string)
	Submit(hint resultsync.Hint, stage string, result frames.StageResult) (frames.FrameID, error)
}

// ResultHook observes every result written for a frame, in write order,
// together with the carrier version that write produced.
type ResultHook func(c *frames.Carrier, stage string, result frames.StageResult)

// Config configures an Orchestrator.
type Config struct {
	Workers          int           // concurrent stage invocations across all runs (default: NumCPU)
	Deadline         time.Duration // per-run deadline (default: 250ms)
	DeferredDeadline time.Duration // bound on a deferred invocation (default: 4x Deadline)
	RegionPadding    int           // pixels added around upstream boxes (default: 16)
	Clock            timeutil.Clock
	Deferred         DeferredSink
	OnResult         ResultHook
}

// Orchestrator runs stage graphs. It is safe for concurrent Runs on
// different frames.
type Orchestrator struct {
	reg   Registry
	cfg   Config
	clock timeutil.Clock
	graph *graph
	pool  *semaphore.Weighted

	mu     sync.Mutex
	cycles map[string]uint64 // Full runs per source, for Every cadence

	deferred sync.WaitGroup

	runs     atomic.Uint64
	failures atomic.Uint64
	timeouts atomic.Uint64
}

// New validates the stage graph and returns an Orchestrator.
func New(reg Registry, cfg Config, specs ...StageSpec) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("orchestrator: nil registry")
	}
	g, err := buildGraph(specs)
	if err != nil {
		return nil, err
	}
	for _, n := range g.topo {
		if n.spec.Deferred && cfg.Deferred == nil {
			return nil, fmt.Errorf("%w: deferred stage %q without a deferred sink", ErrInvalidGraph, n.name)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 250 * time.Millisecond
	}
	if cfg.DeferredDeadline <= 0 {
		cfg.DeferredDeadline = 4 * cfg.Deadline
	}
	if cfg.RegionPadding < 0 {
		cfg.RegionPadding = 0
	} else if cfg.RegionPadding == 0 {
		cfg.RegionPadding = 16
	}
	return &Orchestrator{
		reg:    reg,
		cfg:    cfg,
		clock:  timeutil.OrReal(cfg.Clock),
		graph:  g,
		pool:   semaphore.NewWeighted(int64(cfg.Workers)),
		cycles: make(map[string]uint64),
	}, nil
}

// Stages returns the stage names in launch order.
func (o *Orchestrator) Stages() []string {
	out := make([]string, len(o.graph.topo))
	for i, n := range o.graph.topo {
		out[i] = n.name
	}
	return out
}

// outcome is a stage result travelling back to the run goroutine.
type outcome struct {
	name   string
	result frames.StageResult
}

// run is the per-frame graph state. Only the Run goroutine touches it.
type run struct {
	o         *Orchestrator
	ctx       context.Context // ends at the run deadline
	parent    context.Context // the caller's; bounds deferred stages
	id        frames.FrameID
	carrier   *frames.Carrier
	scheduled map[string]bool
	remaining map[string]int
	resolved  map[string]frames.StageResult
	launched  map[string]bool
	pending   int // launched, non-deferred, not yet resolved
	done      chan outcome
}

// Run executes every stage scheduled for frame id and completes it. The
// returned carrier is the Completed version. An error is returned only when
// id is not known to the registry.
func (o *Orchestrator) Run(ctx context.Context, id frames.FrameID) (*frames.Carrier, error) {
	start := o.clock.Now()
	c, err := o.reg.MarkProcessing(id)
	if err != nil {
		return nil, err
	}
	o.runs.Add(1)

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	r := &run{
		o:         o,
		ctx:       runCtx,
		parent:    ctx,
		id:        id,
		carrier:   c,
		scheduled: o.schedule(id.Source),
		remaining: make(map[string]int),
		resolved:  make(map[string]frames.StageResult),
		launched:  make(map[string]bool),
		done:      make(chan outcome, len(o.graph.topo)),
	}

	var deferred []string
	for _, n := range o.graph.topo {
		if !r.scheduled[n.name] {
			continue
		}
		r.remaining[n.name] = len(n.deps)
		if n.spec.Deferred {
			deferred = append(deferred, n.name)
		}
	}
	if len(deferred) > 0 {
		o.cfg.Deferred.RegisterExpected(id, c.CapturedAt(), deferred)
	}

	for _, n := range o.graph.topo {
		if r.scheduled[n.name] && r.remaining[n.name] == 0 {
			r.launch(n)
		}
	}

loop:
	for r.pending > 0 {
		select {
		case out := <-r.done:
			r.resolve(out.name, out.result)
		case <-runCtx.Done():
			break loop
		}
	}
	if r.pending > 0 {
		r.expire(runCtx.Err())
	}

	final, err := o.reg.Complete(id)
	if err != nil {
		opsf("complete %s: %v", id, err)
		return r.carrier, nil
	}
	elapsed := o.clock.Since(start)
	monitoring.ObserveRunDuration(elapsed)
	diagf("run %s finished in %s (%d stages)", id, elapsed, len(r.resolved))
	return final, nil
}

// schedule picks the stages due on this Full frame of source.
func (o *Orchestrator) schedule(source string) map[string]bool {
	o.mu.Lock()
	cycle := o.cycles[source]
	o.cycles[source]++
	o.mu.Unlock()

	out := make(map[string]bool, len(o.graph.topo))
	for _, n := range o.graph.topo {
		if cycle%uint64(n.every()) == 0 {
			out[n.name] = true
		}
	}
	return out
}

// launch starts n on its own goroutine, or records its failure sentinel
// without invoking it when a dependency failed. Once the run deadline has
// passed nothing new is started.
func (r *run) launch(n *node) {
	if r.launched[n.name] {
		return
	}
	r.launched[n.name] = true

	if !n.spec.Deferred && r.ctx.Err() != nil {
		r.pending++
		return // expire records the timeout
	}

	upstream := make(map[string]frames.StageResult, len(n.deps))
	failedDep := ""
	for _, d := range n.deps {
		res := r.resolved[d].Clone()
		upstream[d] = res
		if !res.OK() && failedDep == "" {
			failedDep = d
		}
	}
	if failedDep != "" && !n.spec.Tolerant {
		tracef("%s: %s skipped, upstream %s failed", r.id, n.name, failedDep)
		res := frames.UpstreamFailed(failedDep)
		if n.spec.Deferred {
			r.o.deliverDeferred(r.carrier, n.name, res)
			return
		}
		r.pending++
		r.resolve(n.name, res)
		return
	}

	in := r.o.buildInput(r.carrier, n, upstream, failedDep != "")
	if n.spec.Deferred {
		r.o.launchDeferred(r.parent, r.carrier, n, in)
		return
	}

	r.pending++
	o := r.o
	ctx := r.ctx
	done := r.done
	go func() {
		done <- outcome{name: n.name, result: o.invoke(ctx, n, in)}
	}()
}

// resolve records the result of name and launches any dependent whose
// inputs are now complete.
func (r *run) resolve(name string, res frames.StageResult) {
	if _, dup := r.resolved[name]; dup {
		return
	}
	r.pending--
	r.resolved[name] = res
	r.o.write(r, name, res)

	n := r.o.graph.nodes[name]
	for _, d := range n.dependents {
		if !r.scheduled[d] {
			continue
		}
		r.remaining[d]--
		if r.remaining[d] == 0 {
			r.launch(r.o.graph.nodes[d])
		}
	}
}

// expire turns every scheduled stage without a result into a timeout. Any
// result already waiting on the channel is taken first.
func (r *run) expire(cause error) {
	for drained := false; !drained; {
		select {
		case out := <-r.done:
			r.resolve(out.name, out.result)
		default:
			drained = true
		}
	}
	msg := "deadline exceeded"
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		msg = cause.Error()
	}
	for _, n := range r.o.graph.topo {
		if !r.scheduled[n.name] {
			continue
		}
		if _, ok := r.resolved[n.name]; ok {
			continue
		}
		res := frames.StageResult{Kind: frames.ResultTimeout, Err: msg, Elapsed: r.o.cfg.Deadline}
		if n.spec.Deferred {
			if !r.launched[n.name] {
				r.launched[n.name] = true
				r.o.deliverDeferred(r.carrier, n.name, res)
			}
			continue
		}
		if !r.launched[n.name] {
			r.launched[n.name] = true
			r.pending++
		}
		r.resolve(n.name, res)
	}
}

// write publishes one result through the registry and the result hook.
func (o *Orchestrator) write(r *run, name string, res frames.StageResult) {
	monitoring.RecordStageResult(name, res.Kind.String())
	switch res.Kind {
	case frames.ResultFailure:
		o.failures.Add(1)
	case frames.ResultTimeout:
		o.timeouts.Add(1)
	}
	c, err := o.reg.UpdateResults(r.id, name, res)
	if err != nil {
		opsf("%s: write %s result: %v", r.id, name, err)
		return
	}
	r.carrier = c
	if o.cfg.OnResult != nil {
		o.cfg.OnResult(c, name, res)
	}
}

func (o *Orchestrator) buildInput(c *frames.Carrier, n *node, upstream map[string]frames.StageResult, degraded bool) Input {
	img := c.Image()
	region, regions := regionOf(img, n.deps, upstream, o.cfg.RegionPadding)
	if degraded && len(regions) == 0 && img != nil {
		region = img.Bounds()
	}
	return Input{
		Frame:    c,
		Region:   region,
		Regions:  regions,
		Image:    crop(img, region),
		Upstream: upstream,
	}
}

// invoke runs one stage on a worker slot and converts every way it can end
// into a StageResult.
func (o *Orchestrator) invoke(ctx context.Context, n *node, in Input) (res frames.StageResult) {
	if err := o.pool.Acquire(ctx, 1); err != nil {
		return frames.StageResult{Kind: frames.ResultTimeout, Err: "no worker before deadline"}
	}
	defer o.pool.Release(1)

	if n.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.spec.Timeout)
		defer cancel()
	}

	start := o.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			opsf("stage %s panicked on %s: %v", n.name, in.Frame.ID(), p)
			res = frames.Failed(fmt.Errorf("panic: %v", p), o.clock.Since(start))
		}
	}()

	out, err := n.spec.Stage.Detect(ctx, in)
	elapsed := o.clock.Since(start)
	switch {
	case ctx.Err() != nil:
		return frames.StageResult{Kind: frames.ResultTimeout, Err: ctx.Err().Error(), Elapsed: elapsed}
	case err != nil:
		return frames.Failed(err, elapsed)
	default:
		return frames.Detected(out.Detections, elapsed)
	}
}

// launchDeferred starts n detached from the run. It is bounded by
// DeferredDeadline and by parent, the context the caller passed to Run.
func (o *Orchestrator) launchDeferred(parent context.Context, c *frames.Carrier, n *node, in Input) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.DeferredDeadline)
	o.deferred.Add(1)
	go func() {
		defer o.deferred.Done()
		defer cancel()
		o.deliverDeferred(c, n.name, o.invoke(ctx, n, in))
	}()
}

func (o *Orchestrator) deliverDeferred(c *frames.Carrier, name string, res frames.StageResult) {
	monitoring.RecordStageResult(name, res.Kind.String())
	hint := resultsync.Hint{ID: c.ID(), Source: c.Source(), Timestamp: c.CapturedAt()}
	if _, err := o.cfg.Deferred.Submit(hint, name, res); err != nil {
		diagf("deferred %s for %s dropped: %v", name, c.ID(), err)
	}
}

// Wait blocks until every deferred invocation has delivered.
func (o *Orchestrator) Wait() {
	o.deferred.Wait()
}

// Stats is a point-in-time summary of orchestrator activity.
type Stats struct {
	Runs     uint64 `json:"runs"`
	Failures uint64 `json:"failures"`
	Timeouts uint64 `json:"timeouts"`
	Workers  int    `json:"workers"`
}

// Stats returns current counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Runs:     o.runs.Load(),
		Failures: o.failures.Load(),
		Timeouts: o.timeouts.Load(),
		Workers:  o.cfg.Workers,
	}
}
