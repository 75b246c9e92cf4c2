package orchestrator

import (
	"context"
	"image"
	"time"

	"github.com/banshee-data/safety.report/internal/vision/frames"
)

// Input is what a stage sees for one frame.
type Input struct {
	Frame *frames.Carrier

	// Region is the area the stage should examine: the padded union of the
	// boxes its dependencies found, or the full frame for root stages. It is
	// empty when every dependency succeeded but found nothing.
	Region image.Rectangle

	// Regions holds each padded upstream box individually.
	Regions []image.Rectangle

	// Image is the frame cropped to Region when the source image supports
	// sub-imaging, the full frame otherwise, and nil when Region is empty.
	Image image.Image

	// Upstream holds the results of the stage's dependencies.
	Upstream map[string]frames.StageResult
}

// Output is what a stage returns.
type Output struct {
	Detections []frames.Detection
}

// Stage is one detector. Detect must honour ctx cancellation; a stage that
// returns after its deadline has its output discarded.
type Stage interface {
	Name() string
	DependsOn() []string
	Detect(ctx context.Context, in Input) (Output, error)
}

type funcStage struct {
	name string
	deps []string
	fn   func(context.Context, Input) (Output, error)
}

func (s funcStage) Name() string        { return s.name }
func (s funcStage) DependsOn() []string { return s.deps }
func (s funcStage) Detect(ctx context.Context, in Input) (Output, error) {
	return s.fn(ctx, in)
}

// Func adapts a function to the Stage interface.
func Func(name string, deps []string, fn func(context.Context, Input) (Output, error)) Stage {
	return funcStage{name: name, deps: append([]string(nil), deps...), fn: fn}
}

// StageSpec wires a Stage into an orchestrator.
type StageSpec struct {
	Stage Stage

	// Tolerant stages are invoked even when a dependency failed; they see the
	// failure in Input.Upstream. Others get an upstream-failed result.
	Tolerant bool

	// Deferred stages do not hold up the frame run. Their results are
	// delivered to the DeferredSink and reconciled there.
	Deferred bool

	// Every runs the stage on every Nth Full frame of a source. Zero and one
	// mean every frame.
	Every int

	// Timeout bounds a single invocation. Zero means only the run deadline
	// applies.
	Timeout time.Duration
}

// Spec is shorthand for a plain StageSpec.
func Spec(s Stage) StageSpec { return StageSpec{Stage: s} }
