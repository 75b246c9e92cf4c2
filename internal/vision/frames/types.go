package frames

import (
	"fmt"
	"image"
	"sort"
	"time"
)

// FrameID identifies one admitted frame for the lifetime of a Registry.
// Seq is a registry-wide logical clock and is never reused.
type FrameID struct {
	Source string
	Seq    uint64
}

func (id FrameID) String() string {
	return fmt.Sprintf("%s#%d", id.Source, id.Seq)
}

// IsZero reports whether id was never minted.
func (id FrameID) IsZero() bool { return id.Seq == 0 }

// Before reports whether id was minted before other.
func (id FrameID) Before(other FrameID) bool { return id.Seq < other.Seq }

// ProcessingStage is the lifecycle position of a carrier.
type ProcessingStage string

const (
	StageAdmitted   ProcessingStage = "admitted"
	StageProcessing ProcessingStage = "processing"
	StageCompleted  ProcessingStage = "completed"
	StageSkipped    ProcessingStage = "skipped"
)

// Final reports whether no further lifecycle transitions will happen.
func (s ProcessingStage) Final() bool {
	return s == StageCompleted || s == StageSkipped
}

// Detection is one item reported by a detector stage.
type Detection struct {
	Label      string
	Confidence float64
	BBox       image.Rectangle
	TrackID    string    // empty when the detector does no association
	Keypoints  []float64 // flattened x,y pairs; pose stages only
}

// ResultKind tags the variant held by a StageResult.
type ResultKind int

const (
	ResultDetections ResultKind = iota
	ResultFailure
	ResultTimeout
	ResultUpstreamFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultDetections:
		return "detections"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	case ResultUpstreamFailed:
		return "upstream_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StageResult is the outcome of one stage for one frame. Only Detections
// carries data; the other kinds are sentinels absorbed into the carrier so a
// failing stage never aborts a run.
type StageResult struct {
	Kind       ResultKind
	Detections []Detection
	Err        string
	Elapsed    time.Duration
}

// OK reports whether the stage produced detections (possibly none).
func (r StageResult) OK() bool { return r.Kind == ResultDetections }

// Detected builds a detections result.
func Detected(dets []Detection, elapsed time.Duration) StageResult {
	return StageResult{Kind: ResultDetections, Detections: dets, Elapsed: elapsed}
}

// Failed builds a failure result from err.
func Failed(err error, elapsed time.Duration) StageResult {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return StageResult{Kind: ResultFailure, Err: msg, Elapsed: elapsed}
}

// TimedOut builds a timeout sentinel.
func TimedOut(elapsed time.Duration) StageResult {
	return StageResult{Kind: ResultTimeout, Err: "deadline exceeded", Elapsed: elapsed}
}

// UpstreamFailed builds the sentinel recorded for a stage whose dependency
// did not produce detections.
func UpstreamFailed(dep string) StageResult {
	return StageResult{Kind: ResultUpstreamFailed, Err: "upstream " + dep + " failed"}
}

// Clone returns a copy of r that shares no detection or keypoint storage.
func (r StageResult) Clone() StageResult {
	if r.Detections == nil {
		return r
	}
	dets := make([]Detection, len(r.Detections))
	for i, d := range r.Detections {
		if d.Keypoints != nil {
			d.Keypoints = append([]float64(nil), d.Keypoints...)
		}
		dets[i] = d
	}
	r.Detections = dets
	return r
}

// VerdictSnapshot is a track's verdict as seen when it was attached to a frame.
type VerdictSnapshot struct {
	Label      string
	Confidence float64
	State      string
	Stable     bool
	Since      time.Time
}

// Carrier is an immutable snapshot of one frame and every result attached to
// it so far. Accessors return copies; the zero value is not useful.
type Carrier struct {
	id          FrameID
	capturedAt  time.Time
	admittedAt  time.Time
	completedAt time.Time
	image       image.Image
	stage       ProcessingStage
	results     map[string]StageResult
	tracks      map[string]VerdictSnapshot
	note        string
	version     uint64
}

func (c *Carrier) ID() FrameID            { return c.id }
func (c *Carrier) Source() string         { return c.id.Source }
func (c *Carrier) CapturedAt() time.Time  { return c.capturedAt }
func (c *Carrier) AdmittedAt() time.Time  { return c.admittedAt }
func (c *Carrier) CompletedAt() time.Time { return c.completedAt }
func (c *Carrier) Image() image.Image     { return c.image }
func (c *Carrier) Stage() ProcessingStage { return c.stage }
func (c *Carrier) Version() uint64        { return c.version }

// Note is the reason recorded with a skip or a forced completion.
func (c *Carrier) Note() string { return c.note }

// Result returns the result recorded for stage, if any.
func (c *Carrier) Result(stage string) (StageResult, bool) {
	r, ok := c.results[stage]
	if !ok {
		return StageResult{}, false
	}
	return r.Clone(), true
}

// Results returns a copy of every stage result.
func (c *Carrier) Results() map[string]StageResult {
	out := make(map[string]StageResult, len(c.results))
	for k, v := range c.results {
		out[k] = v.Clone()
	}
	return out
}

// StageNames returns the names of stages with a result, sorted.
func (c *Carrier) StageNames() []string {
	names := make([]string, 0, len(c.results))
	for k := range c.results {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FailedStages returns the sorted names of stages whose result is not OK.
func (c *Carrier) FailedStages() []string {
	var names []string
	for k, v := range c.results {
		if !v.OK() {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// TrackAnnotations returns a copy of the verdicts attached to this frame.
func (c *Carrier) TrackAnnotations() map[string]VerdictSnapshot {
	out := make(map[string]VerdictSnapshot, len(c.tracks))
	for k, v := range c.tracks {
		out[k] = v
	}
	return out
}

// next returns a writable copy for the registry to publish as the next version.
func (c *Carrier) next() *Carrier {
	n := *c
	n.results = make(map[string]StageResult, len(c.results)+1)
	for k, v := range c.results {
		n.results[k] = v
	}
	n.tracks = make(map[string]VerdictSnapshot, len(c.tracks))
	for k, v := range c.tracks {
		n.tracks[k] = v
	}
	n.version++
	return &n
}
