package stability

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safety.report/internal/vision/frames"
)

// State is the hysteresis state of a track.
type State int

const (
	Unstable State = iota
	Stabilizing
	Stable
)

func (s State) String() string {
	switch s {
	case Unstable:
		return "unstable"
	case Stabilizing:
		return "stabilizing"
	case Stable:
		return "stable"
	default:
		return "unknown"
	}
}

// Key builds the engine key for one attribute of one physical track. A
// person track usually carries several independent verdicts (headgear,
// vest, posture), each with its own hysteresis.
func Key(source, trackID, attribute string) string {
	return source + "/" + trackID + "/" + attribute
}

// SplitKey is the inverse of Key. It reports false for malformed keys.
func SplitKey(key string) (source, trackID, attribute string, ok bool) {
	last := strings.LastIndexByte(key, '/')
	if last < 0 {
		return "", "", "", false
	}
	mid := strings.LastIndexByte(key[:last], '/')
	if mid < 0 {
		return "", "", "", false
	}
	return key[:mid], key[mid+1 : last], key[last+1:], true
}

// Observation is one raw classification of a track attribute on one frame.
type Observation struct {
	Source     string
	TrackID    string
	Attribute  string
	Label      string
	Confidence float64
	Frame      frames.FrameID
	At         time.Time // zero means the engine clock

	// Consistency is the smoother's score for the underlying signal, used
	// only to scale the blended confidence. Zero means not supplied.
	Consistency float64
}

// Key returns the engine key of o.
func (o Observation) Key() string { return Key(o.Source, o.TrackID, o.Attribute) }

// Snapshot is a copy of a track's state after an operation.
type Snapshot struct {
	Key       string
	Source    string
	TrackID   string
	Attribute string

	State               State
	CandidateLabel      string
	CandidateConfidence float64
	Consecutive         int

	// StableLabel is the last label to reach the threshold. It is kept while
	// the track is Unstable so callers can tell what was last confirmed.
	StableLabel      string
	StableConfidence float64
	StableSince      time.Time

	LastFrame frames.FrameID
	LastSeen  time.Time

	// Ignored is set when the observation was below the confidence floor or
	// older than the last applied frame and left the track untouched.
	Ignored bool
}

// Verdict renders s as the annotation attached to frame carriers.
func (s Snapshot) Verdict() frames.VerdictSnapshot {
	v := frames.VerdictSnapshot{
		Label:      s.CandidateLabel,
		Confidence: s.CandidateConfidence,
		State:      s.State.String(),
		Stable:     s.State == Stable,
	}
	if v.Stable {
		v.Label = s.StableLabel
		v.Confidence = s.StableConfidence
		v.Since = s.StableSince
	}
	return v
}

// EventType distinguishes the two boundary transitions.
type EventType string

const (
	EventStarted EventType = "started"
	EventEnded   EventType = "ended"
)

// End reasons.
const (
	ReasonFlip      = "flip"
	ReasonLost      = "lost"
	ReasonForgotten = "forgotten"
)

// BoundaryEvent marks a track's verdict entering or leaving Stable.
type BoundaryEvent struct {
	ID         uuid.UUID
	Type       EventType
	Key        string
	Source     string
	TrackID    string
	Attribute  string
	Verdict    string
	Confidence float64
	StartedAt  time.Time
	EndedAt    *time.Time // nil for EventStarted
	Reason     string     // empty for EventStarted
	Frame      frames.FrameID
}
