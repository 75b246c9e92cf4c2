package pipeline

import (
	"sync/atomic"

	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/stability"
)

// BoundarySink receives verdict boundary events. Events for one track arrive
// in order; implementations must not block for long.
type BoundarySink interface {
	Boundary(ev stability.BoundaryEvent)
}

// FrameSink receives every finalized frame carrier exactly once.
type FrameSink interface {
	Frame(c *frames.Carrier)
}

// ChannelSink delivers events and frames over buffered channels. A full
// channel drops the item and counts it rather than stalling the engine.
type ChannelSink struct {
	Events chan stability.BoundaryEvent
	Frames chan *frames.Carrier

	droppedEvents atomic.Uint64
	droppedFrames atomic.Uint64
}

// NewChannelSink creates a ChannelSink with the given buffer sizes.
func NewChannelSink(eventBuf, frameBuf int) *ChannelSink {
	return &ChannelSink{
		Events: make(chan stability.BoundaryEvent, eventBuf),
		Frames: make(chan *frames.Carrier, frameBuf),
	}
}

func (s *ChannelSink) Boundary(ev stability.BoundaryEvent) {
	select {
	case s.Events <- ev:
	default:
		s.droppedEvents.Add(1)
	}
}

func (s *ChannelSink) Frame(c *frames.Carrier) {
	select {
	case s.Frames <- c:
	default:
		s.droppedFrames.Add(1)
	}
}

// Dropped returns how many events and frames were discarded.
func (s *ChannelSink) Dropped() (events, carriers uint64) {
	return s.droppedEvents.Load(), s.droppedFrames.Load()
}

// BoundaryFunc adapts a function to BoundarySink.
type BoundaryFunc func(stability.BoundaryEvent)

func (f BoundaryFunc) Boundary(ev stability.BoundaryEvent) { f(ev) }

// FrameFunc adapts a function to FrameSink.
type FrameFunc func(*frames.Carrier)

func (f FrameFunc) Frame(c *frames.Carrier) { f(c) }
