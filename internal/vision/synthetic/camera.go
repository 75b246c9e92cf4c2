package synthetic

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/pipeline"
)

// Ingester accepts frames; *pipeline.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, f pipeline.Frame) (pipeline.Outcome, error)
}

// Camera renders a scene at a fixed frame interval.
type Camera struct {
	Scene    *Scene
	Interval time.Duration // default: 100ms
	Clock    timeutil.Clock
}

// Frame renders the next frame captured now.
func (c *Camera) Frame() pipeline.Frame {
	at := timeutil.OrReal(c.Clock).Now()
	index, img := c.Scene.Step(at)
	return pipeline.Frame{Source: c.Scene.Source(), Index: index, CapturedAt: at, Image: img}
}

// Run feeds frames to dst until ctx is cancelled. A frame rejected for
// capacity is dropped and counted; the camera does not wait for space.
func (c *Camera) Run(ctx context.Context, dst Ingester) error {
	interval := c.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := timeutil.OrReal(c.Clock).NewTicker(interval)
	defer t.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			if dropped > 0 {
				diagf("%s: %d frames dropped at capacity", c.Scene.Source(), dropped)
			}
			return nil
		case <-t.C():
			_, err := dst.Ingest(ctx, c.Frame())
			switch {
			case err == nil:
			case errors.Is(err, frames.ErrCapacityExceeded):
				dropped++
			default:
				return err
			}
		}
	}
}
