package synthetic

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/safety.report/internal/config"
	"github.com/banshee-data/safety.report/internal/timeutil"
	"github.com/banshee-data/safety.report/internal/vision/frames"
	"github.com/banshee-data/safety.report/internal/vision/orchestrator"
	"github.com/banshee-data/safety.report/internal/vision/pipeline"
	"github.com/banshee-data/safety.report/internal/vision/resultsync"
	"github.com/banshee-data/safety.report/internal/vision/stability"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// quiet disables every random change so tests can assert exact labels.
var quiet = DetectorConfig{Seed: 1, MissProb: -1, LabelNoise: -1}

func TestScene_Deterministic(t *testing.T) {
	a := NewScene("cam-1", 42, SceneConfig{})
	b := NewScene("cam-1", 42, SceneConfig{})
	for i := range 20 {
		at := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		ia, _ := a.Step(at)
		ib, _ := b.Step(at)
		assert.Equal(t, ia, ib)
		fa, _ := a.Truth(at)
		fb, _ := b.Truth(at)
		assert.Equal(t, fa, fb)
	}
}

func TestScene_FiguresStayInFrame(t *testing.T) {
	s := NewScene("cam-1", 7, SceneConfig{Width: 64, Height: 48, Figures: 4, Speed: 9})
	bounds := image.Rect(0, 0, 64, 48)
	for i := range 200 {
		at := t0.Add(time.Duration(i) * time.Millisecond)
		_, img := s.Step(at)
		assert.Equal(t, bounds, img.Bounds())
		figs, ok := s.Truth(at)
		require.True(t, ok)
		require.Len(t, figs, 4)
		for _, f := range figs {
			assert.True(t, f.Box.In(bounds), "frame %d: %v outside %v", i, f.Box, bounds)
		}
	}
}

func TestScene_IdleHoldsStill(t *testing.T) {
	s := NewScene("cam-1", 3, SceneConfig{IdleEvery: 10, IdleFor: 5})
	var seen [][]Figure
	for i := range 10 {
		at := t0.Add(time.Duration(i) * time.Millisecond)
		s.Step(at)
		figs, _ := s.Truth(at)
		seen = append(seen, figs)
	}
	// Frames 0-4 idle, 5-9 moving.
	for i := 1; i < 5; i++ {
		assert.Equal(t, seen[0], seen[i], "frame %d", i)
	}
	assert.NotEqual(t, seen[4], seen[9])
}

func TestScene_TruthHistory(t *testing.T) {
	s := NewScene("cam-1", 1, SceneConfig{History: 3})
	for i := range 5 {
		s.Step(t0.Add(time.Duration(i) * time.Second))
	}
	_, ok := s.Truth(t0)
	assert.False(t, ok, "evicted from history")
	_, ok = s.Truth(t0.Add(4 * time.Second))
	assert.True(t, ok)
}

func TestScene_RendersHardhats(t *testing.T) {
	s := NewScene("cam-1", 5, SceneConfig{Figures: 1, ChangeProb: -1})
	_, img := s.Step(t0)
	figs, _ := s.Truth(t0)
	g := img.(*image.Gray)
	top := g.GrayAt(figs[0].Box.Min.X, figs[0].Box.Min.Y).Y
	body := g.GrayAt(figs[0].Box.Min.X, figs[0].Box.Max.Y-1).Y
	assert.Equal(t, uint8(200), body)
	if figs[0].Hardhat {
		assert.Equal(t, uint8(255), top)
	} else {
		assert.Equal(t, uint8(200), top)
	}
}

// carrierFor admits the frame the scene rendered at at.
func carrierFor(t *testing.T, reg *frames.Registry, source string, at time.Time) *frames.Carrier {
	t.Helper()
	id, err := reg.Admit(source, at, nil)
	require.NoError(t, err)
	c, ok := reg.Get(id)
	require.True(t, ok)
	return c
}

func stageByName(specs []orchestrator.StageSpec, name string) orchestrator.StageSpec {
	for _, s := range specs {
		if s.Stage.Name() == name {
			return s
		}
	}
	return orchestrator.StageSpec{}
}

func TestDetectors_FollowTruth(t *testing.T) {
	scene := NewScene("cam-1", 9, SceneConfig{Figures: 3, ChangeProb: -1})
	world := NewWorld(scene)
	specs := Stages(world, quiet)
	reg := frames.NewRegistry(frames.RegistryConfig{})

	scene.Step(t0)
	truth, _ := scene.Truth(t0)
	c := carrierFor(t, reg, "cam-1", t0)
	ctx := context.Background()

	person, err := stageByName(specs, StagePerson).Stage.Detect(ctx, orchestrator.Input{Frame: c})
	require.NoError(t, err)
	require.Len(t, person.Detections, 3)
	for i, d := range person.Detections {
		assert.Equal(t, truth[i].TrackID, d.TrackID)
		assert.Equal(t, LabelPerson, d.Label)
		assert.InDelta(t, truth[i].Box.Min.X, d.BBox.Min.X, 1)
		assert.GreaterOrEqual(t, d.Confidence, 0.8)
	}

	up := map[string]frames.StageResult{StagePerson: frames.Detected(person.Detections, 0)}
	head, err := stageByName(specs, StageHeadgear).Stage.Detect(ctx, orchestrator.Input{Frame: c, Upstream: up})
	require.NoError(t, err)
	require.Len(t, head.Detections, 3)
	for i, d := range head.Detections {
		want := LabelBare
		if truth[i].Hardhat {
			want = LabelHardhat
		}
		assert.Equal(t, want, d.Label, d.TrackID)
	}

	pose := stageByName(specs, StagePose)
	assert.True(t, pose.Deferred)
	assert.Equal(t, 3, pose.Every)
	out, err := pose.Stage.Detect(ctx, orchestrator.Input{Frame: c, Upstream: up})
	require.NoError(t, err)
	require.Len(t, out.Detections, 3)
	assert.Len(t, out.Detections[0].Keypoints, 8)
}

func TestDetectors_NoUpstreamPeople(t *testing.T) {
	scene := NewScene("cam-1", 9, SceneConfig{})
	specs := Stages(NewWorld(scene), quiet)
	reg := frames.NewRegistry(frames.RegistryConfig{})
	scene.Step(t0)
	c := carrierFor(t, reg, "cam-1", t0)

	out, err := stageByName(specs, StageHeadgear).Stage.Detect(context.Background(), orchestrator.Input{Frame: c})
	require.NoError(t, err)
	assert.Empty(t, out.Detections)
}

func TestDetectors_UnknownFrame(t *testing.T) {
	specs := Stages(NewWorld(NewScene("cam-1", 1, SceneConfig{})), quiet)
	reg := frames.NewRegistry(frames.RegistryConfig{})

	c := carrierFor(t, reg, "cam-9", t0)
	_, err := specs[0].Stage.Detect(context.Background(), orchestrator.Input{Frame: c})
	require.ErrorIs(t, err, ErrNoTruth)

	c = carrierFor(t, reg, "cam-1", t0)
	_, err = specs[0].Stage.Detect(context.Background(), orchestrator.Input{Frame: c})
	require.ErrorIs(t, err, ErrNoTruth)
}

func TestDetectors_LatencyHonoursContext(t *testing.T) {
	scene := NewScene("cam-1", 1, SceneConfig{})
	specs := Stages(NewWorld(scene), DetectorConfig{Latency: time.Hour})
	reg := frames.NewRegistry(frames.RegistryConfig{})
	scene.Step(t0)
	c := carrierFor(t, reg, "cam-1", t0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := specs[0].Stage.Detect(ctx, orchestrator.Input{Frame: c})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDetectors_FailProb(t *testing.T) {
	scene := NewScene("cam-1", 1, SceneConfig{})
	specs := Stages(NewWorld(scene), DetectorConfig{FailProb: 1})
	reg := frames.NewRegistry(frames.RegistryConfig{})
	scene.Step(t0)
	c := carrierFor(t, reg, "cam-1", t0)
	_, err := specs[0].Stage.Detect(context.Background(), orchestrator.Input{Frame: c})
	require.Error(t, err)
}

func TestStages_FormValidGraph(t *testing.T) {
	reg := frames.NewRegistry(frames.RegistryConfig{})
	o, err := orchestrator.New(reg, orchestrator.Config{Deferred: resultsync.New(resultsync.Config{})},
		Stages(NewWorld(), DetectorConfig{})...)
	require.NoError(t, err)
	assert.Equal(t, []string{StagePerson, StageHeadgear, StagePose}, o.Stages())
}

func TestPipeline_SyntheticVerdictsStabilize(t *testing.T) {
	scene := NewScene("cam-1", 11, SceneConfig{Figures: 2, ChangeProb: -1})
	cfg := config.EmptyEngineConfig()
	one := 1
	cfg.FullInterval = &one
	p, err := pipeline.New(cfg, pipeline.Options{Stages: Stages(NewWorld(scene), quiet)})
	require.NoError(t, err)
	defer p.Close()

	cam := &Camera{Scene: scene}
	for range 8 {
		_, err := p.Ingest(context.Background(), cam.Frame())
		require.NoError(t, err)
		// Capture times must differ for truth lookup.
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		n := 0
		for _, s := range p.Verdicts() {
			if s.Attribute == StageHeadgear && s.State == stability.Stable {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
}

type countingIngester struct {
	calls atomic.Int32
	err   error
}

func (c *countingIngester) Ingest(context.Context, pipeline.Frame) (pipeline.Outcome, error) {
	c.calls.Add(1)
	return pipeline.Outcome{}, c.err
}

func TestCamera_Run(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	cam := &Camera{Scene: NewScene("cam-1", 1, SceneConfig{}), Interval: 100 * time.Millisecond, Clock: clock}
	dst := &countingIngester{err: frames.ErrCapacityExceeded}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- cam.Run(ctx, dst) }()

	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return dst.calls.Load() >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestCamera_RunStopsOnError(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	cam := &Camera{Scene: NewScene("cam-1", 1, SceneConfig{}), Clock: clock}
	boom := errors.New("boom")
	dst := &countingIngester{err: boom}

	errc := make(chan error, 1)
	go func() { errc <- cam.Run(context.Background(), dst) }()
	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, boom)
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
}
