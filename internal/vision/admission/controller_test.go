package admission

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
)

func uniform(v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// decide runs Decide and commits the result, as an admitted frame would.
func decide(c *Controller, source string, index uint64, img image.Image) Decision {
	d := c.Decide(source, index, img)
	c.Commit(d)
	return d
}

func TestPolicyOrderWithoutMotion(t *testing.T) {
	c := New(Config{FullInterval: 5, MotionThreshold: 0.04, RecheckFrames: 2})
	want := []struct {
		tier   Tier
		reason string
	}{
		{Full, ReasonInterval},
		{Lightweight, ReasonRecheck},
		{Lightweight, ReasonRecheck},
		{Skip, ReasonIdle},
		{Skip, ReasonIdle},
		{Full, ReasonInterval},
		{Lightweight, ReasonRecheck},
	}
	for i, w := range want {
		d := decide(c, "cam-1", uint64(i), nil)
		if d.Tier != w.tier || d.Reason != w.reason {
			t.Errorf("frame %d = %s/%s, want %s/%s", i, d.Tier, d.Reason, w.tier, w.reason)
		}
		if d.Frame != (SourceFrame{Source: "cam-1", Index: uint64(i)}) {
			t.Errorf("frame %d identity = %+v", i, d.Frame)
		}
	}
	got := c.Stats("cam-1")
	if got != (TierCounts{Full: 2, Lightweight: 3, Skip: 2}) {
		t.Errorf("counts = %+v", got)
	}
}

func TestNoFullYetMeansSkip(t *testing.T) {
	c := New(Config{FullInterval: 10, RecheckFrames: 3})
	if d := decide(c, "cam-1", 3, nil); d.Tier != Skip {
		t.Errorf("tier = %s, want skip before any Full frame", d.Tier)
	}
}

func TestMotionPromotesToFull(t *testing.T) {
	c := New(Config{FullInterval: 100, MotionThreshold: 0.04, RecheckFrames: 0})
	decide(c, "cam-1", 1, uniform(50))
	if d := decide(c, "cam-1", 2, uniform(52)); d.Tier != Skip {
		t.Errorf("small change tier = %s (motion %.3f), want skip", d.Tier, d.Motion)
	}
	d := decide(c, "cam-1", 3, uniform(200))
	if d.Tier != Full || d.Reason != ReasonMotion {
		t.Fatalf("large change = %s/%s (motion %.3f), want full/motion", d.Tier, d.Reason, d.Motion)
	}
	if d.Motion <= 0.04 || d.Motion > 1 {
		t.Errorf("motion = %.3f, want in (0.04, 1]", d.Motion)
	}
}

func TestMotionIsLocal(t *testing.T) {
	c := New(Config{FullInterval: 100, MotionThreshold: 0.01})
	base := uniform(30)
	decide(c, "cam-1", 1, base)

	moved := uniform(30)
	for y := 10; y < 30; y++ {
		for x := 20; x < 40; x++ {
			moved.SetGray(x, y, color.Gray{Y: 250})
		}
	}
	d := decide(c, "cam-1", 2, moved)
	if d.Tier != Full {
		t.Errorf("blob appearance tier = %s (motion %.4f), want full", d.Tier, d.Motion)
	}
	// Other sources keep their own baseline.
	if d := decide(c, "cam-2", 2, moved); d.Motion != 0 {
		t.Errorf("first frame of cam-2 motion = %.3f, want 0", d.Motion)
	}
}

func TestUpdateConfigAtRunTime(t *testing.T) {
	c := New(Config{FullInterval: 5, RecheckFrames: 0})
	if d := decide(c, "cam-1", 2, nil); d.Tier != Skip {
		t.Fatalf("tier = %s, want skip", d.Tier)
	}
	c.UpdateConfig(func(cfg *Config) {
		cfg.FullInterval = 2
		cfg.RecheckFrames = 1
	})
	if d := decide(c, "cam-1", 4, nil); d.Tier != Full {
		t.Errorf("tier = %s, want full under new interval", d.Tier)
	}
	if d := decide(c, "cam-1", 5, nil); d.Tier != Lightweight {
		t.Errorf("tier = %s, want lightweight under new recheck window", d.Tier)
	}

	c.UpdateConfig(func(cfg *Config) { cfg.FullInterval = 0 })
	if got := c.Config().FullInterval; got != 5 {
		t.Errorf("invalid interval not normalised: %d", got)
	}
}

func TestTierString(t *testing.T) {
	for tier, want := range map[Tier]string{Full: "full", Lightweight: "lightweight", Skip: "skip", Tier(9): "tier(9)"} {
		if tier.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(tier), tier.String(), want)
		}
	}
}

func TestConcurrentSources(t *testing.T) {
	c := New(DefaultConfig())
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			src := fmt.Sprintf("cam-%d", s)
			for i := 0; i < 50; i++ {
				decide(c, src, uint64(i), uniform(uint8(i)))
			}
		}(s)
	}
	wg.Wait()
	all := c.Sources()
	if len(all) != 8 {
		t.Fatalf("sources = %d, want 8", len(all))
	}
	for src, n := range all {
		if n.Full+n.Lightweight+n.Skip != 50 {
			t.Errorf("%s counted %+v, want 50 decisions", src, n)
		}
	}
	c.Forget("cam-0")
	if c.Stats("cam-0") != (TierCounts{}) {
		t.Error("Forget kept counters")
	}
}

func TestUncommittedDecisionLeavesNoTrace(t *testing.T) {
	c := New(Config{FullInterval: 10, MotionThreshold: 0.04, RecheckFrames: 2})
	decide(c, "cam-1", 1, uniform(40))

	// Frame 10 is Full by interval but its frame never gets admitted.
	if d := c.Decide("cam-1", 10, uniform(220)); d.Tier != Full {
		t.Fatalf("tier = %s, want full", d.Tier)
	}
	if d := c.Decide("cam-1", 11, uniform(40)); d.Tier != Skip || d.Motion != 0 {
		t.Errorf("after rejected Full = %s/%s motion %.3f, want skip with unchanged baseline", d.Tier, d.Reason, d.Motion)
	}
	if got := c.Stats("cam-1"); got != (TierCounts{Skip: 1}) {
		t.Errorf("counts = %+v, want only the committed frame", got)
	}
}

func TestCommitKeepsNewestFull(t *testing.T) {
	c := New(Config{FullInterval: 4, RecheckFrames: 1})
	late := c.Decide("cam-1", 4, nil)
	decide(c, "cam-1", 8, nil)
	c.Commit(late)
	if d := c.Decide("cam-1", 9, nil); d.Tier != Lightweight {
		t.Errorf("tier = %s, want lightweight after Full at 8", d.Tier)
	}
}
