package smoothing

import (
	"fmt"
	"math"
	"sync"
	"testing"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

func TestSmoothEMA(t *testing.T) {
	s := New(Config{Alpha: 0.7, MinSamples: 100, Window: 100})

	v, c, ok := s.SmoothScalar("t1", 10, 0.5)
	if !ok || v != 10 || c != 0.5 {
		t.Fatalf("seed = (%v, %v, %v), want (10, 0.5, true)", v, c, ok)
	}
	v, c, ok = s.SmoothScalar("t1", 20, 1.0)
	if !ok {
		t.Fatal("second sample rejected")
	}
	if !approx(v, 13) {
		t.Errorf("smoothed = %v, want 13", v)
	}
	if !approx(c, 0.65) {
		t.Errorf("confidence = %v, want 0.65", c)
	}
}

func TestSmoothVector(t *testing.T) {
	s := New(Config{Alpha: 0.5, MinSamples: 100, Window: 100})
	s.Smooth("pose", []float64{0, 0, 10, 10}, 1)
	got, _, _ := s.Smooth("pose", []float64{2, 4, 10, 0}, 1)
	want := []float64{1, 2, 10, 5}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Fatalf("smoothed[%d] = %v, want %v (all %v)", i, got[i], want[i], got)
		}
	}

	// Returned slices are copies.
	got[0] = 999
	again, _, _ := s.Smooth("pose", []float64{1, 2, 10, 5}, 1)
	if again[0] == 999 || again[0] > 2 {
		t.Errorf("internal state leaked through returned slice: %v", again)
	}
}

func feedSteady(s *Smoother, key string, n int) {
	for i := 0; i < n; i++ {
		jitter := 0.1
		if i%2 == 0 {
			jitter = -0.1
		}
		if i%3 == 0 {
			jitter *= 2
		}
		s.SmoothScalar(key, 10+jitter, 0.9)
	}
}

func TestOutlierRejected(t *testing.T) {
	s := New(Config{OutlierK: 3, MinSamples: 5, MaxConsecutiveOutliers: 10})
	feedSteady(s, "t1", 12)

	before, beforeConf, _ := s.SmoothScalar("t1", 10, 0.9)
	v, c, ok := s.SmoothScalar("t1", 60, 0.9)
	if ok {
		t.Fatalf("spike accepted, smoothed = %v", v)
	}
	if v != before || c != beforeConf {
		t.Errorf("rejected sample changed output: (%v, %v), want (%v, %v)", v, c, before, beforeConf)
	}

	// Normal samples continue to be accepted afterwards.
	if _, _, ok := s.SmoothScalar("t1", 10.05, 0.9); !ok {
		t.Error("in-range sample after spike was rejected")
	}
}

func TestNoRejectionBeforeMinSamples(t *testing.T) {
	s := New(Config{MinSamples: 5})
	s.SmoothScalar("t1", 10, 1)
	s.SmoothScalar("t1", 10.1, 1)
	if _, _, ok := s.SmoothScalar("t1", 500, 1); !ok {
		t.Error("sample rejected before enough history existed")
	}
}

func TestPersistentJumpReseeds(t *testing.T) {
	s := New(Config{MinSamples: 5, MaxConsecutiveOutliers: 3})
	feedSteady(s, "t1", 12)

	for i := 0; i < 2; i++ {
		if _, _, ok := s.SmoothScalar("t1", 80, 0.7); ok {
			t.Fatalf("jump %d accepted too early", i+1)
		}
	}
	v, c, ok := s.SmoothScalar("t1", 80, 0.7)
	if !ok || v != 80 || c != 0.7 {
		t.Errorf("third jump = (%v, %v, %v), want re-seed at (80, 0.7, true)", v, c, ok)
	}
}

func TestDimensionChangeReseeds(t *testing.T) {
	s := New(DefaultConfig())
	s.Smooth("k", []float64{1, 2}, 1)
	got, _, ok := s.Smooth("k", []float64{5, 6, 7}, 0.5)
	if !ok || len(got) != 3 || got[2] != 7 {
		t.Errorf("got %v ok=%v, want re-seed to [5 6 7]", got, ok)
	}
}

func TestConsistencyScore(t *testing.T) {
	s := New(Config{MinSamples: 5, MaxConsecutiveOutliers: 100})

	if got := s.ConsistencyScore("missing"); got != 0 {
		t.Errorf("unknown key score = %v, want 0", got)
	}
	s.SmoothScalar("fresh", 3, 1)
	if got := s.ConsistencyScore("fresh"); got != 1 {
		t.Errorf("seeded key score = %v, want 1", got)
	}

	feedSteady(s, "steady", 16)
	steady := s.ConsistencyScore("steady")
	if steady <= 0.5 || steady > 1 {
		t.Errorf("steady score = %v, want in (0.5, 1]", steady)
	}

	feedSteady(s, "glitchy", 16)
	for i := 0; i < 6; i++ {
		s.SmoothScalar("glitchy", 200, 1)
	}
	glitchy := s.ConsistencyScore("glitchy")
	if glitchy >= steady {
		t.Errorf("glitchy score %v not below steady %v", glitchy, steady)
	}
	if glitchy < 0 {
		t.Errorf("score %v below 0", glitchy)
	}
}

func TestForgetAndLen(t *testing.T) {
	s := New(DefaultConfig())
	s.SmoothScalar("a", 1, 1)
	s.SmoothScalar("b", 1, 1)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	s.Forget("a")
	if s.Len() != 1 {
		t.Errorf("Len after Forget = %d, want 1", s.Len())
	}
	// A forgotten key starts over.
	v, _, _ := s.SmoothScalar("a", 42, 1)
	if v != 42 {
		t.Errorf("re-created key = %v, want 42", v)
	}
}

func TestConcurrentKeys(t *testing.T) {
	s := New(DefaultConfig())
	var wg sync.WaitGroup
	for k := 0; k < 16; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("track-%d", k)
			for i := 0; i < 200; i++ {
				s.SmoothScalar(key, float64(k), 1)
			}
		}(k)
	}
	wg.Wait()
	if s.Len() != 16 {
		t.Fatalf("Len = %d, want 16", s.Len())
	}
	for k := 0; k < 16; k++ {
		v, _, _ := s.SmoothScalar(fmt.Sprintf("track-%d", k), float64(k), 1)
		if !approx(v, float64(k)) {
			t.Errorf("track-%d = %v, want %d", k, v, k)
		}
	}
}
