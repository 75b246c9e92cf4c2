// Package synthetic provides deterministic stand-ins for cameras and
// detectors: moving-figure camera feeds and noisy detector stages that read
// the scene's ground truth.
package synthetic

import (
	"fmt"
	"image"
	"image/color"
	"math/rand/v2"
	"sync"
	"time"
)

// Figure is one person in a synthetic scene.
type Figure struct {
	TrackID string
	Box     image.Rectangle
	Hardhat bool
	Crouch  bool
}

// SceneConfig shapes a synthetic scene.
type SceneConfig struct {
	Width, Height int     // frame size (default: 160x120)
	Figures       int     // people in view (default: 3)
	Speed         float64 // pixels per frame (default: 2)
	IdleEvery     int     // every IdleEvery frames the scene holds still for IdleFor frames (0 disables)
	IdleFor       int
	ChangeProb    float64 // per-frame chance a figure changes headgear or pose (default: 0.01, negative disables)
	History       int     // frames of ground truth kept for detectors (default: 64)
}

func (c SceneConfig) withDefaults() SceneConfig {
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 160, 120
	}
	if c.Figures <= 0 {
		c.Figures = 3
	}
	if c.Speed <= 0 {
		c.Speed = 2
	}
	if c.ChangeProb == 0 {
		c.ChangeProb = 0.01
	}
	if c.History <= 0 {
		c.History = 64
	}
	return c
}

type mover struct {
	Figure
	x, y, vx, vy float64
	w, h         int
}

type truthFrame struct {
	at      time.Time
	figures []Figure
}

// Scene is one camera's world. It renders frames and remembers recent ground
// truth by capture time so detector doubles can look it up.
type Scene struct {
	source string
	cfg    SceneConfig

	mu      sync.Mutex
	rng     *rand.Rand
	movers  []*mover
	index   uint64
	history []truthFrame
}

// NewScene creates a deterministic scene for source.
func NewScene(source string, seed uint64, cfg SceneConfig) *Scene {
	cfg = cfg.withDefaults()
	s := &Scene{source: source, cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x5eed))}
	for i := range cfg.Figures {
		w, h := cfg.Width/8, cfg.Height/3
		m := &mover{
			Figure: Figure{TrackID: fmt.Sprintf("p%d", i+1), Hardhat: s.rng.Float64() < 0.7},
			x:      s.rng.Float64() * float64(cfg.Width-w),
			y:      s.rng.Float64() * float64(cfg.Height-h),
			vx:     (s.rng.Float64()*2 - 1) * cfg.Speed,
			vy:     (s.rng.Float64()*2 - 1) * cfg.Speed,
			w:      w,
			h:      h,
		}
		m.place()
		s.movers = append(s.movers, m)
	}
	return s
}

func (m *mover) place() {
	x, y := int(m.x), int(m.y)
	m.Box = image.Rect(x, y, x+m.w, y+m.h)
}

// Source returns the camera name.
func (s *Scene) Source() string { return s.source }

func (s *Scene) idle(index uint64) bool {
	if s.cfg.IdleEvery <= 0 || s.cfg.IdleFor <= 0 {
		return false
	}
	return index%uint64(s.cfg.IdleEvery) < uint64(s.cfg.IdleFor)
}

// Step advances the scene by one frame captured at at and returns the frame
// index and rendered image.
func (s *Scene) Step(at time.Time) (uint64, image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.index
	s.index++
	if index > 0 && !s.idle(index) {
		for _, m := range s.movers {
			s.move(m)
		}
	}

	img := image.NewGray(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	for i := range img.Pix {
		img.Pix[i] = 24
	}
	figs := make([]Figure, 0, len(s.movers))
	for _, m := range s.movers {
		fill(img, m.Box, 200)
		if m.Hardhat {
			head := image.Rect(m.Box.Min.X, m.Box.Min.Y, m.Box.Max.X, m.Box.Min.Y+m.h/6)
			fill(img, head, 255)
		}
		figs = append(figs, m.Figure)
	}

	s.history = append(s.history, truthFrame{at: at, figures: figs})
	if len(s.history) > s.cfg.History {
		s.history = s.history[len(s.history)-s.cfg.History:]
	}
	return index, img
}

func (s *Scene) move(m *mover) {
	m.x += m.vx
	m.y += m.vy
	maxX, maxY := float64(s.cfg.Width-m.w), float64(s.cfg.Height-m.h)
	if m.x < 0 || m.x > maxX {
		m.vx = -m.vx
		m.x = min(max(m.x, 0), maxX)
	}
	if m.y < 0 || m.y > maxY {
		m.vy = -m.vy
		m.y = min(max(m.y, 0), maxY)
	}
	if s.rng.Float64() < s.cfg.ChangeProb {
		m.Hardhat = !m.Hardhat
	}
	if s.rng.Float64() < s.cfg.ChangeProb {
		m.Crouch = !m.Crouch
	}
	m.place()
}

// Truth returns the figures of the frame captured at at.
func (s *Scene) Truth(at time.Time) ([]Figure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].at.Equal(at) {
			return append([]Figure(nil), s.history[i].figures...), true
		}
	}
	return nil, false
}

func fill(img *image.Gray, r image.Rectangle, v uint8) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
}
