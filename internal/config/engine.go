package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/engine.defaults.json"

// EngineConfig is the run-time configuration consumed by the frame engine.
// Every field is optional: a nil field falls back to the default returned by
// its Get* accessor, so partial files are safe.
type EngineConfig struct {
	// Stability engine
	StabilityThreshold    *int               `json:"stability_threshold,omitempty"`
	ConfidenceFloor       *float64           `json:"confidence_floor,omitempty"`
	ConfidenceFloors      map[string]float64 `json:"confidence_floors,omitempty"` // per-attribute overrides, e.g. {"pose": 0.5}
	ConfidenceBlendWeight *float64           `json:"confidence_blend_weight,omitempty"`
	SilenceWindow         *string            `json:"silence_window,omitempty"` // duration string like "2s"

	// Signal smoother. Spread and scale are in signal units, which for the
	// pipeline are pixels.
	SmoothingAlpha     *float64 `json:"smoothing_alpha,omitempty"`
	OutlierK           *float64 `json:"outlier_k,omitempty"`
	SmoothingMinSpread *float64 `json:"smoothing_min_spread,omitempty"`
	ConsistencyScale   *float64 `json:"consistency_scale,omitempty"`

	// Result synchronizer
	SyncWindow     *string `json:"sync_window,omitempty"`
	SyncMaxEntries *int    `json:"sync_max_entries,omitempty"`

	// Admission
	FullInterval    *int     `json:"full_interval,omitempty"`
	MotionThreshold *float64 `json:"motion_threshold,omitempty"`
	RecheckFrames   *int     `json:"recheck_frames,omitempty"`

	// Orchestration and registry
	PerRunDeadline    *string `json:"per_run_deadline,omitempty"`
	MaxInFlightFrames *int    `json:"max_in_flight_frames,omitempty"`
	Workers           *int    `json:"workers,omitempty"`
	CompletionGrace   *string `json:"completion_grace,omitempty"`
	StaleAfter        *string `json:"stale_after,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyEngineConfig returns a config with every field unset.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// DefaultEngineConfig returns a config with every field set to its default.
func DefaultEngineConfig() *EngineConfig {
	e := EmptyEngineConfig()
	return &EngineConfig{
		StabilityThreshold:    ptrInt(e.GetStabilityThreshold()),
		ConfidenceFloor:       ptrFloat64(e.GetConfidenceFloor()),
		ConfidenceFloors:      e.GetConfidenceFloors(),
		ConfidenceBlendWeight: ptrFloat64(e.GetConfidenceBlendWeight()),
		SilenceWindow:         ptrString(e.GetSilenceWindow().String()),
		SmoothingAlpha:        ptrFloat64(e.GetSmoothingAlpha()),
		OutlierK:              ptrFloat64(e.GetOutlierK()),
		SmoothingMinSpread:    ptrFloat64(e.GetSmoothingMinSpread()),
		ConsistencyScale:      ptrFloat64(e.GetConsistencyScale()),
		SyncWindow:            ptrString(e.GetSyncWindow().String()),
		SyncMaxEntries:        ptrInt(e.GetSyncMaxEntries()),
		FullInterval:          ptrInt(e.GetFullInterval()),
		MotionThreshold:       ptrFloat64(e.GetMotionThreshold()),
		RecheckFrames:         ptrInt(e.GetRecheckFrames()),
		PerRunDeadline:        ptrString(e.GetPerRunDeadline().String()),
		MaxInFlightFrames:     ptrInt(e.GetMaxInFlightFrames()),
		Workers:               ptrInt(e.GetWorkers()),
		CompletionGrace:       ptrString(e.GetCompletionGrace().String()),
		StaleAfter:            ptrString(e.GetStaleAfter().String()),
	}
}

// LoadEngineConfig loads an EngineConfig from a JSON file. The file must have
// a .json extension and be under 1MB. Omitted fields keep their defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every set field is in range.
func (c *EngineConfig) Validate() error {
	if c.StabilityThreshold != nil && *c.StabilityThreshold < 1 {
		return fmt.Errorf("stability_threshold must be >= 1, got %d", *c.StabilityThreshold)
	}
	if c.ConfidenceFloor != nil && (*c.ConfidenceFloor < 0 || *c.ConfidenceFloor > 1) {
		return fmt.Errorf("confidence_floor must be between 0 and 1, got %f", *c.ConfidenceFloor)
	}
	for attr, f := range c.ConfidenceFloors {
		if attr == "" {
			return fmt.Errorf("confidence_floors has an empty attribute name")
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("confidence_floors[%q] must be between 0 and 1, got %f", attr, f)
		}
	}
	if c.ConfidenceBlendWeight != nil && (*c.ConfidenceBlendWeight <= 0 || *c.ConfidenceBlendWeight > 1) {
		return fmt.Errorf("confidence_blend_weight must be in (0, 1], got %f", *c.ConfidenceBlendWeight)
	}
	if c.SmoothingAlpha != nil && (*c.SmoothingAlpha < 0 || *c.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be between 0 and 1, got %f", *c.SmoothingAlpha)
	}
	if c.OutlierK != nil && *c.OutlierK <= 0 {
		return fmt.Errorf("outlier_k must be positive, got %f", *c.OutlierK)
	}
	if c.SmoothingMinSpread != nil && *c.SmoothingMinSpread <= 0 {
		return fmt.Errorf("smoothing_min_spread must be positive, got %f", *c.SmoothingMinSpread)
	}
	if c.ConsistencyScale != nil && *c.ConsistencyScale <= 0 {
		return fmt.Errorf("consistency_scale must be positive, got %f", *c.ConsistencyScale)
	}
	if c.SyncMaxEntries != nil && *c.SyncMaxEntries < 1 {
		return fmt.Errorf("sync_max_entries must be >= 1, got %d", *c.SyncMaxEntries)
	}
	if c.FullInterval != nil && *c.FullInterval < 1 {
		return fmt.Errorf("full_interval must be >= 1, got %d", *c.FullInterval)
	}
	if c.MotionThreshold != nil && (*c.MotionThreshold < 0 || *c.MotionThreshold > 1) {
		return fmt.Errorf("motion_threshold must be between 0 and 1, got %f", *c.MotionThreshold)
	}
	if c.RecheckFrames != nil && *c.RecheckFrames < 0 {
		return fmt.Errorf("recheck_frames must be non-negative, got %d", *c.RecheckFrames)
	}
	if c.MaxInFlightFrames != nil && *c.MaxInFlightFrames < 1 {
		return fmt.Errorf("max_in_flight_frames must be >= 1, got %d", *c.MaxInFlightFrames)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", *c.Workers)
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"silence_window", c.SilenceWindow},
		{"sync_window", c.SyncWindow},
		{"per_run_deadline", c.PerRunDeadline},
		{"completion_grace", c.CompletionGrace},
		{"stale_after", c.StaleAfter},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetStabilityThreshold returns the consecutive-agreement count needed for a
// verdict to become stable.
func (c *EngineConfig) GetStabilityThreshold() int {
	if c.StabilityThreshold == nil {
		return 5
	}
	return *c.StabilityThreshold
}

// GetConfidenceFloor returns the minimum confidence for an observation to count.
func (c *EngineConfig) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.35
	}
	return *c.ConfidenceFloor
}

// GetConfidenceFloors returns a copy of the per-attribute floor overrides
// (default: none).
func (c *EngineConfig) GetConfidenceFloors() map[string]float64 {
	out := make(map[string]float64, len(c.ConfidenceFloors))
	for attr, f := range c.ConfidenceFloors {
		out[attr] = f
	}
	return out
}

// GetConfidenceBlendWeight returns the weight given to a new observation when
// blending stable confidence.
func (c *EngineConfig) GetConfidenceBlendWeight() float64 {
	if c.ConfidenceBlendWeight == nil {
		return 0.3
	}
	return *c.ConfidenceBlendWeight
}

// GetSilenceWindow returns how long a track may go unobserved before purge.
func (c *EngineConfig) GetSilenceWindow() time.Duration {
	return durationOr(c.SilenceWindow, 2*time.Second)
}

// GetSmoothingAlpha returns the EMA weight on history.
func (c *EngineConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.7
	}
	return *c.SmoothingAlpha
}

// GetOutlierK returns the deviation multiple above which a signal is rejected.
func (c *EngineConfig) GetOutlierK() float64 {
	if c.OutlierK == nil {
		return 3.0
	}
	return *c.OutlierK
}

// GetSmoothingMinSpread returns the floor on deviation spread used for
// outlier rejection. The default suits pixel-coordinate signals.
func (c *EngineConfig) GetSmoothingMinSpread() float64 {
	if c.SmoothingMinSpread == nil {
		return 4
	}
	return *c.SmoothingMinSpread
}

// GetConsistencyScale returns the mean deviation that halves a track's
// consistency score. The default suits pixel-coordinate signals.
func (c *EngineConfig) GetConsistencyScale() float64 {
	if c.ConsistencyScale == nil {
		return 8
	}
	return *c.ConsistencyScale
}

func (c *EngineConfig) GetSyncWindow() time.Duration {
	return durationOr(c.SyncWindow, 100*time.Millisecond)
}

func (c *EngineConfig) GetSyncMaxEntries() int {
	if c.SyncMaxEntries == nil {
		return 256
	}
	return *c.SyncMaxEntries
}

// GetFullInterval returns the frame cadence at which admission forces a
// full-depth run.
func (c *EngineConfig) GetFullInterval() int {
	if c.FullInterval == nil {
		return 5
	}
	return *c.FullInterval
}

func (c *EngineConfig) GetMotionThreshold() float64 {
	if c.MotionThreshold == nil {
		return 0.04
	}
	return *c.MotionThreshold
}

func (c *EngineConfig) GetRecheckFrames() int {
	if c.RecheckFrames == nil {
		return 2
	}
	return *c.RecheckFrames
}

func (c *EngineConfig) GetPerRunDeadline() time.Duration {
	return durationOr(c.PerRunDeadline, 250*time.Millisecond)
}

func (c *EngineConfig) GetMaxInFlightFrames() int {
	if c.MaxInFlightFrames == nil {
		return 8
	}
	return *c.MaxInFlightFrames
}

// GetWorkers returns the stage worker pool size (default: core count).
func (c *EngineConfig) GetWorkers() int {
	if c.Workers == nil {
		return runtime.NumCPU()
	}
	return *c.Workers
}

func (c *EngineConfig) GetCompletionGrace() time.Duration {
	return durationOr(c.CompletionGrace, 2*time.Second)
}

func (c *EngineConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, 30*time.Second)
}
