package upload

import (
	"math"
	"time"
)

// SizerConfig configures the adaptive chunk sizer.
type SizerConfig struct {
	// Initial is the first chunk size. Default: 64KiB.
	Initial int

	// Min and Max bound every chunk size. Defaults: 16KiB and 1MiB.
	Min int
	Max int

	// TargetLatency is the per-chunk round trip the loop aims for.
	// Default: 250ms.
	TargetLatency time.Duration

	// AdjustmentFactor caps growth per step and is the shrink divisor.
	// Must be greater than 1. Default: 1.5.
	AdjustmentFactor float64
}

// DefaultSizerConfig returns the default control-loop parameters.
func DefaultSizerConfig() *SizerConfig {
	return &SizerConfig{
		Initial:          64 * 1024,
		Min:              16 * 1024,
		Max:              1024 * 1024,
		TargetLatency:    250 * time.Millisecond,
		AdjustmentFactor: 1.5,
	}
}

// Clone returns a copy of the config.
func (c *SizerConfig) Clone() *SizerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

func (c *SizerConfig) normalize() {
	d := DefaultSizerConfig()
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	c.Initial = clamp(c.Initial, c.Min, c.Max)
	if c.TargetLatency <= 0 {
		c.TargetLatency = d.TargetLatency
	}
	if c.AdjustmentFactor <= 1 {
		c.AdjustmentFactor = d.AdjustmentFactor
	}
}

// Sizer adjusts chunk size from observed latencies and failures. It grows
// only after two consecutive successes with the latest latency under
// target, and shrinks on any failure or over-target latency. The divisor
// doubles after two or more consecutive failures. The size never leaves
// [Min, Max].
//
// A Sizer is not safe for concurrent use; one upload owns one Sizer.
type Sizer struct {
	cfg       SizerConfig
	current   int
	successes int
	failures  int
}

// NewSizer creates a sizer. A nil config uses DefaultSizerConfig.
func NewSizer(cfg *SizerConfig) *Sizer {
	if cfg == nil {
		cfg = DefaultSizerConfig()
	}
	c := *cfg
	c.normalize()
	return &Sizer{cfg: c, current: c.Initial}
}

// Size returns the size to use for the next chunk.
func (s *Sizer) Size() int { return s.current }

// Config returns the normalized configuration.
func (s *Sizer) Config() SizerConfig { return s.cfg }

// ConsecutiveFailures returns the current failure streak.
func (s *Sizer) ConsecutiveFailures() int { return s.failures }

// Record feeds one chunk outcome into the loop and returns the new size.
func (s *Sizer) Record(latency time.Duration, ok bool) int {
	if !ok {
		s.successes = 0
		s.failures++
		s.shrink()
		return s.current
	}

	s.failures = 0
	s.successes++
	switch {
	case latency > s.cfg.TargetLatency:
		s.shrink()
	case latency < s.cfg.TargetLatency && s.successes >= 2:
		s.grow(latency)
	}
	return s.current
}

func (s *Sizer) grow(observed time.Duration) {
	mult := s.cfg.AdjustmentFactor
	if observed > 0 {
		mult = math.Min(mult, float64(s.cfg.TargetLatency)/float64(observed))
	}
	next := int(math.Floor(float64(s.current) * mult))
	s.current = clamp(next, s.cfg.Min, s.cfg.Max)
}

func (s *Sizer) shrink() {
	divisor := s.cfg.AdjustmentFactor
	if s.failures >= 2 {
		divisor *= 2
	}
	next := int(math.Floor(float64(s.current) / divisor))
	s.current = clamp(next, s.cfg.Min, s.cfg.Max)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EstimateTotalChunks estimates the chunk count for an upload of total
// bytes when index chunks covering sent bytes are done and the next chunk
// has size bytes. Adaptive sizing makes the count an estimate until the
// last chunk.
func EstimateTotalChunks(index int, sent, total int64, size int) int {
	remaining := total - sent
	if remaining <= 0 || size <= 0 {
		return index
	}
	return index + int((remaining+int64(size)-1)/int64(size))
}
