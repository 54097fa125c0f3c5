package epoch

import (
	"sync/atomic"
	"time"
)

// Source reports the current epoch height.
type Source interface {
	Current() uint64
}

// Clock derives epoch heights from wall-clock time.
type Clock struct {
	cfg Config
	now func() time.Time
}

// NewClock validates cfg and returns a clock reading time.Now.
func NewClock(cfg Config) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Clock{cfg: cfg, now: time.Now}, nil
}

// WithNow overrides the time source.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	if now != nil {
		c.now = now
	}
	return c
}

// Current returns the epoch containing the present instant. Instants before
// genesis map to epoch zero.
func (c *Clock) Current() uint64 {
	return c.At(c.now())
}

// At returns the epoch containing t.
func (c *Clock) At(t time.Time) uint64 {
	if t.Before(c.cfg.Genesis) {
		return 0
	}
	return uint64(t.Sub(c.cfg.Genesis) / c.cfg.Length)
}

// Start returns the instant the given epoch begins.
func (c *Clock) Start(height uint64) time.Time {
	return c.cfg.Genesis.Add(time.Duration(height) * c.cfg.Length)
}

// Manual is a Source whose height is set explicitly.
type Manual struct {
	height atomic.Uint64
}

// NewManual returns a manual source starting at height.
func NewManual(height uint64) *Manual {
	m := &Manual{}
	m.height.Store(height)
	return m
}

// Current implements Source.
func (m *Manual) Current() uint64 { return m.height.Load() }

// Set moves the height.
func (m *Manual) Set(height uint64) { m.height.Store(height) }

// Advance moves the height forward by n epochs.
func (m *Manual) Advance(n uint64) uint64 { return m.height.Add(n) }
