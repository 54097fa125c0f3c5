package epoch

import (
	"fmt"
	"time"
)

// Config describes how wall-clock time maps onto epoch heights.
type Config struct {
	// Genesis is the instant epoch zero begins. It must not be the zero time.
	Genesis time.Time

	// Length is the duration of a single epoch. The value must be greater
	// than zero.
	Length time.Duration
}

// DefaultConfig returns a conservative default configuration: twelve hour
// epochs counted from the Unix epoch.
func DefaultConfig() Config {
	return Config{
		Genesis: time.Unix(0, 0).UTC(),
		Length:  12 * time.Hour,
	}
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Genesis.IsZero() {
		return fmt.Errorf("epoch genesis must be set")
	}
	if c.Length <= 0 {
		return fmt.Errorf("epoch length must be greater than zero")
	}
	return nil
}
