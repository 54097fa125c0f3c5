package epoch

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Length = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero length to be rejected")
	}
	cfg = DefaultConfig()
	cfg.Genesis = time.Time{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing genesis to be rejected")
	}
}

func TestClockHeights(t *testing.T) {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := genesis
	clock, err := NewClock(Config{Genesis: genesis, Length: time.Hour})
	if err != nil {
		t.Fatalf("new clock: %v", err)
	}
	clock.WithNow(func() time.Time { return now })

	if got := clock.Current(); got != 0 {
		t.Fatalf("expected epoch 0 at genesis, got %d", got)
	}
	now = genesis.Add(59 * time.Minute)
	if got := clock.Current(); got != 0 {
		t.Fatalf("expected epoch 0 before first boundary, got %d", got)
	}
	now = genesis.Add(5*time.Hour + time.Second)
	if got := clock.Current(); got != 5 {
		t.Fatalf("expected epoch 5, got %d", got)
	}
	if got := clock.At(genesis.Add(-time.Hour)); got != 0 {
		t.Fatalf("expected pre-genesis instants to clamp to 0, got %d", got)
	}
	if start := clock.Start(5); !start.Equal(genesis.Add(5 * time.Hour)) {
		t.Fatalf("unexpected epoch start %s", start)
	}
}

func TestManualSource(t *testing.T) {
	m := NewManual(10)
	if m.Current() != 10 {
		t.Fatalf("unexpected start height")
	}
	if got := m.Advance(4); got != 14 || m.Current() != 14 {
		t.Fatalf("unexpected height after advance: %d", got)
	}
	m.Set(3)
	if m.Current() != 3 {
		t.Fatalf("unexpected height after set")
	}
}
