package proxyd

import (
	"context"
	"log/slog"
	"time"
)

// Pinger refreshes the cached share price and fee rate.
type Pinger interface {
	Ping(ctx context.Context) ([]string, error)
}

// Poller pings the pool on a fixed interval so the cached price used by
// unstake and the staked balance view stays fresh.
type Poller struct {
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller constructs a poller. A non-positive interval disables it.
func NewPoller(pinger Pinger, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{pinger: pinger, interval: interval, logger: logger}
}

// Run pings once immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	p.tick(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	ids, err := p.pinger.Ping(ctx)
	if err != nil {
		p.logger.Warn("ping failed", slog.Any("error", err))
		return
	}
	p.logger.Debug("ping scheduled", slog.Any("call_ids", ids))
}
