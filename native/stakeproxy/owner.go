package stakeproxy

import (
	"log/slog"

	"stakeproxy/core/events"
)

// Pause blocks new stake operations. Unstake and withdraw stay available so
// users can always exit.
func (e *Engine) Pause() error { return e.setPaused(true) }

// Resume lifts a pause.
func (e *Engine) Resume() error { return e.setPaused(false) }

// Paused reports the persisted pause flag.
func (e *Engine) Paused() bool {
	if e.ready() != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pausedLocked(moduleName)
}

func (e *Engine) setPaused(paused bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	contract, err := e.ledger.Contract()
	if err != nil {
		return err
	}
	if contract.Paused == paused {
		return nil
	}
	contract.Paused = paused
	if err := e.ledger.SaveContract(contract); err != nil {
		return err
	}
	e.logger.Info("pause flag changed", slog.Bool("paused", paused))
	e.emit(events.ProxyPaused{Paused: paused})
	return nil
}

// ForceRelease clears the guard covering account. It exists for operators to
// recover from a call whose callback will never run, e.g. after a lost
// dispatcher. The cleared acquisition's token is invalidated, so a late
// callback for that call cannot release a guard taken since. It reports
// whether the guard was held.
func (e *Engine) ForceRelease(account string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := contractGuardKey
	if e.guard.Scope() == GuardScopeAccount {
		id, err := NormalizeAccountID(account)
		if err != nil {
			return false, err
		}
		key = id
	}
	wasHeld := e.guard.Clear(key)
	e.recorder.SetGuardsHeld(e.guard.HeldCount())
	e.logger.Warn("guard force released", slog.String("key", key), slog.Bool("was_held", wasHeld))
	e.emit(events.ProxyGuardReleased{Key: key, WasHeld: wasHeld})
	return wasHeld, nil
}
