package common

import "errors"

// ErrModulePaused is returned when a mutation targets a paused module.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module is paused.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseFunc adapts a function to the PauseView interface.
type PauseFunc func(module string) bool

// IsPaused implements PauseView.
func (f PauseFunc) IsPaused(module string) bool {
	if f == nil {
		return false
	}
	return f(module)
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
