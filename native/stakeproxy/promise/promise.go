// Package promise provides the asynchronous call primitive the proxy uses to
// reach the external pool: a call is scheduled with a callback, executed off
// the caller's goroutine, and its outcome is delivered to the callback exactly
// once.
package promise

import (
	"encoding/json"
	"errors"
	"time"

	"stakeproxy/native/stakeproxy/pool"
)

var (
	// ErrClosed is returned when scheduling on a stopped scheduler.
	ErrClosed = errors.New("promise: scheduler closed")
	// ErrQueueFull is returned when the submission queue has no capacity.
	ErrQueueFull = errors.New("promise: queue full")
	// ErrAbandoned marks calls cut off by shutdown. On its own it means the
	// call never reached the pool.
	ErrAbandoned = errors.New("promise: call abandoned during shutdown")
	// ErrOutcomeUnknown marks calls that were sent but stopped waiting before
	// the pool answered, either on budget expiry or at shutdown. The pool may
	// or may not have applied them.
	ErrOutcomeUnknown = errors.New("promise: call outcome unknown")
)

// Call describes a single external pool invocation.
type Call struct {
	Method  pool.Method
	Params  any
	Account string
	// Budget bounds the time the call may take before it is treated as failed.
	Budget time.Duration
}

// Result is the settled outcome of a call. Err is nil on success, in which
// case Payload carries the undecoded result. An Err wrapping
// ErrOutcomeUnknown is not a settlement: the pool never reported back.
type Result struct {
	ID        string
	Payload   json.RawMessage
	Err       error
	SettledAt time.Time
}

// Succeeded reports whether the call completed without error.
func (r Result) Succeeded() bool { return r.Err == nil }

// Unknown reports whether the pool's verdict on the call was never observed.
func (r Result) Unknown() bool { return errors.Is(r.Err, ErrOutcomeUnknown) }

// Callback receives a call's result.
type Callback func(Result)

// Scheduler submits calls for asynchronous execution. Implementations must
// never invoke the callback from within Schedule itself: callers hold locks
// across Schedule that the callback also takes.
type Scheduler interface {
	Schedule(call Call, cb Callback) (string, error)
}

// Observer is notified of call lifecycle transitions.
type Observer interface {
	CallScheduled(id string, call Call, at time.Time)
	CallSettled(id string, call Call, result Result)
}

type noopObserver struct{}

func (noopObserver) CallScheduled(string, Call, time.Time) {}
func (noopObserver) CallSettled(string, Call, Result)      {}
