package promise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakeproxy/native/stakeproxy/pool"
)

const (
	defaultWorkers       = 4
	defaultQueueCapacity = 256
	defaultBudget        = 30 * time.Second
)

type task struct {
	id   string
	call Call
}

type pending struct {
	call Call
	cb   Callback
}

// Dispatcher executes scheduled calls on a bounded worker pool and delivers
// every result to its callback from a single loop goroutine, so callbacks
// never run concurrently with each other.
type Dispatcher struct {
	client   pool.Client
	workers  int
	budget   time.Duration
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	tasks   chan task
	results chan Result

	mu       sync.Mutex
	started  bool
	closed   bool
	inflight map[string]pending

	baseCtx    context.Context
	cancelBase context.CancelFunc
	workerWG   sync.WaitGroup
	loopDone   chan struct{}
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrent pool calls.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueCapacity bounds the submission queue.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.tasks = make(chan task, n)
		}
	}
}

// WithDefaultBudget sets the budget for calls that do not specify one.
func WithDefaultBudget(budget time.Duration) Option {
	return func(d *Dispatcher) {
		if budget > 0 {
			d.budget = budget
		}
	}
}

// WithObserver registers a lifecycle observer such as the operation journal.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher constructs a dispatcher bound to the pool client.
func NewDispatcher(client pool.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		workers:  defaultWorkers,
		budget:   defaultBudget,
		observer: noopObserver{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("stakeproxy/promise"),
		now:      time.Now,
		tasks:    make(chan task, defaultQueueCapacity),
		inflight: make(map[string]pending),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.results = make(chan Result, cap(d.tasks)+d.workers)
	return d
}

// Start launches the workers and the callback loop. Calls scheduled before
// Start are queued and run once it is invoked.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.baseCtx, d.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < d.workers; i++ {
		d.workerWG.Add(1)
		go d.work()
	}
	go d.loop()
}

// Schedule queues the call and returns its correlation id.
func (d *Dispatcher) Schedule(call Call, cb Callback) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("promise: callback required")
	}
	id := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	select {
	case d.tasks <- task{id: id, call: call}:
	default:
		return "", ErrQueueFull
	}
	d.inflight[id] = pending{call: call, cb: cb}
	d.observer.CallScheduled(id, call, d.now())
	return id, nil
}

// Pending reports the number of calls whose callback has not yet run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Drain blocks until every scheduled call has been delivered or ctx expires.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops accepting calls and waits for in-flight calls to settle. Calls
// still running when ctx expires are cancelled and delivered with an unknown
// outcome; queued calls that never ran are delivered as abandoned. Every
// callback runs exactly once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.tasks)
	d.mu.Unlock()

	if !started {
		d.failQueued()
		return nil
	}

	workersDone := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(workersDone)
	}()
	var err error
	select {
	case <-workersDone:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancelBase()
		<-workersDone
	}
	d.cancelBase()
	close(d.results)
	<-d.loopDone
	return err
}

func (d *Dispatcher) failQueued() {
	for t := range d.tasks {
		d.deliver(Result{ID: t.id, Err: ErrAbandoned, SettledAt: d.now()})
	}
}

func (d *Dispatcher) work() {
	defer d.workerWG.Done()
	for t := range d.tasks {
		d.results <- d.execute(t)
	}
}

func (d *Dispatcher) execute(t task) Result {
	if err := d.baseCtx.Err(); err != nil {
		return Result{ID: t.id, Err: ErrAbandoned, SettledAt: d.now()}
	}
	budget := t.call.Budget
	if budget <= 0 {
		budget = d.budget
	}
	ctx, cancel := context.WithTimeout(d.baseCtx, budget)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "pool."+string(t.call.Method), trace.WithAttributes(
		attribute.String("stakeproxy.call_id", t.id),
		attribute.String("stakeproxy.account", t.call.Account),
	))
	defer span.End()

	payload, err := d.client.Invoke(ctx, t.call.Method, t.call.Params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case d.baseCtx.Err() != nil:
			err = fmt.Errorf("%w: %w: %w", ErrOutcomeUnknown, ErrAbandoned, err)
		case ctx.Err() != nil || isTimeout(err):
			err = fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		if errors.Is(err, ErrOutcomeUnknown) {
			span.SetAttributes(attribute.Bool("stakeproxy.outcome_unknown", true))
		}
		return Result{ID: t.id, Err: err, SettledAt: d.now()}
	}
	return Result{ID: t.id, Payload: payload, SettledAt: d.now()}
}

// isTimeout catches transport timeouts that fire before the call context
// does, such as an http.Client timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for result := range d.results {
		d.deliver(result)
	}
}

func (d *Dispatcher) deliver(result Result) {
	d.mu.Lock()
	entry, ok := d.inflight[result.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("dropping result for unknown call", slog.String("call_id", result.ID))
		return
	}
	d.observer.CallSettled(result.ID, entry.call, result)
	d.invoke(entry, result)
	d.mu.Lock()
	delete(d.inflight, result.ID)
	d.mu.Unlock()
}

func (d *Dispatcher) invoke(entry pending, result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked",
				slog.String("call_id", result.ID),
				slog.String("method", string(entry.call.Method)),
				slog.Any("panic", r))
		}
	}()
	entry.cb(result)
}
