package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
)

// Options configures the engine's timeouts and retry policy.
type Options struct {
	ScanTimeout     time.Duration // bound on Resolving
	ConnectTimeout  time.Duration // bound on Connecting
	DiscoverTimeout time.Duration // bound on DiscoveringServices
	WriteTimeout    time.Duration // bound on Writing
	RetryDelay      time.Duration // wait between failed tries
	MaxRetries      int           // tries before ErrRetriesExhausted

	// Paired lists addresses the OS already knows. The first try for these
	// connects directly instead of scanning.
	Paired []string
}

// DefaultOptions returns the production timeouts.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:     15 * time.Second,
		ConnectTimeout:  10 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		WriteTimeout:    5 * time.Second,
		RetryDelay:      5 * time.Second,
		MaxRetries:      3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = def.DiscoverTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	return o
}

// WorstCase is the longest an Assert can take before its callback fires
// with ErrRetriesExhausted.
func (o Options) WorstCase() time.Duration {
	o = o.withDefaults()
	per := o.ScanTimeout + o.ConnectTimeout + o.DiscoverTimeout + o.WriteTimeout + o.RetryDelay
	return time.Duration(o.MaxRetries) * per
}

type request struct {
	address string
	target  protocol.State
	done    func(error)
}

// attempt is the single in-flight command. Only the engine loop touches it.
type attempt struct {
	id      ulid.ULID
	address string
	target  protocol.State
	done    func(error)

	phase    Phase
	count    int
	noCache  bool
	deadline time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	stepCancel context.CancelFunc
	retry      *time.Timer
	// busy is closed once the current step's radio call has returned.
	busy <-chan struct{}

	conn Connection
	char Characteristic
}

type stepResult struct {
	id       ulid.ULID
	phase    Phase
	conn     Connection
	char     Characteristic
	err      error
	timedOut bool
}

// Engine delivers relay commands one at a time. All state lives in the
// goroutine running Run; Assert only enqueues.
type Engine struct {
	adapter Adapter
	opts    Options
	sink    EventSink

	requests chan request
	steps    chan stepResult
	stopped  chan struct{}

	// loop-owned
	active *attempt
	retryC <-chan time.Time
	known  map[string]bool
}

// NewEngine creates an engine on adapter. A nil sink discards events.
func NewEngine(adapter Adapter, opts Options, sink EventSink) *Engine {
	if sink == nil {
		sink = discardSink{}
	}
	opts = opts.withDefaults()
	known := make(map[string]bool, len(opts.Paired))
	for _, addr := range opts.Paired {
		known[addr] = true
	}
	return &Engine{
		adapter:  adapter,
		opts:     opts,
		sink:     sink,
		requests: make(chan request, 8),
		steps:    make(chan stepResult, 8),
		stopped:  make(chan struct{}),
		known:    known,
	}
}

// Assert asks the engine to drive the outlet at address to target. done is
// called exactly once, from the engine goroutine, with nil after a
// confirmed write or a terminal error. If a newer Assert arrives first the
// request is superseded and done is never called.
func (e *Engine) Assert(address string, target protocol.State, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	req := request{address: address, target: target, done: done}
	select {
	case <-e.stopped:
		done(context.Canceled)
		return
	default:
	}
	select {
	case e.requests <- req:
	case <-e.stopped:
		done(context.Canceled)
	}
}

// Run drives the state machine until ctx is cancelled. Any in-flight
// attempt is torn down and its callback receives ctx's error.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case req := <-e.requests:
			e.start(ctx, req)

		case res := <-e.steps:
			e.handle(res)

		case <-e.retryC:
			e.retryC = nil
			if a := e.active; a != nil && a.phase == PhaseRetrying {
				e.resolve(a)
			}

		case <-ctx.Done():
			if a := e.active; a != nil {
				e.finish(a, ctx.Err())
			}
			e.drain(ctx.Err())
			return
		}
	}
}

func (e *Engine) drain(err error) {
	for {
		select {
		case req := <-e.requests:
			req.done(err)
		case res := <-e.steps:
			discardLate(res.conn)
		default:
			return
		}
	}
}

func (e *Engine) start(ctx context.Context, req request) {
	if old := e.active; old != nil {
		e.supersede(old)
	}
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{
		id:      ulid.Make(),
		address: req.address,
		target:  req.target,
		done:    req.done,
		ctx:     actx,
		cancel:  cancel,
	}
	e.active = a
	e.resolve(a)
}

func (e *Engine) supersede(a *attempt) {
	slog.Debug("[BLE] attempt superseded", "attempt", a.id, "phase", a.phase)
	e.release(a)
	e.emit(a, Event{Kind: EventSuperseded})
	e.active = nil
}

// resolve enters Resolving. The cached handle is used only on a clean first
// try; any failure forces a fresh scan.
func (e *Engine) resolve(a *attempt) {
	useCache := e.known[a.address] && !a.noCache
	address := a.address
	e.step(a, PhaseResolving, e.opts.ScanTimeout, func(ctx context.Context) stepResult {
		if err := e.adapter.Enable(); err != nil {
			if !errors.Is(err, ErrAdapterDisabled) {
				err = fmt.Errorf("%w: %w", ErrAdapterDisabled, err)
			}
			return stepResult{err: err}
		}
		if useCache {
			return stepResult{}
		}
		if _, err := e.adapter.Scan(ctx, address); err != nil {
			return stepResult{err: err}
		}
		return stepResult{}
	})
}

func (e *Engine) connect(a *attempt) {
	address := a.address
	e.step(a, PhaseConnecting, e.opts.ConnectTimeout, func(ctx context.Context) stepResult {
		conn, err := e.adapter.Connect(ctx, address)
		return stepResult{conn: conn, err: err}
	})
}

func (e *Engine) discover(a *attempt) {
	conn := a.conn
	cmd := protocol.Encode(a.target)
	e.step(a, PhaseDiscovering, e.opts.DiscoverTimeout, func(ctx context.Context) stepResult {
		char, err := conn.DiscoverCharacteristic(cmd.ServiceUUID, cmd.CharUUID)
		return stepResult{char: char, err: err}
	})
}

func (e *Engine) write(a *attempt) {
	char := a.char
	payload := protocol.Encode(a.target).Payload
	e.step(a, PhaseWriting, e.opts.WriteTimeout, func(ctx context.Context) stepResult {
		return stepResult{err: char.Write(payload)}
	})
}

// step enters phase and runs fn against its own timeout. Whichever of fn or
// the timeout finishes first is reported; a connection produced after the
// timeout is closed on arrival.
func (e *Engine) step(a *attempt, phase Phase, timeout time.Duration, fn func(context.Context) stepResult) {
	a.phase = phase
	a.deadline = time.Now().Add(timeout)
	e.emit(a, Event{Kind: EventPhase})

	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	a.stepCancel = cancel
	id := a.id
	busy := make(chan struct{})
	a.busy = busy

	go func() {
		ch := make(chan stepResult, 1)
		go func() {
			res := fn(ctx)
			close(busy)
			ch <- res
		}()

		var res stepResult
		select {
		case res = <-ch:
			if res.err != nil && ctx.Err() == context.DeadlineExceeded {
				res.timedOut = true
			}
		case <-ctx.Done():
			res = stepResult{err: ctx.Err(), timedOut: ctx.Err() == context.DeadlineExceeded}
			go func() {
				late := <-ch
				discardLate(late.conn)
			}()
		}
		res.id = id
		res.phase = phase

		select {
		case e.steps <- res:
		case <-e.stopped:
			discardLate(res.conn)
		}
	}()
}

func (e *Engine) handle(res stepResult) {
	a := e.active
	if a == nil || a.id != res.id || a.phase != res.phase {
		discardLate(res.conn)
		return
	}
	if a.stepCancel != nil {
		a.stepCancel()
		a.stepCancel = nil
	}
	if a.ctx.Err() != nil {
		// Shutting down; Run finishes the attempt.
		discardLate(res.conn)
		return
	}

	switch res.phase {
	case PhaseResolving:
		switch {
		case errors.Is(res.err, ErrAdapterDisabled):
			e.finish(a, res.err)
		case res.timedOut:
			e.retry(a, ErrResolutionTimeout)
		case res.err != nil:
			e.retry(a, fmt.Errorf("%w: %w", ErrResolutionTimeout, res.err))
		default:
			e.known[a.address] = true
			e.connect(a)
		}

	case PhaseConnecting:
		switch {
		case errors.Is(res.err, ErrAdapterDisabled):
			discardLate(res.conn)
			e.finish(a, res.err)
		case res.timedOut:
			discardLate(res.conn)
			e.retry(a, ErrConnectTimeout)
		case res.err != nil:
			e.retry(a, fmt.Errorf("%w: %w", ErrConnectFailed, res.err))
		default:
			a.conn = res.conn
			if p, ok := res.conn.(Pairer); ok {
				go func() {
					if err := p.Pair(); err != nil {
						slog.Debug("[BLE] background pairing failed", "error", err)
					}
				}()
			}
			e.discover(a)
		}

	case PhaseDiscovering:
		switch {
		case res.timedOut:
			e.retry(a, fmt.Errorf("%w: discovery timed out", ErrServiceNotFound))
		case errors.Is(res.err, ErrServiceNotFound), errors.Is(res.err, ErrCharacteristicNotFound):
			e.retry(a, res.err)
		case res.err != nil:
			e.retry(a, fmt.Errorf("%w: %w", ErrServiceNotFound, res.err))
		default:
			a.char = res.char
			e.write(a)
		}

	case PhaseWriting:
		switch {
		case res.timedOut:
			e.retry(a, fmt.Errorf("%w: no write confirmation", ErrWriteFailed))
		case res.err != nil:
			e.retry(a, fmt.Errorf("%w: %w", ErrWriteFailed, res.err))
		default:
			e.finish(a, nil)
		}
	}
}

// retry closes the link and either schedules another try or fails the
// attempt for good.
func (e *Engine) retry(a *attempt, cause error) {
	e.closeLink(a)
	delete(e.known, a.address)
	a.noCache = true
	a.count++
	e.emit(a, Event{Kind: EventRetry, Err: cause})

	if a.count >= e.opts.MaxRetries {
		e.finish(a, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, a.count, cause))
		return
	}

	a.phase = PhaseRetrying
	a.deadline = time.Now().Add(e.opts.RetryDelay)
	e.emit(a, Event{Kind: EventPhase, Err: cause})
	a.retry = time.NewTimer(e.opts.RetryDelay)
	e.retryC = a.retry.C
}

// finish tears the attempt down and reports its outcome.
func (e *Engine) finish(a *attempt, err error) {
	e.release(a)
	e.active = nil

	switch {
	case err == nil:
		e.emit(a, Event{Kind: EventSucceeded})
	case errors.Is(err, ErrAdapterDisabled):
		e.emit(a, Event{Kind: EventAdapterDisabled, Err: err})
	case errors.Is(err, context.Canceled):
		slog.Debug("[BLE] attempt aborted by shutdown", "attempt", a.id)
	default:
		a.phase = PhaseFailed
		e.emit(a, Event{Kind: EventPhase, Err: err})
		e.emit(a, Event{Kind: EventFailed, Err: err})
	}
	a.phase = PhaseIdle
	e.emit(a, Event{Kind: EventPhase})

	a.done(err)
}

// release is Teardown: every exit path goes through here.
func (e *Engine) release(a *attempt) {
	a.phase = PhaseTeardown
	e.emit(a, Event{Kind: EventPhase})
	if a.stepCancel != nil {
		a.stepCancel()
		a.stepCancel = nil
	}
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
		e.retryC = nil
	}
	e.closeLink(a)
	a.cancel()
}

// closeLink drops the attempt's link. If a timed-out step is still using
// it, the disconnect waits until that call returns.
func (e *Engine) closeLink(a *attempt) {
	a.char = nil
	conn, busy := a.conn, a.busy
	a.conn = nil
	if conn == nil {
		return
	}
	if busy != nil {
		select {
		case <-busy:
		default:
			slog.Debug("[BLE] disconnect deferred until step returns", "attempt", a.id, "phase", a.phase)
			go func() {
				<-busy
				discardLate(conn)
			}()
			return
		}
	}
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect failed", "attempt", a.id, "error", err)
	}
}

func (e *Engine) emit(a *attempt, ev Event) {
	ev.AttemptID = a.id.String()
	ev.Address = a.address
	ev.Target = a.target
	ev.Phase = a.phase
	ev.Attempt = a.count
	ev.MaxRetries = e.opts.MaxRetries
	ev.Time = time.Now()
	e.sink.Emit(ev)
}

func discardLate(conn Connection) {
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect of stale link failed", "error", err)
	}
}
