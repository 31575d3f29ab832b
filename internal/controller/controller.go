// Package controller turns battery samples into outlet commands. It owns
// the confirmed outlet state and serializes samples and command outcomes
// onto one goroutine.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
	"github.com/chaz8081/chargekeeper/internal/policy"
	"github.com/chaz8081/chargekeeper/internal/state"
)

// Asserter delivers one outlet command. done fires at most once; a request
// replaced by a newer one never reports.
type Asserter interface {
	Assert(address string, target protocol.State, done func(error))
}

// Options tunes the controller.
type Options struct {
	// ReassertInterval re-sends the confirmed state when it is older than
	// this and the battery is outside the dead zone. Zero disables it.
	ReassertInterval time.Duration
	// OnDecision, if set, is called from the controller goroutine for every
	// sample that was evaluated.
	OnDecision func(percent int, d policy.Decision)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a snapshot of the controller.
type Status struct {
	LastSample int
	HasSample  bool
	Confirmed  *policy.Confirmed
	Pending    *protocol.State
	LastErr    error
	Commands   int // commands handed to the radio
}

type pendingCommand struct {
	id     uint64
	target protocol.State
	level  int
}

type outcome struct {
	id  uint64
	err error
}

// Controller decides and drives the outlet for one accessory.
type Controller struct {
	engine  Asserter
	store   state.Store
	th      policy.Thresholds
	address string
	opts    Options

	samples  chan int
	outcomes chan outcome

	// loop-owned
	confirmed  *policy.Confirmed
	lastSample int
	hasSample  bool
	pending    *pendingCommand
	lastErr    error
	seq        uint64
	commands   int

	mu     sync.Mutex
	status Status
}

// New creates a controller and loads the last confirmed state from store.
// An unreadable store is treated as unknown state.
func New(engine Asserter, store state.Store, th policy.Thresholds, address string, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		engine:   engine,
		store:    store,
		th:       th,
		address:  address,
		opts:     opts,
		samples:  make(chan int, 16),
		outcomes: make(chan outcome, 8),
	}

	confirmed, err := store.Load()
	if err != nil {
		slog.Warn("[CTRL] could not load confirmed state, treating as unknown", "error", err)
		confirmed = nil
	}
	c.confirmed = confirmed
	c.publish()
	return c
}

// OnBatterySample queues a battery percentage. It never blocks; if the
// queue is full the sample is dropped, a newer one will follow.
func (c *Controller) OnBatterySample(percent int) {
	select {
	case c.samples <- percent:
	default:
		slog.Warn("[CTRL] sample queue full, dropping sample", "percent", percent)
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run processes samples and command outcomes until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	slog.Info("[CTRL] started", "address", c.address, "low", c.th.Low, "high", c.th.High,
		"confirmed", describe(c.confirmed))
	for {
		select {
		case p := <-c.samples:
			c.handleSample(ctx, p)
		case o := <-c.outcomes:
			c.handleOutcome(o)
		case <-ctx.Done():
			slog.Info("[CTRL] stopped")
			return
		}
		c.publish()
	}
}

func (c *Controller) handleSample(ctx context.Context, percent int) {
	if c.hasSample && percent == c.lastSample {
		return
	}
	c.lastSample = percent
	c.hasSample = true

	d := policy.Decide(percent, c.th, c.confirmed)
	if d == policy.NoAction && c.reassertDue(percent) {
		slog.Info("[CTRL] re-asserting confirmed state", "state", c.confirmed.State(), "since", c.confirmed.At)
		d = policy.For(c.confirmed.State())
	}
	if c.opts.OnDecision != nil {
		c.opts.OnDecision(percent, d)
	}

	target, ok := d.Target()
	if !ok {
		slog.Debug("[CTRL] no action", "percent", percent, "confirmed", describe(c.confirmed))
		return
	}
	if c.pending != nil && c.pending.target == target {
		slog.Debug("[CTRL] command already in flight", "target", target, "percent", percent)
		return
	}

	c.seq++
	cmd := &pendingCommand{id: c.seq, target: target, level: percent}
	c.pending = cmd
	c.commands++
	slog.Info("[CTRL] asserting outlet", "target", target, "percent", percent)

	c.engine.Assert(c.address, target, func(err error) {
		select {
		case c.outcomes <- outcome{id: cmd.id, err: err}:
		case <-ctx.Done():
		}
	})
}

func (c *Controller) reassertDue(percent int) bool {
	if c.opts.ReassertInterval <= 0 || c.confirmed == nil || c.pending != nil {
		return false
	}
	if policy.InDeadZone(percent, c.th) {
		return false
	}
	return c.opts.Now().Sub(c.confirmed.At) >= c.opts.ReassertInterval
}

func (c *Controller) handleOutcome(o outcome) {
	if c.pending == nil || c.pending.id != o.id {
		return
	}
	cmd := c.pending
	c.pending = nil

	if o.err != nil {
		// Confirmed state stays as it was so the next qualifying sample
		// tries the same transition again.
		c.lastErr = o.err
		slog.Warn("[CTRL] outlet command failed", "target", cmd.target, "error", o.err)
		return
	}

	c.lastErr = nil
	c.confirmed = &policy.Confirmed{
		On:    bool(cmd.target),
		Level: cmd.level,
		At:    c.opts.Now(),
	}
	slog.Info("[CTRL] outlet confirmed", "state", cmd.target, "percent", cmd.level)

	if err := c.store.Save(*c.confirmed); err != nil {
		slog.Error("[CTRL] failed to persist confirmed state", "error", err)
	}
}

func (c *Controller) publish() {
	s := Status{
		LastSample: c.lastSample,
		HasSample:  c.hasSample,
		LastErr:    c.lastErr,
		Commands:   c.commands,
	}
	if c.confirmed != nil {
		cp := *c.confirmed
		s.Confirmed = &cp
	}
	if c.pending != nil {
		t := c.pending.target
		s.Pending = &t
	}
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func describe(c *policy.Confirmed) string {
	if c == nil {
		return "unknown"
	}
	return c.State().String()
}
