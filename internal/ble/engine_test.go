package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

// eventRecorder is an EventSink that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, ev := range r.events {
		if ev.Kind == EventPhase {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func fastOptions() Options {
	return Options{
		ScanTimeout:     40 * time.Millisecond,
		ConnectTimeout:  40 * time.Millisecond,
		DiscoverTimeout: 40 * time.Millisecond,
		WriteTimeout:    40 * time.Millisecond,
		RetryDelay:      5 * time.Millisecond,
		MaxRetries:      3,
	}
}

// startEngine runs an engine until the test ends.
func startEngine(t *testing.T, adapter Adapter, opts Options) (*Engine, *eventRecorder, context.CancelFunc) {
	t.Helper()
	rec := &eventRecorder{}
	e := NewEngine(adapter, opts, rec)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.stopped
	})
	return e, rec, cancel
}

func outcome() (func(error), chan error) {
	ch := make(chan error, 4)
	return func(err error) { ch <- err }, ch
}

func waitOutcome(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Assert callback")
		return nil
	}
}

func expectNoOutcome(t *testing.T, ch chan error, wait time.Duration) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("unexpected callback: %v", err)
	case <-time.After(wait):
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineAssertWritesPayload(t *testing.T) {
	adapter := newMockAdapter()
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}

	conns := adapter.connections()
	if len(conns) != 1 {
		t.Fatalf("opened %d connections, want 1", len(conns))
	}
	writes := conns[0].char.written()
	if len(writes) != 1 || !bytes.Equal(writes[0], protocol.Encode(protocol.On).Payload) {
		t.Errorf("writes = %x, want one on payload", writes)
	}
	if !conns[0].isDisconnected() {
		t.Error("link should be closed after a successful write")
	}

	want := []Phase{PhaseResolving, PhaseConnecting, PhaseDiscovering, PhaseWriting, PhaseTeardown, PhaseIdle}
	got := rec.phases()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if rec.count(EventSucceeded) != 1 {
		t.Errorf("succeeded events = %d, want 1", rec.count(EventSucceeded))
	}
}

func TestEngineRetriesExhaustedAfterScanTimeouts(t *testing.T) {
	adapter := newMockAdapter()
	adapter.scanFn = blockUntilDone
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, ErrResolutionTimeout) {
		t.Errorf("error = %v, should wrap ErrResolutionTimeout", err)
	}

	// No fourth try and no second callback.
	expectNoOutcome(t, ch, 100*time.Millisecond)
	if scans, connects := adapter.counts(); scans != 3 || connects != 0 {
		t.Errorf("scans = %d, connects = %d, want 3 and 0", scans, connects)
	}
	if n := rec.count(EventRetry); n != 3 {
		t.Errorf("retry events = %d, want 3", n)
	}
	if n := rec.count(EventFailed); n != 1 {
		t.Errorf("failed events = %d, want 1", n)
	}
	if ev, _ := rec.last(EventFailed); ev.Attempt != 3 || ev.MaxRetries != 3 {
		t.Errorf("failed event attempt = %d/%d, want 3/3", ev.Attempt, ev.MaxRetries)
	}
}

func TestEngineAdapterDisabledFailsImmediately(t *testing.T) {
	adapter := newMockAdapter()
	adapter.enableErr = errors.New("bluetooth is powered off")
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.Off, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrAdapterDisabled) {
		t.Fatalf("error = %v, want ErrAdapterDisabled", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("adapter disabled must not go through the retry loop")
	}
	if scans, _ := adapter.counts(); scans != 0 {
		t.Errorf("scans = %d, want 0", scans)
	}
	ev, ok := rec.last(EventAdapterDisabled)
	if !ok {
		t.Fatal("no adapter-disabled event")
	}
	if ev.Attempt != 0 {
		t.Errorf("attempt count = %d, want 0", ev.Attempt)
	}
	if rec.count(EventRetry) != 0 {
		t.Error("adapter disabled should not emit retry events")
	}
}

func TestEngineSupersededAttemptIsSilent(t *testing.T) {
	adapter := newMockAdapter()
	release := make(chan struct{})
	late := newMockConnection()
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		if n == 1 {
			// The platform delivers this link long after the attempt was replaced.
			<-release
			return adapter.track(late), nil
		}
		return adapter.track(newMockConnection()), nil
	}
	opts := fastOptions()
	opts.ConnectTimeout = time.Second
	e, rec, _ := startEngine(t, adapter, opts)

	doneOn, chOn := outcome()
	doneOff, chOff := outcome()

	e.Assert(testAddr, protocol.On, doneOn)
	eventually(t, func() bool {
		_, connects := adapter.counts()
		return connects == 1
	}, "first attempt never reached Connecting")

	e.Assert(testAddr, protocol.Off, doneOff)
	if err := waitOutcome(t, chOff); err != nil {
		t.Fatalf("Off request error = %v", err)
	}

	close(release)
	eventually(t, late.isDisconnected, "late link from the superseded attempt was not closed")
	expectNoOutcome(t, chOn, 100*time.Millisecond)
	expectNoOutcome(t, chOff, 0)

	if n := rec.count(EventSuperseded); n != 1 {
		t.Errorf("superseded events = %d, want 1", n)
	}
	if n := rec.count(EventSucceeded); n != 1 {
		t.Errorf("succeeded events = %d, want 1", n)
	}
	if ev, _ := rec.last(EventSucceeded); ev.Target != protocol.Off {
		t.Errorf("succeeded target = %v, want off", ev.Target)
	}
	if writes := late.char.written(); len(writes) != 0 {
		t.Errorf("superseded link received writes: %x", writes)
	}
}

func TestEngineSupersedeDuringRetryDelay(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		if n == 1 {
			return nil, errors.New("le-connection-abort-by-local")
		}
		return adapter.track(newMockConnection()), nil
	}
	opts := fastOptions()
	opts.RetryDelay = time.Hour
	e, rec, _ := startEngine(t, adapter, opts)

	doneOn, chOn := outcome()
	doneOff, chOff := outcome()

	e.Assert(testAddr, protocol.On, doneOn)
	eventually(t, func() bool { return rec.count(EventRetry) == 1 }, "first attempt never failed")

	e.Assert(testAddr, protocol.Off, doneOff)
	if err := waitOutcome(t, chOff); err != nil {
		t.Fatalf("Off request error = %v", err)
	}
	expectNoOutcome(t, chOn, 50*time.Millisecond)
}

func TestEngineRecoversAfterTransientConnectFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		return adapter.track(newMockConnection()), nil
	}
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)
	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}

	if scans, connects := adapter.counts(); scans != 2 || connects != 2 {
		t.Errorf("scans = %d, connects = %d, want 2 and 2", scans, connects)
	}
	ev, ok := rec.last(EventRetry)
	if !ok || !errors.Is(ev.Err, ErrConnectFailed) {
		t.Errorf("retry event = %+v, want ErrConnectFailed", ev)
	}
}

func TestEnginePairedAddressSkipsScan(t *testing.T) {
	adapter := newMockAdapter()
	opts := fastOptions()
	opts.Paired = []string{testAddr}
	e, _, _ := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)
	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}
	if scans, connects := adapter.counts(); scans != 0 || connects != 1 {
		t.Errorf("scans = %d, connects = %d, want 0 and 1", scans, connects)
	}
}

func TestEngineDiscardsCachedHandleAfterFailure(t *testing.T) {
	adapter := newMockAdapter()
	failing := true
	adapter.newConn = func() *mockConnection {
		conn := newMockConnection()
		if failing {
			conn.char.writeErr = errors.New("gatt: insufficient authentication")
			failing = false
		}
		return conn
	}
	opts := fastOptions()
	opts.Paired = []string{testAddr}
	e, _, _ := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.Off, done)
	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}
	if scans, connects := adapter.counts(); scans != 1 || connects != 2 {
		t.Errorf("scans = %d, connects = %d, want 1 and 2", scans, connects)
	}
	for i, conn := range adapter.connections() {
		if !conn.isDisconnected() {
			t.Errorf("connection %d left open", i)
		}
	}
}

func TestEngineMissingCharacteristicExhaustsRetries(t *testing.T) {
	adapter := newMockAdapter()
	adapter.newConn = func() *mockConnection {
		conn := newMockConnection()
		conn.discoverErr = ErrCharacteristicNotFound
		return conn
	}
	e, _, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, ErrCharacteristicNotFound) {
		t.Fatalf("error = %v, want ErrRetriesExhausted wrapping ErrCharacteristicNotFound", err)
	}
	conns := adapter.connections()
	if len(conns) != 3 {
		t.Fatalf("opened %d connections, want 3", len(conns))
	}
	for i, conn := range conns {
		if !conn.isDisconnected() {
			t.Errorf("connection %d left open", i)
		}
	}
}

func TestEngineWriteTimeoutClosesLinkAfterWriteReturns(t *testing.T) {
	adapter := newMockAdapter()
	block := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(block) }) }
	t.Cleanup(release)
	adapter.newConn = func() *mockConnection {
		conn := newMockConnection()
		conn.char.block = block
		return conn
	}
	opts := fastOptions()
	opts.MaxRetries = 1
	e, _, _ := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("error = %v, want ErrWriteFailed", err)
	}
	conns := adapter.connections()
	if len(conns) != 1 {
		t.Fatalf("opened %d connections, want 1", len(conns))
	}
	if conns[0].isDisconnected() {
		t.Error("link closed while the timed-out write was still running")
	}

	release()
	eventually(t, conns[0].isDisconnected, "link should be closed once the write returned")
}

func TestEngineDiscoveryTimeoutDefersDisconnect(t *testing.T) {
	adapter := newMockAdapter()
	block := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(block) }) }
	t.Cleanup(release)
	adapter.newConn = func() *mockConnection {
		conn := newMockConnection()
		conn.discoverBlock = block
		return conn
	}
	opts := fastOptions()
	opts.MaxRetries = 1
	e, _, _ := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("error = %v, want ErrServiceNotFound", err)
	}
	conn := adapter.connections()[0]
	if conn.isDisconnected() {
		t.Error("link closed while discovery was still running")
	}

	release()
	eventually(t, conn.isDisconnected, "link should be closed once discovery returned")
	if conn.wasOverlapped() {
		t.Error("disconnect ran concurrently with discovery")
	}
}

func TestEngineSupersedeDuringDiscoveryDefersDisconnect(t *testing.T) {
	adapter := newMockAdapter()
	block := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(block) }) }
	t.Cleanup(release)
	first := newMockConnection()
	first.discoverBlock = block
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		if n == 1 {
			return adapter.track(first), nil
		}
		return adapter.track(newMockConnection()), nil
	}
	opts := fastOptions()
	opts.DiscoverTimeout = time.Second
	e, _, _ := startEngine(t, adapter, opts)

	stale, staleCh := outcome()
	e.Assert(testAddr, protocol.On, stale)
	eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.discovering
	}, "first attempt never reached discovery")

	done, ch := outcome()
	e.Assert(testAddr, protocol.Off, done)
	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}
	expectNoOutcome(t, staleCh, 20*time.Millisecond)
	if first.isDisconnected() {
		t.Error("superseded link closed while its discovery was still running")
	}

	release()
	eventually(t, first.isDisconnected, "superseded link should be closed once discovery returned")
	if first.wasOverlapped() {
		t.Error("disconnect ran concurrently with discovery")
	}
}

func TestEngineScanPoweredOffFailsImmediately(t *testing.T) {
	adapter := newMockAdapter()
	adapter.scanFn = func(ctx context.Context, n int) error {
		return adapterError("scan", errors.New("bluetooth: adaptor is not powered"))
	}
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrAdapterDisabled) || errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrAdapterDisabled without retries", err)
	}
	if scans, _ := adapter.counts(); scans != 1 {
		t.Errorf("scans = %d, want 1", scans)
	}
	ev, ok := rec.last(EventAdapterDisabled)
	if !ok {
		t.Fatal("no adapter-disabled event")
	}
	if ev.Attempt != 0 {
		t.Errorf("attempt count = %d, want 0", ev.Attempt)
	}
	if rec.count(EventRetry) != 0 || rec.count(EventFailed) != 0 {
		t.Error("powered-off radio should not retry or report a plain failure")
	}
}

func TestEngineConnectNotReadyFailsImmediately(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		return nil, adapterError("connect to "+testAddr, dbus.Error{
			Name: "org.bluez.Error.NotReady",
			Body: []any{"Resource Not Ready"},
		})
	}
	e, rec, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.Off, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrAdapterDisabled) {
		t.Fatalf("error = %v, want ErrAdapterDisabled", err)
	}
	if _, connects := adapter.counts(); connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
	if rec.count(EventAdapterDisabled) != 1 || rec.count(EventRetry) != 0 {
		t.Error("want one adapter-disabled event and no retries")
	}
}

func TestAdapterError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		disabled bool
	}{
		{"not powered", errors.New("bluetooth: adaptor is not powered"), true},
		{"bluez not ready", dbus.Error{Name: "org.bluez.Error.NotReady", Body: []any{"Resource Not Ready"}}, true},
		{"wrapped not ready", fmt.Errorf("connect: %w", dbus.Error{Name: "org.bluez.Error.NotReady"}), true},
		{"bluez not ready pointer", dbus.NewError("org.bluez.Error.NotReady", nil), true},
		{"bluez failed", dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"le-connection-abort-by-local"}}, false},
		{"other", errors.New("device busy"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapterError("scan", tt.err)
			if got := errors.Is(err, ErrAdapterDisabled); got != tt.disabled {
				t.Errorf("errors.Is(%v, ErrAdapterDisabled) = %v, want %v", err, got, tt.disabled)
			}
			if !strings.Contains(err.Error(), tt.err.Error()) {
				t.Errorf("%v should keep the radio error text", err)
			}
			if Retryable(err) {
				t.Errorf("%v should be classified by the engine, not pre-marked retryable", err)
			}
		})
	}
}

func TestEngineLateConnectionAfterTimeoutIsClosed(t *testing.T) {
	adapter := newMockAdapter()
	late := newMockConnection()
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		time.Sleep(80 * time.Millisecond)
		return adapter.track(late), nil
	}
	opts := fastOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	opts.MaxRetries = 1
	e, _, _ := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)

	err := waitOutcome(t, ch)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("error = %v, want ErrConnectTimeout", err)
	}
	eventually(t, late.isDisconnected, "connection delivered after timeout was not closed")
}

func TestEngineBackgroundPairingDoesNotBlock(t *testing.T) {
	adapter := newMockAdapter()
	pairBlock := make(chan struct{})
	t.Cleanup(func() { close(pairBlock) })
	conn := newMockConnection()
	conn.pairBlock = pairBlock
	adapter.connectFn = func(ctx context.Context, n int) (Connection, error) {
		return adapter.track(conn), nil
	}
	e, _, _ := startEngine(t, adapter, fastOptions())

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)
	if err := waitOutcome(t, ch); err != nil {
		t.Fatalf("Assert() error = %v", err)
	}
	select {
	case <-conn.paired:
	case <-time.After(time.Second):
		t.Error("pairing was never started")
	}
}

func TestEngineShutdownAbortsInFlight(t *testing.T) {
	adapter := newMockAdapter()
	adapter.scanFn = blockUntilDone
	opts := fastOptions()
	opts.ScanTimeout = time.Hour
	e, _, cancel := startEngine(t, adapter, opts)

	done, ch := outcome()
	e.Assert(testAddr, protocol.On, done)
	eventually(t, func() bool {
		scans, _ := adapter.counts()
		return scans == 1
	}, "attempt never started scanning")

	cancel()
	if err := waitOutcome(t, ch); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	<-e.stopped
	doneAfter, chAfter := outcome()
	e.Assert(testAddr, protocol.Off, doneAfter)
	if err := waitOutcome(t, chAfter); !errors.Is(err, context.Canceled) {
		t.Errorf("Assert after shutdown error = %v, want context.Canceled", err)
	}
}

func TestOptionsWorstCase(t *testing.T) {
	got := DefaultOptions().WorstCase()
	want := 3 * (15 + 10 + 10 + 5 + 5) * time.Second
	if got != want {
		t.Errorf("WorstCase() = %v, want %v", got, want)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrResolutionTimeout, true},
		{ErrConnectTimeout, true},
		{ErrConnectFailed, true},
		{ErrServiceNotFound, true},
		{ErrCharacteristicNotFound, true},
		{ErrWriteFailed, true},
		{ErrAdapterDisabled, false},
		{ErrRetriesExhausted, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseDiscovering.String() != "discovering-services" {
		t.Errorf("PhaseDiscovering.String() = %q", PhaseDiscovering.String())
	}
	if Phase(99).String() != "unknown" {
		t.Errorf("Phase(99).String() = %q", Phase(99).String())
	}
}
