package ble

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/matrixctl/internal/ble/protocol"
)

var testPeer = PeerDevice{Address: "AA:BB:CC:DD:EE:FF", Name: "LED-Matrix", RSSI: -50}

// testOptions disables the connect deadline so tests control timing.
func testOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.ConnectTimeout = 0
	return opts
}

// drainStates returns every state currently buffered on ch.
func drainStates(ch <-chan Status) []State {
	var out []State
	for {
		select {
		case st := <-ch:
			out = append(out, st.State)
		default:
			return out
		}
	}
}

// waitStatus reads statuses until one in state want arrives.
func waitStatus(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	for {
		st := recv(t, ch)
		if st.State == want {
			return st
		}
	}
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// readySession returns a session connected to a mock whose handles are
// resolved.
func readySession(t *testing.T) (*Session, *mockAdapter, *mockConnection) {
	t.Helper()
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, allowAll(), testOptions())
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	return s, adapter, adapter.latestConnection()
}

func TestSessionConnectLifecycle(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, allowAll(), testOptions())
	states, cancel := s.States().Subscribe()
	defer cancel()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", s.State())
	}

	conn := adapter.latestConnection()
	conn.SimulateDisconnect()

	got := drainStates(states)
	want := []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnected}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if _, _, closed := conn.counts(); closed != 1 {
		t.Errorf("Close() calls = %d, want 1", closed)
	}
	if err := s.Send(context.Background(), protocol.Clear{}); !errors.Is(err, ErrDropped) {
		t.Errorf("Send() after disconnect error = %v, want ErrDropped", err)
	}
}

func TestSessionNewSubscriberSeesCurrentState(t *testing.T) {
	s, _, _ := readySession(t)
	st, ok := s.States().Latest()
	if !ok || st.State != StateConnected {
		t.Errorf("Latest() = %+v, %v, want connected", st, ok)
	}
	ch, cancel := s.States().Subscribe()
	defer cancel()
	if got := drainStates(ch); !reflect.DeepEqual(got, []State{StateConnected}) {
		t.Errorf("replayed states = %v, want [connected]", got)
	}
}

func TestSessionSendWritesEncodedCommands(t *testing.T) {
	s, _, conn := readySession(t)
	ctx := context.Background()

	cmds := []protocol.Command{
		protocol.Clear{},
		protocol.Fill{R: 255, G: 255, B: 255},
		protocol.SetPixel{X: 3, Y: 4, R: 255, G: 0, B: 10},
		protocol.SetBrightness{Level: 128},
	}
	for _, c := range cmds {
		if err := s.Send(ctx, c); err != nil {
			t.Fatalf("Send(%v) error = %v", c, err)
		}
	}

	want := []string{"CLEAR\r\n", "FILL 255 255 255\r\n", "PIX 3 4 255 0 10\r\n", "BGN 128\r\n"}
	if got := conn.writeChar.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if got := conn.notifyChar.Writes(); len(got) != 0 {
		t.Errorf("notify characteristic got writes %q", got)
	}
}

func TestSessionSendSplitsWrites(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOptions()
	opts.WriteChunk = protocol.DefaultATTPayload
	s := NewSession(adapter, allowAll(), opts)
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	if err := s.Send(context.Background(), protocol.SetPixel{X: 10, Y: 10, R: 255, G: 255, B: 255}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	want := []string{"PIX 10 10 255 255 ", "255\r\n"}
	if got := adapter.latestConnection().writeChar.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
}

func TestSessionSendDroppedNotQueued(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, allowAll(), testOptions())

	err := s.Send(context.Background(), protocol.Fill{R: 1})
	if !errors.Is(err, ErrDropped) {
		t.Fatalf("Send() while disconnected error = %v, want ErrDropped", err)
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if got := adapter.latestConnection().writeChar.Writes(); len(got) != 0 {
		t.Errorf("dropped command was delivered after connect: %q", got)
	}
}

func TestSessionSendDroppedBeforeDiscovery(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.autoDiscover = false }
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", s.State())
	}
	if err := s.Send(context.Background(), protocol.Clear{}); !errors.Is(err, ErrDropped) {
		t.Errorf("Send() before discovery error = %v, want ErrDropped", err)
	}

	conn := adapter.latestConnection()
	conn.SimulateServicesDiscovered(nil)
	if err := s.Send(context.Background(), protocol.Clear{}); err != nil {
		t.Errorf("Send() after discovery error = %v", err)
	}
	if got := conn.writeChar.Writes(); len(got) != 1 {
		t.Errorf("writes = %q, want exactly the post-discovery command", got)
	}
}

func TestSessionNotificationsDecodedInOrder(t *testing.T) {
	s, _, conn := readySession(t)
	lines, cancel := s.Lines().Subscribe()
	defer cancel()

	conn.notifyChar.SimulateNotification([]byte("L1\nL2\r"))
	conn.notifyChar.SimulateNotification([]byte("\n L3\n"))

	for _, want := range []string{"L1", "L2", "L3"} {
		if got := recv(t, lines); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}

	// Late subscribers get the backlog.
	if got := s.Lines().Snapshot(); !reflect.DeepEqual(got, []string{"L1", "L2", "L3"}) {
		t.Errorf("Snapshot() = %q", got)
	}
}

func TestSessionLineBacklogBounded(t *testing.T) {
	s, _, conn := readySession(t)
	for i := 0; i < 150; i++ {
		conn.notifyChar.SimulateNotification([]byte("x\n"))
	}
	if got := len(s.Lines().Snapshot()); got != 100 {
		t.Errorf("line backlog = %d, want 100", got)
	}
}

func TestSessionPartialLineDiscardedOnDisconnect(t *testing.T) {
	s, adapter, conn := readySession(t)
	conn.notifyChar.SimulateNotification([]byte("AB"))
	conn.SimulateDisconnect()

	// Notifications from the dead link are ignored.
	conn.notifyChar.SimulateNotification([]byte("\n"))

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	next := adapter.latestConnection()
	next.notifyChar.SimulateNotification([]byte("C\n"))

	if got := s.Lines().Snapshot(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("lines = %q, want [C]", got)
	}
}

func TestSessionFrameOverflowCounted(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOptions()
	opts.MaxLineBytes = 4
	s := NewSession(adapter, allowAll(), opts)
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()

	conn.notifyChar.SimulateNotification([]byte("123456"))
	conn.notifyChar.SimulateNotification([]byte("ok\n"))

	if s.Overflows() != 1 {
		t.Errorf("Overflows() = %d, want 1", s.Overflows())
	}
	if got := s.Lines().Snapshot(); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Errorf("lines = %q, want [ok]", got)
	}
}

func TestSessionDiscoveryFailedMissingCharacteristic(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { delete(c.services.chars, WriteCharUUID) }
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	st, _ := s.States().Latest()
	if st.State != StateDisconnected || !errors.Is(st.Err, ErrDiscoveryFailed) {
		t.Errorf("latest status = %+v, want disconnected with ErrDiscoveryFailed", st)
	}
	_, disconnects, closes := adapter.latestConnection().counts()
	if disconnects != 1 || closes != 1 {
		t.Errorf("disconnect/close calls = %d/%d, want 1/1", disconnects, closes)
	}
	if err := s.Send(context.Background(), protocol.Clear{}); !errors.Is(err, ErrDropped) {
		t.Errorf("Send() error = %v, want ErrDropped", err)
	}
}

func TestSessionDiscoveryErrorEvent(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.autoDiscover = false }
	s := NewSession(adapter, allowAll(), testOptions())
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.WaitReady(context.Background()) }()

	adapter.latestConnection().SimulateServicesDiscovered(errors.New("gatt status 133"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrDiscoveryFailed) {
			t.Errorf("WaitReady() error = %v, want ErrDiscoveryFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitReady() did not return")
	}
}

func TestSessionSubscribeFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) {
		c.notifyChar.subscribeErr = errors.New("no client characteristic configuration descriptor")
	}
	s := NewSession(adapter, allowAll(), testOptions())
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	st, _ := s.States().Latest()
	if st.State != StateDisconnected || !errors.Is(st.Err, ErrDiscoveryFailed) {
		t.Errorf("latest status = %+v, want disconnected with ErrDiscoveryFailed", st)
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	s := NewSession(adapter, allowAll(), opts)
	states, cancel := s.States().Subscribe()
	defer cancel()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitStatus(t, states, StateConnecting)
	st := waitStatus(t, states, StateDisconnected)
	if !errors.Is(st.Err, ErrDiscoveryTimeout) {
		t.Fatalf("status error = %v, want ErrDiscoveryTimeout", st.Err)
	}

	// A link that shows up after the deadline is released, not adopted.
	late := adapter.SimulateConnected()
	if s.State() != StateDisconnected {
		t.Errorf("State() after late link = %v, want disconnected", s.State())
	}
	if _, disconnects, closes := late.counts(); disconnects != 1 || closes != 1 {
		t.Errorf("late link disconnect/close = %d/%d, want 1/1", disconnects, closes)
	}
}

func TestSessionDiscoveryTimeoutWhileConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.autoDiscover = false }
	opts := testOptions()
	opts.ConnectTimeout = 20 * time.Millisecond
	s := NewSession(adapter, allowAll(), opts)
	states, cancel := s.States().Subscribe()
	defer cancel()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitStatus(t, states, StateConnected)
	st := waitStatus(t, states, StateDisconnected)
	if !errors.Is(st.Err, ErrDiscoveryTimeout) {
		t.Fatalf("status error = %v, want ErrDiscoveryTimeout", st.Err)
	}
	conn := adapter.latestConnection()
	eventually(t, func() bool {
		_, disconnects, closes := conn.counts()
		return disconnects == 1 && closes == 1
	}, "timed-out link was not released")
}

// redeliverServices reports discovery a second time from inside the first
// characteristic lookup, while the session is still resolving handles.
type redeliverServices struct {
	Services
	conn *mockConnection
	once sync.Once
}

func (r *redeliverServices) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	r.once.Do(func() {
		r.conn.sink(Event{Kind: EventServicesDiscovered, Conn: r.conn, Services: r})
	})
	return r.Services.Characteristic(serviceUUID, charUUID)
}

func TestSessionRepeatedServicesDiscovered(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.autoDiscover = false }
	s := NewSession(adapter, allowAll(), testOptions())
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := adapter.latestConnection()

	conn.sink(Event{Kind: EventServicesDiscovered, Conn: conn, Services: &redeliverServices{Services: conn.services, conn: conn}})
	// A plain repeat after the handles are resolved is ignored as well.
	conn.SimulateServicesDiscovered(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if n := conn.notifyChar.SubscribeCalls(); n != 1 {
		t.Errorf("notify Subscribe calls = %d, want 1", n)
	}

	lines, cancelLines := s.Lines().Subscribe()
	defer cancelLines()
	conn.notifyChar.SimulateNotification([]byte("OK\n"))
	if got := recv(t, lines); got != "OK" {
		t.Errorf("line = %q, want OK", got)
	}
	select {
	case extra := <-lines:
		t.Errorf("line decoded twice, extra %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
}

func TestSessionRepeatedConnectedReleasesSecondLink(t *testing.T) {
	s, adapter, first := readySession(t)

	second := adapter.SimulateConnected()
	if s.State() != StateConnected {
		t.Fatalf("State() = %v, want connected", s.State())
	}
	if _, disconnects, closes := second.counts(); disconnects != 1 || closes != 1 {
		t.Errorf("second link disconnect/close = %d/%d, want 1/1", disconnects, closes)
	}
	if _, disconnects, _ := first.counts(); disconnects != 0 {
		t.Errorf("first link disconnected %d times, want 0", disconnects)
	}
	if err := s.Send(context.Background(), protocol.Clear{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := first.writeChar.Writes(); len(got) != 1 {
		t.Errorf("writes on first link = %q, want one", got)
	}
}

// blockingServices holds the first characteristic lookup until released.
type blockingServices struct {
	Services
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingServices) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Services.Characteristic(serviceUUID, charUUID)
}

func TestSessionSubscribedAfterDeadlineIgnored(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.configure = func(c *mockConnection) { c.autoDiscover = false }
	opts := testOptions()
	opts.ConnectTimeout = 150 * time.Millisecond
	s := NewSession(adapter, allowAll(), opts)
	states, cancel := s.States().Subscribe()
	defer cancel()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitStatus(t, states, StateConnected)
	conn := adapter.latestConnection()

	svcs := &blockingServices{
		Services: conn.services,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.sink(Event{Kind: EventServicesDiscovered, Conn: conn, Services: svcs})
	}()
	select {
	case <-svcs.entered:
	case <-done:
		t.Fatal("discovery was ignored before the deadline")
	}

	st := waitStatus(t, states, StateDisconnected)
	if !errors.Is(st.Err, ErrDiscoveryTimeout) {
		t.Fatalf("status error = %v, want ErrDiscoveryTimeout", st.Err)
	}
	close(svcs.release)
	<-done

	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if err := s.Send(context.Background(), protocol.Clear{}); !errors.Is(err, ErrDropped) {
		t.Errorf("Send() error = %v, want ErrDropped", err)
	}
}

func TestSessionConnectedWithoutConnection(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	s := NewSession(adapter, allowAll(), testOptions())
	states, cancel := s.States().Subscribe()
	defer cancel()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	sink := adapter.latestSink()
	sink(Event{Kind: EventConnected})

	st := waitStatus(t, states, StateDisconnected)
	if st.Err == nil {
		t.Error("status error = nil, want a connect failure")
	}
	// The same event for the finished attempt is dropped quietly.
	sink(Event{Kind: EventConnected})
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestSessionConnectErrors(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("peer not in range")
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.Connect(testPeer); err == nil {
		t.Fatal("Connect() should fail when the adapter refuses")
	}
	st, _ := s.States().Latest()
	if st.State != StateDisconnected || st.Err == nil {
		t.Errorf("latest status = %+v, want disconnected with error", st)
	}
}

func TestSessionConnectBusy(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(testPeer); !errors.Is(err, ErrBusy) {
		t.Errorf("second Connect() error = %v, want ErrBusy", err)
	}
	if adapter.connectCalls != 1 {
		t.Errorf("adapter Connect calls = %d, want 1", adapter.connectCalls)
	}
}

func TestSessionPlatformConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	s := NewSession(adapter, allowAll(), testOptions())
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	adapter.SimulateConnectFailure(errors.New("status 62"))
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	// A fresh Connect is the recovery path.
	if err := s.Connect(testPeer); err != nil {
		t.Errorf("Connect() after failure error = %v", err)
	}
}

func TestSessionDisconnectIsAsynchronous(t *testing.T) {
	s, _, conn := readySession(t)
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want connected until the platform confirms", s.State())
	}
	if _, disconnects, _ := conn.counts(); disconnects != 1 {
		t.Errorf("platform Disconnect calls = %d, want 1", disconnects)
	}
	conn.SimulateDisconnect()
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect() while disconnected error = %v", err)
	}
}

func TestSessionDisconnectWhileConnecting(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	conn := adapter.SimulateConnected()
	discovers, disconnects, _ := conn.counts()
	if discovers != 0 {
		t.Errorf("DiscoverServices calls = %d, want 0", discovers)
	}
	if disconnects != 1 {
		t.Errorf("Disconnect calls = %d, want 1", disconnects)
	}
	conn.SimulateDisconnect()
	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
}

func TestSessionStaleDisconnectIgnored(t *testing.T) {
	s, adapter, first := readySession(t)
	first.SimulateDisconnect()

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	second := adapter.latestConnection()
	if second == first {
		t.Fatal("expected a new connection")
	}

	first.SimulateDisconnect()
	if s.State() != StateConnected {
		t.Errorf("State() = %v, stale disconnect must not affect the new link", s.State())
	}
	if err := s.Send(context.Background(), protocol.Clear{}); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	if len(first.writeChar.Writes()) != 0 {
		t.Error("write went to the stale handle")
	}
}

func TestSessionPreflight(t *testing.T) {
	tests := []struct {
		name    string
		oracle  StaticOracle
		scan    error
		connect error
		send    error
	}{
		{"no permissions", StaticOracle{Enabled: true}, ErrPermissionDenied, ErrPermissionDenied, ErrPermissionDenied},
		{"adapter off", StaticOracle{Scan: true, Connect: true}, ErrAdapterDisabled, ErrAdapterDisabled, ErrDropped},
		{"scan only", StaticOracle{Scan: true, Enabled: true}, nil, ErrPermissionDenied, ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			s := NewSession(adapter, tt.oracle, testOptions())
			defer s.Close()

			if err := s.StartScan(context.Background()); !errors.Is(err, tt.scan) {
				t.Errorf("StartScan() error = %v, want %v", err, tt.scan)
			}
			if err := s.Connect(testPeer); !errors.Is(err, tt.connect) {
				t.Errorf("Connect() error = %v, want %v", err, tt.connect)
			}
			if err := s.Send(context.Background(), protocol.Clear{}); !errors.Is(err, tt.send) {
				t.Errorf("Send() error = %v, want %v", err, tt.send)
			}
			if tt.connect != nil && adapter.connectCalls != 0 {
				t.Errorf("adapter Connect called %d times despite failed preflight", adapter.connectCalls)
			}
			if tt.connect != nil && s.State() != StateDisconnected {
				t.Errorf("State() = %v, want disconnected", s.State())
			}
		})
	}
}

func TestSessionScanPublishesEveryPeer(t *testing.T) {
	adapter := newMockAdapter([]PeerDevice{{Address: "A"}, {Address: "A"}, {Address: "B"}})
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if err := s.StartScan(context.Background()); err != nil {
		t.Fatalf("second StartScan() error = %v", err)
	}
	if !s.Scanning() {
		t.Error("Scanning() = false during scan")
	}

	peers, cancel := s.Peers().Subscribe()
	defer cancel()
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		reg.Add(recv(t, peers))
	}
	if reg.Len() != 2 {
		t.Errorf("registry Len() = %d, want 2", reg.Len())
	}

	s.StopScan()
	s.StopScan()
	if s.Scanning() {
		t.Error("Scanning() = true after StopScan")
	}
	adapter.mu.Lock()
	calls := adapter.scanCalls
	adapter.mu.Unlock()
	if calls != 1 {
		t.Errorf("adapter Scan calls = %d, want 1", calls)
	}
}

func TestSessionWriteInterval(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOptions()
	opts.WriteInterval = 25 * time.Millisecond
	s := NewSession(adapter, allowAll(), opts)
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), protocol.Clear{}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("3 paced writes took %v, want >= 40ms", elapsed)
	}
}

func TestSessionWriteIntervalPacesPieces(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOptions()
	opts.WriteInterval = 30 * time.Millisecond
	opts.WriteChunk = protocol.DefaultATTPayload
	s := NewSession(adapter, allowAll(), opts)
	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	if err := s.Send(context.Background(), protocol.SetPixel{X: 10, Y: 10, R: 255, G: 255, B: 255}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("two paced pieces took %v, want >= 25ms", elapsed)
	}
	if got := adapter.latestConnection().writeChar.Writes(); len(got) != 2 {
		t.Errorf("writes = %q, want two pieces", got)
	}
}

func TestSessionWaitReadyContext(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.autoConnect = false
	s := NewSession(adapter, allowAll(), testOptions())

	if err := s.WaitReady(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WaitReady() with no attempt error = %v, want ErrNotConnected", err)
	}

	if err := s.Connect(testPeer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady() error = %v, want DeadlineExceeded", err)
	}
}

// Random interleavings of caller operations and platform events must only
// ever produce the transitions D->Cing, Cing->Cted, Cing->D, Cted->D, and a
// write handle may exist only while connected.
func TestSessionStateMachineInterleavings(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateDisconnected, StateConnecting}: true,
		{StateConnecting, StateConnected}:    true,
		{StateConnecting, StateDisconnected}: true,
		{StateConnected, StateDisconnected}:  true,
	}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		adapter := newMockAdapter(nil)
		adapter.autoConnect = false
		adapter.configure = func(c *mockConnection) { c.autoDiscover = rng.Intn(2) == 0 }
		s := NewSession(adapter, allowAll(), testOptions())
		states, cancel := s.States().Subscribe()

		seen := drainStates(states)
		for step := 0; step < 40; step++ {
			switch rng.Intn(6) {
			case 0:
				_ = s.Connect(testPeer)
			case 1:
				adapter.SimulateConnected()
			case 2:
				if c := adapter.latestConnection(); c != nil {
					c.SimulateDisconnect()
				}
			case 3:
				_ = s.Disconnect()
			case 4:
				adapter.SimulateConnectFailure(errors.New("attempt failed"))
			case 5:
				if c := adapter.latestConnection(); c != nil {
					c.SimulateServicesDiscovered(nil)
				}
			}
			seen = append(seen, drainStates(states)...)

			s.mu.Lock()
			if s.write != nil && s.state != StateConnected {
				t.Fatalf("trial %d step %d: write handle set in state %v", trial, step, s.state)
			}
			s.mu.Unlock()
		}
		cancel()

		if len(seen) == 0 || seen[0] != StateDisconnected {
			t.Fatalf("trial %d: first state = %v, want disconnected", trial, seen)
		}
		for i := 1; i < len(seen); i++ {
			if !allowed[[2]State{seen[i-1], seen[i]}] {
				t.Fatalf("trial %d: illegal transition %v -> %v in %v", trial, seen[i-1], seen[i], seen)
			}
		}
	}
}
