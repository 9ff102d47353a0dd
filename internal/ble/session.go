package ble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chaz8081/matrixctl/internal/ble/protocol"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is published on the state stream. Err is set only when a
// transition to StateDisconnected was caused by a failure.
type Status struct {
	State State
	Err   error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string

	ConnectTimeout time.Duration // deadline for connect + discovery, 0 disables
	WriteInterval  time.Duration // minimum spacing between writes, including split pieces, 0 disables
	MaxLineBytes   int           // cap on an unterminated inbound line, 0 disables
	WriteChunk     int           // split writes to at most this many bytes, 0 disables

	PeerReplay int // discovery backlog for new subscribers
	LineReplay int // line backlog for new subscribers
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ServiceUUID:    ServiceUUID,
		WriteCharUUID:  WriteCharUUID,
		NotifyCharUUID: NotifyCharUUID,
		ConnectTimeout: 15 * time.Second,
		MaxLineBytes:   DefaultMaxLineBytes,
		PeerReplay:     10,
		LineReplay:     100,
	}
}

// attempt tracks one Connect call from Connecting until Disconnected.
type attempt struct {
	peer   PeerDevice
	conn   Connection
	timer  *time.Timer
	cancel bool // Disconnect called before the link came up

	subscribing bool // characteristics are being resolved for conn

	ready chan struct{} // closed once the write characteristic is resolved
	done  chan struct{} // closed when the attempt ends
	err   error         // why it ended; written before done is closed
}

// Session owns the lifecycle of one peripheral connection and the streams
// derived from it. Platform callbacks and caller operations are serialised
// through one mutex that guards state, characteristic handles and the line
// decoder together.
type Session struct {
	id      string
	adapter Adapter
	oracle  Oracle
	opts    SessionOptions
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	state   State
	at      *attempt
	write   Characteristic
	decoder *LineDecoder

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanGen    uint64

	peers  *Stream[PeerDevice]
	states *Stream[Status]
	lines  *Stream[string]

	dropped   atomic.Uint64
	overflows atomic.Uint64
}

// NewSession creates a disconnected session.
func NewSession(adapter Adapter, oracle Oracle, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.NotifyCharUUID == "" {
		opts.NotifyCharUUID = def.NotifyCharUUID
	}
	if opts.PeerReplay <= 0 {
		opts.PeerReplay = def.PeerReplay
	}
	if opts.LineReplay <= 0 {
		opts.LineReplay = def.LineReplay
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.WriteInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.WriteInterval), 1)
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		adapter: adapter,
		oracle:  oracle,
		opts:    opts,
		limiter: limiter,
		log:     slog.With("session", id),
		decoder: NewLineDecoder(opts.MaxLineBytes),
		peers:   NewStream[PeerDevice](opts.PeerReplay),
		states:  NewStream[Status](1),
		lines:   NewStream[string](opts.LineReplay),
	}
	s.states.Publish(Status{State: StateDisconnected})
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Peers is the discovery stream. Duplicates are not filtered.
func (s *Session) Peers() *Stream[PeerDevice] { return s.peers }

// States is the connection state stream; a new subscriber always gets the
// current state first.
func (s *Session) States() *Stream[Status] { return s.states }

// Lines is the stream of decoded inbound lines.
func (s *Session) Lines() *Stream[string] { return s.lines }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns how many commands were dropped for lack of a write
// characteristic.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Overflows returns how many partial lines were discarded for exceeding
// MaxLineBytes.
func (s *Session) Overflows() uint64 { return s.overflows.Load() }

// StartScan begins reporting peripherals that advertise the service on the
// Peers stream. Calling it while a scan is running does nothing.
func (s *Session) StartScan(ctx context.Context) error {
	if !s.oracle.HasScanPermission() {
		return ErrPermissionDenied
	}
	if !s.oracle.AdapterEnabled() {
		return ErrAdapterDisabled
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.scanCancel != nil {
		return nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.scanCancel = cancel
	s.scanGen++
	gen := s.scanGen
	s.log.Info("[BLE] scan started", "service", s.opts.ServiceUUID)

	go func() {
		defer cancel()
		err := s.adapter.Scan(scanCtx, s.opts.ServiceUUID, s.peers.Publish)
		if err != nil && scanCtx.Err() == nil {
			s.log.Warn("[BLE] scan failed", "error", err)
		}
		s.scanMu.Lock()
		// A newer scan may have replaced ours.
		if s.scanGen == gen {
			s.scanCancel = nil
		}
		s.scanMu.Unlock()
	}()
	return nil
}

// StopScan stops an active scan. Peers already in flight may still be
// published after it returns.
func (s *Session) StopScan() {
	s.scanMu.Lock()
	cancel := s.scanCancel
	s.scanCancel = nil
	s.scanMu.Unlock()

	if cancel != nil {
		cancel()
		s.log.Info("[BLE] scan stopped")
	}
}

// Scanning reports whether a scan is active.
func (s *Session) Scanning() bool {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.scanCancel != nil
}

// Connect starts connecting to peer. It returns once the attempt is under
// way; progress is reported on the States stream. Only valid while
// disconnected.
func (s *Session) Connect(peer PeerDevice) error {
	if !s.oracle.HasConnectPermission() {
		return ErrPermissionDenied
	}
	if !s.oracle.AdapterEnabled() {
		return ErrAdapterDisabled
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrBusy
	}
	at := &attempt{
		peer:  peer,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.at = at
	s.setState(StateConnecting, nil)
	if s.opts.ConnectTimeout > 0 {
		at.timer = time.AfterFunc(s.opts.ConnectTimeout, func() {
			s.dispatch(Event{Kind: eventDeadline, attempt: at})
		})
	}
	s.mu.Unlock()

	s.log.Info("[BLE] connecting", "addr", peer.Address, "name", peer.Name)
	sink := func(ev Event) {
		ev.attempt = at
		s.dispatch(ev)
	}
	if err := s.adapter.Connect(peer, sink); err != nil {
		err = fmt.Errorf("ble: connect to %s: %w", peer.Address, err)
		s.dispatch(Event{Kind: EventDisconnected, Err: err, attempt: at})
		return err
	}
	return nil
}

// Disconnect asks the platform to drop the link. The state changes when the
// platform confirms. If the link is still being established the request is
// applied as soon as it comes up.
func (s *Session) Disconnect() error {
	if !s.oracle.HasConnectPermission() {
		return ErrPermissionDenied
	}

	s.mu.Lock()
	at := s.at
	if at == nil {
		s.mu.Unlock()
		return nil
	}
	if at.conn == nil {
		at.cancel = true
		s.mu.Unlock()
		return nil
	}
	conn := at.conn
	s.mu.Unlock()

	s.log.Info("[BLE] disconnect requested", "addr", at.peer.Address)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// Send encodes cmd and writes it to the peripheral. Without a resolved write
// characteristic the command is dropped and ErrDropped returned; nothing is
// queued for a later connection. WriteInterval applies to every write,
// so a command split by WriteChunk takes one interval per piece.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	if !s.oracle.HasConnectPermission() {
		return ErrPermissionDenied
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.write == nil {
		n := s.dropped.Add(1)
		s.log.Debug("[BLE] command dropped", "cmd", cmd.String(), "dropped", n)
		return ErrDropped
	}
	for i, part := range protocol.SplitWire(protocol.Encode(cmd), s.opts.WriteChunk) {
		// Later pieces are paced too. A cancelled ctx here leaves a partial
		// line on the link.
		if i > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.write.Write(part); err != nil {
			return fmt.Errorf("ble: write %q: %w", cmd.String(), err)
		}
	}
	return nil
}

// WaitReady blocks until the current connection attempt has resolved its
// characteristics, has ended, or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	at := s.at
	s.mu.Unlock()
	if at == nil {
		return ErrNotConnected
	}

	select {
	case <-at.done:
		return at.endErr()
	case <-at.ready:
		select {
		case <-at.done:
			return at.endErr()
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops scanning and requests a disconnect.
func (s *Session) Close() {
	s.StopScan()

	s.mu.Lock()
	var conn Connection
	if at := s.at; at != nil {
		at.cancel = true
		conn = at.conn
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
}

func (at *attempt) endErr() error {
	if at.err != nil {
		return at.err
	}
	return ErrNotConnected
}

// dispatch is the single entry point for platform and internal events.
// Side effects returned by handle run after the lock is released so an
// adapter may deliver follow-up events synchronously.
func (s *Session) dispatch(ev Event) {
	s.mu.Lock()
	after := s.handle(ev)
	s.mu.Unlock()

	for _, f := range after {
		f()
	}
}

// handle applies ev to the state machine. Caller must hold mu.
func (s *Session) handle(ev Event) []func() {
	at := ev.attempt
	current := at != nil && at == s.at

	switch ev.Kind {
	case EventConnected:
		conn := ev.Conn
		if !current || s.state != StateConnecting {
			if conn == nil {
				return nil
			}
			s.log.Debug("[BLE] releasing stale link")
			return []func(){func() {
				_ = conn.Disconnect()
				_ = conn.Close()
			}}
		}
		if conn == nil {
			return s.fail(fmt.Errorf("ble: connect to %s: platform reported a link without a connection", at.peer.Address))
		}
		at.conn = conn
		s.setState(StateConnected, nil)
		s.log.Info("[BLE] connected", "addr", at.peer.Address)
		if at.cancel {
			return []func(){func() { _ = conn.Disconnect() }}
		}
		return []func(){func() {
			if err := conn.DiscoverServices(); err != nil {
				s.dispatch(Event{
					Kind:    eventDiscoveryFailed,
					Err:     fmt.Errorf("%w: %w", ErrDiscoveryFailed, err),
					attempt: at,
				})
			}
		}}

	case EventServicesDiscovered:
		if !current || s.state != StateConnected || s.write != nil {
			return nil
		}
		if ev.Conn != nil && ev.Conn != at.conn {
			return nil
		}
		if at.subscribing {
			s.log.Debug("[BLE] ignoring repeated service discovery", "addr", at.peer.Address)
			return nil
		}
		if ev.Err != nil {
			return s.fail(fmt.Errorf("%w: %w", ErrDiscoveryFailed, ev.Err))
		}
		if ev.Services == nil {
			return s.fail(fmt.Errorf("%w: no services reported", ErrDiscoveryFailed))
		}
		at.subscribing = true
		svcs := ev.Services
		return []func(){func() { s.subscribe(at, svcs) }}

	case eventSubscribed:
		if !current || s.state != StateConnected || s.write != nil {
			return nil
		}
		s.write = ev.write
		if at.timer != nil {
			at.timer.Stop()
		}
		close(at.ready)
		s.log.Info("[BLE] ready", "addr", at.peer.Address)

	case eventDiscoveryFailed:
		if !current {
			return nil
		}
		return s.fail(ev.Err)

	case eventDeadline:
		if !current || s.write != nil {
			return nil
		}
		return s.fail(ErrDiscoveryTimeout)

	case EventNotification:
		if !current || s.state != StateConnected {
			return nil
		}
		lines, err := s.decoder.Feed(ev.Payload)
		for _, line := range lines {
			s.lines.Publish(line)
		}
		if err != nil {
			n := s.overflows.Add(1)
			s.log.Warn("[BLE] discarded oversized line", "max", s.opts.MaxLineBytes, "overflows", n)
		}

	case EventDisconnected:
		if !current || (ev.Conn != nil && ev.Conn != at.conn) {
			return nil
		}
		conn := at.conn
		if ev.Err != nil {
			s.log.Warn("[BLE] connection failed", "addr", at.peer.Address, "error", ev.Err)
		} else {
			s.log.Info("[BLE] disconnected", "addr", at.peer.Address)
		}
		s.teardown(ev.Err)
		if conn != nil {
			return []func(){func() { _ = conn.Close() }}
		}
	}
	return nil
}

// subscribe resolves both characteristics and enables notifications. It
// talks to the platform, so it runs without the lock.
func (s *Session) subscribe(at *attempt, svcs Services) {
	fail := func(err error) {
		s.dispatch(Event{Kind: eventDiscoveryFailed, Err: err, attempt: at})
	}

	write, err := svcs.Characteristic(s.opts.ServiceUUID, s.opts.WriteCharUUID)
	if err != nil {
		fail(fmt.Errorf("%w: write characteristic: %w", ErrDiscoveryFailed, err))
		return
	}
	notify, err := svcs.Characteristic(s.opts.ServiceUUID, s.opts.NotifyCharUUID)
	if err != nil {
		fail(fmt.Errorf("%w: notify characteristic: %w", ErrDiscoveryFailed, err))
		return
	}
	err = notify.Subscribe(func(data []byte) {
		s.dispatch(Event{Kind: EventNotification, Payload: bytes.Clone(data), attempt: at})
	})
	if err != nil {
		fail(fmt.Errorf("%w: enable notifications: %w", ErrDiscoveryFailed, err))
		return
	}
	s.dispatch(Event{Kind: eventSubscribed, write: write, attempt: at})
}

// fail ends the current attempt with err and releases its link.
// Caller must hold mu.
func (s *Session) fail(err error) []func() {
	at := s.at
	s.log.Warn("[BLE] connection failed", "addr", at.peer.Address, "error", err)
	conn := at.conn
	s.teardown(err)
	if conn == nil {
		return nil
	}
	return []func(){func() {
		_ = conn.Disconnect()
		_ = conn.Close()
	}}
}

// teardown is the only transition to StateDisconnected. It invalidates the
// write characteristic and any partial inbound line. Caller must hold mu.
func (s *Session) teardown(err error) {
	at := s.at
	s.at = nil
	s.write = nil
	s.decoder.Reset()
	if at != nil {
		if at.timer != nil {
			at.timer.Stop()
		}
		at.err = err
		close(at.done)
	}
	s.setState(StateDisconnected, err)
}

// setState records and publishes a transition. Caller must hold mu.
func (s *Session) setState(st State, err error) {
	s.state = st
	s.states.Publish(Status{State: st, Err: err})
}
