package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/bridge"
	"github.com/srg/gattkit/internal/connection"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/discovery"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/notify"
	"github.com/srg/gattkit/internal/registry"
)

// Options configures a session
type Options struct {
	// CloseConfirmTimeout is how long Close waits for the bridge's DISCONNECTED
	// event before assuming it. Zero assumes it immediately.
	CloseConfirmTimeout time.Duration
	Logger              *logrus.Logger
	// OnTeardown runs on the session loop once the connection is DISCONNECTED and
	// every handle has been released.
	OnTeardown func(*Session)
}

// Empty is the value of futures that carry only an acknowledgement.
type Empty = struct{}

// Session is one connection to a peripheral. It owns the state machine, the
// handle registry, the subscription table and the discovery aggregator of that
// connection, and a loop on which every bridge completion is processed.
//
// Operations validate locally, hand the bridge call to the loop and return a
// Future at once. Nothing blocks the caller.
type Session struct {
	address string
	conn    device.ConnHandle
	br      bridge.Bridge
	opts    Options
	logger  *logrus.Logger

	loop *dispatch.Loop
	sm   *connection.StateMachine
	reg  *registry.Registry
	subs *notify.Manager
	agg  *discovery.Aggregator

	connected *dispatch.Future[Empty]
	closed    *dispatch.Future[Empty]
	attached  chan struct{}

	// loop-owned
	pending    map[uint64]func(error)
	nextOp     uint64
	closeTimer *time.Timer

	tree atomic.Pointer[discovery.Tree]

	watchMu  sync.Mutex
	watchers []func(connection.Transition)
}

// Open starts connecting to address through br. The returned session is in
// CONNECTING; Connected completes when the bridge reports the outcome.
func Open(br bridge.Bridge, address string, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		address:   address,
		br:        br,
		opts:      opts,
		logger:    logger,
		sm:        connection.NewStateMachine(logger),
		connected: dispatch.NewFuture[Empty](),
		closed:    dispatch.NewFuture[Empty](),
		attached:  make(chan struct{}),
		pending:   make(map[uint64]func(error)),
	}
	s.sm.OnTransition(s.notifyWatchers)

	if err := s.sm.Connect(); err != nil {
		return nil, err
	}

	s.loop = dispatch.NewLoop("session-"+address, logger)
	// bridge events queue up behind this task until the session is wired
	s.loop.Post(func() { <-s.attached })

	conn, err := br.Connect(address, func(ev device.StateEvent) {
		if !s.loop.Post(func() { s.onState(ev) }) {
			s.logger.WithFields(logrus.Fields{
				"address": address,
				"state":   ev.State.String(),
			}).Debug("State event after teardown dropped")
		}
	})
	if err != nil {
		close(s.attached)
		s.loop.Close()
		return nil, device.AsBridgeError("connect", err)
	}

	s.conn = conn
	s.sm.SetConn(conn)
	s.reg = registry.New(conn, logger)
	s.subs = notify.NewManager(conn, logger)
	s.agg = discovery.NewAggregator(conn, queries{s}, s.reg, s.loop, logger)
	close(s.attached)

	s.log().Info("Connecting")
	return s, nil
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"conn":    s.conn,
		"address": s.address,
	})
}

// Conn returns the bridge connection handle
func (s *Session) Conn() device.ConnHandle { return s.conn }

// Address returns the peripheral address
func (s *Session) Address() string { return s.address }

// State returns the current connection state
func (s *Session) State() device.ConnectionState { return s.sm.State() }

// Connected completes once the connection is up, or fails if it never comes up.
func (s *Session) Connected() *dispatch.Future[Empty] { return s.connected }

// Closed completes once the session has been torn down.
func (s *Session) Closed() *dispatch.Future[Empty] { return s.closed }

// Tree returns the last successfully discovered hierarchy, or nil.
func (s *Session) Tree() *discovery.Tree { return s.tree.Load() }

// Resolve returns the cached node for h.
func (s *Session) Resolve(h device.Handle) (device.Node, error) { return s.reg.Resolve(h) }

// Subscriptions returns the characteristic handles with an active sink.
func (s *Session) Subscriptions() []device.Handle { return s.subs.Handles() }

// NotificationStats returns how many value events were routed to a sink and how
// many were dropped for having none.
func (s *Session) NotificationStats() (routed, dropped uint64) { return s.subs.Stats() }

// Watch registers fn for every state transition of the connection.
func (s *Session) Watch(fn func(connection.Transition)) {
	s.watchMu.Lock()
	s.watchers = append(s.watchers, fn)
	s.watchMu.Unlock()
}

func (s *Session) notifyWatchers(t connection.Transition) {
	s.watchMu.Lock()
	watchers := append([]func(connection.Transition){}, s.watchers...)
	s.watchMu.Unlock()
	for _, w := range watchers {
		w(t)
	}
}

// ----------------------------
// State events
// ----------------------------

func (s *Session) onState(ev device.StateEvent) {
	t, ok := s.sm.Apply(ev)
	if !ok {
		return
	}

	switch t.To {
	case device.StateConnected:
		s.log().Info("Connected")
		s.connected.Complete(Empty{}, nil)
	case device.StateDisconnecting:
		// remote-initiated; the DISCONNECTED event (or its assumption) follows
		s.armCloseTimer()
	case device.StateDisconnected:
		s.teardown(t)
	}
}

func (s *Session) armCloseTimer() {
	if s.opts.CloseConfirmTimeout <= 0 {
		s.onState(device.StateEvent{Conn: s.conn, State: device.StateDisconnected})
		return
	}
	if s.closeTimer != nil {
		return
	}
	s.closeTimer = time.AfterFunc(s.opts.CloseConfirmTimeout, func() {
		s.loop.Post(func() {
			if s.sm.State() != device.StateDisconnecting {
				return
			}
			s.log().Debug("No close confirmation from bridge, assuming disconnected")
			s.onState(device.StateEvent{Conn: s.conn, State: device.StateDisconnected})
		})
	})
}

// teardown runs on the loop when the connection reaches DISCONNECTED.
func (s *Session) teardown(t connection.Transition) {
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}

	msg := "connection closed"
	if t.Err != nil {
		msg = fmt.Sprintf("connection lost: %v", t.Err)
	}
	closedErr := &device.Error{Kind: device.InvalidState, Op: "session", State: device.StateDisconnected, Msg: msg}

	s.agg.Abort(closedErr)
	subs := s.subs.Clear()
	handles := s.reg.ReleaseAll()
	for id, fail := range s.pending {
		fail(closedErr)
		delete(s.pending, id)
	}

	if t.From == device.StateConnecting {
		cause := t.Err
		if cause == nil {
			cause = &device.BridgeError{Op: "connect", Code: device.CodeUnknown, Message: "connection failed"}
		}
		s.connected.Fail(device.AsBridgeError("connect", cause))
	} else {
		s.connected.Fail(closedErr)
	}

	entry := s.log().WithFields(logrus.Fields{
		"handles":       handles,
		"subscriptions": subs,
	})
	if t.Err != nil {
		entry.WithError(t.Err).Warn("Disconnected")
	} else {
		entry.Info("Disconnected")
	}

	if s.opts.OnTeardown != nil {
		s.opts.OnTeardown(s)
	}
	s.closed.Complete(Empty{}, nil)
	s.loop.Close()
}

// ----------------------------
// Operations
// ----------------------------

// closedError is returned when the loop no longer accepts work.
func (s *Session) closedError(op string) error {
	return &device.Error{Kind: device.InvalidState, Op: op, State: device.StateDisconnected, Msg: "session closed"}
}

// check validates h (when kind is set) and then the connection state.
func (s *Session) check(op string, h device.Handle, kind device.NodeKind) error {
	if kind != 0 {
		if _, err := s.reg.ResolveAs(h, kind); err != nil {
			return err
		}
	}
	return s.sm.Require(op)
}

// call runs one bridge operation: validate now, validate again on the loop, issue,
// and complete the future on the loop. Pending calls fail when the session tears down.
func call[T any](s *Session, op string, h device.Handle, kind device.NodeKind, issue func(done func(T, error))) *dispatch.Future[T] {
	if err := s.check(op, h, kind); err != nil {
		return dispatch.Failed[T](err)
	}

	f := dispatch.NewFuture[T]()
	posted := s.loop.Post(func() {
		if err := s.check(op, h, kind); err != nil {
			f.Fail(err)
			return
		}

		s.nextOp++
		id := s.nextOp
		s.pending[id] = func(err error) { f.Fail(err) }

		entry := s.log().WithFields(logrus.Fields{"op": op, "handle": h})
		entry.Debug("Issuing bridge operation")

		issue(func(v T, err error) {
			s.loop.Post(func() {
				if _, ok := s.pending[id]; !ok {
					entry.Debug("Ignoring completion of finished operation")
					return
				}
				delete(s.pending, id)
				if err != nil {
					err = device.AsBridgeError(op, err)
					entry.WithError(err).Error("Bridge operation failed")
				}
				f.Complete(v, err)
			})
		})
	})
	if !posted {
		f.Fail(s.closedError(op))
	}
	return f
}

// DiscoverAll walks the full attribute hierarchy and delivers it once.
func (s *Session) DiscoverAll() *dispatch.Future[*discovery.Tree] {
	if err := s.sm.Require("discover_all"); err != nil {
		return dispatch.Failed[*discovery.Tree](err)
	}
	f := s.agg.DiscoverAll()
	f.OnComplete(func(t *discovery.Tree, err error) {
		if err == nil {
			s.tree.Store(t)
		}
	})
	return f
}

// RSSI reads the current signal strength
func (s *Session) RSSI() *dispatch.Future[int] {
	return call(s, "rssi", 0, 0, func(done func(int, error)) {
		s.br.RSSI(s.conn, done)
	})
}

// ReadCharacteristic reads the value of characteristic h
func (s *Session) ReadCharacteristic(h device.Handle) *dispatch.Future[[]byte] {
	return call(s, "read_characteristic", h, device.KindCharacteristic, func(done func([]byte, error)) {
		s.br.ReadCharacteristic(s.conn, h, done)
	})
}

// ReadDescriptor reads the value of descriptor h
func (s *Session) ReadDescriptor(h device.Handle) *dispatch.Future[[]byte] {
	return call(s, "read_descriptor", h, device.KindDescriptor, func(done func([]byte, error)) {
		s.br.ReadDescriptor(s.conn, h, done)
	})
}

// WriteCharacteristic writes data to characteristic h. A zero write type picks the
// one the characteristic advertises, preferring acknowledged writes.
func (s *Session) WriteCharacteristic(h device.Handle, data []byte, wt device.WriteType) *dispatch.Future[Empty] {
	payload := append([]byte{}, data...)
	return call(s, "write_characteristic", h, device.KindCharacteristic, func(done func(Empty, error)) {
		if wt == 0 {
			wt = device.WriteDefault
			if c, err := s.reg.Characteristic(h); err == nil && !c.WriteType.Has(device.WriteDefault) && c.WriteType.Has(device.WriteNoResponse) {
				wt = device.WriteNoResponse
			}
		}
		s.br.WriteCharacteristic(s.conn, h, payload, wt, ack(done))
	})
}

// WriteDescriptor writes data to descriptor h
func (s *Session) WriteDescriptor(h device.Handle, data []byte) *dispatch.Future[Empty] {
	payload := append([]byte{}, data...)
	return call(s, "write_descriptor", h, device.KindDescriptor, func(done func(Empty, error)) {
		s.br.WriteDescriptor(s.conn, h, payload, ack(done))
	})
}

// EnableNotification subscribes sink to value changes of characteristic h. A second
// enable without a disable fails with AlreadySubscribed. The sink is registered
// before the bridge is asked and removed again if the bridge refuses.
func (s *Session) EnableNotification(h device.Handle, sink notify.Sink) *dispatch.Future[Empty] {
	if s.subs.Active(h) {
		return dispatch.Failed[Empty](&device.Error{Kind: device.AlreadySubscribed, Op: "enable_notification", Handle: h})
	}
	return call(s, "enable_notification", h, device.KindCharacteristic, func(done func(Empty, error)) {
		if err := s.subs.Enable(h, sink); err != nil {
			done(Empty{}, err)
			return
		}
		values := func(n device.Notification) {
			s.loop.Post(func() { s.subs.Route(n) })
		}
		s.br.EnableNotification(s.conn, h, values, func(err error) {
			if err != nil {
				s.loop.Post(func() {
					if derr := s.subs.Disable(h); derr != nil {
						s.log().WithError(derr).Debug("Subscription already gone on rollback")
					}
				})
			}
			done(Empty{}, err)
		})
	})
}

// DisableNotification removes the subscription of characteristic h. The local sink
// is dropped before the bridge is told, so no event reaches it afterwards even if
// the bridge call fails.
func (s *Session) DisableNotification(h device.Handle) *dispatch.Future[Empty] {
	if err := s.check("disable_notification", h, device.KindCharacteristic); err == nil && !s.subs.Active(h) {
		return dispatch.Failed[Empty](&device.Error{Kind: device.NotSubscribed, Op: "disable_notification", Handle: h})
	}
	return call(s, "disable_notification", h, device.KindCharacteristic, func(done func(Empty, error)) {
		if err := s.subs.Disable(h); err != nil {
			done(Empty{}, err)
			return
		}
		s.br.DisableNotification(s.conn, h, ack(done))
	})
}

// Close disconnects. It completes when the session has been torn down. Closing an
// already closed session succeeds; closing while still connecting is InvalidState.
func (s *Session) Close() *dispatch.Future[Empty] {
	f := dispatch.NewFuture[Empty]()
	posted := s.loop.Post(func() {
		proceed, err := s.sm.BeginClose()
		if err != nil {
			f.Fail(err)
			return
		}
		s.closed.OnComplete(func(Empty, error) { f.Complete(Empty{}, nil) })
		if !proceed {
			return
		}

		s.log().Info("Closing connection")
		if err := s.br.Close(s.conn); err != nil {
			s.log().WithError(err).Warn("Bridge close failed, disconnecting locally")
			s.onState(device.StateEvent{Conn: s.conn, State: device.StateDisconnected})
			return
		}
		s.armCloseTimer()
	})
	if !posted {
		s.closed.OnComplete(func(Empty, error) { f.Complete(Empty{}, nil) })
	}
	return f
}

// Abandon tears the session down without talking to the bridge. Used when the
// bridge has already reused the connection number for another connection.
func (s *Session) Abandon(reason error) {
	s.loop.Post(func() {
		s.onState(device.StateEvent{Conn: s.conn, State: device.StateDisconnected, Err: reason})
	})
}

func ack(done func(Empty, error)) func(error) {
	return func(err error) { done(Empty{}, err) }
}

// queries adapts the session's bridge to the aggregator.
type queries struct{ s *Session }

func (q queries) Services(done func([]*device.Service, error)) {
	q.s.br.Services(q.s.conn, done)
}

func (q queries) Characteristics(svc device.Handle, done func([]*device.Characteristic, error)) {
	q.s.br.Characteristics(q.s.conn, svc, done)
}

func (q queries) Descriptors(chr device.Handle, done func([]*device.Descriptor, error)) {
	q.s.br.Descriptors(q.s.conn, chr, done)
}
