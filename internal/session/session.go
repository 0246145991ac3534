// Package session manages the lifecycle of one remote BLE peripheral:
// establishing and re-establishing a connection under unreliable conditions,
// discovering the device's service/characteristic tree and maintaining two
// continuous measurement streams (connection events and RSSI samples).
//
// All mutable state of a Session is owned by its serial run loop. Transport
// callbacks, timer firings and public API calls are marshaled onto the loop
// before touching shared fields, so no two mutations ever race. Deferred
// actions (connect timeouts, discovery timeouts, RSSI poll ticks) capture the
// sequence counter of their category at schedule time and compare it against
// the live counter when they fire; a newer attempt makes every older timer a
// no-op.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blelink/internal/promise"
	"github.com/srg/blelink/internal/serial"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// UnlimitedRetries disables a retry budget: the session keeps retrying
	// and never publishes EventGiveUp for that budget.
	UnlimitedRetries = -1

	// NoConnectionTimeout disables the software connect timeout; the
	// transport alone decides when an attempt has failed.
	NoConnectionTimeout time.Duration = 0

	// DefaultEventCapacity is the default buffer size for connection event
	// streams.
	DefaultEventCapacity = 16

	// DefaultRSSICapacity is the default buffer size for RSSI polling streams.
	DefaultRSSICapacity = 16

	// UnknownName is reported when the peripheral never advertised a name.
	UnknownName = "Unknown"
)

// ----------------------------
// States and Events
// ----------------------------

// State mirrors the transport-reported connection state. The session only
// requests transitions and reacts to the ones the transport reports.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// EventKind classifies an entry on the connection event stream.
type EventKind int

const (
	// EventConnect: the transport reported a successful connection.
	EventConnect EventKind = iota
	// EventTimeout: a connect attempt hit the software timeout; another
	// attempt follows automatically while the timeout budget lasts.
	EventTimeout
	// EventDisconnect: a clean transport disconnect; another attempt follows
	// automatically while the disconnect budget lasts.
	EventDisconnect
	// EventForceDisconnect: the caller requested the disconnect.
	EventForceDisconnect
	// EventGiveUp: a retry budget is exhausted. Terminal for this attempt
	// sequence; no further automatic reconnect until the next Connect call.
	EventGiveUp
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventTimeout:
		return "timeout"
	case EventDisconnect:
		return "disconnect"
	case EventForceDisconnect:
		return "force_disconnect"
	case EventGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// ConnectionEvent is one entry on the stream returned by Connect. Transport
// errors within the disconnect budget are delivered as stream failures
// (promise.Item.Err) instead of events.
type ConnectionEvent struct {
	Session *Session
	Kind    EventKind
}

// ConnectOptions configures retry behavior for one Connect call.
type ConnectOptions struct {
	// TimeoutRetries bounds how many connect timeouts are retried before
	// EventGiveUp. UnlimitedRetries (the default) never gives up.
	TimeoutRetries int
	// DisconnectRetries bounds how many disconnects are retried before
	// EventGiveUp. UnlimitedRetries (the default) never gives up.
	DisconnectRetries int
	// ConnectionTimeout is the software limit for a single connect attempt.
	// NoConnectionTimeout disables it.
	ConnectionTimeout time.Duration
	// Capacity sizes the connection event stream buffer.
	Capacity int
}

// DefaultConnectOptions returns the default retry configuration: unbounded
// retries, no software timeout.
func DefaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		TimeoutRetries:    UnlimitedRetries,
		DisconnectRetries: UnlimitedRetries,
		ConnectionTimeout: NoConnectionTimeout,
		Capacity:          DefaultEventCapacity,
	}
}

// Owner is a non-owning handle to whatever registry tracks this session.
// It is used only to release the session on Terminate, never to keep the
// registry alive.
type Owner interface {
	Release(id uuid.UUID)
}

// disconnectCause records why a disconnect happened. It is consumed exactly
// once by the disconnect handler to pick the retry budget.
type disconnectCause int

const (
	causeNone disconnectCause = iota
	causeTimeout
)

// ----------------------------
// Session
// ----------------------------

// Session is the per-device state and control surface. Create one per
// peripheral with New; all methods are safe for concurrent use.
type Session struct {
	id        uuid.UUID
	address   string
	name      string
	createdAt time.Time

	transport Transport
	owner     Owner
	loop      *serial.Loop
	logger    *logrus.Logger

	// Everything below is owned by the run loop.
	state      State
	terminated bool

	timeoutRetries    int
	disconnectRetries int
	connectionTimeout time.Duration
	timeoutCount      int
	disconnectCount   int

	connSeq      uint64
	discoverySeq uint64
	rssiSeq      uint64

	forcedDisconnect bool
	cause            disconnectCause

	connectedAt    time.Time
	disconnectedAt time.Time
	totalConnected time.Duration
	lastInterval   time.Duration

	services        *orderedmap.OrderedMap[string, *Service]
	characteristics map[string]*Characteristic

	rssi        int
	rssiPeriod  time.Duration
	rssiPromise *promise.Promise[int]
	rssiStream  *promise.Stream[int]

	events    *promise.Stream[ConnectionEvent]
	discovery *promise.Promise[*Session]
}

// New creates a session for a peripheral with a known address. The name may
// be empty; owner may be nil for sessions not tracked by a registry. A nil
// logger falls back to a default logrus instance.
func New(address, name string, transport Transport, owner Owner, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		id:                uuid.New(),
		address:           address,
		name:              name,
		createdAt:         time.Now(),
		transport:         transport,
		owner:             owner,
		logger:            logger,
		timeoutRetries:    UnlimitedRetries,
		disconnectRetries: UnlimitedRetries,
		services:          orderedmap.New[string, *Service](),
		characteristics:   make(map[string]*Characteristic),
	}
	s.loop = serial.NewLoop("session-loop-" + address)
	return s
}

// ----------------------------
// Identity and read-only accessors
// ----------------------------

// ID returns the stable session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Address returns the peripheral address the session was created for.
func (s *Session) Address() string { return s.address }

// Name returns the peripheral name, or UnknownName if none is known.
func (s *Session) Name() string {
	name := UnknownName
	s.loop.Call(func() {
		if s.name != "" {
			name = s.name
		}
	})
	return name
}

// State returns the current transport-mirrored connection state.
func (s *Session) State() State {
	var st State
	s.loop.Call(func() { st = s.state })
	return st
}

// IsConnected reports whether the transport currently reports a connection.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// TimeoutCount returns how many connect timeouts occurred since the last
// Connect call.
func (s *Session) TimeoutCount() int {
	var n int
	s.loop.Call(func() { n = s.timeoutCount })
	return n
}

// DisconnectCount returns how many disconnects occurred since the last
// Connect call.
func (s *Session) DisconnectCount() int {
	var n int
	s.loop.Call(func() { n = s.disconnectCount })
	return n
}

// ConnectedDuration returns the time since the connection was established,
// or the length of the last completed connection interval when disconnected.
func (s *Session) ConnectedDuration() time.Duration {
	var d time.Duration
	s.loop.Call(func() {
		if s.state == Connected && !s.connectedAt.IsZero() {
			d = time.Since(s.connectedAt)
		} else {
			d = s.lastInterval
		}
	})
	return d
}

// TotalConnectedDuration returns the accumulated connected time over the
// session's lifetime, including the current interval if connected.
func (s *Session) TotalConnectedDuration() time.Duration {
	var d time.Duration
	s.loop.Call(func() { d = s.totalConnectedInternal() })
	return d
}

// TotalDisconnectedDuration returns the accumulated disconnected time since
// the session was created.
func (s *Session) TotalDisconnectedDuration() time.Duration {
	var d time.Duration
	s.loop.Call(func() {
		d = time.Since(s.createdAt) - s.totalConnectedInternal()
	})
	return d
}

// totalConnectedInternal must run on the loop.
func (s *Session) totalConnectedInternal() time.Duration {
	total := s.totalConnected
	if s.state == Connected && !s.connectedAt.IsZero() {
		total += time.Since(s.connectedAt)
	}
	return total
}

// ----------------------------
// Connect / Reconnect / Disconnect / Terminate
// ----------------------------

// Connect stores the retry configuration, replaces any existing connection
// event stream with a fresh one sized to opts.Capacity and, if currently
// disconnected, immediately starts a connect attempt. Calling Connect while
// connected only reconfigures retries; the existing transport connection is
// kept. Stream overflow drops the oldest unconsumed event.
func (s *Session) Connect(opts *ConnectOptions) *promise.Stream[ConnectionEvent] {
	if opts == nil {
		opts = DefaultConnectOptions()
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}

	stream := promise.NewStream[ConnectionEvent](capacity)
	ok := s.loop.Call(func() {
		s.timeoutRetries = opts.TimeoutRetries
		s.disconnectRetries = opts.DisconnectRetries
		s.connectionTimeout = opts.ConnectionTimeout
		s.timeoutCount = 0
		s.disconnectCount = 0

		if s.events != nil {
			s.events.Close()
		}
		s.events = stream

		s.logger.WithFields(logrus.Fields{
			"address":            s.address,
			"state":              s.state.String(),
			"timeout_retries":    opts.TimeoutRetries,
			"disconnect_retries": opts.DisconnectRetries,
			"connection_timeout": opts.ConnectionTimeout,
		}).Debug("Connect requested")

		if s.state == Disconnected {
			s.reconnectInternal(0)
		}
	})
	if !ok {
		stream.Fail(ErrTerminated)
		stream.Close()
	}
	return stream
}

// Reconnect schedules a new connect attempt after delay if the session is
// currently disconnected. A zero delay connects immediately. Calling it in
// any other state is a logged no-op.
func (s *Session) Reconnect(delay time.Duration) {
	s.loop.Do(func() { s.reconnectInternal(delay) })
}

// reconnectInternal must run on the loop.
func (s *Session) reconnectInternal(delay time.Duration) {
	if s.state != Disconnected {
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"state":   s.state.String(),
		}).Debug("Reconnect ignored: not disconnected")
		return
	}

	s.connSeq++
	seq := s.connSeq
	s.cause = causeNone

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"seq":     seq,
		"delay":   delay,
	}).Info("Connecting to peripheral...")

	connect := func() {
		// A newer attempt or a state change supersedes this scheduled connect.
		if s.state != Disconnected || seq != s.connSeq {
			return
		}
		s.state = Connecting
		s.transport.Connect(s)
		if s.connectionTimeout != NoConnectionTimeout {
			s.loop.After(s.connectionTimeout, func() { s.connectTimeoutFired(seq) })
		}
	}

	if delay > 0 {
		s.loop.After(delay, connect)
	} else {
		connect()
	}
}

// connectTimeoutFired runs on the loop when the software connect timeout
// expires. The timer is tagged with the connection sequence captured at arm
// time and acts only on an attempt that is still Connecting under the same
// sequence: a newer attempt, a completed connection, an exhausted budget or
// a forced disconnect all leave it a stale no-op.
func (s *Session) connectTimeoutFired(seq uint64) {
	if s.state != Connecting || seq != s.connSeq || s.forcedDisconnect {
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"seq":     seq,
			"current": s.connSeq,
			"state":   s.state.String(),
		}).Debug("Connect timeout is stale, ignoring")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"seq":     seq,
		"timeout": s.connectionTimeout,
	}).Warn("Connect attempt timed out")

	s.cause = causeTimeout
	s.state = Disconnecting
	s.transport.CancelConnection(s)
}

// Disconnect tears the connection down intentionally. The resulting
// EventForceDisconnect is published on the connection event stream; no
// automatic reconnect follows. On an already-disconnected session the
// completion is synthesized locally, because the transport will not deliver
// a callback for a connection that never existed.
func (s *Session) Disconnect() {
	s.loop.Do(func() { s.disconnectInternal() })
}

// disconnectInternal must run on the loop.
func (s *Session) disconnectInternal() {
	s.forcedDisconnect = true

	// Pending RSSI signals die with the connection.
	if s.rssiPromise != nil && !s.rssiPromise.Completed() {
		s.rssiPromise.Fail(ErrNotConnected)
	}
	s.rssiPromise = nil
	if s.rssiStream != nil {
		s.rssiStream.Close()
		s.rssiStream = nil
	}

	switch s.state {
	case Connected, Connecting:
		s.state = Disconnecting
		s.transport.CancelConnection(s)
	case Disconnecting:
		// A cancellation is already in flight; its transport callback
		// completes the teardown. Clearing the cause makes that callback
		// handle this as forced, not as the timeout that started it.
		s.cause = causeNone
	default:
		// No transport callback will come; complete locally.
		s.handleDisconnectInternal(nil)
	}
}

// Terminate releases the session from its owning registry and, if connected,
// disconnects. Once the final disconnect completes, the run loop shuts down
// and the session stops accepting work.
func (s *Session) Terminate() {
	s.loop.Do(func() {
		s.logger.WithField("address", s.address).Info("Terminating session")
		if s.owner != nil {
			s.owner.Release(s.id)
		}
		s.terminated = true
		s.disconnectInternal()
	})
}

// ----------------------------
// Transport callbacks
// ----------------------------

// OnConnected implements Callbacks. Arbitrary goroutine.
func (s *Session) OnConnected() {
	s.loop.Do(func() {
		s.state = Connected
		s.connectedAt = time.Now()
		s.disconnectedAt = time.Time{}

		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"seq":     s.connSeq,
		}).Info("Peripheral connected")

		s.publish(EventConnect)
	})
}

// OnConnectFailed implements Callbacks. A failed connect attempt is handled
// identically to a disconnect, so one code path decides retry-or-give-up.
func (s *Session) OnConnectFailed(err error) {
	s.loop.Do(func() { s.handleDisconnectInternal(err) })
}

// OnDisconnected implements Callbacks. Arbitrary goroutine.
func (s *Session) OnDisconnected(err error) {
	s.loop.Do(func() { s.handleDisconnectInternal(err) })
}

// handleDisconnectInternal is the single code path for "why did we
// disconnect": transport errors, clean disconnects, forced disconnects and
// locally synthesized timeouts all end up here. Must run on the loop.
func (s *Session) handleDisconnectInternal(err error) {
	now := time.Now()
	if !s.connectedAt.IsZero() {
		s.lastInterval = now.Sub(s.connectedAt)
		s.totalConnected += s.lastInterval
		s.connectedAt = time.Time{}
	}
	s.disconnectedAt = now
	s.state = Disconnected

	// Both cause and forcedDisconnect are consumed by exactly one disconnect
	// handling.
	cause := s.cause
	s.cause = causeNone
	forced := s.forcedDisconnect
	s.forcedDisconnect = false

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"cause":   cause,
		"error":   err,
		"forced":  forced,
	}).Debug("Handling disconnect")

	switch {
	case cause == causeTimeout:
		if s.withinBudget(s.timeoutCount, s.timeoutRetries) {
			s.timeoutCount++
			s.publish(EventTimeout)
			s.reconnectInternal(0)
		} else {
			s.giveUp()
		}

	case err != nil:
		if s.withinBudget(s.disconnectCount, s.disconnectRetries) {
			s.disconnectCount++
			s.publishFailure(WrapTransportError("connection", err))
			s.reconnectInternal(0)
		} else {
			s.giveUp()
		}

	case forced:
		s.publish(EventForceDisconnect)

	default:
		if s.withinBudget(s.disconnectCount, s.disconnectRetries) {
			s.disconnectCount++
			s.publish(EventDisconnect)
			s.reconnectInternal(0)
		} else {
			s.giveUp()
		}
	}

	// Fan the disconnect out so in-flight attribute operations fail fast.
	for pair := s.services.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.disconnected(ErrNotConnected)
	}
	if s.discovery != nil && !s.discovery.Completed() {
		s.discovery.Fail(ErrNotConnected)
	}

	if s.terminated {
		if s.events != nil {
			s.events.Close()
			s.events = nil
		}
		s.loop.Close()
	}
}

func (s *Session) withinBudget(count, budget int) bool {
	return budget == UnlimitedRetries || count < budget
}

func (s *Session) giveUp() {
	// The attempt sequence ends here. Advancing the counter invalidates any
	// timer or delayed connect still armed for it.
	s.connSeq++

	s.logger.WithFields(logrus.Fields{
		"address":          s.address,
		"timeout_count":    s.timeoutCount,
		"disconnect_count": s.disconnectCount,
	}).Warn("Retry budget exhausted, giving up")
	s.publish(EventGiveUp)
}

// publish must run on the loop.
func (s *Session) publish(kind EventKind) {
	if s.events == nil {
		return
	}
	s.events.Send(ConnectionEvent{Session: s, Kind: kind})
}

// publishFailure must run on the loop.
func (s *Session) publishFailure(err error) {
	if s.events == nil {
		return
	}
	s.events.Fail(err)
}
