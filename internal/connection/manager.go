// Package connection owns the single transport to a room endpoint and models its
// lifecycle as an explicit state machine: Idle, Connecting, Open and Closed(n),
// where n counts consecutive failed attempts. Reconnection uses a fixed delay and
// halts after a configured number of consecutive failures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the fixed pause between reconnect attempts.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultMaxAttempts is the consecutive-failure cap after which retries stop.
	DefaultMaxAttempts = 10
)

var (
	// ErrClosed indicates the manager was shut down.
	ErrClosed = errors.New("connection: closed")
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("connection: already started")
	// ErrNotStarted indicates Reconnect was called before Start.
	ErrNotStarted = errors.New("connection: not started")
	// ErrManualReconnect is reported to listeners when a reconnect was requested explicitly.
	ErrManualReconnect = errors.New("connection: manual reconnect")

	errMissingDialer   = errors.New("connection: dialer is required")
	errMissingListener = errors.New("connection: listener is required")
	errMissingEndpoint = errors.New("connection: endpoint is required")
)

// State enumerates connection lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time view of the state machine.
type Status struct {
	State    State
	Attempts int
	GaveUp   bool
	Shutdown bool
}

// Transport is one established bidirectional message stream.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Transport, error)
}

// Listener receives lifecycle notifications and decoded messages. Calls are
// serialized and messages from one transport arrive in transport order.
type Listener interface {
	HandleConnected()
	HandleDisconnected(cause error)
	HandleMessage(envelope protocol.Envelope)
	HandleDecodeError(err error)
	HandleGiveUp(attempts int)
}

// Config describes a Manager.
type Config struct {
	Endpoint       Endpoint
	Dialer         Dialer
	Listener       Listener
	Clock          clock.Clock
	ReconnectDelay time.Duration
	MaxAttempts    int
	Logger         *zap.Logger
}

// Manager drives the connection state machine.
type Manager struct {
	endpoint Endpoint
	dialer   Dialer
	listener Listener
	clock    clock.Clock
	encoder  *protocol.Encoder
	logger   *zap.Logger

	// deliverMu serializes listener callbacks; it is always acquired before mu.
	deliverMu sync.Mutex
	writeMu   sync.Mutex

	mu         sync.Mutex
	state      State
	attempts   int
	gaveUp     bool
	shutdown   bool
	transport  Transport
	generation uint64
	retry      clock.Timer
	policy     backoff.BackOff
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewManager validates cfg and returns an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Listener == nil {
		return nil, errMissingListener
	}
	if cfg.Endpoint.URL() == "" {
		return nil, errMissingEndpoint
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		endpoint: cfg.Endpoint,
		dialer:   cfg.Dialer,
		listener: cfg.Listener,
		clock:    clk,
		encoder:  protocol.NewEncoder(clk.Now),
		logger:   logger.With(zap.String("room_id", cfg.Endpoint.RoomID())),
		state:    StateIdle,
		policy:   retryPolicy(delay, maxAttempts),
	}, nil
}

// retryPolicy yields the fixed delay for the first maxAttempts-1 failures and
// backoff.Stop on the maxAttempts-th consecutive failure.
func retryPolicy(delay time.Duration, maxAttempts int) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxAttempts-1))
}

// Start leaves Idle and performs the first dial. A failed dial enters the retry cycle
// rather than returning an error. Cancelling ctx shuts the manager down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.state = StateConnecting
	generation := m.generation
	watched := m.ctx
	m.mu.Unlock()

	go func() {
		<-watched.Done()
		m.Close()
	}()

	m.connect(generation)
	return nil
}

// Status returns the current state machine view.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempts: m.attempts, GaveUp: m.gaveUp, Shutdown: m.shutdown}
}

// Endpoint returns the endpoint the manager dials.
func (m *Manager) Endpoint() Endpoint {
	return m.endpoint
}

// Send encodes and writes one message. It reports false, without buffering, when the
// connection is not open or the write fails.
func (m *Manager) Send(messageType protocol.MessageType, payload any) bool {
	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		m.logger.Debug("send dropped while not open", zap.String("type", string(messageType)))
		return false
	}
	transport := m.transport
	m.mu.Unlock()

	data, err := m.encoder.Encode(messageType, payload)
	if err != nil {
		m.logger.Error("encode failed", zap.String("type", string(messageType)), zap.Error(err))
		return false
	}

	m.writeMu.Lock()
	err = transport.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("write failed", zap.String("type", string(messageType)), zap.Error(err))
		return false
	}
	return true
}

// Reconnect cancels any scheduled retry, drops the current transport and dials again
// with a fresh attempt budget.
func (m *Manager) Reconnect() error {
	m.deliverMu.Lock()
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return ErrClosed
	}
	if m.state == StateIdle {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return ErrNotStarted
	}
	m.stopRetryLocked()
	previous := m.transport
	wasOpen := m.state == StateOpen
	m.transport = nil
	m.generation++
	m.attempts = 0
	m.gaveUp = false
	m.policy.Reset()
	m.state = StateConnecting
	generation := m.generation
	m.mu.Unlock()

	if previous != nil {
		closeQuietly(previous)
	}
	if wasOpen {
		m.listener.HandleDisconnected(ErrManualReconnect)
	}
	m.deliverMu.Unlock()

	m.logger.Info("manual reconnect requested")
	m.connect(generation)
	return nil
}

// Close shuts the manager down permanently. It is safe to call more than once.
func (m *Manager) Close() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.stopRetryLocked()
	previous := m.transport
	wasOpen := m.state == StateOpen
	m.transport = nil
	m.generation++
	if m.state != StateIdle {
		m.state = StateClosed
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if previous != nil {
		closeQuietly(previous)
	}
	if wasOpen {
		m.listener.HandleDisconnected(ErrClosed)
	}
}

func (m *Manager) connect(generation uint64) {
	m.mu.Lock()
	if m.shutdown || generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	ctx := m.ctx
	m.mu.Unlock()

	transport, dialErr := m.dialer.Dial(ctx, m.endpoint)

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.shutdown || generation != m.generation {
		m.mu.Unlock()
		if transport != nil {
			closeQuietly(transport)
		}
		return
	}
	if dialErr != nil {
		outcome := m.failLocked()
		m.mu.Unlock()
		m.logger.Warn("dial failed", zap.Int("attempts", outcome.attempts), zap.Error(dialErr))
		m.notifyFailure(outcome, dialErr)
		return
	}
	m.transport = transport
	m.state = StateOpen
	m.attempts = 0
	m.gaveUp = false
	m.policy.Reset()
	m.mu.Unlock()

	m.logger.Info("connected")
	m.listener.HandleConnected()
	go m.readLoop(generation, transport)
}

func (m *Manager) readLoop(generation uint64, transport Transport) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			m.transportFailed(generation, err)
			return
		}
		envelope, decodeErr := protocol.Decode(data)
		if !m.deliver(generation, envelope, decodeErr) {
			return
		}
	}
}

func (m *Manager) deliver(generation uint64, envelope protocol.Envelope, decodeErr error) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if !m.isCurrent(generation) {
		return false
	}
	if decodeErr != nil {
		m.logger.Warn("discarding malformed message", zap.Error(decodeErr))
		m.listener.HandleDecodeError(decodeErr)
		return true
	}
	m.listener.HandleMessage(envelope)
	return true
}

func (m *Manager) transportFailed(generation uint64, cause error) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.shutdown || generation != m.generation {
		m.mu.Unlock()
		return
	}
	previous := m.transport
	m.transport = nil
	outcome := m.failLocked()
	m.mu.Unlock()

	if previous != nil {
		closeQuietly(previous)
	}
	m.logger.Warn("connection lost", zap.Int("attempts", outcome.attempts), zap.Error(cause))
	m.notifyFailure(outcome, cause)
}

type failureOutcome struct {
	wasOpen  bool
	gaveUp   bool
	attempts int
	delay    time.Duration
}

// failLocked moves to Closed(n+1) and either schedules exactly one retry or gives up.
func (m *Manager) failLocked() failureOutcome {
	outcome := failureOutcome{wasOpen: m.state == StateOpen}
	m.state = StateClosed
	m.attempts++
	m.generation++
	m.stopRetryLocked()
	outcome.attempts = m.attempts

	next := m.policy.NextBackOff()
	if next == backoff.Stop {
		m.gaveUp = true
		outcome.gaveUp = true
		return outcome
	}
	outcome.delay = next
	generation := m.generation
	m.retry = m.clock.AfterFunc(next, func() {
		m.connect(generation)
	})
	return outcome
}

// notifyFailure must be called with deliverMu held.
func (m *Manager) notifyFailure(outcome failureOutcome, cause error) {
	if outcome.wasOpen {
		m.listener.HandleDisconnected(cause)
	}
	if outcome.gaveUp {
		m.logger.Error("giving up after consecutive failures", zap.Int("attempts", outcome.attempts))
		m.listener.HandleGiveUp(outcome.attempts)
		return
	}
	m.logger.Info("reconnect scheduled", zap.Duration("delay", outcome.delay), zap.Int("attempts", outcome.attempts))
}

func (m *Manager) isCurrent(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.shutdown && generation == m.generation
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func closeQuietly(transport Transport) {
	_ = transport.Close()
}
