// Package session wires the connection manager, document engine, presence tracker and
// execution coordinator into one client of a collaborative room. Inbound messages are
// routed in arrival order; outbound operations go through the single connection.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/connection"
	"github.com/MarcoPoloResearchLab/codestream/internal/docsync"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/execution"
	"github.com/MarcoPoloResearchLab/codestream/internal/metrics"
	"github.com/MarcoPoloResearchLab/codestream/internal/presence"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// ErrInvalidCursor indicates a cursor position outside the 1-based coordinate space.
var ErrInvalidCursor = errors.New("session: cursor line and column must be positive")

// Config describes a Session.
type Config struct {
	Endpoint             connection.Endpoint
	Dialer               connection.Dialer
	Clock                clock.Clock
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DebounceWindow       time.Duration
	ExecutionTimeout     time.Duration
	Differ               docsync.Differ
	Metrics              *metrics.Recorder
	Logger               *zap.Logger
}

// Session is one participant's live view of a room.
type Session struct {
	endpoint   connection.Endpoint
	logger     *zap.Logger
	metrics    *metrics.Recorder
	clock      clock.Clock
	dispatcher *events.Dispatcher
	manager    *connection.Manager
	engine     *docsync.Engine
	presence   *presence.Tracker
	runs       *execution.Coordinator

	mu       sync.Mutex
	roomName string
}

// New validates cfg and assembles an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, newServiceError(opSessionNew, "missing_dialer", errMissingDialer)
	}
	if cfg.Endpoint.URL() == "" {
		return nil, newServiceError(opSessionNew, "missing_endpoint", errMissingEndpoint)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	differ := cfg.Differ
	if differ == nil {
		differ = docsync.NewPatchDiffer()
	}

	session := &Session{
		endpoint:   cfg.Endpoint,
		logger:     logger.With(zap.String("room_id", cfg.Endpoint.RoomID()), zap.String("user_id", cfg.Endpoint.UserID())),
		metrics:    cfg.Metrics,
		clock:      clk,
		dispatcher: events.NewDispatcher(),
	}
	publisher := instrumentedPublisher{next: session.dispatcher, metrics: cfg.Metrics}
	outbound := outboundAdapter{session: session}

	engine, err := docsync.NewEngine(docsync.Config{
		Differ:         differ,
		Sender:         outbound,
		Clock:          clk,
		DebounceWindow: cfg.DebounceWindow,
		Publisher:      publisher,
		Logger:         session.logger.Named("docsync"),
		LocalUserID:    cfg.Endpoint.UserID(),
	})
	if err != nil {
		return nil, newServiceError(opSessionNew, "engine_init_failed", err)
	}
	session.engine = engine

	session.presence = presence.NewTracker(presence.Config{
		LocalUserID: cfg.Endpoint.UserID(),
		Publisher:   publisher,
		Clock:       clk,
		Logger:      session.logger.Named("presence"),
	})

	runs, err := execution.NewCoordinator(execution.Config{
		Sender:    outbound,
		Clock:     clk,
		Timeout:   cfg.ExecutionTimeout,
		Publisher: publisher,
		Logger:    session.logger.Named("execution"),
	})
	if err != nil {
		return nil, newServiceError(opSessionNew, "execution_init_failed", err)
	}
	session.runs = runs

	manager, err := connection.NewManager(connection.Config{
		Endpoint:       cfg.Endpoint,
		Dialer:         cfg.Dialer,
		Listener:       inboundRouter{session: session},
		Clock:          clk,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxReconnectAttempts,
		Logger:         session.logger.Named("connection"),
	})
	if err != nil {
		return nil, newServiceError(opSessionNew, "connection_init_failed", err)
	}
	session.manager = manager
	return session, nil
}

// Start opens the connection. Dial failures are retried in the background.
func (s *Session) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		s.logError(opStart, "connection_start_failed", err)
		return newServiceError(opStart, "connection_start_failed", err)
	}
	return nil
}

// Close sends any pending local edit and shuts the connection down.
func (s *Session) Close() {
	s.engine.Flush()
	s.manager.Close()
}

// Reconnect drops the current transport and dials again, cancelling any scheduled retry.
func (s *Session) Reconnect() error {
	if err := s.manager.Reconnect(); err != nil {
		return newServiceError(opReconnect, "reconnect_failed", err)
	}
	return nil
}

// LocalTextChanged reports the full local document text after an edit.
func (s *Session) LocalTextChanged(text string) {
	s.engine.LocalChange(text)
}

// LocalCursorMoved broadcasts the local cursor. It reports whether the message was sent.
func (s *Session) LocalCursorMoved(position protocol.Position, selection *protocol.Selection) (bool, error) {
	if position.Line < 1 || position.Column < 1 {
		return false, newServiceError(opCursor, "invalid_position", ErrInvalidCursor)
	}
	return s.send(protocol.TypeCursor, protocol.CursorRequest{Position: position, Selection: selection}), nil
}

// Run executes the current document with the given stdin.
func (s *Session) Run(input string) (execution.PendingRun, error) {
	document := s.engine.Snapshot()
	run, err := s.runs.Run(document.Code, document.Language, input)
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrRunPending):
			return execution.PendingRun{}, newServiceError(opRun, "run_pending", err)
		case errors.Is(err, execution.ErrNotConnected):
			return execution.PendingRun{}, newServiceError(opRun, "not_connected", err)
		default:
			return execution.PendingRun{}, newServiceError(opRun, "rejected", err)
		}
	}
	return run, nil
}

// Subscribe streams events until ctx is done or cleanup is called.
func (s *Session) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return s.dispatcher.Subscribe(ctx)
}

// State returns the connection state machine view.
func (s *Session) State() connection.Status {
	return s.manager.Status()
}

// Document returns the local document.
func (s *Session) Document() docsync.RoomSnapshot {
	return s.engine.Snapshot()
}

// Synced reports whether the document reflects a snapshot received on the current transport.
func (s *Session) Synced() bool {
	return s.engine.Synced()
}

// Participants returns a copy of the remote participants.
func (s *Session) Participants() []protocol.Participant {
	return s.presence.Participants()
}

// Cursors returns the remote participants that currently have a cursor.
func (s *Session) Cursors() []protocol.Participant {
	return s.presence.Cursors()
}

// Running reports whether a run is pending.
func (s *Session) Running() bool {
	return s.runs.Running()
}

// Endpoint returns the room endpoint.
func (s *Session) Endpoint() connection.Endpoint {
	return s.endpoint
}

// RoomName returns the display name the server reported for the room, if any.
func (s *Session) RoomName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomName
}

func (s *Session) send(messageType protocol.MessageType, payload any) bool {
	delivered := s.manager.Send(messageType, payload)
	s.metrics.MessageSent(string(messageType), delivered)
	return delivered
}

func (s *Session) requestResync() {
	if !s.send(protocol.TypeSync, protocol.SyncRequest{}) {
		s.logger.Debug("resync request dropped; the next connection delivers a snapshot")
	}
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session error", attrs...)
}

type outboundAdapter struct {
	session *Session
}

func (o outboundAdapter) SendDiff(patch string, baseVersion int64) bool {
	return o.session.send(protocol.TypeDiff, protocol.DiffRequest{Diff: patch, Version: baseVersion})
}

func (o outboundAdapter) SendRun(request protocol.RunRequest) bool {
	return o.session.send(protocol.TypeRun, request)
}
