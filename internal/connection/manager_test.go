package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
)

var (
	errTransportClosed = errors.New("fake transport closed")
	errDialRefused     = errors.New("dial refused")
)

type fakeTransport struct {
	incoming  chan []byte
	failures  chan error
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 16),
		failures: make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case err := <-t.failures:
		return nil, err
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.written = append(t.written, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

type fakeDialer struct {
	mu         sync.Mutex
	succeed    bool
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, _ Endpoint) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if !d.succeed {
		return nil, errDialRefused
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) setSucceed(succeed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.succeed = succeed
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

type listenerEvent struct {
	kind     string
	envelope protocol.Envelope
	err      error
	attempts int
}

type recordingListener struct {
	events chan listenerEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan listenerEvent, 64)}
}

func (l *recordingListener) HandleConnected() {
	l.events <- listenerEvent{kind: "connected"}
}

func (l *recordingListener) HandleDisconnected(cause error) {
	l.events <- listenerEvent{kind: "disconnected", err: cause}
}

func (l *recordingListener) HandleMessage(envelope protocol.Envelope) {
	l.events <- listenerEvent{kind: "message", envelope: envelope}
}

func (l *recordingListener) HandleDecodeError(err error) {
	l.events <- listenerEvent{kind: "decode_error", err: err}
}

func (l *recordingListener) HandleGiveUp(attempts int) {
	l.events <- listenerEvent{kind: "gave_up", attempts: attempts}
}

func (l *recordingListener) next(t *testing.T) listenerEvent {
	t.Helper()
	select {
	case event := <-l.events:
		return event
	case <-time.After(time.Second):
		t.Fatalf("expected listener event within deadline")
		return listenerEvent{}
	}
}

func (l *recordingListener) expect(t *testing.T, kind string) listenerEvent {
	t.Helper()
	event := l.next(t)
	if event.kind != kind {
		t.Fatalf("expected %s event, got %s (%v)", kind, event.kind, event.err)
	}
	return event
}

func (l *recordingListener) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case event := <-l.events:
		t.Fatalf("unexpected listener event %s", event.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type managerFixture struct {
	manager  *Manager
	dialer   *fakeDialer
	listener *recordingListener
	clock    *clock.Fake
}

func newManagerFixture(t *testing.T, maxAttempts int, succeed bool) managerFixture {
	t.Helper()
	endpoint, err := NewEndpoint("ws://rooms.test", "room-1", "user-1", "Coder_7")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	dialer := &fakeDialer{succeed: succeed}
	listener := newRecordingListener()
	fake := clock.NewFake(time.Unix(1700000000, 0))
	manager, err := NewManager(Config{
		Endpoint:       endpoint,
		Dialer:         dialer,
		Listener:       listener,
		Clock:          fake,
		ReconnectDelay: 3 * time.Second,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return managerFixture{manager: manager, dialer: dialer, listener: listener, clock: fake}
}

func TestNewManagerValidatesConfig(t *testing.T) {
	endpoint, err := NewEndpoint("ws://rooms.test", "room", "user", "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if _, err := NewManager(Config{Endpoint: endpoint, Listener: newRecordingListener()}); !errors.Is(err, errMissingDialer) {
		t.Fatalf("expected missing dialer, got %v", err)
	}
	if _, err := NewManager(Config{Endpoint: endpoint, Dialer: &fakeDialer{}}); !errors.Is(err, errMissingListener) {
		t.Fatalf("expected missing listener, got %v", err)
	}
	if _, err := NewManager(Config{Dialer: &fakeDialer{}, Listener: newRecordingListener()}); !errors.Is(err, errMissingEndpoint) {
		t.Fatalf("expected missing endpoint, got %v", err)
	}
}

func TestManagerRoutesMessagesInOrderAndSkipsMalformed(t *testing.T) {
	fixture := newManagerFixture(t, 3, true)
	if status := fixture.manager.Status(); status.State != StateIdle {
		t.Fatalf("expected idle before start, got %s", status.State)
	}
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.listener.expect(t, "connected")
	if status := fixture.manager.Status(); status.State != StateOpen || status.Attempts != 0 {
		t.Fatalf("unexpected status %#v", status)
	}

	transport := fixture.dialer.latest()
	transport.incoming <- []byte(`{"type":"ack","payload":{"version":2}}`)
	transport.incoming <- []byte(`{"type":"ack","payload":{}}`)
	transport.incoming <- []byte(`not json`)
	transport.incoming <- []byte(`{"type":"ack","payload":{"version":3}}`)

	first := fixture.listener.expect(t, "message")
	if ack := first.envelope.Payload().(protocol.AckPayload); ack.Version != 2 {
		t.Fatalf("expected version 2 first, got %d", ack.Version)
	}
	missing := fixture.listener.expect(t, "decode_error")
	if !errors.Is(missing.err, protocol.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", missing.err)
	}
	malformed := fixture.listener.expect(t, "decode_error")
	if !errors.Is(malformed.err, protocol.ErrInvalidEnvelope) {
		t.Fatalf("expected invalid envelope, got %v", malformed.err)
	}
	last := fixture.listener.expect(t, "message")
	if ack := last.envelope.Payload().(protocol.AckPayload); ack.Version != 3 {
		t.Fatalf("expected version 3 last, got %d", ack.Version)
	}
	if fixture.manager.Status().State != StateOpen {
		t.Fatalf("malformed messages must not close the connection")
	}
}

func TestManagerSendWritesEnvelopeOnlyWhenOpen(t *testing.T) {
	fixture := newManagerFixture(t, 3, true)
	if fixture.manager.Send(protocol.TypeSync, protocol.SyncRequest{}) {
		t.Fatalf("send must be dropped while idle")
	}
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.listener.expect(t, "connected")

	if !fixture.manager.Send(protocol.TypeDiff, protocol.DiffRequest{Diff: "@@ -1 +1 @@", Version: 4}) {
		t.Fatalf("expected send to succeed while open")
	}
	writes := fixture.dialer.latest().writes()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writes))
	}
	var wire struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(writes[0], &wire); err != nil {
		t.Fatalf("decode write: %v", err)
	}
	if wire.Type != "diff" || wire.Timestamp == "" {
		t.Fatalf("unexpected envelope %s", writes[0])
	}

	fixture.dialer.latest().failures <- errors.New("reset by peer")
	fixture.listener.expect(t, "disconnected")
	if fixture.manager.Send(protocol.TypeSync, protocol.SyncRequest{}) {
		t.Fatalf("send must be dropped while closed")
	}
}

func TestManagerGivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	fixture := newManagerFixture(t, 3, false)
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	status := fixture.manager.Status()
	if status.State != StateClosed || status.Attempts != 1 || fixture.clock.Pending() != 1 {
		t.Fatalf("expected Closed(1) with one pending retry, got %#v pending=%d", status, fixture.clock.Pending())
	}

	fixture.clock.Advance(3 * time.Second)
	if status := fixture.manager.Status(); status.Attempts != 2 || fixture.clock.Pending() != 1 {
		t.Fatalf("expected Closed(2) with one pending retry, got %#v", status)
	}

	fixture.clock.Advance(3 * time.Second)
	status = fixture.manager.Status()
	if status.Attempts != 3 || !status.GaveUp {
		t.Fatalf("expected to give up at Closed(3), got %#v", status)
	}
	if fixture.clock.Pending() != 0 {
		t.Fatalf("no retry may be scheduled after giving up")
	}
	gaveUp := fixture.listener.expect(t, "gave_up")
	if gaveUp.attempts != 3 {
		t.Fatalf("expected give up after 3 attempts, got %d", gaveUp.attempts)
	}

	fixture.clock.Advance(time.Minute)
	if fixture.dialer.dialCount() != 3 {
		t.Fatalf("expected exactly 3 dials, got %d", fixture.dialer.dialCount())
	}
	fixture.listener.expectQuiet(t)
}

func TestManagerReconnectsAfterDropAndResetsAttempts(t *testing.T) {
	fixture := newManagerFixture(t, 5, true)
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.listener.expect(t, "connected")
	first := fixture.dialer.latest()

	fixture.dialer.setSucceed(false)
	first.failures <- errors.New("server went away")
	fixture.listener.expect(t, "disconnected")
	if !first.isClosed() {
		t.Fatalf("failed transport must be closed")
	}

	fixture.clock.Advance(3 * time.Second)
	if status := fixture.manager.Status(); status.State != StateClosed || status.Attempts != 2 {
		t.Fatalf("expected Closed(2), got %#v", status)
	}

	fixture.dialer.setSucceed(true)
	fixture.clock.Advance(3 * time.Second)
	fixture.listener.expect(t, "connected")
	if status := fixture.manager.Status(); status.State != StateOpen || status.Attempts != 0 {
		t.Fatalf("expected Open with reset attempts, got %#v", status)
	}

	first.incoming <- []byte(`{"type":"ack","payload":{"version":9}}`)
	fixture.listener.expectQuiet(t)
}

func TestManagerManualReconnectCancelsPendingRetry(t *testing.T) {
	fixture := newManagerFixture(t, 5, false)
	if err := fixture.manager.Reconnect(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fixture.clock.Pending() != 1 {
		t.Fatalf("expected one scheduled retry")
	}

	fixture.dialer.setSucceed(true)
	if err := fixture.manager.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	fixture.listener.expect(t, "connected")
	if fixture.clock.Pending() != 0 {
		t.Fatalf("manual reconnect must cancel the scheduled retry")
	}

	fixture.clock.Advance(10 * time.Second)
	if fixture.dialer.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", fixture.dialer.dialCount())
	}

	previous := fixture.dialer.latest()
	if err := fixture.manager.Reconnect(); err != nil {
		t.Fatalf("second reconnect: %v", err)
	}
	disconnected := fixture.listener.expect(t, "disconnected")
	if !errors.Is(disconnected.err, ErrManualReconnect) {
		t.Fatalf("expected manual reconnect cause, got %v", disconnected.err)
	}
	fixture.listener.expect(t, "connected")
	if !previous.isClosed() {
		t.Fatalf("previous transport must be closed on manual reconnect")
	}
}

func TestManagerCloseStopsEverything(t *testing.T) {
	fixture := newManagerFixture(t, 5, false)
	if err := fixture.manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.manager.Close()
	fixture.manager.Close()

	if fixture.clock.Pending() != 0 {
		t.Fatalf("close must cancel the scheduled retry")
	}
	fixture.clock.Advance(time.Minute)
	if fixture.dialer.dialCount() != 1 {
		t.Fatalf("expected no dials after close, got %d", fixture.dialer.dialCount())
	}
	if err := fixture.manager.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := fixture.manager.Reconnect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !fixture.manager.Status().Shutdown {
		t.Fatalf("expected shutdown status")
	}
}

func TestManagerClosesWhenContextIsCancelled(t *testing.T) {
	fixture := newManagerFixture(t, 5, true)
	ctx, cancel := context.WithCancel(context.Background())
	if err := fixture.manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	fixture.listener.expect(t, "connected")
	cancel()
	disconnected := fixture.listener.expect(t, "disconnected")
	if !errors.Is(disconnected.err, ErrClosed) {
		t.Fatalf("expected ErrClosed cause, got %v", disconnected.err)
	}
	if err := fixture.manager.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after cancellation, got %v", err)
	}
}
