package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/codestream/internal/connection"
	"github.com/MarcoPoloResearchLab/codestream/internal/docsync"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/execution"
	"github.com/MarcoPoloResearchLab/codestream/internal/metrics"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/gin-gonic/gin"
)

type stubSession struct {
	mu           sync.Mutex
	status       connection.Status
	document     docsync.RoomSnapshot
	synced       bool
	roomName     string
	participants []protocol.Participant
	cursors      []protocol.Participant
	running      bool
	runErr       error
	runInputs    []string
	reconnectErr error
	reconnects   int
	stream       chan events.Event
}

func (s *stubSession) State() connection.Status { return s.status }
func (s *stubSession) Document() docsync.RoomSnapshot { return s.document }
func (s *stubSession) Synced() bool { return s.synced }
func (s *stubSession) RoomName() string { return s.roomName }
func (s *stubSession) Participants() []protocol.Participant { return s.participants }
func (s *stubSession) Cursors() []protocol.Participant { return s.cursors }
func (s *stubSession) Running() bool { return s.running }

func (s *stubSession) Run(input string) (execution.PendingRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return execution.PendingRun{}, s.runErr
	}
	s.runInputs = append(s.runInputs, input)
	return execution.PendingRun{ID: fmt.Sprintf("run-%d", len(s.runInputs)), Language: s.document.Language, Input: input}, nil
}

func (s *stubSession) Reconnect() error {
	s.reconnects++
	return s.reconnectErr
}

func (s *stubSession) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	if s.stream == nil {
		s.stream = make(chan events.Event, 8)
	}
	return s.stream, func() {}
}

type codedTestError struct{ code string }

func (e codedTestError) Error() string { return e.code }
func (e codedTestError) Code() string { return e.code }
func (e codedTestError) Unwrap() error { return execution.ErrRunPending }

func newTestHandler(testContext *testing.T, session Session, recorder *metrics.Recorder) http.Handler {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{Session: session, Metrics: recorder})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func TestNewHTTPHandlerRequiresSession(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSession) {
		testContext.Fatalf("expected errMissingSession, got %v", err)
	}
}

func TestHandleStatusReportsConnectionAndDocument(testContext *testing.T) {
	session := &stubSession{
		status:   connection.Status{State: connection.StateOpen, Attempts: 0},
		document: docsync.RoomSnapshot{Code: "print(1)", Version: 7, Language: "python"},
		synced:   true,
		roomName: "Pairing",
		running:  true,
	}
	handler := newTestHandler(testContext, session, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload statusResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	expected := statusResponsePayload{State: "open", Synced: true, Room: "Pairing", Version: 7, Running: true}
	if payload != expected {
		testContext.Fatalf("unexpected status payload %#v", payload)
	}
}

func TestHandleDocumentAndParticipants(testContext *testing.T) {
	cursor := &protocol.Position{Line: 2, Column: 4}
	session := &stubSession{
		document: docsync.RoomSnapshot{Code: "x = 1", Version: 3, Language: "python"},
		synced:   true,
		participants: []protocol.Participant{
			{UserID: "peer", Username: "Guest_1", Color: "#ff0000", Cursor: cursor},
		},
		cursors: []protocol.Participant{
			{UserID: "peer", Username: "Guest_1", Color: "#ff0000", Cursor: cursor},
		},
	}
	handler := newTestHandler(testContext, session, nil)

	documentRecorder := httptest.NewRecorder()
	handler.ServeHTTP(documentRecorder, httptest.NewRequest(http.MethodGet, "/document", http.NoBody))
	var document documentResponsePayload
	if err := json.Unmarshal(documentRecorder.Body.Bytes(), &document); err != nil {
		testContext.Fatalf("failed to decode document: %v", err)
	}
	if document.Code != "x = 1" || document.Version != 3 || !document.Synced {
		testContext.Fatalf("unexpected document payload %#v", document)
	}

	participantsRecorder := httptest.NewRecorder()
	handler.ServeHTTP(participantsRecorder, httptest.NewRequest(http.MethodGet, "/participants", http.NoBody))
	var participants participantsResponsePayload
	if err := json.Unmarshal(participantsRecorder.Body.Bytes(), &participants); err != nil {
		testContext.Fatalf("failed to decode participants: %v", err)
	}
	if len(participants.Participants) != 1 || len(participants.Cursors) != 1 {
		testContext.Fatalf("unexpected participants payload %#v", participants)
	}
	if participants.Cursors[0].Cursor == nil || participants.Cursors[0].Cursor.Line != 2 {
		testContext.Fatalf("expected cursor to be serialized, got %#v", participants.Cursors[0])
	}
}

func TestHandleParticipantsEmptyListsAreArrays(testContext *testing.T) {
	handler := newTestHandler(testContext, &stubSession{}, nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/participants", http.NoBody))
	if body := strings.TrimSpace(recorder.Body.String()); body != `{"participants":[],"cursors":[]}` {
		testContext.Fatalf("unexpected body %s", body)
	}
}

func TestHandleRunSubmitsInput(testContext *testing.T) {
	session := &stubSession{document: docsync.RoomSnapshot{Language: "javascript"}}
	handler := newTestHandler(testContext, session, nil)

	request := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{"input":"42\n"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		testContext.Fatalf("expected status 202, got %d", recorder.Code)
	}
	var payload runResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode run response: %v", err)
	}
	if payload.RunID != "run-1" || payload.Language != "javascript" {
		testContext.Fatalf("unexpected run payload %#v", payload)
	}
	if len(session.runInputs) != 1 || session.runInputs[0] != "42\n" {
		testContext.Fatalf("expected input to reach the session, got %#v", session.runInputs)
	}

	emptyRecorder := httptest.NewRecorder()
	handler.ServeHTTP(emptyRecorder, httptest.NewRequest(http.MethodPost, "/run", http.NoBody))
	if emptyRecorder.Code != http.StatusAccepted {
		testContext.Fatalf("expected empty body to run without input, got %d", emptyRecorder.Code)
	}
}

func TestHandleRunIncludesServiceErrorCode(testContext *testing.T) {
	session := &stubSession{runErr: codedTestError{code: "session.run.run_pending"}}
	handler := newTestHandler(testContext, session, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/run", http.NoBody))
	if recorder.Code != http.StatusConflict {
		testContext.Fatalf("expected status 409, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "session.run.run_pending") {
		testContext.Fatalf("expected error code in body, got %s", recorder.Body.String())
	}

	malformed := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{"input":`))
	malformed.Header.Set("Content-Type", "application/json")
	malformedRecorder := httptest.NewRecorder()
	handler.ServeHTTP(malformedRecorder, malformed)
	if malformedRecorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected status 400, got %d", malformedRecorder.Code)
	}
}

func TestHandleReconnect(testContext *testing.T) {
	session := &stubSession{}
	handler := newTestHandler(testContext, session, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/reconnect", http.NoBody))
	if recorder.Code != http.StatusAccepted || session.reconnects != 1 {
		testContext.Fatalf("expected accepted reconnect, got %d after %d calls", recorder.Code, session.reconnects)
	}

	session.reconnectErr = connection.ErrClosed
	failed := httptest.NewRecorder()
	handler.ServeHTTP(failed, httptest.NewRequest(http.MethodPost, "/reconnect", http.NoBody))
	if failed.Code != http.StatusConflict || !strings.Contains(failed.Body.String(), "reconnect_failed") {
		testContext.Fatalf("expected reconnect failure, got %d %s", failed.Code, failed.Body.String())
	}
}

func TestMetricsRouteExposesRecorder(testContext *testing.T) {
	recorder := metrics.NewRecorder()
	recorder.MessageReceived("sync")
	handler := newTestHandler(testContext, &stubSession{}, recorder)

	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if response.Code != http.StatusOK {
		testContext.Fatalf("expected status 200, got %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), "codestream_messages_received_total") {
		testContext.Fatalf("expected message counter in exposition, got %s", response.Body.String())
	}

	withoutMetrics := newTestHandler(testContext, &stubSession{}, nil)
	missing := httptest.NewRecorder()
	withoutMetrics.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if missing.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404 without recorder, got %d", missing.Code)
	}
}
