package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestEventStreamEmitsSessionEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	session := &stubSession{stream: make(chan events.Event, 4)}
	handler, err := NewHTTPHandler(Dependencies{
		Session:           session,
		Logger:            zap.NewExample(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	streamResp, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	session.stream <- events.Event{
		Kind:      events.KindPatchApplied,
		Timestamp: time.UnixMilli(1700000000000),
		UserID:    "peer",
		Document:  events.Document{Code: "hello world", Version: 4, Language: "python"},
	}

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != string(events.KindPatchApplied) {
				continue
			}
			var payload streamEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Document == nil || payload.Document.Code != "hello world" || payload.Document.Version != 4 {
				t.Fatalf("unexpected document payload %#v", payload.Document)
			}
			if payload.UserID != "peer" || payload.Timestamp != 1700000000000 {
				t.Fatalf("unexpected event metadata %#v", payload)
			}
			return
		}
	}
}

func TestToStreamPayloadSelectsFieldsByKind(t *testing.T) {
	joined := toStreamPayload(events.Event{
		Kind:         events.KindParticipantJoined,
		Participant:  protocol.Participant{UserID: "peer", Username: "Guest_1"},
		Participants: []protocol.Participant{{UserID: "peer", Username: "Guest_1"}},
	})
	if joined.Participant == nil || joined.Participant.UserID != "peer" || len(joined.Participants) != 1 || joined.Document != nil {
		t.Fatalf("unexpected join payload %#v", joined)
	}

	completed := toStreamPayload(events.Event{
		Kind: events.KindRunCompleted,
		Run:  events.RunResult{RunID: "run-1", Output: "3\n", Duration: 1500 * time.Millisecond},
	})
	if completed.Run == nil || completed.Run.DurationMS != 1500 || completed.Run.Output != "3\n" {
		t.Fatalf("unexpected run payload %#v", completed.Run)
	}

	disconnected := toStreamPayload(events.Event{Kind: events.KindDisconnected, Err: errors.New("read: EOF")})
	if disconnected.Error != "read: EOF" || disconnected.Run != nil {
		t.Fatalf("unexpected disconnect payload %#v", disconnected)
	}
}
