package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSource           = "codestream-client"
)

type streamEventPayload struct {
	Source       string                 `json:"source"`
	Timestamp    int64                  `json:"timestamp_ms"`
	UserID       string                 `json:"user_id,omitempty"`
	Document     *documentEventPayload  `json:"document,omitempty"`
	Participant  *protocol.Participant  `json:"participant,omitempty"`
	Participants []protocol.Participant `json:"participants,omitempty"`
	Cursors      []protocol.Participant `json:"cursors,omitempty"`
	Run          *runEventPayload       `json:"run,omitempty"`
	MessageType  string                 `json:"message_type,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

type documentEventPayload struct {
	Code     string `json:"code"`
	Version  int64  `json:"version"`
	Language string `json:"language"`
}

type runEventPayload struct {
	RunID      string `json:"run_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Aborted    bool   `json:"aborted,omitempty"`
}

// handleEvents streams session events as server-sent events until the client goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.session.Subscribe(c.Request.Context())
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("remote", c.ClientIP()))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), toStreamPayload(event))
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, streamEventPayload{Source: realtimeSource, Timestamp: tick.UnixMilli()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("remote", c.ClientIP()))
}

func toStreamPayload(event events.Event) streamEventPayload {
	payload := streamEventPayload{
		Source:    realtimeSource,
		Timestamp: event.Timestamp.UnixMilli(),
		UserID:    event.UserID,
	}
	switch event.Kind {
	case events.KindDocumentReplaced, events.KindPatchApplied, events.KindResyncRequired:
		payload.Document = &documentEventPayload{
			Code:     event.Document.Code,
			Version:  event.Document.Version,
			Language: event.Document.Language,
		}
	case events.KindParticipantJoined, events.KindParticipantLeft:
		participant := event.Participant
		payload.Participant = &participant
		payload.Participants = event.Participants
	case events.KindParticipantsChanged:
		payload.Participants = event.Participants
	case events.KindCursorsChanged:
		payload.Cursors = event.Cursors
	case events.KindRunStarted, events.KindRunCompleted:
		payload.Run = &runEventPayload{
			RunID:      event.Run.RunID,
			Output:     event.Run.Output,
			Error:      event.Run.Error,
			DurationMS: event.Run.Duration.Milliseconds(),
			TimedOut:   event.Run.TimedOut,
			Aborted:    event.Run.Aborted,
		}
	case events.KindMessage:
		payload.MessageType = string(event.Message.Type())
	}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}
	return payload
}
