package session

import (
	"errors"

	"github.com/MarcoPoloResearchLab/codestream/internal/docsync"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/metrics"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"go.uber.org/zap"
)

// inboundRouter receives connection callbacks, which the manager serializes.
type inboundRouter struct {
	session *Session
}

func (r inboundRouter) HandleConnected() {
	s := r.session
	s.engine.MarkUnsynchronized()
	s.metrics.Connected()
	s.dispatcher.Publish(events.Event{Kind: events.KindConnected, Timestamp: s.clock.Now()})
}

func (r inboundRouter) HandleDisconnected(cause error) {
	s := r.session
	s.engine.MarkUnsynchronized()
	s.presence.Clear()
	s.runs.Abort(cause)
	s.metrics.Disconnected()
	s.dispatcher.Publish(events.Event{Kind: events.KindDisconnected, Timestamp: s.clock.Now(), Err: cause})
}

func (r inboundRouter) HandleGiveUp(attempts int) {
	s := r.session
	s.metrics.GaveUp()
	s.logger.Error("reconnect budget exhausted", zap.Int("attempts", attempts))
	s.dispatcher.Publish(events.Event{Kind: events.KindGaveUp, Timestamp: s.clock.Now()})
}

func (r inboundRouter) HandleDecodeError(err error) {
	r.session.metrics.DecodeError()
}

func (r inboundRouter) HandleMessage(envelope protocol.Envelope) {
	s := r.session
	s.metrics.MessageReceived(string(envelope.Type()))

	switch payload := envelope.Payload().(type) {
	case protocol.SnapshotPayload:
		s.applySnapshot(envelope.Type(), payload)
	case protocol.UsersUpdatePayload:
		s.presence.ReplaceAll(payload.Participants)
	case protocol.UserJoinedPayload:
		s.presence.Join(payload.Participant)
	case protocol.UserLeftPayload:
		s.presence.Leave(payload.UserID)
	case protocol.CursorPayload:
		s.presence.UpdateCursor(payload)
	case protocol.DiffPayload:
		s.applyRemoteDiff(payload)
	case protocol.ExecutionResultPayload:
		s.runs.Complete(payload)
	case protocol.AckPayload:
		if s.engine.Acknowledge(payload.Version) {
			s.metrics.DocumentVersion(payload.Version)
		}
	case protocol.ErrorPayload:
		s.logger.Warn("server reported error", zap.String("message", payload.Message))
		s.dispatcher.Publish(events.Event{Kind: events.KindMessage, Timestamp: envelope.Timestamp(), Message: envelope})
	default:
		s.logger.Debug("passing through unrecognized message", zap.String("type", string(envelope.Type())))
		s.dispatcher.Publish(events.Event{Kind: events.KindMessage, Timestamp: envelope.Timestamp(), Message: envelope})
	}
}

// applySnapshot seeds the document only when the snapshot carries code; a bare
// room_state contributes presence.
func (s *Session) applySnapshot(messageType protocol.MessageType, snapshot protocol.SnapshotPayload) {
	if snapshot.Name != "" {
		s.mu.Lock()
		s.roomName = snapshot.Name
		s.mu.Unlock()
	}
	if snapshot.HasUsers {
		s.presence.ReplaceAll(snapshot.Participants)
	}
	if !snapshot.HasCode {
		s.logger.Debug("snapshot without code does not establish a baseline", zap.String("type", string(messageType)))
		return
	}
	s.engine.ApplySnapshot(snapshot.Code, snapshot.Version, snapshot.Language)
	s.logger.Info("document synchronized",
		zap.Int64("version", snapshot.Version),
		zap.String("language", snapshot.Language),
		zap.Int("code_bytes", len(snapshot.Code)))
}

func (s *Session) applyRemoteDiff(diff protocol.DiffPayload) {
	outcome, err := s.engine.ApplyRemote(diff)
	switch {
	case err == nil:
		if outcome == docsync.RemoteEcho {
			s.metrics.DocumentVersion(diff.Version)
		}
	case errors.Is(err, docsync.ErrNotSynchronized), errors.Is(err, docsync.ErrResyncPending):
		s.logger.Debug("diff ignored until next snapshot", zap.Int64("version", diff.Version), zap.Error(err))
	default:
		s.metrics.PatchRejected()
		s.logError(opRemoteDiff, "patch_rejected", err,
			zap.Int64("version", diff.Version),
			zap.String("author", diff.UserID))
		s.requestResync()
	}
}

// instrumentedPublisher forwards events and keeps state gauges current.
type instrumentedPublisher struct {
	next    events.Publisher
	metrics *metrics.Recorder
}

func (p instrumentedPublisher) Publish(event events.Event) {
	switch event.Kind {
	case events.KindDocumentReplaced, events.KindPatchApplied:
		p.metrics.DocumentVersion(event.Document.Version)
	case events.KindParticipantsChanged, events.KindParticipantJoined, events.KindParticipantLeft:
		p.metrics.Participants(len(event.Participants))
	case events.KindRunCompleted:
		p.metrics.RunCompleted(event.Run)
	}
	p.next.Publish(event)
}
