package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType enumerates the envelope tags exchanged with the room server.
type MessageType string

const (
	// TypeRoomState carries the server's view of the room on admission.
	TypeRoomState MessageType = "room_state"
	// TypeSync carries a full document snapshot. Also sent by the client to request one.
	TypeSync MessageType = "sync"
	// TypeUsersUpdate replaces the participant list.
	TypeUsersUpdate MessageType = "users_update"
	// TypeUserJoined announces a single participant.
	TypeUserJoined MessageType = "user_joined"
	// TypeUserLeft removes a single participant.
	TypeUserLeft MessageType = "user_left"
	// TypeCursor updates one participant's cursor and selection.
	TypeCursor MessageType = "cursor"
	// TypeDiff carries an incremental document change.
	TypeDiff MessageType = "diff"
	// TypeExecutionResult completes a run request.
	TypeExecutionResult MessageType = "execution_result"
	// TypeAck confirms a previously sent diff.
	TypeAck MessageType = "ack"
	// TypeError reports a server-side handling failure.
	TypeError MessageType = "error"
	// TypeRun requests remote execution of the shared document.
	TypeRun MessageType = "run"
)

var (
	// ErrInvalidEnvelope indicates that the wire bytes are not a well formed envelope.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	// ErrInvalidPayload indicates that the payload does not match the structure required by its type.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// DecodeError describes why an inbound message was rejected.
type DecodeError struct {
	messageType MessageType
	reason      string
	err         error
}

func (e *DecodeError) Error() string {
	if e.messageType == "" {
		return fmt.Sprintf("%v: %s", e.err, e.reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.err, e.messageType, e.reason)
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

// MessageType returns the tag of the rejected message, empty when the tag itself was unreadable.
func (e *DecodeError) MessageType() MessageType {
	return e.messageType
}

// Reason returns a short machine-readable reason.
func (e *DecodeError) Reason() string {
	return e.reason
}

func envelopeError(reason string) error {
	return &DecodeError{reason: reason, err: ErrInvalidEnvelope}
}

func payloadError(messageType MessageType, reason string) error {
	return &DecodeError{messageType: messageType, reason: reason, err: ErrInvalidPayload}
}

// Envelope is an immutable decoded protocol message.
type Envelope struct {
	messageType MessageType
	payload     any
	raw         json.RawMessage
	timestamp   time.Time
}

// Type returns the envelope tag.
func (envelope Envelope) Type() MessageType {
	return envelope.messageType
}

// Payload returns the typed payload. Unknown tags yield a json.RawMessage.
func (envelope Envelope) Payload() any {
	return envelope.payload
}

// Raw returns a copy of the undecoded payload bytes.
func (envelope Envelope) Raw() json.RawMessage {
	return append(json.RawMessage(nil), envelope.raw...)
}

// Timestamp returns the sender's timestamp, zero when absent.
func (envelope Envelope) Timestamp() time.Time {
	return envelope.timestamp
}

// Known reports whether the tag belongs to the closed set handled by the client core.
func (envelope Envelope) Known() bool {
	_, ok := payloadDecoders[envelope.messageType]
	return ok
}

type wireEnvelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Server timestamps come from naive datetime.isoformat() values and usually lack a zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// Decode parses wire bytes into an Envelope.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Envelope{}, envelopeError("empty message")
	}

	var wire wireEnvelope
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Envelope{}, envelopeError("malformed json")
	}
	messageType := MessageType(strings.TrimSpace(string(wire.Type)))
	if messageType == "" {
		return Envelope{}, envelopeError("missing type")
	}

	timestamp, ok := parseTimestamp(wire.Timestamp)
	if !ok {
		return Envelope{}, &DecodeError{messageType: messageType, reason: "invalid timestamp", err: ErrInvalidEnvelope}
	}

	raw := wire.Payload
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}

	decoder, known := payloadDecoders[messageType]
	if !known {
		return Envelope{
			messageType: messageType,
			payload:     append(json.RawMessage(nil), raw...),
			raw:         raw,
			timestamp:   timestamp,
		}, nil
	}

	if raw[0] != '{' {
		return Envelope{}, payloadError(messageType, "payload is not an object")
	}
	payload, err := decoder(messageType, raw)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		messageType: messageType,
		payload:     payload,
		raw:         raw,
		timestamp:   timestamp,
	}, nil
}

// Encoder produces wire bytes stamped by the injected clock.
type Encoder struct {
	clock func() time.Time
}

// NewEncoder constructs an Encoder. A nil clock defaults to time.Now.
func NewEncoder(clock func() time.Time) *Encoder {
	if clock == nil {
		clock = time.Now
	}
	return &Encoder{clock: clock}
}

// Encode serializes the payload inside an envelope of the given type.
func (encoder *Encoder) Encode(messageType MessageType, payload any) ([]byte, error) {
	if strings.TrimSpace(string(messageType)) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.Marshal(wireEnvelope{
		Type:      messageType,
		Payload:   body,
		Timestamp: encoder.clock().UTC().Format(time.RFC3339Nano),
	})
}
