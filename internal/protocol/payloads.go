package protocol

import (
	"encoding/json"
	"strings"
)

const (
	// DefaultVersion is assumed when a snapshot omits its version.
	DefaultVersion int64 = 1
	// DefaultLanguage is assumed when a snapshot omits its language.
	DefaultLanguage = "python"
	// DefaultColor is assigned to participants the server did not color.
	DefaultColor = "#3B82F6"
)

// Position is a 1-based line/column location in the document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a 1-based range in the document.
type Selection struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// Participant describes a user present in the room.
type Participant struct {
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Color     string     `json:"color"`
	Cursor    *Position  `json:"cursor_position,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// SnapshotPayload is carried by room_state and sync messages.
type SnapshotPayload struct {
	Code         string
	HasCode      bool
	Version      int64
	Language     string
	Name         string
	RoomID       string
	Participants []Participant
	HasUsers     bool
}

// UsersUpdatePayload replaces the participant list.
type UsersUpdatePayload struct {
	Participants []Participant
}

// UserJoinedPayload announces a participant.
type UserJoinedPayload struct {
	Participant Participant
}

// UserLeftPayload names a departed participant.
type UserLeftPayload struct {
	UserID string
}

// CursorPayload updates one participant's cursor. A nil Position clears the cursor.
type CursorPayload struct {
	UserID    string
	Username  string
	Color     string
	Position  *Position
	Selection *Selection
}

// DiffPayload carries a patch produced by another participant and the version it produced.
type DiffPayload struct {
	Patch   string
	UserID  string
	Version int64
}

// ExecutionResultPayload completes a run. ExecutionTime is in seconds.
type ExecutionResultPayload struct {
	Output           string
	Error            string
	ExecutionTime    float64
	HasExecutionTime bool
}

// AckPayload confirms a previously sent diff.
type AckPayload struct {
	Version int64
}

// ErrorPayload is a server-reported failure.
type ErrorPayload struct {
	Message string
}

// DiffRequest is the outbound diff body.
type DiffRequest struct {
	Diff    string `json:"diff"`
	Version int64  `json:"version"`
}

// CursorRequest is the outbound cursor body.
type CursorRequest struct {
	Position  Position   `json:"position"`
	Selection *Selection `json:"selection"`
}

// RunRequest is the outbound execution body.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

// SyncRequest asks the server for a fresh snapshot.
type SyncRequest struct{}

type payloadDecoder func(MessageType, json.RawMessage) (any, error)

var payloadDecoders = map[MessageType]payloadDecoder{
	TypeRoomState:       decodeSnapshot,
	TypeSync:            decodeSnapshot,
	TypeUsersUpdate:     decodeUsersUpdate,
	TypeUserJoined:      decodeUserJoined,
	TypeUserLeft:        decodeUserLeft,
	TypeCursor:          decodeCursor,
	TypeDiff:            decodeDiff,
	TypeExecutionResult: decodeExecutionResult,
	TypeAck:             decodeAck,
	TypeError:           decodeError,
}

type wireParticipant struct {
	UserID         *string    `json:"user_id"`
	Username       *string    `json:"username"`
	Color          *string    `json:"color"`
	CursorPosition *Position  `json:"cursor_position"`
	Selection      *Selection `json:"selection"`
}

func (wire wireParticipant) toParticipant(messageType MessageType) (Participant, error) {
	if wire.UserID == nil || strings.TrimSpace(*wire.UserID) == "" {
		return Participant{}, payloadError(messageType, "participant missing user_id")
	}
	participant := Participant{
		UserID:    *wire.UserID,
		Color:     DefaultColor,
		Cursor:    wire.CursorPosition,
		Selection: wire.Selection,
	}
	if wire.Username != nil {
		participant.Username = *wire.Username
	}
	if wire.Color != nil && strings.TrimSpace(*wire.Color) != "" {
		participant.Color = *wire.Color
	}
	return participant, nil
}

func toParticipants(messageType MessageType, wires []wireParticipant) ([]Participant, error) {
	participants := make([]Participant, 0, len(wires))
	for _, wire := range wires {
		participant, err := wire.toParticipant(messageType)
		if err != nil {
			return nil, err
		}
		participants = append(participants, participant)
	}
	return participants, nil
}

func decodeSnapshot(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Code     *string            `json:"code"`
		Version  *int64             `json:"version"`
		Language *string            `json:"language"`
		Name     *string            `json:"name"`
		RoomID   *string            `json:"room_id"`
		Users    *[]wireParticipant `json:"users"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed snapshot")
	}

	payload := SnapshotPayload{
		Version:  DefaultVersion,
		Language: DefaultLanguage,
	}
	if wire.Code != nil {
		payload.Code = *wire.Code
		payload.HasCode = true
	}
	if wire.Version != nil && *wire.Version > 0 {
		payload.Version = *wire.Version
	}
	if wire.Language != nil && strings.TrimSpace(*wire.Language) != "" {
		payload.Language = *wire.Language
	}
	if wire.Name != nil {
		payload.Name = *wire.Name
	}
	if wire.RoomID != nil {
		payload.RoomID = *wire.RoomID
	}
	if wire.Users != nil {
		participants, err := toParticipants(messageType, *wire.Users)
		if err != nil {
			return nil, err
		}
		payload.Participants = participants
		payload.HasUsers = true
	}
	return payload, nil
}

func decodeUsersUpdate(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Users *[]wireParticipant `json:"users"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed users")
	}
	if wire.Users == nil {
		return nil, payloadError(messageType, "missing users")
	}
	participants, err := toParticipants(messageType, *wire.Users)
	if err != nil {
		return nil, err
	}
	return UsersUpdatePayload{Participants: participants}, nil
}

func decodeUserJoined(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire wireParticipant
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed participant")
	}
	participant, err := wire.toParticipant(messageType)
	if err != nil {
		return nil, err
	}
	return UserJoinedPayload{Participant: participant}, nil
}

func decodeUserLeft(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		UserID *string `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed user_id")
	}
	if wire.UserID == nil || strings.TrimSpace(*wire.UserID) == "" {
		return nil, payloadError(messageType, "missing user_id")
	}
	return UserLeftPayload{UserID: *wire.UserID}, nil
}

func decodeCursor(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		UserID         *string    `json:"user_id"`
		Username       *string    `json:"username"`
		Color          *string    `json:"color"`
		Position       *Position  `json:"position"`
		CursorPosition *Position  `json:"cursor_position"`
		Selection      *Selection `json:"selection"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed cursor")
	}
	if wire.UserID == nil || strings.TrimSpace(*wire.UserID) == "" {
		return nil, payloadError(messageType, "missing user_id")
	}
	payload := CursorPayload{
		UserID:    *wire.UserID,
		Color:     DefaultColor,
		Position:  wire.Position,
		Selection: wire.Selection,
	}
	if payload.Position == nil {
		payload.Position = wire.CursorPosition
	}
	if wire.Username != nil {
		payload.Username = *wire.Username
	}
	if wire.Color != nil && strings.TrimSpace(*wire.Color) != "" {
		payload.Color = *wire.Color
	}
	return payload, nil
}

func decodeDiff(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Diff    *string `json:"diff"`
		UserID  *string `json:"user_id"`
		Version *int64  `json:"version"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed diff")
	}
	if wire.Diff == nil || *wire.Diff == "" {
		return nil, payloadError(messageType, "missing diff")
	}
	if wire.Version == nil || *wire.Version < 1 {
		return nil, payloadError(messageType, "missing version")
	}
	payload := DiffPayload{Patch: *wire.Diff, Version: *wire.Version}
	if wire.UserID != nil {
		payload.UserID = *wire.UserID
	}
	return payload, nil
}

func decodeExecutionResult(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Output        *string  `json:"output"`
		Error         *string  `json:"error"`
		ExecutionTime *float64 `json:"execution_time"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed execution result")
	}
	var payload ExecutionResultPayload
	if wire.Output != nil {
		payload.Output = *wire.Output
	}
	if wire.Error != nil {
		payload.Error = *wire.Error
	}
	if wire.ExecutionTime != nil {
		if *wire.ExecutionTime < 0 {
			return nil, payloadError(messageType, "negative execution_time")
		}
		payload.ExecutionTime = *wire.ExecutionTime
		payload.HasExecutionTime = true
	}
	return payload, nil
}

func decodeAck(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Version *int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed version")
	}
	if wire.Version == nil || *wire.Version < 1 {
		return nil, payloadError(messageType, "missing version")
	}
	return AckPayload{Version: *wire.Version}, nil
}

func decodeError(messageType MessageType, raw json.RawMessage) (any, error) {
	var wire struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, payloadError(messageType, "malformed error")
	}
	var payload ErrorPayload
	if wire.Error != nil {
		payload.Message = *wire.Error
	}
	return payload, nil
}
