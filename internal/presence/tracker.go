// Package presence tracks the remote participants of a room and their cursors.
// The participant map is owned by the Tracker; callers only ever receive copies.
package presence

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"go.uber.org/zap"
)

// Config describes a Tracker.
type Config struct {
	LocalUserID string
	Publisher   events.Publisher
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Tracker maintains userId -> Participant for everyone but the local user.
type Tracker struct {
	localUserID string
	publisher   events.Publisher
	clock       clock.Clock
	logger      *zap.Logger

	mu           sync.Mutex
	participants map[string]protocol.Participant
	order        []string
}

// NewTracker constructs an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		localUserID:  strings.TrimSpace(cfg.LocalUserID),
		publisher:    publisher,
		clock:        clk,
		logger:       logger,
		participants: make(map[string]protocol.Participant),
	}
}

// IsLocal reports whether userID names the local user.
func (t *Tracker) IsLocal(userID string) bool {
	return t.localUserID != "" && userID == t.localUserID
}

// ReplaceAll swaps in a full participant list without join notifications.
func (t *Tracker) ReplaceAll(participants []protocol.Participant) {
	t.mu.Lock()
	t.participants = make(map[string]protocol.Participant, len(participants))
	t.order = t.order[:0]
	for _, participant := range participants {
		if t.IsLocal(participant.UserID) {
			continue
		}
		t.upsertLocked(participant)
	}
	list := t.participantsLocked()
	cursors := t.cursorsLocked()
	t.mu.Unlock()

	now := t.clock.Now()
	t.publisher.Publish(events.Event{Kind: events.KindParticipantsChanged, Timestamp: now, Participants: list})
	t.publisher.Publish(events.Event{Kind: events.KindCursorsChanged, Timestamp: now, Cursors: cursors})
}

// Join upserts one participant and emits a join notification.
func (t *Tracker) Join(participant protocol.Participant) {
	if t.IsLocal(participant.UserID) {
		return
	}
	t.mu.Lock()
	if existing, ok := t.participants[participant.UserID]; ok && participant.Cursor == nil {
		participant.Cursor = existing.Cursor
		participant.Selection = existing.Selection
	}
	t.upsertLocked(participant)
	joined := cloneParticipant(t.participants[participant.UserID])
	list := t.participantsLocked()
	cursors := t.cursorsLocked()
	t.mu.Unlock()

	t.logger.Debug("participant joined", zap.String("user_id", joined.UserID), zap.String("username", joined.Username))
	now := t.clock.Now()
	t.publisher.Publish(events.Event{
		Kind:         events.KindParticipantJoined,
		Timestamp:    now,
		UserID:       joined.UserID,
		Participant:  joined,
		Participants: list,
	})
	t.publisher.Publish(events.Event{Kind: events.KindCursorsChanged, Timestamp: now, Cursors: cursors})
}

// Leave removes one participant together with its cursor.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	departed, ok := t.participants[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.participants, userID)
	for index, id := range t.order {
		if id == userID {
			t.order = append(t.order[:index], t.order[index+1:]...)
			break
		}
	}
	list := t.participantsLocked()
	cursors := t.cursorsLocked()
	t.mu.Unlock()

	departed.Cursor = nil
	departed.Selection = nil
	t.logger.Debug("participant left", zap.String("user_id", userID))
	now := t.clock.Now()
	t.publisher.Publish(events.Event{
		Kind:         events.KindParticipantLeft,
		Timestamp:    now,
		UserID:       userID,
		Participant:  departed,
		Participants: list,
	})
	t.publisher.Publish(events.Event{Kind: events.KindCursorsChanged, Timestamp: now, Cursors: cursors})
}

// UpdateCursor changes only the cursor and selection of the named participant.
// A nil position clears the cursor but keeps the participant.
func (t *Tracker) UpdateCursor(update protocol.CursorPayload) {
	if t.IsLocal(update.UserID) {
		return
	}
	t.mu.Lock()
	participant, ok := t.participants[update.UserID]
	if !ok {
		participant = protocol.Participant{
			UserID:   update.UserID,
			Username: update.Username,
			Color:    update.Color,
		}
	}
	participant.Cursor = clonePosition(update.Position)
	participant.Selection = nil
	if update.Position != nil {
		participant.Selection = cloneSelection(update.Selection)
	}
	t.upsertLocked(participant)
	cursors := t.cursorsLocked()
	var list []protocol.Participant
	if !ok {
		list = t.participantsLocked()
	}
	t.mu.Unlock()

	now := t.clock.Now()
	if !ok {
		t.publisher.Publish(events.Event{Kind: events.KindParticipantsChanged, Timestamp: now, Participants: list})
	}
	t.publisher.Publish(events.Event{
		Kind:      events.KindCursorsChanged,
		Timestamp: now,
		UserID:    update.UserID,
		Cursors:   cursors,
	})
}

// Clear empties the tracker, used when the transport is lost.
func (t *Tracker) Clear() {
	t.mu.Lock()
	empty := len(t.participants) == 0
	t.participants = make(map[string]protocol.Participant)
	t.order = t.order[:0]
	t.mu.Unlock()
	if empty {
		return
	}
	now := t.clock.Now()
	t.publisher.Publish(events.Event{Kind: events.KindParticipantsChanged, Timestamp: now, Participants: []protocol.Participant{}})
	t.publisher.Publish(events.Event{Kind: events.KindCursorsChanged, Timestamp: now, Cursors: []protocol.Participant{}})
}

// Participants returns a copy of every remote participant in arrival order.
func (t *Tracker) Participants() []protocol.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.participantsLocked()
}

// Participant returns a copy of one participant.
func (t *Tracker) Participant(userID string) (protocol.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	participant, ok := t.participants[userID]
	if !ok {
		return protocol.Participant{}, false
	}
	return cloneParticipant(participant), true
}

// Cursors returns the full set of participants that currently have a cursor.
// Renderers replace all decorations with this set on every change.
func (t *Tracker) Cursors() []protocol.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursorsLocked()
}

func (t *Tracker) upsertLocked(participant protocol.Participant) {
	if strings.TrimSpace(participant.Color) == "" {
		participant.Color = protocol.DefaultColor
	}
	if _, exists := t.participants[participant.UserID]; !exists {
		t.order = append(t.order, participant.UserID)
	}
	t.participants[participant.UserID] = cloneParticipant(participant)
}

func (t *Tracker) participantsLocked() []protocol.Participant {
	list := make([]protocol.Participant, 0, len(t.order))
	for _, id := range t.order {
		list = append(list, cloneParticipant(t.participants[id]))
	}
	return list
}

func (t *Tracker) cursorsLocked() []protocol.Participant {
	cursors := make([]protocol.Participant, 0, len(t.order))
	for _, id := range t.order {
		participant := t.participants[id]
		if participant.Cursor == nil {
			continue
		}
		cursors = append(cursors, cloneParticipant(participant))
	}
	return cursors
}

func cloneParticipant(participant protocol.Participant) protocol.Participant {
	participant.Cursor = clonePosition(participant.Cursor)
	participant.Selection = cloneSelection(participant.Selection)
	return participant
}

func clonePosition(position *protocol.Position) *protocol.Position {
	if position == nil {
		return nil
	}
	copied := *position
	return &copied
}

func cloneSelection(selection *protocol.Selection) *protocol.Selection {
	if selection == nil {
		return nil
	}
	copied := *selection
	return &copied
}
