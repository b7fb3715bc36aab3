package events

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
)

// Kind names an event emitted by the synchronization core towards the rendering layer.
type Kind string

const (
	KindConnected           Kind = "connected"
	KindDisconnected        Kind = "disconnected"
	KindGaveUp              Kind = "gave_up"
	KindDocumentReplaced    Kind = "document_replaced"
	KindPatchApplied        Kind = "patch_applied"
	KindResyncRequired      Kind = "resync_required"
	KindParticipantsChanged Kind = "participants_changed"
	KindParticipantJoined   Kind = "participant_joined"
	KindParticipantLeft     Kind = "participant_left"
	KindCursorsChanged      Kind = "cursors_changed"
	KindRunStarted          Kind = "run_started"
	KindRunCompleted        Kind = "run_completed"
	KindMessage             Kind = "message"
)

// Document is the document state attached to document events.
type Document struct {
	Code     string
	Version  int64
	Language string
}

// RunResult is attached to run completion events.
type RunResult struct {
	RunID    string
	Output   string
	Error    string
	Duration time.Duration
	TimedOut bool
	Aborted  bool
}

// Event is an immutable notification. Only the fields relevant to Kind are populated.
type Event struct {
	Kind         Kind
	Timestamp    time.Time
	Document     Document
	UserID       string
	Participant  protocol.Participant
	Participants []protocol.Participant
	Cursors      []protocol.Participant
	Run          RunResult
	Message      protocol.Envelope
	Err          error
}

// Publisher accepts events.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and must re-read state from the session.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

const defaultBufferSize = 64

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream that stays open until ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every current subscriber.
func (d *Dispatcher) Publish(event Event) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(sub.stream)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Discard returns a Publisher that drops every event.
func Discard() Publisher {
	return nopPublisher{}
}
