package execution

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
)

type recordingSender struct {
	open     bool
	requests []protocol.RunRequest
}

func (s *recordingSender) SendRun(request protocol.RunRequest) bool {
	if !s.open {
		return false
	}
	s.requests = append(s.requests, request)
	return true
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.events = append(p.events, event)
}

func newCoordinatorFixture(t *testing.T, timeout time.Duration) (*Coordinator, *recordingSender, *recordingPublisher, *clock.Fake) {
	t.Helper()
	sender := &recordingSender{open: true}
	publisher := &recordingPublisher{}
	fake := clock.NewFake(time.Unix(1700000000, 0))
	sequence := 0
	coordinator, err := NewCoordinator(Config{
		Sender:    sender,
		Clock:     fake,
		Timeout:   timeout,
		Publisher: publisher,
		IDGenerator: func() string {
			sequence++
			return fmt.Sprintf("run-%d", sequence)
		},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator, sender, publisher, fake
}

func TestCoordinatorRejectsSecondRunUntilResult(t *testing.T) {
	coordinator, sender, publisher, fake := newCoordinatorFixture(t, 0)

	run, err := coordinator.Run("print(1)", "python", "")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if run.ID != "run-1" || !coordinator.Running() {
		t.Fatalf("expected pending run-1, got %#v", run)
	}
	if _, err := coordinator.Run("print(2)", "python", ""); !errors.Is(err, ErrRunPending) {
		t.Fatalf("expected ErrRunPending, got %v", err)
	}
	if len(sender.requests) != 1 {
		t.Fatalf("rejected run must not send, got %d requests", len(sender.requests))
	}

	fake.Advance(1500 * time.Millisecond)
	result, ok := coordinator.Complete(protocol.ExecutionResultPayload{Output: "1\n"})
	if !ok {
		t.Fatalf("expected result to complete the pending run")
	}
	if result.RunID != "run-1" || result.Output != "1\n" || result.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected result %#v", result)
	}
	if coordinator.Running() {
		t.Fatalf("run must be cleared after the result")
	}

	if _, err := coordinator.Run("print(2)", "python", "stdin"); err != nil {
		t.Fatalf("run after result must be accepted: %v", err)
	}
	if sender.requests[1].Input != "stdin" || sender.requests[1].Code != "print(2)" {
		t.Fatalf("unexpected request %#v", sender.requests[1])
	}

	kinds := []events.Kind{}
	for _, event := range publisher.events {
		kinds = append(kinds, event.Kind)
	}
	if len(kinds) != 3 || kinds[0] != events.KindRunStarted || kinds[1] != events.KindRunCompleted || kinds[2] != events.KindRunStarted {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestCoordinatorPrefersReportedExecutionTime(t *testing.T) {
	coordinator, _, _, fake := newCoordinatorFixture(t, 0)
	if _, err := coordinator.Run("x", "cpp", ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	fake.Advance(5 * time.Second)
	result, ok := coordinator.Complete(protocol.ExecutionResultPayload{
		Error:            "compile error",
		ExecutionTime:    0.25,
		HasExecutionTime: true,
	})
	if !ok || result.Duration != 250*time.Millisecond || result.Error != "compile error" {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestCoordinatorDoesNotRecordRunWhenDisconnected(t *testing.T) {
	coordinator, sender, publisher, _ := newCoordinatorFixture(t, 0)
	sender.open = false
	if _, err := coordinator.Run("x", "python", ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if coordinator.Running() || len(publisher.events) != 0 {
		t.Fatalf("failed send must leave the coordinator idle")
	}
	if _, err := coordinator.Run("x", " ", ""); !errors.Is(err, ErrEmptyLanguage) {
		t.Fatalf("expected ErrEmptyLanguage, got %v", err)
	}
}

func TestCoordinatorIgnoresUnsolicitedResult(t *testing.T) {
	coordinator, _, publisher, _ := newCoordinatorFixture(t, 0)
	if _, ok := coordinator.Complete(protocol.ExecutionResultPayload{Output: "late"}); ok {
		t.Fatalf("result without pending run must be ignored")
	}
	if len(publisher.events) != 0 {
		t.Fatalf("unexpected events %#v", publisher.events)
	}
}

func TestCoordinatorTimeoutCompletesRun(t *testing.T) {
	coordinator, _, publisher, fake := newCoordinatorFixture(t, 30*time.Second)
	if _, err := coordinator.Run("while True: pass", "python", ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	fake.Advance(29 * time.Second)
	if !coordinator.Running() {
		t.Fatalf("run must still be pending before the timeout")
	}
	fake.Advance(time.Second)
	if coordinator.Running() {
		t.Fatalf("run must be cleared after the timeout")
	}
	completed := publisher.events[len(publisher.events)-1]
	if completed.Kind != events.KindRunCompleted || !completed.Run.TimedOut || completed.Run.Duration != 30*time.Second {
		t.Fatalf("unexpected completion %#v", completed)
	}
	if _, ok := coordinator.Complete(protocol.ExecutionResultPayload{Output: "late"}); ok {
		t.Fatalf("late result after timeout must be ignored")
	}
}

func TestCoordinatorResultCancelsTimeout(t *testing.T) {
	coordinator, _, publisher, fake := newCoordinatorFixture(t, 10*time.Second)
	if _, err := coordinator.Run("x", "python", ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	coordinator.Complete(protocol.ExecutionResultPayload{Output: "ok"})
	if fake.Pending() != 0 {
		t.Fatalf("result must cancel the timeout timer")
	}
	fake.Advance(time.Minute)
	if len(publisher.events) != 2 {
		t.Fatalf("expected started and completed only, got %d events", len(publisher.events))
	}
}

func TestCoordinatorAbortFailsPendingRun(t *testing.T) {
	coordinator, _, _, _ := newCoordinatorFixture(t, 0)
	if _, ok := coordinator.Abort(nil); ok {
		t.Fatalf("abort without pending run must be a no-op")
	}
	if _, err := coordinator.Run("x", "python", ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	pending, ok := coordinator.Pending()
	if !ok || pending.Language != "python" {
		t.Fatalf("unexpected pending run %#v", pending)
	}
	result, ok := coordinator.Abort(errors.New("disconnected"))
	if !ok || !result.Aborted || result.Error != "execution aborted: disconnected" {
		t.Fatalf("unexpected abort result %#v", result)
	}
	if coordinator.Running() {
		t.Fatalf("abort must clear the pending run")
	}
}
