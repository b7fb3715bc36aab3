// Package execution coordinates remote code runs. At most one run is in flight.
package execution

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrRunPending indicates a run was requested while another is outstanding.
	ErrRunPending = errors.New("execution: run already pending")
	// ErrNotConnected indicates the run request could not be sent.
	ErrNotConnected = errors.New("execution: not connected")
	// ErrEmptyLanguage indicates the run request carried no language.
	ErrEmptyLanguage = errors.New("execution: language is required")

	errMissingSender = errors.New("execution: sender is required")
)

const (
	timedOutMessage = "execution timed out"
	abortedMessage  = "execution aborted"
)

// Sender transmits a run request, reporting false when it was dropped.
type Sender interface {
	SendRun(request protocol.RunRequest) bool
}

// PendingRun describes the one outstanding run.
type PendingRun struct {
	ID          string
	SubmittedAt time.Time
	Code        string
	Language    string
	Input       string
}

// Config describes a Coordinator. A zero Timeout leaves a run pending until its result arrives.
type Config struct {
	Sender      Sender
	Clock       clock.Clock
	Timeout     time.Duration
	Publisher   events.Publisher
	Logger      *zap.Logger
	IDGenerator func() string
}

// Coordinator serializes run requests.
type Coordinator struct {
	sender      Sender
	clock       clock.Clock
	timeout     time.Duration
	publisher   events.Publisher
	logger      *zap.Logger
	idGenerator func() string

	mu      sync.Mutex
	pending *PendingRun
	timer   clock.Timer
}

// NewCoordinator validates cfg and returns an idle Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idGenerator := cfg.IDGenerator
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	timeout := cfg.Timeout
	if timeout < 0 {
		timeout = 0
	}
	return &Coordinator{
		sender:      cfg.Sender,
		clock:       clk,
		timeout:     timeout,
		publisher:   publisher,
		logger:      logger,
		idGenerator: idGenerator,
	}, nil
}

// Run sends the code for execution unless a run is already pending.
// No message is sent when the request is rejected.
func (c *Coordinator) Run(code, language, input string) (PendingRun, error) {
	if strings.TrimSpace(language) == "" {
		return PendingRun{}, ErrEmptyLanguage
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return PendingRun{}, ErrRunPending
	}
	run := PendingRun{
		ID:          c.idGenerator(),
		SubmittedAt: c.clock.Now(),
		Code:        code,
		Language:    language,
		Input:       input,
	}
	if !c.sender.SendRun(protocol.RunRequest{Code: code, Language: language, Input: input}) {
		c.mu.Unlock()
		return PendingRun{}, ErrNotConnected
	}
	c.pending = &run
	if c.timeout > 0 {
		runID := run.ID
		c.timer = c.clock.AfterFunc(c.timeout, func() {
			c.expire(runID)
		})
	}
	c.mu.Unlock()

	c.logger.Info("run submitted", zap.String("run_id", run.ID), zap.String("language", language))
	c.publisher.Publish(events.Event{
		Kind:      events.KindRunStarted,
		Timestamp: run.SubmittedAt,
		Run:       events.RunResult{RunID: run.ID},
	})
	return run, nil
}

// Complete resolves the pending run with a server result. Results that arrive with
// no run pending are ignored.
func (c *Coordinator) Complete(payload protocol.ExecutionResultPayload) (events.RunResult, bool) {
	c.mu.Lock()
	run := c.takePendingLocked()
	c.mu.Unlock()
	if run == nil {
		c.logger.Debug("execution result without pending run ignored")
		return events.RunResult{}, false
	}

	now := c.clock.Now()
	duration := now.Sub(run.SubmittedAt)
	if payload.HasExecutionTime {
		duration = time.Duration(payload.ExecutionTime * float64(time.Second))
	}
	result := events.RunResult{
		RunID:    run.ID,
		Output:   payload.Output,
		Error:    payload.Error,
		Duration: duration,
	}
	c.finish(result, now)
	return result, true
}

// Abort fails the pending run, used when the transport that would carry its result is gone.
func (c *Coordinator) Abort(cause error) (events.RunResult, bool) {
	c.mu.Lock()
	run := c.takePendingLocked()
	c.mu.Unlock()
	if run == nil {
		return events.RunResult{}, false
	}
	now := c.clock.Now()
	message := abortedMessage
	if cause != nil {
		message = fmt.Sprintf("%s: %v", abortedMessage, cause)
	}
	result := events.RunResult{
		RunID:    run.ID,
		Error:    message,
		Duration: now.Sub(run.SubmittedAt),
		Aborted:  true,
	}
	c.finish(result, now)
	return result, true
}

func (c *Coordinator) expire(runID string) {
	c.mu.Lock()
	if c.pending == nil || c.pending.ID != runID {
		c.mu.Unlock()
		return
	}
	run := c.takePendingLocked()
	c.mu.Unlock()

	now := c.clock.Now()
	result := events.RunResult{
		RunID:    run.ID,
		Error:    timedOutMessage,
		Duration: now.Sub(run.SubmittedAt),
		TimedOut: true,
	}
	c.finish(result, now)
}

func (c *Coordinator) takePendingLocked() *PendingRun {
	run := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return run
}

func (c *Coordinator) finish(result events.RunResult, at time.Time) {
	c.logger.Info("run completed",
		zap.String("run_id", result.RunID),
		zap.Duration("duration", result.Duration),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("aborted", result.Aborted),
		zap.Bool("has_error", result.Error != ""))
	c.publisher.Publish(events.Event{
		Kind:      events.KindRunCompleted,
		Timestamp: at,
		Run:       result,
	})
}

// Running reports whether a run is pending.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Pending returns the outstanding run, if any.
func (c *Coordinator) Pending() (PendingRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingRun{}, false
	}
	return *c.pending, true
}
