package docsync

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codestream/internal/clock"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/MarcoPoloResearchLab/codestream/internal/protocol"
	"go.uber.org/zap"
)

// DefaultDebounceWindow bounds outgoing diff volume under fast typing.
const DefaultDebounceWindow = 50 * time.Millisecond

var (
	// ErrNotSynchronized indicates that no snapshot has been received since the last (re)connect.
	ErrNotSynchronized = errors.New("docsync: awaiting snapshot")
	// ErrResyncPending indicates that a previous patch failed and a fresh snapshot is required.
	ErrResyncPending = errors.New("docsync: resync pending")
	errMissingDiffer = errors.New("docsync: differ is required")
	errMissingSender = errors.New("docsync: sender is required")
)

// Sender transmits a local edit script computed against baseVersion.
// It reports false when the message was dropped because the connection is not open.
type Sender interface {
	SendDiff(patch string, baseVersion int64) bool
}

// RemoteOutcome classifies how a remote diff was handled.
type RemoteOutcome int

const (
	// RemoteIgnored means the diff was not applied; see the returned error.
	RemoteIgnored RemoteOutcome = iota
	// RemoteApplied means the patch was applied and its version adopted.
	RemoteApplied
	// RemoteEcho means the diff was the local user's own edit; only its version was adopted.
	RemoteEcho
	// RemoteStale means the diff's version was not newer than the local version.
	RemoteStale
)

// RoomSnapshot is the document state as last reconciled with the server.
type RoomSnapshot struct {
	Code     string
	Version  int64
	Language string
}

// Config describes the dependencies of an Engine.
type Config struct {
	Differ         Differ
	Sender         Sender
	Clock          clock.Clock
	DebounceWindow time.Duration
	Publisher      events.Publisher
	Logger         *zap.Logger
	LocalUserID    string
}

// Engine owns the local document, its version counter and the debounced outgoing diff stream.
type Engine struct {
	mu          sync.Mutex
	differ      Differ
	sender      Sender
	clock       clock.Clock
	window      time.Duration
	publisher   events.Publisher
	logger      *zap.Logger
	localUserID string

	text          string
	baseline      string
	version       int64
	language      string
	synced        bool
	resyncPending bool

	debounce           clock.Timer
	debounceGeneration int64
}

// NewEngine validates cfg and returns an Engine awaiting its first snapshot.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Differ == nil {
		return nil, errMissingDiffer
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		differ:      cfg.Differ,
		sender:      cfg.Sender,
		clock:       clk,
		window:      window,
		publisher:   publisher,
		logger:      logger,
		localUserID: cfg.LocalUserID,
		version:     protocol.DefaultVersion,
		language:    protocol.DefaultLanguage,
	}, nil
}

// LocalChange records new local text and (re)starts the debounce window.
// The outgoing diff is computed when the window elapses, against the last sent baseline.
func (e *Engine) LocalChange(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if text == e.text {
		return
	}
	e.text = text
	if !e.synced || e.resyncPending {
		return
	}

	e.stopDebounceLocked()
	generation := e.debounceGeneration
	e.debounce = e.clock.AfterFunc(e.window, func() {
		e.flushFromTimer(generation)
	})
}

// Flush sends any pending local edit immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopDebounceLocked()
	e.flushLocked()
}

func (e *Engine) flushFromTimer(generation int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if generation != e.debounceGeneration {
		return
	}
	e.debounce = nil
	e.debounceGeneration++
	e.flushLocked()
}

func (e *Engine) flushLocked() {
	if !e.synced || e.resyncPending || e.text == e.baseline {
		return
	}
	patch, err := e.differ.Diff(e.baseline, e.text)
	if err != nil {
		e.logger.Error("local diff failed", zap.Error(err))
		return
	}
	if patch == "" {
		e.baseline = e.text
		return
	}
	if !e.sender.SendDiff(patch, e.version) {
		e.logger.Debug("local diff dropped while disconnected", zap.Int64("base_version", e.version))
		return
	}
	e.baseline = e.text
	e.logger.Debug("local diff sent", zap.Int64("base_version", e.version), zap.Int("patch_bytes", len(patch)))
}

func (e *Engine) stopDebounceLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.debounceGeneration++
}

// ApplyRemote applies a diff received from the server in arrival order.
// A failed patch leaves the document untouched and flags a resync.
func (e *Engine) ApplyRemote(diff protocol.DiffPayload) (RemoteOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.synced {
		return RemoteIgnored, ErrNotSynchronized
	}
	if e.resyncPending {
		return RemoteIgnored, ErrResyncPending
	}
	if diff.Version <= e.version {
		e.logger.Debug("stale diff discarded",
			zap.Int64("diff_version", diff.Version),
			zap.Int64("local_version", e.version))
		return RemoteStale, nil
	}
	if e.localUserID != "" && diff.UserID == e.localUserID {
		e.version = diff.Version
		return RemoteEcho, nil
	}

	text, err := e.differ.Apply(diff.Patch, e.text)
	if err != nil {
		e.requireResyncLocked(err)
		return RemoteIgnored, err
	}
	baseline := text
	if e.baseline != e.text {
		baseline, err = e.differ.Apply(diff.Patch, e.baseline)
		if err != nil {
			e.requireResyncLocked(err)
			return RemoteIgnored, err
		}
	}

	e.text = text
	e.baseline = baseline
	e.version = diff.Version
	e.publisher.Publish(events.Event{
		Kind:      events.KindPatchApplied,
		Timestamp: e.clock.Now(),
		Document:  e.documentLocked(),
		UserID:    diff.UserID,
	})
	return RemoteApplied, nil
}

func (e *Engine) requireResyncLocked(cause error) {
	e.resyncPending = true
	e.stopDebounceLocked()
	e.logger.Warn("remote patch rejected, resync required", zap.Error(cause), zap.Int64("local_version", e.version))
	e.publisher.Publish(events.Event{
		Kind:      events.KindResyncRequired,
		Timestamp: e.clock.Now(),
		Document:  e.documentLocked(),
		Err:       cause,
	})
}

// ApplySnapshot unconditionally replaces the document, superseding any unsent local edits.
func (e *Engine) ApplySnapshot(code string, version int64, language string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopDebounceLocked()
	if version < 1 {
		version = protocol.DefaultVersion
	}
	if language == "" {
		language = protocol.DefaultLanguage
	}
	e.text = code
	e.baseline = code
	e.version = version
	e.language = language
	e.synced = true
	e.resyncPending = false
	e.publisher.Publish(events.Event{
		Kind:      events.KindDocumentReplaced,
		Timestamp: e.clock.Now(),
		Document:  e.documentLocked(),
	})
}

// Acknowledge adopts the version the server assigned to a previously sent diff.
func (e *Engine) Acknowledge(version int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.synced || version <= e.version {
		return false
	}
	e.version = version
	return true
}

// MarkUnsynchronized discards the baseline after a transport loss; diffs are ignored until the next snapshot.
func (e *Engine) MarkUnsynchronized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopDebounceLocked()
	e.synced = false
}

// Snapshot returns the current document state.
func (e *Engine) Snapshot() RoomSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return RoomSnapshot{Code: e.text, Version: e.version, Language: e.language}
}

// Synced reports whether a snapshot has been applied since the last transport loss.
func (e *Engine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// ResyncPending reports whether the engine is waiting for a snapshot after a failed patch.
func (e *Engine) ResyncPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resyncPending
}

func (e *Engine) documentLocked() events.Document {
	return events.Document{Code: e.text, Version: e.version, Language: e.language}
}
