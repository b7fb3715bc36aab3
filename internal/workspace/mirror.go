package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MarcoPoloResearchLab/codestream/internal/docsync"
	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	errMissingPath   = errors.New("workspace: file path is required")
	errMissingSource = errors.New("workspace: document source is required")
)

// Source is the session surface the mirror reads from and writes to.
type Source interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func())
	Document() docsync.RoomSnapshot
	Synced() bool
	LocalTextChanged(text string)
}

// Config describes a mirrored file.
type Config struct {
	Path   string
	Source Source
	Logger *zap.Logger
}

// Mirror keeps a file on disk in step with the shared document. Remote
// changes are written to the file and edits made to the file by other
// programs are reported to the session as local changes.
type Mirror struct {
	path   string
	source Source
	logger *zap.Logger

	mu   sync.Mutex
	last string
	seen bool
}

// NewMirror validates the configuration.
func NewMirror(cfg Config) (*Mirror, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve path: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{path: path, source: cfg.Source, logger: logger}, nil
}

// Path returns the absolute path of the mirrored file.
func (m *Mirror) Path() string {
	return m.path
}

// Run mirrors until ctx is done. The file is first written once the
// session holds a synchronized document.
func (m *Mirror) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workspace: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("workspace: create directory: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("workspace: watch directory: %w", err)
	}

	stream, cleanup := m.source.Subscribe(ctx)
	defer cleanup()

	m.logger.Info("mirroring document", zap.String("path", m.path))
	if m.source.Synced() {
		if err := m.writeDocument(m.source.Document().Code); err != nil {
			return fmt.Errorf("workspace: write document: %w", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-stream:
			if !ok {
				return nil
			}
			switch event.Kind {
			case events.KindDocumentReplaced, events.KindPatchApplied:
				if err := m.writeDocument(event.Document.Code); err != nil {
					m.logger.Error("failed to write mirrored document", zap.String("path", m.path), zap.Error(err))
				}
			}
		case change, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(change.Name) != m.path || !(change.Has(fsnotify.Write) || change.Has(fsnotify.Create)) {
				continue
			}
			m.readExternalEdit()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("file watcher error", zap.Error(watchErr))
		}
	}
}

func (m *Mirror) writeDocument(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen && m.last == code {
		return nil
	}

	temp, err := os.CreateTemp(filepath.Dir(m.path), "."+filepath.Base(m.path)+".*")
	if err != nil {
		return err
	}
	tempName := temp.Name()
	if _, err := temp.WriteString(code); err != nil {
		temp.Close()
		os.Remove(tempName)
		return err
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, m.path); err != nil {
		os.Remove(tempName)
		return err
	}
	m.last = code
	m.seen = true
	return nil
}

func (m *Mirror) readExternalEdit() {
	content, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to read mirrored file", zap.String("path", m.path), zap.Error(err))
		}
		return
	}
	text := string(content)

	m.mu.Lock()
	if !m.seen || m.last == text {
		m.mu.Unlock()
		return
	}
	m.last = text
	m.mu.Unlock()

	m.logger.Debug("external edit detected", zap.String("path", m.path), zap.Int("bytes", len(text)))
	m.source.LocalTextChanged(text)
}
