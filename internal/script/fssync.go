package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/PEZ/epupp-sub009/internal/logging"
)

// mirrorGlob selects which files in the mirror directory are treated
// as script sources.
const mirrorGlob = "*.cljs"

// SyncGuard reports which tab, if any, currently holds the FS-sync
// privilege. Mutations originating from the filesystem are rejected
// while no tab holds it.
type SyncGuard interface {
	Holder() (int, bool)
}

// Mirror keeps the script store and a local directory in sync while a
// tab holds the FS-sync privilege. Store changes are exported as files;
// file edits are re-saved through the normal save path so manifest
// derivation and approval pruning run.
type Mirror struct {
	store *Store
	dir   string
	guard SyncGuard
	log   *logging.Logger

	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	cancel     context.CancelFunc
	subscribed bool
	// exported remembers the content last written per file so watcher
	// echoes of our own exports do not loop back into saves.
	exported map[string]string
}

// NewMirror creates a mirror rooted at dir.
func NewMirror(store *Store, dir string, guard SyncGuard, log *logging.Logger) *Mirror {
	if log == nil {
		log = logging.NewNop()
	}
	return &Mirror{
		store:    store,
		dir:      dir,
		guard:    guard,
		log:      log,
		exported: make(map[string]string),
	}
}

// Start exports all scripts and begins watching the directory. Calling
// Start on a running mirror is a no-op.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mirror dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch mirror dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.cancel = cancel

	m.exportAllLocked()
	if !m.subscribed {
		m.subscribed = true
		m.store.Subscribe(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.watcher == nil {
				return
			}
			m.exportAllLocked()
		})
	}

	go m.watch(runCtx, watcher)
	return nil
}

// Stop ends watching and detaches from the directory. Files already
// exported are left in place.
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return
	}
	m.cancel()
	m.watcher.Close()
	m.watcher = nil
	m.cancel = nil
}

// Running reports whether the mirror is active.
func (m *Mirror) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watcher != nil
}

func (m *Mirror) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			if matched, _ := doublestar.Match(mirrorGlob, base); !matched {
				continue
			}
			if err := m.importFile(ctx, event.Name); err != nil {
				m.log.Warn("Rejected filesystem script mutation",
					zap.String("file", filepath.Base(event.Name)),
					zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("Mirror watcher error", zap.Error(err))
		}
	}
}

// importFile re-saves an edited mirror file through the store.
func (m *Mirror) importFile(ctx context.Context, path string) error {
	if _, held := m.guard.Holder(); !held {
		return fmt.Errorf("%w: no tab holds the FS-sync privilege", ErrUnauthorized)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mirror file: %w", err)
	}
	code := string(raw)

	m.mu.Lock()
	prev, seen := m.exported[filepath.Base(path)]
	m.mu.Unlock()
	if seen && prev == code {
		// Echo of our own export.
		return nil
	}

	name := filepath.Base(path)
	if _, err := m.store.Save(ctx, SaveRequest{Name: name, Code: code}); err != nil {
		return fmt.Errorf("failed to save mirrored script: %w", err)
	}
	return nil
}

// exportAllLocked writes every non-builtin script to the mirror
// directory. Unchanged files are skipped.
func (m *Mirror) exportAllLocked() {
	for _, sc := range m.store.List() {
		if sc.Builtin {
			continue
		}
		if prev, ok := m.exported[sc.Name]; ok && prev == sc.Code {
			continue
		}
		path := filepath.Join(m.dir, sc.Name)
		if err := os.WriteFile(path, []byte(sc.Code), 0o644); err != nil {
			m.log.Warn("Failed to export script", zap.String("file", sc.Name), zap.Error(err))
			continue
		}
		m.exported[sc.Name] = sc.Code
	}
}
