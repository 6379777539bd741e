package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
)

const (
	defaultDebounce = 500 * time.Millisecond

	// selfWriteWindow is how long a MarkSelfWrite suppresses events for a
	// path. One logical write fans out into several fsnotify events, so a
	// consume-once mark would leak the trailing ones.
	selfWriteWindow = 2 * time.Second
)

// Tracker watches the working directory and records files modified outside
// the running task, so the next model request can mention them. Paths the
// task itself writes are suppressed via MarkSelfWrite. Events are debounced
// before landing in the drainable set.
type Tracker struct {
	workDir  string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	matcher  *ignore.GitIgnore
	logger   log.Logger

	mu         sync.Mutex
	pending    map[string]bool
	changed    map[string]bool
	selfWrites map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker rooted at workDir. A .gitignore at the root,
// when present, filters the watched tree.
func NewTracker(workDir string, logger log.Logger) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = log.Noop
	}

	var matcher *ignore.GitIgnore
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(workDir, ".gitignore")); err == nil {
		matcher = gi
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		workDir:    workDir,
		watcher:    watcher,
		debounce:   defaultDebounce,
		matcher:    matcher,
		logger:     logger,
		pending:    make(map[string]bool),
		changed:    make(map[string]bool),
		selfWrites: make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start walks the tree, registers watches and begins collecting events.
func (t *Tracker) Start() error {
	err := filepath.WalkDir(t.workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.workDir, path)
		if err != nil {
			return nil
		}
		if t.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := t.watcher.Add(path); err != nil {
				t.logger.Warningf("watch %s: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workdir: %w", err)
	}

	t.wg.Add(2)
	go t.eventLoop()
	go t.debounceLoop()
	return nil
}

// Stop ends watching and releases the inotify handles.
func (t *Tracker) Stop() error {
	t.cancel()
	t.wg.Wait()
	return t.watcher.Close()
}

// MarkSelfWrite records that the task itself is about to touch path, so the
// resulting event is not reported back as an external change.
func (t *Tracker) MarkSelfWrite(path string) {
	rel, err := filepath.Rel(t.workDir, path)
	if err != nil {
		rel = path
	}
	t.mu.Lock()
	t.selfWrites[rel] = time.Now()
	t.mu.Unlock()
}

// DrainChanges returns the accumulated externally changed paths, sorted, and
// clears the set. Implements the engine's change-tracker contract.
func (t *Tracker) DrainChanges() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.changed) == 0 {
		return nil
	}
	out := make([]string, 0, len(t.changed))
	for p := range t.changed {
		out = append(out, p)
	}
	t.changed = make(map[string]bool)
	sort.Strings(out)
	return out
}

func (t *Tracker) ignored(rel string) bool {
	if rel == "." {
		return false
	}
	switch filepath.Base(rel) {
	case ".git", KiwiDir:
		return true
	}
	return t.matcher != nil && t.matcher.MatchesPath(rel)
}

func (t *Tracker) eventLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warningf("watcher error: %v", err)
		}
	}
}

func (t *Tracker) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(t.workDir, event.Name)
	if err != nil || t.ignored(rel) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := t.watcher.Add(event.Name); err != nil {
				t.logger.Warningf("watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		t.mu.Lock()
		if marked, ok := t.selfWrites[rel]; ok && time.Since(marked) < selfWriteWindow {
			t.mu.Unlock()
			return
		}
		delete(t.selfWrites, rel)
		t.pending[rel] = true
		t.mu.Unlock()
	}
}

func (t *Tracker) debounceLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.flushPending()
		}
	}
}

func (t *Tracker) flushPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return
	}
	for p := range t.pending {
		t.changed[p] = true
	}
	t.pending = make(map[string]bool)
}
