// Package fileindex watches a workspace root and produces two streams: a
// debounced full snapshot (for UI autocomplete) and a granular change-set
// (feeding internal/index's incremental updates). Grounded on
// fsnotify/fsnotify for the raw watch, bmatcuk/doublestar/v4 for
// .gitignore-style pattern matching, and the accumulate-then-flush-on-timer
// debounce idiom from haasonsaas-nexus/internal/gateway/debounce.go
// (MessageDebouncer.scheduleFlush/resetTimer), generalized from per-session
// message batching to per-root filesystem event batching.
package fileindex

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Defaults per spec.md §4.9.
const (
	DefaultDebounce           = 200 * time.Millisecond
	DefaultRebuildInterval    = time.Second
	DefaultFullRebuildInterval = 15 * time.Minute
)

// noiseDirs is the fixed exclusion list: VCS/IDE/build noise.
var noiseDirs = []string{"node_modules", "target", "dist", "build", ".git", ".hg", ".svn", ".idea", ".vscode", ".DS_Store"}

// ChangeKind classifies one file-system change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
	ChangeRenamed  ChangeKind = "renamed"
)

// Change is one path-level event in the granular stream consumed by
// internal/index.
type Change struct {
	Path  string
	From  string // set only for ChangeRenamed
	Kind  ChangeKind
	IsDir bool
}

// Entry is one path in the full snapshot stream.
type Entry struct {
	Path  string
	IsDir bool
}

// Config configures a Watcher.
type Config struct {
	Root                string
	Debounce            time.Duration
	RebuildInterval      time.Duration
	FullRebuildInterval time.Duration
	IgnorePatterns      []string // additional .gitignore-style globs, root-relative
}

// Watcher recursively watches Root, publishing debounced FullIndex and
// Changes streams.
type Watcher struct {
	cfg Config
	fsw *fsnotify.Watcher

	FullIndex chan []Entry
	Changes   chan []Change

	mu      sync.Mutex
	pending []Change
	timer   *time.Timer
	lastRun time.Time

	done chan struct{}
}

// New creates a Watcher with cfg defaults filled in, but does not start it.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = DefaultRebuildInterval
	}
	if cfg.FullRebuildInterval <= 0 {
		cfg.FullRebuildInterval = DefaultFullRebuildInterval
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:       cfg,
		fsw:       fsw,
		FullIndex: make(chan []Entry, 1),
		Changes:   make(chan []Change, 16),
		done:      make(chan struct{}),
	}, nil
}

// Start walks Root adding a watch per directory, then runs the event loop
// and the full-rebuild safety-net ticker on their own goroutines.
func (w *Watcher) Start() error {
	if err := w.addTree(w.cfg.Root); err != nil {
		return err
	}

	go w.loop()
	go w.fullRebuildTicker()

	snapshot, err := w.snapshot()
	if err != nil {
		return err
	}
	w.emitFull(snapshot)
	return nil
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	_ = w.fsw.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.cfg.Root, path)
	if err != nil {
		return false
	}
	base := filepath.Base(rel)
	for _, noise := range noiseDirs {
		if base == noise {
			return true
		}
	}
	for _, pattern := range w.cfg.IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case <-w.fsw.Errors:
			// Errors are informational; the watcher keeps running.
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}
	isDir := isDirOrWasDir(ev.Name)
	if ev.Op&fsnotify.Create != 0 && isDir {
		_ = w.fsw.Add(ev.Name)
	}

	var kind ChangeKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = ChangeCreated
	case ev.Op&fsnotify.Write != 0:
		kind = ChangeModified
	case ev.Op&fsnotify.Remove != 0:
		kind = ChangeRemoved
	case ev.Op&fsnotify.Rename != 0:
		kind = ChangeRemoved // fsnotify emits a bare Rename for the old path; Create follows for the new one
	default:
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, Change{Path: ev.Name, Kind: kind, IsDir: isDir})
	w.scheduleFlush()
	w.mu.Unlock()
}

// scheduleFlush must be called with mu held.
func (w *Watcher) scheduleFlush() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	changes := w.pending
	w.pending = nil
	now := time.Now()
	if !w.lastRun.IsZero() && now.Sub(w.lastRun) < w.cfg.RebuildInterval {
		// Rebuild throttle: re-accumulate and reschedule rather than drop.
		w.pending = changes
		w.scheduleFlush()
		w.mu.Unlock()
		return
	}
	w.lastRun = now
	w.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	w.Changes <- changes

	snapshot, err := w.snapshot()
	if err == nil {
		w.emitFull(snapshot)
	}
}

func (w *Watcher) fullRebuildTicker() {
	ticker := time.NewTicker(w.cfg.FullRebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if snapshot, err := w.snapshot(); err == nil {
				w.emitFull(snapshot)
			}
		}
	}
}

func (w *Watcher) emitFull(entries []Entry) {
	select {
	case w.FullIndex <- entries:
	default:
		// Drop the stale pending snapshot in favor of the newest.
		select {
		case <-w.FullIndex:
		default:
		}
		w.FullIndex <- entries
	}
}

// snapshot walks Root and returns every path, directories first and
// alphabetical within each bucket, per spec.md §4.9.
func (w *Watcher) snapshot() ([]Entry, error) {
	var dirs, files []Entry
	err := filepath.WalkDir(w.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == w.cfg.Root {
			return nil
		}
		if w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entry := Entry{Path: path, IsDir: d.IsDir()}
		if d.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return append(dirs, files...), nil
}

func isDirOrWasDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
