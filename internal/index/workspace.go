package index

import (
	"os"
	"sync"

	"github.com/querymt/querymt/internal/fileindex"
)

// MaxFileBytes is the size above which a file is skipped rather than parsed
// for function entries, per spec.md §4.8's max_file_bytes guard.
const MaxFileBytes = 1 << 20 // 1 MiB

// MinFunctionLines is the minimum span length a candidate must reach before
// it is stored as an Entry; short accessors/getters add noise without
// useful similarity signal.
const MinFunctionLines = 3

// SkipNotice is emitted on Workspace.Skipped when a file is not indexed.
type SkipNotice struct {
	Path   string
	Reason string
}

// Workspace owns one workspace's function-entry store behind a single
// goroutine: every mutation (file add/update/remove) runs sequentially, the
// way a tree-sitter Node must be walked from one goroutine at a time. Reads
// take the read side of mu over the same map the mailbox goroutine updates,
// so they never block on the mailbox.
type Workspace struct {
	mailbox chan workspaceMsg
	stopped chan struct{}
	Skipped chan SkipNotice

	mu      sync.RWMutex
	byFile  map[string][]Entry
}

type workspaceMsgKind int

const (
	msgUpdateFile workspaceMsgKind = iota
	msgRemoveFile
	msgApplyChanges
)

type workspaceMsg struct {
	kind     workspaceMsgKind
	path     string
	reply    chan struct{}
	changes  []fileindex.Change
}

// NewWorkspace starts a Workspace actor with an empty entry store.
func NewWorkspace() *Workspace {
	w := &Workspace{
		mailbox: make(chan workspaceMsg, 64),
		stopped: make(chan struct{}),
		Skipped: make(chan SkipNotice, 16),
		byFile:  make(map[string][]Entry),
	}
	go w.run()
	return w
}

func (w *Workspace) run() {
	for msg := range w.mailbox {
		switch msg.kind {
		case msgUpdateFile:
			w.updateFile(msg.path)
		case msgRemoveFile:
			w.removeFile(msg.path)
		case msgApplyChanges:
			for _, c := range msg.changes {
				if c.IsDir {
					continue
				}
				switch c.Kind {
				case fileindex.ChangeRemoved:
					w.removeFile(c.Path)
				case fileindex.ChangeRenamed:
					w.removeFile(c.From)
					w.updateFile(c.Path)
				default:
					w.updateFile(c.Path)
				}
			}
		}
		if msg.reply != nil {
			close(msg.reply)
		}
	}
	close(w.stopped)
}

// updateFile re-parses path and atomically replaces its entry set. Runs
// only on the actor goroutine.
func (w *Workspace) updateFile(path string) {
	lang, ok := LanguageFor(path)
	if !ok {
		w.storeEntries(path, nil)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		w.removeFile(path)
		return
	}
	if info.Size() > MaxFileBytes {
		w.notifySkip(path, "exceeds max_file_bytes")
		w.storeEntries(path, nil)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.notifySkip(path, err.Error())
		return
	}

	source := string(data)
	extracted := ExtractFunctions(lang, source)

	entries := make([]Entry, 0, len(extracted))
	for _, fn := range extracted {
		if fn.EndLine-fn.StartLine+1 < MinFunctionLines {
			continue
		}
		entries = append(entries, Entry{
			Name:              fn.Name,
			FilePath:          path,
			StartLine:         fn.StartLine,
			EndLine:           fn.EndLine,
			BodyText:          fn.Body,
			Language:          lang,
			StructuralSimHash: structuralSimHash(lang, fn.Body),
		})
	}
	w.storeEntries(path, entries)
}

func (w *Workspace) removeFile(path string) {
	w.mu.Lock()
	delete(w.byFile, path)
	w.mu.Unlock()
}

func (w *Workspace) storeEntries(path string, entries []Entry) {
	w.mu.Lock()
	if len(entries) == 0 {
		delete(w.byFile, path)
	} else {
		w.byFile[path] = entries
	}
	w.mu.Unlock()
}

func (w *Workspace) notifySkip(path, reason string) {
	select {
	case w.Skipped <- SkipNotice{Path: path, Reason: reason}:
	default:
	}
}

// UpdateFile schedules path for re-parsing, replacing its current entries
// once the actor processes the request.
func (w *Workspace) UpdateFile(path string) {
	reply := make(chan struct{})
	w.mailbox <- workspaceMsg{kind: msgUpdateFile, path: path, reply: reply}
	<-reply
}

// RemoveFile drops path's entries.
func (w *Workspace) RemoveFile(path string) {
	reply := make(chan struct{})
	w.mailbox <- workspaceMsg{kind: msgRemoveFile, path: path, reply: reply}
	<-reply
}

// ApplyChanges feeds a fileindex.Watcher change batch into the store in
// order, one mailbox round-trip per batch.
func (w *Workspace) ApplyChanges(changes []fileindex.Change) {
	reply := make(chan struct{})
	w.mailbox <- workspaceMsg{kind: msgApplyChanges, changes: changes, reply: reply}
	<-reply
}

// Entries returns every entry currently indexed for path.
func (w *Workspace) Entries(path string) []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.byFile[path]))
	copy(out, w.byFile[path])
	return out
}

// All returns every entry in the workspace, across all files.
func (w *Workspace) All() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []Entry
	for _, entries := range w.byFile {
		out = append(out, entries...)
	}
	return out
}

// Query runs the similarity cascade for probe against every entry
// currently stored in the workspace. Reads bypass the mailbox entirely, so
// they never block behind an in-flight file update.
func (w *Workspace) Query(probe Entry) []Match {
	return Query(probe, w.All())
}

// Stop shuts the actor down; pending mailbox sends will panic after this,
// matching the other actors in this module.
func (w *Workspace) Stop() {
	close(w.mailbox)
	<-w.stopped
}
