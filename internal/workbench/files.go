package workbench

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// WorkDir is the fixed project root all generated file paths live under.
const WorkDir = "/home/project"

// defaultBatchDelay coalesces rapid successive updates to the same path into
// fewer downstream notifications.
const defaultBatchDelay = 50 * time.Millisecond

// File is one entry in the session's in-memory file map.
type File struct {
	Type     string `json:"type"` // "file" or "folder"
	Content  string `json:"content,omitempty"`
	IsBinary bool   `json:"isBinary,omitempty"`
}

// FileEvent notifies a subscriber of one committed file-map change.
type FileEvent struct {
	Path string
	File File
}

// FileStore is the in-memory file map of one session. Writes commit to the
// map immediately; subscriber notifications for rapid successive writes to
// the same path are coalesced within a short batching window. Files are
// never deleted during a session, only overwritten.
type FileStore struct {
	mu         sync.Mutex
	files      map[string]File
	subs       map[int]func(FileEvent)
	nextSub    int
	pending    map[string]struct{}
	timer      *time.Timer
	batchDelay time.Duration

	// notifyMu serializes notification delivery so subscribers observe
	// commits in order.
	notifyMu sync.Mutex
}

func NewFileStore() *FileStore {
	return &FileStore{
		files:      make(map[string]File),
		subs:       make(map[int]func(FileEvent)),
		pending:    make(map[string]struct{}),
		batchDelay: defaultBatchDelay,
	}
}

// Set commits content for a project-root-relative path, creating folder
// entries for any missing parents.
func (s *FileStore) Set(relPath, content string, isBinary bool) string {
	full := Rooted(relPath)

	s.mu.Lock()
	dir := path.Dir(full)
	for dir != "/" && dir != "." {
		if _, ok := s.files[dir]; !ok {
			s.files[dir] = File{Type: "folder"}
		}
		dir = path.Dir(dir)
	}
	s.files[full] = File{Type: "file", Content: content, IsBinary: isBinary}
	s.pending[full] = struct{}{}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.batchDelay, s.flushPending)
	}
	s.mu.Unlock()
	return full
}

func (s *FileStore) flushPending() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	events := make([]FileEvent, 0, len(paths))
	for _, p := range paths {
		events = append(events, FileEvent{Path: p, File: s.files[p]})
	}
	s.pending = make(map[string]struct{})
	s.timer = nil
	subs := make([]func(FileEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Flush forces delivery of any batched notifications.
func (s *FileStore) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	hasPending := len(s.pending) > 0
	s.mu.Unlock()
	if hasPending {
		s.flushPending()
	}
}

// Get returns the file at a rooted or project-relative path.
func (s *FileStore) Get(p string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[Rooted(p)]
	return f, ok
}

// Snapshot returns a copy of the whole file map keyed by rooted path.
func (s *FileStore) Snapshot() map[string]File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]File, len(s.files))
	for k, v := range s.files {
		out[k] = v
	}
	return out
}

// Count reports the number of file (not folder) entries.
func (s *FileStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.files {
		if f.Type == "file" {
			n++
		}
	}
	return n
}

// Subscribe registers fn for committed changes. The returned func cancels
// the subscription.
func (s *FileStore) Subscribe(fn func(FileEvent)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Rooted resolves p against the project root. Already-rooted paths are
// returned cleaned.
func Rooted(p string) string {
	p = path.Clean("/" + strings.TrimPrefix(p, WorkDir))
	return path.Join(WorkDir, p)
}

// Relative strips the project root from a rooted path.
func Relative(p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, WorkDir), "/")
}
