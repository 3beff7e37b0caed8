package workbench

import (
	"log"
	"sync"
	"time"

	"ancode/internal/parser"
	"ancode/internal/runner"
)

const defaultSampleInterval = 300 * time.Millisecond

// ArtifactState is one generation unit, keyed by the assistant message that
// produced it. Closed flips once the closing tag has been parsed and the
// artifact is never re-opened.
type ArtifactState struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type,omitempty"`
	Closed    bool   `json:"closed"`

	Runner *runner.ActionRunner `json:"-"`
}

// PreviewState describes the deployed preview surface, if any.
type PreviewState struct {
	Port    int    `json:"port"`
	Ready   bool   `json:"ready"`
	BaseURL string `json:"baseUrl"`
}

// Options configures a session workbench.
type Options struct {
	// Shell executes shell/start actions for this session.
	Shell runner.CommandRunner
	// SettleDelay is forwarded to each artifact's action runner.
	SettleDelay time.Duration
	// SampleInterval coalesces streaming run-action invocations.
	SampleInterval time.Duration
}

// Workbench is the explicitly owned state container of one conversation:
// the artifact map, the shared file store, and the global execution queue
// that serializes cross-artifact operations. Each concurrent session gets
// its own Workbench; nothing here is process-global.
type Workbench struct {
	opts  Options
	files *FileStore

	mu        sync.Mutex
	artifacts map[string]*ArtifactState
	order     []string
	reloaded  map[string]struct{}
	preview   *PreviewState

	queue     chan func()
	closed    chan struct{}
	closeOnce sync.Once

	events  *eventHub
	sampler *Sampler[parser.ActionData]
}

func New(opts Options) *Workbench {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = defaultSampleInterval
	}
	wb := &Workbench{
		opts:      opts,
		files:     NewFileStore(),
		artifacts: make(map[string]*ArtifactState),
		reloaded:  make(map[string]struct{}),
		queue:     make(chan func(), 256),
		closed:    make(chan struct{}),
		events:    newEventHub(),
	}
	// Sampled runs go through the global queue too: the parser enqueues an
	// action's registration before its first streaming update, so a sample
	// can never outrun the AddAction that registers its target.
	wb.sampler = NewSampler(func(data parser.ActionData) {
		wb.enqueue(func() { wb.runAction(data, true) })
	}, opts.SampleInterval)
	go wb.worker()

	wb.files.Subscribe(func(ev FileEvent) {
		wb.events.publish(Event{Kind: EventFile, Path: ev.Path, File: &ev.File})
	})
	return wb
}

func (wb *Workbench) worker() {
	for {
		select {
		case <-wb.closed:
			return
		case fn := <-wb.queue:
			fn()
		}
	}
}

// enqueue serializes fn onto the global execution queue so artifact creation
// and action registration cannot race.
func (wb *Workbench) enqueue(fn func()) <-chan struct{} {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case wb.queue <- wrapped:
	case <-wb.closed:
		close(done)
	}
	return done
}

// Close stops the queue worker and every artifact runner.
func (wb *Workbench) Close() {
	wb.closeOnce.Do(func() {
		close(wb.closed)
		wb.sampler.Stop()
		wb.mu.Lock()
		defer wb.mu.Unlock()
		for _, a := range wb.artifacts {
			a.Runner.Close()
		}
	})
}

// Files exposes the session file store.
func (wb *Workbench) Files() *FileStore { return wb.files }

// SetReloadedMessages marks messages restored from history; their runners'
// failure alerts are suppressed.
func (wb *Workbench) SetReloadedMessages(ids []string) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.reloaded = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wb.reloaded[id] = struct{}{}
	}
}

// AddArtifact registers the artifact for a message id, creating its action
// runner. Re-adding an existing artifact is a no-op.
func (wb *Workbench) AddArtifact(data parser.ArtifactData) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if _, ok := wb.artifacts[data.MessageID]; ok {
		return
	}
	messageID := data.MessageID
	art := &ArtifactState{
		MessageID: messageID,
		ID:        data.ID,
		Title:     data.Title,
		Type:      data.Type,
	}
	art.Runner = runner.New(runner.Options{
		Files:       storeWriter{wb.files},
		Shell:       wb.opts.Shell,
		SettleDelay: wb.opts.SettleDelay,
		OnAlert: func(a runner.Alert) {
			wb.mu.Lock()
			_, suppressed := wb.reloaded[messageID]
			wb.mu.Unlock()
			if suppressed {
				return
			}
			wb.events.publish(Event{Kind: EventAlert, Alert: &a})
		},
		OnUpdate: func(st runner.ActionState) {
			wb.events.publish(Event{Kind: EventAction, Action: &ActionEvent{
				MessageID: messageID,
				ActionID:  st.ID,
				Type:      string(st.Type),
				Status:    string(st.Status),
				FilePath:  st.FilePath,
				Launched:  st.Launched,
			}})
		},
	})
	wb.artifacts[messageID] = art
	wb.order = append(wb.order, messageID)
}

// CloseArtifact marks the artifact closed once its closing tag is parsed.
func (wb *Workbench) CloseArtifact(data parser.ArtifactData) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if art, ok := wb.artifacts[data.MessageID]; ok {
		art.Closed = true
	}
}

// Artifact returns a snapshot of the artifact for a message id.
func (wb *Workbench) Artifact(messageID string) (ArtifactState, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	art, ok := wb.artifacts[messageID]
	if !ok {
		return ArtifactState{}, false
	}
	return *art, true
}

// FirstArtifact returns the earliest-registered artifact.
func (wb *Workbench) FirstArtifact() (ArtifactState, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if len(wb.order) == 0 {
		return ArtifactState{}, false
	}
	return *wb.artifacts[wb.order[0]], true
}

// AddAction registers an action with its artifact's runner, serialized on
// the global queue.
func (wb *Workbench) AddAction(data parser.ActionData) {
	wb.enqueue(func() {
		art, ok := wb.lookup(data.MessageID)
		if !ok {
			log.Printf("workbench: artifact %s not found for action %s", data.MessageID, data.ActionID)
			return
		}
		art.Runner.AddAction(data)
	})
}

// RunAction executes an action. Streaming invocations are sampled so rapid
// partial updates collapse; sampled and final invocations alike are
// serialized on the global queue, behind the action's registration.
func (wb *Workbench) RunAction(data parser.ActionData, isStreaming bool) {
	if isStreaming {
		wb.sampler.Call(data)
		return
	}
	wb.enqueue(func() { wb.runAction(data, false) })
}

func (wb *Workbench) runAction(data parser.ActionData, isStreaming bool) {
	art, ok := wb.lookup(data.MessageID)
	if !ok {
		log.Printf("workbench: artifact %s not found for action %s", data.MessageID, data.ActionID)
		return
	}
	if err := art.Runner.RunAction(data, isStreaming); err != nil {
		log.Printf("workbench: run action %s: %v", data.ActionID, err)
	}
}

// AbortAll aborts every registered action in every artifact.
func (wb *Workbench) AbortAll() {
	wb.mu.Lock()
	runners := make([]*runner.ActionRunner, 0, len(wb.order))
	for _, id := range wb.order {
		runners = append(runners, wb.artifacts[id].Runner)
	}
	wb.mu.Unlock()
	for _, r := range runners {
		for _, st := range r.Actions() {
			r.Abort(st.ID)
		}
	}
}

// SetPreview records and announces the preview surface state.
func (wb *Workbench) SetPreview(p PreviewState) {
	wb.mu.Lock()
	wb.preview = &p
	wb.mu.Unlock()
	wb.events.publish(Event{Kind: EventPreview, Preview: &p})
}

// Preview returns the current preview state, if set.
func (wb *Workbench) Preview() (PreviewState, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.preview == nil {
		return PreviewState{}, false
	}
	return *wb.preview, true
}

// Subscribe returns a channel of workbench events and a cancel func. Slow
// consumers drop events rather than blocking producers.
func (wb *Workbench) Subscribe() (<-chan Event, func()) {
	return wb.events.subscribe()
}

// Alert publishes an out-of-band alert (e.g. a deploy failure).
func (wb *Workbench) Alert(a runner.Alert) {
	wb.events.publish(Event{Kind: EventAlert, Alert: &a})
}

// Wait drains the global queue and every artifact runner. Test and shutdown
// helper.
func (wb *Workbench) Wait() {
	<-wb.enqueue(func() {})
	wb.mu.Lock()
	runners := make([]*runner.ActionRunner, 0, len(wb.order))
	for _, id := range wb.order {
		runners = append(runners, wb.artifacts[id].Runner)
	}
	wb.mu.Unlock()
	for _, r := range runners {
		r.Wait()
	}
}

// GeneratedFiles returns all non-binary files as {relative path, content}
// pairs, the shape the deployment client consumes.
func (wb *Workbench) GeneratedFiles() []FileEntry {
	snap := wb.files.Snapshot()
	out := make([]FileEntry, 0, len(snap))
	for p, f := range snap {
		if f.Type != "file" || f.IsBinary {
			continue
		}
		out = append(out, FileEntry{Path: Relative(p), Content: f.Content})
	}
	return out
}

// FileEntry is one deployable file.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (wb *Workbench) lookup(messageID string) (*ArtifactState, bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	art, ok := wb.artifacts[messageID]
	return art, ok
}

// ParserCallbacks wires a streaming message parser to this workbench: file
// actions are registered as soon as their path is known, shell/start actions
// once their content is complete, and every action runs when its closing tag
// is parsed. Streaming file updates are applied through the sampler.
func (wb *Workbench) ParserCallbacks() parser.Callbacks {
	return parser.Callbacks{
		ArtifactOpen:  wb.AddArtifact,
		ArtifactClose: wb.CloseArtifact,
		ActionOpen: func(data parser.ActionData) {
			if data.Action.Type == parser.ActionFile {
				wb.AddAction(data)
			}
		},
		ActionClose: func(data parser.ActionData) {
			if data.Action.Type != parser.ActionFile {
				wb.AddAction(data)
			}
			wb.RunAction(data, false)
		},
		ActionStream: func(data parser.ActionData) {
			wb.RunAction(data, true)
		},
	}
}

type storeWriter struct{ s *FileStore }

func (w storeWriter) WriteFile(p, content string) error {
	w.s.Set(p, content, false)
	return nil
}
