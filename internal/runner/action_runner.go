package runner

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"sync"
	"time"

	"ancode/internal/parser"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// defaultSettleDelay spaces out consecutive start actions so a second
	// dev-server launch cannot race the first one's port binding.
	defaultSettleDelay = 2 * time.Second

	fileCacheSize = 512
	queueDepth    = 256
)

// Options configures an ActionRunner. Files and Shell are required; the rest
// are optional.
type Options struct {
	Files   FileWriter
	Shell   CommandRunner
	OnAlert func(Alert)
	// OnUpdate is notified with a snapshot after every committed state
	// change, in commit order.
	OnUpdate    func(ActionState)
	SettleDelay time.Duration
}

type job struct {
	fn   func()
	done chan struct{}
}

// ActionRunner owns the action queue of one artifact. Actions execute
// strictly in the order their closing tags were parsed, one at a time, on a
// single worker goroutine; a failing action is recorded as failed and does
// not prevent subsequent actions from running. Start actions are launched
// without blocking the queue beyond a short settle delay.
type ActionRunner struct {
	opts Options

	mu      sync.Mutex
	actions map[string]*ActionState
	order   []string

	jobs      chan job
	closeOnce sync.Once
	closed    chan struct{}

	fileCache *lru.Cache[string, struct{}]
}

func New(opts Options) *ActionRunner {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	cache, _ := lru.New[string, struct{}](fileCacheSize)
	r := &ActionRunner{
		opts:      opts,
		actions:   make(map[string]*ActionState),
		jobs:      make(chan job, queueDepth),
		closed:    make(chan struct{}),
		fileCache: cache,
	}
	go r.worker()
	return r
}

func (r *ActionRunner) worker() {
	for {
		select {
		case <-r.closed:
			return
		case j := <-r.jobs:
			j.fn()
			close(j.done)
		}
	}
}

// Close stops the worker. Queued but unexecuted jobs are dropped.
func (r *ActionRunner) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *ActionRunner) enqueue(fn func()) <-chan struct{} {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case r.jobs <- j:
	case <-r.closed:
		close(j.done)
	}
	return j.done
}

// AddAction registers a new action in state pending. A duplicate id is a
// no-op. The transition to running is scheduled behind the actions already
// queued.
func (r *ActionRunner) AddAction(data parser.ActionData) {
	r.mu.Lock()
	if _, ok := r.actions[data.ActionID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &ActionState{
		Action: data.Action,
		ID:     data.ActionID,
		Status: StatusPending,
		abort:  cancel,
		runCtx: ctx,
	}
	r.actions[data.ActionID] = st
	r.order = append(r.order, data.ActionID)
	r.mu.Unlock()
	r.notify(data.ActionID)

	r.enqueue(func() {
		r.mu.Lock()
		if st, ok := r.actions[data.ActionID]; ok && st.Status == StatusPending {
			st.Status = StatusRunning
		}
		r.mu.Unlock()
		r.notify(data.ActionID)
	})
}

// Abort invokes the action's abort capability: the abort signal is flipped,
// in-flight execution is cancelled, and the status becomes aborted.
func (r *ActionRunner) Abort(actionID string) {
	r.mu.Lock()
	st, ok := r.actions[actionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	st.abort()
	if st.Status != StatusComplete && st.Status != StatusFailed {
		st.Status = StatusAborted
	}
	r.mu.Unlock()
	r.notify(actionID)
}

// RunAction executes a previously added action. A second non-streaming run
// of the same action is a no-op, as is a streaming run of anything but a
// file action. The call returns once the action's turn in the queue has
// completed (for start actions: once the settle delay has elapsed).
func (r *ActionRunner) RunAction(data parser.ActionData, isStreaming bool) error {
	r.mu.Lock()
	st, ok := r.actions[data.ActionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("runner: action %s not found", data.ActionID)
	}
	if st.Executed {
		r.mu.Unlock()
		return nil
	}
	if isStreaming && st.Type != parser.ActionFile {
		r.mu.Unlock()
		return nil
	}
	// The one legal post-creation mutation: a running file action absorbs
	// the latest streamed content.
	st.Content = data.Action.Content
	if data.Action.FilePath != "" {
		st.FilePath = data.Action.FilePath
	}
	st.Executed = !isStreaming
	r.mu.Unlock()
	r.notify(data.ActionID)

	<-r.enqueue(func() { r.execute(data.ActionID, isStreaming) })
	return nil
}

func (r *ActionRunner) execute(actionID string, isStreaming bool) {
	st, ok := r.snapshot(actionID)
	if !ok {
		return
	}
	if st.Aborted() {
		r.setStatus(actionID, StatusAborted)
		return
	}
	r.setStatus(actionID, StatusRunning)

	var err error
	switch st.Type {
	case parser.ActionFile:
		err = r.runFileAction(st)
	case parser.ActionShell:
		err = r.runShellAction(st)
	case parser.ActionStart:
		r.runStartAction(actionID, st)
		// Status resolution for start actions happens asynchronously.
		return
	default:
		err = fmt.Errorf("runner: unknown action type %q", st.Type)
	}

	if err != nil {
		r.fail(actionID, err)
		return
	}
	switch {
	case isStreaming:
		r.setStatus(actionID, StatusRunning)
	case st.Aborted():
		r.setStatus(actionID, StatusAborted)
	default:
		r.setStatus(actionID, StatusComplete)
	}
}

func (r *ActionRunner) runFileAction(st ActionState) error {
	key := fileCacheKey(st.FilePath, st.Content)
	if _, ok := r.fileCache.Get(key); ok {
		return nil
	}
	r.fileCache.Add(key, struct{}{})
	if err := r.opts.Files.WriteFile(st.FilePath, st.Content); err != nil {
		return fmt.Errorf("write %s: %w", st.FilePath, err)
	}
	return nil
}

func (r *ActionRunner) runShellAction(st ActionState) error {
	res, err := r.opts.Shell.Run(st.runCtx, st.Content)
	if err != nil {
		return err
	}
	log.Printf("runner: shell exit code %d", res.ExitCode)
	if res.ExitCode != 0 {
		output := res.Output
		if output == "" {
			output = noOutput
		}
		return &CommandError{Header: shellFailedHeader, Output: output}
	}
	return nil
}

func (r *ActionRunner) runStartAction(actionID string, st ActionState) {
	r.mu.Lock()
	if live, ok := r.actions[actionID]; ok {
		live.Launched = true
	}
	r.mu.Unlock()
	r.notify(actionID)

	go func() {
		res, err := r.opts.Shell.Run(st.runCtx, st.Content)
		if st.Aborted() {
			return
		}
		if err == nil && res.ExitCode != 0 {
			output := res.Output
			if output == "" {
				output = noOutput
			}
			err = &CommandError{Header: startFailedHeader, Output: output}
		}
		if err != nil {
			r.fail(actionID, err)
			return
		}
		r.setStatus(actionID, StatusComplete)
	}()

	// Let the launched process settle before the queue moves on.
	select {
	case <-time.After(r.opts.SettleDelay):
	case <-st.runCtx.Done():
	}
}

func (r *ActionRunner) fail(actionID string, err error) {
	st, ok := r.snapshot(actionID)
	if !ok || st.Aborted() {
		return
	}
	r.mu.Lock()
	if live, ok := r.actions[actionID]; ok {
		live.Status = StatusFailed
		live.Error = "Action failed"
	}
	r.mu.Unlock()
	r.notify(actionID)
	log.Printf("runner: [%s] action failed: %v", st.Type, err)

	cmdErr, ok := err.(*CommandError)
	if !ok || r.opts.OnAlert == nil {
		return
	}
	r.opts.OnAlert(Alert{
		Type:        "error",
		Title:       "Dev Server Failed",
		Description: cmdErr.Header,
		Content:     cmdErr.Output,
	})
}

func (r *ActionRunner) setStatus(actionID string, status ActionStatus) {
	r.mu.Lock()
	if st, ok := r.actions[actionID]; ok {
		st.Status = status
	}
	r.mu.Unlock()
	r.notify(actionID)
}

func (r *ActionRunner) notify(actionID string) {
	if r.opts.OnUpdate == nil {
		return
	}
	if st, ok := r.snapshot(actionID); ok {
		r.opts.OnUpdate(st)
	}
}

func (r *ActionRunner) snapshot(actionID string) (ActionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.actions[actionID]
	if !ok {
		return ActionState{}, false
	}
	return *st, true
}

// Action returns a snapshot of one action's state.
func (r *ActionRunner) Action(actionID string) (ActionState, bool) {
	return r.snapshot(actionID)
}

// Actions returns snapshots of all registered actions in registration order.
func (r *ActionRunner) Actions() []ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActionState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.actions[id])
	}
	return out
}

// Wait blocks until every job queued so far has been processed. Test helper
// and shutdown aid.
func (r *ActionRunner) Wait() {
	<-r.enqueue(func() {})
}

func fileCacheKey(path, content string) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return path + ":" + strconv.Itoa(len(content)) + ":" + strconv.FormatUint(h.Sum64(), 16)
}
