package runner

import (
	"context"
	"fmt"

	"ancode/internal/parser"
)

// ActionStatus is the lifecycle state of one action. Transitions are
// monotonic: pending → running → complete | aborted | failed.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusRunning  ActionStatus = "running"
	StatusComplete ActionStatus = "complete"
	StatusAborted  ActionStatus = "aborted"
	StatusFailed   ActionStatus = "failed"
)

// ActionState is the tracked state of one registered action. Only the runner
// mutates it; callers observe snapshots via Action/Actions or the update
// callback.
type ActionState struct {
	parser.Action

	ID       string
	Status   ActionStatus
	Executed bool
	// Launched marks a start action whose long-running command has been
	// handed off; its status stays running until the process exits.
	Launched bool
	Error    string

	abort  context.CancelFunc
	runCtx context.Context
}

// Aborted reports whether the action's abort capability has been invoked.
func (a *ActionState) Aborted() bool {
	return a.runCtx != nil && a.runCtx.Err() != nil
}

// Alert is the side-channel payload surfaced to the UI when an action fails.
type Alert struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Source      string `json:"source,omitempty"`
}

// CommandResult is the outcome of one remote/shell command execution.
type CommandResult struct {
	ExitCode int
	Output   string
}

// CommandRunner executes a command against the live session's shell. The
// implementation must observe ctx cancellation and terminate promptly.
type CommandRunner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}

// FileWriter receives completed (or, during streaming, partial) file action
// content. Paths are project-root relative.
type FileWriter interface {
	WriteFile(path, content string) error
}

// CommandError is a structured failure from a shell or start command. Header
// is a short human description; Output is the captured command output.
type CommandError struct {
	Header string
	Output string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s\n\nOutput:\n%s", e.Header, e.Output)
}

const (
	shellFailedHeader = "Failed To Execute Shell Command"
	startFailedHeader = "Failed To Start Application"
	noOutput          = "No Output Available"
)
