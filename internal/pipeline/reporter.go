package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Creation step names reported to clients, in pipeline order.
const (
	StepResolvingEnv      = "resolving_env"
	StepCreatingWorktree  = "creating_worktree"
	StepFetchingGit       = "fetching_git"
	StepCheckoutBranch    = "checkout_branch"
	StepPullingGit        = "pulling_git"
	StepPullingImage      = "pulling_image"
	StepCreatingContainer = "creating_container"
	StepCopyingWorkspace  = "copying_workspace"
	StepRunningInitScript = "running_init_script"
	StepLaunchingCli      = "launching_cli"
)

// Step statuses. Every step reports in_progress at least once and ends
// with exactly one done or error.
const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusError      = "error"
)

// ProgressReporter receives step-by-step creation progress. Implementations
// must tolerate concurrent calls; image pull lines arrive from the pull
// goroutine.
type ProgressReporter interface {
	Progress(step, message string)
	Done(step, message string)
	Error(step, message string)
}

// StepUpdate is one reported progress line.
type StepUpdate struct {
	Step    string    `json:"step"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Error   bool      `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// JSONReporter collects updates for a single JSON response. Only the first
// error is kept; later failures during teardown must not mask it.
type JSONReporter struct {
	mu       sync.Mutex
	updates  []StepUpdate
	firstErr *StepUpdate
}

// NewJSONReporter creates a buffering reporter.
func NewJSONReporter() *JSONReporter {
	return &JSONReporter{}
}

// Progress records a step update.
func (r *JSONReporter) Progress(step, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, StepUpdate{
		Step: step, Status: StatusInProgress, Message: message, At: time.Now().UTC(),
	})
}

// Done records a completed step.
func (r *JSONReporter) Done(step, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, StepUpdate{
		Step: step, Status: StatusDone, Message: message, At: time.Now().UTC(),
	})
}

// Error records a failed step. Only the first error is retained.
func (r *JSONReporter) Error(step, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	upd := StepUpdate{
		Step: step, Status: StatusError, Message: message, Error: true, At: time.Now().UTC(),
	}
	r.updates = append(r.updates, upd)
	if r.firstErr == nil {
		r.firstErr = &upd
	}
}

// Updates returns the recorded progress lines.
func (r *JSONReporter) Updates() []StepUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

// FirstError returns the first failed step, or nil.
func (r *JSONReporter) FirstError() *StepUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// SSEReporter streams updates as server-sent events, flushing each frame so
// browsers render progress live.
type SSEReporter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEReporter wraps a streaming HTTP response. flusher may be nil when
// the writer does not support flushing.
func NewSSEReporter(w io.Writer, flusher http.Flusher) *SSEReporter {
	return &SSEReporter{w: w, flusher: flusher}
}

// Progress emits one progress frame.
func (r *SSEReporter) Progress(step, message string) {
	r.emit("progress", StepUpdate{
		Step: step, Status: StatusInProgress, Message: message, At: time.Now().UTC(),
	})
}

// Done emits a step-completed frame.
func (r *SSEReporter) Done(step, message string) {
	r.emit("progress", StepUpdate{
		Step: step, Status: StatusDone, Message: message, At: time.Now().UTC(),
	})
}

// Error emits one error frame.
func (r *SSEReporter) Error(step, message string) {
	r.emit("error", StepUpdate{
		Step: step, Status: StatusError, Message: message, Error: true, At: time.Now().UTC(),
	})
}

// Complete emits the terminal frame carrying the created session id.
func (r *SSEReporter) Complete(sessionID string) {
	r.emit("done", map[string]string{"session_id": sessionID})
}

func (r *SSEReporter) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", event, data)
	if r.flusher != nil {
		r.flusher.Flush()
	}
}
