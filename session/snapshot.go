package session

import (
	"time"

	"github.com/caffeineduck/pynode/protocol"
)

// Phase is the controller state shown to the user.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
	PhaseRunning       Phase = "running"
	PhaseAwaitingInput Phase = "awaiting-input"
	PhaseLoadFailed    Phase = "load-failed"
	PhaseClosed        Phase = "closed"
)

// RunStatus is the status of one run.
type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunRunning       RunStatus = "running"
	RunAwaitingInput RunStatus = "awaiting-input"
	RunCompleted     RunStatus = "completed"
	RunErrored       RunStatus = "errored"
	RunStopped       RunStatus = "stopped"
)

// Finished reports whether s is terminal.
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunErrored || s == RunStopped
}

// Output streams in the transcript.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamStdin  = "stdin"
	StreamSystem = "system"
)

// Chunk is one piece of the output transcript.
type Chunk struct {
	Stream string `json:"stream"`
	RunID  string `json:"runId,omitempty"`
	Text   string `json:"text"`
}

// RunInfo describes the current or most recent run.
type RunInfo struct {
	ID        string        `json:"id"`
	Status    RunStatus     `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Prompt is an open input request waiting for the user.
type Prompt struct {
	InputID string `json:"inputId"`
	Text    string `json:"text"`
}

// LoadFailure is shown until the user restarts the session.
type LoadFailure struct {
	Message     string                `json:"message"`
	Diagnostics *protocol.Diagnostics `json:"diagnostics,omitempty"`
}

// Snapshot is a copy of the controller state.
type Snapshot struct {
	Phase       Phase        `json:"phase"`
	InstanceID  string       `json:"instanceId,omitempty"`
	Run         *RunInfo     `json:"run,omitempty"`
	Prompt      *Prompt      `json:"prompt,omitempty"`
	LoadFailure *LoadFailure `json:"loadFailure,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	Output      []Chunk      `json:"output"`
}

// Running reports whether a run is in progress.
func (s Snapshot) Running() bool {
	return s.Phase == PhaseRunning || s.Phase == PhaseAwaitingInput
}

// EventKind classifies an Event.
type EventKind string

const (
	// EventMessage carries a worker message accepted by the controller.
	EventMessage EventKind = "message"
	// EventPhase reports a phase change made by the controller itself.
	EventPhase EventKind = "phase"
	// EventRejected reports a user action that was refused.
	EventRejected EventKind = "rejected"
)

// Event is delivered to observers in the order state changed.
type Event struct {
	Kind    EventKind         `json:"kind"`
	Phase   Phase             `json:"phase"`
	RunID   string            `json:"runId,omitempty"`
	Message *protocol.Message `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}
