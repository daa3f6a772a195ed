// Package protocol defines the messages exchanged between a session
// controller and a worker runtime.
//
// Every message is a JSON object with a "type" discriminator. Messages that
// belong to a run carry its "runId". On a byte stream (the worker process
// transport) messages are newline-delimited.
package protocol

import "fmt"

// Type identifies the message kind.
type Type string

const (
	// Controller → worker
	TypeInit       Type = "init"
	TypeRun        Type = "run"
	TypeInputValue Type = "input-value"
	TypeStop       Type = "stop"

	// Worker → controller
	TypeReady        Type = "ready"
	TypeStarted      Type = "started"
	TypeStdout       Type = "stdout"
	TypeStderr       Type = "stderr"
	TypeRequestInput Type = "request-input"
	TypeDone         Type = "done"
	TypeExit         Type = "exit"
	TypeError        Type = "error"
	TypeStopped      Type = "stopped"
)

// Error phases reported in error messages.
const (
	PhaseInit     = "init"
	PhaseRun      = "run"
	PhaseScript   = "script"
	PhaseEngine   = "engine"
	PhaseProtocol = "protocol"
)

// Valid reports whether t is a recognized message type.
func (t Type) Valid() bool {
	return t.ToWorker() || t.FromWorker()
}

// ToWorker reports whether t is sent from the controller to the worker.
func (t Type) ToWorker() bool {
	switch t {
	case TypeInit, TypeRun, TypeInputValue, TypeStop:
		return true
	}
	return false
}

// FromWorker reports whether t is sent from the worker to the controller.
func (t Type) FromWorker() bool {
	switch t {
	case TypeReady, TypeStarted, TypeStdout, TypeStderr, TypeRequestInput,
		TypeDone, TypeExit, TypeError, TypeStopped:
		return true
	}
	return false
}

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	switch t {
	case TypeDone, TypeExit, TypeError, TypeStopped:
		return true
	}
	return false
}

// Diagnostics describes an engine load failure in enough detail for a user
// to locate the misconfigured asset.
type Diagnostics struct {
	Phase       string `json:"phase"`
	URL         string `json:"url,omitempty"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Message is a single channel message. Only the fields relevant to Type are
// set; see the constructors below.
type Message struct {
	Type  Type   `json:"type"`
	RunID string `json:"runId,omitempty"`

	// init
	EngineBaseURL string `json:"engineBaseUrl,omitempty"`

	// run
	SourceText         string   `json:"sourceText,omitempty"`
	BufferedInputLines []string `json:"bufferedInputLines,omitempty"`

	// stdout, stderr
	Text string `json:"text,omitempty"`

	// request-input, input-value
	InputID    string `json:"inputId,omitempty"`
	PromptText string `json:"promptText,omitempty"`
	Value      string `json:"value,omitempty"`
	Interrupt  bool   `json:"interrupt,omitempty"`
	Canceled   bool   `json:"canceled,omitempty"`

	// done, exit
	ExitCode *int `json:"exitCode,omitempty"`

	// error
	Phase       string       `json:"phase,omitempty"`
	Message     string       `json:"message,omitempty"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

func (m Message) String() string {
	if m.RunID != "" {
		return fmt.Sprintf("%s(%s)", m.Type, m.RunID)
	}
	return string(m.Type)
}

// Validate checks that m has a known type and the fields that type
// requires.
func (m Message) Validate() error {
	if m.Type == "" {
		return &ProtocolError{Reason: "missing type"}
	}
	if !m.Type.Valid() {
		return &ProtocolError{Type: m.Type, Reason: "unknown type"}
	}

	switch m.Type {
	case TypeInit:
		if m.EngineBaseURL == "" {
			return &ProtocolError{Type: m.Type, Reason: "engineBaseUrl required"}
		}
	case TypeRun, TypeStarted, TypeStdout, TypeStderr, TypeDone, TypeExit:
		if m.RunID == "" {
			return &ProtocolError{Type: m.Type, Reason: "runId required"}
		}
	case TypeRequestInput:
		if m.RunID == "" || m.InputID == "" {
			return &ProtocolError{Type: m.Type, Reason: "runId and inputId required"}
		}
	case TypeInputValue:
		if m.InputID == "" {
			return &ProtocolError{Type: m.Type, Reason: "inputId required"}
		}
		if m.Interrupt && m.Canceled {
			return &ProtocolError{Type: m.Type, Reason: "interrupt and canceled are exclusive"}
		}
	case TypeError:
		if m.Phase == "" {
			return &ProtocolError{Type: m.Type, Reason: "phase required"}
		}
	}
	return nil
}

// Init asks the worker to load the engine from baseURL.
func Init(baseURL string) Message {
	return Message{Type: TypeInit, EngineBaseURL: baseURL}
}

// Run asks the worker to execute source.
func Run(runID, source string, bufferedInput []string) Message {
	return Message{Type: TypeRun, RunID: runID, SourceText: source, BufferedInputLines: bufferedInput}
}

// InputValue resolves a pending input request.
func InputValue(inputID string, reply InputReply) Message {
	return Message{
		Type:      TypeInputValue,
		InputID:   inputID,
		Value:     reply.Value,
		Interrupt: reply.Kind == ReplyInterrupt,
		Canceled:  reply.Kind == ReplyCancel,
	}
}

// Stop asks the worker to abandon runID. An empty runID means whatever is
// running.
func Stop(runID string) Message {
	return Message{Type: TypeStop, RunID: runID}
}

func Ready() Message { return Message{Type: TypeReady} }

func Started(runID string) Message { return Message{Type: TypeStarted, RunID: runID} }

func Stdout(runID, text string) Message {
	return Message{Type: TypeStdout, RunID: runID, Text: text}
}

func Stderr(runID, text string) Message {
	return Message{Type: TypeStderr, RunID: runID, Text: text}
}

func RequestInput(runID, inputID, prompt string) Message {
	return Message{Type: TypeRequestInput, RunID: runID, InputID: inputID, PromptText: prompt}
}

// Done reports normal completion. A non-zero exit code produces an exit
// message instead.
func Done(runID string, exitCode int) Message {
	t := TypeDone
	if exitCode != 0 {
		t = TypeExit
	}
	return Message{Type: t, RunID: runID, ExitCode: &exitCode}
}

// Error reports a failure. runID is empty for failures outside a run.
func Error(runID, phase, message string, diag *Diagnostics) Message {
	return Message{Type: TypeError, RunID: runID, Phase: phase, Message: message, Diagnostics: diag}
}

func Stopped(runID string) Message { return Message{Type: TypeStopped, RunID: runID} }
