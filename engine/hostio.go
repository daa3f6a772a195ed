package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/google/uuid"
)

// Marker framing used by the interpreter on stderr.
// Format: \x00PYNODE_INPUT:<nonce>:{json}\x00
const (
	InputMarkerPrefix = "\x00PYNODE_INPUT:"
	ErrorMarkerPrefix = "\x00PYNODE_ERROR:"
	MarkerSuffix      = "\x00"
)

// Markers are the stderr prefixes recognized during one evaluation. Each
// evaluation draws a fresh nonce, so a program cannot emit a valid marker
// by printing a fixed byte sequence.
type Markers struct {
	Input string
	Error string
}

// NewMarkers returns markers with a random nonce.
func NewMarkers() Markers {
	return MarkersFor(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// MarkersFor returns the markers for nonce.
func MarkersFor(nonce string) Markers {
	return Markers{
		Input: InputMarkerPrefix + nonce + ":",
		Error: ErrorMarkerPrefix + nonce + ":",
	}
}

type markerType int

const (
	markerNone markerType = iota
	markerInput
	markerError
)

type inputRequest struct {
	Prompt string `json:"prompt"`
}

// inputReplyLine is the JSON line written to the interpreter's stdin.
type inputReplyLine struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// InputFunc supplies a line for the interpreter's input(). It is called on
// its own goroutine and may block until the user answers or ctx is done.
type InputFunc func(ctx context.Context, prompt string) (protocol.InputReply, error)

// hostIO intercepts the interpreter's stderr. Plain output passes through to
// the sink; markers trigger input round-trips or record a script failure.
type hostIO struct {
	ctx         context.Context
	markers     Markers
	input       InputFunc
	sink        io.Writer
	stdinWriter *io.PipeWriter

	buf     bytes.Buffer
	failure *ScriptError
	mu      sync.Mutex

	writeMu sync.Mutex
}

func newHostIO(ctx context.Context, markers Markers, input InputFunc, sink io.Writer, stdinWriter *io.PipeWriter) *hostIO {
	if sink == nil {
		sink = io.Discard
	}
	return &hostIO{
		ctx:         ctx,
		markers:     markers,
		input:       input,
		sink:        sink,
		stdinWriter: stdinWriter,
	}
}

func (h *hostIO) Write(data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Write(data)

	for {
		content := h.buf.String()
		idx, kind := findNextMarker(content, h.markers)
		if kind == markerNone {
			keep := partialMarkerLen(content, h.markers)
			h.passthrough(content[:len(content)-keep])
			h.buf.Reset()
			h.buf.WriteString(content[len(content)-keep:])
			break
		}

		h.passthrough(content[:idx])

		prefix := h.markers.Input
		if kind == markerError {
			prefix = h.markers.Error
		}
		payload, remaining, ok := extractMarker(content, idx, prefix)
		if !ok {
			h.buf.Reset()
			h.buf.WriteString(content[idx:])
			break
		}
		h.buf.Reset()
		h.buf.WriteString(remaining)

		switch kind {
		case markerInput:
			h.handleInput(payload)
		case markerError:
			h.handleError(payload)
		}
	}

	return len(data), nil
}

func (h *hostIO) passthrough(s string) {
	if s != "" {
		io.WriteString(h.sink, s)
	}
}

func (h *hostIO) handleInput(payload string) {
	var req inputRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		req.Prompt = ""
	}

	// Answer off the write path so a slow user never holds the stderr lock.
	go func() {
		reply, err := h.input(h.ctx, req.Prompt)
		if err != nil {
			h.stdinWriter.CloseWithError(err)
			return
		}
		h.respond(reply)
	}()
}

func (h *hostIO) handleError(payload string) {
	var se ScriptError
	if err := json.Unmarshal([]byte(payload), &se); err != nil {
		se = ScriptError{Type: "Exception", Message: payload}
	}
	h.failure = &se
}

func (h *hostIO) respond(reply protocol.InputReply) {
	line := inputReplyLine{Kind: reply.Kind.String(), Value: reply.Value}
	data, err := json.Marshal(line)
	if err != nil {
		data = []byte(`{"kind":"cancel"}`)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.stdinWriter.Write(append(data, '\n'))
}

// finish flushes held-back bytes and returns the recorded failure, if any.
// It must be called after the module has exited. An input goroutine still
// waiting on the user finds the pipe closed when it answers.
func (h *hostIO) finish() *ScriptError {
	h.stdinWriter.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.passthrough(h.buf.String())
	h.buf.Reset()
	return h.failure
}

func findNextMarker(content string, m Markers) (int, markerType) {
	inputIdx := strings.Index(content, m.Input)
	errorIdx := strings.Index(content, m.Error)

	switch {
	case inputIdx == -1 && errorIdx == -1:
		return -1, markerNone
	case errorIdx == -1 || (inputIdx != -1 && inputIdx < errorIdx):
		return inputIdx, markerInput
	default:
		return errorIdx, markerError
	}
}

// extractMarker returns the payload of the marker at idx and the content
// after it. ok is false if the marker is not yet complete.
func extractMarker(content string, idx int, prefix string) (payload, remaining string, ok bool) {
	start := idx + len(prefix)
	end := strings.Index(content[start:], MarkerSuffix)
	if end == -1 {
		return "", content[idx:], false
	}
	return content[start : start+end], content[start+end+len(MarkerSuffix):], true
}

// partialMarkerLen returns how many trailing bytes of content could be the
// start of a marker split across writes.
func partialMarkerLen(content string, m Markers) int {
	idx := strings.LastIndexByte(content, 0)
	if idx == -1 {
		return 0
	}
	tail := content[idx:]
	for _, prefix := range []string{m.Input, m.Error} {
		if len(tail) < len(prefix) && strings.HasPrefix(prefix, tail) {
			return len(tail)
		}
	}
	return 0
}
