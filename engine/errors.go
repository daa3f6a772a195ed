package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caffeineduck/pynode/protocol"
)

var (
	ErrNotLoaded = errors.New("engine not loaded")
	ErrClosed    = errors.New("engine closed")
)

// Load phases reported in Diagnostics.Phase.
const (
	PhaseResolve   = "resolve_url"
	PhaseFetch     = "fetch_asset"
	PhaseRead      = "read_asset"
	PhaseHTML      = "asset_is_html"
	PhaseNotWasm   = "asset_not_wasm"
	PhaseWASI      = "instantiate_wasi"
	PhaseCompile   = "compile"
	PhaseTooLarge  = "asset_too_large"
	PhaseCancelled = "cancelled"
)

// LoadError is returned by Engine.Load when the interpreter could not be
// fetched or compiled. The engine stays unloaded.
type LoadError struct {
	Diagnostics protocol.Diagnostics
	Err         error
}

func (e *LoadError) Error() string {
	d := e.Diagnostics
	var b strings.Builder
	fmt.Fprintf(&b, "load engine (%s)", d.Phase)
	if d.URL != "" {
		fmt.Fprintf(&b, " %s", d.URL)
	}
	if d.Status != 0 {
		fmt.Fprintf(&b, ": status %d", d.Status)
	}
	if d.ContentType != "" {
		fmt.Fprintf(&b, ", content-type %q", d.ContentType)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else if d.Detail != "" {
		fmt.Fprintf(&b, ": %s", d.Detail)
	}
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeError reports a host-level failure during evaluation: a trap, an
// out-of-memory condition or a crashed module. It is not raised for
// exceptions in the evaluated program.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return "engine runtime: " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ScriptError describes an exception that escaped the evaluated program.
// Its traceback has already been written to the stderr sink.
type ScriptError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}
