// Package python provides the Python language adapter for the engine.
//
// The preamble installs its own input() and replaces sys.stdin with a reader
// that asks for one line at a time through the same relay, so both
// input("? ") and sys.stdin.readline() prompt the user. sys.stdin.read()
// keeps asking until the user cancels. The raw descriptor (sys.__stdin__ or
// os.read(0, ...)) carries the host protocol and is not meant for programs.
package python

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/caffeineduck/pynode/engine"
)

// DefaultAssetName is the WASI Python build fetched from the engine base URL.
const DefaultAssetName = "python.wasm"

// Options controls the execution preamble.
type Options struct {
	// Filename is shown in tracebacks for the user's code.
	Filename string
	// AssetName overrides DefaultAssetName.
	AssetName string
	// Markers frame input requests and failures on stderr. WrapCode fills
	// them in for every evaluation; the zero value uses an empty nonce.
	Markers engine.Markers
}

// Python implements the engine.Language interface for Python execution.
type Python struct {
	opts Options
}

// New returns a Python language adapter.
func New(opts ...Options) *Python {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Filename == "" {
		o.Filename = "<main>"
	}
	if o.AssetName == "" {
		o.AssetName = DefaultAssetName
	}
	return &Python{opts: o}
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

func (p *Python) AssetName() string {
	return p.opts.AssetName
}

// WrapCode returns the preamble with source embedded.
func (p *Python) WrapCode(source string, markers engine.Markers) string {
	opts := p.opts
	opts.Markers = markers
	return Preamble(source, opts)
}

// Args returns the command-line arguments for the Python interpreter.
func (p *Python) Args(wrappedCode string) []string {
	return []string{"python", "-c", wrappedCode}
}

// Preamble builds the exact program evaluated for source. The source is
// carried base64-encoded and compiled inside a fresh __main__ namespace, so
// nothing the user writes can collide with the preamble's own names or
// break out of the string it travels in.
func Preamble(source string, opts Options) string {
	filename := opts.Filename
	if filename == "" {
		filename = "<main>"
	}
	markers := opts.Markers
	if markers == (engine.Markers{}) {
		markers = engine.MarkersFor("")
	}

	r := strings.NewReplacer(
		"{{INPUT_MARKER}}", strconv.Quote(markers.Input),
		"{{ERROR_MARKER}}", strconv.Quote(markers.Error),
		"{{MARKER_END}}", strconv.Quote(engine.MarkerSuffix),
		"{{FILENAME}}", strconv.Quote(filename),
		"{{SOURCE}}", strconv.Quote(base64.StdEncoding.EncodeToString([]byte(source))),
	)
	return r.Replace(preambleTemplate)
}

const preambleTemplate = `import sys as _pn_sys
import io as _pn_io
import json as _pn_json
import base64 as _pn_base64
import builtins as _pn_builtins
import traceback as _pn_traceback

_PN_INPUT = {{INPUT_MARKER}}
_PN_ERROR = {{ERROR_MARKER}}
_PN_END = {{MARKER_END}}

try:
    _pn_sys.stdout.reconfigure(line_buffering=True)
except Exception:
    pass

def _pn_marker(prefix, payload):
    _pn_sys.stdout.flush()
    _pn_sys.stderr.flush()
    _pn_sys.stderr.write(prefix + _pn_json.dumps(payload) + _PN_END)
    _pn_sys.stderr.flush()

_pn_host_stdin = _pn_sys.stdin

def _pn_input(prompt=""):
    _pn_marker(_PN_INPUT, {"prompt": str(prompt)})
    line = _pn_host_stdin.readline()
    if not line:
        raise EOFError("EOF when reading a line")
    reply = _pn_json.loads(line)
    kind = reply.get("kind")
    if kind == "interrupt":
        raise KeyboardInterrupt()
    if kind == "cancel":
        raise EOFError("EOF when reading a line")
    return reply.get("value", "")

_pn_builtins.input = _pn_input

class _PnStdin(_pn_io.TextIOBase):
    encoding = "utf-8"

    def readable(self):
        return True

    def isatty(self):
        return False

    def readline(self, size=-1):
        try:
            return _pn_input("") + "\n"
        except EOFError:
            return ""

    def read(self, size=-1):
        return "".join(iter(self.readline, ""))

_pn_sys.stdin = _PnStdin()

def _pn_main():
    source = _pn_base64.b64decode({{SOURCE}}).decode("utf-8")
    namespace = {"__name__": "__main__", "__builtins__": _pn_builtins}
    try:
        exec(compile(source, {{FILENAME}}, "exec"), namespace)
    except SystemExit:
        raise
    except BaseException as exc:
        tb = exc.__traceback__.tb_next if exc.__traceback__ is not None else None
        _pn_traceback.print_exception(type(exc), exc, tb)
        _pn_marker(_PN_ERROR, {"type": type(exc).__name__, "message": str(exc)})

_pn_main()
`
