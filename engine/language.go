package engine

// Language describes a WASI interpreter that the Engine can drive.
// See [github.com/caffeineduck/pynode/language/python] for the Python
// implementation.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "python").
	Name() string

	// AssetName is the file name of the interpreter module relative to the
	// engine base URL, e.g. "python.wasm".
	AssetName() string

	// WrapCode returns the complete program to evaluate for the user's
	// source: the execution preamble followed by the source itself. The
	// preamble frames input requests and failures with markers.
	WrapCode(source string, markers Markers) string

	// Args returns the command-line arguments to pass to the WASM module.
	// For Python: []string{"python", "-c", wrappedCode}
	Args(wrappedCode string) []string
}
