package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Handlers receives the output of one evaluation and answers its input
// requests.
type Handlers struct {
	Stdout io.Writer
	Stderr io.Writer
	Input  InputFunc
}

// Outcome describes how an evaluation ended when the engine itself stayed
// healthy.
type Outcome struct {
	ExitCode    int
	ScriptError *ScriptError
	Duration    time.Duration
}

// Engine owns one wazero runtime and the compiled interpreter. It is safe
// for concurrent use, but callers normally evaluate one program at a time.
type Engine struct {
	lang Language
	cfg  config

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu     sync.Mutex
	closed bool
}

// New creates an unloaded Engine for lang.
func New(lang Language, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{lang: lang, cfg: cfg}
}

// Load fetches and compiles the interpreter from baseURL. After a
// successful load further calls return nil without touching the network; a
// failed load may be retried.
func (e *Engine) Load(ctx context.Context, baseURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.compiled != nil {
		return nil
	}

	assetURL, err := AssetURL(baseURL, e.lang.AssetName())
	if err != nil {
		return &LoadError{Diagnostics: protocol.Diagnostics{Phase: PhaseResolve, URL: baseURL}, Err: err}
	}

	wasm, err := FetchAsset(ctx, e.cfg.httpClient, assetURL, e.cfg.maxAssetSize)
	if err != nil {
		return err
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cfg.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(e.cfg.cache)
	}
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return &LoadError{Diagnostics: protocol.Diagnostics{Phase: PhaseWASI, URL: assetURL}, Err: err}
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return &LoadError{Diagnostics: protocol.Diagnostics{Phase: PhaseCompile, URL: assetURL}, Err: err}
	}

	e.runtime = rt
	e.compiled = compiled
	return nil
}

// Loaded reports whether Load has succeeded.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiled != nil
}

// Evaluate runs source in a fresh module instance. Exceptions raised by the
// program are reported in Outcome.ScriptError; a non-nil error means the
// context ended (ctx.Err() is wrapped) or the engine failed (*RuntimeError).
func (e *Engine) Evaluate(ctx context.Context, source string, h Handlers) (Outcome, error) {
	start := time.Now()

	e.mu.Lock()
	rt, compiled, closed := e.runtime, e.compiled, e.closed
	e.mu.Unlock()

	if closed {
		return Outcome{}, ErrClosed
	}
	if compiled == nil {
		return Outcome{}, ErrNotLoaded
	}

	input := h.Input
	if input == nil {
		input = func(context.Context, string) (protocol.InputReply, error) {
			return protocol.Cancel(), nil
		}
	}
	stdout := h.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	stdinReader, stdinWriter := io.Pipe()
	markers := NewMarkers()
	hio := newHostIO(ctx, markers, input, h.Stderr, stdinWriter)

	// A module blocked reading stdin never reaches a point where wazero can
	// observe the closed context, so cancellation also closes the pipe.
	stopAfter := context.AfterFunc(ctx, func() {
		stdinWriter.CloseWithError(ctx.Err())
	})
	defer stopAfter()

	wrapped := e.lang.WrapCode(source, markers)
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdout).
		WithStderr(hio).
		WithStdin(stdinReader).
		WithArgs(e.lang.Args(wrapped)...).
		WithName("")

	for k, v := range e.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		mod.Close(context.Background())
	}
	failure := hio.finish()

	out := Outcome{ScriptError: failure, Duration: time.Since(start)}

	if err == nil {
		return out, nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return out, fmt.Errorf("evaluate: %w", context.Cause(ctx))
		}
		out.ExitCode = int(exitErr.ExitCode())
		return out, nil
	}

	if ctx.Err() != nil {
		return out, fmt.Errorf("evaluate: %w", context.Cause(ctx))
	}
	return out, &RuntimeError{Err: err}
}

// Close releases the runtime. Evaluations in flight are aborted.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.runtime == nil {
		return nil
	}
	return e.runtime.Close(ctx)
}
