package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pynode/engine"
	"github.com/caffeineduck/pynode/protocol"
	"github.com/caffeineduck/pynode/session"
	"github.com/caffeineduck/pynode/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvaluator stands in for the interpreter. Known sources behave like
// small Python programs; anything else is echoed to stdout.
type fakeEvaluator struct {
	loadErr error
}

func (f *fakeEvaluator) Load(ctx context.Context, baseURL string) error {
	return f.loadErr
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, source string, h engine.Handlers) (engine.Outcome, error) {
	switch source {
	case "greet":
		reply, err := h.Input(ctx, "name? ")
		if err != nil {
			return engine.Outcome{}, err
		}
		switch reply.Kind {
		case protocol.ReplyCancel:
			fmt.Fprintln(h.Stderr, "EOFError: EOF when reading a line")
			return engine.Outcome{ScriptError: &engine.ScriptError{Type: "EOFError", Message: "EOF when reading a line"}}, nil
		case protocol.ReplyInterrupt:
			fmt.Fprintln(h.Stderr, "KeyboardInterrupt")
			return engine.Outcome{ScriptError: &engine.ScriptError{Type: "KeyboardInterrupt"}}, nil
		}
		fmt.Fprintf(h.Stdout, "hello %s\n", reply.Value)
		return engine.Outcome{}, nil
	case "fail":
		fmt.Fprint(h.Stderr, "Traceback (most recent call last):\nValueError: bad\n")
		return engine.Outcome{ScriptError: &engine.ScriptError{Type: "ValueError", Message: "bad"}}, nil
	case "exit":
		return engine.Outcome{ExitCode: 3}, nil
	case "spin":
		<-ctx.Done()
		return engine.Outcome{}, ctx.Err()
	}
	fmt.Fprint(h.Stdout, source)
	return engine.Outcome{}, nil
}

func (f *fakeEvaluator) Close(ctx context.Context) error {
	return nil
}

func newTestController(t *testing.T, loadErr error) *session.Controller {
	t.Helper()
	factory := session.InProcess(func() (worker.Evaluator, error) {
		return &fakeEvaluator{loadErr: loadErr}, nil
	})
	ctrl := session.New(factory, session.Options{
		EngineBaseURL: "http://engine.test/",
		InitTimeout:   2 * time.Second,
	})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func runFake(t *testing.T, source, buffered string, input lineReader) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if input == nil {
		input = newScannerInput(strings.NewReader(""), &stdout)
	}
	code := execute(newTestController(t, nil), source, buffered, input, &stdout, &stderr, nil)
	return code, stdout.String(), stderr.String()
}

func TestExecuteOutput(t *testing.T) {
	code, stdout, stderr := runFake(t, "hi\n", "", nil)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hi\n", stdout)
	assert.Empty(t, stderr)
}

func TestExecuteSourceTooLarge(t *testing.T) {
	code, stdout, stderr := runFake(t, strings.Repeat("#", protocol.MaxLineSize), "", nil)
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Error: session: source too large")
}

func TestExecuteBufferedInput(t *testing.T) {
	code, stdout, _ := runFake(t, "greet", "Ada\n", nil)
	assert.Equal(t, 0, code)
	assert.Equal(t, "name? Ada\nhello Ada\n", stdout)
}

func TestExecuteReadsInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	input := newScannerInput(strings.NewReader("Bob\r\n"), &stdout)

	code := execute(newTestController(t, nil), "greet", "", input, &stdout, &stderr, nil)
	assert.Equal(t, 0, code)
	assert.Equal(t, "name? Bob\nhello Bob\n", stdout.String())
}

func TestExecuteInputEOF(t *testing.T) {
	code, stdout, stderr := runFake(t, "greet", "", nil)
	assert.Equal(t, 1, code)
	assert.Equal(t, "name? \n", stdout)
	assert.Contains(t, stderr, "EOFError")
	// Script errors are reported by their traceback only.
	assert.NotContains(t, "\n"+stderr, "\nError: ")
}

func TestExecuteScriptError(t *testing.T) {
	code, _, stderr := runFake(t, "fail", "", nil)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "ValueError: bad")
}

func TestExecuteExitCode(t *testing.T) {
	code, _, _ := runFake(t, "exit", "", nil)
	assert.Equal(t, 3, code)
}

func TestExecuteLoadFailure(t *testing.T) {
	loadErr := &engine.LoadError{Diagnostics: protocol.Diagnostics{
		Phase:       engine.PhaseHTML,
		URL:         "http://engine.test/python.wasm",
		Status:      200,
		ContentType: "text/html",
		Snippet:     "<!doctype html>",
	}}

	var stdout, stderr bytes.Buffer
	input := newScannerInput(strings.NewReader(""), &stdout)
	code := execute(newTestController(t, loadErr), "print(1)", "", input, &stdout, &stderr, nil)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "engine load failed")
	assert.Contains(t, stderr.String(), "asset_is_html")
	assert.Contains(t, stderr.String(), "http://engine.test/python.wasm")
	assert.Empty(t, stdout.String())
}

func TestExecuteFactoryFailure(t *testing.T) {
	factory := session.FactoryFunc(func(func(protocol.Message)) (session.Runtime, error) {
		return nil, errors.New("no workers")
	})
	ctrl := session.New(factory, session.Options{EngineBaseURL: "http://engine.test/"})
	defer ctrl.Close()

	var stdout, stderr bytes.Buffer
	code := execute(ctrl, "print(1)", "", newScannerInput(strings.NewReader(""), &stdout), &stdout, &stderr, nil)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no workers")
}

func TestExecuteInterrupt(t *testing.T) {
	ctrl := newTestController(t, nil)
	sigs := make(chan os.Signal, 1)
	go func() {
		assert.Eventually(t, func() bool {
			return ctrl.Snapshot().Phase == session.PhaseRunning
		}, 2*time.Second, 5*time.Millisecond)
		sigs <- os.Interrupt
	}()

	var stdout, stderr bytes.Buffer
	code := execute(ctrl, "spin", "", newScannerInput(strings.NewReader(""), &stdout), &stdout, &stderr, sigs)
	assert.Equal(t, 130, code)
	assert.Contains(t, stderr.String(), "[stopped]")
	assert.Equal(t, session.RunStopped, ctrl.Snapshot().Run.Status)
}

func TestScannerInput(t *testing.T) {
	var out bytes.Buffer
	in := newScannerInput(strings.NewReader("first\nsecond\n"), &out)

	assert.Equal(t, protocol.Value("first"), in.ReadLine("> "))
	assert.Equal(t, protocol.Value("second"), in.ReadLine(""))
	assert.Equal(t, protocol.Cancel(), in.ReadLine("? "))
	assert.Equal(t, "> first\nsecond\n? \n", out.String())
}

func TestReadSource(t *testing.T) {
	source, fromStdin, err := readSource("print(1)", []string{"ignored.py"})
	require.NoError(t, err)
	assert.Equal(t, "print(1)", source)
	assert.False(t, fromStdin)

	path := t.TempDir() + "/prog.py"
	require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0644))
	source, _, err = readSource("", []string{path})
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", source)

	_, _, err = readSource("", []string{path + ".missing"})
	assert.Error(t, err)
}
