// Package bench measures pynode's engine and worker paths and checks the
// real interpreter end to end.
//
// Tests and benchmarks that need the interpreter are skipped unless
// PYNODE_ENGINE_URL points at a directory or URL serving python.wasm:
//
//	PYNODE_ENGINE_URL=./engine go test -v -run=Test ./bench/
//	PYNODE_ENGINE_URL=./engine go test -bench=. -benchtime=3x ./bench/
package bench

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pynode/engine"
	"github.com/caffeineduck/pynode/language/python"
	"github.com/caffeineduck/pynode/protocol"
	"github.com/caffeineduck/pynode/session"
	"github.com/caffeineduck/pynode/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

func engineURL(tb testing.TB) string {
	tb.Helper()
	url := os.Getenv("PYNODE_ENGINE_URL")
	if url == "" {
		tb.Skip("PYNODE_ENGINE_URL not set")
	}
	return url
}

func loadedEngine(tb testing.TB, cache wazero.CompilationCache) *engine.Engine {
	tb.Helper()
	var opts []engine.Option
	if cache != nil {
		opts = append(opts, engine.WithCompilationCache(cache))
	}
	eng := engine.New(python.New(), opts...)
	if err := eng.Load(context.Background(), engineURL(tb)); err != nil {
		tb.Fatalf("load: %v", err)
	}
	tb.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

// evaluate runs source and returns its stdout, stderr and outcome. Input
// requests are answered from lines in order.
func evaluate(tb testing.TB, eng *engine.Engine, source string, lines ...string) (string, string, engine.Outcome) {
	tb.Helper()
	var stdout, stderr bytes.Buffer
	out, err := eng.Evaluate(context.Background(), source, engine.Handlers{
		Stdout: &stdout,
		Stderr: &stderr,
		Input: func(ctx context.Context, prompt string) (protocol.InputReply, error) {
			if len(lines) == 0 {
				return protocol.Cancel(), nil
			}
			line := lines[0]
			lines = lines[1:]
			return protocol.Value(line), nil
		},
	})
	if err != nil {
		tb.Fatalf("evaluate: %v", err)
	}
	return stdout.String(), stderr.String(), out
}

// --- Interpreter checks ---

func TestEngineOutput(t *testing.T) {
	eng := loadedEngine(t, nil)

	stdout, _, out := evaluate(t, eng, `print("hello", 40 + 2)`)
	assert.Equal(t, "hello 42\n", stdout)
	assert.Nil(t, out.ScriptError)
	assert.Equal(t, 0, out.ExitCode)
}

func TestEngineRunsAreIsolated(t *testing.T) {
	eng := loadedEngine(t, nil)

	_, _, out := evaluate(t, eng, "leaked = 1")
	require.Nil(t, out.ScriptError)

	_, stderr, out := evaluate(t, eng, "print(leaked)")
	require.NotNil(t, out.ScriptError)
	assert.Equal(t, "NameError", out.ScriptError.Type)
	assert.Contains(t, stderr, "NameError")
}

func TestEngineInput(t *testing.T) {
	eng := loadedEngine(t, nil)

	src := "a = input('first? ')\nb = input('second? ')\nprint(a + '-' + b)"
	stdout, _, out := evaluate(t, eng, src, "x", "y")
	require.Nil(t, out.ScriptError)
	assert.Equal(t, "x-y\n", stdout)
}

func TestEngineStdinRelay(t *testing.T) {
	eng := loadedEngine(t, nil)

	src := "import sys\nfirst = sys.stdin.readline()\nrest = [l.strip() for l in sys.stdin]\nprint(repr(first), rest)"
	stdout, _, out := evaluate(t, eng, src, "a", "b", "c")
	require.Nil(t, out.ScriptError)
	assert.Equal(t, "'a\\n' ['b', 'c']\n", stdout)
}

func TestEngineForgedMarkerIsPlainOutput(t *testing.T) {
	eng := loadedEngine(t, nil)

	src := `import sys
sys.stderr.write("\x00PYNODE_ERROR:{\"type\": \"Fake\"}\x00")
sys.stderr.write("\x00PYNODE_INPUT:{}\x00")
print("ok")`
	stdout, stderr, out := evaluate(t, eng, src)
	assert.Nil(t, out.ScriptError)
	assert.Equal(t, "ok\n", stdout)
	assert.Contains(t, stderr, "PYNODE_ERROR")
	assert.Contains(t, stderr, "PYNODE_INPUT")
}

func TestEngineInputCancelled(t *testing.T) {
	eng := loadedEngine(t, nil)

	_, _, out := evaluate(t, eng, "input()")
	require.NotNil(t, out.ScriptError)
	assert.Equal(t, "EOFError", out.ScriptError.Type)
}

func TestEngineException(t *testing.T) {
	eng := loadedEngine(t, nil)

	_, stderr, out := evaluate(t, eng, "def f():\n    raise ValueError('bad value')\nf()")
	require.NotNil(t, out.ScriptError)
	assert.Equal(t, "ValueError", out.ScriptError.Type)
	assert.Equal(t, "bad value", out.ScriptError.Message)
	assert.Contains(t, stderr, "Traceback")
	assert.NotContains(t, stderr, "_pn_", "preamble frames should not appear in tracebacks")
}

func TestEngineExitCode(t *testing.T) {
	eng := loadedEngine(t, nil)

	_, _, out := evaluate(t, eng, "import sys\nsys.exit(3)")
	assert.Nil(t, out.ScriptError)
	assert.Equal(t, 3, out.ExitCode)
}

func TestEngineStop(t *testing.T) {
	eng := loadedEngine(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := eng.Evaluate(ctx, "while True:\n    pass", engine.Handlers{Stdout: io.Discard, Stderr: io.Discard})
	assert.Error(t, err)

	// The engine survives a cancelled run.
	stdout, _, _ := evaluate(t, eng, "print('again')")
	assert.Equal(t, "again\n", stdout)
}

func TestSessionEndToEnd(t *testing.T) {
	url := engineURL(t)
	cache := wazero.NewCompilationCache()
	defer cache.Close(context.Background())

	factory := session.InProcess(func() (worker.Evaluator, error) {
		return engine.New(python.New(), engine.WithCompilationCache(cache)), nil
	})
	ctrl := session.New(factory, session.Options{EngineBaseURL: url, InitTimeout: time.Minute})
	defer ctrl.Close()

	require.NoError(t, ctrl.Start())
	require.Eventually(t, func() bool { return ctrl.Snapshot().Phase == session.PhaseReady }, time.Minute, 10*time.Millisecond)

	_, err := ctrl.SubmitRun("name = input('name? ')\nprint('hi', name)", "")
	require.NoError(t, err)

	var prompt *session.Prompt
	require.Eventually(t, func() bool {
		prompt = ctrl.Snapshot().Prompt
		return prompt != nil
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, "name? ", prompt.Text)
	require.NoError(t, ctrl.SubmitInputValue(prompt.InputID, protocol.Value("Ada")))

	require.Eventually(t, func() bool {
		run := ctrl.Snapshot().Run
		return run != nil && run.Status.Finished()
	}, 10*time.Second, 5*time.Millisecond)

	var stdout strings.Builder
	for _, c := range ctrl.Snapshot().Output {
		if c.Stream == session.StreamStdout {
			stdout.WriteString(c.Text)
		}
	}
	assert.Equal(t, "hi Ada\n", stdout.String())
}

// --- Engine benchmarks ---

func BenchmarkEngine_ColdLoad(b *testing.B) {
	url := engineURL(b)
	for i := 0; i < b.N; i++ {
		eng := engine.New(python.New())
		if err := eng.Load(context.Background(), url); err != nil {
			b.Fatal(err)
		}
		eng.Close(context.Background())
	}
}

func BenchmarkEngine_CachedLoad(b *testing.B) {
	url := engineURL(b)
	cache := wazero.NewCompilationCache()
	defer cache.Close(context.Background())

	warm := engine.New(python.New(), engine.WithCompilationCache(cache))
	warm.Load(context.Background(), url)
	warm.Close(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng := engine.New(python.New(), engine.WithCompilationCache(cache))
		if err := eng.Load(context.Background(), url); err != nil {
			b.Fatal(err)
		}
		eng.Close(context.Background())
	}
}

func BenchmarkEngine_Evaluate_Print(b *testing.B) {
	eng := loadedEngine(b, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evaluate(b, eng, "print(1)")
	}
}

func BenchmarkEngine_Evaluate_Computation(b *testing.B) {
	eng := loadedEngine(b, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evaluate(b, eng, "print(sum(i*i for i in range(1000)))")
	}
}

func BenchmarkEngine_Evaluate_Input(b *testing.B) {
	eng := loadedEngine(b, nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		evaluate(b, eng, "print(input() + input())", "a", "b")
	}
}

// --- Worker benchmarks (no interpreter) ---

type nopEvaluator struct{}

func (nopEvaluator) Load(ctx context.Context, baseURL string) error { return nil }

func (nopEvaluator) Evaluate(ctx context.Context, source string, h engine.Handlers) (engine.Outcome, error) {
	if source == "input" {
		reply, err := h.Input(ctx, "> ")
		if err != nil {
			return engine.Outcome{}, err
		}
		io.WriteString(h.Stdout, reply.Value)
		return engine.Outcome{}, nil
	}
	io.WriteString(h.Stdout, source)
	return engine.Outcome{}, nil
}

func (nopEvaluator) Close(ctx context.Context) error { return nil }

func BenchmarkRuntime_Run(b *testing.B) {
	msgs := make(chan protocol.Message, 64)
	rt := worker.New(nopEvaluator{}, func(m protocol.Message) { msgs <- m })
	defer rt.Terminate()

	rt.Post(protocol.Init("nop://"))
	<-msgs

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rt.Post(protocol.Run(fmt.Sprint(i), "x", nil))
		for m := range msgs {
			if m.Type.Terminal() {
				break
			}
		}
	}
}

func BenchmarkRuntime_InputRoundTrip(b *testing.B) {
	msgs := make(chan protocol.Message, 64)
	rt := worker.New(nopEvaluator{}, func(m protocol.Message) { msgs <- m })
	defer rt.Terminate()

	rt.Post(protocol.Init("nop://"))
	<-msgs

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rt.Post(protocol.Run(fmt.Sprint(i), "input", nil))
		for m := range msgs {
			if m.Type == protocol.TypeRequestInput {
				rt.Post(protocol.InputValue(m.InputID, protocol.Value("v")))
			}
			if m.Type.Terminal() {
				break
			}
		}
	}
}

func BenchmarkProtocol_Codec(b *testing.B) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	msg := protocol.Stdout("run-1", strings.Repeat("x", 80)+"\n")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := enc.Encode(msg); err != nil {
			b.Fatal(err)
		}
		if _, err := protocol.NewDecoder(&buf).Next(); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Native Python baseline ---

func BenchmarkNative_Python_Print(b *testing.B) {
	if _, err := osexec.LookPath("python3"); err != nil {
		b.Skip("python3 not available")
	}
	for i := 0; i < b.N; i++ {
		osexec.Command("python3", "-c", "print(1)").Run()
	}
}

// =============================================================================
// COMPARISON - Human readable output
// =============================================================================

func TestComparison(t *testing.T) {
	url := engineURL(t)

	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for i := 0; i < runs; i++ {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	cache := wazero.NewCompilationCache()
	defer cache.Close(context.Background())

	load := func() *engine.Engine {
		eng := engine.New(python.New(), engine.WithCompilationCache(cache))
		if err := eng.Load(context.Background(), url); err != nil {
			t.Fatal(err)
		}
		return eng
	}

	cold := measure(1, func() { load().Close(context.Background()) })
	replace := measure(3, func() { load().Close(context.Background()) })

	eng := load()
	defer eng.Close(context.Background())
	warm := measure(3, func() { evaluate(t, eng, "print(1)") })

	fmt.Println("┌──────────────────────────────┬───────────┐")
	fmt.Println("│ Step                         │ Time      │")
	fmt.Println("├──────────────────────────────┼───────────┤")
	fmt.Printf("│ %-28s │ %9s │\n", "first load (compile)", formatDuration(cold))
	fmt.Printf("│ %-28s │ %9s │\n", "worker replacement (cached)", formatDuration(replace))
	fmt.Printf("│ %-28s │ %9s │\n", "run print(1)", formatDuration(warm))
	if _, err := osexec.LookPath("python3"); err == nil {
		native := measure(3, func() { osexec.Command("python3", "-c", "print(1)").Run() })
		fmt.Printf("│ %-28s │ %9s │\n", "native python3 print(1)", formatDuration(native))
	}
	fmt.Println("└──────────────────────────────┴───────────┘")
	fmt.Println()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
