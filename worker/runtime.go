// Package worker hosts an execution engine behind a message channel.
//
// A [Runtime] accepts controller messages through [Runtime.Post] and reports
// everything it does through a sink function, one message at a time and in
// emission order. Evaluation runs on its own goroutine, so the message loop
// keeps handling stop and input-value while a program waits for input.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/caffeineduck/pynode/engine"
	"github.com/caffeineduck/pynode/protocol"
)

// ErrTerminated is returned by Post after Terminate.
var ErrTerminated = errors.New("worker terminated")

// Evaluator is the engine surface a Runtime drives. *engine.Engine
// implements it.
type Evaluator interface {
	Load(ctx context.Context, baseURL string) error
	Evaluate(ctx context.Context, source string, h engine.Handlers) (engine.Outcome, error)
	Close(ctx context.Context) error
}

// Sink receives every message the runtime emits. It is called from the
// runtime's goroutines, never concurrently, and must not block for long.
type Sink func(protocol.Message)

// State is the lifecycle state of a Runtime.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateRunning
	StateAwaitingInput
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateAwaitingInput:
		return "awaiting-input"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

type activeRun struct {
	id       string
	buffered []string
	cancel   context.CancelFunc
	stopped  bool
}

// Runtime is one worker instance. It owns its Evaluator exclusively and
// closes it after Terminate.
type Runtime struct {
	eval   Evaluator
	sink   Sink
	logger *slog.Logger
	relay  *Relay

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []protocol.Message
	wake    chan struct{}

	mu      sync.Mutex
	state   State
	loadErr protocol.Message
	active  *activeRun

	emitMu     sync.Mutex
	terminated atomic.Bool

	tasks    sync.WaitGroup
	loopDone chan struct{}
	done     chan struct{}
}

// New starts a Runtime in the uninitialized state.
func New(eval Evaluator, sink Sink, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		eval:     eval,
		sink:     sink,
		logger:   slog.New(slog.DiscardHandler),
		relay:    NewRelay(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Post queues msg for the message loop. It never blocks.
func (r *Runtime) Post(msg protocol.Message) error {
	if r.terminated.Load() {
		return ErrTerminated
	}

	r.queueMu.Lock()
	r.queue = append(r.queue, msg)
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Terminate destroys the runtime. It returns immediately; nothing is
// emitted afterwards and the Evaluator is closed once in-flight work has
// unwound. Done is closed when that has happened.
func (r *Runtime) Terminate() {
	if !r.terminated.CompareAndSwap(false, true) {
		return
	}
	r.cancel()

	go func() {
		<-r.loopDone
		r.tasks.Wait()
		if err := r.eval.Close(context.Background()); err != nil {
			r.logger.Debug("close evaluator", "error", err)
		}
		close(r.done)
	}()
}

// Done is closed after Terminate has released the Evaluator.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	if r.terminated.Load() {
		return StateTerminated
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) emit(msg protocol.Message) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.terminated.Load() {
		return
	}
	r.sink(msg)
}

func (r *Runtime) loop() {
	defer close(r.loopDone)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		for {
			msg, ok := r.next()
			if !ok {
				break
			}
			if r.terminated.Load() {
				return
			}
			r.handle(msg)
		}
	}
}

func (r *Runtime) next() (protocol.Message, bool) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if len(r.queue) == 0 {
		return protocol.Message{}, false
	}
	msg := r.queue[0]
	r.queue[0] = protocol.Message{}
	r.queue = r.queue[1:]
	return msg, true
}

func (r *Runtime) handle(msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		r.logger.Warn("dropping message", "type", msg.Type, "error", err)
		return
	}
	if !msg.Type.ToWorker() {
		err := &protocol.ProtocolError{Type: msg.Type, Reason: "not a controller message"}
		r.logger.Warn("dropping message", "type", msg.Type, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeInit:
		r.handleInit(msg)
	case protocol.TypeRun:
		r.handleRun(msg)
	case protocol.TypeInputValue:
		if !r.relay.Resolve(msg.InputID, msg.Reply()) {
			r.logger.Debug("input-value for unknown request", "input_id", msg.InputID)
		}
	case protocol.TypeStop:
		r.handleStop(msg)
	}
}

func (r *Runtime) handleInit(msg protocol.Message) {
	r.mu.Lock()
	switch r.state {
	case StateUninitialized:
		r.state = StateLoading
	case StateError:
		failure := r.loadErr
		r.mu.Unlock()
		r.emit(failure)
		return
	case StateLoading:
		r.mu.Unlock()
		r.logger.Debug("init while loading")
		return
	default:
		r.mu.Unlock()
		r.emit(protocol.Ready())
		return
	}
	r.mu.Unlock()

	r.tasks.Add(1)
	go r.load(msg.EngineBaseURL)
}

func (r *Runtime) load(baseURL string) {
	defer r.tasks.Done()

	r.logger.Info("loading engine", "base_url", baseURL)
	err := r.eval.Load(r.ctx, baseURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.state = StateReady
		r.logger.Info("engine ready")
		r.emit(protocol.Ready())
		return
	}

	var diag *protocol.Diagnostics
	var le *engine.LoadError
	if errors.As(err, &le) {
		d := le.Diagnostics
		diag = &d
	}
	r.state = StateError
	r.loadErr = protocol.Error("", protocol.PhaseInit, err.Error(), diag)
	r.logger.Error("engine load failed", "error", err)
	r.emit(r.loadErr)
}

func (r *Runtime) handleRun(msg protocol.Message) {
	r.mu.Lock()
	if r.state != StateReady {
		state := r.state
		r.mu.Unlock()
		r.logger.Warn("run rejected", "run_id", msg.RunID, "state", state)
		r.emit(protocol.Error(msg.RunID, protocol.PhaseRun, fmt.Sprintf("runtime is %s", state), nil))
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	run := &activeRun{
		id:       msg.RunID,
		buffered: slices.Clone(msg.BufferedInputLines),
		cancel:   cancel,
	}
	r.active = run
	r.state = StateRunning
	r.emit(protocol.Started(run.id))
	r.mu.Unlock()

	r.tasks.Add(1)
	go r.execute(ctx, run, msg.SourceText)
}

func (r *Runtime) handleStop(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.active
	if run == nil {
		r.emit(protocol.Stopped(msg.RunID))
		return
	}
	if msg.RunID != "" && msg.RunID != run.id {
		r.logger.Debug("stop for another run", "run_id", msg.RunID, "active", run.id)
		return
	}
	run.stopped = true
	run.cancel()
}

func (r *Runtime) execute(ctx context.Context, run *activeRun, source string) {
	defer r.tasks.Done()
	defer run.cancel()

	logger := r.logger.With("run_id", run.id)
	logger.Debug("run started")

	out, err := r.eval.Evaluate(ctx, source, engine.Handlers{
		Stdout: streamWriter{r: r, runID: run.id, stream: protocol.TypeStdout},
		Stderr: streamWriter{r: r, runID: run.id, stream: protocol.TypeStderr},
		Input: func(ctx context.Context, prompt string) (protocol.InputReply, error) {
			return r.requestInput(ctx, run, prompt)
		},
	})

	if n := r.relay.CloseAll(); n > 0 {
		logger.Debug("released pending input", "count", n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = nil
	if r.state == StateRunning || r.state == StateAwaitingInput {
		r.state = StateReady
	}

	var terminal protocol.Message
	switch {
	case run.stopped:
		terminal = protocol.Stopped(run.id)
	case err != nil:
		terminal = protocol.Error(run.id, protocol.PhaseEngine, err.Error(), nil)
	case out.ScriptError != nil:
		terminal = protocol.Error(run.id, protocol.PhaseScript, out.ScriptError.Error(), nil)
	default:
		terminal = protocol.Done(run.id, out.ExitCode)
	}

	logger.Debug("run finished", "result", terminal.Type, "duration", out.Duration)
	r.emit(terminal)
}

// requestInput serves one input() call: the next buffered line if any,
// otherwise a round-trip through the controller.
func (r *Runtime) requestInput(ctx context.Context, run *activeRun, prompt string) (protocol.InputReply, error) {
	r.mu.Lock()
	if len(run.buffered) > 0 {
		line := run.buffered[0]
		run.buffered = run.buffered[1:]
		r.mu.Unlock()

		r.emit(protocol.Stdout(run.id, prompt+line+"\n"))
		return protocol.Value(line), nil
	}

	r.state = StateAwaitingInput
	id, ch := r.relay.Open()
	r.mu.Unlock()

	r.emit(protocol.RequestInput(run.id, id, prompt))

	select {
	case reply := <-ch:
		r.mu.Lock()
		if r.state == StateAwaitingInput {
			r.state = StateRunning
		}
		r.mu.Unlock()
		return reply, nil
	case <-ctx.Done():
		r.relay.Forget(id)
		return protocol.InputReply{}, ctx.Err()
	}
}

// MaxChunkSize bounds the text of a single stdout or stderr message. Larger
// writes are split, keeping each encoded line well under
// protocol.MaxLineSize.
const MaxChunkSize = 64 << 10

type streamWriter struct {
	r      *Runtime
	runID  string
	stream protocol.Type
}

func (w streamWriter) Write(p []byte) (int, error) {
	for rest := p; len(rest) > 0; {
		n := chunkLen(rest, MaxChunkSize)
		w.r.emit(protocol.Message{Type: w.stream, RunID: w.runID, Text: string(rest[:n])})
		rest = rest[n:]
	}
	return len(p), nil
}

// chunkLen returns how many leading bytes of p to send in one message: at
// most limit, backed off to a rune boundary when one is close.
func chunkLen(p []byte, limit int) int {
	if len(p) <= limit {
		return len(p)
	}
	for n := limit; n > limit-utf8.UTFMax; n-- {
		if utf8.RuneStart(p[n]) {
			return n
		}
	}
	return limit
}
