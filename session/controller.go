// Package session mediates between a user-facing front end and a worker
// runtime.
//
// A [Controller] owns exactly one worker instance at a time. It maps user
// actions (run, stop, submit input) to worker messages and folds the worker's
// replies into a [Snapshot]. Messages from a replaced instance or for a run
// that is no longer current are discarded, so a late completion can never
// change what the user sees.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

var (
	ErrNotReady = errors.New("session: engine is not ready")
	ErrBusy     = errors.New("session: a run is already in progress")
	ErrClosed   = errors.New("session: closed")
	// ErrTooLarge rejects a run whose source and buffered input cannot be
	// sent to the worker in one message.
	ErrTooLarge = errors.New("session: source too large")
)

// PhaseInitTimeout is the diagnostics phase reported when the engine does
// not become ready in time.
const PhaseInitTimeout = "init_timeout"

const (
	DefaultInitTimeout = 30 * time.Second
	DefaultMaxOutput   = 10000
)

// Options configures a Controller.
type Options struct {
	// EngineBaseURL is sent with init.
	EngineBaseURL string
	// InitTimeout bounds the wait for ready. Zero means DefaultInitTimeout.
	InitTimeout time.Duration
	// MaxOutput caps the number of transcript chunks kept. Zero means
	// DefaultMaxOutput.
	MaxOutput int
	Logger    *slog.Logger
}

type handle struct {
	id string
	rt Runtime
}

type runState struct {
	RunInfo
	finishedAt time.Time
}

// Controller is safe for concurrent use. None of its methods wait for the
// worker.
type Controller struct {
	factory Factory
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	phase       Phase
	current     *handle
	run         *runState
	prompt      *Prompt
	loadFailure *LoadFailure
	lastError   string
	output      []Chunk
	watchdog    *time.Timer

	events *dispatcher
}

// New creates a Controller. Call Start to create the first worker.
func New(factory Factory, opts Options) *Controller {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		factory: factory,
		opts:    opts,
		logger:  logger,
		phase:   PhaseIdle,
		events:  newDispatcher(),
	}
}

// Subscribe registers fn for every subsequent Event. Events are delivered on
// a single goroutine in order, so fn may call back into the Controller. The
// returned function unregisters fn.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// Start creates a worker and sends init. It does nothing while a worker is
// live; after a load failure it replaces the dead worker.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseClosed:
		return ErrClosed
	case PhaseIdle, PhaseLoadFailed:
	default:
		return nil
	}
	c.discardLocked()
	return c.spawnLocked()
}

// SubmitRun starts a run of source. bufferedInput is split into lines that
// answer input() calls before the user is asked. It returns the new run id.
func (c *Controller) SubmitRun(source, bufferedInput string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch c.phase {
	case PhaseReady:
	case PhaseRunning, PhaseAwaitingInput:
		err = ErrBusy
	case PhaseClosed:
		err = ErrClosed
	default:
		err = ErrNotReady
	}
	var msg protocol.Message
	if err == nil {
		runID := xid.New().String()
		msg = protocol.Run(runID, source, SplitLines(bufferedInput))
		if sizeErr := protocol.CheckSize(msg); sizeErr != nil {
			err = fmt.Errorf("%w: %w", ErrTooLarge, sizeErr)
		}
	}
	if err == nil {
		runID := msg.RunID
		err = c.current.rt.Post(msg)
		if err == nil {
			c.run = &runState{RunInfo: RunInfo{ID: runID, Status: RunPending, StartedAt: time.Now()}}
			c.prompt = nil
			c.lastError = ""
			c.phase = PhaseRunning
			c.appendLocked(Chunk{Stream: StreamSystem, RunID: runID, Text: "[run " + runID + "]\n"})
			c.logger.Info("run submitted", "run_id", runID, "instance", c.current.id)
			c.publishLocked(Event{Kind: EventPhase, RunID: runID})
			return runID, nil
		}
		err = fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	c.lastError = err.Error()
	c.publishLocked(Event{Kind: EventRejected, Error: err.Error()})
	return "", err
}

// Stop abandons the current run. The worker is asked to stop, then
// terminated and replaced whether or not it cooperates.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseClosed {
		return ErrClosed
	}
	if c.current == nil {
		return nil
	}

	var runID string
	if c.run != nil && !c.run.Status.Finished() {
		runID = c.run.ID
		c.finishRunLocked(RunStopped)
		c.appendLocked(Chunk{Stream: StreamSystem, RunID: runID, Text: "[stopped]\n"})
		c.publishLocked(Event{Kind: EventPhase, RunID: runID})
	}

	c.current.rt.Post(protocol.Stop(runID))
	c.logger.Info("replacing worker", "instance", c.current.id, "run_id", runID)
	c.discardLocked()
	c.appendLocked(Chunk{Stream: StreamSystem, Text: "[worker terminated]\n"})
	return c.spawnLocked()
}

// SubmitInputValue answers the input request inputID. Replies for requests
// that are no longer open are forwarded and ignored by the worker.
func (c *Controller) SubmitInputValue(inputID string, reply protocol.InputReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseClosed {
		return ErrClosed
	}
	if c.current == nil {
		return nil
	}

	if c.prompt != nil && c.prompt.InputID == inputID {
		echo := c.prompt.Text + reply.Value
		switch reply.Kind {
		case protocol.ReplyInterrupt:
			echo += "^C"
		case protocol.ReplyCancel:
			echo += "^D"
		}
		c.appendLocked(Chunk{Stream: StreamStdin, RunID: c.run.ID, Text: echo + "\n"})
		c.prompt = nil
		c.run.Status = RunRunning
		c.phase = PhaseRunning
		c.publishLocked(Event{Kind: EventPhase, RunID: c.run.ID})
	}

	return c.current.rt.Post(protocol.InputValue(inputID, reply))
}

// Clear empties the output transcript.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Phase:     c.phase,
		LastError: c.lastError,
		Output:    append([]Chunk(nil), c.output...),
	}
	if c.current != nil {
		s.InstanceID = c.current.id
	}
	if c.run != nil {
		info := c.run.RunInfo
		end := c.run.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		info.Elapsed = end.Sub(info.StartedAt)
		s.Run = &info
	}
	if c.prompt != nil {
		p := *c.prompt
		s.Prompt = &p
	}
	if c.loadFailure != nil {
		lf := *c.loadFailure
		s.LoadFailure = &lf
	}
	return s
}

// Close terminates the worker. The Controller cannot be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.phase == PhaseClosed {
		c.mu.Unlock()
		return
	}
	c.discardLocked()
	c.phase = PhaseClosed
	c.publishLocked(Event{Kind: EventPhase})
	c.mu.Unlock()

	c.events.close()
}

func (c *Controller) spawnLocked() error {
	id := uuid.NewString()
	rt, err := c.factory.NewRuntime(func(m protocol.Message) {
		c.receive(id, m)
	})
	if err != nil {
		c.phase = PhaseLoadFailed
		c.loadFailure = &LoadFailure{Message: err.Error()}
		c.logger.Error("create worker", "error", err)
		c.publishLocked(Event{Kind: EventPhase, Error: err.Error()})
		return fmt.Errorf("create worker: %w", err)
	}

	c.current = &handle{id: id, rt: rt}
	c.phase = PhaseLoading
	c.loadFailure = nil
	c.watchdog = time.AfterFunc(c.opts.InitTimeout, func() {
		c.initTimedOut(id)
	})
	c.logger.Debug("worker created", "instance", id)
	c.publishLocked(Event{Kind: EventPhase})

	if err := rt.Post(protocol.Init(c.opts.EngineBaseURL)); err != nil {
		c.failLoadLocked(&LoadFailure{Message: err.Error()})
		return fmt.Errorf("init worker: %w", err)
	}
	return nil
}

// discardLocked terminates the current worker. Anything it still sends is
// stale from here on.
func (c *Controller) discardLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.current != nil {
		c.current.rt.Terminate()
		c.current = nil
	}
	c.prompt = nil
}

func (c *Controller) failLoadLocked(lf *LoadFailure) {
	c.discardLocked()
	c.phase = PhaseLoadFailed
	c.loadFailure = lf
	c.appendLocked(Chunk{Stream: StreamSystem, Text: "[engine load failed] " + lf.Message + "\n"})
	c.publishLocked(Event{Kind: EventPhase, Error: lf.Message})
}

func (c *Controller) initTimedOut(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.id != instanceID || c.phase != PhaseLoading {
		return
	}
	c.logger.Error("engine did not become ready", "instance", instanceID, "timeout", c.opts.InitTimeout)
	c.failLoadLocked(&LoadFailure{
		Message: fmt.Sprintf("engine did not become ready within %s", c.opts.InitTimeout),
		Diagnostics: &protocol.Diagnostics{
			Phase:  PhaseInitTimeout,
			URL:    c.opts.EngineBaseURL,
			Detail: "check that the engine base URL serves the interpreter asset",
		},
	})
}

// receive handles a message from worker instanceID.
func (c *Controller) receive(instanceID string, m protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.id != instanceID {
		c.logger.Debug("discarding message from stale worker", "instance", instanceID, "type", m.Type)
		return
	}
	if err := m.Validate(); err != nil || !m.Type.FromWorker() {
		c.logger.Warn("dropping worker message", "type", m.Type, "error", err)
		return
	}

	if m.RunID == "" {
		c.receiveInstanceLocked(m)
		return
	}
	if c.run == nil || c.run.ID != m.RunID || c.run.Status.Finished() {
		c.logger.Debug("discarding message for stale run", "run_id", m.RunID, "type", m.Type)
		return
	}

	switch m.Type {
	case protocol.TypeStarted:
		c.run.Status = RunRunning
	case protocol.TypeStdout:
		c.appendLocked(Chunk{Stream: StreamStdout, RunID: m.RunID, Text: m.Text})
	case protocol.TypeStderr:
		c.appendLocked(Chunk{Stream: StreamStderr, RunID: m.RunID, Text: m.Text})
	case protocol.TypeRequestInput:
		c.prompt = &Prompt{InputID: m.InputID, Text: m.PromptText}
		c.run.Status = RunAwaitingInput
		c.phase = PhaseAwaitingInput
	case protocol.TypeDone, protocol.TypeExit:
		c.run.ExitCode = m.ExitCode
		c.finishRunLocked(RunCompleted)
		text := "[done]\n"
		if m.Type == protocol.TypeExit && m.ExitCode != nil {
			text = fmt.Sprintf("[exit %d]\n", *m.ExitCode)
		}
		c.appendLocked(Chunk{Stream: StreamSystem, RunID: m.RunID, Text: text})
	case protocol.TypeError:
		c.run.Error = m.Message
		c.finishRunLocked(RunErrored)
		c.appendLocked(Chunk{Stream: StreamSystem, RunID: m.RunID, Text: "[error] " + m.Message + "\n"})
	case protocol.TypeStopped:
		c.finishRunLocked(RunStopped)
		c.appendLocked(Chunk{Stream: StreamSystem, RunID: m.RunID, Text: "[stopped]\n"})
	default:
		c.logger.Debug("ignoring message", "type", m.Type)
		return
	}

	msg := m
	c.publishLocked(Event{Kind: EventMessage, RunID: m.RunID, Message: &msg})
}

func (c *Controller) receiveInstanceLocked(m protocol.Message) {
	switch m.Type {
	case protocol.TypeReady:
		if c.phase != PhaseLoading {
			return
		}
		if c.watchdog != nil {
			c.watchdog.Stop()
			c.watchdog = nil
		}
		c.phase = PhaseReady
		c.logger.Info("engine ready", "instance", c.current.id)
	case protocol.TypeError:
		if m.Phase != protocol.PhaseInit {
			c.logger.Warn("worker error", "phase", m.Phase, "message", m.Message)
			return
		}
		c.logger.Error("engine load failed", "instance", c.current.id, "message", m.Message)
		c.failLoadLocked(&LoadFailure{Message: m.Message, Diagnostics: m.Diagnostics})
		return
	default:
		return
	}

	msg := m
	c.publishLocked(Event{Kind: EventMessage, Message: &msg})
}

func (c *Controller) finishRunLocked(status RunStatus) {
	c.run.Status = status
	c.run.finishedAt = time.Now()
	c.prompt = nil
	if c.current != nil && (c.phase == PhaseRunning || c.phase == PhaseAwaitingInput) {
		c.phase = PhaseReady
	}
}

func (c *Controller) appendLocked(chunk Chunk) {
	c.output = append(c.output, chunk)
	if over := len(c.output) - c.opts.MaxOutput; over > 0 {
		c.output = append(c.output[:0], c.output[over:]...)
	}
}

func (c *Controller) publishLocked(ev Event) {
	ev.Phase = c.phase
	c.events.publish(ev)
}

// SplitLines splits buffered input text into lines. CRLF line endings are
// accepted, empty text yields no lines and a single trailing newline does
// not add an empty line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
