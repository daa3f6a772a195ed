package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/caffeineduck/pynode/worker"
)

// Runtime is the controller's handle on one worker instance.
type Runtime interface {
	// Post sends a message to the worker without blocking.
	Post(protocol.Message) error
	// Terminate destroys the worker. It does not wait.
	Terminate()
}

// Factory creates worker instances. sink receives every message the new
// instance emits.
type Factory interface {
	NewRuntime(sink func(protocol.Message)) (Runtime, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(sink func(protocol.Message)) (Runtime, error)

func (f FactoryFunc) NewRuntime(sink func(protocol.Message)) (Runtime, error) {
	return f(sink)
}

// InProcess returns a Factory that runs each worker on goroutines of this
// process. newEval is called once per worker; evaluators are never shared.
func InProcess(newEval func() (worker.Evaluator, error), opts ...worker.Option) Factory {
	return FactoryFunc(func(sink func(protocol.Message)) (Runtime, error) {
		eval, err := newEval()
		if err != nil {
			return nil, err
		}
		return worker.New(eval, sink, opts...), nil
	})
}

// Process runs each worker as a child process that speaks newline-delimited
// messages on its standard streams (see worker.Serve). Terminating the
// worker kills the process.
type Process struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
	Logger *slog.Logger
}

func (p Process) NewRuntime(sink func(protocol.Message)) (Runtime, error) {
	cmd := exec.Command(p.Path, p.Args...)
	if p.Env != nil {
		cmd.Env = p.Env
	}
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pr := &processRuntime{
		cmd:    cmd,
		stdin:  stdin,
		enc:    protocol.NewEncoder(stdin),
		sink:   sink,
		logger: logger.With("pid", cmd.Process.Pid),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go pr.writeLoop()
	go pr.readLoop(stdout)
	return pr, nil
}

type processRuntime struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	sink   func(protocol.Message)
	logger *slog.Logger

	mu      sync.Mutex
	queue   []protocol.Message
	lastRun string
	wake    chan struct{}

	terminated atomic.Bool
	done       chan struct{}
}

func (p *processRuntime) Post(m protocol.Message) error {
	if p.terminated.Load() {
		return worker.ErrTerminated
	}
	select {
	case <-p.done:
		return fmt.Errorf("worker process exited")
	default:
	}

	p.mu.Lock()
	p.queue = append(p.queue, m)
	if m.Type == protocol.TypeRun {
		p.lastRun = m.RunID
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *processRuntime) Terminate() {
	if !p.terminated.CompareAndSwap(false, true) {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Debug("kill worker", "error", err)
	}
	p.stdin.Close()
}

func (p *processRuntime) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, m := range batch {
			if err := p.enc.Encode(m); err != nil {
				p.logger.Warn("write to worker", "type", m.Type, "error", err)
			}
		}
	}
}

func (p *processRuntime) readLoop(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	var readErr error
	for {
		m, err := dec.Next()
		if err != nil {
			if protocol.IsProtocolError(err) {
				p.logger.Warn("dropping worker message", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if p.terminated.Load() {
			continue
		}
		p.sink(m)
	}

	if readErr != nil {
		// Nobody drains stdout any more; a child blocked writing to it would
		// never exit on its own.
		p.logger.Error("worker output unreadable", "error", readErr)
		p.cmd.Process.Kill()
	}
	waitErr := p.cmd.Wait()
	close(p.done)
	if p.terminated.Load() {
		return
	}

	// Exited without Terminate: fail the outstanding run and the instance.
	p.logger.Error("worker process exited", "error", waitErr)
	reason := "worker process exited"
	phase := protocol.PhaseEngine
	switch {
	case readErr != nil:
		reason = "worker output unreadable: " + readErr.Error()
		phase = protocol.PhaseProtocol
	case waitErr != nil:
		reason += ": " + waitErr.Error()
	}
	p.mu.Lock()
	lastRun := p.lastRun
	p.mu.Unlock()
	if lastRun != "" {
		p.sink(protocol.Error(lastRun, phase, reason, nil))
	}
	p.sink(protocol.Error("", protocol.PhaseInit, reason, nil))
}
