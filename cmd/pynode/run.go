package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/caffeineduck/pynode/internal/config"
	"github.com/caffeineduck/pynode/internal/logging"
	"github.com/caffeineduck/pynode/protocol"
	"github.com/caffeineduck/pynode/session"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a Python program",
	Long: `Run a Python program in a fresh worker and stream its output.

Code can be provided via:
  - File argument: pynode run script.py
  - Inline flag: pynode run -c 'print(input("name? "))'
  - Stdin: echo 'print(1+1)' | pynode run

input() is answered from --stdin lines first, then from the terminal.
At a prompt, Ctrl+C raises KeyboardInterrupt and Ctrl+D raises EOFError.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("stdin", "", "Lines answering input() before the terminal is asked")
	cmd.Flags().String("stdin-file", "", "File whose lines answer input() before the terminal is asked")
}

// lineReader answers one input() call.
type lineReader interface {
	ReadLine(prompt string) protocol.InputReply
}

type readlineInput struct {
	rl *readline.Instance
}

func (r *readlineInput) ReadLine(prompt string) protocol.InputReply {
	r.rl.SetPrompt(prompt)
	line, err := r.rl.Readline()
	switch {
	case errors.Is(err, readline.ErrInterrupt):
		return protocol.Interrupt()
	case err != nil:
		return protocol.Cancel()
	}
	return protocol.Value(line)
}

// scannerInput reads answers from a non-terminal reader.
type scannerInput struct {
	sc  *bufio.Scanner
	out io.Writer
}

func newScannerInput(r io.Reader, out io.Writer) *scannerInput {
	return &scannerInput{sc: bufio.NewScanner(r), out: out}
}

func (s *scannerInput) ReadLine(prompt string) protocol.InputReply {
	io.WriteString(s.out, prompt)
	if !s.sc.Scan() {
		io.WriteString(s.out, "\n")
		return protocol.Cancel()
	}
	line := strings.TrimSuffix(s.sc.Text(), "\r")
	fmt.Fprintln(s.out, line)
	return protocol.Value(line)
}

func runRun(cmd *cobra.Command, args []string) {
	code, _ := cmd.Flags().GetString("code")
	stdinText, _ := cmd.Flags().GetString("stdin")
	stdinFile, _ := cmd.Flags().GetString("stdin-file")

	source, fromStdin, err := readSource(code, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if stdinFile != "" {
		data, err := os.ReadFile(stdinFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin file: %v\n", err)
			os.Exit(1)
		}
		stdinText += string(data)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// Program output shares stderr with the log, so info lines stay off
	// unless asked for.
	if !cmd.Root().PersistentFlags().Changed("log-level") && cfg.Logging.Level == config.LogLevelInfo {
		cfg.Logging.Level = config.LogLevelWarn
	}
	logger, closer, err := logging.NewFromConfig(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	factory, release, err := newFactory(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var input lineReader
	switch {
	case fromStdin:
		input = newScannerInput(strings.NewReader(""), os.Stdout)
	case isTerminal(os.Stdin):
		rl, err := readline.NewEx(&readline.Config{
			InterruptPrompt: "^C",
			EOFPrompt:       "^D",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		input = &readlineInput{rl: rl}
	default:
		input = newScannerInput(os.Stdin, os.Stdout)
	}

	ctrl := session.New(factory, session.Options{
		EngineBaseURL: cfg.Engine.BaseURL,
		InitTimeout:   cfg.Engine.InitTimeout,
		Logger:        logger,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	exitCode := execute(ctrl, source, stdinText, input, os.Stdout, os.Stderr, sigs)

	signal.Stop(sigs)
	ctrl.Close()
	release()
	if closer != nil {
		closer.Close()
	}
	if rl, ok := input.(*readlineInput); ok {
		rl.rl.Close()
	}
	os.Exit(exitCode)
}

// readSource returns the program text and whether it was read from stdin.
func readSource(code string, args []string) (string, bool, error) {
	switch {
	case code != "":
		return code, false, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", false, fmt.Errorf("reading file: %w", err)
		}
		return string(data), false, nil
	}

	if isTerminal(os.Stdin) {
		return "", false, fmt.Errorf("no code provided (use -c, a file argument, or pipe to stdin)")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", false, fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), true, nil
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// execute starts ctrl, runs source once it is ready and relays output and
// input until the run ends. It returns the process exit code.
func execute(ctrl *session.Controller, source, bufferedInput string, input lineReader, stdout, stderr io.Writer, interrupt <-chan os.Signal) int {
	events := make(chan session.Event, 256)
	quit := make(chan struct{})
	defer close(quit)
	unsubscribe := ctrl.Subscribe(func(ev session.Event) {
		select {
		case events <- ev:
		case <-quit:
		}
	})
	defer unsubscribe()

	if err := ctrl.Start(); err != nil {
		printLoadFailure(stderr, ctrl.Snapshot().LoadFailure, err)
		return 1
	}

	type answer struct {
		inputID string
		reply   protocol.InputReply
	}
	answers := make(chan answer, 1)

	var runID string
	for {
		select {
		case <-interrupt:
			if runID != "" {
				ctrl.Stop()
				fmt.Fprintln(stderr, "\n[stopped]")
			}
			return 130

		case a := <-answers:
			if err := ctrl.SubmitInputValue(a.inputID, a.reply); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}

		case ev := <-events:
			if ev.Phase == session.PhaseLoadFailed {
				printLoadFailure(stderr, ctrl.Snapshot().LoadFailure, nil)
				return 1
			}
			if ev.Kind == session.EventRejected {
				fmt.Fprintf(stderr, "Error: %s\n", ev.Error)
				return 1
			}
			if ev.Kind != session.EventMessage || ev.Message == nil {
				continue
			}

			m := ev.Message
			switch m.Type {
			case protocol.TypeReady:
				if runID != "" {
					continue
				}
				id, err := ctrl.SubmitRun(source, bufferedInput)
				if err != nil {
					fmt.Fprintf(stderr, "Error: %v\n", err)
					return 1
				}
				runID = id
			case protocol.TypeStdout:
				io.WriteString(stdout, m.Text)
			case protocol.TypeStderr:
				io.WriteString(stderr, m.Text)
			case protocol.TypeRequestInput:
				go func(inputID, prompt string) {
					answers <- answer{inputID: inputID, reply: input.ReadLine(prompt)}
				}(m.InputID, m.PromptText)
			case protocol.TypeDone, protocol.TypeExit:
				if m.ExitCode != nil {
					return *m.ExitCode
				}
				return 0
			case protocol.TypeError:
				// The traceback of a script error is already on stderr.
				if m.Phase != protocol.PhaseScript {
					fmt.Fprintf(stderr, "Error: %s\n", m.Message)
				}
				return 1
			case protocol.TypeStopped:
				return 130
			}
		}
	}
}

func printLoadFailure(w io.Writer, lf *session.LoadFailure, err error) {
	if lf == nil {
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
		}
		return
	}
	fmt.Fprintf(w, "Error: engine load failed: %s\n", lf.Message)
	if d := lf.Diagnostics; d != nil {
		fmt.Fprintf(w, "  phase:        %s\n", d.Phase)
		if d.URL != "" {
			fmt.Fprintf(w, "  url:          %s\n", d.URL)
		}
		if d.Status != 0 {
			fmt.Fprintf(w, "  status:       %d\n", d.Status)
		}
		if d.ContentType != "" {
			fmt.Fprintf(w, "  content type: %s\n", d.ContentType)
		}
		if d.Detail != "" {
			fmt.Fprintf(w, "  detail:       %s\n", d.Detail)
		}
		if d.Snippet != "" {
			fmt.Fprintf(w, "  body:         %q\n", d.Snippet)
		}
	}
}
