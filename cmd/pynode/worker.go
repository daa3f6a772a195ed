package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/pynode/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve one worker runtime on stdin/stdout",
	Long: `Run a single worker that reads newline-delimited JSON messages on stdin
and writes its replies to stdout. Logs go to stderr.

This is what "--worker process" spawns for every session; it is not meant
to be run by hand.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	Run:    runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg, logger, closer := setup(cmd, os.Stderr)
	if closer != nil {
		defer closer.Close()
	}

	newEval, release, err := evaluators(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer release()

	eval, err := newEval()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	logger = logger.With("pid", os.Getpid())
	if err := worker.Serve(ctx, eval, os.Stdin, os.Stdout, worker.WithLogger(logger)); err != nil {
		logger.Error("worker stopped", "error", err)
	}
}
