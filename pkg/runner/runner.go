// Package runner spawns the worker subprocess, streams its stdout to the
// parser, and enforces the timeout/cancellation termination sequence:
// graceful signal first, forceful kill after a grace window, following
// the same pattern this codebase uses to supervise its embedded runtime
// processes.
package runner

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
	"github.com/cuemby/dispatchd/pkg/stream"
)

// Options configures one worker subprocess invocation.
type Options struct {
	Binary  string
	Args    []string
	WorkDir string
	Env     []string // additional KEY=VALUE entries, appended to os.Environ()

	Timeout time.Duration
	Grace   time.Duration

	Cancelled <-chan struct{}
	Sink      stream.Sink
}

// Outcome summarizes how the subprocess and its stream ended.
type Outcome struct {
	FinalState stream.State
	ExitCode   int
	Cancelled  bool
	TimedOut   bool
}

// Run spawns the worker and blocks until it exits, is cancelled, or times
// out. Stdout is streamed line-by-line to opts.Sink via the stream
// parser; stderr is preserved verbatim to the runner's component logger
// without being classified.
func Run(opts Options) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkerRunDuration)

	logger := log.WithComponent("runner")

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, err
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, err
	}

	go streamStderr(stderr, logger)

	parser := stream.NewParser()
	parseDone := make(chan stream.State, 1)
	go func() {
		state, perr := parser.Run(stdout, opts.Sink)
		if perr != nil {
			logger.Warn().Err(perr).Msg("stream sink returned an error; terminating worker")
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		}
		parseDone <- state
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	var exitErr error
	cancelled, timedOut := false, false

	select {
	case exitErr = <-waitDone:
	case <-opts.Cancelled:
		cancelled = true
		exitErr = gracefulThenForceful(cmd, opts.Grace, waitDone, logger)
	case <-timeoutCh:
		timedOut = true
		exitErr = gracefulThenForceful(cmd, opts.Grace, waitDone, logger)
	}

	finalState := <-parseDone
	if cancelled || timedOut {
		finalState = stream.StateCancelled
	}

	return Outcome{
		FinalState: finalState,
		ExitCode:   exitCodeOf(exitErr),
		Cancelled:  cancelled,
		TimedOut:   timedOut,
	}, nil
}

// gracefulThenForceful sends SIGTERM and, if the process hasn't exited
// within grace, escalates to SIGKILL.
func gracefulThenForceful(cmd *exec.Cmd, grace time.Duration, waitDone chan error, logger zerolog.Logger) error {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Warn().Err(err).Msg("failed to send SIGTERM to worker")
		}
	}

	select {
	case err := <-waitDone:
		return err
	case <-time.After(grace):
		logger.Warn().Msg("worker did not exit within grace window, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Warn().Err(err).Msg("failed to kill worker")
			}
		}
		return <-waitDone
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func streamStderr(r io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
}
