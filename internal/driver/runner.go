package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultExitTimeout is how long the runner waits for the child to exit
	// after both output pipes have reached EOF.
	DefaultExitTimeout = 3 * time.Second

	// stdinChunkSize bounds each stdin write to the atomic pipe-write size so
	// a driver that reads and writes concurrently cannot deadlock the agent.
	stdinChunkSize = 512

	// watchdogPoll is how often the idle watchdog inspects pipe activity.
	watchdogPoll = 250 * time.Millisecond
)

// StderrMode controls how much captured stderr is appended to a failing
// driver's result message.
type StderrMode string

const (
	StderrAll     StderrMode = "all"
	StderrMinimal StderrMode = "minimal"
	StderrNone    StderrMode = "none"
)

// ProgressFunc receives one progress record from the driver's stdout stream.
// Returning ErrCancel stops the invocation.
type ProgressFunc func(progress int, message string) error

// Invocation describes one driver run. Exactly one of Describe or Request
// must be set: Describe passes a query flag and expects output with no stdin,
// Request is serialized to the child's stdin.
type Invocation struct {
	Path     string
	AppID    string
	Describe string
	Request  any
	Progress ProgressFunc
}

// Runner executes driver subprocesses and speaks the line-delimited JSON
// protocol on their stdout.
type Runner struct {
	ExitTimeout  time.Duration
	IOTimeout    time.Duration // 0 means no idle timeout
	StderrMode   StderrMode
	CaptureLimit int

	logger *slog.Logger
}

// NewRunner creates a runner with the given idle timeout and stderr policy.
func NewRunner(ioTimeout time.Duration, stderrMode StderrMode) *Runner {
	if stderrMode == "" {
		stderrMode = StderrAll
	}
	return &Runner{
		ExitTimeout: DefaultExitTimeout,
		IOTimeout:   ioTimeout,
		StderrMode:  stderrMode,
		logger:      slog.With("component", "driver"),
	}
}

// Probe runs `path --info app_id` to completion and parses the driver's
// self-description.
func (r *Runner) Probe(ctx context.Context, path, appID string) (Info, error) {
	out, err := exec.CommandContext(ctx, path, "--info", appID).Output()
	if err != nil {
		return Info{}, fmt.Errorf("probing driver %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return Info{}, fmt.Errorf("decoding driver info from %s: %w", path, err)
	}
	return info, nil
}

// ErrTimeout reports that the driver produced no pipe activity within the
// runner's idle timeout and was terminated.
var ErrTimeout = errors.New("driver I/O timed out")

// Run executes one driver invocation. It returns the driver's final response
// and a non-nil error when the driver failed: non-zero exit, malformed
// output, or an I/O timeout. On a non-zero exit the response is returned
// alongside the error; timeout and malformed-output errors carry no response.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Response, error) {
	if (inv.Describe == "") == (inv.Request == nil) {
		panic("driver: exactly one of Describe or Request must be set")
	}

	info, err := r.Probe(ctx, inv.Path, inv.AppID)
	if err != nil {
		return nil, err
	}

	args := []string{}
	if inv.Describe != "" {
		args = append(args, inv.Describe)
	}
	args = append(args, inv.AppID)

	cmd := exec.Command(inv.Path, args...)
	// Own process group, so a kill also reaches processes the driver spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	capture := NewCapture(r.CaptureLimit)

	var stdin io.WriteCloser
	if inv.Request != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("opening driver stdin: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening driver stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening driver stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting driver %s: %w", inv.Path, err)
	}
	r.logger.Debug("driver started", "path", inv.Path, "pid", cmd.Process.Pid, "has_cancel", info.HasCancel)

	var (
		lastActivity atomic.Int64 // unix nanos of the most recent pipe I/O
		timedOut     atomic.Bool
		cancelled    atomic.Bool
		killOnce     sync.Once
	)
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	kill := func() {
		killOnce.Do(func() {
			if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
				r.logger.Warn("failed to kill driver", "pid", cmd.Process.Pid, "error", err)
			}
		})
	}

	cancelChild := func() {
		cancelled.Store(true)
		if info.HasCancel {
			r.logger.Info("sending cancel signal to driver", "pid", cmd.Process.Pid)
			if err := unix.Kill(cmd.Process.Pid, unix.SIGUSR1); err != nil {
				r.logger.Warn("cancel signal failed, killing driver", "pid", cmd.Process.Pid, "error", err)
				kill()
			}
			return
		}
		r.logger.Info("driver does not support cancel, killing", "pid", cmd.Process.Pid)
		kill()
	}

	// Writer: feed the request to the child's stdin in atomic-size chunks.
	writerDone := make(chan error, 1)
	if inv.Request != nil {
		payload, err := json.Marshal(inv.Request)
		if err != nil {
			kill()
			return nil, fmt.Errorf("encoding driver request: %w", err)
		}
		go func() {
			defer stdin.Close()
			for len(payload) > 0 {
				n := stdinChunkSize
				if n > len(payload) {
					n = len(payload)
				}
				if _, err := stdin.Write(payload[:n]); err != nil {
					writerDone <- err
					return
				}
				payload = payload[n:]
				touch()
			}
			writerDone <- nil
		}()
	} else {
		writerDone <- nil
	}

	// Stderr: block reads accumulated into the bounded capture buffer.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				touch()
				capture.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// Stdout: one JSON object per line. Progress records go to the callback;
	// the last non-progress line is the final response.
	var final Response
	var decodeErr error
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16<<20)
		for scanner.Scan() {
			touch()
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				decodeErr = fmt.Errorf("decoding driver output line: %w", err)
				kill()
				break
			}
			if p, ok := obj["progress"]; ok {
				if inv.Progress != nil && !cancelled.Load() {
					msg, _ := obj["message"].(string)
					if err := inv.Progress(toInt(p), msg); errors.Is(err, ErrCancel) {
						cancelChild()
					}
				}
				continue
			}
			final = Response(obj)
		}
		// Drain whatever remains so the child never blocks on a full pipe.
		io.Copy(io.Discard, stdout)
	}()

	// Watchdog over the whole I/O phase: kills on context cancellation and,
	// when an idle timeout is configured, on pipe inactivity.
	watchdogDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(watchdogPoll)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ctx.Done():
				kill()
				return
			case <-ticker.C:
				if r.IOTimeout <= 0 {
					continue
				}
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > r.IOTimeout {
					r.logger.Warn("driver idle past timeout, terminating",
						"pid", cmd.Process.Pid, "idle", idle)
					timedOut.Store(true)
					kill()
					return
				}
			}
		}
	}()

	<-stdoutDone
	<-stderrDone
	writeErr := <-writerDone
	close(watchdogDone)

	exitCode := r.waitExit(cmd, kill)

	switch {
	case timedOut.Load():
		return nil, fmt.Errorf("driver %s: %w", inv.Path, ErrTimeout)
	case decodeErr != nil:
		return nil, decodeErr
	}
	if writeErr != nil {
		r.logger.Debug("driver stdin write interrupted", "error", writeErr)
	}

	if exitCode != 0 {
		if final == nil {
			final = Response{}
		}
		if final.Status() == "" {
			final["status"] = "failed"
		}
		r.appendStderr(final, capture)
		return final, NewError(final)
	}
	if final == nil {
		// A clean exit with no terminal line still needs an envelope the
		// handlers can reject.
		final = Response{"status": "nodata"}
	}
	return final, nil
}

// waitExit waits for the child to exit, killing it if it lingers past the
// exit timeout, and returns its exit code.
func (r *Runner) waitExit(cmd *exec.Cmd, kill func()) int {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(r.exitTimeout()):
		r.logger.Warn("driver did not exit after pipe EOF, killing", "pid", cmd.Process.Pid)
		kill()
		waitErr = <-done
	}

	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (r *Runner) exitTimeout() time.Duration {
	if r.ExitTimeout > 0 {
		return r.ExitTimeout
	}
	return DefaultExitTimeout
}

// appendStderr folds the captured stderr into the response message according
// to the runner's stderr policy.
func (r *Runner) appendStderr(resp Response, capture *Capture) {
	var text string
	switch r.StderrMode {
	case StderrNone:
		return
	case StderrMinimal:
		text = capture.FirstLines(2)
	default:
		text = capture.String()
	}
	if text == "" {
		return
	}
	msg := resp.Message()
	if msg != "" {
		msg += "\n"
	}
	resp["message"] = msg + "stderr: " + text
}

func toInt(v any) int {
	n, _ := v.(float64)
	return int(n)
}
