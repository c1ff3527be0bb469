package agent

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// StopReason is the agent's tri-state stop flag value.
type StopReason int32

const (
	StopNone StopReason = iota
	StopExit
	StopRestart
)

func (r StopReason) String() string {
	switch r {
	case StopExit:
		return "exit"
	case StopRestart:
		return "restart"
	}
	return ""
}

// StopFlag is a stop request shared between the signal handler and the
// command loop, either of which may set it. It transitions at most once,
// away from StopNone.
type StopFlag struct {
	v atomic.Int32
}

// Set records the stop reason. Later calls lose; the first reason sticks.
func (f *StopFlag) Set(r StopReason) bool {
	return f.v.CompareAndSwap(int32(StopNone), int32(r))
}

// Get returns the current stop reason.
func (f *StopFlag) Get() StopReason {
	return StopReason(f.v.Load())
}

// InstallSignals wires process signals to the agent's lifecycle:
// SIGUSR1 requests a graceful exit, SIGHUP a graceful restart, and
// SIGTERM/SIGINT stop immediately after a bounded GOODBYE.
func (a *Agent) InstallSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1, unix.SIGHUP)
	go func() {
		for sig := range ch {
			switch sig {
			case unix.SIGUSR1:
				a.logger.Info("exit requested", "signal", sig)
				a.stop.Set(StopExit)
			case unix.SIGHUP:
				a.logger.Info("restart requested", "signal", sig)
				a.stop.Set(StopRestart)
			case unix.SIGTERM, unix.SIGINT:
				signal.Reset(sig)
				a.logger.Info("terminating", "signal", sig)
				a.stop.Set(StopExit)
				a.SayGoodbye(context.Background())
				a.exit(0)
			}
		}
	}()
}

// Restart replaces the process image with a fresh copy of itself, keeping
// the original argument vector.
func Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return unix.Exec(exe, os.Args, os.Environ())
}
