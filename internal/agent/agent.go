// Package agent implements the servo command loop: it polls the optimization
// service for commands, dispatches them to driver subprocesses, relays
// progress, and posts results.
package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/opsani/servo/internal/api"
	"github.com/opsani/servo/internal/config"
	"github.com/opsani/servo/internal/driver"
)

// DefaultSleep is how long a SLEEP command pauses when its duration is
// missing or unparseable.
const DefaultSleep = 120 * time.Second

// Agent runs the command loop against one application.
type Agent struct {
	cfg    *config.Config
	client *api.Client
	runner *driver.Runner
	stop   *StopFlag
	logger *slog.Logger

	// In and Out carry the interactive prompt. They default to the
	// process's stdin and stdout.
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
	exit   func(int)
}

// New assembles an agent from its collaborators.
func New(cfg *config.Config, client *api.Client, runner *driver.Runner, stop *StopFlag) *Agent {
	return &Agent{
		cfg:    cfg,
		client: client,
		runner: runner,
		stop:   stop,
		logger: slog.With("component", "agent"),
		In:     os.Stdin,
		Out:    os.Stdout,
		exit:   os.Exit,
	}
}

// Run greets the service and executes the command loop until the stop flag
// is raised or the context is cancelled. Once HELLO has been accepted,
// GOODBYE is posted on every exit path; a failed HELLO returns its error
// without one. The caller decides between process exit and restart from the
// flag.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "app_id", a.cfg.AppID, "url", a.client.URL())
	if _, err := a.client.Post(ctx, api.EventHello, map[string]any{"agent": a.cfg.Agent}, api.PostOptions{}); err != nil {
		return err
	}

	first := true
	for a.stop.Get() == StopNone {
		resp, err := a.client.Post(ctx, api.EventWhatsNext, nil, api.PostOptions{QuickFirstRetry: first})
		first = false
		if err != nil {
			a.SayGoodbye(ctx)
			return err
		}

		cmd, _ := resp["cmd"].(string)
		if cmd == "" {
			a.logger.Warn("service response has no command", "response", resp)
			if !a.pause(ctx) {
				break
			}
			continue
		}
		param, _ := resp["param"].(map[string]any)

		a.logger.Info("command received", "cmd", cmd)
		a.dispatch(ctx, cmd, param)

		if a.stop.Get() != StopNone {
			break
		}
		if !a.pause(ctx) {
			break
		}
	}

	a.SayGoodbye(ctx)
	return nil
}

// dispatch executes one service command. Per-command failures are posted as
// failure results; they never abort the loop.
func (a *Agent) dispatch(ctx context.Context, cmd string, param map[string]any) {
	switch cmd {
	case api.CommandDescribe, api.CommandMeasure, api.CommandAdjust:
		a.dispatchDriver(ctx, cmd, param)
	case api.CommandSleep:
		a.dispatchSleep(ctx, param)
	case api.CommandExit:
		a.logger.Info("service requested exit")
		a.stop.Set(StopExit)
	default:
		a.logger.Warn("unknown command ignored", "cmd", cmd)
	}
}

func (a *Agent) dispatchDriver(ctx context.Context, cmd string, param map[string]any) {
	event := api.ResultEvent(cmd)

	if envParam := environmentParam(param); envParam != nil {
		if err := a.environment(ctx, param); err != nil {
			a.logger.Error("environment check failed", "cmd", cmd, "error", err)
			a.postResult(ctx, event, environmentMismatchResult(err))
			return
		}
	}

	started := time.Now()
	progress := a.newReporter(ctx, event, started)

	var result map[string]any
	var err error
	switch cmd {
	case api.CommandDescribe:
		var descriptor map[string]any
		descriptor, err = a.describe(ctx)
		if err == nil {
			result = map[string]any{"status": "ok", "descriptor": descriptor}
		}
	case api.CommandMeasure:
		result, err = a.measure(ctx, param, progress)
	case api.CommandAdjust:
		result, err = a.adjust(ctx, param, progress)
	}
	if err != nil {
		a.logger.Error("operation failed", "cmd", cmd, "error", err)
		result = failureResult(err)
	}
	a.postResult(ctx, event, result)
}

func (a *Agent) dispatchSleep(ctx context.Context, param map[string]any) {
	if a.cfg.Interactive {
		a.logger.Debug("interactive mode, sleep ignored")
		return
	}
	d := sleepDuration(param)
	a.logger.Info("sleeping", "duration", d)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// postResult delivers a terminal event, retrying until the service accepts
// it. A lost result would desynchronize the session.
func (a *Agent) postResult(ctx context.Context, event string, result map[string]any) {
	if _, err := a.client.Post(ctx, event, result, api.PostOptions{}); err != nil {
		a.logger.Error("result not delivered", "event", event, "error", err)
	}
}

// SayGoodbye announces shutdown with bounded retries so a dead network
// cannot hold up termination.
func (a *Agent) SayGoodbye(ctx context.Context) {
	param := map[string]any{}
	if reason := a.stop.Get().String(); reason != "" {
		param["reason"] = reason
	}
	if _, err := a.client.Post(ctx, api.EventGoodbye, param, api.PostOptions{Retries: api.Retries(3)}); err != nil {
		a.logger.Warn("goodbye not delivered", "error", err)
	}
}

// pause waits between commands: the interactive prompt, the configured
// delay, or nothing. It reports false when the loop should stop.
func (a *Agent) pause(ctx context.Context) bool {
	if a.cfg.Interactive {
		return a.promptNext()
	}
	if a.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(a.cfg.Delay) * time.Second):
		}
	}
	return ctx.Err() == nil
}

// environmentParam returns param.control.environment when present.
func environmentParam(param map[string]any) any {
	control, _ := param["control"].(map[string]any)
	if control == nil {
		return nil
	}
	env, ok := control["environment"]
	if !ok || env == nil {
		return nil
	}
	return env
}

func sleepDuration(param map[string]any) time.Duration {
	switch v := param["duration"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case string:
		if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
			return d
		}
	}
	return DefaultSleep
}

// failureResult converts an operation error into the result envelope the
// service expects.
func failureResult(err error) map[string]any {
	var derr *driver.Error
	if errors.As(err, &derr) {
		result := map[string]any{"status": derr.Status, "message": derr.Message}
		if derr.Reason != "" {
			result["reason"] = derr.Reason
		}
		return result
	}
	return map[string]any{"status": "failed", "message": err.Error()}
}

func environmentMismatchResult(err error) map[string]any {
	result := map[string]any{"status": "environment-mismatch"}
	var derr *driver.Error
	if errors.As(err, &derr) {
		result["message"] = derr.Message
		if derr.Reason != "" {
			result["reason"] = derr.Reason
		}
		return result
	}
	result["message"] = err.Error()
	return result
}
