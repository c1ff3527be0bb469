package agent

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsani/servo/internal/api"
	"github.com/opsani/servo/internal/driver"
)

// Progress posts are best-effort: at most one sustained per second with a
// burst of ten, and a single retry. A chatty driver must not flood the
// service or stall its own run on a flaky network.
const (
	progressInterval = time.Second
	progressBurst    = 10
	progressRetries  = 1
)

// newReporter binds a progress callback to an operation's result event and
// start time. An empty event name disables reporting.
func (a *Agent) newReporter(ctx context.Context, event string, startedAt time.Time) driver.ProgressFunc {
	if event == "" {
		return nil
	}
	limiter := rate.NewLimiter(rate.Every(progressInterval), progressBurst)
	return func(progress int, message string) error {
		if !limiter.Allow() {
			return nil
		}
		param := map[string]any{
			"progress": progress,
			"runtime":  int(time.Since(startedAt).Seconds()),
		}
		if message != "" {
			param["message"] = message
		}
		resp, err := a.client.Post(ctx, event, param, api.PostOptions{Retries: api.Retries(progressRetries)})
		if err != nil {
			a.logger.Warn("progress report not delivered", "event", event, "error", err)
			return nil
		}
		if status, _ := resp["status"].(string); status == api.StatusCancel {
			reason, _ := resp["reason"].(string)
			a.logger.Info("service cancelled operation", "event", event, "reason", reason)
			return driver.ErrCancel
		}
		return nil
	}
}
