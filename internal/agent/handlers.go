package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsani/servo/internal/driver"
)

// legacyThroughputMetric is renamed to "perf" when the driver does not
// report a perf metric itself.
const legacyThroughputMetric = "requests throughput"

// describe queries the adjust driver for the application's settings and the
// measure driver for its metric catalog, and combines them into one
// descriptor.
func (a *Agent) describe(ctx context.Context) (map[string]any, error) {
	settings, err := a.runner.Run(ctx, driver.Invocation{
		Path:     a.cfg.AdjustDriver,
		AppID:    a.cfg.AppID,
		Describe: "--query",
	})
	if err != nil {
		return nil, fmt.Errorf("querying adjust driver: %w", err)
	}

	catalog, err := a.runner.Run(ctx, driver.Invocation{
		Path:     a.cfg.MeasureDriver,
		AppID:    a.cfg.AppID,
		Describe: "--describe",
	})
	if err != nil {
		return nil, fmt.Errorf("describing measure driver: %w", err)
	}

	metrics, _ := catalog["metrics"].(map[string]any)
	aliasPerf(metrics)

	descriptor := map[string]any{
		"application": settings["application"],
		"measurement": map[string]any{"metrics": metrics},
	}
	if a.cfg.Perf != "" {
		descriptor["optimization"] = map[string]any{"perf": a.cfg.Perf}
	}
	return descriptor, nil
}

// measure runs the measure driver with the service's request and returns its
// metrics and annotations.
func (a *Agent) measure(ctx context.Context, param map[string]any, progress driver.ProgressFunc) (map[string]any, error) {
	resp, err := a.runner.Run(ctx, driver.Invocation{
		Path:     a.cfg.MeasureDriver,
		AppID:    a.cfg.AppID,
		Request:  param,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, driver.NewError(resp)
	}

	metrics, _ := resp["metrics"].(map[string]any)
	if len(metrics) == 0 {
		return nil, errors.New("measure driver returned no metrics")
	}
	aliasPerf(metrics)

	result := map[string]any{"status": "ok", "metrics": metrics}
	if annotations, ok := resp["annotations"]; ok {
		result["annotations"] = annotations
	}
	return result, nil
}

// adjust merges the requested state and control into one driver request,
// runs the adjust driver, and returns its response with the state defaulted
// to what was requested.
func (a *Agent) adjust(ctx context.Context, param map[string]any, progress driver.ProgressFunc) (map[string]any, error) {
	request := map[string]any{}
	if state, ok := param["state"].(map[string]any); ok {
		for k, v := range state {
			request[k] = v
		}
	}
	if control, ok := param["control"]; ok {
		request["control"] = control
	}

	resp, err := a.runner.Run(ctx, driver.Invocation{
		Path:     a.cfg.AdjustDriver,
		AppID:    a.cfg.AppID,
		Request:  request,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, driver.NewError(resp)
	}

	result := map[string]any(resp)
	if _, ok := result["state"]; !ok {
		if state, ok := param["state"]; ok {
			result["state"] = state
		}
	}
	return result, nil
}

// environment runs the environment driver as a preflight check. Any non-ok
// outcome is an error; no progress stream is expected.
func (a *Agent) environment(ctx context.Context, param map[string]any) error {
	resp, err := a.runner.Run(ctx, driver.Invocation{
		Path:    a.cfg.EnvironmentDriver,
		AppID:   a.cfg.AppID,
		Request: param,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return driver.NewError(resp)
	}
	return nil
}

// aliasPerf mirrors the legacy throughput metric under the name "perf" when
// the driver did not provide one.
func aliasPerf(metrics map[string]any) {
	if metrics == nil {
		return
	}
	if _, ok := metrics["perf"]; ok {
		return
	}
	if v, ok := metrics[legacyThroughputMetric]; ok {
		metrics["perf"] = v
	}
}
