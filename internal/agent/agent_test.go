package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsani/servo/internal/api"
	"github.com/opsani/servo/internal/config"
	"github.com/opsani/servo/internal/driver"
)

// mockService scripts the remote side of a session: WHATS_NEXT pops the
// command queue (EXIT once drained), progress posts get progressReply, and
// everything else is acknowledged. All received events are recorded.
type mockService struct {
	srv *httptest.Server

	mu            sync.Mutex
	commands      []map[string]any
	events        []recordedEvent
	progressReply map[string]any
}

type recordedEvent struct {
	Event string
	Param map[string]any
}

func newMockService(t *testing.T, commands ...map[string]any) *mockService {
	t.Helper()
	s := &mockService{
		commands:      commands,
		progressReply: map[string]any{"status": "ok"},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *mockService) handle(w http.ResponseWriter, r *http.Request) {
	var env struct {
		Event string         `json:"event"`
		Param map[string]any `json:"param"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Event: env.Event, Param: env.Param})

	var reply any
	switch {
	case env.Event == api.EventWhatsNext:
		if len(s.commands) == 0 {
			reply = map[string]any{"cmd": api.CommandExit}
		} else {
			reply = s.commands[0]
			s.commands = s.commands[1:]
		}
	case env.Param != nil && hasKey(env.Param, "progress"):
		reply = s.progressReply
	default:
		reply = map[string]any{"status": "ok"}
	}
	json.NewEncoder(w).Encode(reply)
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func (s *mockService) recorded() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedEvent(nil), s.events...)
}

func (s *mockService) named(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range s.recorded() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// terminal returns the result posts for an event, progress posts excluded.
func (s *mockService) terminal(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range s.named(event) {
		if !hasKey(e.Param, "progress") {
			out = append(out, e)
		}
	}
	return out
}

func (s *mockService) progress(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range s.named(event) {
		if hasKey(e.Param, "progress") {
			out = append(out, e)
		}
	}
	return out
}

func writeDriver(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const infoNoCancel = `if [ "$1" = "--info" ]; then
  echo '{"has_cancel": false}'
  exit 0
fi
`

const infoWithCancel = `if [ "$1" = "--info" ]; then
  echo '{"has_cancel": true}'
  exit 0
fi
`

func testAgent(t *testing.T, svc *mockService, cfg *config.Config) *Agent {
	t.Helper()
	if cfg.AppID == "" {
		cfg.AppID = "app1"
	}
	if cfg.VerboseStderr == "" {
		cfg.VerboseStderr = "all"
	}
	client := api.NewClient(api.Config{
		BaseURL:    svc.srv.URL,
		RetryDelay: 10 * time.Millisecond,
	})
	runner := driver.NewRunner(cfg.IOTimeout, driver.StderrMode(cfg.VerboseStderr))
	a := New(cfg, client, runner, &StopFlag{})
	a.exit = func(int) {}
	return a
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("agent run failed: %v", err)
	}
}

func TestAgentDescribeSession(t *testing.T) {
	adjust := writeDriver(t, "adjust", infoNoCancel+
		`echo '{"application": {"components": {"svc": {"settings": {"cpu": {"value": 1}}}}}}'`+"\n")
	measure := writeDriver(t, "measure", infoNoCancel+
		`echo '{"metrics": {"throughput": {"unit": "rps"}}}'`+"\n")

	svc := newMockService(t, map[string]any{"cmd": api.CommandDescribe, "param": map[string]any{}})
	a := testAgent(t, svc, &config.Config{AdjustDriver: adjust, MeasureDriver: measure, Agent: "servo-test/1.0"})
	runAgent(t, a)

	events := svc.recorded()
	if events[0].Event != api.EventHello {
		t.Errorf("first event = %s, want HELLO", events[0].Event)
	}
	if events[0].Param["agent"] != "servo-test/1.0" {
		t.Errorf("hello param = %v", events[0].Param)
	}
	if last := events[len(events)-1]; last.Event != api.EventGoodbye {
		t.Errorf("last event = %s, want GOODBYE", last.Event)
	}

	results := svc.terminal(api.EventDescription)
	if len(results) != 1 {
		t.Fatalf("expected one DESCRIPTION, got %d", len(results))
	}
	param := results[0].Param
	if param["status"] != "ok" {
		t.Errorf("status = %v", param["status"])
	}
	descriptor, _ := param["descriptor"].(map[string]any)
	if descriptor == nil {
		t.Fatalf("no descriptor in %v", param)
	}
	if _, ok := descriptor["application"].(map[string]any); !ok {
		t.Errorf("descriptor missing application: %v", descriptor)
	}
	measurement, _ := descriptor["measurement"].(map[string]any)
	metrics, _ := measurement["metrics"].(map[string]any)
	if _, ok := metrics["throughput"]; !ok {
		t.Errorf("descriptor missing throughput metric: %v", descriptor)
	}
}

func TestAgentMeasurePerfAlias(t *testing.T) {
	measure := writeDriver(t, "measure", infoNoCancel+
		`echo '{"progress": 50}'
echo '{"status": "ok", "metrics": {"requests throughput": {"value": 123}}}'
`)

	svc := newMockService(t, map[string]any{"cmd": api.CommandMeasure, "param": map[string]any{"control": map[string]any{}}})
	a := testAgent(t, svc, &config.Config{MeasureDriver: measure})
	runAgent(t, a)

	progress := svc.progress(api.EventMeasurement)
	if len(progress) != 1 {
		t.Fatalf("expected one progress post, got %d", len(progress))
	}
	if got := progress[0].Param["progress"]; got != float64(50) {
		t.Errorf("progress = %v, want 50", got)
	}

	results := svc.terminal(api.EventMeasurement)
	if len(results) != 1 {
		t.Fatalf("expected one MEASUREMENT, got %d", len(results))
	}
	metrics, _ := results[0].Param["metrics"].(map[string]any)
	legacy, _ := metrics["requests throughput"].(map[string]any)
	perf, _ := metrics["perf"].(map[string]any)
	if legacy == nil || perf == nil {
		t.Fatalf("expected both metric names, got %v", metrics)
	}
	if legacy["value"] != perf["value"] {
		t.Errorf("perf alias value mismatch: %v vs %v", legacy["value"], perf["value"])
	}
}

func TestAgentAdjustMerging(t *testing.T) {
	// The driver echoes its stdin back inside the response so the test can
	// observe exactly what was merged into the request.
	adjust := writeDriver(t, "adjust", infoNoCancel+
		`req=$(cat)
echo "{\"status\": \"ok\", \"received\": $req}"
`)

	svc := newMockService(t, map[string]any{
		"cmd": api.CommandAdjust,
		"param": map[string]any{
			"state":   map[string]any{"application": map[string]any{"components": map[string]any{}}},
			"control": map[string]any{"duration": 60},
		},
	})
	a := testAgent(t, svc, &config.Config{AdjustDriver: adjust})
	runAgent(t, a)

	results := svc.terminal(api.EventAdjustment)
	if len(results) != 1 {
		t.Fatalf("expected one ADJUSTMENT, got %d", len(results))
	}
	param := results[0].Param
	if param["status"] != "ok" {
		t.Errorf("status = %v", param["status"])
	}

	received, _ := param["received"].(map[string]any)
	if _, ok := received["application"]; !ok {
		t.Errorf("driver request missing state contents: %v", received)
	}
	control, _ := received["control"].(map[string]any)
	if control["duration"] != float64(60) {
		t.Errorf("driver request missing control: %v", received)
	}

	state, _ := param["state"].(map[string]any)
	if _, ok := state["application"]; !ok {
		t.Errorf("response state not defaulted to request: %v", param)
	}
}

func TestAgentCancellation(t *testing.T) {
	measure := writeDriver(t, "measure", infoWithCancel+
		`trap 'echo "{\"status\": \"cancelled\", \"reason\": \"user stop\"}"; exit 3' USR1
i=0
while [ $i -lt 100 ]; do
  echo "{\"progress\": $i}"
  sleep 0.1
  i=$((i+1))
done
`)

	svc := newMockService(t, map[string]any{"cmd": api.CommandMeasure, "param": map[string]any{}})
	svc.progressReply = map[string]any{"status": api.StatusCancel, "reason": "user stop"}

	a := testAgent(t, svc, &config.Config{MeasureDriver: measure})
	start := time.Now()
	runAgent(t, a)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}

	results := svc.terminal(api.EventMeasurement)
	if len(results) != 1 {
		t.Fatalf("expected one MEASUREMENT, got %d", len(results))
	}
	param := results[0].Param
	if param["status"] != "cancelled" {
		t.Errorf("status = %v, want driver's cancelled status", param["status"])
	}
	if param["reason"] != "user stop" {
		t.Errorf("reason = %v", param["reason"])
	}
}

func TestAgentEnvironmentMismatch(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "measure-ran")
	environment := writeDriver(t, "environment", infoNoCancel+
		`cat >/dev/null
echo '{"status": "fail", "message": "image mismatch"}'
exit 2
`)
	measure := writeDriver(t, "measure", infoNoCancel+
		fmt.Sprintf("touch %s\n", marker)+
		`echo '{"status": "ok", "metrics": {"m": {"value": 1}}}'`+"\n")

	svc := newMockService(t, map[string]any{
		"cmd": api.CommandMeasure,
		"param": map[string]any{
			"control": map[string]any{"environment": map[string]any{"image": "v2"}},
		},
	})
	a := testAgent(t, svc, &config.Config{MeasureDriver: measure, EnvironmentDriver: environment})
	runAgent(t, a)

	results := svc.terminal(api.EventMeasurement)
	if len(results) != 1 {
		t.Fatalf("expected one MEASUREMENT, got %d", len(results))
	}
	param := results[0].Param
	if param["status"] != "environment-mismatch" {
		t.Errorf("status = %v, want environment-mismatch", param["status"])
	}
	msg, _ := param["message"].(string)
	if !strings.Contains(msg, "image mismatch") {
		t.Errorf("message = %q", msg)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("measure driver ran despite failed environment check")
	}
}

func TestAgentSleepHasNoResult(t *testing.T) {
	svc := newMockService(t, map[string]any{
		"cmd":   api.CommandSleep,
		"param": map[string]any{"duration": 0.05},
	})
	a := testAgent(t, svc, &config.Config{})
	runAgent(t, a)

	for _, event := range []string{api.EventDescription, api.EventMeasurement, api.EventAdjustment} {
		if got := svc.named(event); len(got) != 0 {
			t.Errorf("SLEEP produced %s events: %v", event, got)
		}
	}
	if got := len(svc.named(api.EventWhatsNext)); got != 2 {
		t.Errorf("expected 2 WHATS_NEXT posts, got %d", got)
	}
}

func TestAgentUnknownCommandSkipped(t *testing.T) {
	svc := newMockService(t, map[string]any{"cmd": "DANCE", "param": map[string]any{}})
	a := testAgent(t, svc, &config.Config{})
	runAgent(t, a)

	for _, e := range svc.recorded() {
		switch e.Event {
		case api.EventHello, api.EventWhatsNext, api.EventGoodbye:
		default:
			t.Errorf("unexpected event %s for unknown command", e.Event)
		}
	}
}

func TestAgentDriverFailurePostedAndLoopContinues(t *testing.T) {
	measure := writeDriver(t, "measure", infoNoCancel+
		`echo '{"status": "rejected", "reason": "bad load profile", "message": "no load generator"}'
exit 1
`)

	svc := newMockService(t,
		map[string]any{"cmd": api.CommandMeasure, "param": map[string]any{}},
		map[string]any{"cmd": api.CommandSleep, "param": map[string]any{"duration": 0.05}},
	)
	a := testAgent(t, svc, &config.Config{MeasureDriver: measure, VerboseStderr: "none"})
	runAgent(t, a)

	results := svc.terminal(api.EventMeasurement)
	if len(results) != 1 {
		t.Fatalf("expected one MEASUREMENT, got %d", len(results))
	}
	param := results[0].Param
	if param["status"] != "rejected" {
		t.Errorf("status = %v, want driver's status relayed", param["status"])
	}
	if param["reason"] != "bad load profile" {
		t.Errorf("reason = %v", param["reason"])
	}

	// The SLEEP after the failure proves the loop survived it.
	if got := len(svc.named(api.EventWhatsNext)); got != 3 {
		t.Errorf("expected 3 WHATS_NEXT posts, got %d", got)
	}
}

func TestAgentGoodbyeCarriesExitReason(t *testing.T) {
	svc := newMockService(t)
	a := testAgent(t, svc, &config.Config{})
	runAgent(t, a)

	goodbyes := svc.named(api.EventGoodbye)
	if len(goodbyes) != 1 {
		t.Fatalf("expected one GOODBYE, got %d", len(goodbyes))
	}
	if goodbyes[0].Param["reason"] != "exit" {
		t.Errorf("goodbye param = %v, want exit reason", goodbyes[0].Param)
	}
}

func TestAgentInteractiveQuit(t *testing.T) {
	svc := newMockService(t,
		map[string]any{"cmd": api.CommandSleep, "param": map[string]any{"duration": 600}},
	)
	a := testAgent(t, svc, &config.Config{Interactive: true})
	a.In = strings.NewReader("q\n")
	a.Out = &strings.Builder{}

	start := time.Now()
	runAgent(t, a)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("interactive run slept for %v; sleeps must be ignored", elapsed)
	}

	if a.stop.Get() != StopExit {
		t.Errorf("stop flag = %v, want exit", a.stop.Get())
	}
	if got := svc.named(api.EventGoodbye); len(got) != 1 {
		t.Errorf("expected one GOODBYE, got %d", len(got))
	}
}

func TestAgentStopsAfterStopFlag(t *testing.T) {
	svc := newMockService(t,
		map[string]any{"cmd": api.CommandSleep, "param": map[string]any{"duration": 0.05}},
		map[string]any{"cmd": api.CommandSleep, "param": map[string]any{"duration": 0.05}},
	)
	a := testAgent(t, svc, &config.Config{})
	a.stop.Set(StopRestart)
	runAgent(t, a)

	if got := len(svc.named(api.EventWhatsNext)); got != 0 {
		t.Errorf("loop ran despite stop flag, %d WHATS_NEXT posts", got)
	}
	goodbyes := svc.named(api.EventGoodbye)
	if len(goodbyes) != 1 || goodbyes[0].Param["reason"] != "restart" {
		t.Errorf("goodbye = %v, want restart reason", goodbyes)
	}
}

func TestStopFlagFirstReasonSticks(t *testing.T) {
	t.Parallel()
	var f StopFlag
	if f.Get() != StopNone {
		t.Fatalf("zero value = %v, want none", f.Get())
	}
	if !f.Set(StopExit) {
		t.Error("first set should win")
	}
	if f.Set(StopRestart) {
		t.Error("second set should lose")
	}
	if f.Get() != StopExit {
		t.Errorf("flag = %v, want exit", f.Get())
	}
}

func TestSleepDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		param map[string]any
		want  time.Duration
	}{
		{map[string]any{"duration": float64(60)}, 60 * time.Second},
		{map[string]any{"duration": 2}, 2 * time.Second},
		{map[string]any{"duration": "15"}, 15 * time.Second},
		{map[string]any{"duration": "soon"}, DefaultSleep},
		{map[string]any{"duration": float64(-1)}, DefaultSleep},
		{map[string]any{}, DefaultSleep},
		{nil, DefaultSleep},
	}
	for _, tc := range cases {
		if got := sleepDuration(tc.param); got != tc.want {
			t.Errorf("sleepDuration(%v) = %v, want %v", tc.param, got, tc.want)
		}
	}
}
