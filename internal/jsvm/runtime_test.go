package jsvm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"glance/internal/widget"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime(DefaultRuntimeConfig(), nil, zerolog.Nop())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestExecuteServerCodeReturnsData(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `return { total: 1 + 2, items: ["a", "b"] };`, ServerOptions{Widget: "sum"})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}

	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %T", res.Data)
	}
	if data["total"] != float64(3) {
		t.Errorf("total = %v, want 3", data["total"])
	}
	if items, _ := data["items"].([]any); len(items) != 2 {
		t.Errorf("items = %v", data["items"])
	}
	if res.ExecutionID == "" {
		t.Error("expected execution id")
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %q", res.Outcome)
	}
}

func TestExecuteServerCodeParams(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `return params.city.toUpperCase();`, ServerOptions{
		Widget: "weather",
		Params: map[string]any{"city": "oslo"},
	})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Data != "OSLO" {
		t.Errorf("data = %v, want OSLO", res.Data)
	}
}

func TestExecuteServerCodeFetchConfig(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `return fetchConfig ? fetchConfig.type : "none";`, ServerOptions{
		Widget:      "w",
		FetchConfig: &widget.FetchConfig{Type: widget.FetchServerCode},
	})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Data != "server_code" {
		t.Errorf("data = %v, want server_code", res.Data)
	}

	res = rt.ExecuteServerCode(context.Background(), `return typeof fetchConfig;`, ServerOptions{Widget: "w"})
	if res.Data != "undefined" {
		t.Errorf("data = %v, want undefined", res.Data)
	}
}

func TestExecuteServerCodeUndefinedResult(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `var x = 1;`, ServerOptions{Widget: "w"})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Data != nil {
		t.Errorf("expected nil data, got %v", res.Data)
	}
}

func TestExecuteServerCodeThrownError(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `throw new Error("upstream down");`, ServerOptions{Widget: "w"})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "upstream down") {
		t.Errorf("error = %q", res.Error)
	}
	if !errors.Is(res.Err, ErrExecution) {
		t.Errorf("expected ExecutionError, got %T", res.Err)
	}
	if res.Data != nil {
		t.Error("failed execution must not carry data")
	}
}

func TestExecuteServerCodeRejectedPromise(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `
		await new Promise(function (resolve) { setTimeout(resolve, 5); });
		throw new TypeError("bad payload");
	`, ServerOptions{Widget: "w"})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "TypeError: bad payload") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteServerCodeAwaitsTimers(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `
		var v = await new Promise(function (resolve) { setTimeout(function () { resolve(42); }, 10); });
		return v + 1;
	`, ServerOptions{Widget: "w"})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Data != float64(43) {
		t.Errorf("data = %v, want 43", res.Data)
	}
}

func TestExecuteServerCodeTimeoutSleeping(t *testing.T) {
	rt := newTestRuntime(t)

	timeout := 100 * time.Millisecond
	start := time.Now()
	res := rt.ExecuteServerCode(context.Background(), `
		await new Promise(function (resolve) { setTimeout(resolve, 10000); });
		return "late";
	`, ServerOptions{Widget: "slow", Timeout: timeout})
	elapsed := time.Since(start)

	if res.OK() {
		t.Fatal("expected timeout")
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", res.Err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if !strings.Contains(res.Error, "timed out after 100ms") {
		t.Errorf("error = %q", res.Error)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecuteServerCodeTimeoutBusyLoop(t *testing.T) {
	rt := newTestRuntime(t)

	timeout := 100 * time.Millisecond
	start := time.Now()
	res := rt.ExecuteServerCode(context.Background(), `while (true) {}`, ServerOptions{Widget: "spin", Timeout: timeout})

	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > timeout+500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecuteServerCodeValidationPrecondition(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `return eval("1+1");`, ServerOptions{Widget: "w"})
	if res.OK() {
		t.Fatal("expected validation failure")
	}
	if !errors.Is(res.Err, ErrValidation) {
		t.Errorf("expected ValidationError, got %T", res.Err)
	}
	if res.Outcome != OutcomeRejected {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if stats := rt.Stats(); stats.Created != 0 {
		t.Error("rejected code must not reach a VM")
	}
}

func TestExecuteServerCodeSyntaxError(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `return {;`, ServerOptions{Widget: "w"})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "syntax error") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteServerCodeNoAmbientAccess(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ExecuteServerCode(context.Background(), `
		return [typeof require, typeof os, typeof Deno, typeof globalThis.process].join(",");
	`, ServerOptions{Widget: "w"})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Data != "undefined,undefined,undefined,undefined" {
		t.Errorf("data = %v", res.Data)
	}
}

func TestExecuteServerCodeFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 101.5}`))
	}))
	defer srv.Close()

	rt := newTestRuntime(t)
	res := rt.ExecuteServerCode(context.Background(), `
		const r = await fetch(params.url);
		if (!r.ok) throw new Error("status " + r.status);
		const body = await r.json();
		return { price: body.price };
	`, ServerOptions{Widget: "stocks", Params: map[string]any{"url": srv.URL}})
	if !res.OK() {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if data, _ := res.Data.(map[string]any); data["price"] != 101.5 {
		t.Errorf("data = %v", res.Data)
	}
}

func TestExecuteServerCodeConcurrentIsolation(t *testing.T) {
	rt := newTestRuntime(t)

	var wg sync.WaitGroup
	results := make([]*ServerResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rt.ExecuteServerCode(context.Background(), `
				globalThis.counter = (globalThis.counter || 0) + 1;
				return globalThis.counter;
			`, ServerOptions{Widget: "w"})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.OK() {
			t.Fatalf("execution %d failed: %s", i, res.Error)
		}
		if res.Data != float64(1) {
			t.Errorf("execution %d saw shared state: %v", i, res.Data)
		}
	}
}

func TestExecuteServerCodeObserver(t *testing.T) {
	rt := newTestRuntime(t)
	obs := &recordingObserver{}
	rt.SetObserver(obs)

	rt.ExecuteServerCode(context.Background(), `return 1;`, ServerOptions{Widget: "a"})
	rt.ExecuteServerCode(context.Background(), `throw "x";`, ServerOptions{Widget: "b"})

	if len(obs.outcomes) != 2 || obs.outcomes[0] != "a:success" || obs.outcomes[1] != "b:error" {
		t.Errorf("outcomes = %v", obs.outcomes)
	}
}

func TestExecuteServerCodeAfterClose(t *testing.T) {
	rt := NewRuntime(DefaultRuntimeConfig(), nil, zerolog.Nop())
	_ = rt.Close()

	res := rt.ExecuteServerCode(context.Background(), `return 1;`, ServerOptions{Widget: "w"})
	if res.OK() {
		t.Fatal("expected failure after close")
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	if cfg.SandboxConfig.Timeout != 5*time.Second {
		t.Errorf("expected 5s default timeout, got %v", cfg.SandboxConfig.Timeout)
	}
	if cfg.PoolConfig.MaxSize != 8 {
		t.Errorf("expected pool size 8, got %d", cfg.PoolConfig.MaxSize)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveExecution(widget, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, widget+":"+outcome)
}
