package jsvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"glance/internal/jsvm/hostapi"
	"glance/internal/widget"
)

// interruptGrace is how long ExecuteServerCode waits for an interrupted VM to
// unwind before answering with a timeout on its own.
const interruptGrace = 50 * time.Millisecond

// Execution outcomes reported to the observer.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// RuntimeConfig holds configuration for the Runtime.
type RuntimeConfig struct {
	PoolConfig    PoolConfig
	SandboxConfig SandboxConfig
}

// DefaultRuntimeConfig returns default runtime configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PoolConfig:    DefaultPoolConfig(),
		SandboxConfig: DefaultSandboxConfig(),
	}
}

// ExecutionObserver receives one call per server execution.
type ExecutionObserver interface {
	ObserveExecution(widget, outcome string, elapsed time.Duration)
}

// Runtime executes widget server code.
type Runtime struct {
	pool        *VMPool
	config      RuntimeConfig
	credentials hostapi.CredentialResolver
	client      *http.Client
	logger      zerolog.Logger
	observer    ExecutionObserver
	closed      atomic.Bool
}

// NewRuntime creates a new server-code runtime.
func NewRuntime(cfg RuntimeConfig, creds hostapi.CredentialResolver, logger zerolog.Logger) *Runtime {
	return &Runtime{
		pool:        NewVMPool(cfg.PoolConfig),
		config:      cfg,
		credentials: creds,
		logger:      logger,
	}
}

// SetObserver installs an execution observer. Not safe to call concurrently
// with executions.
func (r *Runtime) SetObserver(o ExecutionObserver) {
	r.observer = o
}

// SetHTTPClient overrides the client used by the fetch capability.
func (r *Runtime) SetHTTPClient(c *http.Client) {
	r.client = c
}

// ServerOptions parameterizes one server-code execution.
type ServerOptions struct {
	// Widget is the definition slug, used for logs and errors.
	Widget string
	// Params is exposed to the code as `params`.
	Params map[string]any
	// Timeout overrides the sandbox default when positive.
	Timeout time.Duration
	// FetchConfig is exposed to the code as `fetchConfig` when set.
	FetchConfig *widget.FetchConfig
	// Credentials lists the credential ids getCredential may resolve.
	Credentials []string
}

// ServerResult is the outcome of a server execution. Exactly one of Data or
// Error is meaningful; Err carries the typed cause.
type ServerResult struct {
	Data        any           `json:"data,omitempty"`
	Error       string        `json:"error,omitempty"`
	ExecutionID string        `json:"execution_id"`
	Err         error         `json:"-"`
	Outcome     string        `json:"-"`
	Duration    time.Duration `json:"-"`
}

// OK reports whether the execution produced data.
func (r *ServerResult) OK() bool {
	return r.Err == nil
}

// ExecuteServerCode runs code with params under a hard wall-clock timeout. It
// never panics and never blocks past the timeout plus a small grace period;
// every failure is reported through the returned result.
func (r *Runtime) ExecuteServerCode(ctx context.Context, code string, opts ServerOptions) *ServerResult {
	start := time.Now()
	execID := uuid.NewString()

	res := r.executeServerCode(ctx, code, opts, execID)
	res.ExecutionID = execID
	res.Duration = time.Since(start)

	if r.observer != nil {
		r.observer.ObserveExecution(opts.Widget, res.Outcome, res.Duration)
	}

	if res.OK() {
		r.logger.Debug().
			Str("widget", opts.Widget).
			Str("exec_id", execID).
			Dur("elapsed", res.Duration).
			Msg("server code executed")
	} else {
		r.logger.Warn().
			Str("widget", opts.Widget).
			Str("exec_id", execID).
			Str("outcome", res.Outcome).
			Dur("elapsed", res.Duration).
			Err(res.Err).
			Msg("server code failed")
	}
	return res
}

func (r *Runtime) executeServerCode(ctx context.Context, code string, opts ServerOptions, execID string) *ServerResult {
	if r.closed.Load() {
		return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: errors.New("runtime is closed")})
	}
	if err := CheckSource(code); err != nil {
		return failed(OutcomeRejected, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.config.SandboxConfig.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm, err := r.pool.Acquire(runCtx)
	if err != nil {
		if runCtx.Err() != nil {
			return contextFailure(opts.Widget, timeout, runCtx.Err())
		}
		return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: err})
	}

	done := make(chan *ServerResult, 1)
	go func() {
		defer r.pool.Release(vm)
		done <- r.run(runCtx, vm, code, opts, execID, timeout)
	}()

	select {
	case res := <-done:
		return res
	case <-runCtx.Done():
		select {
		case res := <-done:
			return res
		case <-time.After(interruptGrace):
			return contextFailure(opts.Widget, timeout, runCtx.Err())
		}
	}
}

// run executes on its own goroutine with exclusive use of vm.
func (r *Runtime) run(ctx context.Context, vm *goja.Runtime, code string, opts ServerOptions, execID string, timeout time.Duration) (res *ServerResult) {
	defer func() {
		if p := recover(); p != nil {
			res = failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: fmt.Errorf("panic: %v", p)})
		}
	}()

	sandbox := NewSandbox(r.config.SandboxConfig, r.credentials, r.client, r.logger)
	execCtx, hctx, err := sandbox.Setup(ctx, vm, opts.Widget, execID, timeout, opts.Credentials)
	if err != nil {
		return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: err})
	}
	defer sandbox.Cleanup(vm)

	prog, err := goja.Compile(opts.Widget+".server.js", wrapServerCode(code), false)
	if err != nil {
		return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: fmt.Errorf("syntax error: %w", err)})
	}
	entry, err := vm.RunProgram(prog)
	if err != nil {
		return scriptFailure(execCtx, opts.Widget, timeout, err)
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: errors.New("server code entry is not callable")})
	}

	params := opts.Params
	if params == nil {
		params = map[string]any{}
	}
	fetchCfg := goja.Undefined()
	if opts.FetchConfig != nil {
		plain, err := toPlain(opts.FetchConfig)
		if err != nil {
			return failed(OutcomeError, &ExecutionError{Widget: opts.Widget, Cause: err})
		}
		fetchCfg = vm.ToValue(plain)
	}

	ret, err := fn(goja.Undefined(), vm.ToValue(params), fetchCfg)
	if err != nil {
		return scriptFailure(execCtx, opts.Widget, timeout, err)
	}

	value, err := settle(execCtx, hctx.Loop, ret)
	if err != nil {
		return scriptFailure(execCtx, opts.Widget, timeout, err)
	}

	data, err := normalizeResult(vm, value)
	if err != nil {
		return failed(OutcomeError, &ExecutionError{
			Widget: opts.Widget,
			Cause:  fmt.Errorf("result is not JSON-serializable: %w", err),
		})
	}
	return &ServerResult{Data: data, Outcome: OutcomeSuccess}
}

// Stats returns execution slot statistics.
func (r *Runtime) Stats() PoolStats {
	return r.pool.Stats()
}

// Close shuts down the runtime and releases resources.
func (r *Runtime) Close() error {
	r.closed.Store(true)
	return r.pool.Close()
}

// wrapServerCode turns the snippet into an async function of (params,
// fetchConfig); the snippet's top-level return becomes the result.
func wrapServerCode(code string) string {
	return "(async function (params, fetchConfig) {\n\"use strict\";\n" + code + "\n})"
}

// rejection is a promise rejected with value.
type rejection struct {
	value goja.Value
}

func (e *rejection) Error() string {
	return jsErrorMessage(e.value)
}

// settle drives timers until v, if it is a promise, is no longer pending.
func settle(ctx context.Context, loop *hostapi.Loop, v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}

	if err := loop.Run(ctx, func() bool { return p.State() != goja.PromiseStatePending }); err != nil {
		return nil, err
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, &rejection{value: p.Result()}
	default:
		return nil, errors.New("server code awaited a promise that never settles")
	}
}

// normalizeResult converts v to plain JSON data with JSON.stringify semantics.
func normalizeResult(vm *goja.Runtime, v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is unavailable")
	}
	s, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toPlain converts a Go value into maps and slices the VM can read naturally.
func toPlain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func failed(outcome string, err error) *ServerResult {
	return &ServerResult{Error: err.Error(), Err: err, Outcome: outcome}
}

// contextFailure reports a run that ended because its context did.
func contextFailure(widgetSlug string, timeout time.Duration, ctxErr error) *ServerResult {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &ServerResult{
			Error:   fmt.Sprintf("server code timed out after %dms", timeout.Milliseconds()),
			Err:     &ExecutionError{Widget: widgetSlug, Cause: ErrTimeout},
			Outcome: OutcomeTimeout,
		}
	}
	return &ServerResult{
		Error:   "server code execution cancelled",
		Err:     &ExecutionError{Widget: widgetSlug, Cause: ctxErr},
		Outcome: OutcomeError,
	}
}

// scriptFailure converts goja errors to structured results.
func scriptFailure(ctx context.Context, widgetSlug string, timeout time.Duration, err error) *ServerResult {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextFailure(widgetSlug, timeout, ctxErr)
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return contextFailure(widgetSlug, timeout, context.DeadlineExceeded)
	}

	msg := err.Error()
	var ex *goja.Exception
	var rej *rejection
	switch {
	case errors.As(err, &ex):
		msg = jsErrorMessage(ex.Value())
	case errors.As(err, &rej):
		msg = rej.Error()
	}
	return &ServerResult{
		Error:   msg,
		Err:     &ExecutionError{Widget: widgetSlug, Cause: errors.New(msg)},
		Outcome: OutcomeError,
	}
}

// jsErrorMessage renders a thrown JS value the way a browser console would.
func jsErrorMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return v.String()
		}
		if data, err := json.Marshal(obj.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}
