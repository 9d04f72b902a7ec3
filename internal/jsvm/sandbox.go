package jsvm

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"glance/internal/jsvm/hostapi"
)

// SandboxConfig holds configuration for the sandbox environment.
type SandboxConfig struct {
	// Timeout is the default wall-clock budget for one server execution.
	Timeout time.Duration
	// HTTPAllowlist is the list of allowed HTTP hosts (empty = allow all).
	HTTPAllowlist []string
	// MaxResponseBytes caps bodies read by fetch.
	MaxResponseBytes int64
}

// DefaultSandboxConfig returns default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:          5 * time.Second,
		HTTPAllowlist:    nil,
		MaxResponseBytes: 5 * 1024 * 1024, // 5MB
	}
}

// Sandbox arms a VM for a single execution: it bounds the run with a deadline
// and injects the host capabilities, and nothing else.
type Sandbox struct {
	config      SandboxConfig
	logger      zerolog.Logger
	credentials hostapi.CredentialResolver
	client      *http.Client

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{} // signals cleanup to interrupt goroutine
}

// NewSandbox creates a new sandbox with the given configuration.
func NewSandbox(cfg SandboxConfig, creds hostapi.CredentialResolver, client *http.Client, logger zerolog.Logger) *Sandbox {
	return &Sandbox{
		config:      cfg,
		credentials: creds,
		client:      client,
		logger:      logger,
	}
}

// Setup configures the VM and injects Host APIs. The returned context ends
// when timeout elapses; the VM is interrupted at that moment.
func (s *Sandbox) Setup(ctx context.Context, vm *goja.Runtime, widgetSlug, executionID string, timeout time.Duration, allowed []string) (context.Context, *hostapi.Context, error) {
	if timeout <= 0 {
		timeout = s.config.Timeout
	}

	s.mu.Lock()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	s.cancelFunc = cancel
	s.done = make(chan struct{})
	done := s.done // Copy under lock
	s.mu.Unlock()

	// Setup interrupt on context cancellation
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt("execution interrupted: " + execCtx.Err().Error())
		case <-done:
			// Cleanup was called, don't interrupt
			return
		}
	}()

	hctx := &hostapi.Context{
		Ctx:         execCtx,
		Logger:      s.logger,
		Widget:      widgetSlug,
		ExecutionID: executionID,
		Config: hostapi.Config{
			HTTPAllowlist:    s.config.HTTPAllowlist,
			MaxResponseBytes: s.config.MaxResponseBytes,
			UserAgent:        hostapi.DefaultConfig().UserAgent,
		},
		Credentials:        s.credentials,
		AllowedCredentials: allowed,
		HTTPClient:         s.client,
	}

	if err := hostapi.Register(vm, hctx); err != nil {
		s.Cleanup(vm)
		return nil, nil, err
	}

	return execCtx, hctx, nil
}

// Cleanup removes injected objects and cancels any pending operations.
func (s *Sandbox) Cleanup(vm *goja.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Signal goroutine to stop before cancelling context
	if s.done != nil {
		close(s.done)
		s.done = nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	hostapi.Unregister(vm)
	vm.ClearInterrupt()
}
