// Package hostapi provides the capabilities injected into widget server code.
// Nothing else from the host process is reachable from inside the VM.
package hostapi

import (
	"context"
	"net/http"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// Config holds configuration for Host APIs.
type Config struct {
	// HTTPAllowlist is the list of allowed HTTP hosts (empty = allow all).
	HTTPAllowlist []string
	// MaxResponseBytes caps the body size fetch will read.
	MaxResponseBytes int64
	// UserAgent is sent on outbound requests that do not set one.
	UserAgent string
}

// DefaultConfig returns default Host API configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAllowlist:    nil,
		MaxResponseBytes: 5 * 1024 * 1024, // 5MB
		UserAgent:        "glance-widget/1",
	}
}

// CredentialResolver supplies secret values by credential id.
type CredentialResolver interface {
	Resolve(ctx context.Context, id string) (string, bool)
}

// Context holds the execution context for Host APIs.
type Context struct {
	Ctx         context.Context
	Logger      zerolog.Logger
	Widget      string
	ExecutionID string
	Config      Config

	// Credentials resolves secrets; only ids in AllowedCredentials are served.
	Credentials        CredentialResolver
	AllowedCredentials []string

	// HTTPClient performs fetch requests. Nil uses a client without its own
	// timeout, relying on Ctx.
	HTTPClient *http.Client

	// Loop runs timers scheduled by setTimeout.
	Loop *Loop
}

// globals lists every name Register defines on the VM.
var globals = []string{"fetch", "console", "getCredential", "setTimeout", "clearTimeout"}

// Register injects all Host APIs into the given goja.Runtime.
func Register(vm *goja.Runtime, hctx *Context) error {
	if hctx.Loop == nil {
		hctx.Loop = NewLoop()
	}

	if err := registerFetch(vm, hctx); err != nil {
		return err
	}

	if err := registerConsole(vm, hctx); err != nil {
		return err
	}

	if err := registerCredentials(vm, hctx); err != nil {
		return err
	}

	return hctx.Loop.register(vm)
}

// Unregister removes Host APIs from the VM.
func Unregister(vm *goja.Runtime) {
	for _, name := range globals {
		_ = vm.GlobalObject().Delete(name)
	}
}
