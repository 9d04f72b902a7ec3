package hostapi

import (
	"slices"

	"github.com/dop251/goja"
)

// registerCredentials registers getCredential(id). Only credentials the widget
// declared are resolvable; anything else yields null. Values are never logged.
func registerCredentials(vm *goja.Runtime, hctx *Context) error {
	return vm.Set("getCredential", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(vm.NewTypeError("credential id is required"))
		}
		id := call.Arguments[0].String()

		if !slices.Contains(hctx.AllowedCredentials, id) {
			hctx.Logger.Warn().
				Str("widget", hctx.Widget).
				Str("credential", id).
				Msg("undeclared credential requested")
			return goja.Null()
		}
		if hctx.Credentials == nil {
			return goja.Null()
		}

		value, ok := hctx.Credentials.Resolve(hctx.Ctx, id)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(value)
	})
}
