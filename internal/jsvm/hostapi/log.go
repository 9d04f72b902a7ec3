package hostapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// maxLogLine truncates console output from widget code.
const maxLogLine = 2048

// registerConsole routes console.* from widget code to the host logger.
func registerConsole(vm *goja.Runtime, hctx *Context) error {
	logger := hctx.Logger.With().
		Str("widget", hctx.Widget).
		Str("exec_id", hctx.ExecutionID).
		Logger()

	console := vm.NewObject()
	levels := map[string]zerolog.Level{
		"log":   zerolog.InfoLevel,
		"info":  zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for name, level := range levels {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			logger.WithLevel(level).Str("source", "console").Msg(formatLogMessage(call.Arguments))
			return goja.Undefined()
		})
	}

	return vm.Set("console", console)
}

// formatLogMessage formats log arguments into a single message string.
func formatLogMessage(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatValue(arg)
	}
	msg := strings.Join(parts, " ")
	if len(msg) > maxLogLine {
		msg = msg[:maxLogLine] + "…"
	}
	return msg
}

// formatValue converts a goja.Value to a string representation.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	switch val := v.Export().(type) {
	case string:
		return val
	case map[string]interface{}, []interface{}:
		if data, err := json.Marshal(val); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", val)
	default:
		return v.String()
	}
}
