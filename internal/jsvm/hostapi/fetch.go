package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// registerFetch registers a fetch(url, options) modeled on the web API. The
// request runs synchronously on the VM goroutine and the returned promise is
// already settled.
func registerFetch(vm *goja.Runtime, hctx *Context) error {
	return vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()

		resp, err := doFetch(vm, hctx, call)
		if err != nil {
			_ = reject(vm.NewTypeError(err.Error()))
		} else {
			_ = resolve(resp)
		}
		return vm.ToValue(promise)
	})
}

type fetchOptions struct {
	method  string
	headers map[string]string
	body    io.Reader
	timeout time.Duration
}

func parseFetchOptions(arg goja.Value) (fetchOptions, error) {
	opts := fetchOptions{method: http.MethodGet}
	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		return opts, nil
	}

	raw, ok := arg.Export().(map[string]interface{})
	if !ok {
		return opts, fmt.Errorf("fetch options must be an object")
	}

	if m, ok := raw["method"].(string); ok && m != "" {
		opts.method = strings.ToUpper(m)
	}
	if h, ok := raw["headers"].(map[string]interface{}); ok {
		opts.headers = make(map[string]string, len(h))
		for k, v := range h {
			opts.headers[k] = fmt.Sprintf("%v", v)
		}
	}
	if t, ok := raw["timeout"]; ok {
		switch v := t.(type) {
		case int64:
			opts.timeout = time.Duration(v) * time.Millisecond
		case float64:
			opts.timeout = time.Duration(v) * time.Millisecond
		}
	}
	if b, ok := raw["body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			opts.body = strings.NewReader(v)
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(v)
			if err != nil {
				return opts, fmt.Errorf("failed to marshal body: %v", err)
			}
			opts.body = bytes.NewReader(data)
			if opts.headers == nil {
				opts.headers = map[string]string{}
			}
			if _, set := opts.headers["Content-Type"]; !set {
				opts.headers["Content-Type"] = "application/json"
			}
		default:
			opts.body = strings.NewReader(fmt.Sprintf("%v", v))
		}
	}
	return opts, nil
}

// doFetch performs the request and builds a Response object.
func doFetch(vm *goja.Runtime, hctx *Context, call goja.FunctionCall) (goja.Value, error) {
	if len(call.Arguments) < 1 {
		return nil, fmt.Errorf("url is required")
	}

	rawURL := call.Arguments[0].String()
	if !isURLAllowed(rawURL, hctx.Config.HTTPAllowlist) {
		return nil, fmt.Errorf("URL not allowed: %s", rawURL)
	}

	opts, err := parseFetchOptions(call.Argument(1))
	if err != nil {
		return nil, err
	}

	ctx := hctx.Ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, opts.method, rawURL, opts.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" && hctx.Config.UserAgent != "" {
		req.Header.Set("User-Agent", hctx.Config.UserAgent)
	}

	client := hctx.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	limit := hctx.Config.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultConfig().MaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}

	hctx.Logger.Debug().
		Str("widget", hctx.Widget).
		Str("method", opts.method).
		Str("host", req.URL.Host).
		Int("status", resp.StatusCode).
		Msg("widget fetch")

	return buildResponse(vm, resp, body), nil
}

// buildResponse creates a JS Response object.
func buildResponse(vm *goja.Runtime, resp *http.Response, body []byte) goja.Value {
	response := vm.NewObject()

	_ = response.Set("status", resp.StatusCode)
	_ = response.Set("statusText", http.StatusText(resp.StatusCode))
	_ = response.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = response.Set("url", resp.Request.URL.String())

	headers := make(map[string]string, len(resp.Header))
	headersObj := vm.NewObject()
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
			_ = headersObj.Set(strings.ToLower(k), v[0])
		}
	}
	_ = headersObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := headers[strings.ToLower(call.Argument(0).String())]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = response.Set("headers", headersObj)

	_ = response.Set("text", func(call goja.FunctionCall) goja.Value {
		p, resolve, _ := vm.NewPromise()
		_ = resolve(vm.ToValue(string(body)))
		return vm.ToValue(p)
	})

	_ = response.Set("json", func(call goja.FunctionCall) goja.Value {
		p, resolve, reject := vm.NewPromise()
		var result interface{}
		if err := json.Unmarshal(body, &result); err != nil {
			_ = reject(vm.NewTypeError(fmt.Sprintf("failed to parse JSON: %v", err)))
		} else {
			_ = resolve(vm.ToValue(result))
		}
		return vm.ToValue(p)
	})

	return response
}

// isURLAllowed checks the scheme and, when an allowlist is set, that the host
// equals or is a subdomain of an allowed entry.
func isURLAllowed(raw string, allowlist []string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if len(allowlist) == 0 {
		return true
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowlist {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
