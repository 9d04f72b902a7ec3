package hostapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, id string) (string, bool) {
	v, ok := m[id]
	return v, ok
}

func newTestContext() *Context {
	return &Context{
		Ctx:         context.Background(),
		Logger:      zerolog.Nop(),
		Widget:      "test-widget",
		ExecutionID: "test-123",
		Config:      DefaultConfig(),
	}
}

func TestRegister(t *testing.T) {
	vm := goja.New()
	if err := Register(vm, newTestContext()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, name := range globals {
		v := vm.Get(name)
		if v == nil || goja.IsUndefined(v) {
			t.Errorf("%s not registered", name)
		}
	}

	// Nothing from the host leaks in.
	for _, name := range []string{"require", "process", "glance"} {
		v := vm.Get(name)
		if v != nil && !goja.IsUndefined(v) {
			t.Errorf("%s should not be defined", name)
		}
	}
}

func TestUnregister(t *testing.T) {
	vm := goja.New()
	if err := Register(vm, newTestContext()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	Unregister(vm)

	for _, name := range globals {
		v := vm.Get(name)
		if v != nil && !goja.IsUndefined(v) {
			t.Errorf("%s should be undefined after Unregister", name)
		}
	}
}

func TestConsoleMethods(t *testing.T) {
	vm := goja.New()
	if err := Register(vm, newTestContext()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	scripts := []string{
		`console.debug("debug message")`,
		`console.info("info message")`,
		`console.warn("warn message")`,
		`console.error("error message")`,
		`console.log("multiple", "args", 123, {a: 1})`,
	}

	for _, script := range scripts {
		if _, err := vm.RunString(script); err != nil {
			t.Errorf("script '%s' failed: %v", script, err)
		}
	}
}

func TestFetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 21.5, "city": "Oslo"}`))
	}))
	defer srv.Close()

	vm := goja.New()
	if err := Register(vm, newTestContext()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_ = vm.Set("url", srv.URL)

	_, err := vm.RunString(`
		var result = null;
		fetch(url, { headers: { "X-Token": "abc" } })
			.then(function (r) { return r.json(); })
			.then(function (j) { result = j.city + ":" + j.temp; });
	`)
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}

	if got := vm.Get("result").String(); got != "Oslo:21.5" {
		t.Errorf("result = %q, want %q", got, "Oslo:21.5")
	}
}

func TestFetchRejectsDisallowedHost(t *testing.T) {
	hctx := newTestContext()
	hctx.Config.HTTPAllowlist = []string{"example.com"}

	vm := goja.New()
	if err := Register(vm, hctx); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := vm.RunString(`
		var failure = "";
		fetch("https://evil.test/x").catch(function (e) { failure = String(e); });
	`)
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if got := vm.Get("failure").String(); !strings.Contains(got, "URL not allowed") {
		t.Errorf("failure = %q, want URL not allowed", got)
	}
}

func TestFetchResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	hctx := newTestContext()
	hctx.Config.MaxResponseBytes = 16

	vm := goja.New()
	if err := Register(vm, hctx); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_ = vm.Set("url", srv.URL)

	_, err := vm.RunString(`
		var failure = "";
		fetch(url).catch(function (e) { failure = String(e); });
	`)
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if got := vm.Get("failure").String(); !strings.Contains(got, "exceeds") {
		t.Errorf("failure = %q, want size error", got)
	}
}

func TestGetCredential(t *testing.T) {
	hctx := newTestContext()
	hctx.Credentials = mapResolver{"weather_key": "s3cret", "other": "nope"}
	hctx.AllowedCredentials = []string{"weather_key", "missing"}

	vm := goja.New()
	if err := Register(vm, hctx); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tests := []struct {
		script string
		want   string
	}{
		{`String(getCredential("weather_key"))`, "s3cret"},
		{`String(getCredential("other"))`, "null"},
		{`String(getCredential("missing"))`, "null"},
	}
	for _, tt := range tests {
		v, err := vm.RunString(tt.script)
		if err != nil {
			t.Fatalf("%s failed: %v", tt.script, err)
		}
		if v.String() != tt.want {
			t.Errorf("%s = %q, want %q", tt.script, v.String(), tt.want)
		}
	}
}

func TestLoopRunsTimersInOrder(t *testing.T) {
	hctx := newTestContext()
	vm := goja.New()
	if err := Register(vm, hctx); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := vm.RunString(`
		var order = [];
		setTimeout(function () { order.push("b"); }, 20);
		setTimeout(function () { order.push("a"); }, 5);
		var cancelled = setTimeout(function () { order.push("x"); }, 10);
		clearTimeout(cancelled);
	`)
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}

	if err := hctx.Loop.Run(context.Background(), func() bool { return false }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	v, _ := vm.RunString(`order.join(",")`)
	if v.String() != "a,b" {
		t.Errorf("order = %q, want %q", v.String(), "a,b")
	}
}

func TestLoopStopsOnContext(t *testing.T) {
	hctx := newTestContext()
	vm := goja.New()
	if err := Register(vm, hctx); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := vm.RunString(`setTimeout(function () {}, 60000)`); err != nil {
		t.Fatalf("script failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := hctx.Loop.Run(ctx, func() bool { return false })
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("loop did not honour context deadline")
	}
}

func TestURLAllowlist(t *testing.T) {
	tests := []struct {
		url       string
		allowlist []string
		allowed   bool
	}{
		{"https://api.example.com/data", nil, true},
		{"https://api.example.com/data", []string{}, true},
		{"https://api.example.com/data", []string{"example.com"}, true},
		{"https://example.com.evil.test/data", []string{"example.com"}, false},
		{"https://api.example.com/data", []string{"other.com"}, false},
		{"file:///etc/passwd", nil, false},
		{"ftp://example.com/", nil, false},
	}

	for _, tt := range tests {
		result := isURLAllowed(tt.url, tt.allowlist)
		if result != tt.allowed {
			t.Errorf("isURLAllowed(%s, %v) = %v, want %v", tt.url, tt.allowlist, result, tt.allowed)
		}
	}
}
