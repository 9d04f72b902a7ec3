package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glance/internal/config"
	"glance/internal/gateway/handlers"
	"glance/internal/gateway/websocket"
	"glance/internal/metrics"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		handlers.SendJSON(w, http.StatusOK, map[string]string{"pong": "ok"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Version: "v1.0.0-test",
		Gateway: config.GatewayConfig{
			Host: "127.0.0.1",
			Port: 0,
		},
	}
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	s := NewServer(testConfig(), websocket.NewHub(), deps)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func serveHTTP(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestServerHealthEndpoint(t *testing.T) {
	s := newTestServer(t, Deps{})

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := serveHTTP(s, http.MethodGet, path)
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp handlers.HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "v1.0.0-test", resp.Version)
	}
}

func TestServerHealthDegraded(t *testing.T) {
	s := newTestServer(t, Deps{Checks: map[string]handlers.HealthCheck{
		"storage": func() error { return errors.New("database is locked") },
	}})

	w := serveHTTP(s, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "database is locked", resp.Checks["storage"])
}

func TestServerRoutesAndMiddleware(t *testing.T) {
	m := metrics.New()
	s := newTestServer(t, Deps{Routes: []RouteRegistrar{pingRoutes{}}, Metrics: m})

	w := serveHTTP(s, http.MethodGet, "/api/v1/ping")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = serveHTTP(s, http.MethodGet, "/api/v1/boom")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = serveHTTP(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/api/v1/ping"`)
}

func TestServerPreflight(t *testing.T) {
	s := newTestServer(t, Deps{Routes: []RouteRegistrar{pingRoutes{}}})

	w := serveHTTP(s, http.MethodOptions, "/api/v1/ping")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestServerRouterAndHub(t *testing.T) {
	hub := websocket.NewHub()
	s := NewServer(testConfig(), hub, Deps{})
	defer s.Shutdown(context.Background())

	assert.NotNil(t, s.Router())
	assert.Same(t, hub, s.Hub())
	assert.Empty(t, s.Addr())
}

func TestServerServeAndShutdown(t *testing.T) {
	hub := websocket.NewHub()
	s := NewServer(testConfig(), hub, Deps{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)

	url := "ws://" + s.Addr() + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.PublishTyped(websocket.TypeRefreshRequested, "", map[string]string{"source": "global"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), websocket.TypeRefreshRequested))

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
