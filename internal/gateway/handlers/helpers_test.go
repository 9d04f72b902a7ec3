package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"glance/internal/cache"
	"glance/internal/credentials"
	"glance/internal/jsvm"
	"glance/internal/storage"
	"glance/internal/widget"
	"glance/internal/widgetpkg"
)

type stubExecutor struct {
	data any
}

func (s *stubExecutor) ExecuteServerCode(_ context.Context, _ string, _ jsvm.ServerOptions) *jsvm.ServerResult {
	return &jsvm.ServerResult{Data: s.data, Outcome: jsvm.OutcomeSuccess}
}

type scheduleRecorder struct {
	mu      sync.Mutex
	synced  []string
	removed []string
}

func (s *scheduleRecorder) Sync(def *widget.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, def.Slug)
	return nil
}

func (s *scheduleRecorder) Remove(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, slug)
}

type testEnv struct {
	db        *storage.DB
	engine    *cache.Engine
	queue     *cache.PendingQueue
	schedules *scheduleRecorder
	changes   []string
	deleted   []string
	router    *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "glance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	queue := cache.NewPendingQueue(db)
	engine := cache.NewEngine(cache.Config{}, db, &stubExecutor{data: map[string]any{"n": 1}}, nil, queue, zerolog.Nop())
	t.Cleanup(engine.Wait)

	env := &testEnv{
		db:        db,
		engine:    engine,
		queue:     queue,
		schedules: &scheduleRecorder{},
		router:    mux.NewRouter(),
	}

	NewDataHandler(engine, queue, db).RegisterRoutes(env.router)
	NewWidgetHandler(WidgetDeps{
		Store:       db,
		Importer:    widgetpkg.NewImporter(db, widgetpkg.Options{}),
		Schedules:   env.schedules,
		Credentials: credentials.NewStore(map[string]string{"hn": "secret-value"}, nil),
		Cache:       engine,
		Author:      "tester",
		OnChange: func(action string, def *widget.Definition) {
			env.changes = append(env.changes, action+":"+def.Slug)
		},
		OnInstanceDeleted: func(id string) {
			env.deleted = append(env.deleted, id)
		},
	}).RegisterRoutes(env.router)

	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	if buf.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func serverDefinition(slug string) map[string]any {
	return map[string]any{
		"slug":                slug,
		"name":                "Server " + slug,
		"description":         "runs server code",
		"source_code":         "function Widget({ serverData }) { return <Text>{serverData.n}</Text> }",
		"server_code":         "return { n: 1 }",
		"server_code_enabled": true,
		"refresh_interval":    60,
		"fetch":               map[string]any{"type": "server_code"},
		"credentials": []map[string]any{
			{"id": "hn", "type": "api_key", "name": "HN key"},
			{"id": "absent_key_for_tests", "type": "api_key", "name": "Missing"},
		},
	}
}

func agentDefinition(slug, schedule string) map[string]any {
	return map[string]any{
		"slug":        slug,
		"name":        "Agent " + slug,
		"description": "agent fed",
		"source_code": "function Widget({ serverData }) { return <Text>ok</Text> }",
		"fetch": map[string]any{
			"type":                       "agent_refresh",
			"schedule":                   schedule,
			"instructions":               "capture the inbox count",
			"expected_freshness_seconds": 3600,
		},
	}
}

func webhookDefinition(slug, path string) map[string]any {
	return map[string]any{
		"slug":        slug,
		"name":        "Hook " + slug,
		"description": "pushed",
		"source_code": "function Widget() { return <Text>hook</Text> }",
		"refresh_interval": 300,
		"fetch":       map[string]any{"type": "webhook", "webhook_path": path},
	}
}

func (e *testEnv) createDefinition(t *testing.T, body map[string]any) *widget.Definition {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/widgets", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[definitionResponse](t, w).Definition
}

func (e *testEnv) createInstance(t *testing.T, widgetRef string, config map[string]any) *widget.Instance {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/widgets/instances", map[string]any{"widget": widgetRef, "config": config})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decode[widget.Instance](t, w)
	return &inst
}

func newRouterWithoutQueue(env *testEnv) *mux.Router {
	router := mux.NewRouter()
	NewDataHandler(env.engine, nil, env.db).RegisterRoutes(router)
	return router
}
