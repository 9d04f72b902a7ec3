package dashboard

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glance/internal/cache"
	"glance/internal/jsvm"
	"glance/internal/storage"
	"glance/internal/widget"
)

type fakeData struct {
	mu    sync.Mutex
	data  map[string]any
	calls map[string]int
}

func (f *fakeData) Handle(_ context.Context, req cache.Request) *cache.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.InstanceID]++
	if v, ok := f.data[req.InstanceID]; ok {
		return &cache.Response{Data: v, Freshness: cache.Fresh}
	}
	return &cache.Response{Freshness: cache.NoCache, Error: "no data"}
}

type fixture struct {
	db   *storage.DB
	data *fakeData
	dash *Dashboard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "dash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	data := &fakeData{data: map[string]any{}, calls: map[string]int{}}
	dash := New(db, jsvm.NewCompiler(0), data, db, Config{Concurrency: 2}, zerolog.Nop())
	t.Cleanup(dash.Close)
	return &fixture{db: db, data: data, dash: dash}
}

func (f *fixture) place(t *testing.T, slug, source string, data any) string {
	t.Helper()
	def := &widget.Definition{
		Slug:       slug,
		Name:       slug,
		SourceCode: source,
		Fetch:      widget.FetchConfig{Type: widget.FetchWebhook, WebhookPath: slug},
		Enabled:    true,
	}
	require.NoError(t, f.db.CreateDefinition(def))
	inst := &widget.Instance{DefinitionID: def.ID}
	require.NoError(t, f.db.CreateInstance(inst))
	if data != nil {
		f.data.data[inst.ID] = data
	}
	return inst.ID
}

func textOf(n *jsvm.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	if n.Type == jsvm.TextNodeType {
		b.WriteString(n.Text)
	}
	for _, c := range n.Children {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func viewFor(views []jsvm.View, id string) jsvm.View {
	for _, v := range views {
		if v.InstanceID == id {
			return v
		}
	}
	return jsvm.View{}
}

const greeting = `function Widget({ serverData }) { return <Text>{serverData.msg}</Text>; }`

func TestRender_CrashIsolation(t *testing.T) {
	f := newFixture(t)
	good := f.place(t, "good", greeting, map[string]any{"msg": "hello"})
	crash := f.place(t, "crash", `function Widget() { throw new Error("kaboom"); }`, map[string]any{})
	other := f.place(t, "other", greeting, map[string]any{"msg": "still here"})

	views, err := f.dash.Render(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)

	assert.Equal(t, jsvm.StateReady, viewFor(views, good).State)
	assert.Equal(t, "hello", textOf(viewFor(views, good).Tree))

	crashed := viewFor(views, crash)
	assert.Equal(t, jsvm.StateCrashed, crashed.State)
	assert.Contains(t, crashed.Error, "kaboom")
	assert.True(t, crashed.Retryable)

	assert.Equal(t, jsvm.StateReady, viewFor(views, other).State)
	assert.Equal(t, "still here", textOf(viewFor(views, other).Tree))
}

func TestRender_FailureStates(t *testing.T) {
	f := newFixture(t)
	syntax := f.place(t, "syntax", `function Widget() { return <Text>; }`, map[string]any{})
	noData := f.place(t, "nodata", greeting, nil)

	views, err := f.dash.Render(context.Background())
	require.NoError(t, err)

	assert.Equal(t, jsvm.StateTranspileError, viewFor(views, syntax).State)
	nd := viewFor(views, noData)
	assert.Equal(t, jsvm.StateFetchError, nd.State)
	assert.Contains(t, nd.Error, "no data")
}

func TestRender_StoresCompiledCode(t *testing.T) {
	f := newFixture(t)
	f.place(t, "compiled", greeting, map[string]any{"msg": "x"})

	_, err := f.dash.Render(context.Background())
	require.NoError(t, err)

	def, err := f.db.GetDefinition("compiled")
	require.NoError(t, err)
	require.NotNil(t, def.CompiledCode)
	assert.Contains(t, *def.CompiledCode, "h(")
}

func TestRetry_AfterDataArrives(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, "late", greeting, nil)

	views, _ := f.dash.Render(context.Background())
	require.Equal(t, jsvm.StateFetchError, views[0].State)

	f.data.mu.Lock()
	f.data.data[id] = map[string]any{"msg": "arrived"}
	f.data.mu.Unlock()

	v, err := f.dash.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jsvm.StateReady, v.State)
	assert.Equal(t, "arrived", textOf(v.Tree))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, "counter", greeting, map[string]any{"msg": "one"})
	_, _ = f.dash.Render(context.Background())

	f.data.mu.Lock()
	f.data.data[id] = map[string]any{"msg": "two"}
	f.data.mu.Unlock()

	v, err := f.dash.Refresh(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, "two", textOf(v.Tree))

	_, err = f.dash.Refresh(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestRender_RebuildsOnDefinitionChange(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, "evolving", greeting, map[string]any{"msg": "v1"})
	_, _ = f.dash.Render(context.Background())

	def, _ := f.db.GetDefinition("evolving")
	def.SourceCode = `function Widget() { return <Text>v2</Text>; }`
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.db.UpdateDefinition(def))

	views, err := f.dash.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", textOf(viewFor(views, id).Tree))
}

func TestRender_PrunesRemovedInstances(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, "temp", greeting, map[string]any{"msg": "x"})
	_, _ = f.dash.Render(context.Background())

	require.NoError(t, f.db.DeleteInstance(id))
	views, err := f.dash.Render(context.Background())
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = f.dash.Retry(context.Background(), id)
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestPoll_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, "poll", greeting, map[string]any{"msg": "x"})
	_, _ = f.dash.Render(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	n := 0
	err := f.dash.Poll(ctx, id, 20*time.Millisecond, func(jsvm.View) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, n, 0)
}
