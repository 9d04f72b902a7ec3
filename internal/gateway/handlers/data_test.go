package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glance/internal/cache"
	"glance/internal/widget"
)

func TestDataHandler_ServerCodeExecute(t *testing.T) {
	env := newTestEnv(t)
	body := serverDefinition("counter")
	delete(body, "credentials")
	env.createDefinition(t, body)
	inst := env.createInstance(t, "counter", nil)

	path := "/api/v1/widgets/instances/" + inst.ID + "/data"

	w := env.do(t, http.MethodGet, path+"?action=read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[cache.Response](t, w)
	assert.Equal(t, cache.ErrorKindNoData, resp.ErrorKind)

	w = env.do(t, http.MethodPost, path, map[string]any{"action": "execute"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[cache.Response](t, w)
	assert.Empty(t, resp.Error)
	assert.Equal(t, cache.Fresh, resp.Freshness)
	assert.False(t, resp.FromCache)
	assert.Equal(t, map[string]any{"n": float64(1)}, resp.Data)

	w = env.do(t, http.MethodGet, path, nil)
	resp = decode[cache.Response](t, w)
	assert.True(t, resp.FromCache)
	assert.Equal(t, cache.Fresh, resp.Freshness)
}

func TestDataHandler_InvalidAction(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/widgets/instances/any/data", map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDataHandler_UnknownInstance(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/widgets/instances/missing/data", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, cache.ErrorKindNotFound, decode[cache.Response](t, w).ErrorKind)
}

func TestDataHandler_DepositAndRead(t *testing.T) {
	env := newTestEnv(t)
	env.createDefinition(t, agentDefinition("inbox", ""))
	inst := env.createInstance(t, "inbox", nil)
	base := "/api/v1/widgets/instances/" + inst.ID

	w := env.do(t, http.MethodGet, base+"/data", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[cache.Response](t, w)
	assert.Equal(t, cache.ErrorKindAgentRefresh, resp.ErrorKind)
	assert.Equal(t, "capture the inbox count", resp.Instructions)

	w = env.do(t, http.MethodPut, base+"/cache", `{"unread":7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entry := decode[widget.CachedData](t, w)
	assert.Equal(t, inst.ID, entry.WidgetInstanceID)
	assert.JSONEq(t, `{"unread":7}`, string(entry.Data))

	w = env.do(t, http.MethodGet, base+"/data", nil)
	resp = decode[cache.Response](t, w)
	assert.Empty(t, resp.ErrorKind)
	assert.True(t, resp.FromCache)
	assert.Equal(t, map[string]any{"unread": float64(7)}, resp.Data)

	w = env.do(t, http.MethodDelete, base+"/cache", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, base+"/data?action=read", nil)
	resp = decode[cache.Response](t, w)
	assert.Equal(t, cache.ErrorKindAgentRefresh, resp.ErrorKind)
	assert.Equal(t, "capture the inbox count", resp.Instructions)
}

func TestDataHandler_ForceRefreshQueuesAgentRequest(t *testing.T) {
	env := newTestEnv(t)
	env.createDefinition(t, agentDefinition("inbox", ""))
	inst := env.createInstance(t, "inbox", nil)

	w := env.do(t, http.MethodPost, "/api/v1/widgets/instances/"+inst.ID+"/data", map[string]any{"force_refresh": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[cache.Response](t, w).RefreshPending)

	pending, err := env.queue.Get(cache.WidgetSource("inbox"))
	require.NoError(t, err)
	assert.NotNil(t, pending)
}

func TestDataHandler_DepositRejected(t *testing.T) {
	env := newTestEnv(t)
	body := serverDefinition("counter")
	delete(body, "credentials")
	env.createDefinition(t, body)
	inst := env.createInstance(t, "counter", nil)
	base := "/api/v1/widgets/instances/" + inst.ID + "/cache"

	w := env.do(t, http.MethodPut, base, `{"n":2}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrCodeConfiguration, decode[ErrorResponse](t, w).Error.Code)

	w = env.do(t, http.MethodPut, base, "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/widgets/instances/missing/cache", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDataHandler_Webhook(t *testing.T) {
	env := newTestEnv(t)
	env.createDefinition(t, webhookDefinition("builds", "ci/builds"))
	first := env.createInstance(t, "builds", nil)
	second := env.createInstance(t, "builds", nil)

	w := env.do(t, http.MethodPost, "/api/v1/webhooks/ci/builds", `{"status":"green"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	delivered := decode[map[string][]string](t, w)["delivered"]
	assert.ElementsMatch(t, []string{first.ID, second.ID}, delivered)

	w = env.do(t, http.MethodGet, "/api/v1/widgets/instances/"+second.ID+"/data", nil)
	resp := decode[cache.Response](t, w)
	assert.Equal(t, map[string]any{"status": "green"}, resp.Data)

	w = env.do(t, http.MethodPost, "/api/v1/webhooks/ci/builds?instance="+first.ID, `{"status":"red"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{first.ID}, decode[map[string][]string](t, w)["delivered"])

	w = env.do(t, http.MethodGet, "/api/v1/widgets/instances/"+second.ID+"/data", nil)
	assert.Equal(t, map[string]any{"status": "green"}, decode[cache.Response](t, w).Data)
}

func TestDataHandler_WebhookErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createDefinition(t, webhookDefinition("builds", "ci/builds"))

	w := env.do(t, http.MethodPost, "/api/v1/webhooks/unknown", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/webhooks/ci/builds", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/webhooks/ci/builds", `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, decode[map[string][]string](t, w)["delivered"])
}

func TestDataHandler_RefreshQueue(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/refresh", map[string]any{"widget": "inbox"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "widget:inbox", decode[widget.PendingRefresh](t, w).Source)

	w = env.do(t, http.MethodPost, "/api/v1/refresh", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, cache.GlobalSource, decode[widget.PendingRefresh](t, w).Source)

	w = env.do(t, http.MethodGet, "/api/v1/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]widget.PendingRefresh](t, w)["pending"], 2)

	w = env.do(t, http.MethodGet, "/api/v1/refresh/widget:inbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]any](t, w)
	assert.Equal(t, true, status["pending"])

	w = env.do(t, http.MethodDelete, "/api/v1/refresh/widget:inbox", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/refresh/widget:inbox", nil)
	status = decode[map[string]any](t, w)
	assert.Equal(t, false, status["pending"])
	assert.Nil(t, status["request"])
}

func TestDataHandler_RefreshQueueNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.router = newRouterWithoutQueue(env)

	w := env.do(t, http.MethodGet, "/api/v1/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
