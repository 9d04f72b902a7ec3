package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glance/internal/cron"
	"glance/internal/dashboard"
	"glance/internal/jsvm"
	"glance/internal/widget"
)

type fakeRenderer struct {
	views  []jsvm.View
	forced bool
	err    error
}

func (f *fakeRenderer) Render(context.Context) ([]jsvm.View, error) {
	return f.views, f.err
}

func (f *fakeRenderer) Refresh(_ context.Context, id string, force bool) (jsvm.View, error) {
	f.forced = force
	return f.find(id)
}

func (f *fakeRenderer) Retry(_ context.Context, id string) (jsvm.View, error) {
	v, err := f.find(id)
	if err == nil {
		v.State = jsvm.StateReady
		v.Error = ""
	}
	return v, err
}

func (f *fakeRenderer) find(id string) (jsvm.View, error) {
	for _, v := range f.views {
		if v.InstanceID == id {
			return v, nil
		}
	}
	return jsvm.View{}, fmt.Errorf("%s: %w", id, dashboard.ErrUnknownInstance)
}

type fakeSchedules struct {
	jobs []cron.Job
}

func (f *fakeSchedules) Jobs() []cron.Job { return f.jobs }

func (f *fakeSchedules) RunNow(_ context.Context, slug string) (widget.PendingRefresh, error) {
	for _, j := range f.jobs {
		if j.Slug == slug {
			return widget.PendingRefresh{Source: "schedule:" + slug}, nil
		}
	}
	return widget.PendingRefresh{}, cron.ErrJobNotFound
}

func newDashboardRouter(r Renderer, s Schedules) *mux.Router {
	router := mux.NewRouter()
	NewDashboardHandler(r, s).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

type dashboardBody struct {
	RenderedAt time.Time   `json:"rendered_at"`
	Widgets    []jsvm.View `json:"widgets"`
}

func TestDashboardHandler_Render(t *testing.T) {
	renderer := &fakeRenderer{views: []jsvm.View{
		{InstanceID: "i1", Widget: "a", State: jsvm.StateReady},
		{InstanceID: "i2", Widget: "b", State: jsvm.StateCrashed, Error: "boom", Retryable: true},
	}}
	router := newDashboardRouter(renderer, nil)

	w := serve(router, http.MethodGet, "/api/v1/dashboard")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[dashboardBody](t, w)
	assert.False(t, body.RenderedAt.IsZero())
	require.Len(t, body.Widgets, 2)
	assert.Equal(t, jsvm.StateCrashed, body.Widgets[1].State)
	assert.True(t, body.Widgets[1].Retryable)
}

func TestDashboardHandler_RenderError(t *testing.T) {
	router := newDashboardRouter(&fakeRenderer{err: errors.New("db closed")}, nil)
	w := serve(router, http.MethodGet, "/api/v1/dashboard")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDashboardHandler_RefreshAndRetry(t *testing.T) {
	renderer := &fakeRenderer{views: []jsvm.View{
		{InstanceID: "i1", Widget: "a", State: jsvm.StateFetchError, Error: "timeout", Retryable: true},
	}}
	router := newDashboardRouter(renderer, nil)

	w := serve(router, http.MethodPost, "/api/v1/dashboard/i1/refresh?force=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, renderer.forced)

	w = serve(router, http.MethodPost, "/api/v1/dashboard/i1/retry")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, jsvm.StateReady, decode[jsvm.View](t, w).State)

	w = serve(router, http.MethodPost, "/api/v1/dashboard/nope/retry")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardHandler_Schedules(t *testing.T) {
	schedules := &fakeSchedules{jobs: []cron.Job{{Slug: "inbox", Schedule: "*/15 * * * *"}}}
	router := newDashboardRouter(&fakeRenderer{}, schedules)

	w := serve(router, http.MethodGet, "/api/v1/schedules")
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode[map[string][]cron.Job](t, w)["schedules"]
	require.Len(t, jobs, 1)
	assert.Equal(t, "inbox", jobs[0].Slug)

	w = serve(router, http.MethodPost, "/api/v1/schedules/inbox/run")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "schedule:inbox", decode[widget.PendingRefresh](t, w).Source)

	w = serve(router, http.MethodPost, "/api/v1/schedules/other/run")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardHandler_NoScheduler(t *testing.T) {
	router := newDashboardRouter(&fakeRenderer{}, nil)

	w := serve(router, http.MethodGet, "/api/v1/schedules")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[map[string][]cron.Job](t, w)["schedules"])

	w = serve(router, http.MethodPost, "/api/v1/schedules/inbox/run")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
