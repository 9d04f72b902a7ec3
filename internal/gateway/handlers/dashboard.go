package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"glance/internal/cron"
	"glance/internal/dashboard"
	"glance/internal/jsvm"
	"glance/internal/widget"
)

// Renderer renders placed widget instances.
type Renderer interface {
	Render(ctx context.Context) ([]jsvm.View, error)
	Refresh(ctx context.Context, instanceID string, force bool) (jsvm.View, error)
	Retry(ctx context.Context, instanceID string) (jsvm.View, error)
}

// Schedules lists and triggers agent refresh schedules.
type Schedules interface {
	Jobs() []cron.Job
	RunNow(ctx context.Context, slug string) (widget.PendingRefresh, error)
}

// DashboardHandler serves rendered dashboards and refresh schedules.
type DashboardHandler struct {
	renderer  Renderer
	schedules Schedules
}

// NewDashboardHandler creates a dashboard handler. schedules may be nil.
func NewDashboardHandler(renderer Renderer, schedules Schedules) *DashboardHandler {
	return &DashboardHandler{renderer: renderer, schedules: schedules}
}

// RegisterRoutes registers dashboard and schedule routes on the router.
func (h *DashboardHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/dashboard", h.HandleRender).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/dashboard/{instance}/refresh", h.HandleRefresh).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/dashboard/{instance}/retry", h.HandleRetry).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/schedules", h.HandleListSchedules).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/schedules/{widget}/run", h.HandleRunSchedule).Methods(http.MethodPost)
}

// HandleRender renders every placed instance.
func (h *DashboardHandler) HandleRender(w http.ResponseWriter, r *http.Request) {
	views, err := h.renderer.Render(r.Context())
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"rendered_at": time.Now().UTC(),
		"widgets":     views,
	})
}

// HandleRefresh reloads one instance's data (?force=true bypasses the cache).
func (h *DashboardHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	view, err := h.renderer.Refresh(r.Context(), mux.Vars(r)["instance"], force)
	h.sendView(w, view, err)
}

// HandleRetry resets a failed instance and loads it again.
func (h *DashboardHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	view, err := h.renderer.Retry(r.Context(), mux.Vars(r)["instance"])
	h.sendView(w, view, err)
}

func (h *DashboardHandler) sendView(w http.ResponseWriter, view jsvm.View, err error) {
	if errors.Is(err, dashboard.ErrUnknownInstance) {
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "instance has not been rendered")
		return
	}
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, view)
}

// HandleListSchedules lists registered agent refresh schedules.
func (h *DashboardHandler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.schedules == nil {
		SendJSON(w, http.StatusOK, map[string]any{"schedules": []cron.Job{}})
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{"schedules": h.schedules.Jobs()})
}

// HandleRunSchedule raises a widget's scheduled refresh request now.
func (h *DashboardHandler) HandleRunSchedule(w http.ResponseWriter, r *http.Request) {
	if h.schedules == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "scheduler is not running")
		return
	}
	pending, err := h.schedules.RunNow(r.Context(), mux.Vars(r)["widget"])
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "no schedule for widget")
	case err != nil:
		SendErrorFor(w, err)
	default:
		SendJSON(w, http.StatusAccepted, pending)
	}
}
