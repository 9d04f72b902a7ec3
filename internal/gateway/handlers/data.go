package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"glance/internal/cache"
	"glance/internal/widget"
)

// DataEngine answers data requests and accepts deposited data.
type DataEngine interface {
	Handle(ctx context.Context, req cache.Request) *cache.Response
	Deposit(ctx context.Context, instanceID string, data json.RawMessage) (*widget.CachedData, error)
	Invalidate(ctx context.Context, instanceID string) error
}

// RefreshQueue is the pending agent refresh queue.
type RefreshQueue interface {
	Request(source string) (widget.PendingRefresh, error)
	Get(source string) (*widget.PendingRefresh, error)
	Clear(source string) error
	List() ([]widget.PendingRefresh, error)
}

// WebhookCatalog finds the instances a webhook push is delivered to.
type WebhookCatalog interface {
	ListDefinitions(includeDisabled bool) ([]*widget.Definition, error)
	ListInstances(definitionID string) ([]*widget.Instance, error)
}

// DataHandler serves widget data, deposits, webhooks and the refresh queue.
type DataHandler struct {
	engine  DataEngine
	queue   RefreshQueue
	catalog WebhookCatalog
}

// NewDataHandler creates a data handler. queue may be nil when agent refresh
// is not used.
func NewDataHandler(engine DataEngine, queue RefreshQueue, catalog WebhookCatalog) *DataHandler {
	return &DataHandler{engine: engine, queue: queue, catalog: catalog}
}

// RegisterRoutes registers data routes on the router.
func (h *DataHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/widgets/instances/{instance}/data", h.HandleData).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/v1/widgets/instances/{instance}/cache", h.HandleDeposit).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/widgets/instances/{instance}/cache", h.HandleInvalidate).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/webhooks/{path:.+}", h.HandleWebhook).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/refresh", h.HandleListRefresh).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/refresh", h.HandleRequestRefresh).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/refresh/{source}", h.HandleGetRefresh).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/refresh/{source}", h.HandleClearRefresh).Methods(http.MethodDelete)
}

// dataRequest is the body of POST .../data.
type dataRequest struct {
	Action       cache.Action   `json:"action"`
	Params       map[string]any `json:"params"`
	ForceRefresh bool           `json:"force_refresh"`
}

// HandleData answers a data request for one instance. GET takes ?action=
// and ?force_refresh=; POST takes a JSON body that may also carry params.
func (h *DataHandler) HandleData(w http.ResponseWriter, r *http.Request) {
	var body dataRequest
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	} else {
		q := r.URL.Query()
		body.Action = cache.Action(q.Get("action"))
		body.ForceRefresh, _ = strconv.ParseBool(q.Get("force_refresh"))
	}

	switch body.Action {
	case "":
		body.Action = cache.ActionExecute
	case cache.ActionRead, cache.ActionExecute:
	default:
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "action must be read or execute")
		return
	}

	resp := h.engine.Handle(r.Context(), cache.Request{
		Action:       body.Action,
		InstanceID:   mux.Vars(r)["instance"],
		Params:       body.Params,
		ForceRefresh: body.ForceRefresh,
	})
	SendJSON(w, responseStatus(resp), resp)
}

// responseStatus maps an engine response onto an HTTP status. Execution
// failures and missing agent data are answered with 200; the body says what
// happened.
func responseStatus(resp *cache.Response) int {
	switch resp.ErrorKind {
	case cache.ErrorKindNotFound:
		return http.StatusNotFound
	case cache.ErrorKindConfiguration:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// HandleDeposit stores agent-delivered data for an instance. The body is the
// JSON payload itself.
func (h *DataHandler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	data, ok := readJSONPayload(w, r)
	if !ok {
		return
	}
	entry, err := h.engine.Deposit(r.Context(), mux.Vars(r)["instance"], data)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, entry)
}

// HandleInvalidate drops an instance's cached payload.
func (h *DataHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Invalidate(r.Context(), mux.Vars(r)["instance"]); err != nil {
		SendErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebhook delivers a pushed payload to every instance of the enabled
// webhook widgets listening on the path. ?instance= narrows delivery to one
// instance.
func (h *DataHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(mux.Vars(r)["path"], "/")
	data, ok := readJSONPayload(w, r)
	if !ok {
		return
	}

	defs, err := h.catalog.ListDefinitions(false)
	if err != nil {
		SendErrorFor(w, err)
		return
	}

	only := r.URL.Query().Get("instance")
	delivered := []string{}
	matched := false
	for _, def := range defs {
		if def.Fetch.Type != widget.FetchWebhook || strings.Trim(def.Fetch.WebhookPath, "/") != path {
			continue
		}
		matched = true
		instances, err := h.catalog.ListInstances(def.ID)
		if err != nil {
			SendErrorFor(w, err)
			return
		}
		for _, inst := range instances {
			if only != "" && inst.ID != only {
				continue
			}
			if _, err := h.engine.Deposit(r.Context(), inst.ID, data); err != nil {
				SendErrorFor(w, err)
				return
			}
			delivered = append(delivered, inst.ID)
		}
	}

	if !matched {
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "no webhook widget listens on "+path)
		return
	}
	SendJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

// refreshRequest names the source of a refresh request.
type refreshRequest struct {
	Source string `json:"source"`
	Widget string `json:"widget"`
}

// HandleListRefresh lists pending refresh requests, oldest first.
func (h *DataHandler) HandleListRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireQueue(w) {
		return
	}
	pending, err := h.queue.List()
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// HandleRequestRefresh raises a refresh request. A widget slug is turned into
// its widget source; an empty body requests a global refresh.
func (h *DataHandler) HandleRequestRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireQueue(w) {
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}
	source := req.Source
	if source == "" && req.Widget != "" {
		source = cache.WidgetSource(req.Widget)
	}

	pending, err := h.queue.Request(source)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusAccepted, pending)
}

// HandleGetRefresh reports whether a request is pending for a source.
func (h *DataHandler) HandleGetRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireQueue(w) {
		return
	}
	source := mux.Vars(r)["source"]
	pending, err := h.queue.Get(source)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"source":  source,
		"pending": pending != nil,
		"request": pending,
	})
}

// HandleClearRefresh clears a request once the agent has delivered.
func (h *DataHandler) HandleClearRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.requireQueue(w) {
		return
	}
	if err := h.queue.Clear(mux.Vars(r)["source"]); err != nil {
		SendErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DataHandler) requireQueue(w http.ResponseWriter) bool {
	if h.queue == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "agent refresh queue is not configured")
		return false
	}
	return true
}

func readJSONPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := readBody(r)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read body")
		return nil, false
	}
	if len(strings.TrimSpace(string(data))) == 0 || !json.Valid(data) {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "body must be a JSON value")
		return nil, false
	}
	return json.RawMessage(data), true
}
