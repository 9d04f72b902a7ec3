package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"glance/internal/credentials"
	"glance/internal/storage"
	"glance/internal/widget"
	"glance/internal/widgetpkg"
	"glance/pkg/logger"
)

// WidgetStore is the storage behind the widget endpoints.
type WidgetStore interface {
	ListDefinitions(includeDisabled bool) ([]*widget.Definition, error)
	GetDefinition(idOrSlug string) (*widget.Definition, error)
	CreateDefinition(def *widget.Definition) error
	UpdateDefinition(def *widget.Definition) error
	DeleteDefinition(id string) error

	ListInstances(definitionID string) ([]*widget.Instance, error)
	GetInstance(id string) (*widget.Instance, error)
	CreateInstance(inst *widget.Instance) error
	DeleteInstance(id string) error
}

// ScheduleSyncer keeps agent refresh schedules in step with definitions.
type ScheduleSyncer interface {
	Sync(def *widget.Definition) error
	Remove(slug string)
}

// CredentialChecker reports credential availability without values.
type CredentialChecker interface {
	StatusFor(def *widget.Definition) []credentials.Status
}

// CacheInvalidator drops an instance's cached payload.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, instanceID string) error
}

// Definition change actions passed to WidgetDeps.OnChange.
const (
	ChangeCreated  = "created"
	ChangeUpdated  = "updated"
	ChangeImported = "imported"
	ChangeDeleted  = "deleted"
)

// WidgetDeps are the collaborators of WidgetHandler. Only Store and Importer
// are required.
type WidgetDeps struct {
	Store       WidgetStore
	Importer    *widgetpkg.Importer
	Schedules   ScheduleSyncer
	Credentials CredentialChecker
	Cache       CacheInvalidator
	// Validation is applied to definitions created or updated over the API.
	Validation widgetpkg.Options
	// Author is written into exported packages when the request names none.
	Author string
	// OnChange is called after a definition is stored or deleted.
	OnChange func(action string, def *widget.Definition)
	// OnInstanceDeleted is called after an instance is deleted.
	OnInstanceDeleted func(instanceID string)
}

// WidgetHandler serves widget definitions, instances and packages.
type WidgetHandler struct {
	deps WidgetDeps
}

// NewWidgetHandler creates a widget handler.
func NewWidgetHandler(deps WidgetDeps) *WidgetHandler {
	return &WidgetHandler{deps: deps}
}

// RegisterRoutes registers widget routes. Instance and package routes are
// registered before the {widget} routes so their literal segments win.
func (h *WidgetHandler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/api/v1/widgets").Subrouter()

	sub.HandleFunc("/instances", h.HandleListInstances).Methods(http.MethodGet)
	sub.HandleFunc("/instances", h.HandleCreateInstance).Methods(http.MethodPost)
	sub.HandleFunc("/instances/{instance}", h.HandleGetInstance).Methods(http.MethodGet)
	sub.HandleFunc("/instances/{instance}", h.HandleDeleteInstance).Methods(http.MethodDelete)

	sub.HandleFunc("/import", h.HandleImport).Methods(http.MethodPost)
	sub.HandleFunc("/validate", h.HandleValidate).Methods(http.MethodPost)

	sub.HandleFunc("", h.HandleList).Methods(http.MethodGet)
	sub.HandleFunc("", h.HandleCreate).Methods(http.MethodPost)
	sub.HandleFunc("/{widget}", h.HandleGet).Methods(http.MethodGet)
	sub.HandleFunc("/{widget}", h.HandleUpdate).Methods(http.MethodPut)
	sub.HandleFunc("/{widget}", h.HandleDelete).Methods(http.MethodDelete)
	sub.HandleFunc("/{widget}/export", h.HandleExport).Methods(http.MethodGet)
	sub.HandleFunc("/{widget}/credentials/status", h.HandleCredentialStatus).Methods(http.MethodGet)
}

// definitionRequest is the create/update body. A missing "enabled" means
// enabled.
type definitionRequest struct {
	widget.Definition
	Enabled *bool `json:"enabled"`
}

func (req *definitionRequest) definition() *widget.Definition {
	def := req.Definition
	def.Enabled = req.Enabled == nil || *req.Enabled
	def.CompiledCode = nil
	return &def
}

// definitionResponse wraps a stored definition with validation warnings.
type definitionResponse struct {
	Definition *widget.Definition `json:"definition"`
	Warnings   []string           `json:"warnings"`
}

// HandleList returns all definitions. Disabled ones are included with
// ?include_disabled=true.
func (h *WidgetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	includeDisabled, _ := strconv.ParseBool(r.URL.Query().Get("include_disabled"))
	defs, err := h.deps.Store.ListDefinitions(includeDisabled)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	if defs == nil {
		defs = []*widget.Definition{}
	}
	SendJSON(w, http.StatusOK, map[string]any{"widgets": defs})
}

// HandleCreate validates and stores a new definition.
func (h *WidgetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := decodeBody(r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	def := req.definition()
	def.ID = ""

	warnings, ok := h.validate(w, def)
	if !ok {
		return
	}
	if err := h.deps.Store.CreateDefinition(def); err != nil {
		SendErrorFor(w, err)
		return
	}
	h.stored(ChangeCreated, def)
	SendJSON(w, http.StatusCreated, definitionResponse{Definition: def, Warnings: warnings})
}

// HandleGet returns one definition by id or slug.
func (h *WidgetHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Store.GetDefinition(mux.Vars(r)["widget"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, def)
}

// HandleUpdate replaces a definition. Its id and creation time are kept.
func (h *WidgetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.deps.Store.GetDefinition(mux.Vars(r)["widget"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}

	var req definitionRequest
	if err := decodeBody(r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	def := req.definition()
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt

	warnings, ok := h.validate(w, def)
	if !ok {
		return
	}
	if err := h.deps.Store.UpdateDefinition(def); err != nil {
		SendErrorFor(w, err)
		return
	}
	if existing.Slug != def.Slug && h.deps.Schedules != nil {
		h.deps.Schedules.Remove(existing.Slug)
	}

	stored, err := h.deps.Store.GetDefinition(def.ID)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	h.stored(ChangeUpdated, stored)
	SendJSON(w, http.StatusOK, definitionResponse{Definition: stored, Warnings: warnings})
}

// HandleDelete removes a definition with its instances and cache rows.
func (h *WidgetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Store.GetDefinition(mux.Vars(r)["widget"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}

	instances, err := h.deps.Store.ListInstances(def.ID)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	h.invalidate(r.Context(), instances)

	if err := h.deps.Store.DeleteDefinition(def.ID); err != nil {
		SendErrorFor(w, err)
		return
	}
	if h.deps.Schedules != nil {
		h.deps.Schedules.Remove(def.Slug)
	}
	for _, inst := range instances {
		h.instanceDeleted(inst.ID)
	}
	h.changed(ChangeDeleted, def)
	w.WriteHeader(http.StatusNoContent)
}

// HandleExport returns a definition as a package string. ?download=true
// serves it as an attachment named after the slug.
func (h *WidgetHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Store.GetDefinition(mux.Vars(r)["widget"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}

	author := r.URL.Query().Get("author")
	if author == "" {
		author = h.deps.Author
	}
	encoded, err := widgetpkg.EncodeDefinition(def, author)
	if err != nil {
		SendErrorFor(w, err)
		return
	}

	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+def.Slug+widgetpkg.FileExt+`"`)
		_, _ = w.Write([]byte(encoded))
		return
	}
	SendJSON(w, http.StatusOK, map[string]string{"slug": def.Slug, "package": encoded})
}

// packageRequest carries a package string.
type packageRequest struct {
	Package   string `json:"package"`
	Overwrite bool   `json:"overwrite"`
}

// HandleImport decodes, validates and stores a package.
func (h *WidgetHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req packageRequest
	if err := decodeBody(r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	res, err := h.deps.Importer.ImportString(req.Package, req.Overwrite)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	h.stored(ChangeImported, res.Definition)

	status := http.StatusCreated
	if res.Replaced {
		status = http.StatusOK
	}
	SendJSON(w, status, res)
}

// validateResponse is the result of validating a package without storing it.
type validateResponse struct {
	widgetpkg.Result
	Meta *widgetpkg.Meta `json:"meta,omitempty"`
}

// HandleValidate decodes and validates a package. Decode failures are
// reported as an invalid result rather than an HTTP error.
func (h *WidgetHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req packageRequest
	if err := decodeBody(r, &req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	pkg, err := widgetpkg.Decode(req.Package)
	if err != nil {
		SendJSON(w, http.StatusOK, validateResponse{Result: widgetpkg.Result{
			Valid:    false,
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}})
		return
	}
	SendJSON(w, http.StatusOK, validateResponse{
		Result: widgetpkg.ValidateWith(pkg, h.deps.Validation),
		Meta:   &pkg.Meta,
	})
}

// HandleCredentialStatus reports which declared credentials are available.
func (h *WidgetHandler) HandleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	def, err := h.deps.Store.GetDefinition(mux.Vars(r)["widget"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	if h.deps.Credentials == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "credential store is not configured")
		return
	}

	statuses := h.deps.Credentials.StatusFor(def)
	ready := true
	for _, s := range statuses {
		if !s.Available && s.Type != widget.CredentialAgent {
			ready = false
		}
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"widget":      def.Slug,
		"ready":       ready,
		"credentials": statuses,
	})
}

// HandleListInstances lists instances, optionally of one definition
// (?widget=<id or slug>).
func (h *WidgetHandler) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	definitionID := ""
	if ref := r.URL.Query().Get("widget"); ref != "" {
		def, err := h.deps.Store.GetDefinition(ref)
		if err != nil {
			SendErrorFor(w, err)
			return
		}
		definitionID = def.ID
	}

	instances, err := h.deps.Store.ListInstances(definitionID)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	if instances == nil {
		instances = []*widget.Instance{}
	}
	SendJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

// instanceRequest places a definition on the dashboard.
type instanceRequest struct {
	Widget string         `json:"widget"`
	Config map[string]any `json:"config"`
}

// HandleCreateInstance places a widget.
func (h *WidgetHandler) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instanceRequest
	if err := decodeBody(r, &req); err != nil || req.Widget == "" {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "widget is required")
		return
	}

	def, err := h.deps.Store.GetDefinition(req.Widget)
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	inst := &widget.Instance{DefinitionID: def.ID, Config: req.Config}
	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	if err := h.deps.Store.CreateInstance(inst); err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusCreated, inst)
}

// HandleGetInstance returns one instance.
func (h *WidgetHandler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.deps.Store.GetInstance(mux.Vars(r)["instance"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	SendJSON(w, http.StatusOK, inst)
}

// HandleDeleteInstance removes an instance and its cached payload.
func (h *WidgetHandler) HandleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.deps.Store.GetInstance(mux.Vars(r)["instance"])
	if err != nil {
		SendErrorFor(w, err)
		return
	}
	h.invalidate(r.Context(), []*widget.Instance{inst})
	if err := h.deps.Store.DeleteInstance(inst.ID); err != nil {
		SendErrorFor(w, err)
		return
	}
	h.instanceDeleted(inst.ID)
	w.WriteHeader(http.StatusNoContent)
}

// validate writes a 400 and returns false when def is not storable.
func (h *WidgetHandler) validate(w http.ResponseWriter, def *widget.Definition) ([]string, bool) {
	res := widgetpkg.ValidateWith(widgetpkg.FromDefinition(def, h.deps.Author), h.deps.Validation)
	if !res.Valid {
		SendJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeValidation,
			Message: "widget definition is invalid",
			Details: res.Errors,
		}})
		return nil, false
	}
	return res.Warnings, true
}

// stored syncs the schedule of a stored definition and reports the change.
func (h *WidgetHandler) stored(action string, def *widget.Definition) {
	if h.deps.Schedules != nil {
		if !def.Enabled {
			h.deps.Schedules.Remove(def.Slug)
		} else if err := h.deps.Schedules.Sync(def); err != nil {
			logger.Warn().Err(err).Str("widget", def.Slug).Msg("Failed to schedule agent refresh")
		}
	}
	h.changed(action, def)
}

func (h *WidgetHandler) changed(action string, def *widget.Definition) {
	if h.deps.OnChange != nil {
		h.deps.OnChange(action, def)
	}
}

func (h *WidgetHandler) instanceDeleted(id string) {
	if h.deps.OnInstanceDeleted != nil {
		h.deps.OnInstanceDeleted(id)
	}
}

func (h *WidgetHandler) invalidate(ctx context.Context, instances []*widget.Instance) {
	if h.deps.Cache == nil {
		return
	}
	for _, inst := range instances {
		if err := h.deps.Cache.Invalidate(ctx, inst.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Str("instance", inst.ID).Msg("Failed to drop cached data")
		}
	}
}
