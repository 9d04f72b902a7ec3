package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"glance/internal/jsvm"
	"glance/internal/jsvmerr"
	"glance/internal/widget"
)

// Action selects how a request may obtain data.
type Action string

const (
	// ActionRead never executes. Server code reads serve whatever is cached.
	ActionRead Action = "read"
	// ActionExecute applies the full freshness policy.
	ActionExecute Action = "execute"
)

// Error kinds carried in Response.ErrorKind.
const (
	ErrorKindNotFound      = "not_found"
	ErrorKindConfiguration = "configuration"
	ErrorKindExecution     = "execution"
	ErrorKindAgentRefresh  = "agent_refresh_required"
	ErrorKindNoData        = "no_data"
)

// Request is one data request for a widget instance.
type Request struct {
	Action       Action         `json:"action"`
	InstanceID   string         `json:"widget_instance_id"`
	Params       map[string]any `json:"params,omitempty"`
	ForceRefresh bool           `json:"force_refresh"`
}

// Response is the engine's answer. Data is only set when it is real cached
// or freshly executed data.
type Response struct {
	Data           any        `json:"data"`
	FromCache      bool       `json:"from_cache"`
	Freshness      Freshness  `json:"freshness"`
	CachedAt       *time.Time `json:"cached_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	StaleWarning   string     `json:"stale_warning,omitempty"`
	Error          string     `json:"error,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Instructions   string     `json:"instructions,omitempty"`
	RefreshPending bool       `json:"refresh_pending,omitempty"`

	// Executed reports whether server code ran to answer this request.
	Executed bool `json:"-"`
}

// Catalog resolves instances and their definitions.
type Catalog interface {
	GetInstance(id string) (*widget.Instance, error)
	GetDefinition(idOrSlug string) (*widget.Definition, error)
}

// ServerExecutor runs widget server code.
type ServerExecutor interface {
	ExecuteServerCode(ctx context.Context, code string, opts jsvm.ServerOptions) *jsvm.ServerResult
}

// Observer receives one call per handled request.
type Observer interface {
	ObserveDecision(widget string, freshness Freshness, executed bool)
}

// Config configures an Engine.
type Config struct {
	// DefaultStorage backs definitions that do not name a cache storage.
	DefaultStorage widget.CacheStorage
	// ExecTimeout bounds each server execution; zero uses the executor default.
	ExecTimeout time.Duration
}

// Engine serves widget data according to each definition's cache policy.
type Engine struct {
	catalog  Catalog
	exec     ServerExecutor
	stores   map[widget.CacheStorage]Store
	pending  *PendingQueue
	config   Config
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time

	flight singleflight.Group
	wg     sync.WaitGroup

	mu       sync.RWMutex
	onWrites []func(*widget.CachedData)
}

// NewEngine creates an engine. stores must contain at least the default
// storage; pending may be nil when agent refresh is not used.
func NewEngine(cfg Config, catalog Catalog, exec ServerExecutor, stores map[widget.CacheStorage]Store, pending *PendingQueue, logger zerolog.Logger) *Engine {
	if cfg.DefaultStorage == "" {
		cfg.DefaultStorage = widget.CacheStorageMemory
	}
	if stores == nil {
		stores = map[widget.CacheStorage]Store{}
	}
	if _, ok := stores[cfg.DefaultStorage]; !ok {
		stores[cfg.DefaultStorage] = NewMemoryStore()
	}
	return &Engine{
		catalog: catalog,
		exec:    exec,
		stores:  stores,
		pending: pending,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetObserver installs a decision observer.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// OnWrite registers fn to be called after each successful cache write.
func (e *Engine) OnWrite(fn func(*widget.CachedData)) {
	e.mu.Lock()
	e.onWrites = append(e.onWrites, fn)
	e.mu.Unlock()
}

// Pending returns the agent refresh queue, which may be nil.
func (e *Engine) Pending() *PendingQueue {
	return e.pending
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Handle answers a data request. It never panics; every failure is reported
// in the response.
func (e *Engine) Handle(ctx context.Context, req Request) (resp *Response) {
	inst, def, err := e.resolve(req.InstanceID)
	if err != nil {
		return &Response{Freshness: NoCache, Error: err.Error(), ErrorKind: ErrorKindNotFound}
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error().Interface("panic", p).Str("widget", def.Slug).Msg("cache engine panic")
			resp = &Response{Freshness: NoCache, Error: fmt.Sprintf("internal error: %v", p), ErrorKind: ErrorKindExecution}
		}
		if e.observer != nil {
			e.observer.ObserveDecision(def.Slug, resp.Freshness, resp.Executed)
		}
	}()

	store := e.storeFor(def)
	cached, err := store.Get(ctx, inst.ID)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			e.logger.Warn().Err(err).Str("instance", inst.ID).Msg("cache read failed")
		}
		cached = nil
	}

	cc := def.EffectiveCache()
	now := e.now()
	state := NoCache
	if cached != nil {
		state = Classify(cached.Age(now), cc)
	}

	if req.Action == ActionRead {
		// External widgets never execute, so a read gets their full policy.
		if def.Fetch.Type == widget.FetchWebhook || def.Fetch.Type == widget.FetchAgentRefresh {
			req.ForceRefresh = false
			return e.handleExternal(def, req, cached, state, cc, now)
		}
		if cached == nil {
			return &Response{Freshness: NoCache, Error: "no cached data", ErrorKind: ErrorKindNoData}
		}
		return e.cachedResponse(cached, state, cc, now)
	}

	switch def.Fetch.Type {
	case widget.FetchServerCode:
		return e.handleServerCode(ctx, def, inst, req, store, cached, state, cc, now)
	case widget.FetchWebhook, widget.FetchAgentRefresh:
		return e.handleExternal(def, req, cached, state, cc, now)
	default:
		return &Response{
			Freshness: state,
			Error:     fmt.Sprintf("unsupported fetch type %q", def.Fetch.Type),
			ErrorKind: ErrorKindConfiguration,
		}
	}
}

func (e *Engine) handleServerCode(ctx context.Context, def *widget.Definition, inst *widget.Instance, req Request,
	store Store, cached *widget.CachedData, state Freshness, cc widget.CacheConfig, now time.Time) *Response {

	if err := def.CheckServerExecution(); err != nil {
		return &Response{Freshness: state, Error: err.Error(), ErrorKind: ErrorKindConfiguration}
	}

	if !req.ForceRefresh {
		switch state {
		case Fresh:
			return e.cachedResponse(cached, state, cc, now)
		case Stale:
			e.revalidate(ctx, def, inst, req.Params, store)
			return e.cachedResponse(cached, state, cc, now)
		}
	}

	entry, err := e.execute(ctx, def, inst, req.Params, store)
	if err != nil {
		resp := e.onError(cached, cc, now, err)
		resp.Executed = true
		return resp
	}

	value, _ := entry.Value()
	return &Response{
		Data:      value,
		Freshness: Fresh,
		CachedAt:  timePtr(entry.FetchedAt),
		ExpiresAt: timePtr(entry.ExpiresAt),
		Executed:  true,
	}
}

func (e *Engine) handleExternal(def *widget.Definition, req Request, cached *widget.CachedData,
	state Freshness, cc widget.CacheConfig, now time.Time) *Response {

	var pending bool
	if def.Fetch.Type == widget.FetchAgentRefresh && e.pending != nil {
		if req.ForceRefresh {
			if _, err := e.pending.Request(WidgetSource(def.Slug)); err != nil {
				e.logger.Warn().Err(err).Str("widget", def.Slug).Msg("request agent refresh")
			} else {
				pending = true
			}
		} else {
			pending = e.refreshPending(def.Slug)
		}
	}

	var resp *Response
	switch state {
	case Fresh, Stale:
		resp = e.cachedResponse(cached, state, cc, now)
	default:
		resp = &Response{Freshness: state, ErrorKind: ErrorKindAgentRefresh, Instructions: def.Fetch.Instructions}
		if def.Fetch.Type == widget.FetchWebhook {
			resp.ErrorKind = ErrorKindNoData
			resp.Error = fmt.Sprintf("no recent data received for %s; waiting for a webhook push", def.Slug)
		} else {
			resp.Error = fmt.Sprintf("data for %s is missing or older than its staleness limit; request an agent refresh", def.Slug)
		}
		if cc.UseStale() && cached != nil {
			resp.Data, _ = cached.Value()
			resp.FromCache = true
			resp.CachedAt = timePtr(cached.FetchedAt)
			resp.ExpiresAt = timePtr(cached.ExpiresAt)
			resp.StaleWarning = StaleWarning(cached.Age(now), cc)
		}
	}
	resp.RefreshPending = pending
	return resp
}

// refreshPending reports whether a manual or scheduled refresh is queued.
func (e *Engine) refreshPending(slug string) bool {
	for _, source := range []string{WidgetSource(slug), ScheduleSource(slug)} {
		if p, err := e.pending.Get(source); err == nil && p != nil {
			return true
		}
	}
	return false
}

// Deposit stores data delivered from outside, by an agent or a webhook push.
func (e *Engine) Deposit(ctx context.Context, instanceID string, data json.RawMessage) (*widget.CachedData, error) {
	inst, def, err := e.resolve(instanceID)
	if err != nil {
		return nil, err
	}
	if def.Fetch.Type == widget.FetchServerCode {
		return nil, &jsvmerr.ConfigurationError{Widget: def.Slug, Message: "server_code widgets do not accept deposited data"}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("deposited data for %s is not valid JSON", def.Slug)
	}
	entry := e.newEntry(def, inst, data)
	if err := e.write(ctx, e.storeFor(def), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Invalidate drops the cached payload of an instance from its store.
func (e *Engine) Invalidate(ctx context.Context, instanceID string) error {
	inst, def, err := e.resolve(instanceID)
	if err != nil {
		return err
	}
	return e.storeFor(def).Delete(ctx, inst.ID)
}

func (e *Engine) revalidate(ctx context.Context, def *widget.Definition, inst *widget.Instance, params map[string]any, store Store) {
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error().Interface("panic", p).Str("widget", def.Slug).Msg("revalidation panic")
			}
		}()
		if _, err := e.execute(bg, def, inst, params, store); err != nil {
			e.logger.Debug().Err(err).Str("widget", def.Slug).Str("instance", inst.ID).Msg("background revalidation failed")
		}
	}()
}

// execute runs server code once per instance at a time; concurrent callers
// share the in-flight result.
func (e *Engine) execute(ctx context.Context, def *widget.Definition, inst *widget.Instance, params map[string]any, store Store) (*widget.CachedData, error) {
	v, err, _ := e.flight.Do(inst.ID, func() (any, error) {
		fetch := def.Fetch
		res := e.exec.ExecuteServerCode(context.WithoutCancel(ctx), *def.ServerCode, jsvm.ServerOptions{
			Widget:      def.Slug,
			Params:      mergeParams(inst.Config, params),
			Timeout:     e.config.ExecTimeout,
			FetchConfig: &fetch,
			Credentials: credentialIDs(def),
		})
		if !res.OK() {
			return nil, errors.New(res.Error)
		}

		data, err := json.Marshal(res.Data)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		entry := e.newEntry(def, inst, data)
		if err := e.write(context.WithoutCancel(ctx), store, entry); err != nil {
			e.logger.Warn().Err(err).Str("instance", inst.ID).Msg("cache write failed")
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*widget.CachedData), nil
}

func (e *Engine) onError(cached *widget.CachedData, cc widget.CacheConfig, now time.Time, err error) *Response {
	if cc.UseStale() && cached != nil {
		age := cached.Age(now)
		resp := e.cachedResponse(cached, Classify(age, cc), cc, now)
		resp.StaleWarning = fmt.Sprintf("Refresh failed (%v). %s", err, StaleWarning(age, cc))
		return resp
	}
	state := NoCache
	if cached != nil {
		state = Classify(cached.Age(now), cc)
	}
	return &Response{Freshness: state, Error: err.Error(), ErrorKind: ErrorKindExecution}
}

func (e *Engine) cachedResponse(cached *widget.CachedData, state Freshness, cc widget.CacheConfig, now time.Time) *Response {
	resp := &Response{
		FromCache: true,
		Freshness: state,
		CachedAt:  timePtr(cached.FetchedAt),
		ExpiresAt: timePtr(cached.ExpiresAt),
	}
	value, err := cached.Value()
	if err != nil {
		return &Response{Freshness: NoCache, Error: fmt.Sprintf("corrupt cache entry: %v", err), ErrorKind: ErrorKindNoData}
	}
	resp.Data = value
	if state != Fresh {
		resp.StaleWarning = StaleWarning(cached.Age(now), cc)
	}
	return resp
}

func (e *Engine) newEntry(def *widget.Definition, inst *widget.Instance, data []byte) *widget.CachedData {
	now := e.now().UTC()
	return &widget.CachedData{
		WidgetInstanceID: inst.ID,
		CustomWidgetID:   def.ID,
		Data:             data,
		FetchedAt:        now,
		ExpiresAt:        now.Add(seconds(def.EffectiveCache().TTLSeconds)),
	}
}

func (e *Engine) write(ctx context.Context, store Store, entry *widget.CachedData) error {
	if err := store.Put(ctx, entry); err != nil {
		return err
	}
	e.mu.RLock()
	listeners := e.onWrites
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(entry)
	}
	return nil
}

func (e *Engine) resolve(instanceID string) (*widget.Instance, *widget.Definition, error) {
	inst, err := e.catalog.GetInstance(instanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("widget instance %s: %w", instanceID, err)
	}
	def, err := e.catalog.GetDefinition(inst.DefinitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("widget definition %s: %w", inst.DefinitionID, err)
	}
	return inst, def, nil
}

func (e *Engine) storeFor(def *widget.Definition) Store {
	if def.Cache != nil && def.Cache.Storage != "" {
		if s, ok := e.stores[def.Cache.Storage]; ok {
			return s
		}
	}
	return e.stores[e.config.DefaultStorage]
}

func mergeParams(config, params map[string]any) map[string]any {
	out := make(map[string]any, len(config)+len(params))
	for k, v := range config {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

func credentialIDs(def *widget.Definition) []string {
	var ids []string
	for _, c := range def.Credentials {
		if c.Type == widget.CredentialAPIKey || c.Type == widget.CredentialOAuth {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func timePtr(t time.Time) *time.Time {
	return &t
}
