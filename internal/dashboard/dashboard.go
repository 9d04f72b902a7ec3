// Package dashboard renders every placed widget instance, each behind its own
// crash boundary.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"glance/internal/cache"
	"glance/internal/jsvm"
	"glance/internal/widget"
)

// ErrUnknownInstance is returned for instances that are not on the dashboard.
var ErrUnknownInstance = errors.New("dashboard: unknown widget instance")

// Catalog lists placed instances and resolves their definitions.
type Catalog interface {
	ListInstances(definitionID string) ([]*widget.Instance, error)
	GetDefinition(idOrSlug string) (*widget.Definition, error)
}

// CompiledSink persists freshly compiled UI code.
type CompiledSink interface {
	SetCompiledCode(id, sourceCode, compiled string) error
}

// DataSource answers instance data requests.
type DataSource interface {
	Handle(ctx context.Context, req cache.Request) *cache.Response
}

// Config configures a Dashboard.
type Config struct {
	// Concurrency bounds how many instances load at once.
	Concurrency int
}

type entry struct {
	boundary *jsvm.Boundary
	version  time.Time
}

// Dashboard keeps one boundary per placed instance.
type Dashboard struct {
	catalog  Catalog
	compiler *jsvm.Compiler
	data     DataSource
	sink     CompiledSink
	config   Config
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a dashboard. sink may be nil.
func New(catalog Catalog, compiler *jsvm.Compiler, data DataSource, sink CompiledSink, cfg Config, logger zerolog.Logger) *Dashboard {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dashboard{
		catalog:  catalog,
		compiler: compiler,
		data:     data,
		sink:     sink,
		config:   cfg,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Render loads and renders all placed instances concurrently. A failing
// instance yields an error view and never affects its siblings.
func (d *Dashboard) Render(ctx context.Context) ([]jsvm.View, error) {
	instances, err := d.catalog.ListInstances("")
	if err != nil {
		return nil, fmt.Errorf("list widget instances: %w", err)
	}

	views := make([]jsvm.View, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)

	for i, inst := range instances {
		g.Go(func() error {
			views[i] = d.renderInstance(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	d.prune(instances)
	return views, nil
}

func (d *Dashboard) renderInstance(ctx context.Context, inst *widget.Instance) (v jsvm.View) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Str("instance", inst.ID).Msg("dashboard render panic")
			v = jsvm.View{InstanceID: inst.ID, State: jsvm.StateCrashed, Error: fmt.Sprintf("panic: %v", p), Retryable: true}
		}
	}()

	b, err := d.boundary(inst)
	if err != nil {
		return jsvm.View{InstanceID: inst.ID, State: jsvm.StateFetchError, Error: err.Error(), Retryable: true}
	}
	return b.Load(ctx)
}

// Refresh reloads one instance's data and re-renders it.
func (d *Dashboard) Refresh(ctx context.Context, instanceID string, force bool) (jsvm.View, error) {
	b, err := d.lookup(instanceID)
	if err != nil {
		return jsvm.View{}, err
	}
	return b.Refresh(ctx, force), nil
}

// Retry resets a failed instance and loads it again.
func (d *Dashboard) Retry(ctx context.Context, instanceID string) (jsvm.View, error) {
	b, err := d.lookup(instanceID)
	if err != nil {
		return jsvm.View{}, err
	}
	return b.Retry(ctx), nil
}

// Poll refreshes one instance every interval until ctx ends.
func (d *Dashboard) Poll(ctx context.Context, instanceID string, interval time.Duration, onView func(jsvm.View)) error {
	b, err := d.lookup(instanceID)
	if err != nil {
		return err
	}
	b.Poll(ctx, interval, onView)
	return nil
}

// Forget drops the boundary of an instance so it is rebuilt on next render.
func (d *Dashboard) Forget(instanceID string) {
	d.mu.Lock()
	e, ok := d.entries[instanceID]
	delete(d.entries, instanceID)
	d.mu.Unlock()
	if ok {
		e.boundary.Close()
	}
}

// Close tears down every boundary.
func (d *Dashboard) Close() {
	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[string]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		e.boundary.Close()
	}
}

func (d *Dashboard) lookup(instanceID string) (*jsvm.Boundary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[instanceID]
	if !ok {
		return nil, ErrUnknownInstance
	}
	return e.boundary, nil
}

// boundary returns the instance's boundary, rebuilding it when the
// definition changed since it was built.
func (d *Dashboard) boundary(inst *widget.Instance) (*jsvm.Boundary, error) {
	def, err := d.catalog.GetDefinition(inst.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("widget definition %s: %w", inst.DefinitionID, err)
	}

	d.mu.Lock()
	e, ok := d.entries[inst.ID]
	if ok && e.version.Equal(def.UpdatedAt) {
		d.mu.Unlock()
		return e.boundary, nil
	}
	d.mu.Unlock()

	d.precompile(def)

	b := jsvm.NewBoundary(d.compiler, def, jsvm.ContextOptions{
		WidgetID:          inst.ID,
		Config:            inst.Config,
		RefreshInterval:   def.RefreshInterval,
		CustomWidgetSlug:  def.Slug,
		ServerCodeEnabled: def.ServerCodeEnabled,
		ServerData:        d.serverData(inst.ID),
	}, d.logger)

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.entries[inst.ID]; ok {
		if old.version.Equal(def.UpdatedAt) {
			b.Close()
			return old.boundary, nil
		}
		old.boundary.Close()
	}
	d.entries[inst.ID] = &entry{boundary: b, version: def.UpdatedAt}
	return b, nil
}

func (d *Dashboard) precompile(def *widget.Definition) {
	code, fresh, err := d.compiler.CompileDefinition(def)
	if err != nil || !fresh || d.sink == nil || def.ID == "" {
		return
	}
	if err := d.sink.SetCompiledCode(def.ID, def.SourceCode, code); err != nil {
		d.logger.Warn().Err(err).Str("widget", def.Slug).Msg("failed to store compiled code")
	}
}

func (d *Dashboard) serverData(instanceID string) jsvm.ServerDataFunc {
	return func(ctx context.Context, force bool) (any, error) {
		resp := d.data.Handle(ctx, cache.Request{Action: cache.ActionExecute, InstanceID: instanceID, ForceRefresh: force})
		if resp.Error != "" && resp.Data == nil {
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	}
}

func (d *Dashboard) prune(instances []*widget.Instance) {
	live := make(map[string]bool, len(instances))
	for _, inst := range instances {
		live[inst.ID] = true
	}

	d.mu.Lock()
	var stale []*entry
	for id, e := range d.entries {
		if !live[id] {
			stale = append(stale, e)
			delete(d.entries, id)
		}
	}
	d.mu.Unlock()

	for _, e := range stale {
		e.boundary.Close()
	}
}
