package jsvm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"glance/internal/widget"
)

// BoundaryState is the lifecycle state of one rendered widget instance.
type BoundaryState string

const (
	StateLoading        BoundaryState = "loading"
	StateReady          BoundaryState = "ready"
	StateTranspileError BoundaryState = "transpile_error"
	StateFetchError     BoundaryState = "fetch_error"
	StateCrashed        BoundaryState = "crashed"
)

var transitions = map[BoundaryState][]BoundaryState{
	StateLoading:        {StateReady, StateTranspileError, StateFetchError},
	StateReady:          {StateCrashed},
	StateTranspileError: {StateLoading},
	StateFetchError:     {StateLoading},
	StateCrashed:        {StateLoading},
}

// CanTransition reports whether from → to is a legal boundary transition.
func CanTransition(from, to BoundaryState) bool {
	return slices.Contains(transitions[from], to)
}

// View is what a dashboard shows for one instance.
type View struct {
	InstanceID string        `json:"instance_id"`
	Widget     string        `json:"widget"`
	State      BoundaryState `json:"state"`
	Tree       *Node         `json:"tree,omitempty"`
	Error      string        `json:"error,omitempty"`
	Warning    string        `json:"warning,omitempty"`
	Retryable  bool          `json:"retryable"`
}

// Boundary isolates one widget instance: every failure while compiling,
// fetching or rendering is converted into an error state for this instance
// only.
type Boundary struct {
	mu       sync.Mutex
	compiler *Compiler
	def      *widget.Definition
	opts     ContextOptions
	logger   zerolog.Logger

	state   BoundaryState
	errMsg  string
	warning string
	comp    *Component
	data    any
	tree    *Node
}

// NewBoundary creates a boundary in the loading state. opts.ServerData, when
// set, is also used to load the data passed to the component as serverData.
func NewBoundary(compiler *Compiler, def *widget.Definition, opts ContextOptions, logger zerolog.Logger) *Boundary {
	return &Boundary{
		compiler: compiler,
		def:      def,
		opts:     opts,
		logger:   logger.With().Str("widget", def.Slug).Str("instance", opts.WidgetID).Logger(),
		state:    StateLoading,
	}
}

// State returns the current state.
func (b *Boundary) State() BoundaryState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Load compiles, evaluates, fetches and renders. It only acts in the loading
// state; otherwise it returns the current view.
func (b *Boundary) Load(ctx context.Context) View {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateLoading {
		return b.view()
	}

	code, _, err := b.compiler.CompileDefinition(b.def)
	if err != nil {
		b.fail(StateTranspileError, err)
		return b.view()
	}

	comp, err := b.execute(code)
	if err != nil {
		b.fail(StateTranspileError, err)
		return b.view()
	}
	b.closeComponent()
	b.comp = comp

	if b.opts.ServerData != nil {
		data, err := b.fetch(ctx, false)
		if err != nil {
			b.fail(StateFetchError, err)
			return b.view()
		}
		b.data = data
	}

	b.transition(StateReady)
	b.render(ctx)
	return b.view()
}

// Render re-renders with the current data.
func (b *Boundary) Render(ctx context.Context) View {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateReady {
		b.render(ctx)
	}
	return b.view()
}

// Refresh reloads server data and re-renders. A failed reload keeps the
// previous data and reports a warning.
func (b *Boundary) Refresh(ctx context.Context, force bool) View {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateReady {
		return b.view()
	}
	if b.opts.ServerData != nil {
		data, err := b.fetch(ctx, force)
		if err != nil {
			b.warning = err.Error()
		} else {
			b.data = data
			b.warning = ""
		}
	}
	b.render(ctx)
	return b.view()
}

// Retry resets an error state to loading and loads again.
func (b *Boundary) Retry(ctx context.Context) View {
	b.mu.Lock()
	if !b.transition(StateLoading) {
		v := b.view()
		b.mu.Unlock()
		return v
	}
	b.errMsg = ""
	b.warning = ""
	b.tree = nil
	b.closeComponent()
	b.mu.Unlock()

	return b.Load(ctx)
}

// Poll refreshes every interval until ctx ends, reporting each view. The
// ticker is released when Poll returns.
func (b *Boundary) Poll(ctx context.Context, interval time.Duration, onView func(View)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := b.Refresh(ctx, false)
			if onView != nil {
				onView(v)
			}
		}
	}
}

// Close tears down the component.
func (b *Boundary) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeComponent()
}

func (b *Boundary) render(ctx context.Context) {
	tree, err := b.renderSafe(ctx)
	if err != nil {
		b.fail(StateCrashed, err)
		return
	}
	b.tree = tree
}

func (b *Boundary) renderSafe(ctx context.Context) (tree *Node, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ExecutionError{Widget: b.def.Slug, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return b.comp.Render(ctx, b.data)
}

func (b *Boundary) execute(code string) (comp *Component, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ExecutionError{Widget: b.def.Slug, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return Execute(code, BuildContext(b.opts))
}

func (b *Boundary) fetch(ctx context.Context, force bool) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return b.opts.ServerData(ctx, force)
}

func (b *Boundary) fail(to BoundaryState, err error) {
	if !b.transition(to) {
		return
	}
	b.errMsg = err.Error()
	b.tree = nil
	if to == StateCrashed || errors.Is(err, ErrExecution) {
		b.logger.Warn().Err(err).Str("state", string(to)).Msg("widget failed")
	} else {
		b.logger.Debug().Err(err).Str("state", string(to)).Msg("widget failed")
	}
}

func (b *Boundary) transition(to BoundaryState) bool {
	if !CanTransition(b.state, to) {
		return false
	}
	b.state = to
	return true
}

func (b *Boundary) closeComponent() {
	if b.comp != nil {
		b.comp.Close()
		b.comp = nil
	}
}

func (b *Boundary) view() View {
	v := View{
		InstanceID: b.opts.WidgetID,
		Widget:     b.def.Slug,
		State:      b.state,
		Tree:       b.tree,
		Error:      b.errMsg,
		Warning:    b.warning,
	}
	switch b.state {
	case StateTranspileError, StateFetchError, StateCrashed:
		v.Retryable = true
	}
	return v
}
