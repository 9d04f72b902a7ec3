package jsvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	// DefaultRenderTimeout bounds a single evaluation or render pass.
	DefaultRenderTimeout = 10 * time.Second

	maxRenderPasses = 10
	maxTreeDepth    = 64
)

// Node types that are not layout primitives.
const (
	RootType     = "#root"
	TextNodeType = "#text"
)

// Node is one element of a rendered widget tree.
type Node struct {
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Children []*Node        `json:"children,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// element is what h() returns inside the VM.
type element struct {
	typ      goja.Value
	props    *goja.Object
	children []goja.Value
}

type hookSlot struct {
	kind    string
	value   goja.Value
	setter  goja.Value
	ref     *goja.Object
	deps    []goja.Value
	hasDeps bool
	cleanup goja.Callable
}

type hookScope struct {
	path  string
	index int
}

type pendingEffect struct {
	slot *hookSlot
	fn   goja.Callable
}

// Component is a widget UI evaluated in its own VM. It is safe for concurrent
// use; renders are serialized.
type Component struct {
	mu            sync.Mutex
	vm            *goja.Runtime
	ctx           *Context
	runCtx        context.Context
	entry         goja.Value
	hooks         map[string]*hookSlot
	effects       []pendingEffect
	scope         *hookScope
	dirty         bool
	closed        bool
	renderTimeout time.Duration

	jsonParse     goja.Callable
	jsonStringify goja.Callable
}

// Execute evaluates transpiled UI code bound only to cctx and returns the
// component it defines. The code must define a function named Widget.
func Execute(code string, cctx *Context) (c *Component, err error) {
	slug := cctx.Slug
	defer func() {
		if p := recover(); p != nil {
			c = nil
			err = &ExecutionError{Widget: slug, Cause: fmt.Errorf("panic: %v", p)}
		}
	}()

	c = &Component{
		vm:            newRuntime(),
		ctx:           cctx,
		runCtx:        context.Background(),
		hooks:         make(map[string]*hookSlot),
		renderTimeout: DefaultRenderTimeout,
	}
	if err := c.captureJSON(); err != nil {
		return nil, &ExecutionError{Widget: slug, Cause: err}
	}

	prog, err := goja.Compile(slug+".widget.js", wrapComponentCode(code), false)
	if err != nil {
		return nil, &TranspileError{Message: err.Error()}
	}

	var entry goja.Value
	err = c.guard(func() error {
		factory, err := c.vm.RunProgram(prog)
		if err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(factory)
		if !ok {
			return errors.New("widget factory is not callable")
		}
		entry, err = fn(goja.Undefined(), c.capabilities()...)
		return err
	})
	if err != nil {
		return nil, c.renderError(err)
	}
	if _, ok := goja.AssertFunction(entry); !ok {
		return nil, ErrNoComponent
	}

	c.entry = entry
	return c, nil
}

// SetRenderTimeout overrides DefaultRenderTimeout.
func (c *Component) SetRenderTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.renderTimeout = d
	}
}

// Render calls the component with (config, serverData) and returns the
// expanded tree. Effects run after each pass; state they set triggers another
// pass.
func (c *Component) Render(ctx context.Context, serverData any) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &ExecutionError{Widget: c.ctx.Slug, Cause: errors.New("component is closed")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.runCtx = ctx
	defer func() { c.runCtx = context.Background() }()

	for pass := 0; ; pass++ {
		if pass >= maxRenderPasses {
			return nil, &ExecutionError{Widget: c.ctx.Slug, Cause: errors.New("too many re-renders")}
		}

		var nodes []*Node
		c.dirty = false
		err := c.guard(func() error {
			props := c.vm.NewObject()
			_ = props.Set("config", c.toJS(c.ctx.Config))
			_ = props.Set("serverData", c.toJS(serverData))
			_ = props.Set("widgetId", c.ctx.WidgetID)

			root := c.vm.ToValue(&element{typ: c.entry, props: props})
			var err error
			if nodes, err = c.expand(root, "", 0); err != nil {
				return err
			}
			return c.runEffects()
		})
		if err != nil {
			return nil, c.renderError(err)
		}
		if !c.dirty {
			return &Node{Type: RootType, Children: nodes}, nil
		}
	}
}

// Close runs pending effect cleanups. The component cannot render afterwards.
func (c *Component) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	_ = c.guard(func() error {
		for _, s := range c.hooks {
			if s.cleanup != nil {
				_, _ = s.cleanup(goja.Undefined())
				s.cleanup = nil
			}
		}
		return nil
	})
}

// guard runs fn with a watchdog that interrupts the VM after renderTimeout.
func (c *Component) guard(fn func() error) (err error) {
	var mu sync.Mutex
	finished := false
	c.vm.ClearInterrupt()
	t := time.AfterFunc(c.renderTimeout, func() {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			c.vm.Interrupt(fmt.Sprintf("render exceeded %s", c.renderTimeout))
		}
	})
	defer func() {
		mu.Lock()
		finished = true
		mu.Unlock()
		t.Stop()
		c.vm.ClearInterrupt()
		c.scope = nil
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func (c *Component) renderError(err error) error {
	var ex *goja.Exception
	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &ex):
		err = errors.New(jsErrorMessage(ex.Value()))
	case errors.As(err, &interrupted):
		err = fmt.Errorf("%v", interrupted.Value())
	}
	return &ExecutionError{Widget: c.ctx.Slug, Cause: err}
}

// wrapComponentCode makes capabilities the factory's parameters so they are
// the code's only free variables.
func wrapComponentCode(code string) string {
	return "(function (" + strings.Join(capabilityNames, ", ") + ") {\n" +
		code +
		"\n;return typeof Widget === \"function\" ? Widget : undefined;\n})"
}

// capabilities returns values in capabilityNames order.
func (c *Component) capabilities() []goja.Value {
	vm := c.vm
	fetchServerData := goja.Undefined()
	if c.ctx.CanFetchServerData() {
		fetchServerData = vm.ToValue(c.fetchServerData)
	}

	values := map[string]goja.Value{
		ElementFactory:    vm.ToValue(c.createElement),
		FragmentFactory:   vm.ToValue(FragmentType),
		"useState":        vm.ToValue(c.useState),
		"useEffect":       vm.ToValue(c.useEffect),
		"useMemo":         vm.ToValue(c.useMemo),
		"useRef":          vm.ToValue(c.useRef),
		"config":          c.toJS(c.ctx.Config),
		"widgetId":        vm.ToValue(c.ctx.WidgetID),
		"refreshInterval": vm.ToValue(c.ctx.RefreshInterval),
		"fetchServerData": fetchServerData,
	}
	for _, p := range primitives {
		values[p] = vm.ToValue(p)
	}

	args := make([]goja.Value, len(capabilityNames))
	for i, name := range capabilityNames {
		args[i] = values[name]
	}
	return args
}

func (c *Component) createElement(call goja.FunctionCall) goja.Value {
	typ := call.Argument(0)
	if goja.IsUndefined(typ) || goja.IsNull(typ) {
		panic(c.vm.NewTypeError("element type is undefined"))
	}

	el := &element{typ: typ}
	if p := call.Argument(1); !goja.IsUndefined(p) && !goja.IsNull(p) {
		el.props = p.ToObject(c.vm)
	}
	if len(call.Arguments) > 2 {
		el.children = append(el.children, call.Arguments[2:]...)
	}
	return c.vm.ToValue(el)
}

func (c *Component) fetchServerData(call goja.FunctionCall) goja.Value {
	force := call.Argument(0).ToBoolean()
	promise, resolve, reject := c.vm.NewPromise()

	data, err := c.ctx.serverData(c.runCtx, force)
	if err != nil {
		_ = reject(c.vm.NewGoError(err))
	} else {
		_ = resolve(c.toJS(data))
	}
	return c.vm.ToValue(promise)
}

// slot returns the hook state for the next hook call in the rendering
// component, and whether it was just created.
func (c *Component) slot(kind string) (*hookSlot, bool) {
	if c.scope == nil {
		panic(c.vm.NewTypeError("%s can only be called while rendering a component", kind))
	}
	key := c.scope.path + "#" + strconv.Itoa(c.scope.index)
	c.scope.index++

	s, ok := c.hooks[key]
	if !ok {
		s = &hookSlot{kind: kind}
		c.hooks[key] = s
		return s, true
	}
	if s.kind != kind {
		panic(c.vm.NewTypeError("hook order changed between renders: expected %s, got %s", s.kind, kind))
	}
	return s, false
}

func (c *Component) useState(call goja.FunctionCall) goja.Value {
	s, isNew := c.slot("useState")
	if isNew {
		initial := call.Argument(0)
		if fn, ok := goja.AssertFunction(initial); ok {
			v, err := fn(goja.Undefined())
			if err != nil {
				panic(err)
			}
			initial = v
		}
		s.value = initial
		s.setter = c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			next := call.Argument(0)
			if fn, ok := goja.AssertFunction(next); ok {
				v, err := fn(goja.Undefined(), s.value)
				if err != nil {
					panic(err)
				}
				next = v
			}
			if !next.StrictEquals(s.value) {
				s.value = next
				c.dirty = true
			}
			return goja.Undefined()
		})
	}
	return c.vm.NewArray(s.value, s.setter)
}

func (c *Component) useEffect(call goja.FunctionCall) goja.Value {
	s, isNew := c.slot("useEffect")
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("useEffect expects a function"))
	}
	deps, hasDeps := c.readDeps(call.Argument(1))
	if isNew || !hasDeps || !depsEqual(s.deps, deps) {
		s.deps, s.hasDeps = deps, hasDeps
		c.effects = append(c.effects, pendingEffect{slot: s, fn: fn})
	}
	return goja.Undefined()
}

func (c *Component) useMemo(call goja.FunctionCall) goja.Value {
	s, isNew := c.slot("useMemo")
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("useMemo expects a function"))
	}
	deps, hasDeps := c.readDeps(call.Argument(1))
	if isNew || !hasDeps || !depsEqual(s.deps, deps) {
		v, err := fn(goja.Undefined())
		if err != nil {
			panic(err)
		}
		s.value = v
		s.deps, s.hasDeps = deps, hasDeps
	}
	return s.value
}

func (c *Component) useRef(call goja.FunctionCall) goja.Value {
	s, isNew := c.slot("useRef")
	if isNew {
		s.ref = c.vm.NewObject()
		_ = s.ref.Set("current", call.Argument(0))
	}
	return s.ref
}

func (c *Component) readDeps(v goja.Value) ([]goja.Value, bool) {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		panic(c.vm.NewTypeError("hook dependencies must be an array"))
	}
	n := int(obj.Get("length").ToInteger())
	deps := make([]goja.Value, n)
	for i := 0; i < n; i++ {
		deps[i] = obj.Get(strconv.Itoa(i))
	}
	return deps, true
}

func depsEqual(a, b []goja.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].SameAs(b[i]) {
			return false
		}
	}
	return true
}

func (c *Component) runEffects() error {
	effects := c.effects
	c.effects = nil
	for _, e := range effects {
		if e.slot.cleanup != nil {
			if _, err := e.slot.cleanup(goja.Undefined()); err != nil {
				return err
			}
			e.slot.cleanup = nil
		}
		ret, err := e.fn(goja.Undefined())
		if err != nil {
			return err
		}
		if cleanup, ok := goja.AssertFunction(ret); ok {
			e.slot.cleanup = cleanup
		}
	}
	return nil
}

// expand turns a value returned by a component into rendered nodes, calling
// function components as it goes.
func (c *Component) expand(v goja.Value, path string, depth int) ([]*Node, error) {
	if depth > maxTreeDepth {
		return nil, errors.New("component tree is too deep")
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		if _, ok := v.Export().(bool); ok {
			return nil, nil
		}
		return []*Node{{Type: TextNodeType, Text: v.String()}}, nil
	}

	if obj.ClassName() == "Array" {
		var nodes []*Node
		n := int(obj.Get("length").ToInteger())
		for i := 0; i < n; i++ {
			item := obj.Get(strconv.Itoa(i))
			kids, err := c.expand(item, path+"."+childSegment(item, i), depth)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, kids...)
		}
		return nodes, nil
	}

	el, ok := obj.Export().(*element)
	if !ok {
		return nil, errors.New("objects are not valid as a widget child")
	}

	if fn, ok := goja.AssertFunction(el.typ); ok {
		scope := &hookScope{path: path + "<" + componentName(el.typ) + ">"}
		props := c.propsWithChildren(el)

		prev := c.scope
		c.scope = scope
		out, err := fn(goja.Undefined(), props)
		c.scope = prev
		if err != nil {
			return nil, err
		}
		return c.expand(out, scope.path, depth+1)
	}

	typ := el.typ.String()
	children := el.children
	if len(children) == 0 && el.props != nil {
		if ch := el.props.Get("children"); ch != nil && !goja.IsUndefined(ch) {
			children = []goja.Value{ch}
		}
	}

	var kids []*Node
	for i, ch := range children {
		nodes, err := c.expand(ch, path+"/"+typ+"."+childSegment(ch, i), depth+1)
		if err != nil {
			return nil, err
		}
		kids = append(kids, nodes...)
	}
	if typ == FragmentType {
		return kids, nil
	}
	return []*Node{{Type: typ, Props: c.hostProps(el.props), Children: kids}}, nil
}

func (c *Component) propsWithChildren(el *element) *goja.Object {
	props := c.vm.NewObject()
	if el.props != nil {
		for _, k := range el.props.Keys() {
			if k == "key" {
				continue
			}
			_ = props.Set(k, el.props.Get(k))
		}
	}
	switch len(el.children) {
	case 0:
	case 1:
		_ = props.Set("children", el.children[0])
	default:
		items := make([]any, len(el.children))
		for i, ch := range el.children {
			items[i] = ch
		}
		_ = props.Set("children", c.vm.NewArray(items...))
	}
	return props
}

// hostProps exports serializable props. Handlers and children are dropped.
func (c *Component) hostProps(props *goja.Object) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any)
	for _, k := range props.Keys() {
		if k == "key" || k == "children" {
			continue
		}
		v := props.Get(k)
		if _, ok := goja.AssertFunction(v); ok {
			continue
		}
		plain, err := c.toPlain(v)
		if err != nil {
			continue
		}
		out[k] = plain
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Component) captureJSON() error {
	j := c.vm.Get("JSON").ToObject(c.vm)
	parse, ok := goja.AssertFunction(j.Get("parse"))
	if !ok {
		return errors.New("JSON.parse is unavailable")
	}
	stringify, ok := goja.AssertFunction(j.Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is unavailable")
	}
	c.jsonParse, c.jsonStringify = parse, stringify
	return nil
}

// toJS converts host data into native VM values.
func (c *Component) toJS(v any) goja.Value {
	if v == nil {
		return goja.Null()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return c.vm.ToValue(v)
	}
	out, err := c.jsonParse(goja.Undefined(), c.vm.ToValue(string(data)))
	if err != nil {
		return c.vm.ToValue(v)
	}
	return out
}

func (c *Component) toPlain(v goja.Value) (any, error) {
	s, err := c.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func componentName(fn goja.Value) string {
	if obj, ok := fn.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && name.String() != "" {
			return name.String()
		}
	}
	return "anonymous"
}

// childSegment identifies a child by its key prop when present, else by index.
func childSegment(v goja.Value, i int) string {
	if obj, ok := v.(*goja.Object); ok {
		if el, ok := obj.Export().(*element); ok && el.props != nil {
			if key := el.props.Get("key"); key != nil && !goja.IsUndefined(key) && !goja.IsNull(key) {
				return "k:" + key.String()
			}
		}
	}
	return strconv.Itoa(i)
}
