package jsvm

import (
	"context"
	"encoding/json"
)

// Layout primitives available to widget UI code. They render as host nodes
// with the same type name.
const (
	PrimitiveBox   = "Box"
	PrimitiveStack = "Stack"
	PrimitiveRow   = "Row"
	PrimitiveText  = "Text"
	PrimitiveCard  = "Card"
)

// FragmentType is the node type used internally for fragments; fragments never
// appear in rendered trees.
const FragmentType = "#fragment"

var primitives = []string{PrimitiveBox, PrimitiveStack, PrimitiveRow, PrimitiveText, PrimitiveCard}

// ServerDataFunc fetches the widget's own server data. It is the only route
// from UI code to the network.
type ServerDataFunc func(ctx context.Context, forceRefresh bool) (any, error)

// ContextOptions describes the widget instance a context is built for.
type ContextOptions struct {
	WidgetID          string
	Config            map[string]any
	RefreshInterval   int
	CustomWidgetSlug  string
	ServerCodeEnabled bool
	// ServerData backs fetchServerData. It is only exposed when
	// ServerCodeEnabled is set.
	ServerData ServerDataFunc
}

// Context is the capability set handed to one widget instance's UI code.
// Contexts are never shared between instances.
type Context struct {
	WidgetID        string
	Slug            string
	Config          map[string]any
	RefreshInterval int
	serverData      ServerDataFunc
}

// BuildContext constructs a fresh context. Config is deep-copied so code in
// one instance cannot mutate another instance's view of it.
func BuildContext(opts ContextOptions) *Context {
	c := &Context{
		WidgetID:        opts.WidgetID,
		Slug:            opts.CustomWidgetSlug,
		Config:          cloneConfig(opts.Config),
		RefreshInterval: opts.RefreshInterval,
	}
	if opts.ServerCodeEnabled {
		c.serverData = opts.ServerData
	}
	return c
}

// CanFetchServerData reports whether fetchServerData is bound.
func (c *Context) CanFetchServerData() bool {
	return c.serverData != nil
}

// capabilityNames lists, in order, the only free variables widget UI code
// can reference besides ECMAScript builtins.
var capabilityNames = []string{
	ElementFactory, FragmentFactory,
	"useState", "useEffect", "useMemo", "useRef",
	PrimitiveBox, PrimitiveStack, PrimitiveRow, PrimitiveText, PrimitiveCard,
	"config", "widgetId", "refreshInterval", "fetchServerData",
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
