package jsvm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"glance/internal/jsvmerr"
	"glance/internal/widget"
)

// Element factory names emitted by the transpiler. They are bound by the
// client context, never imported.
const (
	ElementFactory  = "h"
	FragmentFactory = "Fragment"
)

var transformOptions = api.TransformOptions{
	Loader:        api.LoaderJSX,
	JSX:           api.JSXTransform,
	JSXFactory:    ElementFactory,
	JSXFragment:   FragmentFactory,
	Target:        api.ES2017,
	Sourcefile:    "widget.jsx",
	LegalComments: api.LegalCommentsNone,
	Charset:       api.CharsetUTF8,
}

// Transpile converts JSX widget source into plain JavaScript using the classic
// element-factory runtime. The output is deterministic for identical input.
func Transpile(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", &jsvmerr.TranspileError{Message: "source code is empty"}
	}

	res := api.Transform(source, transformOptions)
	if len(res.Errors) > 0 {
		msg := res.Errors[0]
		terr := &jsvmerr.TranspileError{Message: msg.Text}
		if msg.Location != nil {
			terr.Line = msg.Location.Line
			terr.Column = msg.Location.Column
		}
		return "", terr
	}
	return string(res.Code), nil
}

// Compiler validates and transpiles widget UI code, memoizing by source so
// identical definitions are transformed once per process.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]string
	limit int
}

// NewCompiler creates a compiler holding at most limit memoized outputs.
func NewCompiler(limit int) *Compiler {
	if limit <= 0 {
		limit = 256
	}
	return &Compiler{cache: make(map[string]string), limit: limit}
}

// Compile returns executable code for source. It validates first; a
// validation failure blocks transpilation.
func (c *Compiler) Compile(source string) (string, error) {
	if err := CheckSource(source); err != nil {
		return "", err
	}

	c.mu.RLock()
	code, ok := c.cache[source]
	c.mu.RUnlock()
	if ok {
		return code, nil
	}

	code, err := Transpile(source)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if len(c.cache) >= c.limit {
		// reset when full
		c.cache = make(map[string]string)
	}
	c.cache[source] = code
	c.mu.Unlock()
	return code, nil
}

// CompileDefinition returns the definition's memoized compiled code when
// present and otherwise compiles its source. The bool reports whether a new
// compilation happened, so callers can persist it.
func (c *Compiler) CompileDefinition(def *widget.Definition) (string, bool, error) {
	if def.CompiledCode != nil && *def.CompiledCode != "" {
		return *def.CompiledCode, false, nil
	}
	code, err := c.Compile(def.SourceCode)
	if err != nil {
		return "", false, fmt.Errorf("compile %s: %w", def.Slug, err)
	}
	return code, true, nil
}
