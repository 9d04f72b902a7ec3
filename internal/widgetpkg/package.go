// Package widgetpkg encodes widget definitions into portable package strings
// and imports them back.
package widgetpkg

import (
	"time"

	"glance/internal/widget"
)

const (
	// Prefix marks a glance widget package string.
	Prefix = "!GW1!"
	// Version is the only package format version accepted.
	Version = 1
	// Type is the only package type accepted.
	Type = "glance-widget"
	// FileExt is the extension of package files picked up by the loader.
	FileExt = ".gwpkg"
)

// Meta describes a package for humans.
type Meta struct {
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Description   string    `json:"description,omitempty"`
	Author        string    `json:"author,omitempty"`
	ExportedAt    time.Time `json:"exported_at"`
	MinAppVersion string    `json:"min_app_version,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Body is the code and layout part of a package.
type Body struct {
	SourceCode        string      `json:"source_code"`
	ServerCode        *string     `json:"server_code,omitempty"`
	ServerCodeEnabled bool        `json:"server_code_enabled"`
	DefaultSize       widget.Size `json:"default_size"`
	MinSize           widget.Size `json:"min_size"`
	RefreshInterval   int         `json:"refresh_interval"`
}

// Package is the serialized form of a widget definition.
type Package struct {
	Version     int                 `json:"version"`
	Type        string              `json:"type"`
	Meta        Meta                `json:"meta"`
	Widget      Body                `json:"widget"`
	Credentials []widget.Credential `json:"credentials"`
	Setup       *widget.SetupConfig `json:"setup,omitempty"`
	Fetch       widget.FetchConfig  `json:"fetch"`
	Cache       *widget.CacheConfig `json:"cache,omitempty"`
}

// FromDefinition builds a package from def. Identity and timestamps are not
// carried; compiled code is regenerated on import.
func FromDefinition(def *widget.Definition, author string) *Package {
	creds := append([]widget.Credential{}, def.Credentials...)

	pkg := &Package{
		Version: Version,
		Type:    Type,
		Meta: Meta{
			Name:        def.Name,
			Slug:        def.Slug,
			Description: def.Description,
			Author:      author,
			ExportedAt:  time.Now().UTC().Truncate(time.Second),
		},
		Widget: Body{
			SourceCode:        def.SourceCode,
			ServerCode:        copyString(def.ServerCode),
			ServerCodeEnabled: def.ServerCodeEnabled,
			DefaultSize:       def.DefaultSize,
			MinSize:           def.MinSize,
			RefreshInterval:   def.RefreshInterval,
		},
		Credentials: creds,
		Fetch:       def.Fetch,
	}
	if def.Setup != nil {
		s := *def.Setup
		pkg.Setup = &s
	}
	if def.Cache != nil {
		c := *def.Cache
		pkg.Cache = &c
	}
	return pkg
}

// Definition converts the package into a new, enabled definition without an
// id.
func (p *Package) Definition() *widget.Definition {
	def := &widget.Definition{
		Slug:              p.Meta.Slug,
		Name:              p.Meta.Name,
		Description:       p.Meta.Description,
		SourceCode:        p.Widget.SourceCode,
		ServerCode:        copyString(p.Widget.ServerCode),
		ServerCodeEnabled: p.Widget.ServerCodeEnabled,
		DefaultSize:       p.Widget.DefaultSize,
		MinSize:           p.Widget.MinSize,
		RefreshInterval:   p.Widget.RefreshInterval,
		Fetch:             p.Fetch,
		Credentials:       append([]widget.Credential{}, p.Credentials...),
		Enabled:           true,
	}
	if p.Setup != nil {
		s := *p.Setup
		def.Setup = &s
	}
	if p.Cache != nil {
		c := *p.Cache
		def.Cache = &c
	}
	return def
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
