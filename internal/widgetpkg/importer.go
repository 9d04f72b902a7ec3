package widgetpkg

import (
	"errors"
	"fmt"

	"glance/internal/storage"
	"glance/internal/widget"
)

// DefinitionStore is the storage used by Importer.
type DefinitionStore interface {
	GetDefinition(idOrSlug string) (*widget.Definition, error)
	CreateDefinition(def *widget.Definition) error
	UpdateDefinition(def *widget.Definition) error
}

// Importer validates packages and stores them as definitions.
type Importer struct {
	store DefinitionStore
	opts  Options
}

// NewImporter creates an importer. opts is used for every validation.
func NewImporter(store DefinitionStore, opts Options) *Importer {
	return &Importer{store: store, opts: opts}
}

// ImportResult reports what an import did.
type ImportResult struct {
	Definition *widget.Definition `json:"definition"`
	Replaced   bool               `json:"replaced"`
	Warnings   []string           `json:"warnings"`
}

// ImportString decodes and imports a package string.
func (im *Importer) ImportString(s string, overwrite bool) (*ImportResult, error) {
	pkg, err := Decode(s)
	if err != nil {
		return nil, err
	}
	return im.Import(pkg, overwrite)
}

// Import validates pkg and creates a definition for it. With overwrite, an
// existing definition with the same slug is replaced in place and keeps its id.
func (im *Importer) Import(pkg *Package, overwrite bool) (*ImportResult, error) {
	res := ValidateWith(pkg, im.opts)
	if !res.Valid {
		return nil, &ImportError{Slug: pkg.Meta.Slug, Errors: res.Errors}
	}

	def := pkg.Definition()
	existing, err := im.store.GetDefinition(def.Slug)
	switch {
	case err == nil:
		if !overwrite {
			return nil, fmt.Errorf("widget %q already exists: %w", def.Slug, storage.ErrConflict)
		}
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
		if err := im.store.UpdateDefinition(def); err != nil {
			return nil, fmt.Errorf("update widget %q: %w", def.Slug, err)
		}
		return &ImportResult{Definition: def, Replaced: true, Warnings: res.Warnings}, nil
	case errors.Is(err, storage.ErrNotFound):
		if err := im.store.CreateDefinition(def); err != nil {
			return nil, fmt.Errorf("create widget %q: %w", def.Slug, err)
		}
		return &ImportResult{Definition: def, Warnings: res.Warnings}, nil
	default:
		return nil, err
	}
}
