package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"glance/internal/widget"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newDefinition(slug string) *widget.Definition {
	server := "return { ok: true }"
	ttl := 60
	return &widget.Definition{
		Slug:              slug,
		Name:              "Widget " + slug,
		SourceCode:        "function Widget() { return h(Text, null, 'hi') }",
		ServerCode:        &server,
		ServerCodeEnabled: true,
		DefaultSize:       widget.Size{W: 4, H: 3},
		MinSize:           widget.Size{W: 2, H: 2},
		RefreshInterval:   300,
		Fetch:             widget.FetchConfig{Type: widget.FetchServerCode},
		Cache:             &widget.CacheConfig{TTLSeconds: ttl, OnError: widget.OnErrorUseStale},
		Credentials: []widget.Credential{
			{ID: "github", Type: widget.CredentialAPIKey, Name: "GitHub token"},
		},
		Enabled: true,
	}
}

func TestCreateDefinition(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("github-prs")
	if err := db.CreateDefinition(def); err != nil {
		t.Fatalf("CreateDefinition failed: %v", err)
	}
	if def.ID == "" {
		t.Fatal("ID should be assigned")
	}

	got, err := db.GetDefinition(def.ID)
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if got.Slug != "github-prs" || got.Name != def.Name {
		t.Errorf("unexpected definition: %+v", got)
	}
	if got.ServerCode == nil || *got.ServerCode != "return { ok: true }" {
		t.Error("server code not persisted")
	}
	if got.Cache == nil || got.Cache.TTLSeconds != 60 || got.Cache.OnError != widget.OnErrorUseStale {
		t.Errorf("cache not persisted: %+v", got.Cache)
	}
	if len(got.Credentials) != 1 || got.Credentials[0].ID != "github" {
		t.Errorf("credentials not persisted: %+v", got.Credentials)
	}
	if got.DefaultSize != (widget.Size{W: 4, H: 3}) {
		t.Errorf("default size = %+v", got.DefaultSize)
	}
	if got.Setup != nil {
		t.Error("setup should stay nil")
	}
}

func TestGetDefinition_BySlug(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("weather")
	_ = db.CreateDefinition(def)

	got, err := db.GetDefinition("weather")
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if got.ID != def.ID {
		t.Error("slug lookup returned wrong definition")
	}
}

func TestGetDefinition_NotFound(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.GetDefinition("missing"); err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestCreateDefinition_DuplicateSlug(t *testing.T) {
	db := openTestDB(t)

	_ = db.CreateDefinition(newDefinition("dup"))
	err := db.CreateDefinition(newDefinition("dup"))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
}

func TestListDefinitions(t *testing.T) {
	db := openTestDB(t)

	a := newDefinition("a")
	b := newDefinition("b")
	b.Enabled = false
	_ = db.CreateDefinition(a)
	_ = db.CreateDefinition(b)

	enabled, err := db.ListDefinitions(false)
	if err != nil {
		t.Fatalf("ListDefinitions failed: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Slug != "a" {
		t.Errorf("enabled list = %d entries", len(enabled))
	}

	all, _ := db.ListDefinitions(true)
	if len(all) != 2 {
		t.Errorf("want 2 definitions, got %d", len(all))
	}
}

func TestUpdateDefinition_ClearsCompiledCode(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("clock")
	_ = db.CreateDefinition(def)
	if err := db.SetCompiledCode(def.ID, def.SourceCode, "compiled-v1"); err != nil {
		t.Fatalf("SetCompiledCode failed: %v", err)
	}

	def.Name = "Clock"
	if err := db.UpdateDefinition(def); err != nil {
		t.Fatalf("UpdateDefinition failed: %v", err)
	}
	got, _ := db.GetDefinition(def.ID)
	if got.CompiledCode == nil || *got.CompiledCode != "compiled-v1" {
		t.Error("compiled code should survive an update that keeps the source")
	}

	def.SourceCode = "function Widget() { return null }"
	if err := db.UpdateDefinition(def); err != nil {
		t.Fatalf("UpdateDefinition failed: %v", err)
	}
	got, _ = db.GetDefinition(def.ID)
	if got.CompiledCode != nil {
		t.Error("compiled code should be cleared when the source changes")
	}
	if got.Name != "Clock" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestSetCompiledCode_StaleSource(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("stale")
	_ = db.CreateDefinition(def)

	_ = db.SetCompiledCode(def.ID, "old source", "compiled")
	got, _ := db.GetDefinition(def.ID)
	if got.CompiledCode != nil {
		t.Error("compiled code for an outdated source should be ignored")
	}
}

func TestUpdateDefinition_NotFound(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("ghost")
	def.ID = "nope"
	if err := db.UpdateDefinition(def); err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteDefinition_Cascades(t *testing.T) {
	db := openTestDB(t)

	def := newDefinition("gone")
	_ = db.CreateDefinition(def)
	inst := &widget.Instance{DefinitionID: def.ID}
	if err := db.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	if err := db.DeleteDefinition(def.ID); err != nil {
		t.Fatalf("DeleteDefinition failed: %v", err)
	}
	if _, err := db.GetDefinition(def.ID); err != ErrNotFound {
		t.Error("definition should be deleted")
	}
	if _, err := db.GetInstance(inst.ID); err != ErrNotFound {
		t.Error("instances should be deleted with their definition")
	}
	if err := db.DeleteDefinition(def.ID); err != ErrNotFound {
		t.Error("second delete should report ErrNotFound")
	}
}
