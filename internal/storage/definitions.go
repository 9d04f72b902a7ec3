package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"glance/internal/widget"
)

const definitionColumns = `id, slug, name, description, source_code, server_code, server_code_enabled,
	compiled_code, default_w, default_h, min_w, min_h, refresh_interval, fetch_json, cache_json,
	credentials_json, setup_json, enabled, created_at, updated_at`

// scanner 兼容 *sql.Row 与 *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// CreateDefinition 创建组件定义，ID 为空时自动生成
func (db *DB) CreateDefinition(def *widget.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	cols, err := encodeDefinition(def)
	if err != nil {
		return err
	}

	_, err = db.Exec(
		`INSERT INTO custom_widgets (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Slug, def.Name, def.Description, def.SourceCode, def.ServerCode, def.ServerCodeEnabled,
		def.CompiledCode, def.DefaultSize.W, def.DefaultSize.H, def.MinSize.W, def.MinSize.H, def.RefreshInterval,
		cols.fetch, cols.cache, cols.credentials, cols.setup, def.Enabled, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("widget slug %q: %w", def.Slug, ErrConflict)
	}
	return err
}

// GetDefinition 按 ID 或 slug 获取组件定义
func (db *DB) GetDefinition(idOrSlug string) (*widget.Definition, error) {
	row := db.QueryRow(
		"SELECT "+definitionColumns+" FROM custom_widgets WHERE id = ? OR slug = ? LIMIT 1",
		idOrSlug, idOrSlug,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return def, err
}

// ListDefinitions 列出组件定义，按名称排序
func (db *DB) ListDefinitions(includeDisabled bool) ([]*widget.Definition, error) {
	query := "SELECT " + definitionColumns + " FROM custom_widgets"
	if !includeDisabled {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name, slug"

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*widget.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateDefinition 更新组件定义。source_code 变化时 compiled_code 置空，
// 否则保留已有的编译结果。
func (db *DB) UpdateDefinition(def *widget.Definition) error {
	cols, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	result, err := db.Exec(
		`UPDATE custom_widgets SET
			compiled_code = CASE WHEN source_code = ? THEN compiled_code ELSE NULL END,
			slug = ?, name = ?, description = ?, source_code = ?, server_code = ?, server_code_enabled = ?,
			default_w = ?, default_h = ?, min_w = ?, min_h = ?, refresh_interval = ?,
			fetch_json = ?, cache_json = ?, credentials_json = ?, setup_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		def.SourceCode,
		def.Slug, def.Name, def.Description, def.SourceCode, def.ServerCode, def.ServerCodeEnabled,
		def.DefaultSize.W, def.DefaultSize.H, def.MinSize.W, def.MinSize.H, def.RefreshInterval,
		cols.fetch, cols.cache, cols.credentials, cols.setup, def.Enabled, now,
		def.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("widget slug %q: %w", def.Slug, ErrConflict)
	}
	if err != nil {
		return err
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	def.UpdatedAt = now
	return nil
}

// SetCompiledCode 保存编译结果；仅当源码仍与编译时一致才写入
func (db *DB) SetCompiledCode(id, sourceCode, compiled string) error {
	_, err := db.Exec(
		"UPDATE custom_widgets SET compiled_code = ? WHERE id = ? AND source_code = ?",
		compiled, id, sourceCode,
	)
	return err
}

// DeleteDefinition 删除组件定义，同时删除其实例与缓存
func (db *DB) DeleteDefinition(id string) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM widget_cache WHERE custom_widget_id = ?", id,
		); err != nil {
			return err
		}
		result, err := tx.Exec("DELETE FROM custom_widgets WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireAffected(result)
	})
}

type definitionJSON struct {
	fetch       string
	cache       *string
	credentials string
	setup       *string
}

func encodeDefinition(def *widget.Definition) (definitionJSON, error) {
	var out definitionJSON

	fetch, err := json.Marshal(def.Fetch)
	if err != nil {
		return out, fmt.Errorf("encode fetch: %w", err)
	}
	out.fetch = string(fetch)

	creds := def.Credentials
	if creds == nil {
		creds = []widget.Credential{}
	}
	credJSON, err := json.Marshal(creds)
	if err != nil {
		return out, fmt.Errorf("encode credentials: %w", err)
	}
	out.credentials = string(credJSON)

	if def.Cache != nil {
		data, err := json.Marshal(def.Cache)
		if err != nil {
			return out, fmt.Errorf("encode cache: %w", err)
		}
		s := string(data)
		out.cache = &s
	}
	if def.Setup != nil {
		data, err := json.Marshal(def.Setup)
		if err != nil {
			return out, fmt.Errorf("encode setup: %w", err)
		}
		s := string(data)
		out.setup = &s
	}
	return out, nil
}

func scanDefinition(row scanner) (*widget.Definition, error) {
	var def widget.Definition
	var serverCode, compiled, cacheJSON, setupJSON sql.NullString
	var fetchJSON, credJSON string

	err := row.Scan(
		&def.ID, &def.Slug, &def.Name, &def.Description, &def.SourceCode, &serverCode, &def.ServerCodeEnabled,
		&compiled, &def.DefaultSize.W, &def.DefaultSize.H, &def.MinSize.W, &def.MinSize.H, &def.RefreshInterval,
		&fetchJSON, &cacheJSON, &credJSON, &setupJSON, &def.Enabled, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if serverCode.Valid {
		def.ServerCode = &serverCode.String
	}
	if compiled.Valid {
		def.CompiledCode = &compiled.String
	}
	if err := json.Unmarshal([]byte(fetchJSON), &def.Fetch); err != nil {
		return nil, fmt.Errorf("decode fetch of %s: %w", def.Slug, err)
	}
	if err := json.Unmarshal([]byte(credJSON), &def.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials of %s: %w", def.Slug, err)
	}
	if cacheJSON.Valid {
		def.Cache = &widget.CacheConfig{}
		if err := json.Unmarshal([]byte(cacheJSON.String), def.Cache); err != nil {
			return nil, fmt.Errorf("decode cache of %s: %w", def.Slug, err)
		}
	}
	if setupJSON.Valid {
		def.Setup = &widget.SetupConfig{}
		if err := json.Unmarshal([]byte(setupJSON.String), def.Setup); err != nil {
			return nil, fmt.Errorf("decode setup of %s: %w", def.Slug, err)
		}
	}
	return &def, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
