package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"glance/internal/widget"
)

// CreateInstance 在仪表盘上放置一个组件实例
func (db *DB) CreateInstance(inst *widget.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	inst.CreatedAt = time.Now().UTC()

	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}

	_, err = db.Exec(
		"INSERT INTO widget_instances (id, custom_widget_id, config_json, created_at) VALUES (?, ?, ?, ?)",
		inst.ID, inst.DefinitionID, string(cfg), inst.CreatedAt,
	)
	if err != nil && isForeignKeyViolation(err) {
		return fmt.Errorf("widget %s: %w", inst.DefinitionID, ErrNotFound)
	}
	return err
}

// GetInstance 获取组件实例
func (db *DB) GetInstance(id string) (*widget.Instance, error) {
	inst, err := scanInstance(db.QueryRow(
		"SELECT id, custom_widget_id, config_json, created_at FROM widget_instances WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// ListInstances 列出所有实例；definitionID 非空时只列出该定义的实例
func (db *DB) ListInstances(definitionID string) ([]*widget.Instance, error) {
	query := "SELECT id, custom_widget_id, config_json, created_at FROM widget_instances"
	var args []any
	if definitionID != "" {
		query += " WHERE custom_widget_id = ?"
		args = append(args, definitionID)
	}
	query += " ORDER BY created_at, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*widget.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance 删除实例及其缓存
func (db *DB) DeleteInstance(id string) error {
	return db.WithTx(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM widget_cache WHERE widget_instance_id = ?", id); err != nil {
			return err
		}
		result, err := tx.Exec("DELETE FROM widget_instances WHERE id = ?", id)
		if err != nil {
			return err
		}
		return requireAffected(result)
	})
}

func scanInstance(row scanner) (*widget.Instance, error) {
	var inst widget.Instance
	var cfg string
	if err := row.Scan(&inst.ID, &inst.DefinitionID, &cfg, &inst.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &inst.Config); err != nil {
		return nil, fmt.Errorf("decode instance config: %w", err)
	}
	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	return &inst, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
