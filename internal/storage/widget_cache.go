package storage

import (
	"database/sql"
	"errors"

	"glance/internal/widget"
)

// GetCache 获取实例的缓存数据
func (db *DB) GetCache(instanceID string) (*widget.CachedData, error) {
	var c widget.CachedData
	var data string

	err := db.QueryRow(
		"SELECT widget_instance_id, custom_widget_id, data, fetched_at, expires_at FROM widget_cache WHERE widget_instance_id = ?",
		instanceID,
	).Scan(&c.WidgetInstanceID, &c.CustomWidgetID, &data, &c.FetchedAt, &c.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Data = []byte(data)
	return &c, nil
}

// PutCache 整体替换实例的缓存数据
func (db *DB) PutCache(c *widget.CachedData) error {
	_, err := db.Exec(
		`INSERT OR REPLACE INTO widget_cache (widget_instance_id, custom_widget_id, data, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.WidgetInstanceID, c.CustomWidgetID, string(c.Data), c.FetchedAt.UTC(), c.ExpiresAt.UTC(),
	)
	return err
}

// DeleteCache 删除实例的缓存数据
func (db *DB) DeleteCache(instanceID string) error {
	result, err := db.Exec("DELETE FROM widget_cache WHERE widget_instance_id = ?", instanceID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}
