package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KVSet 设置键值，ttl 为 0 表示永不过期
func (db *DB) KVSet(key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := db.Exec(
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)",
		key, value, expiresAt,
	)
	return err
}

// KVGet 获取键值，过期的键视为不存在
func (db *DB) KVGet(key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := db.QueryRow(
		"SELECT value, expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		_, _ = db.Exec("DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}

	return value, nil
}

// KVSetJSON 以 JSON 编码保存 v
func (db *DB) KVSetJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return db.KVSet(key, string(data), ttl)
}

// KVGetJSON 读取并解码 JSON 值到 v
func (db *DB) KVGetJSON(key string, v any) error {
	raw, err := db.KVGet(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// KVDelete 删除键值，键不存在时返回 ErrNotFound
func (db *DB) KVDelete(key string) error {
	result, err := db.Exec("DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// KVList 按前缀列出未过期的键值对
func (db *DB) KVList(prefix string) (map[string]string, error) {
	rows, err := db.Query(
		"SELECT key, value, expires_at FROM kv_store WHERE substr(key, 1, length(?)) = ?",
		prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	result := make(map[string]string)

	for rows.Next() {
		var key, value string
		var expiresAt sql.NullTime

		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid && expiresAt.Time.Before(now) {
			continue
		}
		result[key] = value
	}

	return result, rows.Err()
}

// KVCleanExpired 清理过期的键值对
func (db *DB) KVCleanExpired() (int64, error) {
	result, err := db.Exec(
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now(),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// KVExists 检查键是否存在且未过期
func (db *DB) KVExists(key string) (bool, error) {
	var expiresAt sql.NullTime

	err := db.QueryRow(
		"SELECT expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return false, nil
	}

	return true, nil
}
