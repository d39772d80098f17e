package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	scopeTab    = "tab"
	scopeWindow = "window"
)

// KV is the SQLite-backed local store. It implements browser.KV and
// browser.SessionValues.
type KV struct {
	db *sql.DB
}

// NewKV wraps an opened database.
func NewKV(db *sql.DB) *KV {
	return &KV{db: db}
}

// Get returns the values of the requested keys. Missing keys are absent.
func (s *KV) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv_local WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		val, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		out[key] = val
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv: %w", err)
	}
	return out, nil
}

// Set writes all values in a single transaction.
func (s *KV) Set(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, val := range values {
		enc, err := encodeValue(val)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_local (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, enc,
		); err != nil {
			return fmt.Errorf("write %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Remove deletes keys. Missing keys are ignored.
func (s *KV) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_local WHERE key = ?", key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return nil
}

// Keys lists every stored key, sorted.
func (s *KV) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM kv_local ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *KV) TabValue(ctx context.Context, tabID int, key string) (string, error) {
	return s.sessionValue(ctx, scopeTab, tabID, key)
}

func (s *KV) SetTabValue(ctx context.Context, tabID int, key, value string) error {
	return s.setSessionValue(ctx, scopeTab, tabID, key, value)
}

func (s *KV) RemoveTabValue(ctx context.Context, tabID int, key string) error {
	return s.removeSessionValue(ctx, scopeTab, tabID, key)
}

func (s *KV) WindowValue(ctx context.Context, windowID int, key string) (string, error) {
	return s.sessionValue(ctx, scopeWindow, windowID, key)
}

func (s *KV) SetWindowValue(ctx context.Context, windowID int, key, value string) error {
	return s.setSessionValue(ctx, scopeWindow, windowID, key, value)
}

func (s *KV) RemoveWindowValue(ctx context.Context, windowID int, key string) error {
	return s.removeSessionValue(ctx, scopeWindow, windowID, key)
}

// ForgetObject drops every session value of a tab or window.
func (s *KV) ForgetObject(ctx context.Context, scope string, objectID int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv_session WHERE scope = ? AND object_id = ?", scope, objectID)
	if err != nil {
		return fmt.Errorf("forget %s %d: %w", scope, objectID, err)
	}
	return nil
}

func (s *KV) sessionValue(ctx context.Context, scope string, id int, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_session WHERE scope = ? AND object_id = ? AND key = ?",
		scope, id, key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s %d %q: %w", scope, id, key, err)
	}
	return v, nil
}

func (s *KV) setSessionValue(ctx context.Context, scope string, id int, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_session (scope, object_id, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, object_id, key) DO UPDATE SET value = excluded.value`,
		scope, id, key, value,
	)
	if err != nil {
		return fmt.Errorf("write %s %d %q: %w", scope, id, key, err)
	}
	return nil
}

func (s *KV) removeSessionValue(ctx context.Context, scope string, id int, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_session WHERE scope = ? AND object_id = ? AND key = ?",
		scope, id, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s %d %q: %w", scope, id, key, err)
	}
	return nil
}
