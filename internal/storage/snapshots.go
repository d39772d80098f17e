package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSnapshotNotFound is returned for an unknown snapshot rev.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotSummary describes a stored snapshot without its contents.
type SnapshotSummary struct {
	ID         int64
	Rev        int
	Name       string
	GroupCount int
	TabCount   int
	CreatedAt  time.Time
}

// SnapshotFull is a stored snapshot with the encoded groups document.
type SnapshotFull struct {
	SnapshotSummary
	Groups []byte
}

// CreateSnapshot stores an encoded groups document under the next rev.
func CreateSnapshot(db *sql.DB, groups []byte, groupCount, tabCount int, label string) (int, error) {
	data, err := encodeValue(groups)
	if err != nil {
		return 0, err
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rev int
	if err := tx.QueryRow("SELECT COALESCE(MAX(rev), 0) + 1 FROM snapshots").Scan(&rev); err != nil {
		return 0, fmt.Errorf("compute next rev: %w", err)
	}

	var nameVal any
	if label != "" {
		nameVal = label
	}
	if _, err := tx.Exec(
		"INSERT INTO snapshots (rev, name, group_count, tab_count, groups) VALUES (?, ?, ?, ?, ?)",
		rev, nameVal, groupCount, tabCount, data,
	); err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return rev, nil
}

// ListSnapshots returns all snapshots, newest first.
func ListSnapshots(db *sql.DB) ([]SnapshotSummary, error) {
	rows, err := db.Query(
		"SELECT id, rev, name, group_count, tab_count, created_at FROM snapshots ORDER BY rev DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var result []SnapshotSummary
	for rows.Next() {
		var s SnapshotSummary
		var name sql.NullString
		if err := rows.Scan(&s.ID, &s.Rev, &name, &s.GroupCount, &s.TabCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Name = name.String
		result = append(result, s)
	}
	return result, rows.Err()
}

// GetSnapshot loads a snapshot by rev.
func GetSnapshot(db *sql.DB, rev int) (*SnapshotFull, error) {
	return getSnapshot(db, "WHERE rev = ?", rev)
}

// GetLatestSnapshot returns the newest snapshot, or nil if there is none.
func GetLatestSnapshot(db *sql.DB) (*SnapshotFull, error) {
	snap, err := getSnapshot(db, "ORDER BY rev DESC LIMIT 1")
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil, nil
	}
	return snap, err
}

func getSnapshot(db *sql.DB, where string, args ...any) (*SnapshotFull, error) {
	snap := &SnapshotFull{}
	var name sql.NullString
	var data []byte
	err := db.QueryRow(
		"SELECT id, rev, name, group_count, tab_count, created_at, groups FROM snapshots "+where, args...,
	).Scan(&snap.ID, &snap.Rev, &name, &snap.GroupCount, &snap.TabCount, &snap.CreatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.Name = name.String
	if snap.Groups, err = decodeValue(data); err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", snap.Rev, err)
	}
	return snap, nil
}

// DeleteSnapshot removes a snapshot by rev.
func DeleteSnapshot(db *sql.DB, rev int) error {
	res, err := db.Exec("DELETE FROM snapshots WHERE rev = ?", rev)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("rev %d: %w", rev, ErrSnapshotNotFound)
	}
	return nil
}
