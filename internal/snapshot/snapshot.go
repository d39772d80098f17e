// Package snapshot keeps revisions of the groups document in the local
// database so a damaged or unwanted state can be inspected and rolled back.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/types"
)

// Create stores the current groups as a new snapshot unless they are
// identical to the latest one. It returns the rev, whether a snapshot was
// written, and the diff against the previous snapshot (nil for the first).
func Create(ctx context.Context, db *sql.DB, st *state.Store, label string) (rev int, created bool, diff *DiffResult, err error) {
	groups, err := st.Groups(ctx)
	if err != nil {
		return 0, false, nil, err
	}
	data, err := state.EncodeGroups(groups)
	if err != nil {
		return 0, false, nil, err
	}

	latest, err := storage.GetLatestSnapshot(db)
	if err != nil {
		return 0, false, nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	if latest != nil && bytes.Equal(latest.Groups, data) {
		applog.Info("snapshot.skipped", "rev", latest.Rev)
		return latest.Rev, false, nil, nil
	}

	tabs := 0
	for _, g := range groups {
		tabs += len(g.Tabs)
	}
	rev, err = storage.CreateSnapshot(db, data, len(groups), tabs, label)
	if err != nil {
		return 0, false, nil, err
	}
	applog.Info("snapshot.created", "rev", rev, "groups", len(groups), "tabs", tabs)

	if latest != nil {
		prev, err := decode(latest)
		if err != nil {
			return rev, true, nil, err
		}
		diff = Diff(prev, groups)
		diff.Rev = latest.Rev
	}
	return rev, true, diff, nil
}

// Load returns the groups stored in snapshot rev.
func Load(db *sql.DB, rev int) ([]types.Group, error) {
	snap, err := storage.GetSnapshot(db, rev)
	if err != nil {
		return nil, err
	}
	return decode(snap)
}

// Restore replaces the persisted groups with snapshot rev. The current
// groups are snapshotted first so the restore can itself be undone. Run it
// while the daemon is stopped; a running daemon rewrites the document from
// live tabs.
func Restore(ctx context.Context, db *sql.DB, st *state.Store, rev int) (saved int, err error) {
	groups, err := Load(db, rev)
	if err != nil {
		return 0, err
	}
	saved, _, _, err = Create(ctx, db, st, fmt.Sprintf("before restore of #%d", rev))
	if err != nil {
		return 0, err
	}
	if _, err := st.PutGroups(ctx, groups); err != nil {
		return saved, err
	}
	applog.Info("snapshot.restored", "rev", rev, "groups", len(groups))
	return saved, nil
}

func decode(snap *storage.SnapshotFull) ([]types.Group, error) {
	var groups []types.Group
	if err := json.Unmarshal(snap.Groups, &groups); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", snap.Rev, err)
	}
	return groups, nil
}
