package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

// AddGroup creates a group. Tabs listed in tabIDs are moved into it.
func (e *Engine) AddGroup(ctx context.Context, title string, tabIDs []int) (types.Group, error) {
	g, err := e.groups.Add(ctx, title, nil)
	if err != nil {
		return types.Group{}, e.fail(ctx, "add-group", err)
	}
	if len(tabIDs) > 0 {
		if _, err := e.ops.Move(ctx, tabIDs, g.ID, tabs.MoveOptions{}); err != nil {
			applog.Error("add-group.move", err, "group", g.ID)
		}
	}
	return g, nil
}

// RenameGroup changes a group's title.
func (e *Engine) RenameGroup(ctx context.Context, groupID int, title string) (types.Group, error) {
	g, err := e.groups.Rename(ctx, groupID, title)
	if err != nil {
		return types.Group{}, e.fail(ctx, "rename-group", err)
	}
	if w := e.cache.GroupWindowID(groupID); w != 0 {
		e.ui.SetActiveGroup(ctx, w, &g)
	}
	return g, nil
}

// MoveTabs moves live tabs into a group.
func (e *Engine) MoveTabs(ctx context.Context, tabIDs []int, groupID int, opts tabs.MoveOptions) ([]types.Tab, error) {
	moved, err := e.ops.Move(ctx, tabIDs, groupID, opts)
	if err != nil {
		applog.Error("move-tabs", err, "group", groupID, "tabs", tabIDs)
	}
	return moved, err
}

// RemoveGroup closes a group's tabs and deletes it. The group is kept in
// memory until UndoRemove or process exit, and the notification offers the
// undo.
func (e *Engine) RemoveGroup(ctx context.Context, groupID int) error {
	g, live, err := e.closeGroupTabs(ctx, groupID)
	if err != nil {
		return e.fail(ctx, "remove-group", err)
	}
	removed, index, err := e.groups.Remove(ctx, groupID)
	if err != nil {
		return e.fail(ctx, "remove-group", err)
	}
	removed.Tabs = g.Tabs
	e.mu.Lock()
	e.undo[groupID] = removedGroup{group: removed, index: index}
	e.mu.Unlock()

	applog.Info("remove-group", "group", groupID, "tabs", len(live))
	e.notifier.Notify(ctx, browser.Notification{
		ID:      fmt.Sprintf("undo-remove-%d", groupID),
		Title:   removed.Title,
		Message: "Group removed. Click to restore it.",
		Action:  "undo-remove-group",
		Args:    map[string]any{"groupId": groupID},
	})
	return nil
}

// UndoRemove restores a removed group with its tabs as pending records.
func (e *Engine) UndoRemove(ctx context.Context, groupID int) (types.Group, error) {
	e.mu.Lock()
	r, ok := e.undo[groupID]
	delete(e.undo, groupID)
	e.mu.Unlock()
	if !ok {
		return types.Group{}, fmt.Errorf("group %d: %w", groupID, ErrNothingToUndo)
	}
	if err := e.groups.Insert(ctx, r.group, r.index); err != nil {
		return types.Group{}, e.fail(ctx, "undo-remove-group", err)
	}
	applog.Info("undo-remove-group", "group", groupID)
	return r.group, nil
}

// ArchiveGroup closes a group's tabs and keeps them as pending records.
func (e *Engine) ArchiveGroup(ctx context.Context, groupID int) error {
	g, _, err := e.closeGroupTabs(ctx, groupID)
	if err != nil {
		return e.fail(ctx, "archive-group", err)
	}
	_, err = e.groups.Update(ctx, groupID, func(p *types.Group) error {
		p.IsArchive = true
		p.Tabs = g.Tabs
		return nil
	})
	if err != nil {
		return e.fail(ctx, "archive-group", err)
	}
	applog.Info("archive-group", "group", groupID, "tabs", len(g.Tabs))
	return nil
}

// UnarchiveGroup makes an archived group loadable again. Its tabs are
// created the next time it is loaded.
func (e *Engine) UnarchiveGroup(ctx context.Context, groupID int) error {
	_, err := e.groups.Update(ctx, groupID, func(p *types.Group) error {
		p.IsArchive = false
		return nil
	})
	if err != nil {
		return e.fail(ctx, "unarchive-group", err)
	}
	return nil
}

// closeGroupTabs detaches a group from its window, closes its live tabs and
// returns the group with its tabs turned into pending records. Pinned tabs
// stay open and only lose their membership.
func (e *Engine) closeGroupTabs(ctx context.Context, groupID int) (types.Group, []types.Tab, error) {
	v, err := e.groups.Load(ctx, groupID, true)
	if err != nil {
		return types.Group{}, nil, err
	}
	g := *v.Group

	live, err := e.groupTabs(ctx, groupID)
	if err != nil {
		return types.Group{}, nil, err
	}

	if w := e.cache.GroupWindowID(groupID); w != 0 {
		if !e.lock(w) {
			return types.Group{}, nil, fmt.Errorf("window %d: %w", w, ErrWindowBusy)
		}
		defer e.unlock(w)
		e.cache.RemoveWindowGroup(w)
		e.ui.SetActiveGroup(ctx, w, nil)
	}

	byWindow := make(map[int][]int)
	var closing []int
	for _, t := range live {
		if t.Pinned {
			e.cache.RemoveGroupID(t.ID)
			continue
		}
		byWindow[t.WindowID] = append(byWindow[t.WindowID], t.ID)
		closing = append(closing, t.ID)
	}
	for w, ids := range byWindow {
		if _, err := e.ops.EnsureActiveElsewhere(ctx, w, ids); err != nil {
			return types.Group{}, nil, err
		}
	}
	if err := e.ops.Remove(ctx, closing); err != nil {
		applog.Error("close-group-tabs", err, "group", groupID)
	}

	recs := make([]types.TabRecord, 0, len(g.Tabs))
	for _, r := range g.Tabs {
		if t, ok := findTab(live, r.ID); ok && t.Pinned {
			continue
		}
		r.ID = 0
		r.Active = false
		r.Thumbnail = ""
		recs = append(recs, r)
	}
	g.Tabs = recs
	return g, live, nil
}

// DiscardGroup unloads the group's tabs from memory.
func (e *Engine) DiscardGroup(ctx context.Context, groupID int) error {
	v, err := e.groups.Load(ctx, groupID, false)
	if err != nil {
		return e.fail(ctx, "discard-group", err)
	}
	live, err := e.groupTabs(ctx, groupID)
	if err != nil {
		return e.fail(ctx, "discard-group", err)
	}
	var ids []int
	for _, t := range live {
		if t.Active || t.Discarded {
			continue
		}
		if v.Group.DiscardExcludeAudioTabs && t.Audible {
			continue
		}
		ids = append(ids, t.ID)
	}
	if err := e.ops.Discard(ctx, ids); err != nil {
		return e.fail(ctx, "discard-group", err)
	}
	return nil
}

// DiscardOtherGroups unloads every group that is not shown in any window.
func (e *Engine) DiscardOtherGroups(ctx context.Context) error {
	v, err := e.groups.Load(ctx, 0, false)
	if err != nil {
		return e.fail(ctx, "discard-other-groups", err)
	}
	var errs []error
	for _, g := range v.NotArchived {
		if e.cache.GroupWindowID(g.ID) != 0 {
			continue
		}
		if err := e.DiscardGroup(ctx, g.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadGroup reloads every live tab of a group.
func (e *Engine) ReloadGroup(ctx context.Context, groupID int) error {
	live, err := e.groupTabs(ctx, groupID)
	if err != nil {
		return e.fail(ctx, "reload-group", err)
	}
	ids := make([]int, 0, len(live))
	for _, t := range live {
		ids = append(ids, t.ID)
	}
	if err := e.ops.Reload(ctx, ids); err != nil {
		return e.fail(ctx, "reload-group", err)
	}
	return nil
}

// LoadNextGroup loads the group after the window's current one, by list
// position, skipping archived groups and groups shown in other windows.
func (e *Engine) LoadNextGroup(ctx context.Context, windowID int) error {
	return e.loadRelative(ctx, windowID, 1)
}

// LoadPrevGroup is LoadNextGroup backwards.
func (e *Engine) LoadPrevGroup(ctx context.Context, windowID int) error {
	return e.loadRelative(ctx, windowID, -1)
}

func (e *Engine) loadRelative(ctx context.Context, windowID, step int) error {
	v, err := e.groups.Load(ctx, 0, false)
	if err != nil {
		return e.fail(ctx, "load-relative", err)
	}
	var candidates []types.Group
	current := e.cache.WindowGroupID(windowID)
	for _, g := range v.NotArchived {
		if w := e.cache.GroupWindowID(g.ID); w != 0 && w != windowID {
			continue
		}
		candidates = append(candidates, g)
	}
	if len(candidates) == 0 {
		return nil
	}
	pos := -1
	for i, g := range candidates {
		if g.ID == current {
			pos = i
		}
	}
	var next int
	switch {
	case pos < 0 && step > 0:
		next = 0
	case pos < 0:
		next = len(candidates) - 1
	default:
		next = (pos + step + len(candidates)) % len(candidates)
	}
	if candidates[next].ID == current {
		return nil
	}
	return e.ApplyGroup(ctx, windowID, candidates[next].ID, 0)
}

// LoadHistory loads the group delta steps away in the visit history.
// Entries of deleted or archived groups are dropped on the way.
func (e *Engine) LoadHistory(ctx context.Context, windowID, delta int) error {
	v, err := e.groups.Load(ctx, 0, false)
	if err != nil {
		return e.fail(ctx, "load-history", err)
	}
	exists := func(id int) bool {
		g := groups.Find(v.Groups, id)
		return g != nil && !g.IsArchive
	}
	pos, groupID, ok := e.History.Target(delta, exists)
	if !ok {
		return nil
	}
	if err := e.apply(ctx, windowID, groupID, 0, true); err != nil {
		return err
	}
	e.History.Seek(pos, groupID)
	return nil
}

func (e *Engine) groupTabs(ctx context.Context, groupID int) ([]types.Tab, error) {
	all, err := e.tabs.Query(ctx, browser.TabQuery{})
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	var out []types.Tab
	for _, t := range all {
		t = e.cache.Decorate(t)
		if t.GroupID == groupID {
			out = append(out, t)
		}
	}
	return out, nil
}

// fail logs and reports a failed public operation and returns err.
func (e *Engine) fail(ctx context.Context, op string, err error) error {
	applog.Error(op, err)
	e.notifier.Notify(ctx, browser.Notification{Title: op, Message: err.Error()})
	return err
}

func findTab(list []types.Tab, id int) (types.Tab, bool) {
	for _, t := range list {
		if t.ID == id {
			return t, true
		}
	}
	return types.Tab{}, false
}
