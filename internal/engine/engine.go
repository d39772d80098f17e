// Package engine switches the group shown in a window and runs the group
// lifecycle operations (add, remove, archive, discard, history navigation).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

var (
	ErrGroupArchived = errors.New("group is archived")
	ErrUnhideableTab = errors.New("a tab of the current group cannot be hidden")
	ErrWindowBusy    = errors.New("window is already loading a group")
	ErrNothingToUndo = errors.New("nothing to undo")
)

// EventGroupLoaded is published after a group was loaded into a window.
const EventGroupLoaded = "group-loaded"

// Deps are the collaborators of the Engine.
type Deps struct {
	Tabs      browser.Tabs
	Windows   browser.Windows
	Cache     *cache.Cache
	Groups    *groups.Store
	State     *state.Store
	Ops       *tabs.Ops
	Notifier  browser.Notifier
	UI        browser.UI
	Publisher browser.Publisher
}

// Engine owns the per-window loading state.
type Engine struct {
	tabs     browser.Tabs
	windows  browser.Windows
	cache    *cache.Cache
	groups   *groups.Store
	state    *state.Store
	ops      *tabs.Ops
	notifier browser.Notifier
	ui       browser.UI
	pub      browser.Publisher

	mu      sync.Mutex
	loading map[int]bool
	undo    map[int]removedGroup

	History History
}

type removedGroup struct {
	group types.Group
	index int
}

// New creates an Engine.
func New(d Deps) *Engine {
	return &Engine{
		tabs:     d.Tabs,
		windows:  d.Windows,
		cache:    d.Cache,
		groups:   d.Groups,
		state:    d.State,
		ops:      d.Ops,
		notifier: d.Notifier,
		ui:       d.UI,
		pub:      d.Publisher,
		loading:  make(map[int]bool),
		undo:     make(map[int]removedGroup),
	}
}

// IsLoading reports whether a group switch is running in windowID.
func (e *Engine) IsLoading(windowID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading[windowID]
}

func (e *Engine) lock(windowID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loading[windowID] {
		return false
	}
	e.loading[windowID] = true
	return true
}

func (e *Engine) unlock(windowID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loading, windowID)
}

// ApplyGroup shows groupID in windowID. activeTabID, when set, is the tab
// to activate. A group already loaded in some window only gets that window
// focused. A second switch for the same window while one is running fails
// with ErrWindowBusy.
func (e *Engine) ApplyGroup(ctx context.Context, windowID, groupID, activeTabID int) error {
	return e.apply(ctx, windowID, groupID, activeTabID, false)
}

func (e *Engine) apply(ctx context.Context, windowID, groupID, activeTabID int, fromHistory bool) error {
	if w := e.cache.GroupWindowID(groupID); w != 0 {
		if activeTabID != 0 {
			if err := e.ops.SetActive(ctx, activeTabID); err != nil {
				applog.Error("apply.activate", err, "tab", activeTabID)
			}
		}
		if err := e.windows.Focus(ctx, w); err != nil {
			return fmt.Errorf("focus window %d: %w", w, err)
		}
		applog.Info("apply.focus", "group", groupID, "window", w)
		return nil
	}

	if !e.lock(windowID) {
		applog.Info("apply.busy", "window", windowID, "group", groupID)
		return fmt.Errorf("window %d: %w", windowID, ErrWindowBusy)
	}
	defer e.unlock(windowID)

	applog.Info("apply.start", "window", windowID, "group", groupID, "activeTab", activeTabID)
	err := e.switchGroup(ctx, windowID, groupID, activeTabID)
	if err != nil {
		applog.Error("apply.failed", err, "window", windowID, "group", groupID)
		e.ui.SetError(ctx, windowID, err.Error())
		e.notifier.Notify(ctx, browser.Notification{
			Title:   "Cannot load group",
			Message: err.Error(),
		})
		return err
	}
	if !fromHistory {
		e.History.Push(groupID)
	}
	applog.Info("apply.done", "window", windowID, "group", groupID)
	return nil
}

func (e *Engine) switchGroup(ctx context.Context, windowID, groupID, activeTabID int) error {
	v, err := e.groups.Load(ctx, groupID, true)
	if err != nil {
		return err
	}
	dest := *v.Group
	oldID := e.cache.WindowGroupID(windowID)
	var old *types.Group
	if oldID != 0 && oldID != groupID {
		old = groups.Find(v.Groups, oldID)
	}

	if dest.IsArchive {
		return fmt.Errorf("group %q: %w", dest.Title, ErrGroupArchived)
	}

	all, err := e.tabs.Query(ctx, browser.TabQuery{})
	if err != nil {
		return fmt.Errorf("query tabs: %w", err)
	}
	live := make(map[int]types.Tab, len(all))
	var windowTabs []types.Tab
	for _, t := range all {
		t = e.cache.Decorate(t)
		live[t.ID] = t
		if t.WindowID == windowID {
			windowTabs = append(windowTabs, t)
		}
	}

	var outgoing []types.Tab
	if old != nil {
		for _, t := range windowTabs {
			if t.GroupID != old.ID || t.Pinned {
				continue
			}
			if t.IsSharing() {
				return fmt.Errorf("%q: %w", t.Title, ErrUnhideableTab)
			}
			outgoing = append(outgoing, t)
		}
	}

	e.ui.SetLoading(ctx, windowID, true)
	defer e.ui.SetLoading(ctx, windowID, false)

	var errs []error
	activeRec := pickActiveRecord(dest.Tabs, activeTabID, live)

	// Show the destination tabs, creating the ones that only exist on paper.
	var relocate []types.Tab
	var show []int
	var incoming []types.Tab
	var failed []types.TabRecord
	chosen := 0
	for i, r := range dest.Tabs {
		if t, ok := live[r.ID]; ok && !r.Pending() {
			if i == activeRec {
				chosen = t.ID
			}
			if t.WindowID != windowID {
				relocate = append(relocate, t)
			}
			if t.Hidden {
				show = append(show, t.ID)
			}
			incoming = append(incoming, t)
			continue
		}
		t, err := e.ops.Create(ctx, tabs.Spec{
			URL:           r.URL,
			Title:         r.Title,
			GroupID:       dest.ID,
			WindowID:      windowID,
			CookieStoreID: r.CookieStoreID,
			Discarded:     i != activeRec,
			FavIconURL:    r.FavIconURL,
			Thumbnail:     r.Thumbnail,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", r.URL, err))
			r.ID = 0
			failed = append(failed, r)
			continue
		}
		if i == activeRec {
			chosen = t.ID
		}
		incoming = append(incoming, t)
	}
	if err := e.relocate(ctx, relocate, windowID, insertIndex(windowTabs, dest.ID)); err != nil {
		errs = append(errs, err)
	}
	if err := e.ops.Show(ctx, show); err != nil {
		errs = append(errs, err)
	}
	if dest.MuteTabsWhenGroupCloseAndRestoreWhenOpen {
		var muted []int
		for _, t := range incoming {
			if t.Muted {
				muted = append(muted, t.ID)
			}
		}
		if err := e.ops.SetMuted(ctx, muted, false); err != nil {
			errs = append(errs, err)
		}
	}

	// Link before hiding so an interrupted switch leaves the window on the
	// new group.
	e.cache.SetWindowGroup(windowID, dest.ID)

	if err := e.activate(ctx, windowID, dest.ID, chosen, incoming, windowTabs); err != nil {
		return err
	}

	if old != nil {
		if err := e.hideOutgoing(ctx, old, outgoing); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.persist(ctx, dest.ID, failed); err != nil {
		errs = append(errs, err)
	}
	e.ui.SetActiveGroup(ctx, windowID, &dest)
	e.pub.Publish(ctx, EventGroupLoaded, map[string]int{"groupId": dest.ID, "windowId": windowID})

	if len(errs) > 0 {
		for _, err := range errs {
			applog.Error("apply.partial", err, "group", dest.ID)
		}
		e.notifier.Notify(ctx, browser.Notification{
			Title:   dest.Title,
			Message: fmt.Sprintf("%d tab(s) could not be restored", len(errs)),
		})
	}
	return nil
}

// persist resyncs every group from live state. The loaded group's pending
// records were materialized, so only the ones that failed to open stay.
func (e *Engine) persist(ctx context.Context, groupID int, failed []types.TabRecord) error {
	v, err := e.groups.Load(ctx, 0, true)
	if err != nil {
		return err
	}
	if g := groups.Find(v.Groups, groupID); g != nil {
		recs := make([]types.TabRecord, 0, len(g.Tabs))
		for _, r := range g.Tabs {
			if !r.Pending() {
				recs = append(recs, r)
			}
		}
		g.Tabs = append(recs, failed...)
	}
	return e.groups.Save(ctx, v.Groups, true)
}

// pickActiveRecord returns the index of the record to activate: the explicit
// tab, then the record persisted as active, then the most recently used one.
func pickActiveRecord(recs []types.TabRecord, activeTabID int, live map[int]types.Tab) int {
	if activeTabID != 0 {
		for i, r := range recs {
			if r.ID == activeTabID {
				return i
			}
		}
	}
	for i, r := range recs {
		if r.Active {
			return i
		}
	}
	best := -1
	var bestAt int64
	for i, r := range recs {
		at := r.LastAccessed
		if t, ok := live[r.ID]; ok && !r.Pending() {
			at = t.LastAccessed
		}
		if best < 0 || at > bestAt {
			best, bestAt = i, at
		}
	}
	return best
}

// insertIndex is where tabs joining groupID go in a window: after the
// group's last tab there, and never before a pinned tab.
func insertIndex(windowTabs []types.Tab, groupID int) int {
	at := 0
	for _, t := range windowTabs {
		if t.Pinned || t.GroupID == groupID {
			at = max(at, t.Index+1)
		}
	}
	return at
}

// relocate pulls tabs from other windows into windowID at index, in record
// order, keeping every source window with an active visible tab.
func (e *Engine) relocate(ctx context.Context, moving []types.Tab, windowID, index int) error {
	if len(moving) == 0 {
		return nil
	}
	bySource := make(map[int][]int)
	ids := make([]int, 0, len(moving))
	for _, t := range moving {
		bySource[t.WindowID] = append(bySource[t.WindowID], t.ID)
		ids = append(ids, t.ID)
	}
	for src, leaving := range bySource {
		if _, err := e.ops.EnsureActiveElsewhere(ctx, src, leaving); err != nil {
			applog.Error("apply.relocate.active", err, "window", src)
		}
	}
	_, err := e.ops.Relocate(ctx, ids, windowID, index)
	return err
}

// activate establishes the window's active tab before anything is hidden.
// Priority: the chosen incoming tab, a pinned tab, a blank placeholder.
func (e *Engine) activate(ctx context.Context, windowID, groupID, tabID int, incoming, windowTabs []types.Tab) error {
	if tabID != 0 {
		for _, t := range incoming {
			if t.ID == tabID {
				if err := e.ops.SetActive(ctx, tabID); err != nil {
					return err
				}
				return nil
			}
		}
	}
	for _, t := range windowTabs {
		if t.Pinned && t.Active {
			return nil
		}
	}
	for _, t := range windowTabs {
		if t.Pinned {
			return e.ops.SetActive(ctx, t.ID)
		}
	}
	for _, t := range windowTabs {
		if t.GroupID == groupID && t.IsBlank() {
			if t.Active {
				return nil
			}
			return e.ops.SetActive(ctx, t.ID)
		}
	}
	_, err := e.ops.Create(ctx, tabs.Spec{GroupID: groupID, WindowID: windowID, Active: true})
	if err != nil {
		return fmt.Errorf("create placeholder tab: %w", err)
	}
	return nil
}

// hideOutgoing hides the previous group's tabs. A group made only of blank
// tabs was scaffolding and is closed instead.
func (e *Engine) hideOutgoing(ctx context.Context, old *types.Group, outgoing []types.Tab) error {
	if len(outgoing) == 0 {
		return nil
	}
	ids := make([]int, 0, len(outgoing))
	allBlank := true
	for _, t := range outgoing {
		ids = append(ids, t.ID)
		if !t.IsBlank() {
			allBlank = false
		}
	}
	if allBlank {
		applog.Info("apply.scaffolding.remove", "group", old.ID, "tabs", len(ids))
		return e.ops.Remove(ctx, ids)
	}

	var errs []error
	if old.MuteTabsWhenGroupCloseAndRestoreWhenOpen {
		var audible []int
		for _, t := range outgoing {
			if t.Audible && !t.Muted {
				audible = append(audible, t.ID)
			}
		}
		if err := e.ops.SetMuted(ctx, audible, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.ops.Hide(ctx, ids); err != nil {
		errs = append(errs, err)
	}

	discard := old.DiscardTabsAfterHide
	if !discard {
		if opts, err := e.state.Options(ctx); err == nil {
			discard = opts.DiscardTabsAfterHide
		}
	}
	if discard {
		var victims []int
		for _, t := range outgoing {
			if old.DiscardExcludeAudioTabs && t.Audible {
				continue
			}
			victims = append(victims, t.ID)
		}
		if err := e.ops.Discard(ctx, victims); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
