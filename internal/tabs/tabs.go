// Package tabs wraps the browser's primitive tab calls. Every call that
// changes a tab brackets it with the exclude set, and batch calls isolate
// per-tab failures so one bad tab does not abort the rest.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/types"
)

// ErrGroupArchived is returned when tabs are sent to an archived group.
var ErrGroupArchived = errors.New("group is archived")

// EventTabMoved is published after tabs change group.
const EventTabMoved = "tab-moved"

// Deps are the collaborators of Ops.
type Deps struct {
	Tabs       browser.Tabs
	Windows    browser.Windows
	Containers browser.Containers
	Cache      *cache.Cache
	Groups     *groups.Store
	State      *state.Store
	Notifier   browser.Notifier
	Publisher  browser.Publisher
	Exclude    *Exclude
}

// Ops performs tab operations.
type Ops struct {
	tabs       browser.Tabs
	windows    browser.Windows
	containers browser.Containers
	cache      *cache.Cache
	groups     *groups.Store
	state      *state.Store
	notifier   browser.Notifier
	pub        browser.Publisher
	exclude    *Exclude
}

// New creates Ops. A nil Exclude gets a fresh set.
func New(d Deps) *Ops {
	if d.Exclude == nil {
		d.Exclude = NewExclude()
	}
	return &Ops{
		tabs:       d.Tabs,
		windows:    d.Windows,
		containers: d.Containers,
		cache:      d.Cache,
		groups:     d.Groups,
		state:      d.State,
		notifier:   d.Notifier,
		pub:        d.Publisher,
		exclude:    d.Exclude,
	}
}

// Exclude returns the exclude set shared with the event listener.
func (o *Ops) Exclude() *Exclude { return o.exclude }

// Spec describes a tab to create.
type Spec struct {
	URL           string
	Title         string
	GroupID       int
	WindowID      int // 0 picks the group's window, then the last focused one
	Index         int // 0 appends
	CookieStoreID string
	OpenerTabID   int
	Active        bool
	Hidden        bool
	Discarded     bool
	FavIconURL    string
	Thumbnail     string
}

// Create opens a tab, applying the group's container policy, and records its
// group membership.
func (o *Ops) Create(ctx context.Context, spec Spec) (types.Tab, error) {
	var g *types.Group
	if spec.GroupID != 0 {
		v, err := o.groups.Load(ctx, spec.GroupID, false)
		if err != nil {
			return types.Tab{}, err
		}
		g = v.Group
	}
	cookie, err := o.ResolveContainer(ctx, g, spec.CookieStoreID)
	if err != nil {
		return types.Tab{}, err
	}

	windowID := spec.WindowID
	if windowID == 0 && spec.GroupID != 0 {
		windowID = o.cache.GroupWindowID(spec.GroupID)
	}
	if windowID == 0 {
		w, err := o.windows.LastFocused(ctx)
		if err != nil {
			return types.Tab{}, fmt.Errorf("resolve window: %w", err)
		}
		windowID = w.ID
	}

	url := spec.URL
	if types.IsBlankURL(url) {
		url = ""
	}

	o.exclude.beginCreate(windowID)
	tab, err := o.tabs.Create(ctx, browser.CreateTab{
		URL:           url,
		Title:         spec.Title,
		WindowID:      windowID,
		Index:         spec.Index,
		CookieStoreID: cookie,
		OpenerTabID:   spec.OpenerTabID,
		Active:        spec.Active,
		Discarded:     spec.Discarded && !spec.Active && url != "",
	})
	if err == nil {
		o.exclude.Add(tab.ID)
		defer o.exclude.Remove(tab.ID)
	}
	o.exclude.endCreate(windowID)
	if err != nil {
		return types.Tab{}, fmt.Errorf("create tab: %w", err)
	}

	o.cache.SetTab(tab)
	if spec.GroupID != 0 {
		o.cache.SetGroupID(tab.ID, spec.GroupID)
	}
	if spec.FavIconURL != "" {
		o.cache.SetFavIcon(tab.ID, spec.FavIconURL)
	}
	if spec.Thumbnail != "" {
		o.cache.SetThumbnail(tab.ID, spec.Thumbnail)
	}
	if spec.Hidden && !spec.Active {
		if err := o.tabs.Hide(ctx, []int{tab.ID}); err != nil {
			applog.Error("tabs.create.hide", err, "tab", tab.ID)
		} else {
			tab.Hidden = true
			o.cache.SetTab(tab)
		}
	}
	applog.Debug("tabs.create", "tab", tab.ID, "window", windowID, "group", spec.GroupID, "container", cookie)
	return o.cache.Decorate(tab), nil
}

// ResolveContainer picks the cookie store a tab of g must be created in. An
// empty cookieStoreID means "unspecified" and takes the group's container;
// an explicit one is replaced only when the group re-opens tabs from other
// containers.
func (o *Ops) ResolveContainer(ctx context.Context, g *types.Group, cookieStoreID string) (string, error) {
	target := cookieStoreID
	if g != nil {
		if policy := g.ContainerPolicy(); policy != "" {
			if cookieStoreID == "" || g.NeedsReopen(cookieStoreID) {
				target = policy
			}
		}
	}
	if target == types.TemporaryContainer {
		c, err := o.containers.CreateTemporary(ctx)
		if err != nil {
			return "", fmt.Errorf("create temporary container: %w", err)
		}
		return c.CookieStoreID, nil
	}
	return target, nil
}

// MoveOptions tune Move.
type MoveOptions struct {
	Index    *int // position in the destination window; nil appends
	Activate bool // activate the first moved tab if it ends up visible
	Notify   bool // offer to open the group when the tabs ended up hidden
}

// Move puts live tabs into a group. Pinned tabs and tabs that cannot be
// hidden stay where they are and are reported in one notification. Tabs in
// the wrong container for the group are re-created. The tabs end up visible
// when the group is loaded in a window and hidden otherwise.
func (o *Ops) Move(ctx context.Context, tabIDs []int, groupID int, opts MoveOptions) ([]types.Tab, error) {
	v, err := o.groups.Load(ctx, groupID, false)
	if err != nil {
		return nil, err
	}
	dest := v.Group
	if dest.IsArchive {
		return nil, fmt.Errorf("group %d: %w", groupID, ErrGroupArchived)
	}
	destWindow := o.cache.GroupWindowID(groupID)
	applog.Info("tabs.move", "tabs", tabIDs, "group", groupID, "window", destWindow)

	var errs []error
	var movable []types.Tab
	var skipped []string
	for _, id := range tabIDs {
		t, err := o.tabs.Get(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("tab %d: %w", id, err))
			continue
		}
		t = o.cache.Decorate(t)
		if !t.CanHide() {
			skipped = append(skipped, tabLabel(t))
			continue
		}
		movable = append(movable, t)
	}
	if len(skipped) > 0 {
		o.notifier.Notify(ctx, browser.Notification{
			Title:   dest.Title,
			Message: fmt.Sprintf("%d tab(s) cannot be moved: %s", len(skipped), strings.Join(skipped, ", ")),
		})
	}
	if len(movable) == 0 {
		return nil, errors.Join(errs...)
	}

	// Windows that lose tabs from view keep an active, visible tab.
	leaving := make(map[int][]int)
	for _, t := range movable {
		if destWindow == 0 || t.WindowID != destWindow {
			leaving[t.WindowID] = append(leaving[t.WindowID], t.ID)
		}
	}
	dropped := make(map[int]bool)
	for _, w := range sortedKeys(leaving) {
		if _, err := o.EnsureActiveElsewhere(ctx, w, leaving[w]); err != nil {
			errs = append(errs, fmt.Errorf("window %d: %w", w, err))
			for _, id := range leaving[w] {
				dropped[id] = true
			}
		}
	}

	// Containers are immutable, so a mismatching tab is replaced.
	var kept []types.Tab
	for _, t := range movable {
		if dropped[t.ID] {
			continue
		}
		if !dest.NeedsReopen(t.Container()) {
			kept = append(kept, t)
			continue
		}
		nt, err := o.reopen(ctx, t, groupID, destWindow)
		if err != nil {
			errs = append(errs, fmt.Errorf("reopen tab %d: %w", t.ID, err))
			continue
		}
		kept = append(kept, nt)
	}
	movable = kept

	if destWindow != 0 {
		var ids []int
		for _, t := range movable {
			if t.WindowID != destWindow || opts.Index != nil {
				ids = append(ids, t.ID)
			}
		}
		if len(ids) > 0 {
			index := -1
			if opts.Index != nil {
				index = *opts.Index
			}
			err := o.bracket(ids, func() error {
				moved, err := o.tabs.Move(ctx, ids, destWindow, index)
				for _, m := range moved {
					for i := range movable {
						if movable[i].ID == m.ID {
							movable[i].WindowID = m.WindowID
							movable[i].Index = m.Index
							movable[i].Active = m.Active
						}
					}
				}
				return err
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("move tabs: %w", err))
			}
		}
	}

	var toggle []int
	for _, t := range movable {
		if t.Hidden == (destWindow == 0) {
			continue
		}
		toggle = append(toggle, t.ID)
	}
	if len(toggle) > 0 {
		if destWindow != 0 {
			err = o.Show(ctx, toggle)
		} else {
			err = o.Hide(ctx, toggle)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	ids := make([]int, 0, len(movable))
	for i := range movable {
		o.cache.SetGroupID(movable[i].ID, groupID)
		movable[i].GroupID = groupID
		movable[i].Hidden = destWindow == 0
		ids = append(ids, movable[i].ID)
	}

	if opts.Activate && destWindow != 0 && len(movable) > 0 {
		if err := o.SetActive(ctx, movable[0].ID); err != nil {
			errs = append(errs, err)
		}
		if err := o.windows.Focus(ctx, destWindow); err != nil {
			applog.Error("tabs.move.focus", err, "window", destWindow)
		}
	}
	if opts.Notify && destWindow == 0 && len(movable) > 0 {
		o.notifyMoved(ctx, dest, movable)
	}

	if err := o.groups.SyncLive(ctx); err != nil {
		errs = append(errs, err)
	}
	o.pub.Publish(ctx, EventTabMoved, map[string]any{"tabIds": ids, "groupId": groupID})

	err = errors.Join(errs...)
	if err != nil {
		o.notifyFailures(ctx, "Moving tabs", errs)
	}
	return movable, err
}

func (o *Ops) reopen(ctx context.Context, t types.Tab, groupID, destWindow int) (types.Tab, error) {
	windowID := destWindow
	if windowID == 0 {
		windowID = t.WindowID
	}
	nt, err := o.Create(ctx, Spec{
		URL:           t.URL,
		Title:         t.Title,
		GroupID:       groupID,
		WindowID:      windowID,
		CookieStoreID: t.Container(),
		Hidden:        destWindow == 0,
		FavIconURL:    t.FavIconURL,
		Thumbnail:     t.Thumbnail,
	})
	if err != nil {
		return types.Tab{}, err
	}
	if err := o.Remove(ctx, []int{t.ID}); err != nil {
		applog.Error("tabs.reopen.remove", err, "tab", t.ID)
	}
	applog.Info("tabs.reopen", "old", t.ID, "new", nt.ID, "container", nt.CookieStoreID)
	return nt, nil
}

func (o *Ops) notifyMoved(ctx context.Context, dest *types.Group, moved []types.Tab) {
	opts, err := o.state.Options(ctx)
	if err != nil || !opts.ShowNotificationAfterMovingTabs {
		return
	}
	msg := tabLabel(moved[0])
	if len(moved) > 1 {
		msg = fmt.Sprintf("%d tabs", len(moved))
	}
	o.notifier.Notify(ctx, browser.Notification{
		Title:   dest.Title,
		Message: msg + " moved to group " + dest.Title,
		Action:  "load-custom-group",
		Args:    map[string]any{"groupId": dest.ID, "tabId": moved[0].ID},
	})
}

// Relocate moves tabs to windowID at index (-1 appends) without touching
// their group or visibility.
func (o *Ops) Relocate(ctx context.Context, tabIDs []int, windowID, index int) ([]types.Tab, error) {
	if len(tabIDs) == 0 {
		return nil, nil
	}
	var moved []types.Tab
	err := o.bracket(tabIDs, func() error {
		var err error
		moved, err = o.tabs.Move(ctx, tabIDs, windowID, index)
		return err
	})
	for _, t := range moved {
		o.cache.SetTab(t)
	}
	if err != nil {
		return moved, fmt.Errorf("move tabs to window %d: %w", windowID, err)
	}
	return moved, nil
}

// EnsureActiveElsewhere makes sure windowID keeps a visible active tab that
// is not in leaving. It activates the most recently used remaining visible
// tab, or opens a blank one when nothing else is visible. It returns the id
// of the newly activated tab, or 0 when nothing had to change.
func (o *Ops) EnsureActiveElsewhere(ctx context.Context, windowID int, leaving []int) (int, error) {
	live, err := o.tabs.Query(ctx, browser.TabQuery{WindowID: windowID})
	if err != nil {
		return 0, fmt.Errorf("query window %d: %w", windowID, err)
	}
	leave := make(map[int]bool, len(leaving))
	for _, id := range leaving {
		leave[id] = true
	}

	needActive := false
	var best *types.Tab
	for i := range live {
		t := &live[i]
		if t.Active && leave[t.ID] {
			needActive = true
		}
		if t.Hidden || leave[t.ID] {
			continue
		}
		if best == nil || t.LastAccessed > best.LastAccessed {
			best = t
		}
	}

	if best == nil {
		blank, err := o.Create(ctx, Spec{
			GroupID:  o.cache.WindowGroupID(windowID),
			WindowID: windowID,
			Active:   true,
		})
		if err != nil {
			return 0, err
		}
		return blank.ID, nil
	}
	if !needActive {
		return 0, nil
	}
	if err := o.SetActive(ctx, best.ID); err != nil {
		return 0, err
	}
	return best.ID, nil
}

// SetActive activates a tab.
func (o *Ops) SetActive(ctx context.Context, tabID int) error {
	return o.bracket([]int{tabID}, func() error {
		t, err := o.tabs.Update(ctx, tabID, browser.UpdateTab{Active: browser.Bool(true)})
		if err != nil {
			return fmt.Errorf("activate tab %d: %w", tabID, err)
		}
		o.cache.SetTab(t)
		return nil
	})
}

// SetMuted mutes or unmutes tabs.
func (o *Ops) SetMuted(ctx context.Context, tabIDs []int, muted bool) error {
	var errs []error
	for _, id := range tabIDs {
		err := o.bracket([]int{id}, func() error {
			_, err := o.tabs.Update(ctx, id, browser.UpdateTab{Muted: browser.Bool(muted)})
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mute tab %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Hide hides tabs. A failing batch is retried tab by tab.
func (o *Ops) Hide(ctx context.Context, tabIDs []int) error {
	return o.batch(tabIDs, "hide", func(ids []int) error { return o.tabs.Hide(ctx, ids) })
}

// Show shows tabs. A failing batch is retried tab by tab.
func (o *Ops) Show(ctx context.Context, tabIDs []int) error {
	return o.batch(tabIDs, "show", func(ids []int) error { return o.tabs.Show(ctx, ids) })
}

// Remove closes tabs. A failing batch is retried tab by tab.
func (o *Ops) Remove(ctx context.Context, tabIDs []int) error {
	err := o.batch(tabIDs, "remove", func(ids []int) error { return o.tabs.Remove(ctx, ids) })
	for _, id := range tabIDs {
		o.cache.RemoveTab(id)
	}
	return err
}

// Discard unloads tabs from memory, one at a time.
func (o *Ops) Discard(ctx context.Context, tabIDs []int) error {
	var errs []error
	for _, id := range tabIDs {
		if err := o.bracket([]int{id}, func() error { return o.tabs.Discard(ctx, []int{id}) }); err != nil {
			errs = append(errs, fmt.Errorf("discard tab %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reload reloads tabs, one at a time.
func (o *Ops) Reload(ctx context.Context, tabIDs []int) error {
	var errs []error
	for _, id := range tabIDs {
		if err := o.bracket([]int{id}, func() error { return o.tabs.Reload(ctx, id) }); err != nil {
			errs = append(errs, fmt.Errorf("reload tab %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// bracket excludes ids for the duration of fn, whatever fn returns.
func (o *Ops) bracket(ids []int, fn func() error) error {
	o.exclude.Add(ids...)
	defer o.exclude.Remove(ids...)
	return fn()
}

func (o *Ops) batch(tabIDs []int, op string, call func(ids []int) error) error {
	if len(tabIDs) == 0 {
		return nil
	}
	return o.bracket(tabIDs, func() error {
		err := call(tabIDs)
		if err == nil || len(tabIDs) == 1 {
			if err != nil {
				return fmt.Errorf("%s tab %d: %w", op, tabIDs[0], err)
			}
			return nil
		}
		applog.Error("tabs.batch", err, "op", op, "tabs", len(tabIDs))
		var errs []error
		for _, id := range tabIDs {
			if err := call([]int{id}); err != nil {
				errs = append(errs, fmt.Errorf("%s tab %d: %w", op, id, err))
			}
		}
		return errors.Join(errs...)
	})
}

func (o *Ops) notifyFailures(ctx context.Context, what string, errs []error) {
	for _, err := range errs {
		applog.Error("tabs.failure", err, "op", what)
	}
	o.notifier.Notify(ctx, browser.Notification{
		Title:   what,
		Message: fmt.Sprintf("%d operation(s) failed", len(errs)),
	})
}

func tabLabel(t types.Tab) string {
	if t.Title != "" {
		return t.Title
	}
	return t.URL
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
