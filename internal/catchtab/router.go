// Package catchtab routes navigating tabs into the group whose catch rules
// claim their URL or container.
package catchtab

import (
	"context"
	"sync"
	"time"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

// DefaultDebounce is how long re-created tabs are collected before the batch runs.
const DefaultDebounce = 100 * time.Millisecond

const seenTTL = time.Minute

type reopen struct {
	nav     browser.Navigation
	groupID int
}

// Router decides group membership changes on navigation.
type Router struct {
	tabs      browser.Tabs
	cache     *cache.Cache
	groups    *groups.Store
	ops       *tabs.Ops
	intercept browser.Interceptor
	rules     *Rules
	debounce  time.Duration

	mu        sync.Mutex
	installed *bool
	seen      map[string]time.Time
	batch     []reopen
	timer     *time.Timer

	work sync.WaitGroup
}

// New creates a Router. A zero debounce uses DefaultDebounce.
func New(t browser.Tabs, c *cache.Cache, gs *groups.Store, ops *tabs.Ops, ic browser.Interceptor, debounce time.Duration) *Router {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Router{
		tabs:      t,
		cache:     c,
		groups:    gs,
		ops:       ops,
		intercept: ic,
		rules:     NewRules(),
		debounce:  debounce,
		seen:      make(map[string]time.Time),
	}
}

// Sync installs or removes the navigation intercept to match need. Calls
// that would not change anything do not reach the browser.
func (r *Router) Sync(ctx context.Context, need bool) {
	r.mu.Lock()
	if r.installed != nil && *r.installed == need {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.intercept.SetNavigationIntercept(ctx, need); err != nil {
		applog.Error("catchtab.intercept", err, "enabled", need)
		r.mu.Lock()
		r.installed = nil
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.installed = &need
	r.mu.Unlock()
	applog.Info("catchtab.intercept", "enabled", need)
}

// Decide returns the group a tab of current navigating to url in
// cookieStoreID belongs to, or 0 when it stays. current may be nil for a
// groupless tab.
func (r *Router) Decide(list []types.Group, current *types.Group, url, cookieStoreID string) int {
	if current != nil && current.HasCatchRules() && r.catches(current, url, cookieStoreID) {
		return 0
	}
	for i := range list {
		g := &list[i]
		if g.IsArchive || (current != nil && g.ID == current.ID) {
			continue
		}
		if r.catches(g, url, cookieStoreID) {
			return g.ID
		}
	}
	if current != nil && current.HasCatchRules() && current.MoveToGroupIfNoneCatchTabRules != 0 {
		if fb := groups.Find(list, current.MoveToGroupIfNoneCatchTabRules); fb != nil && !fb.IsArchive && fb.ID != current.ID {
			return fb.ID
		}
	}
	return 0
}

func (r *Router) catches(g *types.Group, url, cookieStoreID string) bool {
	if cookieStoreID != "" && g.CatchesContainer(cookieStoreID) {
		return true
	}
	return g.CatchTabRules != "" && r.rules.Match(g.CatchTabRules, url)
}

// OnNavigate handles a top-level navigation. It returns true when the
// navigation must be cancelled because the tab is re-created in another
// container; otherwise the navigation continues and the tab is re-homed in
// the background.
func (r *Router) OnNavigate(ctx context.Context, nav browser.Navigation) bool {
	v, err := r.groups.Load(ctx, 0, false)
	if err != nil {
		applog.Error("catchtab.load", err)
		return false
	}
	current := groups.Find(v.Groups, r.cache.GroupID(nav.TabID))
	if current != nil {
		if current.IsSticky || current.IsArchive || r.cache.GroupWindowID(current.ID) == 0 {
			return false
		}
	}

	destID := r.Decide(v.Groups, current, nav.URL, nav.CookieStoreID)
	target := current
	if destID != 0 {
		target = groups.Find(v.Groups, destID)
	}
	if target == nil {
		return false
	}

	if target.NeedsReopen(nav.CookieStoreID) {
		if r.markSeen(nav.RequestID) {
			r.enqueue(reopen{nav: nav, groupID: target.ID})
			applog.Info("catchtab.reopen", "tab", nav.TabID, "group", target.ID, "url", nav.URL)
		}
		return true
	}
	if destID == 0 {
		return false
	}

	applog.Info("catchtab.rehome", "tab", nav.TabID, "group", destID, "url", nav.URL)
	r.work.Add(1)
	go func() {
		defer r.work.Done()
		bg := context.WithoutCancel(ctx)
		if _, err := r.ops.Move(bg, []int{nav.TabID}, destID, tabs.MoveOptions{Notify: true}); err != nil {
			applog.Error("catchtab.rehome", err, "tab", nav.TabID)
		}
	}()
	return false
}

// OnTabCreated re-opens a fresh blank tab in its group's container. It
// reports whether the tab was replaced.
func (r *Router) OnTabCreated(ctx context.Context, tab types.Tab) bool {
	gid := r.cache.GroupID(tab.ID)
	if gid == 0 || !tab.IsBlank() {
		return false
	}
	v, err := r.groups.Load(ctx, gid, false)
	if err != nil {
		return false
	}
	g := v.Group
	policy := g.ContainerPolicy()
	if policy == "" {
		return false
	}
	if tab.Container() != types.DefaultCookieStoreID && !g.NeedsReopen(tab.Container()) {
		return false
	}
	nt, err := r.ops.Create(ctx, tabs.Spec{
		GroupID:  gid,
		WindowID: tab.WindowID,
		Index:    tab.Index + 1,
		Active:   tab.Active,
	})
	if err != nil {
		applog.Error("catchtab.newtab", err, "tab", tab.ID)
		return false
	}
	if err := r.ops.Remove(ctx, []int{tab.ID}); err != nil {
		applog.Error("catchtab.newtab.remove", err, "tab", tab.ID)
	}
	applog.Info("catchtab.newtab", "old", tab.ID, "new", nt.ID, "container", nt.CookieStoreID)
	return true
}

// Wait blocks until background re-homing and pending batches have finished.
func (r *Router) Wait() {
	r.work.Wait()
}

// markSeen records a request id and reports whether it is new.
func (r *Router) markSeen(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, at := range r.seen {
		if now.Sub(at) > seenTTL {
			delete(r.seen, id)
		}
	}
	if requestID == "" {
		return true
	}
	if _, ok := r.seen[requestID]; ok {
		return false
	}
	r.seen[requestID] = now
	return true
}

func (r *Router) enqueue(item reopen) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch = append(r.batch, item)
	if r.timer == nil {
		r.work.Add(1)
		r.timer = time.AfterFunc(r.debounce, r.flush)
	}
}

// flush re-creates every collected tab in its group's container and closes
// the originals in one call.
func (r *Router) flush() {
	defer r.work.Done()
	r.mu.Lock()
	batch := r.batch
	r.batch = nil
	r.timer = nil
	r.mu.Unlock()

	ctx := context.Background()
	done := make(map[int]bool)
	var closing []int
	for _, item := range batch {
		if done[item.nav.TabID] {
			continue
		}
		done[item.nav.TabID] = true

		old, err := r.tabs.Get(ctx, item.nav.TabID)
		if err != nil {
			applog.Error("catchtab.flush.get", err, "tab", item.nav.TabID)
			continue
		}
		window := r.cache.GroupWindowID(item.groupID)
		visible := window != 0
		if !visible {
			window = old.WindowID
		}
		nt, err := r.ops.Create(ctx, tabs.Spec{
			URL:           item.nav.URL,
			GroupID:       item.groupID,
			WindowID:      window,
			CookieStoreID: item.nav.CookieStoreID,
			OpenerTabID:   old.OpenerTabID,
			Active:        old.Active && visible && window == old.WindowID,
			Hidden:        !visible,
		})
		if err != nil {
			applog.Error("catchtab.flush.create", err, "tab", old.ID)
			continue
		}
		if old.Active && !nt.Active {
			if _, err := r.ops.EnsureActiveElsewhere(ctx, old.WindowID, []int{old.ID}); err != nil {
				applog.Error("catchtab.flush.active", err, "window", old.WindowID)
			}
		}
		closing = append(closing, old.ID)
	}
	if err := r.ops.Remove(ctx, closing); err != nil {
		applog.Error("catchtab.flush.remove", err)
	}
	if len(closing) > 0 {
		if err := r.groups.SyncLive(ctx); err != nil {
			applog.Error("catchtab.flush.sync", err)
		}
	}
	applog.Info("catchtab.flush", "tabs", len(closing))
}
