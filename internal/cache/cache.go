// Package cache keeps the extension-owned metadata of live tabs and windows:
// group membership, favicons and thumbnails. Reads are served from memory;
// every change is mirrored to the browser's per-object session storage by a
// background writer so that it survives an extension restart.
package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/types"
)

// Durable session keys.
const (
	KeyGroupID   = "groupId"
	KeyFavIcon   = "favIconUrl"
	KeyThumbnail = "thumbnail"
)

// Change reports which tracked fields of a tab differ from the previous
// observation.
type Change struct {
	New        bool
	URL        bool
	Title      bool
	Status     bool
	FavIconURL bool
	Hidden     bool
	Pinned     bool
	Window     bool
}

type entry struct {
	tab       types.Tab
	groupID   int
	favIcon   string
	thumbnail string
}

type write struct {
	op  string
	id  int
	run func(ctx context.Context) error
}

// Cache is the session side-table.
type Cache struct {
	sv browser.SessionValues

	mu      sync.Mutex
	tabs    map[int]*entry
	windows map[int]int // windowID -> groupID

	qmu      sync.Mutex
	queue    []write
	draining bool
	pending  sync.WaitGroup
}

// New creates an empty cache backed by sv.
func New(sv browser.SessionValues) *Cache {
	return &Cache{
		sv:      sv,
		tabs:    make(map[int]*entry),
		windows: make(map[int]int),
	}
}

// Hydrate loads the durable values of the given live tabs and windows into
// memory. Conflicting window links to the same group keep the lowest window id.
func (c *Cache) Hydrate(ctx context.Context, tabs []types.Tab, windows []types.Window) error {
	for _, t := range tabs {
		gid, err := c.readInt(ctx, c.sv.TabValue, t.ID, KeyGroupID)
		if err != nil {
			return err
		}
		fav, err := c.sv.TabValue(ctx, t.ID, KeyFavIcon)
		if err != nil {
			return err
		}
		thumb, err := c.sv.TabValue(ctx, t.ID, KeyThumbnail)
		if err != nil {
			return err
		}
		c.mu.Lock()
		e := c.entry(t.ID)
		e.tab = t
		e.groupID = gid
		e.favIcon = fav
		e.thumbnail = thumb
		c.mu.Unlock()
	}

	sorted := append([]types.Window(nil), windows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, w := range sorted {
		gid, err := c.readInt(ctx, c.sv.WindowValue, w.ID, KeyGroupID)
		if err != nil {
			return err
		}
		if gid == 0 {
			continue
		}
		c.mu.Lock()
		if other := c.windowFor(gid); other != 0 {
			applog.Info("cache.hydrate.conflict", "group", gid, "window", w.ID, "kept", other)
			c.mu.Unlock()
			continue
		}
		c.windows[w.ID] = gid
		c.mu.Unlock()
	}
	applog.Info("cache.hydrated", "tabs", len(tabs), "windows", len(windows))
	return nil
}

// SetTab records the latest observation of a live tab. It returns nil when
// none of the tracked fields changed since the previous observation.
func (c *Cache) SetTab(t types.Tab) *Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.tabs[t.ID]
	if !ok {
		c.tabs[t.ID] = &entry{tab: t, favIcon: t.FavIconURL}
		return &Change{New: true}
	}
	prev := e.tab
	ch := Change{
		URL:        prev.URL != t.URL,
		Title:      prev.Title != t.Title,
		Status:     prev.Status != t.Status,
		FavIconURL: t.FavIconURL != "" && prev.FavIconURL != t.FavIconURL,
		Hidden:     prev.Hidden != t.Hidden,
		Pinned:     prev.Pinned != t.Pinned,
		Window:     prev.WindowID != t.WindowID,
	}
	e.tab = t
	if t.FavIconURL != "" {
		e.favIcon = t.FavIconURL
	}
	if ch == (Change{}) {
		return nil
	}
	return &ch
}

// Tab returns the last observation of a tab with its group metadata applied.
func (c *Cache) Tab(tabID int) (types.Tab, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tabs[tabID]
	if !ok {
		return types.Tab{}, false
	}
	return e.decorated(), true
}

// Decorate fills the extension-owned fields of a live tab.
func (c *Cache) Decorate(t types.Tab) types.Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[t.ID]; ok {
		t.GroupID = e.groupID
		t.Thumbnail = e.thumbnail
		if t.FavIconURL == "" {
			t.FavIconURL = e.favIcon
		}
	}
	return t
}

// RemoveTab forgets a closed tab. Its durable values die with the native tab.
func (c *Cache) RemoveTab(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tabs, tabID)
}

// GroupID returns the group a tab belongs to, or 0.
func (c *Cache) GroupID(tabID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[tabID]; ok {
		return e.groupID
	}
	return 0
}

// SetGroupID assigns a tab to a group. Zero removes the assignment, including
// the durable key.
func (c *Cache) SetGroupID(tabID, groupID int) {
	if groupID == 0 {
		c.RemoveGroupID(tabID)
		return
	}
	c.mu.Lock()
	c.entry(tabID).groupID = groupID
	c.mu.Unlock()

	value := strconv.Itoa(groupID)
	c.enqueue("tab.set", tabID, func(ctx context.Context) error {
		return c.sv.SetTabValue(ctx, tabID, KeyGroupID, value)
	})
}

// RemoveGroupID makes a tab groupless.
func (c *Cache) RemoveGroupID(tabID int) {
	c.mu.Lock()
	if e, ok := c.tabs[tabID]; ok {
		e.groupID = 0
	}
	c.mu.Unlock()

	c.enqueue("tab.remove", tabID, func(ctx context.Context) error {
		return c.sv.RemoveTabValue(ctx, tabID, KeyGroupID)
	})
}

// FavIcon returns the cached favicon of a tab.
func (c *Cache) FavIcon(tabID int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[tabID]; ok {
		return e.favIcon
	}
	return ""
}

// SetFavIcon stores a favicon for a tab.
func (c *Cache) SetFavIcon(tabID int, url string) {
	c.mu.Lock()
	c.entry(tabID).favIcon = url
	c.mu.Unlock()
	c.enqueue("favicon.set", tabID, func(ctx context.Context) error {
		return c.sv.SetTabValue(ctx, tabID, KeyFavIcon, url)
	})
}

// Thumbnail returns the cached thumbnail of a tab.
func (c *Cache) Thumbnail(tabID int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tabs[tabID]; ok {
		return e.thumbnail
	}
	return ""
}

// SetThumbnail stores a thumbnail for a tab.
func (c *Cache) SetThumbnail(tabID int, data string) {
	c.mu.Lock()
	c.entry(tabID).thumbnail = data
	c.mu.Unlock()
	c.enqueue("thumbnail.set", tabID, func(ctx context.Context) error {
		return c.sv.SetTabValue(ctx, tabID, KeyThumbnail, data)
	})
}

// WindowGroupID returns the group loaded in a window, or 0.
func (c *Cache) WindowGroupID(windowID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[windowID]
}

// GroupWindowID returns the window a group is loaded in, or 0.
func (c *Cache) GroupWindowID(groupID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowFor(groupID)
}

// SetWindowGroup links a window to a group. Any other window linked to the
// same group is unlinked first.
func (c *Cache) SetWindowGroup(windowID, groupID int) {
	if groupID == 0 {
		c.RemoveWindowGroup(windowID)
		return
	}
	c.mu.Lock()
	other := c.windowFor(groupID)
	if other != 0 && other != windowID {
		delete(c.windows, other)
	}
	c.windows[windowID] = groupID
	c.mu.Unlock()

	if other != 0 && other != windowID {
		c.enqueue("window.remove", other, func(ctx context.Context) error {
			return c.sv.RemoveWindowValue(ctx, other, KeyGroupID)
		})
	}
	value := strconv.Itoa(groupID)
	c.enqueue("window.set", windowID, func(ctx context.Context) error {
		return c.sv.SetWindowValue(ctx, windowID, KeyGroupID, value)
	})
}

// RemoveWindowGroup unlinks a window.
func (c *Cache) RemoveWindowGroup(windowID int) {
	c.mu.Lock()
	delete(c.windows, windowID)
	c.mu.Unlock()
	c.enqueue("window.remove", windowID, func(ctx context.Context) error {
		return c.sv.RemoveWindowValue(ctx, windowID, KeyGroupID)
	})
}

// ForgetWindow drops a closed window and its tabs from memory and returns
// the tabs last observed in it, in index order.
func (c *Cache) ForgetWindow(windowID int) []types.Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.windowTabs(windowID)
	for _, t := range out {
		delete(c.tabs, t.ID)
	}
	delete(c.windows, windowID)
	return out
}

// WindowTabs returns the tabs last observed in a window, in index order.
func (c *Cache) WindowTabs(windowID int) []types.Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowTabs(windowID)
}

// Windows returns the current window links.
func (c *Cache) Windows() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.windows))
	for w, g := range c.windows {
		out[w] = g
	}
	return out
}

// Reset forgets every tab and window. Queued durable writes still run.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabs = make(map[int]*entry)
	c.windows = make(map[int]int)
}

// Flush blocks until every queued durable write has completed.
func (c *Cache) Flush() {
	c.pending.Wait()
}

func (c *Cache) windowTabs(windowID int) []types.Tab {
	var out []types.Tab
	for _, e := range c.tabs {
		if e.tab.WindowID == windowID {
			out = append(out, e.decorated())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (c *Cache) windowFor(groupID int) int {
	for w, g := range c.windows {
		if g == groupID {
			return w
		}
	}
	return 0
}

func (c *Cache) entry(tabID int) *entry {
	e, ok := c.tabs[tabID]
	if !ok {
		e = &entry{tab: types.Tab{ID: tabID}}
		c.tabs[tabID] = e
	}
	return e
}

func (e *entry) decorated() types.Tab {
	t := e.tab
	t.GroupID = e.groupID
	t.Thumbnail = e.thumbnail
	if t.FavIconURL == "" {
		t.FavIconURL = e.favIcon
	}
	return t
}

func (c *Cache) readInt(ctx context.Context, get func(context.Context, int, string) (string, error), id int, key string) (int, error) {
	v, err := get(ctx, id, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		applog.Error("cache.decode", err, "id", id, "key", key)
		return 0, nil
	}
	return n, nil
}

// enqueue schedules a durable write. Writes run in order on a single
// background goroutine; failures are logged and dropped.
func (c *Cache) enqueue(op string, id int, run func(ctx context.Context) error) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	c.pending.Add(1)
	c.queue = append(c.queue, write{op: op, id: id, run: run})
	if !c.draining {
		c.draining = true
		go c.drain()
	}
}

func (c *Cache) drain() {
	ctx := context.Background()
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		w := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		if err := w.run(ctx); err != nil {
			applog.Error("cache.write", err, "op", w.op, "id", w.id)
		}
		c.pending.Done()
	}
}
