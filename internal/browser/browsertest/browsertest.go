// Package browsertest provides an in-memory browser for tests. It records
// every native call so tests can assert on ordering, and it flags any moment
// a window is left without a visible tab.
package browsertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/types"
)

// Published is an event sent through the fake publisher.
type Published struct {
	Event   string
	Payload any
}

// Browser is a fake browser implementing every collaborator interface.
// Interfaces with clashing method names are exposed through views:
// Windows(), Containers(), KV() and Reloader().
type Browser struct {
	mu sync.Mutex

	nextTabID       int
	nextWindowID    int
	nextContainerID int
	clock           int64

	tabs       map[int]*types.Tab
	winTabs    map[int][]int
	windows    map[int]*types.Window
	containers []types.Container

	tabValues    map[int]map[string]string
	windowValues map[int]map[string]string
	kv           map[string][]byte

	failOps  map[string]error
	failTabs map[string]map[int]error

	calls         []string
	violations    []string
	notifications []browser.Notification
	published     []Published
	loading       map[int]bool
	uiErrors      []string
	intercept     bool
	reloads       []string

	// Hook, when set, runs before every native tab call with the op name
	// and the affected tab ids.
	Hook func(op string, ids []int)
}

// New returns an empty browser.
func New() *Browser {
	return &Browser{
		nextTabID:       1,
		nextWindowID:    1,
		nextContainerID: 1,
		clock:           1000,
		tabs:            make(map[int]*types.Tab),
		winTabs:         make(map[int][]int),
		windows:         make(map[int]*types.Window),
		tabValues:       make(map[int]map[string]string),
		windowValues:    make(map[int]map[string]string),
		kv:              make(map[string][]byte),
		failOps:         make(map[string]error),
		failTabs:        make(map[string]map[int]error),
		loading:         make(map[int]bool),
	}
}

// AddWindow creates an empty window with the given id (0 picks one).
func (b *Browser) AddWindow(id int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == 0 {
		id = b.nextWindowID
	}
	if id >= b.nextWindowID {
		b.nextWindowID = id + 1
	}
	b.windows[id] = &types.Window{ID: id, Type: "normal"}
	if len(b.windows) == 1 {
		b.windows[id].Focused = true
	}
	return id
}

// AddTab inserts a tab directly, bypassing the call log. A zero ID is assigned.
func (b *Browser) AddTab(t types.Tab) types.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.ID == 0 {
		t.ID = b.nextTabID
	}
	if t.ID >= b.nextTabID {
		b.nextTabID = t.ID + 1
	}
	if t.CookieStoreID == "" {
		t.CookieStoreID = types.DefaultCookieStoreID
	}
	if t.Status == "" {
		t.Status = "complete"
	}
	if t.LastAccessed == 0 {
		b.clock++
		t.LastAccessed = b.clock
	}
	if _, ok := b.windows[t.WindowID]; !ok {
		b.windows[t.WindowID] = &types.Window{ID: t.WindowID, Type: "normal"}
		if t.WindowID >= b.nextWindowID {
			b.nextWindowID = t.WindowID + 1
		}
	}
	if t.Active {
		b.deactivate(t.WindowID)
	}
	tab := t
	b.tabs[t.ID] = &tab
	b.winTabs[t.WindowID] = append(b.winTabs[t.WindowID], t.ID)
	b.reindex(t.WindowID)
	return *b.tabs[t.ID]
}

// AddContainer registers an identity container.
func (b *Browser) AddContainer(c types.Container) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers = append(b.containers, c)
}

// SetSharing marks a tab as using the camera.
func (b *Browser) SetSharing(tabID int, s types.Sharing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tabs[tabID]; ok {
		t.Sharing = s
	}
}

// FailOn makes every call of op fail with err. A nil err clears the failure.
func (b *Browser) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failOps, op)
		return
	}
	b.failOps[op] = err
}

// FailTab makes op fail for a single tab only.
func (b *Browser) FailTab(op string, tabID int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTabs[op] == nil {
		b.failTabs[op] = make(map[int]error)
	}
	b.failTabs[op][tabID] = err
}

// Tab returns a copy of a live tab.
func (b *Browser) Tab(id int) (types.Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[id]
	if !ok {
		return types.Tab{}, false
	}
	return *t, true
}

// WindowTabs returns the tabs of a window in index order.
func (b *Browser) WindowTabs(windowID int) []types.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Tab
	for _, id := range b.winTabs[windowID] {
		out = append(out, *b.tabs[id])
	}
	return out
}

// AllTabs returns every tab ordered by window then index.
func (b *Browser) AllTabs() []types.Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allTabs()
}

// ActiveTab returns the active tab of a window.
func (b *Browser) ActiveTab(windowID int) (types.Tab, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.winTabs[windowID] {
		if b.tabs[id].Active {
			return *b.tabs[id], true
		}
	}
	return types.Tab{}, false
}

// HasWindow reports whether the window is still open.
func (b *Browser) HasWindow(windowID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.windows[windowID]
	return ok
}

// Calls returns the native call log.
func (b *Browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallsWith returns the logged calls starting with prefix.
func (b *Browser) CallsWith(prefix string) []string {
	var out []string
	for _, c := range b.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (b *Browser) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Violations lists every moment a window had no visible tab.
func (b *Browser) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// Notifications returns every notification shown.
func (b *Browser) Notifications() []browser.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Notification(nil), b.notifications...)
}

// PublishedEvents returns every published event.
func (b *Browser) PublishedEvents() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Loading reports the loading indicator state of a window.
func (b *Browser) Loading(windowID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading[windowID]
}

// UIErrors returns the messages passed to SetError.
func (b *Browser) UIErrors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uiErrors...)
}

// InterceptEnabled reports the navigation intercept state.
func (b *Browser) InterceptEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.intercept
}

// Reloads returns the reasons passed to Reload.
func (b *Browser) Reloads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reloads...)
}

// SessionTabValue reads a per-tab session value directly.
func (b *Browser) SessionTabValue(tabID int, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabValues[tabID][key]
}

// SessionWindowValue reads a per-window session value directly.
func (b *Browser) SessionWindowValue(windowID int, key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowValues[windowID][key]
}

// ---- browser.Tabs ----

func (b *Browser) Query(_ context.Context, q browser.TabQuery) ([]types.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["query"]; err != nil {
		return nil, err
	}
	var out []types.Tab
	for _, t := range b.allTabs() {
		if q.WindowID != 0 && t.WindowID != q.WindowID {
			continue
		}
		if q.Active != nil && t.Active != *q.Active {
			continue
		}
		if q.Hidden != nil && t.Hidden != *q.Hidden {
			continue
		}
		if q.Pinned != nil && t.Pinned != *q.Pinned {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Browser) Get(_ context.Context, tabID int) (types.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[tabID]
	if !ok {
		return types.Tab{}, fmt.Errorf("tab %d: %w", tabID, browser.ErrNotFound)
	}
	return *t, nil
}

func (b *Browser) Create(_ context.Context, spec browser.CreateTab) (types.Tab, error) {
	b.hook("create", nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["create"]; err != nil {
		return types.Tab{}, err
	}
	windowID := spec.WindowID
	if windowID == 0 {
		windowID = b.lastFocused()
	}
	if _, ok := b.windows[windowID]; !ok {
		return types.Tab{}, fmt.Errorf("window %d: %w", windowID, browser.ErrNotFound)
	}
	url := spec.URL
	if url == "" {
		url = types.NewTabURL
	}
	t := &types.Tab{
		ID:            b.nextTabID,
		WindowID:      windowID,
		URL:           url,
		Title:         spec.Title,
		Status:        "complete",
		CookieStoreID: spec.CookieStoreID,
		OpenerTabID:   spec.OpenerTabID,
		Pinned:        spec.Pinned,
		Discarded:     spec.Discarded,
	}
	if t.CookieStoreID == "" {
		t.CookieStoreID = types.DefaultCookieStoreID
	}
	b.nextTabID++
	b.clock++
	t.LastAccessed = b.clock
	b.tabs[t.ID] = t
	ids := b.winTabs[windowID]
	if spec.Index > 0 && spec.Index < len(ids) {
		ids = append(ids[:spec.Index], append([]int{t.ID}, ids[spec.Index:]...)...)
	} else {
		ids = append(ids, t.ID)
	}
	b.winTabs[windowID] = ids
	if spec.Active {
		b.deactivate(windowID)
		t.Active = true
	}
	b.reindex(windowID)
	b.logf("create %d %s w%d", t.ID, url, windowID)
	return *t, nil
}

func (b *Browser) Update(_ context.Context, tabID int, upd browser.UpdateTab) (types.Tab, error) {
	b.hook("update", []int{tabID})
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("update", tabID); err != nil {
		return types.Tab{}, err
	}
	t, ok := b.tabs[tabID]
	if !ok {
		return types.Tab{}, fmt.Errorf("tab %d: %w", tabID, browser.ErrNotFound)
	}
	if upd.URL != "" {
		t.URL = upd.URL
		b.logf("navigate %d %s", tabID, upd.URL)
	}
	if upd.Muted != nil {
		t.Muted = *upd.Muted
		b.logf("mute %d %v", tabID, *upd.Muted)
	}
	if upd.Active != nil && *upd.Active {
		if t.Hidden {
			t.Hidden = false
		}
		b.deactivate(t.WindowID)
		t.Active = true
		b.clock++
		t.LastAccessed = b.clock
		b.logf("activate %d", tabID)
	}
	return *t, nil
}

func (b *Browser) Move(_ context.Context, tabIDs []int, windowID, index int) ([]types.Tab, error) {
	b.hook("move", tabIDs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["move"]; err != nil {
		return nil, err
	}
	if _, ok := b.windows[windowID]; !ok {
		return nil, fmt.Errorf("window %d: %w", windowID, browser.ErrNotFound)
	}
	var out []types.Tab
	touched := map[int]bool{windowID: true}
	for _, id := range tabIDs {
		if err := b.failure("move", id); err != nil {
			continue
		}
		t, ok := b.tabs[id]
		if !ok {
			continue
		}
		from := t.WindowID
		touched[from] = true
		b.winTabs[from] = without(b.winTabs[from], id)
		ids := b.winTabs[windowID]
		if index >= 0 && index < len(ids) {
			ids = append(ids[:index], append([]int{id}, ids[index:]...)...)
			index++
		} else {
			ids = append(ids, id)
		}
		b.winTabs[windowID] = ids
		if from != windowID && t.Active {
			t.Active = false
		}
		t.WindowID = windowID
		out = append(out, *t)
	}
	for w := range touched {
		b.reindex(w)
		b.ensureActive(w)
	}
	b.logf("move %v w%d", tabIDs, windowID)
	return out, nil
}

func (b *Browser) Show(_ context.Context, tabIDs []int) error {
	b.hook("show", tabIDs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["show"]; err != nil {
		return err
	}
	for _, id := range tabIDs {
		if t, ok := b.tabs[id]; ok {
			t.Hidden = false
		}
	}
	b.logf("show %v", sorted(tabIDs))
	return nil
}

func (b *Browser) Hide(_ context.Context, tabIDs []int) error {
	b.hook("hide", tabIDs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["hide"]; err != nil {
		return err
	}
	windows := map[int]bool{}
	for _, id := range tabIDs {
		t, ok := b.tabs[id]
		if !ok {
			continue
		}
		if t.Active {
			b.violations = append(b.violations, fmt.Sprintf("hide active tab %d", id))
			return fmt.Errorf("cannot hide active tab %d", id)
		}
		if !t.CanHide() {
			return fmt.Errorf("cannot hide tab %d", id)
		}
		t.Hidden = true
		windows[t.WindowID] = true
	}
	for w := range windows {
		b.checkVisible(w)
	}
	b.logf("hide %v", sorted(tabIDs))
	return nil
}

func (b *Browser) Discard(_ context.Context, tabIDs []int) error {
	b.hook("discard", tabIDs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["discard"]; err != nil {
		return err
	}
	for _, id := range tabIDs {
		if t, ok := b.tabs[id]; ok && !t.Active {
			t.Discarded = true
		}
	}
	b.logf("discard %v", sorted(tabIDs))
	return nil
}

func (b *Browser) Reload(_ context.Context, tabID int) error {
	b.hook("reload", []int{tabID})
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("reload", tabID); err != nil {
		return err
	}
	if t, ok := b.tabs[tabID]; ok {
		t.Discarded = false
	}
	b.logf("reload %d", tabID)
	return nil
}

func (b *Browser) Remove(_ context.Context, tabIDs []int) error {
	b.hook("remove", tabIDs)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["remove"]; err != nil {
		return err
	}
	touched := map[int]bool{}
	for _, id := range tabIDs {
		t, ok := b.tabs[id]
		if !ok {
			continue
		}
		touched[t.WindowID] = true
		b.winTabs[t.WindowID] = without(b.winTabs[t.WindowID], id)
		delete(b.tabs, id)
		delete(b.tabValues, id)
	}
	for w := range touched {
		if len(b.winTabs[w]) == 0 {
			delete(b.windows, w)
			delete(b.winTabs, w)
			delete(b.windowValues, w)
			b.violations = append(b.violations, fmt.Sprintf("window %d closed by removing its last tab", w))
			continue
		}
		b.reindex(w)
		b.ensureActive(w)
	}
	b.logf("remove %v", sorted(tabIDs))
	return nil
}

// ---- browser.SessionValues ----

func (b *Browser) TabValue(_ context.Context, tabID int, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["session.get"]; err != nil {
		return "", err
	}
	return b.tabValues[tabID][key], nil
}

func (b *Browser) SetTabValue(_ context.Context, tabID int, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["session.set"]; err != nil {
		return err
	}
	if _, ok := b.tabs[tabID]; !ok {
		return fmt.Errorf("tab %d: %w", tabID, browser.ErrNotFound)
	}
	if b.tabValues[tabID] == nil {
		b.tabValues[tabID] = make(map[string]string)
	}
	b.tabValues[tabID][key] = value
	return nil
}

func (b *Browser) RemoveTabValue(_ context.Context, tabID int, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabValues[tabID], key)
	return nil
}

func (b *Browser) WindowValue(_ context.Context, windowID int, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["session.get"]; err != nil {
		return "", err
	}
	return b.windowValues[windowID][key], nil
}

func (b *Browser) SetWindowValue(_ context.Context, windowID int, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["session.set"]; err != nil {
		return err
	}
	if b.windowValues[windowID] == nil {
		b.windowValues[windowID] = make(map[string]string)
	}
	b.windowValues[windowID][key] = value
	return nil
}

func (b *Browser) RemoveWindowValue(_ context.Context, windowID int, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windowValues[windowID], key)
	return nil
}

// ---- sinks ----

func (b *Browser) Notify(_ context.Context, n browser.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

func (b *Browser) Publish(_ context.Context, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, Published{Event: event, Payload: payload})
}

func (b *Browser) SetLoading(_ context.Context, windowID int, loading bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loading[windowID] = loading
}

func (b *Browser) SetError(_ context.Context, windowID int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uiErrors = append(b.uiErrors, fmt.Sprintf("w%d: %s", windowID, message))
}

func (b *Browser) SetActiveGroup(context.Context, int, *types.Group) {}

func (b *Browser) SetNavigationIntercept(_ context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOps["intercept"]; err != nil {
		return err
	}
	b.intercept = enabled
	b.logf("intercept %v", enabled)
	return nil
}

// ---- views ----

// Windows returns the window manager view.
func (b *Browser) Windows() browser.Windows { return windowsView{b} }

// Containers returns the container manager view.
func (b *Browser) Containers() browser.Containers { return containersView{b} }

// KV returns the local key/value store view.
func (b *Browser) KV() browser.KV { return kvView{b} }

// Reloader returns the extension reloader view.
func (b *Browser) Reloader() browser.Reloader { return reloaderView{b} }

type windowsView struct{ b *Browser }

func (v windowsView) GetAll(context.Context) ([]types.Window, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if err := v.b.failOps["windows"]; err != nil {
		return nil, err
	}
	var out []types.Window
	for _, w := range v.b.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v windowsView) Get(_ context.Context, windowID int) (types.Window, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	w, ok := v.b.windows[windowID]
	if !ok {
		return types.Window{}, fmt.Errorf("window %d: %w", windowID, browser.ErrNotFound)
	}
	return *w, nil
}

func (v windowsView) LastFocused(context.Context) (types.Window, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	id := v.b.lastFocused()
	if id == 0 {
		return types.Window{}, fmt.Errorf("no windows: %w", browser.ErrNotFound)
	}
	return *v.b.windows[id], nil
}

func (v windowsView) Create(context.Context) (types.Window, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	id := v.b.nextWindowID
	v.b.nextWindowID++
	v.b.windows[id] = &types.Window{ID: id, Type: "normal"}
	t := &types.Tab{ID: v.b.nextTabID, WindowID: id, URL: types.NewTabURL, Status: "complete",
		CookieStoreID: types.DefaultCookieStoreID, Active: true}
	v.b.nextTabID++
	v.b.tabs[t.ID] = t
	v.b.winTabs[id] = []int{t.ID}
	v.b.logf("window.create w%d", id)
	return *v.b.windows[id], nil
}

func (v windowsView) Focus(_ context.Context, windowID int) error {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if _, ok := v.b.windows[windowID]; !ok {
		return fmt.Errorf("window %d: %w", windowID, browser.ErrNotFound)
	}
	for id, w := range v.b.windows {
		w.Focused = id == windowID
	}
	v.b.logf("focus w%d", windowID)
	return nil
}

type containersView struct{ b *Browser }

func (v containersView) Query(context.Context) ([]types.Container, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	return append([]types.Container(nil), v.b.containers...), nil
}

func (v containersView) Create(_ context.Context, c types.Container) (types.Container, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	c.CookieStoreID = fmt.Sprintf("firefox-container-%d", v.b.nextContainerID)
	v.b.nextContainerID++
	v.b.containers = append(v.b.containers, c)
	return c, nil
}

func (v containersView) CreateTemporary(context.Context) (types.Container, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	c := types.Container{
		CookieStoreID: fmt.Sprintf("firefox-container-tmp-%d", v.b.nextContainerID),
		Name:          "temporary",
		Temporary:     true,
	}
	v.b.nextContainerID++
	v.b.containers = append(v.b.containers, c)
	v.b.logf("container.temporary %s", c.CookieStoreID)
	return c, nil
}

type kvView struct{ b *Browser }

func (v kvView) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if err := v.b.failOps["kv.get"]; err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, k := range keys {
		if val, ok := v.b.kv[k]; ok {
			out[k] = append([]byte(nil), val...)
		}
	}
	return out, nil
}

func (v kvView) Set(_ context.Context, values map[string][]byte) error {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	if err := v.b.failOps["kv.set"]; err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k, val := range values {
		v.b.kv[k] = append([]byte(nil), val...)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v.b.logf("kv.set %s", strings.Join(keys, ","))
	return nil
}

func (v kvView) Remove(_ context.Context, keys ...string) error {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	for _, k := range keys {
		delete(v.b.kv, k)
	}
	return nil
}

type reloaderView struct{ b *Browser }

func (v reloaderView) Reload(_ context.Context, reason string) error {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	v.b.reloads = append(v.b.reloads, reason)
	return nil
}

// ---- internals (mu held) ----

func (b *Browser) hook(op string, ids []int) {
	if b.Hook != nil {
		b.Hook(op, ids)
	}
}

func (b *Browser) failure(op string, tabID int) error {
	if err := b.failOps[op]; err != nil {
		return err
	}
	return b.failTabs[op][tabID]
}

func (b *Browser) logf(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *Browser) allTabs() []types.Tab {
	windowIDs := make([]int, 0, len(b.winTabs))
	for w := range b.winTabs {
		windowIDs = append(windowIDs, w)
	}
	sort.Ints(windowIDs)
	var out []types.Tab
	for _, w := range windowIDs {
		for _, id := range b.winTabs[w] {
			out = append(out, *b.tabs[id])
		}
	}
	return out
}

func (b *Browser) lastFocused() int {
	first := 0
	for id, w := range b.windows {
		if w.Focused {
			return id
		}
		if first == 0 || id < first {
			first = id
		}
	}
	return first
}

func (b *Browser) deactivate(windowID int) {
	for _, id := range b.winTabs[windowID] {
		b.tabs[id].Active = false
	}
}

func (b *Browser) reindex(windowID int) {
	for i, id := range b.winTabs[windowID] {
		b.tabs[id].Index = i
	}
}

// ensureActive mimics the browser picking a fallback when a window lost its
// active tab.
func (b *Browser) ensureActive(windowID int) {
	var fallback *types.Tab
	for _, id := range b.winTabs[windowID] {
		t := b.tabs[id]
		if t.Active {
			return
		}
		if fallback == nil && !t.Hidden {
			fallback = t
		}
	}
	if fallback == nil {
		b.checkVisible(windowID)
		return
	}
	fallback.Active = true
	b.logf("fallback-activate %d", fallback.ID)
}

func (b *Browser) checkVisible(windowID int) {
	for _, id := range b.winTabs[windowID] {
		if !b.tabs[id].Hidden {
			return
		}
	}
	if len(b.winTabs[windowID]) > 0 {
		b.violations = append(b.violations, fmt.Sprintf("window %d has no visible tab", windowID))
	}
}

func without(ids []int, id int) []int {
	out := ids[:0:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func sorted(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
