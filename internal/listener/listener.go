// Package listener turns browser events into cache updates and engine calls.
// Events on tabs the extension itself is changing are only recorded.
package listener

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/catchtab"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/restore"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

// DefaultSyncDelay is how long group persistence waits for more tab changes.
const DefaultSyncDelay = 500 * time.Millisecond

// dragTTL bounds how long a detach or an attach waits for its partner.
const dragTTL = 5 * time.Second

// Deps are the collaborators of the Listener.
type Deps struct {
	Tabs      browser.Tabs
	Windows   browser.Windows
	Cache     *cache.Cache
	Groups    *groups.Store
	State     *state.Store
	Ops       *tabs.Ops
	Engine    *engine.Engine
	Router    *catchtab.Router
	Restorer  *restore.Restorer
	Notifier  browser.Notifier
	UI        browser.UI
	SyncDelay time.Duration
}

// Listener dispatches browser events.
type Listener struct {
	tabs     browser.Tabs
	windows  browser.Windows
	cache    *cache.Cache
	groups   *groups.Store
	state    *state.Store
	ops      *tabs.Ops
	engine   *engine.Engine
	router   *catchtab.Router
	restorer *restore.Restorer
	notifier browser.Notifier
	ui       browser.UI
	delay    time.Duration

	mu       sync.Mutex
	detached map[int]dragMark  // tab id -> window it left
	attached map[int]time.Time // attaches that arrived before their detach
	now      func() time.Time
	timer    *time.Timer
	work     sync.WaitGroup
}

type dragMark struct {
	window int
	at     time.Time
}

// New creates a Listener.
func New(d Deps) *Listener {
	delay := d.SyncDelay
	if delay <= 0 {
		delay = DefaultSyncDelay
	}
	return &Listener{
		tabs:     d.Tabs,
		windows:  d.Windows,
		cache:    d.Cache,
		groups:   d.Groups,
		state:    d.State,
		ops:      d.Ops,
		engine:   d.Engine,
		router:   d.Router,
		restorer: d.Restorer,
		notifier: d.Notifier,
		ui:       d.UI,
		delay:    delay,
		detached: make(map[int]dragMark),
		attached: make(map[int]time.Time),
		now:      time.Now,
	}
}

// Start brings up the extension state: migrations, cache hydration, Grand
// Restore, the navigation intercept and the restart notice.
func (l *Listener) Start(ctx context.Context) error {
	migrated, err := l.state.Init(ctx)
	if err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	marker, err := l.state.ReloadMarker(ctx)
	if err != nil {
		return err
	}

	wins, err := l.windows.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	live, err := l.tabs.Query(ctx, browser.TabQuery{})
	if err != nil {
		return fmt.Errorf("query tabs: %w", err)
	}
	// A reconnecting extension starts over; tab ids from the previous
	// session are not reused.
	l.cache.Flush()
	l.cache.Reset()
	if err := l.cache.Hydrate(ctx, live, wins); err != nil {
		return fmt.Errorf("hydrate cache: %w", err)
	}

	if err := l.restorer.Grand(ctx); err != nil {
		return err
	}

	v, err := l.groups.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	l.router.Sync(ctx, groups.NeedsIntercept(v.Groups))
	for w, gid := range l.cache.Windows() {
		if g := groups.Find(v.Groups, gid); g != nil {
			l.ui.SetActiveGroup(ctx, w, g)
		}
	}

	if marker != "" {
		l.notifier.Notify(ctx, browser.Notification{
			ID:      "restarted",
			Title:   "Tabgruppen restarted",
			Message: "The extension had to restart: " + marker,
		})
		if err := l.state.ClearReloadMarker(ctx); err != nil {
			applog.Error("start.marker", err)
		}
	}
	applog.Info("start.done", "migrated", migrated, "windows", len(wins), "tabs", len(live), "groups", len(v.Groups))
	return nil
}

// Run handles events until ctx is done or events is closed.
func (l *Listener) Run(ctx context.Context, events <-chan browser.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.Handle(ctx, ev)
		}
	}
}

// Navigate answers an intercepted navigation; true cancels it.
func (l *Listener) Navigate(ctx context.Context, nav browser.Navigation) bool {
	if l.ops.Exclude().Has(nav.TabID) {
		return false
	}
	return l.router.OnNavigate(ctx, nav)
}

// Wait blocks until scheduled background work has finished.
func (l *Listener) Wait() {
	l.work.Wait()
}

// Handle processes one event.
func (l *Listener) Handle(ctx context.Context, ev browser.Event) {
	applog.Debug("event", "type", ev.Type, "tab", ev.TabID, "window", ev.WindowID)
	switch ev.Type {
	case browser.TabCreated:
		l.tabCreated(ctx, ev)
	case browser.TabUpdated:
		l.tabUpdated(ctx, ev)
	case browser.TabActivated:
		l.tabActivated(ctx, ev)
	case browser.TabRemoved:
		l.tabRemoved(ev)
	case browser.TabMoved:
		l.tabMoved(ctx, ev)
	case browser.TabDetached:
		l.tabDetached(ev)
	case browser.TabAttached:
		l.tabAttached(ctx, ev)
	case browser.WindowCreated:
		l.windowCreated(ctx, ev)
	case browser.WindowRemoved:
		l.windowRemoved(ctx, ev)
	case browser.WindowFocused:
		if gid := l.cache.WindowGroupID(ev.WindowID); gid != 0 {
			applog.Debug("window.focused", "window", ev.WindowID, "group", gid)
		}
	case browser.ContainerRemoved:
		l.containerRemoved(ctx, ev.CookieStoreID)
	case browser.BeforeNavigate:
		l.Navigate(ctx, browser.Navigation{
			RequestID:     ev.RequestID,
			TabID:         ev.TabID,
			URL:           ev.URL,
			CookieStoreID: ev.CookieStoreID,
		})
	default:
		applog.Info("event.unknown", "type", ev.Type)
	}
}

func (l *Listener) excluded(t types.Tab) bool {
	ex := l.ops.Exclude()
	return ex.Has(t.ID) || ex.Creating(t.WindowID)
}

func (l *Listener) tabCreated(ctx context.Context, ev browser.Event) {
	if ev.Tab == nil {
		return
	}
	t := *ev.Tab
	l.cache.SetTab(t)
	if l.excluded(t) || l.engine.IsLoading(t.WindowID) {
		return
	}
	if l.cache.GroupID(t.ID) == 0 && !t.Pinned {
		if gid := l.cache.WindowGroupID(t.WindowID); gid != 0 {
			l.cache.SetGroupID(t.ID, gid)
			t.GroupID = gid
		}
	}
	if l.router.OnTabCreated(ctx, l.cache.Decorate(t)) {
		return
	}
	l.scheduleSync()
}

func (l *Listener) tabUpdated(ctx context.Context, ev browser.Event) {
	if ev.Tab == nil {
		return
	}
	t := *ev.Tab
	ch := l.cache.SetTab(t)
	if ch == nil || l.excluded(t) {
		return
	}
	if ch.Pinned {
		if t.Pinned {
			l.cache.RemoveGroupID(t.ID)
		} else if gid := l.cache.WindowGroupID(t.WindowID); gid != 0 {
			l.cache.SetGroupID(t.ID, gid)
		}
	}
	if ch.URL || ch.Title || ch.FavIconURL || ch.Pinned || ch.New {
		l.scheduleSync()
	}
}

// tabActivated loads the group of a hidden tab something outside the
// extension activated.
func (l *Listener) tabActivated(ctx context.Context, ev browser.Event) {
	if l.ops.Exclude().Has(ev.TabID) || l.engine.IsLoading(ev.WindowID) {
		return
	}
	t, ok := l.cache.Tab(ev.TabID)
	if !ok {
		var err error
		if t, err = l.tabs.Get(ctx, ev.TabID); err != nil {
			return
		}
		l.cache.SetTab(t)
		t = l.cache.Decorate(t)
	}
	if !t.Hidden || t.GroupID == 0 || t.GroupID == l.cache.WindowGroupID(ev.WindowID) {
		return
	}
	applog.Info("event.activate-hidden", "tab", t.ID, "group", t.GroupID, "window", ev.WindowID)
	if err := l.engine.ApplyGroup(ctx, ev.WindowID, t.GroupID, t.ID); err != nil {
		applog.Error("event.activate-hidden", err, "tab", t.ID)
	}
}

func (l *Listener) tabRemoved(ev browser.Event) {
	l.mu.Lock()
	delete(l.detached, ev.TabID)
	delete(l.attached, ev.TabID)
	l.mu.Unlock()
	if ev.IsWindowClosing {
		return
	}
	excluded := l.ops.Exclude().Has(ev.TabID)
	l.cache.RemoveTab(ev.TabID)
	if !excluded {
		l.scheduleSync()
	}
}

func (l *Listener) tabMoved(ctx context.Context, ev browser.Event) {
	if l.ops.Exclude().Has(ev.TabID) {
		return
	}
	t, err := l.tabs.Get(ctx, ev.TabID)
	if err != nil {
		return
	}
	l.cache.SetTab(t)
	l.scheduleSync()
}

// tabDetached records the window a tab left, unless its attach already
// arrived.
func (l *Listener) tabDetached(ev browser.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.expireDrags(now)
	if _, ok := l.attached[ev.TabID]; ok {
		delete(l.attached, ev.TabID)
		return
	}
	l.detached[ev.TabID] = dragMark{window: ev.OldWindowID, at: now}
}

// expireDrags forgets partner-less attach and detach events. Callers hold mu.
func (l *Listener) expireDrags(now time.Time) {
	for id, m := range l.detached {
		if now.Sub(m.at) > dragTTL {
			delete(l.detached, id)
		}
	}
	for id, at := range l.attached {
		if now.Sub(at) > dragTTL {
			delete(l.attached, id)
		}
	}
}

// tabAttached finishes a move between windows started outside the
// extension. The browser reports the attach against the new window; the
// window the tab came from is only known from the detach, which may come
// before or after it.
func (l *Listener) tabAttached(ctx context.Context, ev browser.Event) {
	l.mu.Lock()
	now := l.now()
	l.expireDrags(now)
	m, ok := l.detached[ev.TabID]
	if ok {
		delete(l.detached, ev.TabID)
	} else {
		l.attached[ev.TabID] = now
	}
	from := m.window
	if from == 0 {
		from = ev.OldWindowID
	}
	l.mu.Unlock()

	if l.ops.Exclude().Has(ev.TabID) {
		return
	}
	t, err := l.tabs.Get(ctx, ev.TabID)
	if err != nil {
		return
	}
	l.cache.SetTab(t)
	t = l.cache.Decorate(t)
	to := ev.NewWindowID
	if to == 0 {
		to = t.WindowID
	}
	gid := l.cache.WindowGroupID(to)
	switch {
	case t.Pinned:
	case gid != 0 && t.GroupID != gid:
		l.cache.SetGroupID(t.ID, gid)
		if t.Hidden {
			if err := l.ops.Show(ctx, []int{t.ID}); err != nil {
				applog.Error("event.attach.show", err, "tab", t.ID)
			}
		}
	case gid == 0 && t.GroupID != 0 && l.cache.GroupWindowID(t.GroupID) != to:
		l.cache.RemoveGroupID(t.ID)
	}
	applog.Info("event.attach", "tab", t.ID, "from", from, "to", to, "group", gid)
	l.scheduleSync()
}

// windowCreated runs Grand Restore for windows the extension did not
// create, unless the window is the target of a tab being dragged out.
func (l *Listener) windowCreated(ctx context.Context, ev browser.Event) {
	l.mu.Lock()
	l.expireDrags(l.now())
	dragging := len(l.detached) > 0
	l.mu.Unlock()
	if dragging {
		return
	}
	if err := l.restorer.Grand(ctx); err != nil {
		applog.Error("event.window.created", err, "window", ev.WindowID)
	}
}

// windowRemoved keeps the closed window's tabs. Tabs closed in the middle of
// an operation go to the missed-tab backlog and are re-created right away;
// otherwise they wait as pending records of their groups.
func (l *Listener) windowRemoved(ctx context.Context, ev browser.Event) {
	busy := l.engine.IsLoading(ev.WindowID)
	closed := l.cache.ForgetWindow(ev.WindowID)
	var grouped []types.Tab
	for _, t := range closed {
		if t.GroupID == 0 || t.Pinned {
			continue
		}
		if l.ops.Exclude().Has(t.ID) {
			busy = true
		}
		grouped = append(grouped, t)
	}
	if len(grouped) == 0 {
		return
	}
	applog.Info("event.window.removed", "window", ev.WindowID, "tabs", len(grouped), "busy", busy)

	if !busy {
		if err := l.groups.Park(ctx, grouped); err != nil {
			applog.Error("event.window.removed", err, "window", ev.WindowID)
		}
		return
	}
	if err := l.restorer.AddMissed(ctx, grouped); err != nil {
		applog.Error("event.window.removed", err, "window", ev.WindowID)
		return
	}
	if err := l.restorer.RestoreMissed(ctx); err != nil {
		applog.Error("event.window.removed", err, "window", ev.WindowID)
	}
}

// containerRemoved drops every reference to a deleted container.
func (l *Listener) containerRemoved(ctx context.Context, cookieStoreID string) {
	v, err := l.groups.Load(ctx, 0, false)
	if err != nil {
		applog.Error("event.container.removed", err)
		return
	}
	for i := range v.Groups {
		g := &v.Groups[i]
		if g.NewTabContainer == cookieStoreID {
			g.NewTabContainer = ""
		}
		g.CatchTabContainers = slices.DeleteFunc(g.CatchTabContainers, func(c string) bool { return c == cookieStoreID })
		g.ExcludeContainersForReOpen = slices.DeleteFunc(g.ExcludeContainersForReOpen, func(c string) bool { return c == cookieStoreID })
	}
	if err := l.groups.Save(ctx, v.Groups, true); err != nil {
		applog.Error("event.container.removed", err)
	}
}

// scheduleSync persists live group membership once tab changes settle.
// A timer is only re-armed while it has not fired; once its callback is
// under way a new timer takes over.
func (l *Listener) scheduleSync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil && l.timer.Stop() {
		l.timer.Reset(l.delay)
		return
	}
	l.work.Add(1)
	var t *time.Timer
	t = time.AfterFunc(l.delay, func() {
		defer l.work.Done()
		l.mu.Lock()
		if l.timer == t {
			l.timer = nil
		}
		l.mu.Unlock()
		if err := l.groups.SyncLive(context.Background()); err != nil {
			applog.Error("event.sync", err)
		}
	})
	l.timer = t
}
