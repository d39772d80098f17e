// Package restore reconciles live windows with the persisted groups after an
// unclean shutdown, and re-creates tabs lost together with a closed window.
//
// Any failure escalates to a full extension reload. A persistent marker
// records the reload so the next start can tell the user, and so a restore
// that keeps failing does not reload in a loop.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lotas/tabgruppen/internal/analyzer"
	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

// ErrRestoreFailed wraps the cause of a failed restore.
var ErrRestoreFailed = errors.New("restore failed")

// Deps are the collaborators of the Restorer.
type Deps struct {
	Tabs     browser.Tabs
	Windows  browser.Windows
	Cache    *cache.Cache
	Groups   *groups.Store
	State    *state.Store
	Ops      *tabs.Ops
	Notifier browser.Notifier
	Reloader browser.Reloader
}

// Restorer runs Grand Restore and the missed-tab repair. Runs are serialized.
type Restorer struct {
	tabs     browser.Tabs
	windows  browser.Windows
	cache    *cache.Cache
	groups   *groups.Store
	state    *state.Store
	ops      *tabs.Ops
	notifier browser.Notifier
	reloader browser.Reloader

	mu sync.Mutex
}

// New creates a Restorer.
func New(d Deps) *Restorer {
	return &Restorer{
		tabs:     d.Tabs,
		windows:  d.Windows,
		cache:    d.Cache,
		groups:   d.Groups,
		state:    d.State,
		ops:      d.Ops,
		notifier: d.Notifier,
		reloader: d.Reloader,
	}
}

// Grand reconciles every normal window against the persisted groups, then
// works off the missed-tab backlog.
func (r *Restorer) Grand(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	applog.Info("restore.grand.start")
	if err := r.grand(ctx); err != nil {
		return r.escalate(ctx, err)
	}
	if err := r.missed(ctx); err != nil {
		return r.escalate(ctx, err)
	}
	applog.Info("restore.grand.done")
	return nil
}

// RestoreMissed works off the missed-tab backlog only.
func (r *Restorer) RestoreMissed(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.missed(ctx); err != nil {
		return r.escalate(ctx, err)
	}
	return nil
}

// AddMissed appends tabs to the durable backlog.
func (r *Restorer) AddMissed(ctx context.Context, closed []types.Tab) error {
	var recs []types.TabRecord
	for _, t := range closed {
		if t.GroupID == 0 || t.Pinned {
			continue
		}
		rec := t.Record()
		rec.ID = 0
		rec.Active = false
		rec.GroupID = t.GroupID
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	backlog, err := r.state.Backlog(ctx)
	if err != nil {
		return err
	}
	applog.Info("restore.missed.add", "tabs", len(recs), "backlog", len(backlog)+len(recs))
	return r.state.PutBacklog(ctx, append(backlog, recs...))
}

func (r *Restorer) escalate(ctx context.Context, cause error) error {
	err := fmt.Errorf("%w: %w", ErrRestoreFailed, cause)
	applog.Error("restore.failed", cause)

	marker, merr := r.state.ReloadMarker(ctx)
	if merr == nil && marker != "" {
		r.notifier.Notify(ctx, browser.Notification{
			ID:      "restore-failed",
			Title:   "Restore failed",
			Message: cause.Error(),
			Sticky:  true,
		})
		return err
	}
	if serr := r.state.SetReloadMarker(ctx, cause.Error()); serr != nil {
		applog.Error("restore.marker", serr)
	}
	if rerr := r.reloader.Reload(ctx, cause.Error()); rerr != nil {
		applog.Error("restore.reload", rerr)
	}
	return err
}

// copyOf is the part of a group found in one window.
type copyOf struct {
	window int
	tabs   []types.Tab
	oldest int64
}

type relocation struct {
	groupID int
	keeper  int
	ids     []int
}

func (r *Restorer) grand(ctx context.Context) error {
	normal, snap, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	v, err := r.groups.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	known := make(map[int]bool, len(v.Groups))
	for _, g := range v.Groups {
		known[g.ID] = true
	}
	isNormal := make(map[int]bool, len(normal))
	for _, w := range normal {
		isNormal[w] = true
	}

	for w, gid := range r.cache.Windows() {
		if !known[gid] || !isNormal[w] {
			applog.Info("restore.unlink", "window", w, "group", gid)
			r.cache.RemoveWindowGroup(w)
		}
	}

	copies := make(map[int][]copyOf)
	var orphans []types.Tab
	for i, w := range normal {
		buckets := make(map[int][]types.Tab)
		for _, t := range snap[i] {
			if t.GroupID == 0 || t.Pinned {
				continue
			}
			if !known[t.GroupID] {
				orphans = append(orphans, t)
				continue
			}
			buckets[t.GroupID] = append(buckets[t.GroupID], t)
		}
		for gid, ts := range buckets {
			c := copyOf{window: w, tabs: ts, oldest: ts[0].LastAccessed}
			for _, t := range ts {
				c.oldest = min(c.oldest, t.LastAccessed)
			}
			copies[gid] = append(copies[gid], c)
		}
	}

	leaving := make(map[int][]int)
	var removing []int
	var moves []relocation

	gids := make([]int, 0, len(copies))
	for gid := range copies {
		gids = append(gids, gid)
	}
	sort.Ints(gids)
	for _, gid := range gids {
		cs := copies[gid]
		sort.Slice(cs, func(i, j int) bool { return cs[i].window < cs[j].window })
		linked := r.cache.GroupWindowID(gid)
		if linked != 0 && !hasWindow(cs, linked) {
			cs = append(cs, copyOf{window: linked})
		}
		if len(cs) < 2 {
			continue
		}
		keeper := pickKeeper(cs, linked)
		applog.Info("restore.duplicate", "group", gid, "keeper", keeper.window, "copies", len(cs))

		seen := make(map[string]bool)
		for _, t := range keeper.tabs {
			seen[analyzer.TabKey(t)] = true
		}
		mv := relocation{groupID: gid, keeper: keeper.window}
		for _, c := range cs {
			if c.window == keeper.window {
				continue
			}
			for _, t := range c.tabs {
				key := analyzer.TabKey(t)
				if seen[key] {
					removing = append(removing, t.ID)
				} else {
					seen[key] = true
					mv.ids = append(mv.ids, t.ID)
				}
				leaving[c.window] = append(leaving[c.window], t.ID)
			}
		}
		if len(mv.ids) > 0 {
			moves = append(moves, mv)
		}
	}

	for _, t := range orphans {
		r.cache.RemoveGroupID(t.ID)
		if t.Hidden {
			removing = append(removing, t.ID)
			leaving[t.WindowID] = append(leaving[t.WindowID], t.ID)
		}
	}
	if len(orphans) > 0 {
		applog.Info("restore.orphans", "tabs", len(orphans))
	}

	for _, w := range sortedKeys(leaving) {
		if _, err := r.ops.EnsureActiveElsewhere(ctx, w, leaving[w]); err != nil {
			return err
		}
	}
	for _, mv := range moves {
		if _, err := r.ops.Relocate(ctx, mv.ids, mv.keeper, -1); err != nil {
			return err
		}
		if r.cache.WindowGroupID(mv.keeper) == mv.groupID {
			err = r.ops.Show(ctx, mv.ids)
		} else {
			err = r.ops.Hide(ctx, mv.ids)
		}
		if err != nil {
			return err
		}
	}
	if err := r.ops.Remove(ctx, removing); err != nil {
		return err
	}

	if err := r.link(ctx, v.Groups); err != nil {
		return err
	}
	return r.groups.SyncLive(ctx)
}

// missed re-creates backlog tabs. Each entry claims an equivalent live tab
// that belongs to no other group, or is created in its group. Progress is
// saved after every entry; failed entries stay in the backlog.
func (r *Restorer) missed(ctx context.Context) error {
	backlog, err := r.state.Backlog(ctx)
	if err != nil {
		return err
	}
	if len(backlog) == 0 {
		return nil
	}
	applog.Info("restore.missed.start", "tabs", len(backlog))

	v, err := r.groups.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	live, err := r.tabs.Query(ctx, browser.TabQuery{})
	if err != nil {
		return fmt.Errorf("query tabs: %w", err)
	}
	for i := range live {
		live[i] = r.cache.Decorate(live[i])
	}

	claimed := make(map[int]bool)
	var failed []types.TabRecord
	var errs []error
	for i, rec := range backlog {
		if err := r.restoreOne(ctx, v.Groups, live, claimed, rec); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.URL, err))
			failed = append(failed, rec)
			continue
		}
		left := append(append([]types.TabRecord(nil), failed...), backlog[i+1:]...)
		if err := r.state.PutBacklog(ctx, left); err != nil {
			return err
		}
	}
	if err := r.groups.SyncLive(ctx); err != nil {
		errs = append(errs, err)
	}
	applog.Info("restore.missed.done", "restored", len(backlog)-len(failed), "failed", len(failed))
	return errors.Join(errs...)
}

func (r *Restorer) restoreOne(ctx context.Context, list []types.Group, live []types.Tab, claimed map[int]bool, rec types.TabRecord) error {
	g := groups.Find(list, rec.GroupID)
	if g == nil {
		applog.Info("restore.missed.drop", "url", rec.URL, "group", rec.GroupID)
		return nil
	}
	pending := rec
	pending.ID = 0
	pending.GroupID = 0
	if g.IsArchive {
		_, err := r.groups.Update(ctx, g.ID, func(p *types.Group) error {
			p.Tabs = append(p.Tabs, pending)
			return nil
		})
		return err
	}

	key := analyzer.RecordKey(rec)
	for _, t := range live {
		if claimed[t.ID] || t.Pinned || (t.GroupID != 0 && t.GroupID != g.ID) {
			continue
		}
		if analyzer.TabKey(t) != key {
			continue
		}
		claimed[t.ID] = true
		if t.GroupID == g.ID {
			return nil
		}
		_, err := r.ops.Move(ctx, []int{t.ID}, g.ID, tabs.MoveOptions{})
		return err
	}

	window := r.cache.GroupWindowID(g.ID)
	nt, err := r.ops.Create(ctx, tabs.Spec{
		URL:           rec.URL,
		Title:         rec.Title,
		GroupID:       g.ID,
		WindowID:      window,
		CookieStoreID: rec.CookieStoreID,
		FavIconURL:    rec.FavIconURL,
		Thumbnail:     rec.Thumbnail,
		Hidden:        window == 0,
		Discarded:     window == 0,
	})
	if err != nil {
		return err
	}
	claimed[nt.ID] = true
	return nil
}

// link gives every unlinked window the group its visible tabs belong to,
// or a new group for its groupless tabs, then makes visibility match the
// window's group.
func (r *Restorer) link(ctx context.Context, list []types.Group) error {
	normal, snap, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	for i, w := range normal {
		live := snap[i]
		gid := r.cache.WindowGroupID(w)
		if gid == 0 {
			gid, err = r.adopt(ctx, w, live, list)
			if err != nil {
				return err
			}
		}
		if gid == 0 {
			continue
		}

		var hide, show []int
		for _, t := range live {
			if t.Pinned || t.GroupID == 0 {
				continue
			}
			switch {
			case t.GroupID == gid && t.Hidden:
				show = append(show, t.ID)
			case t.GroupID != gid && !t.Hidden:
				hide = append(hide, t.ID)
			}
		}
		if err := r.ops.Show(ctx, show); err != nil {
			return err
		}
		if len(hide) > 0 {
			if _, err := r.ops.EnsureActiveElsewhere(ctx, w, hide); err != nil {
				return err
			}
			if err := r.ops.Hide(ctx, hide); err != nil {
				return err
			}
		}
	}
	return nil
}

// adopt picks the group for an unlinked window. The group of the active tab
// wins, then the first visible grouped tab's group. A window showing only
// groupless tabs gets a new group holding them.
func (r *Restorer) adopt(ctx context.Context, w int, live []types.Tab, list []types.Group) (int, error) {
	var first, active int
	var groupless []types.Tab
	meaningful := false
	for _, t := range live {
		if t.Pinned || t.Hidden {
			continue
		}
		if t.GroupID == 0 {
			groupless = append(groupless, t)
			if !t.IsBlank() {
				meaningful = true
			}
			continue
		}
		g := groups.Find(list, t.GroupID)
		if g == nil || g.IsArchive || r.cache.GroupWindowID(t.GroupID) != 0 {
			continue
		}
		if first == 0 {
			first = t.GroupID
		}
		if t.Active {
			active = t.GroupID
		}
	}
	gid := first
	if active != 0 {
		gid = active
	}
	if gid != 0 {
		applog.Info("restore.link", "window", w, "group", gid)
		r.cache.SetWindowGroup(w, gid)
		return gid, nil
	}
	if !meaningful {
		return 0, nil
	}

	g, err := r.groups.Add(ctx, "", nil)
	if err != nil {
		return 0, err
	}
	for _, t := range groupless {
		r.cache.SetGroupID(t.ID, g.ID)
	}
	r.cache.SetWindowGroup(w, g.ID)
	applog.Info("restore.adopt", "window", w, "group", g.ID, "tabs", len(groupless))
	return g.ID, nil
}

// snapshot reads the tabs of every normal window concurrently.
func (r *Restorer) snapshot(ctx context.Context) ([]int, [][]types.Tab, error) {
	wins, err := r.windows.GetAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list windows: %w", err)
	}
	var normal []int
	for _, w := range wins {
		if w.IsNormal() {
			normal = append(normal, w.ID)
		}
	}
	sort.Ints(normal)

	snap := make([][]types.Tab, len(normal))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range normal {
		g.Go(func() error {
			live, err := r.tabs.Query(gctx, browser.TabQuery{WindowID: w})
			if err != nil {
				return fmt.Errorf("query window %d: %w", w, err)
			}
			for j := range live {
				r.cache.SetTab(live[j])
				live[j] = r.cache.Decorate(live[j])
			}
			snap[i] = live
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return normal, snap, nil
}

// pickKeeper chooses the window that keeps a duplicated group: the window
// the group is loaded in, else the copy with the oldest access, else the
// lowest window id. cs is sorted by window id.
func pickKeeper(cs []copyOf, linked int) copyOf {
	best := cs[0]
	for _, c := range cs {
		if linked != 0 && c.window == linked {
			return c
		}
		if c.oldest < best.oldest {
			best = c
		}
	}
	return best
}

func hasWindow(cs []copyOf, w int) bool {
	for _, c := range cs {
		if c.window == w {
			return true
		}
	}
	return false
}

func sortedKeys(m map[int][]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
