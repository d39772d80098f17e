// Package groups is the authoritative list of tab groups. Every mutation is
// a load, a change to the in-memory list and a whole-list save; concurrent
// load/save sequences are last-writer-wins.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/types"
)

// ErrGroupNotFound is returned for an unknown group id.
var ErrGroupNotFound = errors.New("group not found")

// Outbound events.
const (
	EventGroupAdded    = "group-added"
	EventGroupUpdated  = "group-updated"
	EventGroupRemoved  = "group-removed"
	EventGroupsUpdated = "groups-updated"
)

// Interceptor reconciles the navigation intercept with the saved groups.
type Interceptor interface {
	Sync(ctx context.Context, need bool)
}

// View is the result of Load.
type View struct {
	Group       *types.Group // nil unless a group id was requested
	Index       int          // position of Group in Groups, -1 if none
	Groups      []types.Group
	Archived    []types.Group
	NotArchived []types.Group
}

// Store loads and saves groups.
type Store struct {
	state     *state.Store
	tabs      browser.Tabs
	cache     *cache.Cache
	pub       browser.Publisher
	intercept Interceptor
}

// New creates a Store.
func New(st *state.Store, tabs browser.Tabs, c *cache.Cache, pub browser.Publisher) *Store {
	return &Store{state: st, tabs: tabs, cache: c, pub: pub}
}

// SetInterceptor installs the readiness gate recomputed after every save.
func (s *Store) SetInterceptor(i Interceptor) {
	s.intercept = i
}

// Load reads the group list. With groupID set, the matching group is
// returned in View.Group. With withLiveTabs, every non-archived group's
// materialized records are rebuilt from the live tabs assigned to it, in
// tab index order; its pending records follow.
func (s *Store) Load(ctx context.Context, groupID int, withLiveTabs bool) (View, error) {
	list, err := s.state.Groups(ctx)
	if err != nil {
		return View{}, err
	}

	if withLiveTabs {
		live, err := s.tabs.Query(ctx, browser.TabQuery{})
		if err != nil {
			return View{}, fmt.Errorf("query live tabs: %w", err)
		}
		buckets := make(map[int][]types.Tab)
		for _, t := range live {
			t = s.cache.Decorate(t)
			if t.GroupID != 0 {
				buckets[t.GroupID] = append(buckets[t.GroupID], t)
			}
		}
		for i := range list {
			g := &list[i]
			if g.IsArchive {
				continue
			}
			bucket := buckets[g.ID]
			sort.SliceStable(bucket, func(a, b int) bool {
				if bucket[a].WindowID != bucket[b].WindowID {
					return bucket[a].WindowID < bucket[b].WindowID
				}
				return bucket[a].Index < bucket[b].Index
			})
			recs := make([]types.TabRecord, 0, len(bucket))
			for _, t := range bucket {
				recs = append(recs, t.Record())
			}
			for _, r := range g.Tabs {
				if r.Pending() {
					recs = append(recs, r)
				}
			}
			g.Tabs = recs
		}
	}

	v := View{Groups: list, Index: -1}
	for i := range list {
		if list[i].IsArchive {
			v.Archived = append(v.Archived, list[i])
		} else {
			v.NotArchived = append(v.NotArchived, list[i])
		}
		if groupID != 0 && list[i].ID == groupID {
			v.Group = &list[i]
			v.Index = i
		}
	}
	if groupID != 0 && v.Group == nil {
		return v, fmt.Errorf("group %d: %w", groupID, ErrGroupNotFound)
	}
	return v, nil
}

// Save replaces the persisted list. Saving an unchanged list writes nothing
// and publishes nothing. The navigation intercept is reconciled either way.
func (s *Store) Save(ctx context.Context, list []types.Group, notify bool) error {
	opts, err := s.state.Options(ctx)
	if err != nil {
		return err
	}
	if !opts.CreateThumbnailsForTabs {
		for i := range list {
			if list[i].IsArchive {
				continue
			}
			for j := range list[i].Tabs {
				list[i].Tabs[j].Thumbnail = ""
			}
		}
	}

	changed, err := s.state.PutGroups(ctx, list)
	if err != nil {
		return err
	}
	if s.intercept != nil {
		s.intercept.Sync(ctx, NeedsIntercept(list))
	}
	if changed {
		applog.Debug("groups.saved", "count", len(list))
		if notify {
			s.pub.Publish(ctx, EventGroupsUpdated, nil)
		}
	}
	return nil
}

// NeedsIntercept reports whether any active group routes tabs by URL or
// container, or forces a container on new tabs.
func NeedsIntercept(list []types.Group) bool {
	for i := range list {
		g := &list[i]
		if g.IsArchive {
			continue
		}
		if g.HasCatchRules() || g.ContainerPolicy() != "" {
			return true
		}
	}
	return false
}

// Create builds a new group value with the user's defaults.
func Create(id int, title string, opts types.Options) types.Group {
	if strings.TrimSpace(title) == "" {
		pattern := opts.DefaultGroupTitle
		if pattern == "" {
			pattern = types.DefaultOptions().DefaultGroupTitle
		}
		if strings.Contains(pattern, "%d") {
			title = fmt.Sprintf(pattern, id)
		} else {
			title = pattern
		}
	}
	return types.Group{
		ID:           id,
		Title:        title,
		IconColor:    opts.DefaultGroupIconColor,
		IconViewType: opts.DefaultGroupIconViewType,
		Tabs:         []types.TabRecord{},
	}
}

// Add allocates an id and appends a new group holding tabs.
func (s *Store) Add(ctx context.Context, title string, tabs []types.TabRecord) (types.Group, error) {
	id, err := s.state.NextGroupID(ctx)
	if err != nil {
		return types.Group{}, err
	}
	opts, err := s.state.Options(ctx)
	if err != nil {
		return types.Group{}, err
	}
	g := Create(id, title, opts)
	if tabs != nil {
		g.Tabs = tabs
	}

	v, err := s.Load(ctx, 0, false)
	if err != nil {
		return types.Group{}, err
	}
	list := append(v.Groups, g)
	if err := s.Save(ctx, list, true); err != nil {
		return types.Group{}, err
	}
	applog.Info("groups.add", "id", id, "title", g.Title)
	s.pub.Publish(ctx, EventGroupAdded, g)
	return g, nil
}

// Update changes one group in place through fn.
func (s *Store) Update(ctx context.Context, groupID int, fn func(g *types.Group) error) (types.Group, error) {
	v, err := s.Load(ctx, groupID, false)
	if err != nil {
		return types.Group{}, err
	}
	if err := fn(v.Group); err != nil {
		return types.Group{}, err
	}
	if err := s.Save(ctx, v.Groups, true); err != nil {
		return types.Group{}, err
	}
	s.pub.Publish(ctx, EventGroupUpdated, *v.Group)
	return *v.Group, nil
}

// Rename sets a group's title.
func (s *Store) Rename(ctx context.Context, groupID int, title string) (types.Group, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return types.Group{}, errors.New("empty title")
	}
	return s.Update(ctx, groupID, func(g *types.Group) error {
		g.Title = title
		return nil
	})
}

// Remove deletes a group and returns it with its position, for undo.
func (s *Store) Remove(ctx context.Context, groupID int) (types.Group, int, error) {
	v, err := s.Load(ctx, groupID, false)
	if err != nil {
		return types.Group{}, -1, err
	}
	removed := *v.Group
	list := append(v.Groups[:v.Index:v.Index], v.Groups[v.Index+1:]...)
	if err := s.Save(ctx, list, true); err != nil {
		return types.Group{}, -1, err
	}
	applog.Info("groups.remove", "id", groupID)
	s.pub.Publish(ctx, EventGroupRemoved, map[string]int{"groupId": groupID})
	return removed, v.Index, nil
}

// Insert puts a group back at index (clamped). Used by undo.
func (s *Store) Insert(ctx context.Context, g types.Group, index int) error {
	v, err := s.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	for _, existing := range v.Groups {
		if existing.ID == g.ID {
			return fmt.Errorf("group %d already exists", g.ID)
		}
	}
	if index < 0 || index > len(v.Groups) {
		index = len(v.Groups)
	}
	list := make([]types.Group, 0, len(v.Groups)+1)
	list = append(list, v.Groups[:index]...)
	list = append(list, g)
	list = append(list, v.Groups[index:]...)
	if err := s.Save(ctx, list, true); err != nil {
		return err
	}
	s.pub.Publish(ctx, EventGroupAdded, g)
	return nil
}

// Sort orders groups by title, case-insensitively.
func (s *Store) Sort(ctx context.Context) error {
	v, err := s.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	sort.SliceStable(v.Groups, func(i, j int) bool {
		return strings.ToLower(v.Groups[i].Title) < strings.ToLower(v.Groups[j].Title)
	})
	return s.Save(ctx, v.Groups, true)
}

// SyncLive rebuilds every active group's records from live state and saves.
// Running it twice without a change in between writes nothing the second time.
func (s *Store) SyncLive(ctx context.Context) error {
	v, err := s.Load(ctx, 0, true)
	if err != nil {
		return err
	}
	return s.Save(ctx, v.Groups, true)
}

// Find returns the group with id from list, or nil.
func Find(list []types.Group, id int) *types.Group {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// Park turns closed tabs into pending records of their groups, so they are
// created again the next time the group is loaded. Tabs of unknown or
// archived groups are ignored.
func (s *Store) Park(ctx context.Context, closed []types.Tab) error {
	if len(closed) == 0 {
		return nil
	}
	v, err := s.Load(ctx, 0, false)
	if err != nil {
		return err
	}
	byID := make(map[int]types.Tab, len(closed))
	for _, t := range closed {
		byID[t.ID] = t
	}
	parked := 0
	for i := range v.Groups {
		g := &v.Groups[i]
		if g.IsArchive {
			continue
		}
		recs := make([]types.TabRecord, 0, len(g.Tabs))
		seen := make(map[int]bool)
		for _, r := range g.Tabs {
			if t, ok := byID[r.ID]; ok && t.GroupID == g.ID {
				seen[r.ID] = true
				r = t.Record()
				r.ID = 0
				r.Active = false
				parked++
			}
			recs = append(recs, r)
		}
		for _, t := range closed {
			if t.GroupID == g.ID && !seen[t.ID] {
				r := t.Record()
				r.ID = 0
				r.Active = false
				recs = append(recs, r)
				parked++
			}
		}
		g.Tabs = recs
	}
	applog.Info("groups.park", "tabs", parked)
	return s.Save(ctx, v.Groups, true)
}
