package restore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/browser/browsertest"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

type fixture struct {
	b        *browsertest.Browser
	cache    *cache.Cache
	groups   *groups.Store
	state    *state.Store
	restorer *Restorer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := browsertest.New()
	st := state.New(b.KV())
	_, err := st.Init(context.Background())
	require.NoError(t, err)
	c := cache.New(b)
	gs := groups.New(st, b, c, b)
	ops := tabs.New(tabs.Deps{
		Tabs:       b,
		Windows:    b.Windows(),
		Containers: b.Containers(),
		Cache:      c,
		Groups:     gs,
		State:      st,
		Notifier:   b,
		Publisher:  b,
	})
	r := New(Deps{
		Tabs:     b,
		Windows:  b.Windows(),
		Cache:    c,
		Groups:   gs,
		State:    st,
		Ops:      ops,
		Notifier: b,
		Reloader: b.Reloader(),
	})
	t.Cleanup(c.Flush)
	return &fixture{b: b, cache: c, groups: gs, state: st, restorer: r}
}

func (f *fixture) group(t *testing.T, title string) types.Group {
	t.Helper()
	g, err := f.groups.Add(context.Background(), title, nil)
	require.NoError(t, err)
	return g
}

func (f *fixture) tab(t types.Tab, groupID int) types.Tab {
	t = f.b.AddTab(t)
	f.cache.SetTab(t)
	if groupID != 0 {
		f.cache.SetGroupID(t.ID, groupID)
	}
	return t
}

func windowURLs(b *browsertest.Browser, windowID int) []string {
	var out []string
	for _, t := range b.WindowTabs(windowID) {
		out = append(out, t.URL)
	}
	return out
}

func indexOf(calls []string, want string) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}

func TestDuplicateGroupConsolidatesIntoLoadedWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.group(t, "G")
	f.cache.SetWindowGroup(1, g.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://a", Active: true, LastAccessed: 900}, g.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://b", LastAccessed: 800}, g.ID)
	dup := f.tab(types.Tab{WindowID: 2, URL: "https://a", Active: true, LastAccessed: 100}, g.ID)
	extra := f.tab(types.Tab{WindowID: 2, URL: "https://c", LastAccessed: 100}, g.ID)
	other := f.tab(types.Tab{WindowID: 2, URL: "https://d", LastAccessed: 50}, 0)
	f.b.ResetCalls()

	require.NoError(t, f.restorer.Grand(ctx))

	assert.Equal(t, []string{"https://a", "https://b", "https://c"}, windowURLs(f.b, 1))
	assert.Equal(t, []string{"https://d"}, windowURLs(f.b, 2))
	_, alive := f.b.Tab(dup.ID)
	assert.False(t, alive)

	moved, ok := f.b.Tab(extra.ID)
	require.True(t, ok)
	assert.False(t, moved.Hidden)
	assert.Equal(t, g.ID, f.cache.GroupID(extra.ID))

	calls := f.b.Calls()
	activate := indexOf(calls, "activate 5")
	require.GreaterOrEqual(t, activate, 0)
	assert.Less(t, activate, indexOf(calls, "remove [3]"))
	assert.Empty(t, f.b.Violations())
	assert.Empty(t, f.b.Reloads())

	assert.Equal(t, g.ID, f.cache.WindowGroupID(1))
	adopted := f.cache.WindowGroupID(2)
	assert.NotZero(t, adopted)
	assert.NotEqual(t, g.ID, adopted)
	assert.Equal(t, adopted, f.cache.GroupID(other.ID))
}

func TestDuplicateWithoutLinkKeepsOldestCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.group(t, "G")
	f.tab(types.Tab{WindowID: 1, URL: "https://o", LastAccessed: 600}, 0)
	newer := f.tab(types.Tab{WindowID: 1, URL: "https://x", Active: true, LastAccessed: 500}, g.ID)
	older := f.tab(types.Tab{WindowID: 2, URL: "https://y", Active: true, LastAccessed: 100}, g.ID)

	require.NoError(t, f.restorer.Grand(ctx))

	assert.Equal(t, 2, f.cache.GroupWindowID(g.ID))
	for _, id := range []int{newer.ID, older.ID} {
		tab, ok := f.b.Tab(id)
		require.True(t, ok)
		assert.Equal(t, 2, tab.WindowID)
		assert.False(t, tab.Hidden)
	}
	assert.Empty(t, f.b.Violations())
}

func TestTabsOfDeletedGroupsAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.group(t, "G")
	f.cache.SetWindowGroup(1, g.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://a", Active: true}, g.ID)
	hidden := f.tab(types.Tab{WindowID: 1, URL: "https://gone", Hidden: true}, 99)
	visible := f.tab(types.Tab{WindowID: 1, URL: "https://seen"}, 99)
	f.cache.SetWindowGroup(3, 98)

	require.NoError(t, f.restorer.Grand(ctx))

	_, alive := f.b.Tab(hidden.ID)
	assert.False(t, alive)
	_, alive = f.b.Tab(visible.ID)
	assert.True(t, alive)
	assert.Zero(t, f.cache.GroupID(visible.ID))
	assert.Zero(t, f.cache.WindowGroupID(3))
}

func TestRestoreMissedClaimsOrCreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, "A")
	b := f.group(t, "B")
	f.cache.SetWindowGroup(1, b.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://k", Active: true}, b.ID)
	free := f.tab(types.Tab{WindowID: 1, URL: "https://free"}, 0)
	taken := f.tab(types.Tab{WindowID: 1, URL: "https://taken"}, b.ID)

	require.NoError(t, f.state.PutBacklog(ctx, []types.TabRecord{
		{URL: "https://free", GroupID: a.ID},
		{URL: "https://taken", GroupID: a.ID},
		{URL: "https://gone", GroupID: 999},
	}))

	require.NoError(t, f.restorer.RestoreMissed(ctx))

	assert.Equal(t, a.ID, f.cache.GroupID(free.ID))
	claimed, _ := f.b.Tab(free.ID)
	assert.True(t, claimed.Hidden)
	assert.Equal(t, b.ID, f.cache.GroupID(taken.ID))

	backlog, err := f.state.Backlog(ctx)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	v, err := f.groups.Load(ctx, a.ID, true)
	require.NoError(t, err)
	var urls []string
	for _, r := range v.Group.Tabs {
		urls = append(urls, r.URL)
	}
	assert.ElementsMatch(t, []string{"https://free", "https://taken"}, urls)
	assert.Len(t, f.b.CallsWith("create"), 1)
	assert.Empty(t, f.b.Violations())
}

func TestRestoreMissedKeepsFailedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, "A")
	f.tab(types.Tab{WindowID: 1, URL: "https://k", Active: true}, 0)
	require.NoError(t, f.state.PutBacklog(ctx, []types.TabRecord{{URL: "https://x", GroupID: a.ID}}))
	f.b.FailOn("create", errors.New("no"))

	err := f.restorer.RestoreMissed(ctx)
	require.ErrorIs(t, err, ErrRestoreFailed)

	backlog, err := f.state.Backlog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, "https://x", backlog[0].URL)
}

func TestAddMissedSkipsPinnedAndGroupless(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.restorer.AddMissed(ctx, []types.Tab{
		{ID: 1, URL: "https://a", GroupID: 4, Active: true},
		{ID: 2, URL: "https://b", GroupID: 4, Pinned: true},
		{ID: 3, URL: "https://c"},
	}))

	backlog, err := f.state.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.TabRecord{{URL: "https://a", GroupID: 4}}, backlog)
}

func TestFailureReloadsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.b.FailOn("windows", errors.New("gone away"))

	err := f.restorer.Grand(ctx)
	require.ErrorIs(t, err, ErrRestoreFailed)
	require.Len(t, f.b.Reloads(), 1)
	marker, err := f.state.ReloadMarker(ctx)
	require.NoError(t, err)
	assert.Contains(t, marker, "gone away")

	err = f.restorer.Grand(ctx)
	require.ErrorIs(t, err, ErrRestoreFailed)
	assert.Len(t, f.b.Reloads(), 1)
	notes := f.b.Notifications()
	require.NotEmpty(t, notes)
	assert.Equal(t, "restore-failed", notes[len(notes)-1].ID)
}

func TestPickKeeper(t *testing.T) {
	cs := []copyOf{{window: 1, oldest: 300}, {window: 2, oldest: 100}, {window: 3, oldest: 100}}

	assert.Equal(t, 2, pickKeeper(cs, 0).window)
	assert.Equal(t, 3, pickKeeper(cs, 3).window)
	assert.Equal(t, 1, pickKeeper(cs[:1], 0).window)
}
