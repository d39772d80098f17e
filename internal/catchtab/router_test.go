package catchtab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/browser/browsertest"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

type fixture struct {
	b      *browsertest.Browser
	cache  *cache.Cache
	groups *groups.Store
	router *Router
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
	r := New(b, c, gs, ops, b, 10*time.Millisecond)
	gs.SetInterceptor(r)
	t.Cleanup(c.Flush)
	return &fixture{b: b, cache: c, groups: gs, router: r}
}

func (f *fixture) group(t *testing.T, g types.Group) types.Group {
	t.Helper()
	ctx := context.Background()
	added, err := f.groups.Add(ctx, g.Title, nil)
	require.NoError(t, err)
	g.ID = added.ID
	if g.Tabs == nil {
		g.Tabs = []types.TabRecord{}
	}
	out, err := f.groups.Update(ctx, added.ID, func(p *types.Group) error {
		*p = g
		return nil
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) tab(t types.Tab, groupID int) types.Tab {
	t = f.b.AddTab(t)
	f.cache.SetTab(t)
	if groupID != 0 {
		f.cache.SetGroupID(t.ID, groupID)
	}
	return t
}

func TestRulesSkipCommentsAndInvalidLines(t *testing.T) {
	r := NewRules()
	rules := "# mail\n\nmail\\.example\n([unclosed\n  ^https://docs\\.  \n"

	assert.Len(t, r.Compile(rules), 2)
	assert.True(t, r.Match(rules, "https://mail.example/inbox"))
	assert.True(t, r.Match(rules, "https://docs.example/a"))
	assert.False(t, r.Match(rules, "https://news.example"))
	assert.False(t, r.Match("", "https://mail.example"))
}

func TestDecide(t *testing.T) {
	r := NewRules()
	list := []types.Group{
		{ID: 1, Title: "Work", CatchTabRules: "jira", MoveToGroupIfNoneCatchTabRules: 3},
		{ID: 2, Title: "Mail", CatchTabRules: "mail\\.example", CatchTabContainers: []string{"firefox-container-9"}},
		{ID: 3, Title: "Misc"},
		{ID: 4, Title: "Old", CatchTabRules: "news", IsArchive: true},
	}
	r2 := &Router{rules: r}

	tests := []struct {
		name    string
		current int
		url     string
		cookie  string
		want    int
	}{
		{"own rule keeps the tab", 1, "https://jira.example", "", 0},
		{"other group rule", 3, "https://mail.example", "", 2},
		{"other group container", 3, "https://any.example", "firefox-container-9", 2},
		{"fallback when nothing matches", 1, "https://other.example", "", 3},
		{"no rules no fallback", 3, "https://other.example", "", 0},
		{"archived groups never catch", 3, "https://news.example", "", 0},
		{"groupless tab", 0, "https://mail.example", "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := groups.Find(list, tt.current)
			assert.Equal(t, tt.want, r2.Decide(list, current, tt.url, tt.cookie))
		})
	}
}

func TestNavigationRehomesIntoUnloadedGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, types.Group{Title: "A", CatchTabRules: "mail\\.example"})
	b := f.group(t, types.Group{Title: "B"})
	f.cache.SetWindowGroup(1, b.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://keep", Active: true}, b.ID)
	tb := f.tab(types.Tab{WindowID: 1, URL: "https://start"}, b.ID)
	before := len(f.b.AllTabs())

	cancel := f.router.OnNavigate(ctx, browser.Navigation{
		RequestID: "r1", TabID: tb.ID, URL: "https://mail.example/inbox",
		CookieStoreID: types.DefaultCookieStoreID,
	})
	f.router.Wait()

	assert.False(t, cancel)
	assert.Equal(t, a.ID, f.cache.GroupID(tb.ID))
	got, ok := f.b.Tab(tb.ID)
	require.True(t, ok)
	assert.True(t, got.Hidden)
	assert.Len(t, f.b.AllTabs(), before)
	assert.Empty(t, f.b.CallsWith("create"))
	assert.Empty(t, f.b.Violations())
}

func TestNavigationIgnoresStickyAndUnloadedGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.group(t, types.Group{Title: "A", CatchTabRules: "mail\\.example"})
	sticky := f.group(t, types.Group{Title: "S", IsSticky: true})
	hidden := f.group(t, types.Group{Title: "H"})
	f.cache.SetWindowGroup(1, sticky.ID)
	ts := f.tab(types.Tab{WindowID: 1, URL: "https://s", Active: true}, sticky.ID)
	th := f.tab(types.Tab{WindowID: 1, URL: "https://h", Hidden: true}, hidden.ID)
	f.b.ResetCalls()

	for _, id := range []int{ts.ID, th.ID} {
		assert.False(t, f.router.OnNavigate(ctx, browser.Navigation{TabID: id, URL: "https://mail.example"}))
	}
	f.router.Wait()

	assert.Equal(t, sticky.ID, f.cache.GroupID(ts.ID))
	assert.Equal(t, hidden.ID, f.cache.GroupID(th.ID))
	assert.Empty(t, f.b.Calls())
}

func TestContainerMismatchCancelsAndRecreatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, types.Group{
		Title:                      "Work",
		CatchTabRules:              "work\\.example",
		NewTabContainer:            "firefox-container-7",
		IfDifferentContainerReOpen: true,
	})
	f.cache.SetWindowGroup(1, a.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://other"}, a.ID)
	old := f.tab(types.Tab{WindowID: 1, URL: "about:newtab", Active: true}, a.ID)
	f.b.ResetCalls()

	nav := browser.Navigation{RequestID: "req-1", TabID: old.ID, URL: "https://work.example/board"}
	assert.True(t, f.router.OnNavigate(ctx, nav))
	assert.True(t, f.router.OnNavigate(ctx, nav))
	f.router.Wait()

	creates := f.b.CallsWith("create")
	require.Len(t, creates, 1)
	_, alive := f.b.Tab(old.ID)
	assert.False(t, alive)

	var fresh types.Tab
	for _, tab := range f.b.WindowTabs(1) {
		if tab.URL == "https://work.example/board" {
			fresh = tab
		}
	}
	require.NotZero(t, fresh.ID)
	assert.Equal(t, "firefox-container-7", fresh.CookieStoreID)
	assert.True(t, fresh.Active)
	assert.Equal(t, a.ID, f.cache.GroupID(fresh.ID))
	assert.Empty(t, f.b.Violations())
}

func TestBatchRecreatesSeveralTabsWithOneRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, types.Group{
		Title:                      "Work",
		NewTabContainer:            "firefox-container-7",
		IfDifferentContainerReOpen: true,
	})
	f.cache.SetWindowGroup(1, a.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://keep", Active: true}, a.ID)
	t1 := f.tab(types.Tab{WindowID: 1, URL: "https://one"}, a.ID)
	t2 := f.tab(types.Tab{WindowID: 1, URL: "https://two"}, a.ID)
	f.b.ResetCalls()

	assert.True(t, f.router.OnNavigate(ctx, browser.Navigation{RequestID: "a", TabID: t1.ID, URL: "https://one/next"}))
	assert.True(t, f.router.OnNavigate(ctx, browser.Navigation{RequestID: "b", TabID: t2.ID, URL: "https://two/next"}))
	f.router.Wait()

	assert.Len(t, f.b.CallsWith("create"), 2)
	assert.Equal(t, []string{"remove [2 3]"}, f.b.CallsWith("remove"))
}

func TestNewBlankTabReopensInGroupContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.group(t, types.Group{Title: "Work", NewTabContainer: "firefox-container-7"})
	plain := f.group(t, types.Group{Title: "Plain"})
	f.cache.SetWindowGroup(1, a.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://keep"}, a.ID)
	blank := f.tab(types.Tab{WindowID: 1, URL: "about:newtab", Active: true}, a.ID)
	other := f.tab(types.Tab{WindowID: 2, URL: "about:newtab", Active: true}, plain.ID)

	assert.True(t, f.router.OnTabCreated(ctx, blank))
	assert.False(t, f.router.OnTabCreated(ctx, other))

	_, alive := f.b.Tab(blank.ID)
	assert.False(t, alive)
	active, ok := f.b.ActiveTab(1)
	require.True(t, ok)
	assert.Equal(t, "firefox-container-7", active.CookieStoreID)
	assert.Equal(t, a.ID, f.cache.GroupID(active.ID))
}

func TestSyncTogglesInterceptOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.router.Sync(ctx, true)
	f.router.Sync(ctx, true)
	f.router.Sync(ctx, false)
	f.router.Sync(ctx, false)
	assert.Equal(t, []string{"intercept true", "intercept false"}, f.b.CallsWith("intercept"))

	f.b.FailOn("intercept", errors.New("no permission"))
	f.router.Sync(ctx, true)
	f.b.FailOn("intercept", nil)
	f.router.Sync(ctx, true)
	assert.True(t, f.b.InterceptEnabled())
}
