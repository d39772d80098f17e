package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/browser/browsertest"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/tabs"
	"github.com/lotas/tabgruppen/internal/types"
)

type fixture struct {
	b      *browsertest.Browser
	cache  *cache.Cache
	groups *groups.Store
	bus    *Bus
}

func newFixture(t *testing.T, wl Whitelist) *fixture {
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
	e := engine.New(engine.Deps{
		Tabs:      b,
		Windows:   b.Windows(),
		Cache:     c,
		Groups:    gs,
		State:     st,
		Ops:       ops,
		Notifier:  b,
		UI:        b,
		Publisher: b,
	})
	t.Cleanup(c.Flush)
	return &fixture{b: b, cache: c, groups: gs, bus: New(Deps{
		Engine:    e,
		Groups:    gs,
		Cache:     c,
		Tabs:      b,
		Windows:   b.Windows(),
		Whitelist: wl,
	})}
}

func (f *fixture) tab(t types.Tab, groupID int) types.Tab {
	t = f.b.AddTab(t)
	f.cache.SetTab(t)
	if groupID != 0 {
		f.cache.SetGroupID(t.ID, groupID)
	}
	return t
}

func TestDispatchRejectsMisuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Whitelist{
		"friend@example": {PermittedActions: []string{ActionGetGroupsList}},
	})

	tests := []struct {
		name string
		msg  Message
		ok   bool
		err  string
	}{
		{"unknown action", Message{Action: "explode"}, false, "unknown action"},
		{"unknown sender", Message{Action: ActionAreYouHere, Sender: "stranger@example"}, false, "not permitted"},
		{"action outside whitelist", Message{Action: ActionDeleteGroup, Sender: "friend@example", GroupID: 1}, false, "not permitted"},
		{"are-you-here always allowed", Message{Action: ActionAreYouHere, Sender: "friend@example"}, true, ""},
		{"permitted action", Message{Action: ActionGetGroupsList, Sender: "friend@example"}, true, ""},
		{"missing group id", Message{Action: ActionDeleteGroup}, false, "bad request"},
		{"unknown group", Message{Action: ActionRenameGroup, GroupID: 42, Title: "x"}, false, "group not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.bus.Dispatch(ctx, tt.msg)
			assert.Equal(t, tt.ok, resp.OK)
			if tt.err != "" {
				assert.Contains(t, resp.Error, tt.err)
			}
		})
	}

	v, err := f.groups.Load(ctx, 0, false)
	require.NoError(t, err)
	assert.Empty(t, v.Groups)
}

func TestAddLoadAndListGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tab(types.Tab{WindowID: 1, URL: "https://a", Active: true}, 0)

	resp := f.bus.Dispatch(ctx, Message{Action: ActionAddNewGroup, Title: "Work"})
	require.True(t, resp.OK, resp.Error)
	g, ok := resp.Data.(types.Group)
	require.True(t, ok)
	assert.Equal(t, "Work", g.Title)

	resp = f.bus.Dispatch(ctx, Message{Action: ActionLoadCustomGroup, GroupID: g.ID, WindowID: 1})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, g.ID, f.cache.WindowGroupID(1))

	resp = f.bus.Dispatch(ctx, Message{Action: ActionGetGroupsList})
	require.True(t, resp.OK, resp.Error)
	list, ok := resp.Data.([]GroupSummary)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].WindowID)
}

func TestMoveSelectedTabsIntoNewGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	g, err := f.groups.Add(ctx, "Home", nil)
	require.NoError(t, err)
	f.cache.SetWindowGroup(1, g.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://a", Active: true}, g.ID)
	b := f.tab(types.Tab{WindowID: 1, URL: "https://b"}, g.ID)

	resp := f.bus.Dispatch(ctx, Message{Action: ActionMoveSelectedTabs, TabIDs: []int{b.ID}, Title: "Later"})
	require.True(t, resp.OK, resp.Error)
	data := resp.Data.(map[string]any)
	newID := data["groupId"].(int)
	assert.NotEqual(t, g.ID, newID)
	assert.Equal(t, newID, f.cache.GroupID(b.ID))
	moved, _ := f.b.Tab(b.ID)
	assert.True(t, moved.Hidden)
}

func TestDeleteCurrentGroupAndUndo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	g, err := f.groups.Add(ctx, "Temp", nil)
	require.NoError(t, err)
	f.tab(types.Tab{WindowID: 1, URL: "https://keep", Pinned: true}, 0)
	f.cache.SetWindowGroup(1, g.ID)
	f.tab(types.Tab{WindowID: 1, URL: "https://a", Active: true}, g.ID)

	resp := f.bus.Dispatch(ctx, Message{Action: ActionDeleteCurrentGroup, WindowID: 1})
	require.True(t, resp.OK, resp.Error)
	_, err = f.groups.Load(ctx, g.ID, false)
	require.ErrorIs(t, err, groups.ErrGroupNotFound)

	resp = f.bus.Dispatch(ctx, Message{Action: ActionUndoRemoveGroup, GroupID: g.ID})
	require.True(t, resp.OK, resp.Error)
	v, err := f.groups.Load(ctx, g.ID, false)
	require.NoError(t, err)
	require.Len(t, v.Group.Tabs, 1)
	assert.Equal(t, "https://a", v.Group.Tabs[0].URL)
	assert.True(t, v.Group.Tabs[0].Pending())
}

func TestWhitelistFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extensions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"b@example": {"emits": ["group-loaded"], "permittedActions": ["load-custom-group"]},
		"a@example": {"emits": ["group-loaded", "tab-moved"]}
	}`), 0o644))

	wl, err := LoadWhitelist(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example", "b@example"}, wl.Recipients("group-loaded"))
	assert.Equal(t, []string{"a@example"}, wl.Recipients("tab-moved"))
	assert.True(t, wl.Permits("b@example", ActionLoadCustomGroup))
	assert.False(t, wl.Permits("a@example", ActionLoadCustomGroup))
	assert.True(t, wl.Permits("", ActionDeleteGroup))

	missing, err := LoadWhitelist(filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}
