package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/browser/browsertest"
	"github.com/lotas/tabgruppen/internal/types"
)

func TestSetTabDiff(t *testing.T) {
	c := New(browsertest.New())
	tab := types.Tab{ID: 1, WindowID: 1, URL: "https://a", Title: "A", Status: "complete"}

	ch := c.SetTab(tab)
	require.NotNil(t, ch)
	assert.True(t, ch.New)

	assert.Nil(t, c.SetTab(tab), "identical observation")

	tab.Index = 4
	tab.LastAccessed = 99
	assert.Nil(t, c.SetTab(tab), "untracked fields only")

	tab.URL = "https://b"
	tab.Hidden = true
	ch = c.SetTab(tab)
	require.NotNil(t, ch)
	assert.True(t, ch.URL)
	assert.True(t, ch.Hidden)
	assert.False(t, ch.Title)

	// An empty favicon never counts as a change and keeps the cached one.
	tab.FavIconURL = "https://b/icon.png"
	require.NotNil(t, c.SetTab(tab))
	tab.FavIconURL = ""
	assert.Nil(t, c.SetTab(tab))
	assert.Equal(t, "https://b/icon.png", c.FavIcon(1))
}

func TestGroupIDWriteThrough(t *testing.T) {
	b := browsertest.New()
	tab := b.AddTab(types.Tab{WindowID: 1, URL: "https://a"})
	c := New(b)
	c.SetTab(tab)

	c.SetGroupID(tab.ID, 7)
	assert.Equal(t, 7, c.GroupID(tab.ID))
	c.Flush()
	assert.Equal(t, "7", b.SessionTabValue(tab.ID, KeyGroupID))

	got, ok := c.Tab(tab.ID)
	require.True(t, ok)
	assert.Equal(t, 7, got.GroupID)

	c.SetGroupID(tab.ID, 0)
	assert.Zero(t, c.GroupID(tab.ID))
	c.Flush()
	assert.Empty(t, b.SessionTabValue(tab.ID, KeyGroupID))
}

func TestDurableWriteFailureIsNotFatal(t *testing.T) {
	b := browsertest.New()
	tab := b.AddTab(types.Tab{WindowID: 1})
	b.FailOn("session.set", errors.New("quota"))
	c := New(b)

	c.SetGroupID(tab.ID, 3)
	c.Flush()
	assert.Equal(t, 3, c.GroupID(tab.ID), "memory stays authoritative")
	assert.Empty(t, b.SessionTabValue(tab.ID, KeyGroupID))
}

func TestWindowLinkIsBijective(t *testing.T) {
	b := browsertest.New()
	b.AddWindow(1)
	b.AddWindow(2)
	c := New(b)

	c.SetWindowGroup(1, 10)
	c.SetWindowGroup(2, 10)
	c.Flush()

	assert.Zero(t, c.WindowGroupID(1))
	assert.Equal(t, 10, c.WindowGroupID(2))
	assert.Equal(t, 2, c.GroupWindowID(10))
	assert.Empty(t, b.SessionWindowValue(1, KeyGroupID))
	assert.Equal(t, "10", b.SessionWindowValue(2, KeyGroupID))

	c.RemoveWindowGroup(2)
	c.Flush()
	assert.Zero(t, c.GroupWindowID(10))
	assert.Empty(t, b.SessionWindowValue(2, KeyGroupID))
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	b.AddWindow(1)
	b.AddWindow(2)
	t1 := b.AddTab(types.Tab{WindowID: 1, URL: "https://a"})
	t2 := b.AddTab(types.Tab{WindowID: 2, URL: "https://b"})
	require.NoError(t, b.SetTabValue(ctx, t1.ID, KeyGroupID, "4"))
	require.NoError(t, b.SetTabValue(ctx, t2.ID, KeyThumbnail, "data:png"))
	require.NoError(t, b.SetWindowValue(ctx, 1, KeyGroupID, "4"))
	require.NoError(t, b.SetWindowValue(ctx, 2, KeyGroupID, "4"))

	c := New(b)
	windows, err := b.Windows().GetAll(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Hydrate(ctx, b.AllTabs(), windows))

	assert.Equal(t, 4, c.GroupID(t1.ID))
	assert.Equal(t, "data:png", c.Thumbnail(t2.ID))
	assert.Equal(t, 1, c.GroupWindowID(4), "lowest window keeps a conflicting link")
	assert.Zero(t, c.WindowGroupID(2))
}

func TestForgetWindow(t *testing.T) {
	c := New(browsertest.New())
	c.SetTab(types.Tab{ID: 2, WindowID: 5, Index: 1, URL: "https://b"})
	c.SetTab(types.Tab{ID: 1, WindowID: 5, Index: 0, URL: "https://a"})
	c.SetTab(types.Tab{ID: 3, WindowID: 6, URL: "https://c"})
	c.SetGroupID(1, 9)
	c.SetWindowGroup(5, 9)

	tabs := c.ForgetWindow(5)
	require.Len(t, tabs, 2)
	assert.Equal(t, 1, tabs[0].ID)
	assert.Equal(t, 9, tabs[0].GroupID)
	assert.Equal(t, 2, tabs[1].ID)

	_, ok := c.Tab(1)
	assert.False(t, ok)
	assert.Zero(t, c.WindowGroupID(5))
	assert.Len(t, c.WindowTabs(6), 1)
	c.Flush()
}

func TestResetDropsPreviousSession(t *testing.T) {
	b := browsertest.New()
	c := New(b)
	c.SetTab(types.Tab{ID: 7, WindowID: 3, URL: "https://a"})
	c.SetGroupID(7, 2)
	c.SetWindowGroup(3, 2)
	c.Flush()

	c.Reset()

	_, ok := c.Tab(7)
	assert.False(t, ok)
	assert.Zero(t, c.WindowGroupID(3))
	assert.Zero(t, c.GroupWindowID(2))
	assert.Empty(t, c.Windows())
	assert.Equal(t, "2", b.SessionWindowValue(3, KeyGroupID), "durable values survive")
}
