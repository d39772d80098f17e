package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/tabgruppen/internal/browser/browsertest"
	"github.com/lotas/tabgruppen/internal/types"
)

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2", "1.2.0", 0},
		{"4.10.0", "4.9.9", 1},
		{"v3", "4.0.0", -1},
		{"5.0.1", "5.0.0", 1},
	}
	for _, c := range cases {
		a, err := ParseVersion(c.a)
		require.NoError(t, err)
		b, err := ParseVersion(c.b)
		require.NoError(t, err)
		assert.Equal(t, c.want, a.Compare(b), "%s vs %s", c.a, c.b)
	}

	_, err := ParseVersion("1.x")
	assert.Error(t, err)
	_, err = ParseVersion("1.2.3.4")
	assert.Error(t, err)
}

func TestInitFreshStore(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	s := New(b.KV())

	migrated, err := s.Init(ctx)
	require.NoError(t, err)
	assert.False(t, migrated)

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	opts, err := s.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultOptions(), opts)
}

func TestInitMigratesOldDocument(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	require.NoError(t, b.KV().Set(ctx, map[string][]byte{
		"version":             []byte(`"2.3.1"`),
		"groups":              []byte(`[{"id":1,"title":"Work","catchTabContainers":"firefox-container-1, firefox-container-2","archived":true}]`),
		"windowsGroup":        []byte(`{"5":1}`),
		"missedTabsToRestore": []byte(`[{"url":"https://a","groupId":1}]`),
	}))

	s := New(b.KV())
	migrated, err := s.Init(ctx)
	require.NoError(t, err)
	assert.True(t, migrated)

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, []string{"firefox-container-1", "firefox-container-2"}, g.CatchTabContainers)
	assert.True(t, g.IsArchive)
	assert.Equal(t, "blue", g.IconColor)
	assert.NotNil(t, g.Tabs)

	backlog, err := s.Backlog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, 1, backlog[0].GroupID)

	raw, err := b.KV().Get(ctx, "windowsGroup", "missedTabsToRestore", "version")
	require.NoError(t, err)
	assert.NotContains(t, raw, "windowsGroup")
	assert.NotContains(t, raw, "missedTabsToRestore")
	assert.Equal(t, `"`+CurrentVersion.String()+`"`, string(raw["version"]))

	// Second run is a no-op.
	migrated, err = s.Init(ctx)
	require.NoError(t, err)
	assert.False(t, migrated)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	doc := func() Data {
		var d Data
		require.NoError(t, json.Unmarshal([]byte(`{
			"groups":[{"id":1,"catchTabContainers":"a,b","archived":false}],
			"tabsToRestore":[{"url":"https://x"}]
		}`), &d))
		return d
	}

	once := doc()
	_, err := Migrate(once, MustVersion("1.0.0"))
	require.NoError(t, err)

	twice := doc()
	_, err = Migrate(twice, MustVersion("1.0.0"))
	require.NoError(t, err)
	_, err = Migrate(twice, MustVersion("1.0.0"))
	require.NoError(t, err)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	assert.JSONEq(t, string(a), string(b))
}

func TestNextGroupIDIsMonotonic(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	s := New(b.KV())
	_, err := s.Init(ctx)
	require.NoError(t, err)

	prev := 0
	for i := 0; i < 5; i++ {
		id, err := s.NextGroupID(ctx)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}

	// A new Store over the same data (simulated restart) continues the sequence.
	id, err := New(b.KV()).NextGroupID(ctx)
	require.NoError(t, err)
	assert.Equal(t, prev+1, id)
}

func TestPutGroupsSkipsIdenticalWrite(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	s := New(b.KV())
	_, err := s.Init(ctx)
	require.NoError(t, err)

	groups := []types.Group{{ID: 1, Title: "A", Tabs: []types.TabRecord{{ID: 4, URL: "https://x"}}}}
	changed, err := s.PutGroups(ctx, groups)
	require.NoError(t, err)
	assert.True(t, changed)

	b.ResetCalls()
	changed, err = s.PutGroups(ctx, []types.Group{{ID: 1, Title: "A", Tabs: []types.TabRecord{{ID: 4, URL: "https://x"}}}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, b.CallsWith("kv.set"))
}

func TestReadRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	b := browsertest.New()
	b.FailOn("kv.get", errors.New("disk busy"))
	s := New(b.KV(), WithRetry(2, time.Millisecond))

	_, err := s.Groups(ctx)
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestReloadMarker(t *testing.T) {
	ctx := context.Background()
	s := New(browsertest.New().KV())

	reason, err := s.ReloadMarker(ctx)
	require.NoError(t, err)
	assert.Empty(t, reason)

	require.NoError(t, s.SetReloadMarker(ctx, "restore failed"))
	reason, err = s.ReloadMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, "restore failed", reason)

	require.NoError(t, s.ClearReloadMarker(ctx))
	reason, _ = s.ReloadMarker(ctx)
	assert.Empty(t, reason)
}
