package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lotas/tabgruppen/internal/analyzer"
	"github.com/lotas/tabgruppen/internal/types"
)

// DiffEntry is one tab that appears on only one side of a diff.
type DiffEntry struct {
	URL   string
	Title string
	Group string
}

// DiffResult compares two versions of the groups document.
type DiffResult struct {
	Rev           int // the older side, 0 when comparing against current
	AddedGroups   []string
	RemovedGroups []string
	Added         []DiffEntry // tabs only in the newer version
	Removed       []DiffEntry // tabs only in the older version
}

// Empty reports whether the two versions hold the same groups and tabs.
func (d *DiffResult) Empty() bool {
	return len(d.AddedGroups) == 0 && len(d.RemovedGroups) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff compares older and newer. Groups match by id and tabs by URL and
// container within their group, so a tab moved between groups shows on
// both sides.
func Diff(older, newer []types.Group) *DiffResult {
	d := &DiffResult{}
	oldTabs, oldGroups := index(older)
	newTabs, newGroups := index(newer)

	for id, title := range newGroups {
		if _, ok := oldGroups[id]; !ok {
			d.AddedGroups = append(d.AddedGroups, title)
		}
	}
	for id, title := range oldGroups {
		if _, ok := newGroups[id]; !ok {
			d.RemovedGroups = append(d.RemovedGroups, title)
		}
	}
	for k, e := range newTabs {
		if _, ok := oldTabs[k]; !ok {
			d.Added = append(d.Added, e)
		}
	}
	for k, e := range oldTabs {
		if _, ok := newTabs[k]; !ok {
			d.Removed = append(d.Removed, e)
		}
	}

	sort.Strings(d.AddedGroups)
	sort.Strings(d.RemovedGroups)
	sortEntries(d.Added)
	sortEntries(d.Removed)
	return d
}

func index(groups []types.Group) (map[string]DiffEntry, map[int]string) {
	tabs := make(map[string]DiffEntry)
	titles := make(map[int]string, len(groups))
	for _, g := range groups {
		titles[g.ID] = g.Title
		for _, r := range g.Tabs {
			tabs[fmt.Sprintf("%d|%s", g.ID, analyzer.RecordKey(r))] = DiffEntry{URL: r.URL, Title: r.Title, Group: g.Title}
		}
	}
	return tabs, titles
}

func sortEntries(es []DiffEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Group != es[j].Group {
			return es[i].Group < es[j].Group
		}
		return es[i].URL < es[j].URL
	})
}

// FormatDiff returns a human-readable string representation of a DiffResult.
func FormatDiff(d *DiffResult) string {
	var sb strings.Builder

	if d.Rev > 0 {
		fmt.Fprintf(&sb, "Diff against snapshot #%d\n", d.Rev)
	}
	fmt.Fprintf(&sb, "Groups +%d -%d  Tabs +%d -%d\n", len(d.AddedGroups), len(d.RemovedGroups), len(d.Added), len(d.Removed))

	for _, g := range d.AddedGroups {
		fmt.Fprintf(&sb, "  + group %s\n", g)
	}
	for _, g := range d.RemovedGroups {
		fmt.Fprintf(&sb, "  - group %s\n", g)
	}
	if len(d.Added) > 0 {
		sb.WriteString("\n+ Added:\n")
		for _, e := range d.Added {
			fmt.Fprintf(&sb, "  + %s [%s]\n", e.URL, e.Group)
		}
	}
	if len(d.Removed) > 0 {
		sb.WriteString("\n- Removed:\n")
		for _, e := range d.Removed {
			fmt.Fprintf(&sb, "  - %s [%s]\n", e.URL, e.Group)
		}
	}
	if d.Empty() {
		sb.WriteString("\nNo changes.\n")
	}

	return sb.String()
}
