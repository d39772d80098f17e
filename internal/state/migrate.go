package state

import (
	"fmt"
	"strings"
)

// Data is the decoded persisted document, one entry per storage key.
type Data map[string]any

// Migration upgrades data written by versions older than Version. Migrate
// must be idempotent: running it on already-migrated data changes nothing.
type Migration struct {
	Version  Version
	Obsolete []string
	Migrate  func(Data) error
}

// CurrentVersion is the layout version this build writes.
var CurrentVersion = MustVersion("5.1.0")

var migrations = []Migration{
	{
		Version:  MustVersion("3.0.0"),
		Obsolete: []string{"windowsGroup", "enableFastGroupSwitching", "enableFavIconsForNotLoadedTabs"},
		Migrate: func(d Data) error {
			return eachGroup(d, func(g map[string]any) {
				if s, _ := g["iconColor"].(string); s == "" && g["iconUrl"] == nil {
					g["iconColor"] = "blue"
				}
			})
		},
	},
	{
		Version: MustVersion("4.0.0"),
		Migrate: func(d Data) error {
			// catchTabContainers used to be a comma separated string.
			return eachGroup(d, func(g map[string]any) {
				s, ok := g["catchTabContainers"].(string)
				if !ok {
					return
				}
				var list []any
				for _, c := range strings.Split(s, ",") {
					if c = strings.TrimSpace(c); c != "" {
						list = append(list, c)
					}
				}
				g["catchTabContainers"] = list
			})
		},
	},
	{
		Version: MustVersion("4.4.0"),
		Migrate: func(d Data) error {
			return eachGroup(d, func(g map[string]any) {
				if v, ok := g["archived"]; ok {
					if b, _ := v.(bool); b {
						g["isArchive"] = true
					}
					delete(g, "archived")
				}
			})
		},
	},
	{
		Version:  MustVersion("5.0.0"),
		Obsolete: []string{"missedTabsToRestore"},
		Migrate: func(d Data) error {
			if old, ok := d["missedTabsToRestore"].([]any); ok {
				cur, _ := d[keyBacklog].([]any)
				d[keyBacklog] = append(cur, old...)
			}
			if _, ok := d[keyBacklog]; !ok {
				d[keyBacklog] = []any{}
			}
			return nil
		},
	},
	{
		Version: MustVersion("5.1.0"),
		Migrate: func(d Data) error {
			// Every group gets an explicit tab list.
			return eachGroup(d, func(g map[string]any) {
				if g["tabs"] == nil {
					g["tabs"] = []any{}
				}
			})
		},
	},
}

// ObsoleteKeys lists every key some migration removes.
func ObsoleteKeys() []string {
	var keys []string
	for _, m := range migrations {
		keys = append(keys, m.Obsolete...)
	}
	return keys
}

// Migrate applies every step newer than from, in order, and returns the keys
// the applied steps made obsolete. The caller persists data and deletes the
// returned keys.
func Migrate(d Data, from Version) ([]string, error) {
	var removed []string
	for _, m := range migrations {
		if !from.Less(m.Version) {
			continue
		}
		if err := m.Migrate(d); err != nil {
			return nil, fmt.Errorf("migrate to %s: %w", m.Version, err)
		}
		for _, k := range m.Obsolete {
			delete(d, k)
			removed = append(removed, k)
		}
	}
	d[keyVersion] = CurrentVersion.String()
	return removed, nil
}

func eachGroup(d Data, fn func(map[string]any)) error {
	raw, ok := d[keyGroups]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("groups: unexpected %T", raw)
	}
	for _, item := range list {
		if g, ok := item.(map[string]any); ok {
			fn(g)
		}
	}
	return nil
}
