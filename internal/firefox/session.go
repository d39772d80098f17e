// Package firefox imports tab groups from a Firefox profile's saved session.
package firefox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/types"
)

// mozlz4 header: 8-byte magic "mozLz40\x00"
var mozLz4Magic = []byte("mozLz40\x00")

// DecompressMozLz4 decompresses data in Mozilla's mozlz4 format: the magic,
// a little-endian uint32 uncompressed size, then one lz4 block.
func DecompressMozLz4(data []byte) ([]byte, error) {
	const headerSize = 12

	if len(data) < headerSize {
		return nil, fmt.Errorf("mozlz4: data too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(mozLz4Magic)], mozLz4Magic) {
		return nil, errors.New("mozlz4: invalid header magic")
	}

	dst := make([]byte, binary.LittleEndian.Uint32(data[8:12]))
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("mozlz4: decompress failed: %w", err)
	}
	return dst[:n], nil
}

type rawEntry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type rawTab struct {
	Entries       []rawEntry `json:"entries"`
	Index         int        `json:"index"`
	LastAccessed  int64      `json:"lastAccessed"`
	Image         string     `json:"image"`
	Group         string     `json:"groupId"`
	Pinned        bool       `json:"pinned"`
	UserContextID int        `json:"userContextId"`
}

type rawGroup struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type rawWindow struct {
	Tabs     []rawTab   `json:"tabs"`
	Groups   []rawGroup `json:"groups"`
	Selected int        `json:"selected"`
}

type rawSession struct {
	Windows []rawWindow `json:"windows"`
}

// ParseSession turns a session document into groups without ids. Every
// native tab group becomes a group; with loose set, the remaining unpinned
// tabs of each window become a "Window N" group too.
func ParseSession(data []byte, loose bool) ([]types.Group, error) {
	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session JSON: %w", err)
	}

	var out []types.Group
	for winIdx, window := range raw.Windows {
		byID := make(map[string]int, len(window.Groups))
		for _, rg := range window.Groups {
			byID[rg.ID] = len(out)
			out = append(out, types.Group{
				Title:     rg.Name,
				IconColor: rg.Color,
				Tabs:      []types.TabRecord{},
			})
		}
		rest := types.Group{Title: "Window " + strconv.Itoa(winIdx+1), Tabs: []types.TabRecord{}}

		for tabIdx, rt := range window.Tabs {
			rec, ok := record(rt)
			if !ok {
				continue
			}
			// selected is 1-based.
			rec.Active = tabIdx+1 == window.Selected
			if i, ok := byID[rt.Group]; ok && rt.Group != "" {
				out[i].Tabs = append(out[i].Tabs, rec)
			} else if !rt.Pinned {
				rest.Tabs = append(rest.Tabs, rec)
			}
		}
		if loose && len(rest.Tabs) > 0 {
			out = append(out, rest)
		}
	}
	return out, nil
}

// record converts the tab's current history entry.
func record(rt rawTab) (types.TabRecord, bool) {
	if len(rt.Entries) == 0 {
		return types.TabRecord{}, false
	}
	// index is 1-based; the current page is entries[index-1].
	i := rt.Index - 1
	if i < 0 || i >= len(rt.Entries) {
		i = len(rt.Entries) - 1
	}
	e := rt.Entries[i]
	if e.URL == "" || strings.HasPrefix(e.URL, "about:") {
		return types.TabRecord{}, false
	}
	rec := types.TabRecord{
		URL:          e.URL,
		Title:        e.Title,
		FavIconURL:   rt.Image,
		LastAccessed: rt.LastAccessed,
	}
	if rt.UserContextID > 0 {
		rec.CookieStoreID = "firefox-container-" + strconv.Itoa(rt.UserContextID)
	}
	return rec, true
}

// sessionFile returns the newest session file of a profile, or "".
func sessionFile(profileDir string) string {
	backupDir := filepath.Join(profileDir, "sessionstore-backups")
	for _, name := range []string{"recovery.jsonlz4", "previous.jsonlz4"} {
		p := filepath.Join(backupDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ReadSessionFile reads the profile's active session (recovery.jsonlz4),
// falling back to the last closed one (previous.jsonlz4).
func ReadSessionFile(profileDir string, loose bool) ([]types.Group, error) {
	path := sessionFile(profileDir)
	if path == "" {
		return nil, fmt.Errorf("no session file found in %s", filepath.Join(profileDir, "sessionstore-backups"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decompressed, err := DecompressMozLz4(data)
	if err != nil {
		return nil, fmt.Errorf("decompress session file: %w", err)
	}
	return ParseSession(decompressed, loose)
}

// Import appends imported as new groups with fresh ids and the user's group
// defaults. Tabs are stored as pending records and open on the first switch
// to their group. It returns the saved groups.
func Import(ctx context.Context, st *state.Store, imported []types.Group) ([]types.Group, error) {
	list, err := st.Groups(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := st.Options(ctx)
	if err != nil {
		return nil, err
	}

	added := make([]types.Group, 0, len(imported))
	for _, in := range imported {
		if len(in.Tabs) == 0 {
			continue
		}
		id, err := st.NextGroupID(ctx)
		if err != nil {
			return nil, err
		}
		g := groups.Create(id, in.Title, opts)
		if in.IconColor != "" {
			g.IconColor = in.IconColor
		}
		g.Tabs = in.Tabs
		added = append(added, g)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if _, err := st.PutGroups(ctx, append(list, added...)); err != nil {
		return nil, err
	}
	applog.Info("firefox.import", "groups", len(added))
	return added, nil
}
