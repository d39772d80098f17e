package export

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/lotas/tabgruppen/internal/types"
)

type jsonExport struct {
	ExportedAt time.Time   `json:"exported_at"`
	Groups     []jsonGroup `json:"groups"`
}

type jsonGroup struct {
	ID       int       `json:"id"`
	Title    string    `json:"title"`
	Color    string    `json:"color,omitempty"`
	Archived bool      `json:"archived,omitempty"`
	Sticky   bool      `json:"sticky,omitempty"`
	Tabs     []jsonTab `json:"tabs"`
}

type jsonTab struct {
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Domain       string     `json:"domain"`
	Container    string     `json:"container,omitempty"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	Pending      bool       `json:"pending,omitempty"`
}

// JSON formats groups as a JSON document.
func JSON(groups []types.Group, now time.Time) (string, error) {
	out := jsonExport{
		ExportedAt: now,
		Groups:     make([]jsonGroup, 0, len(groups)),
	}

	for _, g := range groups {
		group := jsonGroup{
			ID:       g.ID,
			Title:    g.Title,
			Color:    g.IconColor,
			Archived: g.IsArchive,
			Sticky:   g.IsSticky,
			Tabs:     make([]jsonTab, 0, len(g.Tabs)),
		}
		for _, tab := range g.Tabs {
			jt := jsonTab{
				Title:   tab.Title,
				URL:     tab.URL,
				Domain:  extractDomain(tab.URL),
				Pending: tab.Pending(),
			}
			if tab.Container() != types.DefaultCookieStoreID {
				jt.Container = tab.CookieStoreID
			}
			if tab.LastAccessed > 0 {
				t := accessed(tab).UTC()
				jt.LastAccessed = &t
			}
			group.Tabs = append(group.Tabs, jt)
		}
		out.Groups = append(out.Groups, group)
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
