package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/lotas/tabgruppen/internal/types"
)

// Markdown formats groups as a markdown document. now anchors the relative
// access times.
func Markdown(groups []types.Group, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Tab groups\n")
	fmt.Fprintf(&b, "> Exported %s\n", now.Format("2006-01-02 15:04"))

	for _, g := range groups {
		n := len(g.Tabs)
		noun := "tabs"
		if n == 1 {
			noun = "tab"
		}
		fmt.Fprintf(&b, "\n## %s (%d %s)%s\n\n", g.Title, n, noun, flags(g))

		for _, tab := range g.Tabs {
			title := tab.Title
			if title == "" {
				title = tab.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)", title, tab.URL)
			if tab.LastAccessed > 0 {
				fmt.Fprintf(&b, " (%s)", relativeTime(now, accessed(tab)))
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func flags(g types.Group) string {
	var out []string
	if g.IsArchive {
		out = append(out, "archived")
	}
	if g.IsSticky {
		out = append(out, "sticky")
	}
	if len(out) == 0 {
		return ""
	}
	return " [" + strings.Join(out, ", ") + "]"
}

// accessed converts the browser's millisecond timestamp.
func accessed(r types.TabRecord) time.Time {
	return time.UnixMilli(r.LastAccessed)
}

func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
