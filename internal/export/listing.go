package export

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lotas/tabgruppen/internal/types"
)

// Browser group colour names mapped to terminal colours.
var iconColors = map[string]string{
	"blue":      "33",
	"turquoise": "44",
	"green":     "42",
	"yellow":    "220",
	"orange":    "214",
	"red":       "196",
	"pink":      "205",
	"purple":    "135",
	"toolbar":   "245",
}

var (
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
)

// Listing renders one line per group with the title in the group's colour.
func Listing(groups []types.Group) string {
	if len(groups) == 0 {
		return dimStyle.Render("no groups") + "\n"
	}
	var b strings.Builder
	for _, g := range groups {
		title := titleStyle(g.IconColor).Render(g.Title)
		fmt.Fprintf(&b, "%s %s %s", labelStyle.Render(fmt.Sprintf("%4d", g.ID)), title,
			dimStyle.Render(fmt.Sprintf("(%d tabs)", len(g.Tabs))))
		if f := flags(g); f != "" {
			b.WriteString(dimStyle.Render(f))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Backlog renders the missed-tab backlog.
func Backlog(recs []types.TabRecord) string {
	if len(recs) == 0 {
		return dimStyle.Render("backlog is empty") + "\n"
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("group %d", r.GroupID)), r.URL)
	}
	return b.String()
}

func titleStyle(color string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	if c, ok := iconColors[color]; ok {
		return s.Foreground(lipgloss.Color(c))
	}
	if strings.HasPrefix(color, "#") {
		return s.Foreground(lipgloss.Color(color))
	}
	return s
}
