package export

import (
	"strings"
	"testing"
	"time"

	"github.com/lotas/tabgruppen/internal/types"
)

func TestMarkdownGroups(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := Markdown(sampleGroups(now), now)

	for _, want := range []string{
		"# Tab groups",
		"> Exported 2026-03-01 12:00",
		"## Research (2 tabs)",
		"- [Go docs](https://go.dev/doc) (3d ago)",
		"- [https://example.com/later](https://example.com/later)\n",
		"## Old (1 tab) [archived]",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("missing %q, got:\n%s", want, result)
		}
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		if got := relativeTime(now, now.Add(-tt.ago)); got != tt.want {
			t.Errorf("relativeTime(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

func TestListingShowsFlagsAndEmptyState(t *testing.T) {
	out := Listing(sampleGroups(time.Now()))
	if !strings.Contains(out, "Research") || !strings.Contains(out, "(2 tabs)") {
		t.Errorf("unexpected listing:\n%s", out)
	}
	if !strings.Contains(out, "[archived]") {
		t.Errorf("missing archived flag:\n%s", out)
	}
	if !strings.Contains(Listing(nil), "no groups") {
		t.Error("expected empty-state text")
	}
	if !strings.Contains(Backlog([]types.TabRecord{{URL: "https://x", GroupID: 3}}), "https://x") {
		t.Error("backlog entry missing")
	}
}
