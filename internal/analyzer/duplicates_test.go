package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lotas/tabgruppen/internal/types"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://example.com/page/", "https://example.com/page"},
		{"https://example.com/page?b=2&a=1", "https://example.com/page?a=1&b=2"},
		{"https://example.com", "https://example.com"},
		{"https://Example.COM/Path", "https://example.com/Path"},
		{"https://mail.example/#inbox", "https://mail.example/#inbox"},
		{"about:newtab", "about:newtab"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeURL(tt.input), tt.input)
	}
}

func TestKeySeparatesContainers(t *testing.T) {
	plain := types.Tab{URL: "https://example.com/a/"}
	sameDefault := types.Tab{URL: "https://example.com/a", CookieStoreID: types.DefaultCookieStoreID}
	work := types.Tab{URL: "https://example.com/a", CookieStoreID: "firefox-container-1"}

	assert.Equal(t, TabKey(plain), TabKey(sameDefault))
	assert.NotEqual(t, TabKey(plain), TabKey(work))
	assert.Equal(t, TabKey(work), RecordKey(types.TabRecord{URL: "https://example.com/a", CookieStoreID: "firefox-container-1"}))
	assert.NotEqual(t, Key("https://mail.example/#inbox", ""), Key("https://mail.example/#sent", ""))
}
