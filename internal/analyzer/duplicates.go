// Package analyzer decides when two tabs show the same page.
package analyzer

import (
	"net/url"
	"sort"
	"strings"

	"github.com/lotas/tabgruppen/internal/types"
)

// NormalizeURL orders query parameters, lowercases the host and drops a
// trailing slash. Fragments are kept: single-page apps route with them.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		params := u.Query()
		for k := range params {
			sort.Strings(params[k])
		}
		u.RawQuery = params.Encode()
	}
	result := u.String()
	if u.Fragment == "" && strings.HasSuffix(result, "/") && result != u.Scheme+"://"+u.Host+"/" {
		result = strings.TrimRight(result, "/")
	}
	return result
}

// Key identifies equivalent tabs: the same normalized URL in the same container.
func Key(rawURL, cookieStoreID string) string {
	if cookieStoreID == "" {
		cookieStoreID = types.DefaultCookieStoreID
	}
	return cookieStoreID + " " + NormalizeURL(rawURL)
}

func TabKey(t types.Tab) string { return Key(t.URL, t.CookieStoreID) }

func RecordKey(r types.TabRecord) string { return Key(r.URL, r.CookieStoreID) }
