package catchtab

import (
	"regexp"
	"strings"
	"sync"

	"github.com/lotas/tabgruppen/internal/applog"
)

// Rules compiles and memoises catch rule lists. A rule list holds one
// regular expression per line; blank lines and lines starting with # are
// ignored, invalid expressions are logged and skipped.
type Rules struct {
	mu    sync.Mutex
	cache map[string][]*regexp.Regexp
}

// NewRules returns an empty rule cache.
func NewRules() *Rules {
	return &Rules{cache: make(map[string][]*regexp.Regexp)}
}

// Compile returns the patterns of a rule list.
func (r *Rules) Compile(rules string) []*regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.cache[rules]; ok {
		return res
	}
	var res []*regexp.Regexp
	for _, line := range strings.Split(rules, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			applog.Error("catchtab.rule", err, "rule", line)
			continue
		}
		res = append(res, re)
	}
	r.cache[rules] = res
	return res
}

// Match reports whether url matches any rule of the list.
func (r *Rules) Match(rules, url string) bool {
	for _, re := range r.Compile(rules) {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}
