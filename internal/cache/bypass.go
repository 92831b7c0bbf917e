package cache

import (
	"fmt"
	"regexp"
)

// BypassList decides whether a given model name should skip the cache
// entirely (both lookup and insert). It supports two matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: the model string is tested against a compiled regexp.
//
// A nil *BypassList is safe to call — Matches always returns false.
type BypassList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewBypassList compiles the given exact strings and regex patterns.
// Returns an error if any pattern fails to compile so misconfiguration is
// caught at startup.
func NewBypassList(exact, patterns []string) (*BypassList, error) {
	bl := &BypassList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			bl.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache bypass: invalid pattern %q: %w", p, err)
		}
		bl.patterns = append(bl.patterns, re)
	}

	return bl, nil
}

// Matches reports whether the given model name bypasses the cache.
// Exact rules are checked first (O(1)), then regex patterns in order.
func (bl *BypassList) Matches(model string) bool {
	if bl == nil {
		return false
	}
	if _, ok := bl.exact[model]; ok {
		return true
	}
	for _, re := range bl.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (bl *BypassList) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.exact) + len(bl.patterns)
}
