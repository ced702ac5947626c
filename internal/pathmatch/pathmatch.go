// Package pathmatch implements Ant-style route patterns.
//
//	?   matches one character within a path segment
//	*   matches zero or more characters within a path segment
//	**  matches zero or more path segments
//
// Patterns and paths are split on "/"; empty segments are ignored, but a
// leading or trailing separator must agree between pattern and path.
package pathmatch

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	separator = "/"
	anyDirs   = "**"

	defaultCacheTTL     = 5 * time.Minute
	defaultCacheCleanup = 10 * time.Minute
)

// Matcher caches match decisions per pattern and path. Entries expire so
// that high cardinality request paths do not grow the cache without bound.
type Matcher struct {
	cache *gocache.Cache
}

func NewMatcher(ttl time.Duration) *Matcher {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Matcher{cache: gocache.New(ttl, defaultCacheCleanup)}
}

func (m *Matcher) Match(pattern, path string) bool {
	if m == nil || m.cache == nil {
		return Match(pattern, path)
	}
	key := pattern + "\x00" + path
	if cached, ok := m.cache.Get(key); ok {
		return cached.(bool)
	}
	matched := Match(pattern, path)
	m.cache.SetDefault(key, matched)
	return matched
}

func (m *Matcher) CachedEntries() int {
	if m == nil || m.cache == nil {
		return 0
	}
	return m.cache.ItemCount()
}

// Match reports whether path matches pattern in full.
func Match(pattern, path string) bool {
	if strings.HasPrefix(path, separator) != strings.HasPrefix(pattern, separator) {
		return false
	}

	pattDirs := tokenize(pattern)
	pathDirs := tokenize(path)

	pattStart, pattEnd := 0, len(pattDirs)-1
	pathStart, pathEnd := 0, len(pathDirs)-1

	for pattStart <= pattEnd && pathStart <= pathEnd {
		if pattDirs[pattStart] == anyDirs {
			break
		}
		if !matchSegment(pattDirs[pattStart], pathDirs[pathStart]) {
			return false
		}
		pattStart++
		pathStart++
	}

	if pathStart > pathEnd {
		if pattStart > pattEnd {
			return strings.HasSuffix(pattern, separator) == strings.HasSuffix(path, separator)
		}
		if pattStart == pattEnd && pattDirs[pattStart] == "*" && strings.HasSuffix(path, separator) {
			return true
		}
		return onlyAnyDirs(pattDirs[pattStart : pattEnd+1])
	}
	if pattStart > pattEnd {
		return false
	}

	for pattStart <= pattEnd && pathStart <= pathEnd {
		if pattDirs[pattEnd] == anyDirs {
			break
		}
		if !matchSegment(pattDirs[pattEnd], pathDirs[pathEnd]) {
			return false
		}
		pattEnd--
		pathEnd--
	}
	if pathStart > pathEnd {
		return onlyAnyDirs(pattDirs[pattStart : pattEnd+1])
	}

	for pattStart != pattEnd && pathStart <= pathEnd {
		next := -1
		for i := pattStart + 1; i <= pattEnd; i++ {
			if pattDirs[i] == anyDirs {
				next = i
				break
			}
		}
		if next == pattStart+1 {
			// "**/**" collapses into one.
			pattStart++
			continue
		}

		patLen := next - pattStart - 1
		strLen := pathEnd - pathStart + 1
		found := -1
	search:
		for i := 0; i <= strLen-patLen; i++ {
			for j := 0; j < patLen; j++ {
				if !matchSegment(pattDirs[pattStart+j+1], pathDirs[pathStart+i+j]) {
					continue search
				}
			}
			found = pathStart + i
			break
		}
		if found == -1 {
			return false
		}
		pattStart = next
		pathStart = found + patLen
	}

	return onlyAnyDirs(pattDirs[pattStart : pattEnd+1])
}

func onlyAnyDirs(dirs []string) bool {
	for _, dir := range dirs {
		if dir != anyDirs {
			return false
		}
	}
	return true
}

func tokenize(value string) []string {
	parts := strings.Split(value, separator)
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// matchSegment matches a single segment against a pattern made of literal
// characters, '?' and '*'.
func matchSegment(pattern, segment string) bool {
	p := []rune(pattern)
	s := []rune(segment)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case star != -1:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
