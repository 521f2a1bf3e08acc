package tools

import (
	"path"
	"regexp"
	"strings"
	"sync"
)

var (
	globCacheMu sync.Mutex
	globCache   = map[string]*regexp.Regexp{}
)

// MatchGlob reports whether rel (slash separated, relative) matches
// pattern. Patterns without a slash match the base name; "**" spans
// directories and "{a,b}" selects alternatives.
func MatchGlob(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "**") {
		if !strings.Contains(pattern, "{") {
			ok, _ := path.Match(pattern, path.Base(rel))
			return ok
		}
		rel = path.Base(rel)
	}
	re := globRegexp(pattern)
	return re != nil && re.MatchString(rel)
}

func globRegexp(pattern string) *regexp.Regexp {
	globCacheMu.Lock()
	defer globCacheMu.Unlock()
	if re, ok := globCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		re = nil
	}
	globCache[pattern] = re
	return re
}

func globToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString("^")
	inAlt := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					sb.WriteString("(?:.*/)?")
					i += 2
				} else {
					sb.WriteString(".*")
					i++
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '{':
			inAlt = true
			sb.WriteString("(?:")
		case '}':
			if inAlt {
				inAlt = false
				sb.WriteString(")")
			} else {
				sb.WriteString(`\}`)
			}
		case ',':
			if inAlt {
				sb.WriteString("|")
			} else {
				sb.WriteString(",")
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
