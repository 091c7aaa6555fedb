// Package ignore decides which paths the indexer tracks. It layers
// gitignore-syntax rules (https://git-scm.com/docs/gitignore) from the
// project's .gitignore files with the configured exclude patterns, and
// memoizes decisions since scans and watch events hit the same
// directories repeatedly.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// decisionCacheSize bounds the memoized match results.
const decisionCacheSize = 8192

// Matcher holds compiled ignore rules and answers match queries.
// Safe for concurrent use once built; AddPattern is not safe to call
// concurrently with Match.
type Matcher struct {
	rules []rule
	cache *lru.Cache[string, bool]
}

// rule is a single compiled pattern.
type rule struct {
	pattern  string         // original pattern text
	regex    *regexp.Regexp // compiled regex
	negation bool           // starts with !
	dirOnly  bool           // ends with /
	anchored bool           // contains / or starts with /
	base     string         // base directory for nested ignore files
}

// New creates an empty matcher.
func New() *Matcher {
	cache, _ := lru.New[string, bool](decisionCacheSize)
	return &Matcher{cache: cache}
}

// AddPattern adds a root-level pattern.
func (m *Matcher) AddPattern(pattern string) {
	m.AddPatternWithBase(pattern, "")
}

// AddPatternWithBase adds a pattern that only applies under base.
func (m *Matcher) AddPatternWithBase(pattern, base string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return
	}

	r := rule{pattern: pattern, base: base}

	if strings.HasPrefix(pattern, `\#`) || strings.HasPrefix(pattern, `\!`) {
		pattern = strings.TrimPrefix(pattern, `\`)
		r.pattern = pattern
	} else if strings.HasPrefix(pattern, "!") {
		r.negation = true
		pattern = strings.TrimPrefix(pattern, "!")
	}

	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	// A pattern with an internal slash anchors at its base:
	// "doc/frotz" means "/doc/frotz", not "**/doc/frotz".
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("^" + patternToRegex(pattern) + "$")
	m.rules = append(m.rules, r)
	m.cache.Purge()
}

// AddFromFile reads patterns from a gitignore-format file; the rules
// apply under base.
func (m *Matcher) AddFromFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPatternWithBase(scanner.Text(), base)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ignore file: %w", err)
	}
	return nil
}

// Match reports whether the path should be ignored. The last matching
// rule wins, so negations can re-include previously excluded paths.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)

	cacheKey := path
	if isDir {
		cacheKey += "/"
	}
	if ignored, ok := m.cache.Get(cacheKey); ok {
		return ignored
	}

	ignored := false
	for _, r := range m.rules {
		if matchRule(path, isDir, r) {
			ignored = !r.negation
		}
	}

	m.cache.Add(cacheKey, ignored)
	return ignored
}

// matchRule checks a path against one rule. Directory-only patterns
// also match files inside the directory: "temp/" matches "temp/file.go".
func matchRule(path string, isDir bool, r rule) bool {
	if r.base != "" {
		if !strings.HasPrefix(path, r.base+"/") && path != r.base {
			return false
		}
		if path == r.base {
			path = filepath.Base(path)
		} else {
			path = strings.TrimPrefix(path, r.base+"/")
		}
	}

	parts := strings.Split(path, "/")
	basename := parts[len(parts)-1]

	if r.anchored {
		if r.regex.MatchString(path) {
			if r.dirOnly {
				return isDir
			}
			return true
		}
		// Files under an anchored directory pattern still match.
		if r.dirOnly {
			for i := range parts[:len(parts)-1] {
				if r.regex.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.regex.MatchString(part) {
				if i == len(parts)-1 {
					return isDir
				}
				return true
			}
		}
		return false
	}

	if r.regex.MatchString(basename) || r.regex.MatchString(path) {
		return true
	}
	for _, part := range parts {
		if r.regex.MatchString(part) {
			return true
		}
	}
	return false
}

// patternToRegex converts a gitignore pattern to a regex string.
func patternToRegex(pattern string) string {
	var result strings.Builder

	i := 0
	for i < len(pattern) {
		c := pattern[i]

		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// **/ matches any number of directories
					result.WriteString("(?:.*/)?")
					i += 3
					continue
				} else if i == 0 || pattern[i-1] == '/' {
					// trailing or slash-bounded ** matches anything
					result.WriteString(".*")
					i += 2
					continue
				}
			}
			result.WriteString("[^/]*")
			i++

		case '?':
			result.WriteString("[^/]")
			i++

		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				result.WriteString(pattern[i : j+1])
				i = j + 1
			} else {
				result.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}

		case '\\':
			if i+1 < len(pattern) {
				result.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				result.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}

		case '.', '+', '^', '$', '(', ')', '{', '}', '|':
			result.WriteString(regexp.QuoteMeta(string(c)))
			i++

		default:
			result.WriteString(string(c))
			i++
		}
	}

	return result.String()
}

// ForProject builds a matcher for a project root: built-in exclusions,
// configured exclude patterns, then every .gitignore found in the tree
// (scoped to its directory).
func ForProject(rootDir string, exclude []string) (*Matcher, error) {
	m := New()

	// The data directory and VCS internals are never indexed.
	m.AddPattern(".git/")
	for _, pattern := range exclude {
		m.AddPattern(pattern)
	}

	err := filepath.WalkDir(rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			rel, relErr := filepath.Rel(rootDir, path)
			if relErr == nil && rel != "." && m.Match(filepath.ToSlash(rel), true) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}

		base, relErr := filepath.Rel(rootDir, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if base == "." {
			base = ""
		}
		return m.AddFromFile(path, filepath.ToSlash(base))
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
