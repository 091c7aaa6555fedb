package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_BasicPatterns(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("build/")
	m.AddPattern("/secret.txt")

	assert.True(t, m.Match("debug.log", false))
	assert.True(t, m.Match("sub/debug.log", false))
	assert.True(t, m.Match("build", true))
	assert.True(t, m.Match("build/out.bin", false))
	assert.True(t, m.Match("secret.txt", false))

	assert.False(t, m.Match("sub/secret.txt", false), "anchored pattern only matches at root")
	assert.False(t, m.Match("main.go", false))
}

func TestMatcher_NegationReincludes(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("!important.log")

	assert.True(t, m.Match("debug.log", false))
	assert.False(t, m.Match("important.log", false))
}

func TestMatcher_LastRuleWins(t *testing.T) {
	m := New()
	m.AddPattern("!keep.log")
	m.AddPattern("*.log")

	// The later blanket exclusion overrides the earlier negation.
	assert.True(t, m.Match("keep.log", false))
}

func TestMatcher_DoubleStarPatterns(t *testing.T) {
	m := New()
	m.AddPattern("**/node_modules/")
	m.AddPattern("docs/**")

	assert.True(t, m.Match("node_modules", true))
	assert.True(t, m.Match("web/node_modules/lib.js", false))
	assert.True(t, m.Match("docs/guide/intro.md", false))
	assert.False(t, m.Match("src/docs.go", false))
}

func TestMatcher_BaseScopedRules(t *testing.T) {
	m := New()
	m.AddPatternWithBase("*.tmp", "sub")

	assert.True(t, m.Match("sub/x.tmp", false))
	assert.True(t, m.Match("sub/deep/x.tmp", false))
	assert.False(t, m.Match("x.tmp", false), "nested rule must not apply at root")
}

func TestMatcher_CommentsAndBlanksIgnored(t *testing.T) {
	m := New()
	m.AddPattern("# a comment")
	m.AddPattern("   ")
	m.AddPattern("")

	assert.False(t, m.Match("anything", false))
	assert.Len(t, m.rules, 0)
}

func TestMatcher_CachedDecisionInvalidatedByNewRule(t *testing.T) {
	m := New()
	require.False(t, m.Match("a.log", false))

	m.AddPattern("*.log")
	assert.True(t, m.Match("a.log", false))
}

func TestAddFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("*.o\n# comment\n!keep.o\n"), 0o644))

	m := New()
	require.NoError(t, m.AddFromFile(path, ""))

	assert.True(t, m.Match("main.o", false))
	assert.False(t, m.Match("keep.o", false))
}

func TestForProject_CollectsNestedGitignores(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.log\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", ".gitignore"), []byte("*.tmp\n"), 0o644))

	m, err := ForProject(root, []string{"dist/**"})
	require.NoError(t, err)

	assert.True(t, m.Match("app.log", false))
	assert.True(t, m.Match("sub/app.log", false))
	assert.True(t, m.Match("sub/scratch.tmp", false))
	assert.False(t, m.Match("scratch.tmp", false), "sub rule is scoped to sub/")
	assert.True(t, m.Match("dist/bundle.js", false))
	assert.True(t, m.Match(".git", true))
}

func TestPatternToRegex(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "main.py", false},
		{"ma?n.go", "main.go", true},
		{"[abc].txt", "a.txt", true},
		{"[abc].txt", "d.txt", false},
		{"a*b", "aXXb", true},
		{"file.txt", "file.txt", true},
		{"file.txt", "fileXtxt", false},
	}
	for _, tc := range cases {
		m := New()
		m.AddPattern(tc.pattern)
		assert.Equal(t, tc.match, m.Match(tc.path, false), "pattern %q vs %q", tc.pattern, tc.path)
	}
}
