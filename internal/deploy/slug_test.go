package deploy

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"feature/login":        "feature-login",
		"Feature/Login":        "feature-login",
		"fix_bug#42":           "fix-bug-42",
		"release.2024.01":      "release-2024-01",
		"branch with spaces":   "branch-with-spaces",
		"--weird--branch--":    "weird-branch",
		"///":                  "preview",
		"":                     "preview",
		"#_.":                  "preview",
		"simple":               "simple",
		"multi///slash":        "multi-slash",
		"Ünïcode-branch":       "n-code-branch",
		"UPPER_CASE_BRANCH":    "upper-case-branch",
		"trailing-dash-":       "trailing-dash",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "input %q", in)
	}
}

func TestSlugifyTruncation(t *testing.T) {
	long := strings.Repeat("a", 100)
	slug := Slugify(long)
	assert.Len(t, slug, 63)

	// Truncation must not leave a trailing hyphen.
	input := strings.Repeat("a", 62) + "/" + strings.Repeat("b", 40)
	slug = Slugify(input)
	assert.LessOrEqual(t, len(slug), 63)
	assert.False(t, strings.HasSuffix(slug, "-"))
}

func TestSlugifyAlwaysValidLabel(t *testing.T) {
	inputs := []string{
		"feature/login", "///", "", "a", "-", "_", "x/y/z#1.2.3",
		strings.Repeat("q-", 80), "日本語ブランチ", "mixedCASE_and.dots",
	}
	for _, in := range inputs {
		slug := Slugify(in)
		assert.True(t, labelPattern.MatchString(slug), "input %q -> %q", in, slug)
		assert.LessOrEqual(t, len(slug), 63)
	}
}
