package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestUsageScopeMatches(t *testing.T) {
	testCases := map[string]struct {
		scope UsageScope
		host  string
		path  string
		want  bool
	}{
		"domain any path":         {UsageScope{"example.org", Domain, ""}, "example.org", "/x/y", true},
		"domain other host":       {UsageScope{"example.org", Domain, ""}, "other.org", "/", false},
		"domain host case":        {UsageScope{"Example.ORG", Domain, ""}, "example.org", "/", true},
		"directory prefix":        {UsageScope{"example.org", Directory, "/docs/"}, "example.org", "/docs/faq.gmi", true},
		"directory bare":          {UsageScope{"example.org", Directory, "/docs/"}, "example.org", "/docs", true},
		"directory sibling":       {UsageScope{"example.org", Directory, "/docs/"}, "example.org", "/docsx", false},
		"directory other":         {UsageScope{"example.org", Directory, "/docs/"}, "example.org", "/", false},
		"page exact":              {UsageScope{"example.org", Page, "/docs/faq.gmi"}, "example.org", "/docs/faq.gmi", true},
		"page child":              {UsageScope{"example.org", Page, "/docs/"}, "example.org", "/docs/faq.gmi", false},
		"page trailing slash":     {UsageScope{"example.org", Page, "/docs/"}, "example.org", "/docs", false},
		"unknown type never hits": {UsageScope{"example.org", ScopeType(9), "/"}, "example.org", "/", false},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.scope.Matches(tc.host, tc.path))
		})
	}
}

func TestSpecificity(t *testing.T) {
	assert.Equal(t, 1, UsageScope{Type: Domain, Path: "/ignored"}.Specificity())
	assert.Equal(t, 506, UsageScope{Type: Directory, Path: "/docs/"}.Specificity())
	assert.Equal(t, 1013, UsageScope{Type: Page, Path: "/docs/faq.gmi"}.Specificity())
}

func TestSpecificityOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p1 := rapid.StringN(0, 400, -1).Draw(t, "p1").(string)
		p2 := rapid.StringN(0, 400, -1).Draw(t, "p2").(string)
		page := UsageScope{Type: Page, Path: p1}.Specificity()
		dir := UsageScope{Type: Directory, Path: p2}.Specificity()
		dom := UsageScope{Type: Domain, Path: p2}.Specificity()
		if !(dom < dir) || (len(p1) >= len(p2) && !(page > dir)) {
			t.Fatalf("bad ordering: page=%d dir=%d domain=%d", page, dir, dom)
		}
	})
}

func TestBestScope(t *testing.T) {
	now := time.Now()
	id := Identity{
		Active:    true,
		ExpiresAt: now.Add(time.Hour),
		Usages: []UsageScope{
			{"example.org", Domain, ""},
			{"example.org", Page, "/docs/faq.gmi"},
			{"example.org", Directory, "/docs/"},
		},
	}

	s, ok := id.BestScope("example.org", "/docs/faq.gmi", now)
	assert.True(t, ok)
	assert.Equal(t, Page, s.Type)

	s, ok = id.BestScope("example.org", "/docs/other.gmi", now)
	assert.True(t, ok)
	assert.Equal(t, Directory, s.Type)

	s, ok = id.BestScope("example.org", "/", now)
	assert.True(t, ok)
	assert.Equal(t, Domain, s.Type)

	_, ok = id.BestScope("example.org", "/", now.Add(2*time.Hour))
	assert.False(t, ok, "expired")

	id.Active = false
	_, ok = id.BestScope("example.org", "/", now)
	assert.False(t, ok, "inactive")
}

func TestParseScopeType(t *testing.T) {
	for _, st := range []ScopeType{Domain, Directory, Page} {
		got, err := ParseScopeType(st.String())
		assert.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseScopeType("galaxy")
	assert.Error(t, err)
}
