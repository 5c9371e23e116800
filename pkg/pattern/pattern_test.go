package pattern

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setOf(patterns ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		set[p] = struct{}{}
	}
	return set
}

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantRaw     string
		wantKind    Kind
		shouldError bool
	}{
		{name: "exact", raw: "example.com", wantRaw: "example.com", wantKind: KindExact},
		{name: "suffix wildcard", raw: "*.example.com", wantRaw: "*.example.com", wantKind: KindSuffix},
		{name: "prefix wildcard", raw: "example.*", wantRaw: "example.*", wantKind: KindPrefix},
		{name: "normalized", raw: "  ADS.Example.COM \t", wantRaw: "ads.example.com", wantKind: KindExact},
		{name: "empty", raw: "", shouldError: true},
		{name: "whitespace only", raw: "   ", shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantRaw, p.Raw)
			assert.Equal(t, tt.wantKind, p.Kind)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		query   string
		want    bool
	}{
		{"exact hit", "ads.example.com", "ads.example.com", true},
		{"exact hit with root dot", "ads.example.com", "ads.example.com.", true},
		{"exact hit mixed case", "ads.example.com", "ADS.Example.Com.", true},
		{"exact miss on subdomain", "example.com", "ads.example.com", false},
		{"exact miss", "ads.example.com", "example.com", false},
		{"suffix hit subdomain", "*.tracker.net", "sub.tracker.net", true},
		{"suffix hit deep subdomain", "*.tracker.net", "a.b.tracker.net.", true},
		{"suffix hit bare suffix", "*.tracker.net", "tracker.net", true},
		{"suffix is plain string suffix", "*.tracker.net", "eviltracker.net", true},
		{"suffix miss", "*.tracker.net", "tracker.org", false},
		{"prefix hit", "ads.*", "ads.example.com", true},
		{"prefix hit any tld", "example.*", "example.org.", true},
		{"prefix miss", "ads.*", "cdn.ads.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.query, setOf(tt.pattern)))
		})
	}
}

func TestClassifyAgreesWithPatternMatch(t *testing.T) {
	patterns := []string{"example.com", "*.tracker.net", "ads.*"}
	names := []string{"example.com", "www.example.com", "tracker.net", "x.tracker.net", "ads.foo", "foo.ads"}

	for _, raw := range patterns {
		p, err := Parse(raw)
		require.NoError(t, err)
		for _, name := range names {
			t.Run(fmt.Sprintf("%s/%s", raw, name), func(t *testing.T) {
				assert.Equal(t, p.Match(name), Classify(name, setOf(raw)))
			})
		}
	}
}

func TestClassifyIsExistential(t *testing.T) {
	// Many non-matching patterns around a single match must still block,
	// whatever order the map yields them in.
	set := setOf("*.tracker.net")
	for i := 0; i < 500; i++ {
		set[fmt.Sprintf("host%d.example.org", i)] = struct{}{}
		set[fmt.Sprintf("prefix%d.*", i)] = struct{}{}
	}

	for i := 0; i < 20; i++ {
		assert.True(t, Classify("cdn.tracker.net", set))
		assert.False(t, Classify("cdn.tracker.org", set))
	}
}

func TestClassifyEmptySet(t *testing.T) {
	assert.False(t, Classify("example.com", nil))
	assert.False(t, Classify("example.com", map[string]struct{}{}))
}

func TestStats(t *testing.T) {
	stats := Stats(setOf("a.com", "b.com", "*.c.com", "d.*"))

	assert.Equal(t, 2, stats["exact"])
	assert.Equal(t, 1, stats["suffix"])
	assert.Equal(t, 1, stats["prefix"])
	assert.Equal(t, 4, stats["total"])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "exact", KindExact.String())
	assert.Equal(t, "suffix", KindSuffix.String())
	assert.Equal(t, "prefix", KindPrefix.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func BenchmarkClassify(b *testing.B) {
	set := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		set[fmt.Sprintf("ads%d.example.com", i)] = struct{}{}
	}
	set["*.tracker.net"] = struct{}{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Classify("www.allowed.org.", set)
	}
}
