package whitelist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	in := `# wrappers the allocator should see
[fuzzalloc]
fun:xmalloc
fun:xcalloc
gv:alloc_table

[other_tool]
fun:ignored
`
	w, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.True(t, w.ContainsFunc("xmalloc"))
	assert.True(t, w.ContainsFunc("xcalloc"))
	assert.True(t, w.ContainsGlobal("alloc_table"))
	assert.False(t, w.ContainsFunc("ignored"))
	assert.False(t, w.ContainsFunc("alloc_table"))
	assert.Equal(t, []string{"xcalloc", "xmalloc"}, w.Funcs())
	assert.Equal(t, []string{"alloc_table"}, w.Globals())
	assert.False(t, w.Empty())
}

func TestParseIgnoresEntriesOutsideSection(t *testing.T) {
	w, err := Parse(strings.NewReader("fun:early\n[fuzzalloc]\nfun:late\n"))
	require.NoError(t, err)
	assert.False(t, w.ContainsFunc("early"))
	assert.True(t, w.ContainsFunc("late"))
}

func TestParseIgnoresUnknownCategories(t *testing.T) {
	w, err := Parse(strings.NewReader("[fuzzalloc]\nsrc:file.c\nfun:wrap\n"))
	require.NoError(t, err)
	assert.True(t, w.ContainsFunc("wrap"))
	assert.Equal(t, []string{"wrap"}, w.Funcs())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"[fuzzalloc\nfun:wrap\n",
		"[fuzzalloc]\njustaname\n",
		"[fuzzalloc]\nfun:\n",
	} {
		_, err := Parse(strings.NewReader(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestNilWhitelistMatchesNothing(t *testing.T) {
	var w *Whitelist
	assert.False(t, w.ContainsFunc("x"))
	assert.False(t, w.ContainsGlobal("x"))
	assert.True(t, w.Empty())
	assert.Nil(t, w.Funcs())
}
