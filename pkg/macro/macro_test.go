package macro

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtalk/clawtalk/pkg/dictionary"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

func TestExpand_WebSearchSeed(t *testing.T) {
	d := dictionary.Default()
	msg, err := Expand(d, "WEBSRCH", map[string]string{"query": "nodejs", "limit": "5"})
	require.NoError(t, err)

	assert.Equal(t, wire.VerbREQ, msg.Verb)
	assert.Equal(t, "web_search", msg.Action)
	q, _ := msg.Param("q")
	assert.True(t, q.Equal(wire.String("nodejs")))
	limit, _ := msg.Param("limit")
	assert.True(t, limit.Equal(wire.Number(5)))
}

func TestExpand_CaseInsensitiveName(t *testing.T) {
	d := dictionary.Default()
	_, err := Expand(d, "websrch", map[string]string{"query": "x", "limit": "1"})
	require.NoError(t, err)
}

func TestExpand_Unknown(t *testing.T) {
	_, err := Expand(dictionary.Default(), "NOPE", nil)
	assert.True(t, errors.Is(err, ErrUnknownMacro))
}

func TestExpand_EscapesQuotedAndQuotesBare(t *testing.T) {
	d := dictionary.New()
	require.NoError(t, d.AddMacro("ECHO", dictionary.Macro{Template: `CT/1 REQ chat text="{text}" tag={tag}`}))

	msg, err := Expand(d, "ECHO", map[string]string{"text": `she said "hi" \o/`, "tag": "two words"})
	require.NoError(t, err)
	text, _ := msg.Param("text")
	assert.True(t, text.Equal(wire.String(`she said "hi" \o/`)))
	tag, _ := msg.Param("tag")
	assert.True(t, tag.Equal(wire.String("two words")))
}

func TestExpand_PlaceholderInjectionStaysInValue(t *testing.T) {
	d := dictionary.Default()
	msg, err := Expand(d, "READF", map[string]string{"path": `x" admin=true y="`})
	require.NoError(t, err)
	assert.Equal(t, []string{"path"}, msg.Params.Keys())
}

func TestExpand_MissingPlaceholdersStripped(t *testing.T) {
	d := dictionary.New()
	require.NoError(t, d.AddMacro("T", dictionary.Macro{Template: `CT/1 REQ web_search   q={query}   {extra} limit={limit}`}))
	text, err := ExpandText(d, "T", map[string]string{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, `CT/1 REQ web_search q=go limit=""`, text)
}

func TestExpand_PlaceholderNameCollidesWithLiteral(t *testing.T) {
	d := dictionary.New()
	require.NoError(t, d.AddMacro("COL", dictionary.Macro{Template: `CT/1 REQ chat text="{a} and {b}"`}))
	msg, err := Expand(d, "COL", map[string]string{"a": "{b}", "b": "B"})
	require.NoError(t, err)
	text, _ := msg.Param("text")
	assert.Equal(t, "{b} and B", text.Text())
}

func TestExpand_ParseFailureWrapsParseError(t *testing.T) {
	d := dictionary.New()
	require.NoError(t, d.AddMacro("BROKEN", dictionary.Macro{Template: `CT/1 YELL {x}`}))
	_, err := Expand(d, "BROKEN", map[string]string{"x": "a"})
	var pe *wire.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestScan(t *testing.T) {
	segs := Scan(`CT/1 REQ a q="{query} \"{lit}\"" n={n} {} {9x} {open`)
	var kinds []SegmentKind
	var names []string
	for _, s := range segs {
		kinds = append(kinds, s.Kind)
		if s.Kind == Placeholder {
			names = append(names, s.Text)
		}
	}
	assert.Equal(t, []string{"query", "lit", "n"}, names)

	var quoted []bool
	for _, s := range segs {
		if s.Kind == Placeholder {
			quoted = append(quoted, s.Quoted)
		}
	}
	assert.Equal(t, []bool{true, true, false}, quoted)
	assert.Equal(t, Literal, segs[len(segs)-1].Kind)
}

func TestParseInvocation(t *testing.T) {
	inv, ok := ParseInvocation("WEBSRCH")
	require.True(t, ok)
	assert.Equal(t, "WEBSRCH", inv.Name)
	assert.Empty(t, inv.Args)

	inv, ok = ParseInvocation(`WEBSRCH(query="node streams", limit=5)`)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"query": "node streams", "limit": "5"}, inv.Args)

	inv, ok = ParseInvocation(`<<NOTE(content="a \"quoted\" note")>>`)
	require.True(t, ok)
	assert.Equal(t, "NOTE", inv.Name)
	assert.Equal(t, `a "quoted" note`, inv.Args["content"])

	inv, ok = ParseInvocation("LSDIR()")
	require.True(t, ok)
	assert.Empty(t, inv.Args)

	for _, bad := range []string{
		"", "websrch", "WEBSRCH(", "WEBSRCH(query)", `WEBSRCH(query="open)`,
		"WEBSRCH(a=1 b=2)", "WEBSRCH(=1)", "WEBSRCH x", "hello world", "WEBSRCH(a=1,)",
	} {
		_, ok := ParseInvocation(bad)
		assert.False(t, ok, bad)
	}
}
