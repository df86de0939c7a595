package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Basic(t *testing.T) {
	msg, err := Parse(`CT/1 REQ web_search q="nodejs streams" limit=5 fresh=true tags=[go,"net http"]`)
	require.NoError(t, err)

	assert.Equal(t, 1, msg.Version)
	assert.Equal(t, VerbREQ, msg.Verb)
	assert.Equal(t, "web_search", msg.Action)
	assert.Equal(t, []string{"q", "limit", "fresh", "tags"}, msg.Params.Keys())

	q, _ := msg.Param("q")
	s, ok := q.Str()
	require.True(t, ok)
	assert.Equal(t, "nodejs streams", s)

	limit, _ := msg.Param("limit")
	n, ok := limit.Num()
	require.True(t, ok)
	assert.Equal(t, 5.0, n)

	fresh, _ := msg.Param("fresh")
	b, ok := fresh.Boolean()
	require.True(t, ok)
	assert.True(t, b)

	tags, _ := msg.Param("tags")
	items, ok := tags.Items()
	require.True(t, ok)
	assert.Equal(t, []string{"go", "net http"}, items)
	assert.Nil(t, msg.Payload)
}

func TestParse_RepeatedKeyOverwritesInPlace(t *testing.T) {
	msg, err := Parse(`CT/1 REQ exec a=1 b=2 a=3`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, msg.Params.Keys())
	a, _ := msg.Param("a")
	assert.True(t, a.Equal(Number(3)))
}

func TestParse_EmptyAndEscapedValues(t *testing.T) {
	msg, err := Parse(`CT/1 RES text="say \"hi\" \\ now" empty=`)
	require.NoError(t, err)
	text, _ := msg.Param("text")
	assert.True(t, text.Equal(String(`say "hi" \ now`)))
	empty, _ := msg.Param("empty")
	assert.True(t, empty.Equal(String("")))
	assert.Empty(t, msg.Action)
}

func TestParse_Payload(t *testing.T) {
	msg, err := Parse(`CT/1 RES ok=true -- {"items":[{"title":"a"}],"n":2}`)
	require.NoError(t, err)
	require.NotNil(t, msg.Payload)
	assert.Equal(t, KindStructured, msg.Payload.Kind())
	data, _ := msg.Payload.Data()
	assert.Equal(t, map[string]any{"items": []any{map[string]any{"title": "a"}}, "n": 2.0}, data)

	msg, err = Parse(`CT/1 RES -- ["x","y"]`)
	require.NoError(t, err)
	assert.Equal(t, KindList, msg.Payload.Kind())

	msg, err = Parse(`CT/1 RES -- "plain text -- with dashes"`)
	require.NoError(t, err)
	assert.True(t, msg.Payload.Equal(String("plain text -- with dashes")))
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"no prefix":        `REQ web_search`,
		"bad version":      `CT/x REQ`,
		"zero version":     `CT/0 REQ`,
		"missing verb":     `CT/1`,
		"unknown verb":     `CT/1 FETCH thing`,
		"lower verb":       `CT/1 req thing`,
		"two actions":      `CT/1 REQ a b`,
		"action late":      `CT/1 REQ k=v act`,
		"bad key":          `CT/1 REQ a 9k=v`,
		"unterminated":     `CT/1 REQ a k="open`,
		"open list":        `CT/1 REQ a k=[a,b`,
		"empty list item":  `CT/1 REQ a k=[a,,b]`,
		"stray quote":      `CT/1 REQ a k=ab"c"`,
		"empty payload":    `CT/1 RES --`,
		"bad payload json": `CT/1 RES -- {nope}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, in, pe.Input)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	inputs := []string{
		`CT/1 REQ web_search q=nodejs limit=5`,
		`CT/1 REQ file_write path=/tmp/a.txt content="line one\nline two"`,
		`CT/2 TASK refactor target="src/main.go" keep=[a,"b c",""] dry=false`,
		`CT/1 RES text="5" flag="true" raw=abc`,
		`CT/1 ERR code=timeout tool=exec elapsed=1.5 retry=true`,
		`CT/1 STATUS progress=0.42 phase=scan`,
		`CT/1 MULTI -- [{"a":1},{"b":[true,null]}]`,
		`CT/1 NOOP`,
		`CT/1 RES text="weird \\x escape" -- "tail"`,
	}
	for _, in := range inputs {
		msg, err := Parse(in)
		require.NoError(t, err, in)
		out := Serialize(msg)
		back, err := Parse(out)
		require.NoError(t, err, out)
		assert.True(t, msg.Equal(back), "round trip mismatch:\n in: %s\nout: %s", in, out)
	}
}

func TestSerialize_QuotesAmbiguousStrings(t *testing.T) {
	m := New(VerbRES, "").
		With("a", String("42")).
		With("b", String("false")).
		With("c", String("")).
		With("d", String("x=y")).
		With("e", Number(2.50)).
		With("f", List())
	assert.Equal(t, `CT/1 RES a="42" b="false" c="" d="x=y" e=2.5 f=[]`, Serialize(m))
}

func TestIsClawTalkMessage(t *testing.T) {
	assert.True(t, IsClawTalkMessage("CT/1 REQ web_search q=x"))
	assert.True(t, IsClawTalkMessage("  CT/12 NOOP"))
	assert.False(t, IsClawTalkMessage("CT/ REQ"))
	assert.False(t, IsClawTalkMessage("CT/1REQ"))
	assert.False(t, IsClawTalkMessage("CT/1 HELLO"))
	assert.False(t, IsClawTalkMessage("hello there"))
	assert.False(t, IsClawTalkMessage(""))
}

func TestParseLines(t *testing.T) {
	text := "thinking...\nCT/1 REQ web_search q=go\nCT/1 BOGUS\nCT/1 ACK\n"
	msgs := ParseLines(text)
	require.Len(t, msgs, 2)
	assert.Equal(t, VerbREQ, msgs[0].Verb)
	assert.Equal(t, VerbACK, msgs[1].Verb)
}

func TestParamsDelete(t *testing.T) {
	p := NewParams()
	p.Set("a", String("1"))
	p.Set("b", String("2"))
	p.Delete("a")
	p.Delete("missing")
	assert.Equal(t, []string{"b"}, p.Keys())
	_, ok := p.Get("a")
	assert.False(t, ok)
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "3", Number(3).Text())
	assert.Equal(t, "0.25", Number(0.25).Text())
	assert.Equal(t, "a, b", List("a", "b").Text())
	assert.Equal(t, `{"k":1}`, Structured(map[string]any{"k": 1}).Text())
	assert.True(t, String("yes").Truthy())
	assert.False(t, String("false").Truthy())
	assert.False(t, Number(0).Truthy())
}
