package content

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_PartKind(t *testing.T) {
	p := Text{Text: "hello"}
	assert.Equal(t, "text", p.PartKind())
}

func TestImage_PartKind(t *testing.T) {
	p := Image{URL: "https://example.com/img.png"}
	assert.Equal(t, "image", p.PartKind())
}

func TestContent_MarshalString(t *testing.T) {
	b, err := json.Marshal(String("hi there"))
	require.NoError(t, err)
	assert.JSONEq(t, `"hi there"`, string(b))
}

func TestContent_MarshalParts(t *testing.T) {
	c := Of(Text{Text: "describe"}, Image{URL: "https://example.com/cat.png"})

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"type":"text","content":"describe"},
		{"type":"image","url":"https://example.com/cat.png"}
	]`, string(b))
}

func TestContent_UnmarshalString(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"hello"`), &c))

	assert.False(t, c.IsMultipart())
	assert.Equal(t, "hello", c.TextContent())
}

func TestContent_UnmarshalParts(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","content":"a"},{"type":"image","url":"u"},{"type":"text","content":"b"}]`), &c))

	require.True(t, c.IsMultipart())
	require.Len(t, c.Parts, 3)
	assert.Equal(t, Image{URL: "u"}, c.Parts[1])
	assert.Equal(t, "ab", c.TextContent())
}

func TestContent_UnmarshalNull(t *testing.T) {
	c := String("stale")
	require.NoError(t, json.Unmarshal([]byte(`null`), &c))
	assert.Equal(t, Content{}, c)
}

func TestContent_UnmarshalUnknownPart(t *testing.T) {
	var c Content
	err := json.Unmarshal([]byte(`[{"type":"audio"}]`), &c)
	assert.ErrorContains(t, err, "unknown type")
}

func TestContent_UnmarshalWrongShape(t *testing.T) {
	var c Content
	assert.Error(t, json.Unmarshal([]byte(`42`), &c))
}

func TestContent_EmptyPartsStayMultipart(t *testing.T) {
	b, err := json.Marshal(Of())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))
}
