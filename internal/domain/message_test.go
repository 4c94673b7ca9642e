package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksJSONTagged(t *testing.T) {
	v := MessageVersion{
		ID:     "v1",
		Status: StatusCompleted,
		Blocks: Blocks{
			&TextBlock{Index: 0, Text: "Hi"},
			&ToolBlock{Index: 1, ToolID: "t1", ToolName: "calculator", Input: json.RawMessage(`{"expression":"1+1"}`), State: ToolCompleted, Output: "2"},
		},
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"text"`)
	assert.Contains(t, string(data), `"type":"tool"`)
	assert.NotContains(t, string(data), "finishedAt")

	var got MessageVersion
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Blocks, 2)
	assert.Equal(t, BlockText, got.Blocks[0].Kind())
	tb, ok := got.Blocks[1].(*ToolBlock)
	require.True(t, ok)
	assert.Equal(t, "2", tb.Output)
	assert.JSONEq(t, `{"expression":"1+1"}`, string(tb.Input))
}

func TestBlocksUnmarshalUnknownKind(t *testing.T) {
	var bs Blocks
	assert.Error(t, json.Unmarshal([]byte(`[{"type":"image","index":0}]`), &bs))
}

func TestVersionCloneIsDeep(t *testing.T) {
	v := MessageVersion{Blocks: Blocks{&TextBlock{Index: 0, Text: "a"}}}
	c := v.Clone()
	c.Blocks[0].(*TextBlock).Text = "changed"
	assert.Equal(t, "a", v.Blocks[0].(*TextBlock).Text)
}

func TestVersionStatusTerminal(t *testing.T) {
	assert.False(t, StatusStreaming.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusAborted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
}

func TestMessageLookups(t *testing.T) {
	m := Message{Versions: []MessageVersion{
		{ID: "a", Status: StatusAborted},
		{ID: "b", Status: StatusStreaming},
	}, Selected: 1}
	assert.Equal(t, 1, m.Streaming())
	assert.Equal(t, 0, m.VersionIndex("a"))
	assert.Equal(t, -1, m.VersionIndex("zzz"))
	sel, ok := m.SelectedVersion()
	require.True(t, ok)
	assert.Equal(t, "b", sel.ID)
}

func TestBlocksSortByIndex(t *testing.T) {
	bs := Blocks{&TextBlock{Index: 3}, &ToolBlock{Index: 1}, &TextBlock{Index: 2}}
	bs.SortByIndex()
	assert.Equal(t, []int{1, 2, 3}, []int{bs[0].BlockIndex(), bs[1].BlockIndex(), bs[2].BlockIndex()})
}
