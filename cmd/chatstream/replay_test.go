package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

const recorded = `
{"seq":1,"requestId":"r1","versionId":"v1","type":"block-start","index":0,"kind":"text"}
data: {"seq":2,"requestId":"r1","versionId":"v1","type":"block-delta","index":0,"text":"hel"}
{"type":"heartbeat","ts":"2026-03-01T12:00:00Z"}
{"seq":3,"requestId":"r1","versionId":"v1","type":"block-delta","index":0,"text":"lo"}
{"seq":4,"requestId":"r1","versionId":"v1","type":"block-delta","index":5,"text":"stray"}
{"seq":5,"requestId":"r1","versionId":"v1","type":"block-stop","index":0}
{"seq":6,"requestId":"r1","versionId":"v1","type":"message-complete"}
{"seq":7,"requestId":"r1","versionId":"v1","type":"session-end","reason":"done"}
`

func TestReplay(t *testing.T) {
	v, violations, err := replay(strings.NewReader(recorded))
	require.NoError(t, err)

	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, "r1", v.RequestID)
	assert.Equal(t, domain.StatusCompleted, v.Status)
	require.Len(t, v.Blocks, 1)
	assert.Equal(t, "hello", v.Blocks[0].(*domain.TextBlock).Text)

	require.Len(t, violations, 1)
	assert.Equal(t, uint64(4), violations[0].Seq)
	assert.Equal(t, 5, violations[0].Index)
}

func TestReplayBadLine(t *testing.T) {
	_, _, err := replay(strings.NewReader("{\"seq\":1}\nnot json\n"))
	require.Error(t, err)
}

func TestReplayCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(recorded), 0o600))

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"replay", path})
	require.NoError(t, root.Execute())

	var v domain.MessageVersion
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &v))
	assert.Equal(t, domain.StatusCompleted, v.Status)
	assert.Contains(t, stderr.String(), "violation:")
}

func TestSealCommand(t *testing.T) {
	t.Setenv("CHATSTREAM_CONFIG_KEY", "passphrase")

	var stdout bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetArgs([]string{"seal", "sk-test"})
	require.NoError(t, root.Execute())

	sealed := strings.TrimSpace(stdout.String())
	assert.True(t, strings.HasPrefix(sealed, "enc:v1:"))
}
