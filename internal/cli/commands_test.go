package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperAgent = `
id: default
name: Helper
version: "1"
model: claude-sonnet-4-5
persona: You are a helpful assistant.
tools: [notes]
`

// writeWorkspace creates a config file pointing at a catalog with one agent.
func writeWorkspace(t *testing.T) (cfgPath, root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "default.yaml"), []byte(helperAgent), 0o644))

	cfgPath = filepath.Join(dir, "tether.yaml")
	content := "catalog:\n  root: agents\n  watch: false\n" +
		"logging:\n  console: false\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, root
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestChatCommand(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	out, err := execute(t, "hello there\n\n!rewind\n/quit\nnever sent\n",
		"chat", "--config", cfgPath, "--offline", "--user", "alice")
	require.NoError(t, err)

	assert.Contains(t, out, "with default (!help for commands)")
	assert.Contains(t, out, "hello there\n")
	assert.Contains(t, out, "rewound 1 turn(s), 0 remaining")
	assert.NotContains(t, out, "never sent")
}

func TestChatUnknownAgent(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	_, err := execute(t, "", "chat", "--config", cfgPath, "--offline", "--agent", "nobody")
	assert.Error(t, err)
	chatAgent = ""
}

func TestAgentsCommands(t *testing.T) {
	cfgPath, root := writeWorkspace(t)

	out, err := execute(t, "", "agents", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "default")
	assert.Contains(t, out, "Helper")
	assert.Contains(t, out, "notes")

	out, err = execute(t, "", "agents", "validate", root)
	require.NoError(t, err)
	assert.Contains(t, out, "1 agent(s) loaded")

	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.yaml"), []byte("id: [nope"), 0o644))
	out, err = execute(t, "", "agents", "validate", root)
	assert.Error(t, err)
	assert.Contains(t, out, "skipped broken.yaml")

	_, err = execute(t, "", "agents", "list", filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestToolsCommand(t *testing.T) {
	out, err := execute(t, "", "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "clock")
	assert.Contains(t, out, "forecast")
	assert.Contains(t, out, "notes")

	out, err = execute(t, "", "tools", "notes")
	require.NoError(t, err)
	var specs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "notes", specs[0]["name"])
	assert.NotNil(t, specs[0]["parameters"])

	_, err = execute(t, "", "tools", "teleport")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	out, err := execute(t, "", "config", "show", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"busy_policy": "reject"`)

	out, err = execute(t, "", "config", "validate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	_, err = execute(t, "", "config", "show", "--config", cfgPath, "--log-level", "loud")
	assert.Error(t, err)
	logLevel = "info"
}

func TestStatusStopped(t *testing.T) {
	cfgPath, _ := writeWorkspace(t)

	out, err := execute(t, "", "status", "--config", cfgPath, "--log-level", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")

	_, err = execute(t, "", "stop", "--config", cfgPath)
	assert.ErrorContains(t, err, "not running")
}
