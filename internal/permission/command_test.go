package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_Simple(t *testing.T) {
	commands, err := ParseCommand("ls -la")
	require.NoError(t, err)
	require.Len(t, commands, 1)

	assert.Equal(t, "ls", commands[0].Name)
	assert.Equal(t, []string{"-la"}, commands[0].Args)
	assert.Empty(t, commands[0].Subcommand)
}

func TestParseCommand_Pipeline(t *testing.T) {
	commands, err := ParseCommand("cat file.txt | grep pattern")
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, "cat", commands[0].Name)
	assert.Equal(t, "grep", commands[1].Name)
	assert.Equal(t, []string{"pattern"}, commands[1].Args)
}

func TestParseCommand_QuotesAndExpansions(t *testing.T) {
	commands, err := ParseCommand(`echo "hello" 'world' $HOME $(date)`)
	require.NoError(t, err)
	require.Len(t, commands, 2)

	assert.Equal(t, []string{"hello", "world", "$HOME", "$()"}, commands[0].Args)
	assert.Equal(t, "date", commands[1].Name)
}

func TestParseCommand_Invalid(t *testing.T) {
	_, err := ParseCommand("echo 'unterminated")
	assert.Error(t, err)
}

func TestCommandSignature(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"git commit -m 'fix bug'", "git commit"},
		{"git add . && git commit -m 'message'", "git add && git commit"},
		{"ls -la", "ls"},
		{"  npm   install   express ", "npm install"},
		{"rm -rf build; make", "rm build && make"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := CommandSignature(tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CommandSignature("   ")
	assert.Error(t, err)
}

func TestCommandFromPayload(t *testing.T) {
	cmd, err := CommandFromPayload(json.RawMessage(`{"command":"make test"}`))
	require.NoError(t, err)
	assert.Equal(t, "make test", cmd)

	cmd, err = CommandFromPayload(json.RawMessage(`"go vet ./..."`))
	require.NoError(t, err)
	assert.Equal(t, "go vet ./...", cmd)

	_, err = CommandFromPayload(json.RawMessage(`{"path":"a"}`))
	assert.Error(t, err)
	_, err = CommandFromPayload(nil)
	assert.Error(t, err)
}

func TestPathsFromPayload(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, PathsFromPayload(json.RawMessage(`{"paths":["a","b"]}`)))
	assert.Equal(t, []string{"c"}, PathsFromPayload(json.RawMessage(`{"path":"c"}`)))
	assert.Equal(t, []string{"d"}, PathsFromPayload(json.RawMessage(`["d"]`)))
	assert.Nil(t, PathsFromPayload(json.RawMessage(`42`)))
	assert.Nil(t, PathsFromPayload(nil))
}
