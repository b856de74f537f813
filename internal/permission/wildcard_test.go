package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		cmd     ShellCommand
		want    bool
	}{
		{"global", "*", ShellCommand{Name: "anything"}, true},
		{"name wildcard", "git *", ShellCommand{Name: "git", Args: []string{"push"}}, true},
		{"other name", "git *", ShellCommand{Name: "rm", Args: []string{"-rf"}}, false},
		{"subcommand", "git commit *", ShellCommand{Name: "git", Args: []string{"commit", "-m", "x"}}, true},
		{"wrong subcommand", "git commit *", ShellCommand{Name: "git", Args: []string{"push"}}, false},
		{"bare name no args", "pwd", ShellCommand{Name: "pwd"}, true},
		{"bare name with args", "ls", ShellCommand{Name: "ls", Args: []string{"-la"}}, false},
		{"exact args", "go test", ShellCommand{Name: "go", Args: []string{"test"}}, true},
		{"exact args mismatch", "go test", ShellCommand{Name: "go", Args: []string{"test", "./..."}}, false},
		{"empty pattern", "", ShellCommand{Name: "ls"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.cmd))
		})
	}
}

func TestMatchSignature(t *testing.T) {
	assert.True(t, MatchSignature("git commit", "git commit"))
	assert.True(t, MatchSignature("git *", "git commit"))
	assert.True(t, MatchSignature("git commit *", "git commit"))
	assert.False(t, MatchSignature("git push *", "git commit"))
	assert.True(t, MatchSignature("*", "rm build"))
	assert.False(t, MatchSignature("git *", ""))
}
