package permission

import (
	"strings"
)

// MatchPattern checks if a command matches a remembered pattern.
// Pattern format: "command subcommand *", "command *", "command" or "*".
func MatchPattern(pattern string, cmd ShellCommand) bool {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return false
	}

	if parts[0] == "*" && len(parts) == 1 {
		return true
	}

	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	// A bare name matches the command without arguments.
	if len(parts) == 1 {
		return len(cmd.Args) == 0
	}

	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// MatchSignature reports whether a signature (as produced by Signature)
// matches pattern. Signatures carry at most a name and a subcommand.
func MatchSignature(pattern, signature string) bool {
	if pattern == signature {
		return true
	}
	fields := strings.Fields(signature)
	if len(fields) == 0 {
		return false
	}
	cmd := ShellCommand{Name: fields[0], Args: fields[1:]}
	if len(cmd.Args) > 0 {
		cmd.Subcommand = cmd.Args[0]
	}
	return MatchPattern(pattern, cmd)
}
