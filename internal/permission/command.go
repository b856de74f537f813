package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellCommand is one simple command parsed out of a shell string.
type ShellCommand struct {
	Name       string   // Command name (e.g., "rm", "git")
	Args       []string // Command arguments
	Subcommand string   // First non-flag argument (e.g., "commit" in "git commit")
}

// ParseCommand parses a shell string into its simple commands, in order.
func ParseCommand(command string) ([]ShellCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}

	var commands []ShellCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})

	return commands, nil
}

func extractCommand(call *syntax.CallExpr) *ShellCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &ShellCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		cmd.Args = append(cmd.Args, argStr)
		if cmd.Subcommand == "" && !strings.HasPrefix(argStr, "-") {
			cmd.Subcommand = argStr
		}
	}

	return cmd
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// Signature returns the normalized form of one command: its name followed by
// its subcommand, if any.
func (c ShellCommand) Signature() string {
	if c.Subcommand != "" {
		return c.Name + " " + c.Subcommand
	}
	return c.Name
}

// CommandSignature normalizes a shell string for approval caching.
// "git commit -m 'x' && git push origin" becomes "git commit && git push".
func CommandSignature(command string) (string, error) {
	commands, err := ParseCommand(command)
	if err != nil {
		return "", err
	}
	if len(commands) == 0 {
		return "", errors.New("empty command")
	}
	parts := make([]string, 0, len(commands))
	for _, c := range commands {
		parts = append(parts, c.Signature())
	}
	return strings.Join(parts, " && "), nil
}

// CommandFromPayload extracts the shell string from a command permission
// payload. Payloads are either {"command": "..."} or a bare JSON string.
func CommandFromPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("empty payload")
	}
	var obj struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Command != "" {
		return obj.Command, nil
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil && s != "" {
		return s, nil
	}
	return "", errors.New("payload has no command")
}

// PathsFromPayload extracts target paths from a read/write/all payload.
// Accepted shapes are {"paths": [...]}, {"path": "..."} and a bare array.
func PathsFromPayload(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var obj struct {
		Paths []string `json:"paths"`
		Path  string   `json:"path"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		if obj.Path != "" {
			return append(obj.Paths, obj.Path)
		}
		return obj.Paths
	}
	var arr []string
	if err := json.Unmarshal(payload, &arr); err == nil {
		return arr
	}
	return nil
}
