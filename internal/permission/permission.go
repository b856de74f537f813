// Package permission decides which paused tool calls a human decision
// resolves and records those decisions in the message transcript.
package permission

import (
	"errors"
	"fmt"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	// ErrNotFound is returned when no permission block refers to a tool call.
	ErrNotFound = errors.New("permission block not found")
	// ErrInvalidType is returned for a permission type outside the hierarchy.
	ErrInvalidType = errors.New("invalid permission type")
)

// DeniedMessage is the error outcome recorded for a denied tool call.
const DeniedMessage = "User denied the request."

// DeniedError is the outcome of a tool call whose permission was denied.
type DeniedError struct {
	ConversationID string
	MessageID      string
	ToolCallID     string
	PermissionType types.PermissionType
}

func (e *DeniedError) Error() string {
	return DeniedMessage
}

// rank orders the data-access types. command is not ranked.
func rank(t types.PermissionType) int {
	switch t {
	case types.PermissionRead:
		return 1
	case types.PermissionWrite:
		return 2
	case types.PermissionAll:
		return 3
	}
	return 0
}

// IsSufficient reports whether granting `granted` satisfies a request for
// `required`. The data-access hierarchy is all > write > read; command is
// isolated and only satisfies command.
func IsSufficient(granted, required types.PermissionType) bool {
	if granted == types.PermissionCommand || required == types.PermissionCommand {
		return granted == required
	}
	g, r := rank(granted), rank(required)
	return g > 0 && r > 0 && g >= r
}

// Implied returns every type a grant of t covers, strongest first.
func Implied(t types.PermissionType) []types.PermissionType {
	switch t {
	case types.PermissionAll:
		return []types.PermissionType{types.PermissionAll, types.PermissionWrite, types.PermissionRead}
	case types.PermissionWrite:
		return []types.PermissionType{types.PermissionWrite, types.PermissionRead}
	case types.PermissionRead:
		return []types.PermissionType{types.PermissionRead}
	case types.PermissionCommand:
		return []types.PermissionType{types.PermissionCommand}
	}
	return nil
}

// ValidateType returns ErrInvalidType for unknown types.
func ValidateType(t types.PermissionType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	return nil
}
