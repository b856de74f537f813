// Package tool defines how the resume engine invokes tools and routes calls
// to the runtime that owns them.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ApprovalArgument is the argument key under which a granted approval is
// passed to tools that asked for one.
const ApprovalArgument = "_approval"

// Call is a single tool invocation.
type Call struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Server         string          `json:"server"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	// Approval is set when a human (or a remembered grant) approved this call.
	Approval *Approval `json:"approval,omitempty"`
}

// Approval describes the access granted to a call.
type Approval struct {
	PermissionType types.PermissionType   `json:"permissionType"`
	Granted        []types.PermissionType `json:"granted,omitempty"`
}

// ArgumentsWithApproval returns the call arguments as an object with the
// approval injected under ApprovalArgument.
func (c Call) ArgumentsWithApproval() (map[string]any, error) {
	args := map[string]any{}
	if len(c.Arguments) > 0 {
		if err := json.Unmarshal(c.Arguments, &args); err != nil {
			return nil, fmt.Errorf("failed to parse arguments: %w", err)
		}
	}
	if c.Approval != nil {
		args[ApprovalArgument] = c.Approval
	}
	return args, nil
}

// Response is what a tool returned.
type Response struct {
	Content string   `json:"content"`
	IsError bool     `json:"isError,omitempty"`
	RawData *RawData `json:"rawData,omitempty"`
}

// RawData carries structured tool output the engine inspects.
type RawData struct {
	RequiresPermission bool                     `json:"requiresPermission"`
	PermissionRequest  *types.PermissionRequest `json:"permissionRequest,omitempty"`
}

// NeedsPermission reports whether the tool stopped to ask for approval.
func (r *Response) NeedsPermission() bool {
	return r != nil && r.RawData != nil && r.RawData.RequiresPermission
}

// Caller invokes tools.
type Caller interface {
	CallTool(ctx context.Context, call Call) (*Response, error)
}

// ReadinessChecker is implemented by callers whose runtime may still be
// starting up when a resume happens.
type ReadinessChecker interface {
	Ready(server string) bool
}

// Definition describes a tool offered to the LLM.
type Definition struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Lister is implemented by callers that can enumerate their tools.
type Lister interface {
	Tools() []Definition
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, call Call) (*Response, error)

// CallTool implements Caller.
func (f CallerFunc) CallTool(ctx context.Context, call Call) (*Response, error) {
	return f(ctx, call)
}
