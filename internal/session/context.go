package session

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// BuildContext converts a conversation's messages into LLM context.
//
// An assistant message is split into one assistant turn per run of text
// followed by tool calls, each followed by the tool results. Tool calls that
// have not completed are left out, as are permission and error blocks.
func BuildContext(conv *types.Conversation, messages []*types.Message) []*schema.Message {
	var out []*schema.Message
	if conv != nil && conv.System != "" {
		out = append(out, schema.SystemMessage(conv.System))
	}

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			if text := plainText(msg); text != "" {
				out = append(out, schema.UserMessage(text))
			}
		case "assistant":
			out = append(out, assistantTurns(msg)...)
		}
	}
	return out
}

func plainText(msg *types.Message) string {
	var parts []string
	for _, b := range msg.Content {
		if tb, ok := b.(*types.TextBlock); ok && tb.Content != "" {
			parts = append(parts, tb.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func assistantTurns(msg *types.Message) []*schema.Message {
	var out []*schema.Message
	var cur *schema.Message
	var results []*schema.Message

	flush := func() {
		if cur != nil && (cur.Content != "" || cur.ReasoningContent != "" || len(cur.ToolCalls) > 0) {
			out = append(out, cur)
			out = append(out, results...)
		}
		cur, results = nil, nil
	}
	turn := func() *schema.Message {
		if cur == nil {
			cur = &schema.Message{Role: schema.Assistant}
		}
		return cur
	}

	for _, b := range msg.Content {
		switch v := b.(type) {
		case *types.TextBlock:
			if cur != nil && len(cur.ToolCalls) > 0 {
				flush()
			}
			turn().Content += v.Content
		case *types.ReasoningBlock:
			if cur != nil && len(cur.ToolCalls) > 0 {
				flush()
			}
			turn().ReasoningContent += v.Content
		case *types.ToolCallBlock:
			if !v.Done() {
				continue
			}
			name := v.ToolName
			if v.ServerName != "" {
				name = tool.QualifiedName(v.ServerName, v.ToolName)
			}
			t := turn()
			t.ToolCalls = append(t.ToolCalls, schema.ToolCall{
				ID:   v.ToolCallID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      name,
					Arguments: v.Params,
				},
			})
			results = append(results, &schema.Message{
				Role:       schema.Tool,
				Content:    toolResult(v),
				ToolCallID: v.ToolCallID,
				ToolName:   name,
			})
		}
	}
	flush()
	return out
}

func toolResult(b *types.ToolCallBlock) string {
	if b.Response != nil {
		return *b.Response
	}
	if b.Status == types.ToolCallError {
		return "Tool call failed"
	}
	return ""
}
