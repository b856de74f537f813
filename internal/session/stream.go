package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// errStreamClosed is returned when a stream closes without an end event.
var errStreamClosed = errors.New("stream closed before end")

// processStream relays one completion into msg. Text and reasoning deltas
// grow the current blocks; the end event adds the tool calls the LLM made,
// which are returned in order.
func (m *Manager) processStream(ctx context.Context, msg *types.Message, events <-chan provider.StreamEvent) ([]*types.ToolCallBlock, error) {
	var text *types.TextBlock
	var reasoning *types.ReasoningBlock

	closeBlocks := func() {
		now := types.NowMillis()
		if text != nil && text.Time.End == nil {
			text.Time.End = &now
		}
		if reasoning != nil && reasoning.Time.End == nil {
			reasoning.Time.End = &now
		}
	}

	for {
		var ev provider.StreamEvent
		var ok bool
		select {
		case <-ctx.Done():
			closeBlocks()
			return nil, ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			closeBlocks()
			return nil, &ProviderError{Err: errStreamClosed}
		}

		switch ev.Type {
		case provider.EventResponse:
			if ev.Chunk == nil {
				continue
			}
			if delta := ev.Chunk.ReasoningContent; delta != "" {
				if reasoning == nil {
					reasoning = &types.ReasoningBlock{ID: types.NewID(), Type: types.BlockReasoning, Time: startTime()}
					msg.Append(reasoning)
					if err := m.persist(ctx, msg); err != nil {
						return nil, err
					}
				}
				reasoning.Content += delta
				m.publishBlock(msg, reasoning, delta)
			}
			if delta := ev.Chunk.Content; delta != "" {
				if text == nil {
					if reasoning != nil {
						now := types.NowMillis()
						reasoning.Time.End = &now
					}
					text = &types.TextBlock{ID: types.NewID(), Type: types.BlockContent, Time: startTime()}
					msg.Append(text)
					if err := m.persist(ctx, msg); err != nil {
						return nil, err
					}
				}
				text.Content += delta
				m.publishBlock(msg, text, delta)
			}

		case provider.EventError:
			closeBlocks()
			if errors.Is(ev.Err, context.Canceled) {
				return nil, ev.Err
			}
			return nil, &ProviderError{Err: ev.Err}

		case provider.EventEnd:
			final := ev.Message
			if final == nil {
				final = &schema.Message{Role: schema.Assistant}
			}
			if text == nil && final.Content != "" {
				text = &types.TextBlock{ID: types.NewID(), Type: types.BlockContent, Content: final.Content, Time: startTime()}
				msg.Append(text)
			}
			closeBlocks()
			applyUsage(msg, final)

			var calls []*types.ToolCallBlock
			for _, tc := range final.ToolCalls {
				block := m.newToolCall(tc)
				msg.Append(block)
				calls = append(calls, block)
			}
			if err := m.persist(ctx, msg); err != nil {
				return nil, err
			}
			return calls, nil

		default:
			return nil, fmt.Errorf("unknown stream event %q", ev.Type)
		}
	}
}

func (m *Manager) newToolCall(tc schema.ToolCall) *types.ToolCallBlock {
	id := tc.ID
	if id == "" {
		id = types.NewID()
	}
	params := tc.Function.Arguments
	if params == "" {
		params = "{}"
	}
	block := &types.ToolCallBlock{
		ID:         types.NewID(),
		Type:       types.BlockToolCall,
		ToolCallID: id,
		ToolName:   tc.Function.Name,
		Params:     params,
		Status:     types.ToolCallLoading,
		Time:       startTime(),
	}

	var server, name string
	ok := false
	if m.catalog != nil {
		server, name, ok = m.catalog.Resolve(tc.Function.Name)
	}
	if !ok {
		resp := "Unknown tool: " + tc.Function.Name
		now := types.NowMillis()
		block.Status = types.ToolCallError
		block.Response = &resp
		block.Time.End = &now
		return block
	}
	block.ServerName = server
	block.ToolName = name
	return block
}

func applyUsage(msg *types.Message, final *schema.Message) {
	if final.ResponseMeta == nil || final.ResponseMeta.Usage == nil {
		return
	}
	if msg.Tokens == nil {
		msg.Tokens = &types.TokenUsage{}
	}
	u := final.ResponseMeta.Usage
	msg.Tokens.Input += u.PromptTokens
	msg.Tokens.Output += u.CompletionTokens
}

func (m *Manager) publishBlock(msg *types.Message, b types.Block, delta string) {
	m.bus.Publish(event.Event{
		Type: event.BlockUpdated,
		Data: event.BlockUpdatedData{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Block:          b,
			Delta:          delta,
		},
	})
}

func startTime() types.BlockTime {
	now := types.NowMillis()
	return types.BlockTime{Start: &now}
}
