package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"
)

type streamHandle = *schema.StreamReader[*schema.Message]

// relay pumps an eino stream into StreamEvents. The channel always ends with
// exactly one end or error event and is then closed.
func relay(ctx context.Context, stream streamHandle) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var chunks []*schema.Message
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamEvent{Type: EventError, Err: err})
				return
			}
			if ctx.Err() != nil {
				send(StreamEvent{Type: EventError, Err: ctx.Err()})
				return
			}
			if chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
			if !send(StreamEvent{Type: EventResponse, Chunk: chunk}) {
				return
			}
		}

		final := &schema.Message{Role: schema.Assistant}
		if len(chunks) > 0 {
			merged, err := schema.ConcatMessages(chunks)
			if err != nil {
				send(StreamEvent{Type: EventError, Err: fmt.Errorf("concat stream: %w", err)})
				return
			}
			final = merged
		}
		send(StreamEvent{Type: EventEnd, Message: final})
	}()

	return out
}
