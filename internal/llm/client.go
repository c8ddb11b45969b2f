package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"carrytrade-qa/internal/model"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const (
	systemPromptKey = "system_prompt"
	transcriptKey   = "transcript"
)

type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one item of a completion stream. A stream is zero or more
// EventDelta followed by exactly one EventDone or EventError, unless it was
// cancelled, in which case it just ends.
type Event struct {
	Type  EventType
	Delta string
	// Reply is the concatenation of every delta, set on EventDone.
	Reply string
	Err   *Error
}

// Client sends the system prompt plus the full transcript on every turn.
type Client struct {
	chatModel einoModel.BaseChatModel
	template  prompt.ChatTemplate
	models    []string
}

// NewClient wraps chatModel. models is the list of selectable models, used
// to suggest an alternative when the requested one is unavailable.
func NewClient(chatModel einoModel.BaseChatModel, models []string) *Client {
	return &Client{
		chatModel: chatModel,
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage("{"+systemPromptKey+"}"),
			schema.MessagesPlaceholder(transcriptKey, true),
		),
		models: models,
	}
}

// BuildMessages returns [system(systemPrompt)] followed by every transcript
// message in order.
func (c *Client) BuildMessages(ctx context.Context, systemPrompt string, transcript []model.Message) ([]*schema.Message, error) {
	history := make([]*schema.Message, 0, len(transcript))
	for _, msg := range transcript {
		history = append(history, &schema.Message{
			Role:    schema.RoleType(msg.Role),
			Content: msg.Content,
		})
	}

	messages, err := c.template.Format(ctx, map[string]any{
		systemPromptKey: systemPrompt,
		transcriptKey:   history,
	})
	if err != nil {
		return nil, fmt.Errorf("format chat messages: %w", err)
	}
	return messages, nil
}

// StreamCompletion runs one completion and returns its events in arrival
// order. The channel is closed after the terminal event. Cancelling ctx
// abandons the stream: the channel closes without a terminal event.
func (c *Client) StreamCompletion(ctx context.Context, systemPrompt string, transcript []model.Message, settings model.Settings) <-chan Event {
	events := make(chan Event, streamBuffer)

	go func() {
		defer close(events)

		messages, err := c.BuildMessages(ctx, systemPrompt, transcript)
		if err != nil {
			c.fail(ctx, events, err, settings)
			return
		}

		reader, err := c.chatModel.Stream(ctx, messages,
			einoModel.WithModel(settings.Model),
			einoModel.WithTemperature(settings.Temperature),
		)
		if err != nil {
			c.fail(ctx, events, err, settings)
			return
		}
		defer reader.Close()

		var reply strings.Builder
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				c.fail(ctx, events, err, settings)
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}

			reply.WriteString(chunk.Content)
			if !send(ctx, events, Event{Type: EventDelta, Delta: chunk.Content}) {
				return
			}
		}

		send(ctx, events, Event{Type: EventDone, Reply: reply.String()})
	}()

	return events
}

func (c *Client) fail(ctx context.Context, events chan<- Event, err error, settings model.Settings) {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	classified := Classify(err)
	classified.Model = settings.Model
	if classified.Kind == KindModelUnavailable {
		classified.Suggestion = c.alternative(settings.Model)
	}
	send(ctx, events, Event{Type: EventError, Err: classified})
}

func (c *Client) alternative(current string) string {
	for _, m := range c.models {
		if m != current {
			return m
		}
	}
	return ""
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
