package llm

import (
	"context"
	"errors"
	"io"
	"math"

	"carrytrade-qa/internal/config"
	"carrytrade-qa/internal/utils"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

const streamBuffer = 16

// OpenAIChatModel talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIChatModel struct {
	client *openai.Client
	model  string
}

var _ einoModel.BaseChatModel = (*OpenAIChatModel)(nil)

// NewOpenAIChatModel fails with config.ErrConfiguration when no API key is
// set.
func NewOpenAIChatModel(cfg config.OpenAIConfig, defaultModel string) (*OpenAIChatModel, error) {
	if err := cfg.CheckAPIKey(); err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = utils.NewHTTPClient(cfg.Timeout, cfg.DialTimeout, cfg.ResponseHeaderTimeout)

	return &OpenAIChatModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  defaultModel,
	}, nil
}

func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(messages, opts))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in chat completion response")
	}

	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream starts a streaming completion. Each received message carries one
// content delta; the reader ends with io.EOF or the upstream error.
// Cancelling ctx or closing the reader stops the upstream read.
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(messages, opts))
	if err != nil {
		return nil, err
	}

	reader, writer := schema.Pipe[*schema.Message](streamBuffer)

	go func() {
		defer stream.Close()
		defer writer.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, err)
				return
			}

			if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
				continue
			}

			if closed := writer.Send(schema.AssistantMessage(response.Choices[0].Delta.Content, nil), nil); closed {
				return
			}
		}
	}()

	return reader, nil
}

func (m *OpenAIChatModel) request(messages []*schema.Message, opts []einoModel.Option) openai.ChatCompletionRequest {
	defaultModel := m.model
	options := einoModel.GetCommonOptions(&einoModel.Options{Model: &defaultModel}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    *options.Model,
		Messages: convertMessages(messages),
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
		// 0 is dropped by omitempty and the provider would fall back to 1
		if req.Temperature == 0 {
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	return req
}

func convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		result = append(result, openai.ChatCompletionMessage{
			Role:    roleName(msg.Role),
			Content: msg.Content,
		})
	}
	return result
}

func roleName(role schema.RoleType) string {
	switch role {
	case schema.System:
		return openai.ChatMessageRoleSystem
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	case schema.User:
		return openai.ChatMessageRoleUser
	default:
		return string(role)
	}
}
