package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentd/internal/agent"
)

// DefaultOpenAIModel is used when a request carries no model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIProvider streams completions from the OpenAI chat API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider. The API key is required.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		defaultModel: DefaultOpenAIModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete starts a streaming chat request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool-call fragments arrive indexed; arguments accumulate per index
	// until EOF or a tool_calls finish reason.
	toolCalls := make(map[int]*agent.ToolUse)
	var order []int
	var inputTokens, outputTokens int

	flushTools := func() {
		for _, i := range order {
			tc := toolCalls[i]
			if tc.ID != "" && tc.Name != "" {
				if len(tc.Input) == 0 {
					tc.Input = json.RawMessage("{}")
				}
				chunks <- &agent.CompletionChunk{ToolUse: tc}
			}
		}
		toolCalls = make(map[int]*agent.ToolUse)
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				chunks <- &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &agent.CompletionChunk{Error: wrapOpenAIError(err)}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &agent.ToolUse{}
				order = append(order, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(string(toolCalls[index].Input) + tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}

func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tu := range msg.ToolUses {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tu.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tu.Name,
						Arguments: string(tu.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case "tool":
			for _, out := range msg.ToolOutputs {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    out.Content,
					ToolCallID: out.ToolUseID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapOpenAIError surfaces the HTTP status of an API failure.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &statusError{status: apiErr.HTTPStatusCode, cause: err}
	}
	return err
}
