// Package openaiclient implements the llm.Client interface on the official
// OpenAI Go SDK.
package openaiclient

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"stageline/internal/llm"
)

type Client struct {
	client  openai.Client
	model   string
	pricing llm.Pricing
}

func New(apiKey, model string, pricing llm.Pricing) *Client {
	return &Client{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		pricing: pricing,
	}
}

func (c *Client) ModelName() string { return c.model }

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	userContent := req.UserMessage
	if req.Context != "" {
		userContent = req.Context + "\n\n---\n\n" + req.UserMessage
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(userContent),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Result{}, llm.Classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return llm.Result{}, &llm.Error{Kind: llm.KindUpstream, Message: "empty completion response"}
	}
	tokensIn := int(resp.Usage.PromptTokens)
	tokensOut := int(resp.Usage.CompletionTokens)
	return llm.Result{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   c.pricing.Cost(tokensIn, tokensOut),
	}, nil
}

// Stream delivers partial output through onDelta using the chat completions
// streaming API, then returns the assembled result.
func (c *Client) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Result, error) {
	userContent := req.UserMessage
	if req.Context != "" {
		userContent = req.Context + "\n\n---\n\n" + req.UserMessage
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(userContent),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return llm.Result{}, llm.Classify(err)
	}
	if len(acc.Choices) == 0 {
		return llm.Result{}, &llm.Error{Kind: llm.KindUpstream, Message: "empty streaming response"}
	}
	tokensIn := int(acc.Usage.PromptTokens)
	tokensOut := int(acc.Usage.CompletionTokens)
	return llm.Result{
		Text:      acc.Choices[0].Message.Content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   c.pricing.Cost(tokensIn, tokensOut),
	}, nil
}

var (
	_ llm.Client   = (*Client)(nil)
	_ llm.Streamer = (*Client)(nil)
)
