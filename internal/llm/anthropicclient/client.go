// Package anthropicclient implements the llm.Client interface on the
// Anthropic Go SDK.
package anthropicclient

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"stageline/internal/llm"
)

const defaultMaxTokens = 8192

type Client struct {
	client  anthropic.Client
	model   anthropic.Model
	pricing llm.Pricing
}

func New(apiKey, model string, pricing llm.Pricing) *Client {
	return &Client{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		pricing: pricing,
	}
}

func (c *Client) ModelName() string { return string(c.model) }

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Result, error) {
	userContent := req.UserMessage
	if req.Context != "" {
		userContent = req.Context + "\n\n---\n\n" + req.UserMessage
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userContent)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt, Type: "text"}}
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Result{}, llm.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Result{}, &llm.Error{Kind: llm.KindUpstream, Message: "empty completion response"}
	}
	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	tokensIn := int(resp.Usage.InputTokens)
	tokensOut := int(resp.Usage.OutputTokens)
	return llm.Result{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   c.pricing.Cost(tokensIn, tokensOut),
	}, nil
}

var _ llm.Client = (*Client)(nil)
