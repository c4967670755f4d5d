// Package llm defines the model-client boundary: a completion call plus
// classified errors so callers can decide what is worth retrying.
package llm

import "context"

// Request is one completion call. Context carries the concatenated upstream
// artifact content; it is kept separate from the user message so providers can
// place it where their API prefers.
type Request struct {
	SystemPrompt string
	UserMessage  string
	Context      string
	MaxTokens    int
}

// Result is a successful completion.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Client is the minimal completion interface the engine depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (Result, error)
	ModelName() string
}

// Streamer is implemented by clients that can deliver partial output. onDelta
// is called with each text fragment as it arrives; the final Result carries
// the full text and usage. Callers must treat the absence of deltas as normal.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(string)) (Result, error)
}

// Pricing converts token usage to an approximate cost.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the price in USD for the given usage.
func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}
