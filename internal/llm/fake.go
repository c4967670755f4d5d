package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// quoted "## Heading" fragments inside a system prompt
var promptedHeader = regexp.MustCompile(`"##\s*([^"]+)"`)

// Fake is a deterministic offline client for local development and tests.
// It echoes the request back as markdown and emits any section headings the
// system prompt asks for, so content validation passes without a provider key.
type Fake struct {
	Model string
	// Respond overrides the canned response when set.
	Respond func(Request) (Result, error)
}

func (f *Fake) ModelName() string {
	if f.Model != "" {
		return f.Model
	}
	return "fake"
}

func (f *Fake) Complete(_ context.Context, req Request) (Result, error) {
	if f.Respond != nil {
		return f.Respond(req)
	}
	var b strings.Builder
	for _, m := range promptedHeader.FindAllStringSubmatch(req.SystemPrompt, -1) {
		fmt.Fprintf(&b, "## %s\n\nGenerated offline for: %s\n\n", m[1], req.UserMessage)
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "Generated offline for: %s\n", req.UserMessage)
	}
	text := b.String()
	return Result{Text: text, TokensIn: len(req.UserMessage) / 4, TokensOut: len(text) / 4}, nil
}

var _ Client = (*Fake)(nil)
