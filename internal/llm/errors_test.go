package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		err  string
		kind Kind
	}{
		{"request failed, status code: 429", KindRateLimited},
		{"request failed, status code: 400", KindInvalid},
		{"request failed, status code: 401", KindInvalid},
		{"request failed, status code: 422", KindInvalid},
		{"request failed, status code: 500", KindUpstream},
		{"request failed, status code: 529", KindUpstream},
		{"upstream http 503 service unavailable", KindUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.err, func(t *testing.T) {
			got := Classify(fmt.Errorf("%s", tc.err))
			assert.Equal(t, tc.kind, got.Kind)
		})
	}
}

func TestClassifyTextHeuristics(t *testing.T) {
	assert.Equal(t, KindRateLimited, Classify(errors.New("quota exceeded for model")).Kind)
	assert.Equal(t, KindTimeout, Classify(errors.New("client timeout waiting for response")).Kind)
	assert.Equal(t, KindUpstream, Classify(errors.New("connection reset by peer")).Kind)
	assert.Equal(t, KindInvalid, Classify(errors.New("invalid api key provided")).Kind)
	assert.Equal(t, KindUpstream, Classify(errors.New("something odd happened")).Kind)
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindTimeout, Classify(context.Canceled).Kind)
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: KindRateLimited, StatusCode: 429}
	wrapped := fmt.Errorf("call failed: %w", orig)
	assert.Same(t, orig, Classify(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, (&Error{Kind: KindRateLimited}).Retryable())
	assert.True(t, (&Error{Kind: KindTimeout}).Retryable())
	assert.True(t, (&Error{Kind: KindUpstream}).Retryable())
	assert.False(t, (&Error{Kind: KindInvalid}).Retryable())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUpstream, KindOf(errors.New("mystery")))
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &Error{Kind: KindInvalid})
	assert.True(t, IsKind(err, KindInvalid))
	assert.False(t, IsKind(err, KindRateLimited))
	assert.False(t, IsKind(errors.New("plain"), KindInvalid))
}
