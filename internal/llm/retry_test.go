package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, 1*time.Second, p.Backoff(1, KindUpstream))
	assert.Equal(t, 2*time.Second, p.Backoff(2, KindUpstream))
	assert.Equal(t, 4*time.Second, p.Backoff(3, KindUpstream))
}

func TestBackoffCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Backoff(8, KindUpstream))
}

func TestBackoffRateLimitedDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(1, KindRateLimited))
	assert.Equal(t, 4*time.Second, p.Backoff(2, KindRateLimited))
}

func TestPricingCost(t *testing.T) {
	p := Pricing{InputPerMTok: 3.0, OutputPerMTok: 15.0}
	assert.InDelta(t, 0.003+0.015, p.Cost(1000, 1000), 1e-9)
	assert.Zero(t, Pricing{}.Cost(1000, 1000))
}

func TestFakeEmitsPromptedSections(t *testing.T) {
	f := &Fake{}
	res, err := f.Complete(context.Background(), Request{
		SystemPrompt: `Use headers "## Alpha" and "## Beta".`,
		UserMessage:  "demo",
	})
	assert.NoError(t, err)
	assert.Contains(t, res.Text, "## Alpha")
	assert.Contains(t, res.Text, "## Beta")
}
