package collab

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dotsetgreg/presenced/pkg/providers"
)

// LLMClient adapts a chat provider to the Decider, Evaluator and
// Completer capabilities with a shared per-call timeout.
type LLMClient struct {
	provider providers.LLMProvider
	model    string
	timeout  time.Duration
	options  map[string]interface{}
}

func NewLLMClient(provider providers.LLMProvider, model string, timeout time.Duration, maxTokens int, temperature float64) *LLMClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClient{
		provider: provider,
		model:    model,
		timeout:  timeout,
		options: map[string]interface{}{
			"max_tokens":  maxTokens,
			"temperature": temperature,
		},
	}
}

func (c *LLMClient) chat(ctx context.Context, messages []providers.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Chat(callCtx, messages, c.model, c.options)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp.Content, nil
}

func (c *LLMClient) Decide(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, []providers.Message{{Role: "user", Content: prompt}})
}

var likelihoodRe = regexp.MustCompile(`\d{1,3}`)

// Likelihood extracts the first integer in the reply and clamps it to
// [0,100]. A reply with no number at all counts as unavailable.
func (c *LLMClient) Likelihood(ctx context.Context, prompt string) (float64, error) {
	reply, err := c.chat(ctx, []providers.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return 0, err
	}

	match := likelihoodRe.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("%w: no numeric likelihood in reply", ErrUnavailable)
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n > 100 {
		n = 100
	}
	return float64(n), nil
}

func (c *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	return c.chat(ctx, []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}
