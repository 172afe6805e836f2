package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"consilium/pkg/llm/llmerrors"
	"consilium/pkg/logx"
)

// RetryableClient wraps an LLMClient with retry logic driven by the error
// classification in llmerrors. Each error type carries its own backoff
// schedule so rate limits back off longer than transient network blips.
type RetryableClient struct {
	client LLMClient
	logger *logx.Logger
}

// NewRetryableClient creates a retrying decorator around a raw client.
func NewRetryableClient(client LLMClient) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("llm-retry"),
	}
}

// Complete implements LLMClient with per-error-type retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var llmErr *llmerrors.Error
		if !errors.As(err, &llmErr) || !llmErr.IsRetryable() {
			return CompletionResponse{}, err
		}

		config := llmErr.GetRetryConfig()
		if attempt >= config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt+1)
		r.logger.Warn("%s error from %s, retry %d/%d in %v",
			llmErr.Type.String(), r.client.GetModelName(), attempt+1, config.MaxRetries, delay)

		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return CompletionResponse{}, fmt.Errorf("retries exhausted for %s: %w", r.client.GetModelName(), lastErr)
}

// GetModelName returns the wrapped client's model name.
func (r *RetryableClient) GetModelName() string {
	return r.client.GetModelName()
}

// calculateDelay computes the exponential backoff delay for a retry attempt.
func calculateDelay(config llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		// +/- 10% to prevent thundering herd.
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec // timing jitter, not crypto
		delay += jitter
		if delay < 0 {
			delay = config.InitialDelay
		}
	}
	return delay
}
