// Package openai talks to OpenAI-compatible transcription and chat endpoints.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Options struct {
	Timeout            time.Duration
	RatePerSecond      float64
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, apiKey string) *Client {
	return NewWithOptions(baseURL, apiKey, Options{})
}

func NewWithOptions(baseURL, apiKey string, options Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	var limiter *rate.Limiter
	if options.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RatePerSecond), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		limiter:    limiter,
	}
}

func (c *Client) requireKey(operation string) error {
	if c.apiKey == "" {
		return domain.WrapError(domain.ErrProviderUnavailable, operation, fmt.Errorf("OPENAI_API_KEY is not set"))
	}
	return nil
}

// do runs call through the rate limiter and the resilience executor.
func (c *Client) do(ctx context.Context, operation string, call func(context.Context) error) error {
	limited := func(callCtx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return err
			}
		}
		return call(callCtx)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, operation, limited, classifyOpenAIError)
	} else {
		err = limited(ctx)
	}
	return wrapProviderError(operation, err)
}
