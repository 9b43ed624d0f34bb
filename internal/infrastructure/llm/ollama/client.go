// Package ollama generates session reports with a local Ollama model.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

type Options struct {
	Timeout            time.Duration
	RatePerSecond      float64
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, genModel string) *Client {
	return NewWithOptions(baseURL, genModel, Options{})
}

func NewWithOptions(baseURL, genModel string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if options.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.RatePerSecond), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
		limiter:    limiter,
	}
}

type ReportGenerator struct {
	client *Client
}

func NewReportGenerator(client *Client) *ReportGenerator {
	return &ReportGenerator{client: client}
}

func (g *ReportGenerator) Generate(ctx context.Context, req domain.ReportRequest) (domain.GeneratedReport, error) {
	if strings.TrimSpace(req.TranscriptText) == "" {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrEmptyInput, "ollama generate report", fmt.Errorf("transcript text is empty"))
	}
	if strings.TrimSpace(g.client.genModel) == "" {
		return domain.GeneratedReport{}, domain.WrapError(domain.ErrProviderUnavailable, "ollama generate report", fmt.Errorf("generation model is not configured"))
	}

	respText, err := g.client.generateJSON(ctx, prompt.ReportSystemPrompt(req.Language), prompt.ReportUserPrompt(req))
	if err != nil {
		return domain.GeneratedReport{}, err
	}
	report, err := prompt.ParseReport(respText, g.client.genModel)
	if err != nil {
		return domain.GeneratedReport{}, err
	}
	return domain.EnforceRiskContract(req.TranscriptText, report), nil
}

func (c *Client) generateJSON(ctx context.Context, system, userPrompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"system": system,
		"prompt": userPrompt,
		"stream": false,
		"format": "json",
	}
	return c.generate(ctx, reqBody)
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	call := func(callCtx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return err
			}
		}
		return c.postJSON(callCtx, "/api/generate", reqBody, &response, "generate")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama.generate", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapTemporaryIfNeeded("ollama generate", err)
	}
	return strings.TrimSpace(response.Response), nil
}
