package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/taniahq/tania/pkg/logger"
)

// chatAPI is the slice of the OpenAI client the structured client needs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// RetryConfig controls transport-level retries (429 and 5xx).
type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Attempts == 0 {
		r.Attempts = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 500 * time.Millisecond
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 5 * time.Second
	}
	return r
}

// maxCapabilityRetries bounds the learn-and-rebuild loop per completion. Each
// iteration can learn at most one capability, and there are three to learn.
const maxCapabilityRetries = 3

// Completion reports what a structured call cost and produced.
type Completion struct {
	Content string
	Model   string
	Calls   int
}

// Client issues structured-output chat completions. Requests are shaped by
// the registry's capability knowledge; parameter-rejection errors feed the
// registry and the request is rebuilt and retried.
type Client struct {
	api      chatAPI
	registry *Registry
	retry    RetryConfig
}

// NewClient creates a structured-output client over an OpenAI-compatible API.
func NewClient(api chatAPI, registry *Registry, retryCfg RetryConfig) *Client {
	return &Client{api: api, registry: registry, retry: retryCfg.withDefaults()}
}

// NewOpenAIClient builds a Client from an API key and optional base URL.
func NewOpenAIClient(apiKey, baseURL string, registry *Registry, retryCfg RetryConfig) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewClient(openai.NewClientWithConfig(cfg), registry, retryCfg)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		return code == 429 || (code >= 500 && code < 600)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}
	return false
}

// CompleteStructured runs the task's model with the given messages and decodes
// the JSON reply into out. schemaKey selects the response schema; out may be
// nil when only the raw text is wanted.
func (c *Client) CompleteStructured(ctx context.Context, task, schemaKey string, messages []openai.ChatCompletionMessage, out any) (*Completion, error) {
	cfg := c.registry.GetModelConfig(task)
	result := &Completion{Model: cfg.Model}

	for attempt := 0; ; attempt++ {
		req := c.buildRequest(cfg, schemaKey, messages)

		resp, calls, err := c.doWithRetry(ctx, req)
		result.Calls += calls
		if err != nil {
			if attempt < maxCapabilityRetries && c.registry.LearnFromError(ctx, cfg.Model, err.Error()) {
				logger.G(ctx).WithError(err).WithField("model", cfg.Model).
					Info("learned model capability from error, rebuilding request")
				continue
			}
			return result, errors.Wrapf(err, "completion failed for task %s", task)
		}

		if len(resp.Choices) == 0 {
			return result, errors.New("completion returned no choices")
		}
		result.Content = extractJSON(resp.Choices[0].Message.Content)

		if out != nil {
			if err := json.Unmarshal([]byte(result.Content), out); err != nil {
				return result, errors.Wrapf(err, "failed to decode %s output", schemaKey)
			}
		}
		return result, nil
	}
}

func (c *Client) buildRequest(cfg ModelConfig, schemaKey string, messages []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: messages,
	}

	if cfg.Temperature != nil && c.registry.SupportsCustomTemperature(cfg.Model) {
		req.Temperature = *cfg.Temperature
	}

	if cfg.MaxTokens > 0 {
		if c.registry.RequiresMaxCompletionTokens(cfg.Model) {
			req.MaxCompletionTokens = cfg.MaxTokens
		} else {
			req.MaxTokens = cfg.MaxTokens
		}
	}

	if schema := SchemaFor(schemaKey); schema != nil {
		if c.registry.SupportsJSONMode(cfg.Model) {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   schemaKey,
					Schema: schema,
					Strict: true,
				},
			}
		} else {
			// The model rejects response_format; carry the schema as an
			// instruction instead and rely on extractJSON for fencing.
			instruction := "Responde únicamente con un objeto JSON válido que cumpla este esquema:\n" + string(schema)
			req.Messages = append([]openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleSystem,
				Content: instruction,
			}}, messages...)
		}
	}

	return req
}

func (c *Client) doWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, int, error) {
	var resp openai.ChatCompletionResponse
	calls := 0

	err := retry.Do(
		func() error {
			calls++
			var apiErr error
			resp, apiErr = c.api.CreateChatCompletion(ctx, req)
			return apiErr
		},
		retry.RetryIf(isRetryableError),
		retry.Attempts(c.retry.Attempts),
		retry.Delay(c.retry.InitialDelay),
		retry.MaxDelay(c.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying chat completion")
		}),
	)
	return resp, calls, err
}

// extractJSON strips markdown code fences some models wrap JSON replies in.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// Probe actively discovers a model's capabilities with a minimal request and
// records the result. It is the only path that can promote a capability back
// to true after it was learned false.
func (c *Client) Probe(ctx context.Context, model string) (Capabilities, error) {
	trueVal, falseVal := true, false
	caps := Capabilities{
		SupportsCustomTemperature:   &trueVal,
		RequiresMaxCompletionTokens: &falseVal,
		SupportsJSONMode:            &trueVal,
	}
	if isReasoningFamily(model) {
		caps.SupportsCustomTemperature = &falseVal
		caps.RequiresMaxCompletionTokens = &trueVal
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "Responde con {\"ok\": true}"},
	}
	probeSchema := json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"],"additionalProperties":false}`)

	for attempt := 0; attempt <= maxCapabilityRetries; attempt++ {
		req := openai.ChatCompletionRequest{Model: model, Messages: messages}
		if *caps.SupportsCustomTemperature {
			req.Temperature = 0.1
		}
		if *caps.RequiresMaxCompletionTokens {
			req.MaxCompletionTokens = 16
		} else {
			req.MaxTokens = 16
		}
		if *caps.SupportsJSONMode {
			req.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   "probe",
					Schema: probeSchema,
					Strict: true,
				},
			}
		}

		_, _, err := c.doWithRetry(ctx, req)
		if err == nil {
			c.registry.SetCapabilities(ctx, model, caps)
			return caps, nil
		}

		lowered := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lowered, "temperature"):
			caps.SupportsCustomTemperature = &falseVal
		case strings.Contains(lowered, "max_tokens"):
			caps.RequiresMaxCompletionTokens = &trueVal
		case strings.Contains(lowered, "response_format") || strings.Contains(lowered, "json_schema"):
			caps.SupportsJSONMode = &falseVal
		default:
			return caps, errors.Wrapf(err, "probe failed for model %s", model)
		}
		caps.LastObservedError = err.Error()
	}
	return caps, errors.Errorf("probe for model %s did not converge", model)
}
