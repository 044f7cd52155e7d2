package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rendis/orca/pkg/schema"
)

// Config selects and tunes the chat completion backend.
type Config struct {
	Provider        string        `yaml:"provider" json:"provider"` // openai | azure
	BaseURL         string        `yaml:"base_url" json:"base_url"`
	APIKey          string        `yaml:"api_key" json:"api_key"`
	Model           string        `yaml:"model" json:"model"`
	AzureDeployment string        `yaml:"azure_deployment" json:"azure_deployment"`
	APIVersion      string        `yaml:"api_version" json:"api_version"`
	Temperature     float32       `yaml:"temperature" json:"temperature"`
	SystemPrompt    string        `yaml:"system_prompt" json:"system_prompt"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
}

const defaultSystemPrompt = "You translate questions into a single SQL statement for the given schema. " +
	"Reply with the statement only. If the question is plain arithmetic, reply with the arithmetic expression only."

// OpenAI is a Completer backed by the OpenAI or Azure OpenAI chat API.
type OpenAI struct {
	client  *openai.Client
	model   string
	temp    float32
	system  string
	timeout time.Duration
}

// NewOpenAI builds a client from cfg.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm api_key is required")
	}
	if cfg.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm model is required")
	}

	var cc openai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case "azure":
		if cfg.BaseURL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "azure provider requires base_url")
		}
		cc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			cc.APIVersion = cfg.APIVersion
		}
		if cfg.AzureDeployment != "" {
			deployment := cfg.AzureDeployment
			cc.AzureModelMapperFunc = func(string) string { return deployment }
		}
	case "", "openai":
		cc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			cc.BaseURL = cfg.BaseURL
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown llm provider: %s", cfg.Provider)
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cc),
		model:   cfg.Model,
		temp:    cfg.Temperature,
		system:  system,
		timeout: cfg.Timeout,
	}, nil
}

// Complete sends prompt as the user message and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeLLM, "completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyAPIError maps transport failures onto error codes: throttling and
// server errors are LLM_ERROR (retryable), other HTTP failures are not.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		return schema.NewError(schema.ErrCodeLLM, "completion failed").WithCause(err).
			WithDetails(map[string]any{"status": status})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "completion rejected with status %d", status).WithCause(err)
}

// New builds the configured Completer wrapped with retry on transient errors
// and a circuit breaker around the retries.
func New(cfg Config) (Completer, error) {
	c, err := NewOpenAI(cfg)
	if err != nil {
		return nil, err
	}
	attempts := cfg.MaxRetries + 1
	return WithBreaker(WithRetry(c, attempts, DefaultBackoff), DefaultBreakerConfig()), nil
}
