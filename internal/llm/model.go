// Package llm provides the text generation model using langchaingo.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/manuscript/internal/config"
	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// Model wraps a langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	provider  string
	modelName string
	errors    *llms.ErrorMapper
	metrics   *metrics.Collector
}

// NewModel creates an LLM model based on configuration.
func NewModel(ctx context.Context, cfg config.Config, collector *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelWithLLM(model, cfg.LLMProvider, cfg.LLMModel, collector), nil
}

// NewModelWithLLM wraps an already constructed langchaingo model.
func NewModelWithLLM(model llms.Model, provider, modelName string, collector *metrics.Collector) *Model {
	return &Model{
		llm:       model,
		provider:  provider,
		modelName: modelName,
		errors:    errorMapperFor(provider),
		metrics:   collector,
	}
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// GenerateWithSystem generates text with a system prompt.
// Blank output is reported as retry.ErrEmptyPayload.
func (m *Model) GenerateWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts ...llms.CallOption) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		m.metrics.RecordTiming(metrics.OpLLMGenerate, time.Since(start))
		return "", fmt.Errorf("generate with system: %w", m.classify(err))
	}

	if len(response.Choices) == 0 {
		m.metrics.RecordTiming(metrics.OpLLMGenerate, time.Since(start))
		return "", fmt.Errorf("no response choices: %w", retry.ErrEmptyPayload)
	}

	choice := response.Choices[0]
	m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, time.Since(start),
		tokenCount(choice.GenerationInfo, "InputTokens", "PromptTokens", "input_tokens"),
		tokenCount(choice.GenerationInfo, "OutputTokens", "CompletionTokens", "output_tokens"),
	)

	if strings.TrimSpace(choice.Content) == "" {
		return "", fmt.Errorf("blank response: %w", retry.ErrEmptyPayload)
	}
	return choice.Content, nil
}

// tokenCount returns the first numeric value found under keys.
func tokenCount(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
