package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/manuscript/internal/config"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// ErrFatalAPI marks provider errors no retry can fix (bad credentials,
// exhausted quota, rejected request). It matches retry.ErrFatal.
var ErrFatalAPI = fmt.Errorf("fatal API error: %w", retry.ErrFatal)

// fatalHints catch provider messages the generic mapper leaves unknown.
var fatalHints = []string{
	"credit balance",
	"billing",
	"invalid x-api-key",
	"permission denied",
}

func errorMapperFor(provider string) *llms.ErrorMapper {
	switch provider {
	case config.ProviderOpenAI:
		return llms.OpenAIErrorMapper()
	case config.ProviderAnthropic:
		return llms.AnthropicErrorMapper()
	default:
		return llms.NewErrorMapper(provider)
	}
}

// classify normalises a provider error so retry.Classify can act on it:
// throttling and outages become retry.StatusError, hopeless failures wrap
// ErrFatalAPI, everything else passes through.
func (m *Model) classify(err error) error {
	if err == nil {
		return nil
	}
	mapper := m.errors
	if mapper == nil {
		mapper = llms.NewErrorMapper(m.provider)
	}
	return classifyProviderError(mapper, err)
}

func classifyProviderError(mapper *llms.ErrorMapper, err error) error {
	if isFatalAPIError(err) {
		return wrapFatalError(err)
	}

	mapped := mapper.WrapError(err)
	var stdErr *llms.Error
	if !errors.As(mapped, &stdErr) {
		return err
	}

	switch stdErr.Code {
	case llms.ErrCodeRateLimit:
		return &retry.StatusError{StatusCode: 429, Err: mapped}
	case llms.ErrCodeProviderUnavailable:
		return &retry.StatusError{StatusCode: 503, Err: mapped}
	case llms.ErrCodeTimeout, llms.ErrCodeCanceled:
		return mapped
	case llms.ErrCodeAuthentication,
		llms.ErrCodeQuotaExceeded,
		llms.ErrCodeInvalidRequest,
		llms.ErrCodeContentFilter,
		llms.ErrCodeTokenLimit,
		llms.ErrCodeResourceNotFound,
		llms.ErrCodeNotImplemented:
		return fmt.Errorf("%w: %w", ErrFatalAPI, mapped)
	default:
		return err
	}
}

// isFatalAPIError reports whether err can never succeed on retry.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatalAPI) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, h := range fatalHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// wrapFatalError wraps fatal errors with ErrFatalAPI and returns any other
// error unchanged.
func wrapFatalError(err error) error {
	if !isFatalAPIError(err) || errors.Is(err, ErrFatalAPI) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}
