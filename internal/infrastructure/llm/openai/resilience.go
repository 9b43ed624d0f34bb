package openai

import (
	"net/http"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
)

var classifyOpenAIError = resilience.HTTPClassifier(func(statusCode int) bool {
	// OpenAI answers 409 while a resource is still being prepared.
	return statusCode == http.StatusConflict || resilience.RetryableStatus(statusCode)
})

func openAIStatusKind(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return domain.ErrProviderUnavailable
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return domain.ErrInvalidInput
	default:
		return nil
	}
}

func wrapProviderError(operation string, err error) error {
	return resilience.WrapProviderError(operation, err, classifyOpenAIError, openAIStatusKind)
}
