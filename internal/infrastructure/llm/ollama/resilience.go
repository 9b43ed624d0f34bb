package ollama

import (
	"net/http"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
)

var classifyOllamaError = resilience.HTTPClassifier(resilience.RetryableStatus)

// A missing model is permanent; everything else follows the shared classification.
func ollamaStatusKind(statusCode int) error {
	if statusCode == http.StatusNotFound {
		return domain.ErrProviderUnavailable
	}
	return nil
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	return resilience.WrapProviderError(operation, err, classifyOllamaError, ollamaStatusKind)
}
