package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

// HTTPStatusError is a non-2xx response from an upstream provider.
type HTTPStatusError struct {
	Provider   string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s status: %s", e.Provider, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Provider, e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// DoJSON sends req and decodes a 2xx JSON body into out.
func DoJSON(client *http.Client, req *http.Request, out any, provider, operation string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", provider, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Provider:   provider,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// RetryableStatus is the default set of transient upstream statuses.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// HTTPClassifier builds an ErrorClassifier for provider calls.
// retryable decides which upstream statuses are transient; nil means RetryableStatus.
func HTTPClassifier(retryable func(statusCode int) bool) ErrorClassifier {
	if retryable == nil {
		retryable = RetryableStatus
	}
	return func(err error) ErrorClassification {
		if err == nil {
			return ErrorClassification{}
		}
		if errors.Is(err, context.Canceled) || domain.IsPermanent(err) {
			return ErrorClassification{Retryable: false, RecordFailure: false}
		}
		if IsCircuitOpen(err) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}

		if code := StatusCode(err); code != 0 {
			if retryable(code) {
				return ErrorClassification{Retryable: true, RecordFailure: true}
			}
			return ErrorClassification{Retryable: false, RecordFailure: false}
		}

		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

// WrapProviderError maps a failed provider call onto domain error kinds.
// kindForStatus returns the kind for statuses that need a provider-specific mapping, or nil.
func WrapProviderError(operation string, err error, classify ErrorClassifier, kindForStatus func(statusCode int) error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsPermanent(err) {
		return err
	}
	if code := StatusCode(err); code != 0 && kindForStatus != nil {
		if kind := kindForStatus(code); kind != nil {
			return domain.WrapError(kind, operation, err)
		}
	}
	if classify(err).Retryable || IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
