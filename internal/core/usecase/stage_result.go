package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

const markFailedTimeout = 10 * time.Second

func skipped(result domain.StageResult, reason string) domain.StageResult {
	result.Skipped = true
	result.Reason = reason
	return result
}

func failed(result domain.StageResult, reason string, err error) domain.StageResult {
	result.Reason = reason
	result.Retryable = false
	result.Err = err
	return result
}

// retryOrFail reports an infrastructure error as retryable until the budget is spent.
func retryOrFail(result domain.StageResult, attempt domain.Attempt, reason string, err error) domain.StageResult {
	result.Reason = reason
	result.Err = err
	result.Retryable = !attempt.IsFinal() && !domain.IsPermanent(err)
	return result
}

// failStage reports an infrastructure error and, once no retry is left, marks the session
// failed at stage so reclaim does not pick it up again.
func failStage(ctx context.Context, sessions ports.SessionRepository, stage domain.ErrorStage, result domain.StageResult, attempt domain.Attempt, reason string, err error) domain.StageResult {
	result = retryOrFail(result, attempt, reason, err)
	if result.Retryable {
		return result
	}
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()
	if markErr := sessions.MarkSessionFailed(markCtx, result.SessionID, stage, err.Error()); markErr != nil {
		result.Err = fmt.Errorf("%w; mark session failed: %v", err, markErr)
	}
	return result
}

func failureReason(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrProviderUnavailable):
		return domain.ReasonProviderUnavailable
	case domain.IsKind(err, domain.ErrEmptyInput):
		return domain.ReasonEmptyInput
	case domain.IsKind(err, domain.ErrMalformedOutput):
		return domain.ReasonMalformedOutput
	default:
		return domain.ReasonProviderError
	}
}
