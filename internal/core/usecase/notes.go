package usecase

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

const MaxTherapistNotesLen = 10000

type NotesUseCase struct {
	sessions ports.SessionRepository
	reports  ports.ReportRepository
}

func NewNotesUseCase(sessions ports.SessionRepository, reports ports.ReportRepository) *NotesUseCase {
	return &NotesUseCase{sessions: sessions, reports: reports}
}

func (uc *NotesUseCase) UpdateNotes(ctx context.Context, sessionID, notes string) (*domain.Report, error) {
	if n := utf8.RuneCountInString(notes); n > MaxTherapistNotesLen {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update notes", fmt.Errorf("notes have %d characters, limit is %d", n, MaxTherapistNotesLen))
	}
	if _, err := uc.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("update notes: %w", err)
	}
	report, err := uc.reports.UpdateTherapistNotes(ctx, sessionID, notes)
	if err != nil {
		return nil, fmt.Errorf("update notes: %w", err)
	}
	return report, nil
}
