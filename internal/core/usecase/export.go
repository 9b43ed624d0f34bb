package usecase

import (
	"context"
	"fmt"
	"io"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
)

type ExportUseCase struct {
	sessions ports.SessionService
	workbook ports.ReportWorkbook
}

func NewExportUseCase(sessions ports.SessionService, workbook ports.ReportWorkbook) *ExportUseCase {
	return &ExportUseCase{sessions: sessions, workbook: workbook}
}

// Export writes the workbook of a completed report to w.
func (uc *ExportUseCase) Export(ctx context.Context, sessionID string, w io.Writer) error {
	view, err := uc.sessions.View(ctx, sessionID)
	if err != nil {
		return err
	}
	if view.Report == nil {
		return domain.WrapError(domain.ErrReportNotFound, "export report", fmt.Errorf("session %s has no report", sessionID))
	}
	if view.Report.Status != domain.ReportCompleted {
		return domain.WrapError(domain.ErrConflict, "export report", fmt.Errorf("report status is %s", view.Report.Status))
	}
	if err := uc.workbook.Write(w, *view); err != nil {
		return fmt.Errorf("export report: %w", err)
	}
	return nil
}
