// Package xlsx renders a completed session report as an Excel workbook.
package xlsx

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

const (
	SheetReport     = "Report"
	SheetRiskFlags  = "Risk Flags"
	SheetPlan       = "Treatment Plan"
	SheetTranscript = "Transcript"
)

type Workbook struct{}

func New() *Workbook {
	return &Workbook{}
}

func (Workbook) Write(w io.Writer, view domain.SessionView) error {
	if view.Report == nil {
		return domain.WrapError(domain.ErrReportNotFound, "export workbook", fmt.Errorf("session %s has no report", view.Session.ID))
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetReport); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	report := view.Report
	rows := [][]any{
		{"Session", view.Session.ID},
		{"Subject", view.Session.SubjectID},
		{"Status", string(view.Session.Status)},
		{"Created", view.Session.CreatedAt.UTC().Format(time.RFC3339)},
		{"Model", report.ModelID},
		{"Summary", report.Summary},
		{"Therapist notes", report.TherapistNotes},
		{},
		{"Key points"},
	}
	for _, point := range report.KeyPoints {
		rows = append(rows, []any{"", point})
	}
	if err := writeRows(f, SheetReport, rows); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetReport, "A1", fmt.Sprintf("A%d", len(rows)), bold); err != nil {
		return fmt.Errorf("style report sheet: %w", err)
	}
	_ = f.SetColWidth(SheetReport, "A", "A", 18)
	_ = f.SetColWidth(SheetReport, "B", "B", 100)

	flagRows := [][]any{{"Category", "Severity", "Note"}}
	for _, flag := range report.RiskFlags {
		flagRows = append(flagRows, []any{flag.Category, string(flag.Severity), flag.Note})
	}
	if err := addSheet(f, SheetRiskFlags, flagRows, bold); err != nil {
		return err
	}

	planRows := [][]any{{"#", "Step"}}
	for i, step := range report.TreatmentPlan {
		planRows = append(planRows, []any{i + 1, step})
	}
	if err := addSheet(f, SheetPlan, planRows, bold); err != nil {
		return err
	}

	if view.Transcript != nil {
		transcriptRows := [][]any{
			{"Language", view.Transcript.Language},
			{"Words", view.Transcript.WordCount},
			{"Text", view.Transcript.Text()},
		}
		if err := addSheet(f, SheetTranscript, transcriptRows, bold); err != nil {
			return err
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func addSheet(f *excelize.File, name string, rows [][]any, headerStyle int) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	if err := writeRows(f, name, rows); err != nil {
		return err
	}
	if err := f.SetRowStyle(name, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("style sheet %s: %w", name, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return fmt.Errorf("cell name: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}
