package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/session-pipeline/internal/bootstrap"
	"github.com/kirillkom/session-pipeline/internal/core/domain"
)

var statusOrder = []domain.SessionStatus{
	domain.SessionEmpty,
	domain.SessionRecorded,
	domain.SessionTranscribing,
	domain.SessionAnalyzing,
	domain.SessionCompleted,
	domain.SessionFailed,
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				stats, err := app.SessionUC.StatusCounts(cmd.Context(), owner)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, stats)
				}
				rows := make([][]string, 0, len(statusOrder)+1)
				for _, status := range statusOrder {
					rows = append(rows, []string{string(status), strconv.Itoa(stats.ByStatus[status])})
				}
				rows = append(rows, []string{"total", strconv.Itoa(stats.Total)})
				out := cmd.OutOrStdout()
				printLine(out, "%s", renderTable([]string{"Status", "Sessions"}, rows, []columnAlignment{alignLeft, alignRight}))
				printLine(out, "Week of %s: %d sessions created, %d reports ready",
					stats.WeekStart.Format("2006-01-02"), stats.SessionsThisWeek, stats.ReportsReadyThisWeek)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Limit counts to one owner")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its audio, transcript and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				view, err := app.SessionUC.View(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, view)
				}
				printLine(cmd.OutOrStdout(), "%s", renderTable([]string{"Field", "Value"}, viewRows(view), nil))
				return nil
			})
		},
	}
}

func viewRows(view *domain.SessionView) [][]string {
	s := view.Session
	rows := [][]string{
		{"session", s.ID},
		{"owner", s.OwnerID},
		{"subject", s.SubjectID},
		{"status", string(s.Status)},
		{"updated", s.UpdatedAt.Format(time.RFC3339)},
	}
	if s.Status == domain.SessionFailed {
		rows = append(rows,
			[]string{"error stage", string(s.LastErrorStage)},
			[]string{"error", s.LastErrorMessage},
		)
	}
	if view.Audio != nil {
		rows = append(rows,
			[]string{"audio", view.Audio.Filename},
			[]string{"audio bytes", strconv.FormatInt(view.Audio.SizeBytes, 10)},
		)
	} else {
		rows = append(rows, []string{"audio", "-"})
	}
	if view.Transcript != nil {
		rows = append(rows,
			[]string{"transcript", string(view.Transcript.Status)},
			[]string{"language", view.Transcript.Language},
			[]string{"words", strconv.Itoa(view.Transcript.WordCount)},
		)
	} else {
		rows = append(rows, []string{"transcript", "-"})
	}
	if view.Report != nil {
		rows = append(rows,
			[]string{"report", string(view.Report.Status)},
			[]string{"risk flags", strconv.Itoa(len(view.Report.RiskFlags))},
		)
		if view.Report.ModelID != "" {
			rows = append(rows, []string{"model", view.Report.ModelID})
		}
	} else {
		rows = append(rows, []string{"report", "-"})
	}
	return rows
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "requeue <transcription|report> <session-id>",
		Short:     "Enqueue one stage for a session",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(domain.StageTranscription), string(domain.StageReport)},
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := domain.ParseStage(strings.ToLower(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				if err := app.RecoveryUC.Requeue(cmd.Context(), stage, args[1]); err != nil {
					return err
				}
				printLine(cmd.OutOrStdout(), "Queued %s for session %s", stage, args[1])
				return nil
			})
		},
	}
}

func newReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Re-enqueue sessions stuck in transcribing or analyzing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				tasks, err := app.RecoveryUC.Reclaim(cmd.Context(), olderThan, limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput {
					return writeJSON(cmd, tasks)
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					printLine(out, "No sessions older than %s to reclaim", olderThan)
					return nil
				}
				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{task.SessionID, string(task.Stage)})
				}
				printLine(out, "%s", renderTable([]string{"Session", "Stage"}, rows, nil))
				printLine(out, "Reclaimed %d sessions", len(tasks))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Minimum time since the last status change")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum sessions to reclaim")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write the completed report workbook to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			path := strings.TrimSpace(output)
			if path == "" {
				path = fmt.Sprintf("session_%s_report.xlsx", sessionID)
			}
			return ctx.withApp(cmd.Context(), func(app *bootstrap.App) error {
				file, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create %s: %w", path, err)
				}
				if err := app.ExportUC.Export(cmd.Context(), sessionID, file); err != nil {
					_ = file.Close()
					_ = os.Remove(path)
					return err
				}
				if err := file.Close(); err != nil {
					return fmt.Errorf("close %s: %w", path, err)
				}
				printLine(cmd.OutOrStdout(), "Wrote %s", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default session_<id>_report.xlsx)")
	return cmd
}
