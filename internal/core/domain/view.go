package domain

import "time"

// SessionView is the read-only projection handed to presentation.
type SessionView struct {
	Session    Session     `json:"session"`
	Audio      *Audio      `json:"audio,omitempty"`
	Transcript *Transcript `json:"transcript,omitempty"`
	Report     *Report     `json:"report,omitempty"`
}

type DashboardStats struct {
	OwnerID              string                `json:"owner_id"`
	ByStatus             map[SessionStatus]int `json:"by_status"`
	Total                int                   `json:"total"`
	SessionsThisWeek     int                   `json:"sessions_this_week"`
	ReportsReadyThisWeek int                   `json:"reports_ready_this_week"`
	WeekStart            time.Time             `json:"week_start"`
}

// WeekStart returns Monday 00:00 UTC of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}
