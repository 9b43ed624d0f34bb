package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
	"github.com/kirillkom/session-pipeline/internal/observability/metrics"
)

const (
	defaultUploadMaxBytes   = 200 << 20
	multipartMemoryBytes    = 8 << 20
	xlsxContentType         = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	defaultBackpressureWait = 250 * time.Millisecond
)

var errUploadTooLarge = errors.New("upload too large")

type Options struct {
	ServiceName      string
	UploadMaxBytes   int64
	RateLimitRPS     float64
	RateLimitBurst   int
	MaxInFlight      int
	BackpressureWait time.Duration
	Metrics          *metrics.HTTPServerMetrics
}

type Router struct {
	sessions ports.SessionService
	audio    ports.AudioIngestor
	notes    ports.ReportNotesEditor
	exporter ports.ReportExporter
	opts     Options
}

func NewRouter(
	sessions ports.SessionService,
	audio ports.AudioIngestor,
	notes ports.ReportNotesEditor,
	exporter ports.ReportExporter,
	opts Options,
) *Router {
	if opts.ServiceName == "" {
		opts.ServiceName = "api"
	}
	if opts.UploadMaxBytes <= 0 {
		opts.UploadMaxBytes = defaultUploadMaxBytes
	}
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = defaultBackpressureWait
	}
	return &Router{
		sessions: sessions,
		audio:    audio,
		notes:    notes,
		exporter: exporter,
		opts:     opts,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/sessions", rt.createSession)
	api.HandleFunc("GET /v1/sessions/{session_id}", rt.getSession)
	api.HandleFunc("DELETE /v1/sessions/{session_id}", rt.deleteSession)
	api.HandleFunc("POST /v1/sessions/{session_id}/audio", rt.uploadAudio)
	api.HandleFunc("PUT /v1/sessions/{session_id}/audio", rt.replaceAudio)
	api.HandleFunc("PATCH /v1/sessions/{session_id}/report", rt.updateNotes)
	api.HandleFunc("GET /v1/sessions/{session_id}/report/export", rt.exportReport)
	api.HandleFunc("GET /v1/dashboard", rt.dashboard)

	var limited http.Handler = api
	limited = backpressureMiddleware(limited, rt.opts.MaxInFlight, rt.opts.BackpressureWait)
	limited = rateLimitMiddleware(limited, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}
	mux.Handle("/v1/", limited)

	var handler http.Handler = mux
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(rt.opts.ServiceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	OwnerID   string `json:"owner_id"`
	SubjectID string `json:"subject_id"`
}

func (rt *Router) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := rt.sessions.Create(r.Context(), req.OwnerID, req.SubjectID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (rt *Router) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := rt.sessions.View(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := rt.sessions.Delete(r.Context(), r.PathValue("session_id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) uploadAudio(w http.ResponseWriter, r *http.Request) {
	rt.handleAudio(w, r, "upload", http.StatusCreated, rt.audio.Upload)
}

func (rt *Router) replaceAudio(w http.ResponseWriter, r *http.Request) {
	rt.handleAudio(w, r, "replace", http.StatusOK, rt.audio.Replace)
}

func (rt *Router) handleAudio(
	w http.ResponseWriter,
	r *http.Request,
	mode string,
	successStatus int,
	ingest func(ctx context.Context, in ports.AudioUpload) (*domain.Audio, error),
) {
	if r.ContentLength > rt.opts.UploadMaxBytes {
		rt.recordUpload(mode, 0, errUploadTooLarge)
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d bytes", rt.opts.UploadMaxBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.UploadMaxBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		rt.recordUpload(mode, 0, err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with field 'file' is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		rt.recordUpload(mode, 0, err)
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	audio, err := ingest(r.Context(), ports.AudioUpload{
		SessionID:    r.PathValue("session_id"),
		Filename:     header.Filename,
		LanguageHint: strings.TrimSpace(r.FormValue("language")),
		Body:         file,
	})
	if err != nil {
		rt.recordUpload(mode, 0, err)
		writeDomainError(w, r, err)
		return
	}
	rt.recordUpload(mode, audio.SizeBytes, nil)
	writeJSON(w, successStatus, audio)
}

func (rt *Router) recordUpload(mode string, size int64, err error) {
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordAudioUpload(rt.opts.ServiceName, mode, size, err)
	}
}

type updateNotesRequest struct {
	TherapistNotes *string `json:"therapist_notes"`
}

func (rt *Router) updateNotes(w http.ResponseWriter, r *http.Request) {
	var req updateNotesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TherapistNotes == nil {
		writeError(w, http.StatusBadRequest, "field 'therapist_notes' is required")
		return
	}
	report, err := rt.notes.UpdateNotes(r.Context(), r.PathValue("session_id"), *req.TherapistNotes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) exportReport(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	var buf bytes.Buffer
	err := rt.exporter.Export(r.Context(), sessionID, &buf)
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordReportExport(rt.opts.ServiceName, err)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session_%s_report.xlsx"`, sessionID))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, &buf); err != nil {
		slog.Warn("report_export_write_failed", "session_id", sessionID, "error", err)
	}
}

func (rt *Router) dashboard(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'owner_id' is required")
		return
	}
	stats, err := rt.sessions.Dashboard(r.Context(), ownerID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
