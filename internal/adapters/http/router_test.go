package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/usecase"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/export/xlsx"
	memrepo "github.com/kirillkom/session-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/session-pipeline/internal/observability/metrics"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []domain.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type testServer struct {
	handler http.Handler
	store   *memrepo.Store
	queue   *recordingQueue
}

func newTestServer(t *testing.T, opts Options) testServer {
	t.Helper()
	store := memrepo.NewStore()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	queue := &recordingQueue{}
	coordinator := usecase.NewCoordinator(queue)
	sessions := usecase.NewSessionUseCase(store, store, store, storage)
	router := NewRouter(
		sessions,
		usecase.NewAudioIngestUseCase(store, storage, coordinator),
		usecase.NewNotesUseCase(store, store),
		usecase.NewExportUseCase(sessions, xlsx.New()),
		opts,
	)
	return testServer{handler: router.Handler(), store: store, queue: queue}
}

func (s testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	s.handler.ServeHTTP(res, req)
	return res
}

func (s testServer) createSession(t *testing.T) domain.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"owner_id":"t-1","subject_id":"p-1"}`))
	res := s.do(t, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("create session expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var session domain.Session
	if err := json.NewDecoder(res.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session
}

func audioRequest(t *testing.T, method, sessionID, filename, content, language string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			t.Fatalf("write language field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(method, "/v1/sessions/"+sessionID+"/audio", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestCreateAndGetSession(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := srv.createSession(t)
	if session.Status != domain.SessionEmpty {
		t.Fatalf("expected empty status, got %s", session.Status)
	}

	res := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.ID, nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var view domain.SessionView
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Session.ID != session.ID || view.Audio != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	srv := newTestServer(t, Options{})

	res := srv.do(t, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"owner_id":"t-1"}`)))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("missing subject expected 400, got %d", res.Code)
	}
	res = srv.do(t, httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{`)))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("broken JSON expected 400, got %d", res.Code)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	srv := newTestServer(t, Options{})
	res := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestUploadReplaceLifecycle(t *testing.T) {
	httpMetrics := metrics.NewHTTPServerMetrics("api-test")
	srv := newTestServer(t, Options{Metrics: httpMetrics})
	session := srv.createSession(t)

	res := srv.do(t, audioRequest(t, http.MethodPut, session.ID, "a.webm", "opus", ""))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("replace without audio expected 400, got %d", res.Code)
	}

	res = srv.do(t, audioRequest(t, http.MethodPost, session.ID, "first.webm", "opus-bytes", "ar"))
	if res.Code != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var audio domain.Audio
	if err := json.NewDecoder(res.Body).Decode(&audio); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if audio.SizeBytes != int64(len("opus-bytes")) || audio.LanguageHint != "ar" {
		t.Fatalf("unexpected audio %+v", audio)
	}
	if srv.queue.len() != 1 {
		t.Fatalf("expected one transcription task, got %d", srv.queue.len())
	}

	res = srv.do(t, audioRequest(t, http.MethodPost, session.ID, "second.webm", "more", ""))
	if res.Code != http.StatusConflict {
		t.Fatalf("second upload expected 409, got %d", res.Code)
	}

	res = srv.do(t, audioRequest(t, http.MethodPut, session.ID, "second.webm", "replacement", ""))
	if res.Code != http.StatusOK {
		t.Fatalf("replace expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if srv.queue.len() != 2 {
		t.Fatalf("expected a second transcription task, got %d", srv.queue.len())
	}

	stored, err := srv.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.Status != domain.SessionTranscribing {
		t.Fatalf("expected transcribing, got %s", stored.Status)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := srv.createSession(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("language", "en")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+session.ID+"/audio", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	res := srv.do(t, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestUploadTooLargeReturns413(t *testing.T) {
	srv := newTestServer(t, Options{UploadMaxBytes: 64})
	session := srv.createSession(t)

	res := srv.do(t, audioRequest(t, http.MethodPost, session.ID, "big.webm", strings.Repeat("x", 4096), ""))
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestUpdateNotesUpsertsDraftReport(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := srv.createSession(t)

	req := httptest.NewRequest(http.MethodPatch, "/v1/sessions/"+session.ID+"/report", strings.NewReader(`{"therapist_notes":"follow up on sleep"}`))
	res := srv.do(t, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var report domain.Report
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Status != domain.ReportDraft || report.TherapistNotes != "follow up on sleep" {
		t.Fatalf("unexpected report %+v", report)
	}

	tooLong := `{"therapist_notes":"` + strings.Repeat("n", usecase.MaxTherapistNotesLen+1) + `"}`
	res = srv.do(t, httptest.NewRequest(http.MethodPatch, "/v1/sessions/"+session.ID+"/report", strings.NewReader(tooLong)))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("oversized notes expected 400, got %d", res.Code)
	}

	res = srv.do(t, httptest.NewRequest(http.MethodPatch, "/v1/sessions/"+session.ID+"/report", strings.NewReader(`{}`)))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("missing notes field expected 400, got %d", res.Code)
	}

	res = srv.do(t, httptest.NewRequest(http.MethodPatch, "/v1/sessions/missing/report", strings.NewReader(`{"therapist_notes":"x"}`)))
	if res.Code != http.StatusNotFound {
		t.Fatalf("unknown session expected 404, got %d", res.Code)
	}
}

func TestExportReport(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := srv.createSession(t)
	exportPath := "/v1/sessions/" + session.ID + "/report/export"

	res := srv.do(t, httptest.NewRequest(http.MethodGet, exportPath, nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("export without report expected 404, got %d", res.Code)
	}

	ctx := context.Background()
	claimed, err := srv.store.ClaimReport(ctx, session.ID)
	if err != nil {
		t.Fatalf("ClaimReport() error = %v", err)
	}
	res = srv.do(t, httptest.NewRequest(http.MethodGet, exportPath, nil))
	if res.Code != http.StatusConflict {
		t.Fatalf("export of processing report expected 409, got %d", res.Code)
	}

	if err := srv.store.CompleteReport(ctx, session.ID, claimed.AudioID, domain.GeneratedReport{
		Summary:   "Client reported improved sleep.",
		KeyPoints: []string{"sleep"},
		ModelID:   "test-model",
	}); err != nil {
		t.Fatalf("CompleteReport() error = %v", err)
	}
	res = srv.do(t, httptest.NewRequest(http.MethodGet, exportPath, nil))
	if res.Code != http.StatusOK {
		t.Fatalf("export expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := res.Header().Get("Content-Type"); got != xlsxContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if !bytes.HasPrefix(res.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected a zip container body")
	}
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(t, Options{})
	session := srv.createSession(t)

	res := srv.do(t, audioRequest(t, http.MethodPost, session.ID, "a.webm", "opus", ""))
	if res.Code != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d", res.Code)
	}

	res = srv.do(t, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+session.ID, nil))
	if res.Code != http.StatusNoContent {
		t.Fatalf("delete expected 204, got %d", res.Code)
	}
	res = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+session.ID, nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("get after delete expected 404, got %d", res.Code)
	}
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, Options{})
	srv.createSession(t)
	srv.createSession(t)

	res := srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("missing owner expected 400, got %d", res.Code)
	}

	res = srv.do(t, httptest.NewRequest(http.MethodGet, "/v1/dashboard?owner_id=t-1", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var stats domain.DashboardStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[domain.SessionEmpty] != 2 || stats.SessionsThisWeek != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	srv := newTestServer(t, Options{Metrics: metrics.NewHTTPServerMetrics("api-test")})
	srv.createSession(t)

	res := srv.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "sp_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "op", context.Canceled), http.StatusBadRequest},
		{domain.WrapError(domain.ErrSessionNotFound, "op", context.Canceled), http.StatusNotFound},
		{domain.WrapError(domain.ErrReportNotFound, "op", context.Canceled), http.StatusNotFound},
		{domain.WrapError(domain.ErrConflict, "op", context.Canceled), http.StatusConflict},
		{domain.WrapError(domain.ErrTemporary, "op", context.Canceled), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
