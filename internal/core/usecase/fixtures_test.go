package usecase

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
	memrepo "github.com/kirillkom/session-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/storage/localfs"
)

type queueRecorder struct {
	mu    sync.Mutex
	tasks []domain.Task
	err   error
}

func (q *queueRecorder) Enqueue(_ context.Context, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueRecorder) count(stage domain.Stage) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, task := range q.tasks {
		if task.Stage == stage {
			n++
		}
	}
	return n
}

type transcriberFake struct {
	mu       sync.Mutex
	calls    int
	errs     []error
	text     string
	lastPath string
	lastLang string
	sawBytes string
}

func (f *transcriberFake) Transcribe(_ context.Context, audioPath, language string) (domain.TranscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPath = audioPath
	f.lastLang = language
	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return domain.TranscriptionResult{}, err
	}
	f.sawBytes = string(raw)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.TranscriptionResult{}, err
		}
	}
	text := f.text
	if text == "" {
		text = "  the client   described  trouble sleeping "
	}
	return domain.NewTranscriptionResult(text, language, "fake-whisper"), nil
}

func (f *transcriberFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type generatorFake struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	report  *domain.GeneratedReport
	lastReq domain.ReportRequest
}

func (f *generatorFake) Generate(_ context.Context, req domain.ReportRequest) (domain.GeneratedReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.GeneratedReport{}, err
		}
	}
	if f.report != nil {
		return *f.report, nil
	}
	return domain.EnforceRiskContract(req.TranscriptText, domain.GeneratedReport{
		Summary:       "Client reported poor sleep.",
		KeyPoints:     []string{"Sleep onset insomnia"},
		TreatmentPlan: []string{"Sleep hygiene education"},
		ModelID:       "fake-gpt",
	}), nil
}

func (f *generatorFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errTransient = domain.WrapError(domain.ErrTemporary, "provider call", errors.New("upstream timeout"))

type fixture struct {
	store         *memrepo.Store
	storage       *localfs.Storage
	queue         *queueRecorder
	coordinator   *Coordinator
	transcriber   *transcriberFake
	generator     *generatorFake
	scratchDir    string
	sessions      *SessionUseCase
	ingest        *AudioIngestUseCase
	transcription *TranscriptionStage
	report        *ReportStage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	f := &fixture{
		store:       memrepo.NewStore(),
		storage:     storage,
		queue:       &queueRecorder{},
		transcriber: &transcriberFake{},
		generator:   &generatorFake{},
		scratchDir:  t.TempDir(),
	}
	f.wire(f.queue)
	return f
}

// wire rebuilds the use cases on top of queue.
func (f *fixture) wire(queue ports.TaskQueue) {
	f.coordinator = NewCoordinator(queue)
	f.sessions = NewSessionUseCase(f.store, f.store, f.store, f.storage)
	f.ingest = NewAudioIngestUseCase(f.store, f.storage, f.coordinator)
	f.transcription = NewTranscriptionStage(f.store, f.store, f.store, f.storage, f.transcriber, f.coordinator, TranscriptionStageConfig{
		ScratchDir:      f.scratchDir,
		DefaultLanguage: "ar",
	})
	f.report = NewReportStage(f.store, f.store, f.store, f.generator, "ar")
}

func (f *fixture) createSession(t *testing.T) *domain.Session {
	t.Helper()
	session, err := f.sessions.Create(context.Background(), "therapist-1", "patient-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return session
}

func (f *fixture) upload(t *testing.T, sessionID, body string) *domain.Audio {
	t.Helper()
	audio, err := f.ingest.Upload(context.Background(), ports.AudioUpload{
		SessionID: sessionID,
		Filename:  "session one.webm",
		Body:      strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return audio
}

func (f *fixture) session(t *testing.T, id string) *domain.Session {
	t.Helper()
	session, err := f.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return session
}

func (f *fixture) transcript(t *testing.T, id string) *domain.Transcript {
	t.Helper()
	transcript, err := f.store.GetTranscript(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	return transcript
}

func readObject(t *testing.T, storage ports.ObjectStorage, key string) string {
	t.Helper()
	rc, err := storage.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", key, err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	return string(raw)
}

func attempt(n int) domain.Attempt {
	return domain.Attempt{Number: n, Max: 3}
}
