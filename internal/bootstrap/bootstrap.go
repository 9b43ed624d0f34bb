package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/session-pipeline/internal/config"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
	"github.com/kirillkom/session-pipeline/internal/core/usecase"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/llm/mock"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/llm/openai"
	memqueue "github.com/kirillkom/session-pipeline/internal/infrastructure/queue/memory"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/queue/nats"
	memrepo "github.com/kirillkom/session-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/session-pipeline/internal/worker"
)

type taskQueue interface {
	ports.TaskQueue
	ports.TaskConsumer
}

type App struct {
	Config config.Config

	Queue       ports.TaskQueue
	Consumer    ports.TaskConsumer
	Coordinator *usecase.Coordinator

	SessionUC  *usecase.SessionUseCase
	AudioUC    *usecase.AudioIngestUseCase
	NotesUC    *usecase.NotesUseCase
	ExportUC   *usecase.ExportUseCase
	RecoveryUC *usecase.RecoveryUseCase

	TranscriptionStage *usecase.TranscriptionStage
	ReportStage        *usecase.ReportStage
	StagePolicy        *resilience.StagePolicy

	// InProcessQueue is set when tasks never leave this process.
	InProcessQueue bool

	closeFn func()
}

type repositories struct {
	sessions    ports.SessionRepository
	transcripts ports.TranscriptRepository
	reports     ports.ReportRepository
	close       func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	repos, err := newRepositories(ctx, cfg)
	if err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		repos.close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	executor := resilience.NewExecutor(resilienceConfig(cfg))

	queue, closeQueue, err := newQueue(ctx, cfg, executor)
	if err != nil {
		repos.close()
		return nil, err
	}

	transcriber, generator, err := newProviders(cfg, executor)
	if err != nil {
		closeQueue()
		repos.close()
		return nil, err
	}

	coordinator := usecase.NewCoordinator(queue)
	sessionUC := usecase.NewSessionUseCase(repos.sessions, repos.transcripts, repos.reports, storage)

	return &App{
		Config:      cfg,
		Queue:       queue,
		Consumer:    queue,
		Coordinator: coordinator,

		SessionUC:  sessionUC,
		AudioUC:    usecase.NewAudioIngestUseCase(repos.sessions, storage, coordinator),
		NotesUC:    usecase.NewNotesUseCase(repos.sessions, repos.reports),
		ExportUC:   usecase.NewExportUseCase(sessionUC, xlsx.New()),
		RecoveryUC: usecase.NewRecoveryUseCase(repos.sessions, coordinator),

		TranscriptionStage: usecase.NewTranscriptionStage(
			repos.sessions, repos.transcripts, repos.reports, storage, transcriber, coordinator,
			usecase.TranscriptionStageConfig{
				ScratchDir:      cfg.ScratchDir,
				DefaultLanguage: cfg.DefaultLanguage,
			},
		),
		ReportStage: usecase.NewReportStage(repos.sessions, repos.transcripts, repos.reports, generator, cfg.DefaultLanguage),
		StagePolicy: resilience.NewStagePolicy(resilience.StagePolicyConfig{
			MaxAttempts:  cfg.StageMaxAttempts,
			InitialDelay: cfg.StageRetryInitialDelay,
			MaxDelay:     cfg.StageRetryMaxDelay,
		}),

		InProcessQueue: cfg.QueueBackend == config.QueueMemory,

		closeFn: func() {
			closeQueue()
			repos.close()
		},
	}, nil
}

// NewDispatcher builds the task handler that runs stages for this app.
func (a *App) NewDispatcher(stageMetrics worker.StageMetrics, logger *slog.Logger) *worker.Dispatcher {
	return worker.NewDispatcher(a.TranscriptionStage, a.ReportStage, a.StagePolicy, worker.Options{
		StageTimeout: a.Config.StageTimeout(),
		Metrics:      stageMetrics,
		Logger:       logger,
	})
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newRepositories(ctx context.Context, cfg config.Config) (repositories, error) {
	if cfg.StoreBackend == config.StoreMemory {
		store := memrepo.NewStore()
		slog.Warn("memory_store_enabled", "detail", "state is lost on restart and not shared between processes")
		return repositories{
			sessions:    store,
			transcripts: store,
			reports:     store,
			close:       func() {},
		}, nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return repositories{}, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return repositories{}, fmt.Errorf("ensure schema: %w", err)
	}
	return repositories{
		sessions:    postgres.NewSessionRepository(db),
		transcripts: postgres.NewTranscriptRepository(db),
		reports:     postgres.NewReportRepository(db),
		close:       func() { _ = db.Close() },
	}, nil
}

func newQueue(ctx context.Context, cfg config.Config, executor *resilience.Executor) (taskQueue, func(), error) {
	if cfg.QueueBackend == config.QueueMemory {
		queue := memqueue.New(256, cfg.WorkerConcurrency)
		return queue, queue.Close, nil
	}

	queue, err := nats.NewWithOptions(ctx, cfg.NATSURL, nats.Options{
		ResilienceExecutor: executor,
		Stream:             cfg.NATSStream,
		SubjectPrefix:      cfg.NATSSubjectPrefix,
		Consumer:           cfg.NATSConsumer,
		AckWait:            cfg.NATSAckWait,
		MaxDeliver:         cfg.NATSMaxDeliver,
		Concurrency:        cfg.WorkerConcurrency,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init task queue: %w", err)
	}
	return queue, queue.Close, nil
}

func newProviders(cfg config.Config, executor *resilience.Executor) (ports.Transcriber, ports.ReportGenerator, error) {
	if cfg.UseMockAI {
		slog.Warn("mock_ai_enabled", "detail", "transcripts and reports are synthetic")
		return mock.NewTranscriber(), mock.NewReportGenerator(), nil
	}

	openaiClient := openai.NewWithOptions(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, openai.Options{
		Timeout:            cfg.ProviderTimeout(),
		RatePerSecond:      cfg.ProviderRatePerSecond,
		ResilienceExecutor: executor,
	})
	transcriber := openai.NewTranscriber(openaiClient, cfg.OpenAITranscribeModel)

	switch cfg.ReportBackend {
	case config.ReportOpenAI:
		return transcriber, openai.NewReportGenerator(openaiClient, cfg.OpenAIReportModel), nil
	case config.ReportOllama:
		ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, ollama.Options{
			Timeout:            cfg.ProviderTimeout(),
			RatePerSecond:      cfg.ProviderRatePerSecond,
			ResilienceExecutor: executor,
		})
		return transcriber, ollama.NewReportGenerator(ollamaClient), nil
	default:
		return nil, nil, fmt.Errorf("unsupported report backend %q", cfg.ReportBackend)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.RetryInitialBackoff = cfg.ResilienceRetryInitialBackoff
	out.RetryMaxBackoff = cfg.ResilienceRetryMaxBackoff
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	return out
}
