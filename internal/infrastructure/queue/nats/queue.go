package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/session-pipeline/internal/core/domain"
	"github.com/kirillkom/session-pipeline/internal/core/ports"
	"github.com/kirillkom/session-pipeline/internal/infrastructure/resilience"
)

// Queue carries stage tasks over a JetStream work-queue stream.
type Queue struct {
	conn          *nats.Conn
	js            jetstream.JetStream
	stream        string
	subjectPrefix string
	consumer      string
	ackWait       time.Duration
	maxDeliver    int
	concurrency   int
	executor      *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor

	Stream        string
	SubjectPrefix string
	Consumer      string
	AckWait       time.Duration
	MaxDeliver    int
	Concurrency   int
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 2 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 60
	}
	if strings.TrimSpace(out.Stream) == "" {
		out.Stream = "SESSION_PIPELINE"
	}
	if strings.TrimSpace(out.SubjectPrefix) == "" {
		out.SubjectPrefix = "pipeline.stage"
	}
	if strings.TrimSpace(out.Consumer) == "" {
		out.Consumer = "pipeline-workers"
	}
	if out.AckWait <= 0 {
		out.AckWait = 10 * time.Minute
	}
	if out.MaxDeliver <= 0 {
		out.MaxDeliver = 5
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 2
	}
	return out
}

func New(ctx context.Context, url string) (*Queue, error) {
	return NewWithOptions(ctx, url, Options{})
}

func NewWithOptions(ctx context.Context, url string, options Options) (*Queue, error) {
	options = options.withDefaults()
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("session-pipeline"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	q := &Queue{
		conn:          conn,
		js:            js,
		stream:        options.Stream,
		subjectPrefix: options.SubjectPrefix,
		consumer:      options.Consumer,
		ackWait:       options.AckWait,
		maxDeliver:    options.MaxDeliver,
		concurrency:   options.Concurrency,
		executor:      options.ResilienceExecutor,
	}
	if err := q.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.subjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", q.stream, err)
	}
	return nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) subject(stage domain.Stage) string {
	return q.subjectPrefix + "." + string(stage)
}

func (q *Queue) Enqueue(ctx context.Context, task domain.Task) error {
	if !task.Stage.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "enqueue task", fmt.Errorf("unknown stage %q", task.Stage))
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	call := func(callCtx context.Context) error {
		if _, err := q.js.Publish(callCtx, q.subject(task.Stage), payload); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume pulls tasks from the durable consumer until ctx is done.
// Retryable results are republished with the next attempt before the delivery is acked.
func (q *Queue) Consume(ctx context.Context, handler ports.TaskHandler) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.consumer,
		FilterSubject: q.subjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
		MaxAckPending: q.concurrency * 4,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.consumer, err)
	}

	slots := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			_ = msg.Nak()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			q.handleMessage(ctx, msg, handler)
		}()
	},
		jetstream.PullMaxMessages(q.concurrency),
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			slog.Warn("jetstream_consume_error", "consumer", q.consumer, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("jetstream consume: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	wg.Wait()
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) handleMessage(ctx context.Context, msg jetstream.Msg, handler ports.TaskHandler) {
	var task domain.Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil || !task.Stage.Valid() || task.SessionID == "" {
		slog.Error("task_decode_failed", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	if wait := time.Until(task.NotBefore); wait > 0 {
		_ = msg.NakWithDelay(wait)
		return
	}

	result := handler(ctx, task)
	if !result.Retryable {
		if err := msg.Ack(); err != nil {
			slog.Warn("task_ack_failed", "session_id", task.SessionID, "stage", task.Stage, "error", err)
		}
		return
	}

	next := task.Retry(result.RetryAfter)
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := q.Enqueue(publishCtx, next); err != nil {
		slog.Error("retry_enqueue_failed",
			"session_id", task.SessionID,
			"stage", task.Stage,
			"attempt", next.Attempt,
			"error", err,
		)
		_ = msg.NakWithDelay(result.RetryAfter)
		return
	}
	_ = msg.Ack()
}
