package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDGraceSweep      = "entitlements.grace.sweep"
	ParamLimit           = "limit"
	DefaultSweepLimit    = 100
	defaultSweepInterval = time.Minute
)

// GraceFinalizer is the service entry point the sweep job drives.
type GraceFinalizer interface {
	FinalizeLapsedGrace(ctx context.Context, limit int) (int, error)
}

// RetryPolicy bounds how failed sweeps are requeued.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NackFor returns the nack options for a sweep that failed on attempt.
func (p RetryPolicy) NackFor(attempt int, cause error) queue.NackOptions {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	opts := queue.NackOptions{Delay: delay, Requeue: true}
	if cause != nil {
		opts.Reason = strings.TrimSpace(cause.Error())
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		opts.Requeue = false
		opts.Delay = 0
		opts.DeadLetter = p.DeadLetterOnMax
	}
	return opts
}

// SweepMessage builds the execution message for one sweep. Messages built
// within the same interval share an idempotency key so overlapping
// schedulers enqueue a single sweep.
func SweepMessage(at time.Time, interval time.Duration, limit int) *job.ExecutionMessage {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	bucket := at.UTC().Truncate(interval)
	return &job.ExecutionMessage{
		JobID:          JobIDGraceSweep,
		ScriptPath:     JobIDGraceSweep,
		Parameters:     map[string]any{ParamLimit: limit},
		IdempotencyKey: JobIDGraceSweep + ":" + bucket.Format(time.RFC3339),
	}
}

// SweepLimit reads the batch size from a sweep message.
func SweepLimit(msg *job.ExecutionMessage) (int, error) {
	if msg == nil {
		return 0, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDGraceSweep {
		return 0, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	raw, ok := msg.Parameters[ParamLimit]
	if !ok || raw == nil {
		return DefaultSweepLimit, nil
	}
	var limit int
	switch value := raw.(type) {
	case int:
		limit = value
	case int64:
		limit = int(value)
	case float64:
		limit = int(value)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("gojob: invalid sweep limit %q", value)
		}
		limit = parsed
	default:
		return 0, fmt.Errorf("gojob: invalid sweep limit type %T", raw)
	}
	if limit <= 0 {
		return DefaultSweepLimit, nil
	}
	return limit, nil
}

// GraceSweeper enqueues and executes grace sweeps. Scheduling is left to
// the host: the engine never starts its own timers.
type GraceSweeper struct {
	service  GraceFinalizer
	enqueuer queue.Enqueuer
	policy   RetryPolicy
	interval time.Duration
	limit    int
	logger   glog.Logger
	now      func() time.Time
}

type SweeperOption func(*GraceSweeper)

func WithRetryPolicy(policy RetryPolicy) SweeperOption {
	return func(s *GraceSweeper) {
		s.policy = policy
	}
}

func WithInterval(interval time.Duration) SweeperOption {
	return func(s *GraceSweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithLimit(limit int) SweeperOption {
	return func(s *GraceSweeper) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func WithLogger(logger glog.Logger) SweeperOption {
	return func(s *GraceSweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) SweeperOption {
	return func(s *GraceSweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewGraceSweeper(service GraceFinalizer, enqueuer queue.Enqueuer, opts ...SweeperOption) *GraceSweeper {
	sweeper := &GraceSweeper{
		service:  service,
		enqueuer: enqueuer,
		policy:   RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute},
		interval: defaultSweepInterval,
		limit:    DefaultSweepLimit,
		logger:   glog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}
	return sweeper
}

// Schedule enqueues a sweep for the current interval.
func (s *GraceSweeper) Schedule(ctx context.Context) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	return s.enqueuer.Enqueue(ctx, SweepMessage(s.now(), s.interval, s.limit))
}

// Handle runs the sweep carried by delivery, then acks it or nacks it with
// the retry policy for attempt.
func (s *GraceSweeper) Handle(ctx context.Context, delivery queue.Delivery, attempt int) (int, error) {
	if s == nil || s.service == nil {
		return 0, fmt.Errorf("gojob: grace finalizer is not configured")
	}
	if delivery == nil {
		return 0, fmt.Errorf("gojob: delivery is required")
	}
	limit, err := SweepLimit(delivery.Message())
	if err != nil {
		nackErr := delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
		if nackErr != nil {
			return 0, fmt.Errorf("%w (nack: %v)", err, nackErr)
		}
		return 0, err
	}

	finalized, err := s.service.FinalizeLapsedGrace(ctx, limit)
	if err != nil {
		opts := s.policy.NackFor(attempt, err)
		s.logger.Warn("grace sweep failed", "attempt", attempt, "requeue", opts.Requeue, "error", err)
		if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
			return 0, fmt.Errorf("%w (nack: %v)", err, nackErr)
		}
		return 0, err
	}
	if err := delivery.Ack(ctx); err != nil {
		return finalized, err
	}
	s.logger.Info("grace sweep finished", "finalized", finalized, "limit", limit)
	return finalized, nil
}

// RunOnce dequeues a single delivery and handles it as a first attempt.
func (s *GraceSweeper) RunOnce(ctx context.Context, dequeuer queue.Dequeuer) (int, error) {
	if dequeuer == nil {
		return 0, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return 0, err
	}
	return s.Handle(ctx, delivery, 1)
}

// WorkerHook logs go-job worker lifecycle events for sweep jobs.
type WorkerHook struct {
	logger glog.Logger
}

func NewWorkerHook(logger glog.Logger) *WorkerHook {
	if logger == nil {
		logger = glog.Nop()
	}
	return &WorkerHook{logger: logger}
}

func (h *WorkerHook) OnStart(_ context.Context, event worker.Event) {
	h.log("debug", "grace sweep started", event)
}

func (h *WorkerHook) OnSuccess(_ context.Context, event worker.Event) {
	h.log("info", "grace sweep succeeded", event)
}

func (h *WorkerHook) OnFailure(_ context.Context, event worker.Event) {
	h.log("error", "grace sweep failed", event)
}

func (h *WorkerHook) OnRetry(_ context.Context, event worker.Event) {
	h.log("warn", "grace sweep retrying", event)
}

func (h *WorkerHook) log(level string, message string, event worker.Event) {
	if h == nil || h.logger == nil {
		return
	}
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	if msg == nil || msg.JobID != JobIDGraceSweep {
		return
	}
	args := []any{
		"job_id", msg.JobID,
		"idempotency_key", msg.IdempotencyKey,
		"attempt", event.Attempt,
		"duration_ms", event.Duration.Milliseconds(),
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	switch level {
	case "error":
		h.logger.Error(message, args...)
	case "warn":
		h.logger.Warn(message, args...)
	case "debug":
		h.logger.Debug(message, args...)
	default:
		h.logger.Info(message, args...)
	}
}

var _ worker.Hook = (*WorkerHook)(nil)
