package gojob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

func TestSweepMessageSharesKeyWithinInterval(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 10, 0, time.UTC)
	first := SweepMessage(at, time.Minute, 25)
	second := SweepMessage(at.Add(40*time.Second), time.Minute, 25)
	third := SweepMessage(at.Add(2*time.Minute), time.Minute, 25)

	if first.JobID != JobIDGraceSweep {
		t.Fatalf("unexpected job id %q", first.JobID)
	}
	if first.IdempotencyKey != second.IdempotencyKey {
		t.Fatalf("expected same key within interval, got %q and %q", first.IdempotencyKey, second.IdempotencyKey)
	}
	if first.IdempotencyKey == third.IdempotencyKey {
		t.Fatalf("expected a new key for the next interval")
	}
	limit, err := SweepLimit(first)
	if err != nil || limit != 25 {
		t.Fatalf("expected limit 25, got %d (%v)", limit, err)
	}
}

func TestSweepLimitParsing(t *testing.T) {
	cases := map[string]struct {
		params map[string]any
		want   int
		fails  bool
	}{
		"missing":  {params: nil, want: DefaultSweepLimit},
		"int":      {params: map[string]any{ParamLimit: 7}, want: 7},
		"float":    {params: map[string]any{ParamLimit: float64(9)}, want: 9},
		"string":   {params: map[string]any{ParamLimit: " 11 "}, want: 11},
		"zero":     {params: map[string]any{ParamLimit: 0}, want: DefaultSweepLimit},
		"bad text": {params: map[string]any{ParamLimit: "many"}, fails: true},
		"bad type": {params: map[string]any{ParamLimit: true}, fails: true},
	}
	for name, tc := range cases {
		limit, err := SweepLimit(&job.ExecutionMessage{JobID: JobIDGraceSweep, Parameters: tc.params})
		if tc.fails {
			if err == nil {
				t.Fatalf("%s: expected error", name)
			}
			continue
		}
		if err != nil || limit != tc.want {
			t.Fatalf("%s: expected %d, got %d (%v)", name, tc.want, limit, err)
		}
	}
	if _, err := SweepLimit(&job.ExecutionMessage{JobID: "other.job"}); err == nil {
		t.Fatalf("expected foreign job id to fail")
	}
}

func TestGraceSweeperScheduleAndHandle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	finalizer := &stubFinalizer{finalized: 3}
	enqueuer := &stubQueueEnqueuer{}
	sweeper := NewGraceSweeper(finalizer, enqueuer, WithLimit(40), WithClock(func() time.Time { return now }))

	if err := sweeper.Schedule(ctx); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDGraceSweep {
		t.Fatalf("expected sweep message to be enqueued")
	}

	delivery := &stubQueueDelivery{msg: enqueuer.last}
	finalized, err := sweeper.RunOnce(ctx, &stubQueueDequeuer{delivery: delivery})
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if finalized != 3 || finalizer.lastLimit != 40 {
		t.Fatalf("expected 3 finalized with limit 40, got %d and %d", finalized, finalizer.lastLimit)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack only, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
	}
}

func TestGraceSweeperNacksFailures(t *testing.T) {
	ctx := context.Background()
	finalizer := &stubFinalizer{err: errors.New("database unavailable")}
	sweeper := NewGraceSweeper(finalizer, nil, WithRetryPolicy(RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        3 * time.Second,
		DeadLetterOnMax: true,
	}))

	delivery := &stubQueueDelivery{msg: SweepMessage(time.Now(), time.Minute, 10)}
	if _, err := sweeper.Handle(ctx, delivery, 2); err == nil {
		t.Fatalf("expected sweep error")
	}
	if delivery.acked || !delivery.nacked {
		t.Fatalf("expected nack only")
	}
	if !delivery.nackOpts.Requeue || delivery.nackOpts.Delay != 2*time.Second {
		t.Fatalf("expected requeue after 2s, got %+v", delivery.nackOpts)
	}
	if !strings.Contains(delivery.nackOpts.Reason, "database unavailable") {
		t.Fatalf("expected failure reason, got %q", delivery.nackOpts.Reason)
	}

	if _, err := sweeper.Handle(ctx, delivery, 3); err == nil {
		t.Fatalf("expected sweep error")
	}
	if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter on last attempt, got %+v", delivery.nackOpts)
	}

	foreign := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: "other.job"}}
	if _, err := sweeper.Handle(ctx, foreign, 1); err == nil {
		t.Fatalf("expected foreign message to fail")
	}
	if !foreign.nackOpts.DeadLetter {
		t.Fatalf("expected foreign message to be dead-lettered")
	}
}

func TestRetryPolicyBoundsDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if got := policy.NackFor(1, nil).Delay; got != time.Second {
		t.Fatalf("expected 1s on first attempt, got %s", got)
	}
	if got := policy.NackFor(10, nil).Delay; got != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %s", got)
	}
	if !policy.NackFor(10, nil).Requeue {
		t.Fatalf("expected unbounded attempts to keep requeueing")
	}
}

func TestGraceSweeperRequiresDependencies(t *testing.T) {
	var sweeper *GraceSweeper
	if err := sweeper.Schedule(context.Background()); err == nil {
		t.Fatalf("expected missing enqueuer error")
	}
	if _, err := NewGraceSweeper(nil, nil).Handle(context.Background(), &stubQueueDelivery{}, 1); err == nil {
		t.Fatalf("expected missing finalizer error")
	}
}

func TestWorkerHookLogsSweepEventsOnly(t *testing.T) {
	logger := &countingLogger{}
	hook := NewWorkerHook(logger)

	hook.OnRetry(context.Background(), worker.Event{
		Message:  SweepMessage(time.Now(), time.Minute, 10),
		Attempt:  2,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	})
	if logger.warns != 1 {
		t.Fatalf("expected one warn log, got %d", logger.warns)
	}
	hook.OnFailure(context.Background(), worker.Event{Message: &job.ExecutionMessage{JobID: "other.job"}})
	if logger.errors != 0 {
		t.Fatalf("expected foreign jobs to be ignored")
	}
	hook.OnSuccess(context.Background(), worker.Event{Delivery: &stubQueueDelivery{msg: SweepMessage(time.Now(), time.Minute, 10)}})
	if logger.infos != 1 {
		t.Fatalf("expected message from delivery to be logged, got %d", logger.infos)
	}
}

type stubFinalizer struct {
	finalized int
	err       error
	lastLimit int
}

func (s *stubFinalizer) FinalizeLapsedGrace(_ context.Context, limit int) (int, error) {
	s.lastLimit = limit
	return s.finalized, s.err
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type countingLogger struct {
	infos, warns, errors int
}

func (l *countingLogger) Trace(string, ...any) {}
func (l *countingLogger) Debug(string, ...any) {}
func (l *countingLogger) Info(string, ...any)  { l.infos++ }
func (l *countingLogger) Warn(string, ...any)  { l.warns++ }
func (l *countingLogger) Error(string, ...any) { l.errors++ }
func (l *countingLogger) Fatal(string, ...any) {}

func (l *countingLogger) WithContext(context.Context) glog.Logger {
	return l
}
