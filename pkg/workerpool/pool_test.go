package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:                 2,
		QueueSize:               16,
		MaxRetries:              3,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestPoolProcessesTask(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := pool.SubmitWait(ctx, &Task{ID: "t1"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %v", result.Error)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}

	stats := pool.Stats()
	if stats.TasksCompleted != 1 {
		t.Errorf("expected 1 completed task, got %d", stats.TasksCompleted)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var calls int64
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := pool.SubmitWait(ctx, &Task{ID: "t1"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected eventual success, got %v", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if got := pool.Stats().TasksRetried; got != 2 {
		t.Errorf("expected 2 retries recorded, got %d", got)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Error: errors.New("permanent")}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := pool.SubmitWait(ctx, &Task{ID: "t1"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure after retry exhaustion")
	}
	if result.Attempts != cfg.MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", cfg.MaxRetries+1, result.Attempts)
	}
	if result.Error == nil {
		t.Fatal("expected final error")
	}
	if got := pool.Stats().TasksFailed; got != 1 {
		t.Errorf("expected 1 failed task, got %d", got)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Workers not started, so the first task stays queued.

	if err := pool.Submit(&Task{ID: "t1"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := pool.Submit(&Task{ID: "t2"}); err == nil {
		t.Fatal("expected rejection on full queue")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "t1"}); err == nil {
		t.Fatal("expected submit to fail on stopped pool")
	}
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil worker function")
	}
}
