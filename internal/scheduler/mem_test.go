package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemQueueScheduleAndDrain(t *testing.T) {
	f := &MemFactory{Capacity: 4}
	q, err := f.NewQueue(42)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	mq := q.(*MemQueue)

	ctx := context.Background()
	if err := mq.Schedule(ctx, 42, []byte("event-1")); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case got := <-mq.Events():
		if string(got) != "event-1" {
			t.Fatalf("unexpected event: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
	}
}

func TestMemQueueScheduleAfterCloseFails(t *testing.T) {
	f := &MemFactory{}
	q, err := f.NewQueue(1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	err = q.Schedule(context.Background(), 1, []byte("late"))
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestMemQueueScheduleRespectsContextDeadline(t *testing.T) {
	f := &MemFactory{Capacity: 1}
	q, err := f.NewQueue(1)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	mq := q.(*MemQueue)

	// Fill the single buffer slot so the next Schedule must block.
	if err := mq.Schedule(context.Background(), 1, []byte("fill")); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = mq.Schedule(ctx, 1, []byte("overflow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
