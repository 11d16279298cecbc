package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "Agent-Sandbox/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error { return nil }

func TestSubmitValidatesInput(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1))
	cases := []Request{
		{ConversationID: 1, Text: "   "},
		{ConversationID: 0, Text: "hi"},
	}
	for _, req := range cases {
		_, err := service.Submit(context.Background(), req)
		if xerrors.CodeOf(err) != CodeJobValidation {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
	}
}

func TestSubmitWithIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4)
	service := NewService(NewMemoryStore(), queue)

	first, err := service.Submit(ctx, Request{ID: "fixed", ConversationID: 1, Text: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, Request{ID: "fixed", ConversationID: 1, Text: "hi again"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.Text != "hi" {
		t.Fatalf("expected the original job back, got %+v", second)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected a single publish, got %d", len(queue.ch))
	}
}

func TestSubmitPublishFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{})

	_, err := service.Submit(ctx, Request{ID: "j", ConversationID: 2, Text: "hi"})
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	job, err := store.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestWaitUntilCompletedHonoursContext(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(1))
	if err := store.Create(context.Background(), &Job{ID: "slow", ConversationID: 1, Text: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := service.WaitUntilCompleted(ctx, "slow", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := service.Get(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	jobs := []*Job{
		{ID: "a", ConversationID: 1, Text: "x", CreatedAt: 100},
		{ID: "b", ConversationID: 1, Text: "y", CreatedAt: 200},
		{ID: "c", ConversationID: 2, Text: "z", CreatedAt: 300},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create %s: %v", job.ID, err)
		}
	}
	if err := store.Create(ctx, &Job{ID: "a"}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, "b"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected running job to conflict, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "b"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "b"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed job to be rejected, got %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("expected newest first, got %v", all)
	}

	mine, err := store.List(ctx, buildListOptions([]ListOption{WithConversation(1), WithStatuses(StatusPending, "bogus")}))
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "a" {
		t.Fatalf("unexpected filtered list: %v", mine)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
