package tasks

import (
	"context"
	"testing"
	"time"
)

func TestStartRejectsSecondConcurrentTask(t *testing.T) {
	r := New()
	block := make(chan struct{})
	err := r.Start(context.Background(), "c1", func(ctx context.Context) {
		<-block
	})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err = r.Start(context.Background(), "c1", func(ctx context.Context) {})
	if _, ok := err.(*ErrAlreadyRunning); !ok {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(block)
	r.Cleanup("c1")
}

func TestCancelWaitsForCompletionThenDeregisters(t *testing.T) {
	r := New()
	started := make(chan struct{})
	err := r.Start(context.Background(), "c1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	if err := r.Cancel("c1", time.Second); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r.HasLive("c1") {
		t.Fatal("expected handle deregistered after cancel completes")
	}

	if err := r.Start(context.Background(), "c1", func(ctx context.Context) {}); err != nil {
		t.Fatalf("Start after cancel should succeed, got %v", err)
	}
}

func TestCancelTimesOutIfTaskIgnoresToken(t *testing.T) {
	r := New()
	release := make(chan struct{})
	err := r.Start(context.Background(), "c1", func(ctx context.Context) {
		<-release
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = r.Cancel("c1", 10*time.Millisecond)
	if _, ok := err.(*ErrCancelTimeout); !ok {
		t.Fatalf("expected ErrCancelTimeout, got %v", err)
	}
	if !r.HasLive("c1") {
		t.Fatal("expected handle to remain registered after cancel timeout")
	}
	close(release)
}

func TestCancelNotFound(t *testing.T) {
	r := New()
	err := r.Cancel("missing", time.Second)
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSurrenderStaleCancelsOldHandlesOnly(t *testing.T) {
	r := New()
	oldCancelled := make(chan struct{})
	err := r.Start(context.Background(), "old", func(ctx context.Context) {
		<-ctx.Done()
		close(oldCancelled)
	})
	if err != nil {
		t.Fatalf("Start old: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	freshBlock := make(chan struct{})
	err = r.Start(context.Background(), "fresh", func(ctx context.Context) {
		<-freshBlock
	})
	if err != nil {
		t.Fatalf("Start fresh: %v", err)
	}

	ids := r.SurrenderStale(10 * time.Millisecond)
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected only [old] surrendered, got %v", ids)
	}

	select {
	case <-oldCancelled:
	case <-time.After(time.Second):
		t.Fatal("expected old task to observe cancellation")
	}
	close(freshBlock)
	r.Cleanup("fresh")
}

func TestCancelRaceWithSelfTermination(t *testing.T) {
	r := New()
	err := r.Start(context.Background(), "c1", func(ctx context.Context) {
		// Ignores ctx and terminates on its own shortly after Cancel is
		// called, exercising the race between self-termination and the
		// cancel-await.
		time.Sleep(20 * time.Millisecond)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = r.Cancel("c1", time.Second)
	if err != nil {
		t.Fatalf("Cancel should return nil even though termination was not caused by cancellation, got %v", err)
	}
	if r.HasLive("c1") {
		t.Fatal("expected handle deregistered after self-termination")
	}
}
