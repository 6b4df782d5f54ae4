package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]conduit.UsageRecord
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, records []conduit.UsageRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, records)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func waitForRecords(t *testing.T, store *fakeUsageStore, want int, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		if store.totalRecords() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("got %d records, want at least %d", store.totalRecords(), want)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestUsageRecorder_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range usageBatchSize {
		rec.Record(conduit.UsageRecord{Model: fmt.Sprintf("m-%d", i)})
	}

	waitForRecords(t, store, usageBatchSize, 2*time.Second)

	cancel()
	<-done
}

func TestUsageRecorder_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan conduit.UsageRecord, usageChanSize),
		store: store,
		every: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	// Fewer than batch size; only the ticker can flush these.
	rec.Record(conduit.UsageRecord{Model: "test-1"})
	rec.Record(conduit.UsageRecord{Model: "test-2"})

	waitForRecords(t, store, 2, 2*time.Second)

	cancel()
	<-done
}

func TestUsageRecorder_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{
		ch:    make(chan conduit.UsageRecord, 2), // tiny buffer
		store: store,
	}

	// Fill the channel.
	rec.Record(conduit.UsageRecord{Model: "1"})
	rec.Record(conduit.UsageRecord{Model: "2"})
	// This should be dropped silently.
	rec.Record(conduit.UsageRecord{Model: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestUsageRecorder_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(conduit.UsageRecord{Model: "drain-1"})
	rec.Record(conduit.UsageRecord{Model: "drain-2"})

	// Cancel immediately -- should drain.
	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}

func TestUsageRecorder_AssignsIDs(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(conduit.UsageRecord{Model: "no-id"})
	rec.Record(conduit.UsageRecord{ID: "explicit", Model: "has-id"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, batch := range store.batches {
		for _, r := range batch {
			if r.ID == "" {
				t.Errorf("record %q flushed without an id", r.Model)
			}
			if r.Model == "has-id" && r.ID != "explicit" {
				t.Errorf("explicit id overwritten: got %q", r.ID)
			}
		}
	}
}
