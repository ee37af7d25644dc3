package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskboard/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	results []Result
	err     error
	indexed []TaskRecord
	deleted []string
	queries []Query
	done    chan struct{}
}

func newFakeIndex(healthy bool) *fakeIndex {
	return &fakeIndex{healthy: healthy, done: make(chan struct{}, 8)}
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) IndexTasks(records []TaskRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndex) DeleteTask(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndex) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background index call")
	}
}

type fakeSearcher struct {
	results []Result
	calls   int
}

func (f *fakeSearcher) Healthy() bool { return true }

func (f *fakeSearcher) Search(context.Context, Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), nil
}

func TestServicePrefersHealthyIndex(t *testing.T) {
	index := newFakeIndex(true)
	index.results = []Result{{TaskID: "tsk_1"}}
	fallback := &fakeSearcher{results: []Result{{TaskID: "tsk_2"}}}
	svc := NewService(index, fallback, nil)

	resp := svc.Search(context.Background(), Query{Text: "  milk ", UserID: "usr_1", Limit: 500})
	if len(resp.Results) != 1 || resp.Results[0].TaskID != "tsk_1" {
		t.Fatalf("unexpected results: %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback should not be used while index is healthy")
	}
	if index.queries[0].Text != "milk" || index.queries[0].Limit != maxLimit {
		t.Fatalf("query not normalized: %+v", index.queries[0])
	}
}

func TestServiceFallsBackOnIndexError(t *testing.T) {
	index := newFakeIndex(true)
	index.err = errors.New("boom")
	fallback := &fakeSearcher{results: []Result{{TaskID: "tsk_2"}}}
	svc := NewService(index, fallback, nil)

	resp := svc.Search(context.Background(), Query{Text: "milk", UserID: "usr_1"})
	if len(resp.Results) != 1 || resp.Results[0].TaskID != "tsk_2" {
		t.Fatalf("expected fallback results, got %+v", resp)
	}
}

func TestServiceSkipsIndexingWhenUnhealthy(t *testing.T) {
	index := newFakeIndex(false)
	svc := NewService(index, &fakeSearcher{}, nil)
	svc.IndexTask(TaskRecord{ID: "tsk_1"})
	svc.DeleteTask("tsk_1")
	time.Sleep(20 * time.Millisecond)
	if len(index.indexed) != 0 || len(index.deleted) != 0 {
		t.Fatal("unhealthy index must not receive writes")
	}
}

func TestServiceIndexesInBackground(t *testing.T) {
	index := newFakeIndex(true)
	svc := NewService(index, &fakeSearcher{}, nil)
	svc.IndexTask(TaskRecord{ID: "tsk_1"})
	index.wait(t)
	svc.DeleteTask("tsk_1")
	index.wait(t)

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.indexed) != 1 || len(index.deleted) != 1 {
		t.Fatalf("indexed=%v deleted=%v", index.indexed, index.deleted)
	}
}

func TestScanMatchesParticipantTasksOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	alice, _ := s.CreateUser(ctx, store.User{ID: "usr_a", Login: "alice"})
	bob, _ := s.CreateUser(ctx, store.User{ID: "usr_b", Login: "bob"})
	if _, err := s.CreateTask(ctx, store.Task{ID: "tsk_1", Title: "Buy milk", Description: "Two liters", CreatedBy: alice.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask(ctx, store.Task{ID: "tsk_2", Title: "Buy bread", CreatedBy: bob.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	scan := NewScan(s)
	results, total, err := scan.Search(ctx, Query{Text: "BUY liters", UserID: alice.ID})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || results[0].TaskID != "tsk_1" {
		t.Fatalf("unexpected results: %+v", results)
	}

	results, _, _ = scan.Search(ctx, Query{Text: "bread", UserID: alice.ID})
	if len(results) != 0 {
		t.Fatalf("alice must not see bob's task: %+v", results)
	}
}

func TestRecordFromTask(t *testing.T) {
	record := RecordFromTask(store.Task{
		ID:           "tsk_1",
		Title:        "Ship",
		Participants: []store.Participation{{UserID: "usr_a"}, {UserID: "usr_b"}},
	})
	if len(record.Participants) != 2 || record.Participants[1] != "usr_b" {
		t.Fatalf("unexpected record: %+v", record)
	}
}
