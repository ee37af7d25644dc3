package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"taskboard/db"
	"taskboard/internal/progress"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TASKBOARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TASKBOARD_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, conn, db.Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return conn
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	if err := RollbackMigrations(ctx, conn, db.Migrations()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	var remaining int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&remaining); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected empty schema_migrations after rollback, got %d", remaining)
	}
	if err := ApplyMigrations(ctx, conn, db.Migrations()); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
}

func TestPostgresStoreSharedCompletion(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	ids := map[string]string{}
	for _, login := range []string{"alice", "bob", "eve"} {
		user, err := s.CreateUser(ctx, User{ID: "usr_" + login, Login: login, PasswordHash: "x"})
		if err != nil {
			t.Fatalf("CreateUser(%s): %v", login, err)
		}
		ids[login] = user.ID
	}
	if _, err := s.CreateUser(ctx, User{ID: "usr_dup", Login: "alice", PasswordHash: "x"}); !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected ErrDuplicateLogin, got %v", err)
	}

	task, err := s.CreateTask(ctx, Task{ID: "tsk_1", Title: "Ship", CreatedBy: ids["alice"]})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.CreatedByLogin != "alice" || len(task.Participants) != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}

	shared, err := s.ShareTask(ctx, task.ID, ids["alice"], []string{"bob", "ghost", "alice"})
	if err != nil {
		t.Fatalf("ShareTask: %v", err)
	}
	if len(shared.Added) != 1 || shared.Task.Version != 2 {
		t.Fatalf("unexpected share result: %+v", shared)
	}

	if err := s.DeleteTask(ctx, task.ID, ids["eve"]); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("outsider delete: expected ErrPermissionDenied, got %v", err)
	}

	if _, err := s.CompleteTask(ctx, task.ID, ids["alice"]); err != nil {
		t.Fatalf("CompleteTask alice: %v", err)
	}
	res, err := s.CompleteTask(ctx, task.ID, ids["bob"])
	if err != nil {
		t.Fatalf("CompleteTask bob: %v", err)
	}
	if !res.Transitioned || res.Task.Status != progress.StatusDone {
		t.Fatalf("expected done, got %+v", res)
	}
	again, err := s.CompleteTask(ctx, task.ID, ids["bob"])
	if err != nil || again.Changed {
		t.Fatalf("repeat completion: %+v %v", again, err)
	}

	bob, _ := s.GetUserByID(ctx, ids["bob"])
	if bob.CompletedCount != 1 {
		t.Fatalf("bob completed count = %d, want 1", bob.CompletedCount)
	}

	listed, err := s.ListTasksForUser(ctx, ids["bob"])
	if err != nil || len(listed) != 1 || len(listed[0].Participants) != 2 {
		t.Fatalf("ListTasksForUser: %+v %v", listed, err)
	}

	if err := s.DeleteTask(ctx, task.ID, ids["bob"]); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreCompleteRacingDelete(t *testing.T) {
	s := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, User{ID: "usr_alice", Login: "alice", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser alice: %v", err)
	}
	bob, err := s.CreateUser(ctx, User{ID: "usr_bob", Login: "bob", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser bob: %v", err)
	}

	for i := 0; i < 50; i++ {
		taskID := fmt.Sprintf("tsk_race_%d", i)
		if _, err := s.CreateTask(ctx, Task{ID: taskID, Title: "Race", CreatedBy: alice.ID}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if _, err := s.ShareTask(ctx, taskID, alice.ID, []string{"bob"}); err != nil {
			t.Fatalf("ShareTask: %v", err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		var completeErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, completeErr = s.CompleteTask(ctx, taskID, bob.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			deleteErr = s.DeleteTask(ctx, taskID, alice.ID)
		}()
		close(start)
		wg.Wait()

		if deleteErr != nil {
			t.Fatalf("iteration %d: DeleteTask: %v", i, deleteErr)
		}
		if completeErr != nil && !errors.Is(completeErr, ErrNotFound) {
			t.Fatalf("iteration %d: CompleteTask: %v", i, completeErr)
		}
		if _, err := s.GetTask(ctx, taskID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("iteration %d: task survived delete: %v", i, err)
		}
	}

	var orphans int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participations`).Scan(&orphans); err != nil {
		t.Fatalf("count participations: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("%d participations outlived their tasks", orphans)
	}
}
