package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"taskboard/internal/app"
	"taskboard/internal/auth"
	"taskboard/internal/protocol"
	"taskboard/internal/realtime"
	"taskboard/internal/session"
	"taskboard/internal/store"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func startBackend(t *testing.T) (*app.Service, *realtime.Server, *httptest.Server) {
	t.Helper()
	svc := app.New(app.Options{
		Store:      store.NewMemoryStore(),
		Restore:    session.NewMemoryRestoreStore(),
		Tokens:     auth.NewIssuer("test-secret", time.Hour),
		BcryptCost: bcrypt.MinCost,
	})
	rt := realtime.NewServer(realtime.Options{Backend: svc, AllowedOrigins: []string{"*"}})
	ts := httptest.NewServer(rt)
	t.Cleanup(func() {
		rt.Shutdown()
		ts.Close()
	})
	return svc, rt, ts
}

// silentServer accepts websockets and reads forever without answering.
// With closeAfterRead it drops the connection after the first frame.
func silentServer(t *testing.T, closeAfterRead bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil || closeAfterRead {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runManager(t *testing.T, m interface{ Run(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRequestWhileDisconnectedFailsFast(t *testing.T) {
	m := NewManager(Options{URL: "ws://127.0.0.1:1/ws", RequestTimeout: time.Second})
	started := time.Now()
	_, err := m.Request(context.Background(), protocol.EventCreateTask, protocol.CreateTaskRequest{Title: "x"})
	if Code(err) != protocol.CodeConnectionLost {
		t.Fatalf("expected CONNECTION_LOST, got %v", err)
	}
	if time.Since(started) > 100*time.Millisecond {
		t.Fatal("request while disconnected must not wait")
	}
}

func TestMutationBeforeAuthenticationFailsLocally(t *testing.T) {
	ts := silentServer(t, false)
	m := NewManager(Options{URL: wsURL(ts.URL), RequestTimeout: time.Second})
	runManager(t, m)
	eventually(t, "connected", func() bool { return m.State() == StateConnected })

	_, err := m.Request(context.Background(), protocol.EventCompleteTask, protocol.TaskRef{TaskID: "tsk_1"})
	if Code(err) != protocol.CodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	ts := silentServer(t, false)
	m := NewManager(Options{URL: wsURL(ts.URL), RequestTimeout: 100 * time.Millisecond})
	runManager(t, m)
	eventually(t, "connected", func() bool { return m.State() == StateConnected })

	_, err := m.Request(context.Background(), protocol.EventPing, nil)
	if Code(err) != protocol.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestPendingRequestFailsWhenConnectionDrops(t *testing.T) {
	ts := silentServer(t, true)
	m := NewManager(Options{URL: wsURL(ts.URL), RequestTimeout: 2 * time.Second, ReconnectInitial: time.Hour})
	runManager(t, m)
	eventually(t, "connected", func() bool { return m.State() == StateConnected })

	_, err := m.Request(context.Background(), protocol.EventPing, nil)
	if Code(err) != protocol.CodeConnectionLost {
		t.Fatalf("expected CONNECTION_LOST, got %v", err)
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts.URL)
	ts.Close()

	var terminal atomic.Int32
	m := NewManager(Options{
		URL:               url,
		ReconnectInitial:  time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		ReconnectAttempts: 3,
		OnTerminal:        func(error) { terminal.Add(1) },
	})
	err := m.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if terminal.Load() != 1 || m.State() != StateDisconnected {
		t.Fatalf("terminal calls = %d state = %v", terminal.Load(), m.State())
	}
}

func TestBackoffIsBounded(t *testing.T) {
	m := NewManager(Options{ReconnectInitial: time.Second, ReconnectMax: 5 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestLoginWaitsForTransport(t *testing.T) {
	_, _, ts := startBackend(t)
	board := NewBoard(BoardOptions{Manager: Options{URL: wsURL(ts.URL), RequestTimeout: 2 * time.Second}})

	result := make(chan error, 1)
	go func() {
		_, err := board.Register(context.Background(), "alice", "alice-pw")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	runManager(t, board)

	if err := <-result; err != nil {
		t.Fatalf("Register: %v", err)
	}
	if board.Manager().State() != StateAuthenticated {
		t.Fatalf("state = %v", board.Manager().State())
	}
}

func TestReconnectEndsAuthenticatedWithAuthoritativeView(t *testing.T) {
	svc, rt, ts := startBackend(t)
	cache, err := OpenSnapshotCache(filepath.Join(t.TempDir(), "cache.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("OpenSnapshotCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	var authenticated atomic.Int32
	board := NewBoard(BoardOptions{
		Manager: Options{
			URL:              wsURL(ts.URL),
			RequestTimeout:   2 * time.Second,
			ReconnectInitial: 10 * time.Millisecond,
			ReconnectMax:     20 * time.Millisecond,
		},
		Cache: cache,
		OnState: func(s State) {
			if s == StateAuthenticated {
				authenticated.Add(1)
			}
		},
	})
	runManager(t, board)
	eventually(t, "connected", func() bool { return board.Manager().State() == StateConnected })

	ctx := context.Background()
	if _, err := board.Register(ctx, "alice", "alice-pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	taskID, err := board.CreateTask(ctx, "Buy milk", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, phase, ok := board.Engine().Task(taskID); !ok || phase != PhaseConfirmed {
		t.Fatalf("created task not confirmed: %v %v", phase, ok)
	}

	// A change the client is never told about directly.
	auth, err := svc.Login(ctx, "alice", "alice-pw")
	if err != nil {
		t.Fatalf("direct login: %v", err)
	}
	if _, err := svc.CompleteTask(ctx, auth.Identity, taskID, "offline-change"); err != nil {
		t.Fatalf("direct complete: %v", err)
	}
	if task, _, _ := board.Engine().Task(taskID); task.Status == "done" {
		t.Fatal("view should not know about the direct change yet")
	}

	rt.Shutdown()

	eventually(t, "re-authentication", func() bool {
		return authenticated.Load() >= 2 && board.Manager().State() == StateAuthenticated
	})
	eventually(t, "authoritative view", func() bool {
		task, phase, ok := board.Engine().Task(taskID)
		return ok && phase == PhaseConfirmed && task.Status == "done" && task.Progress == 100
	})
	if len(board.Tasks()) != 1 {
		t.Fatalf("unexpected view: %+v", board.Tasks())
	}
	if identity, ok := board.Manager().Identity(); !ok || identity.Login != "alice" {
		t.Fatalf("identity lost across reconnect: %+v %v", identity, ok)
	}
}
