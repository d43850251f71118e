package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "stepflow_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := NewSQLiteStore(context.Background(), WithSQLiteDSN(filepath.Join(tempDir, "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "stepflow:test:")
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store that can run without external services.
func backends(t *testing.T) map[string]ConversationStore {
	t.Helper()
	out := map[string]ConversationStore{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
		"redis":  newTestRedisStore(t),
	}
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestGetConversationUnknownIsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			conv, err := s.GetConversation(ctx, "never-seen-"+name)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if len(conv.State) != 0 || conv.Expectation != nil || len(conv.PendingReplies) != 0 {
				t.Errorf("expected empty conversation, got %+v", conv)
			}
		})
	}
}

func TestMergeStateMergesAndDeletes(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := "merge-" + name
			if _, err := MergeState(ctx, s, id, models.StateUpdate{"name": "Ann", "email": "a@x.io"}); err != nil {
				t.Fatalf("MergeState: %v", err)
			}
			state, err := MergeState(ctx, s, id, models.StateUpdate{"email": nil, "datetime": "2020-01-02T10:00:00Z"})
			if err != nil {
				t.Fatalf("MergeState: %v", err)
			}
			if state.Has("email") {
				t.Error("email should have been removed")
			}
			if state.String("name") != "Ann" || state.String("datetime") != "2020-01-02T10:00:00Z" {
				t.Errorf("unexpected state: %v", state)
			}

			conv, err := s.GetConversation(ctx, id)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if len(conv.State) != 2 {
				t.Errorf("expected 2 stored keys, got %v", conv.State)
			}
		})
	}
}

func TestUpdateConversationPersistsExpectationAndReplies(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := "exp-" + name
			_, err := s.UpdateConversation(ctx, id, func(c *models.Conversation) error {
				c.Expectation = &models.Expectation{Stream: "getBookings", Accepts: []string{"provide/email"}}
				c.PendingReplies = []models.ReplyOption{{Label: "Yoga", Stream: "bookClass", Data: map[string]any{"appointmentTypeID": "1"}}}
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateConversation: %v", err)
			}
			conv, err := s.GetConversation(ctx, id)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if conv.Expectation == nil || conv.Expectation.Stream != "getBookings" {
				t.Fatalf("expectation not persisted: %+v", conv.Expectation)
			}
			if len(conv.Expectation.Accepts) != 1 || conv.Expectation.Accepts[0] != "provide/email" {
				t.Errorf("accepts not persisted: %v", conv.Expectation.Accepts)
			}
			if len(conv.PendingReplies) != 1 || conv.PendingReplies[0].Label != "Yoga" {
				t.Errorf("pending replies not persisted: %+v", conv.PendingReplies)
			}
			if conv.PendingReplies[0].Data["appointmentTypeID"] != "1" {
				t.Errorf("reply data not persisted: %+v", conv.PendingReplies[0].Data)
			}

			_, err = s.UpdateConversation(ctx, id, func(c *models.Conversation) error {
				c.Expectation = nil
				c.PendingReplies = nil
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateConversation: %v", err)
			}
			conv, _ = s.GetConversation(ctx, id)
			if conv.Expectation != nil || len(conv.PendingReplies) != 0 {
				t.Errorf("expected cleared expectation and replies, got %+v", conv)
			}
		})
	}
}

func TestUpdateConversationAbortLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := "abort-" + name
			if _, err := MergeState(ctx, s, id, models.StateUpdate{"name": "Ann"}); err != nil {
				t.Fatalf("MergeState: %v", err)
			}
			_, err := s.UpdateConversation(ctx, id, func(c *models.Conversation) error {
				c.State["name"] = "Bob"
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected fn error to surface, got %v", err)
			}
			conv, _ := s.GetConversation(ctx, id)
			if conv.State.String("name") != "Ann" {
				t.Errorf("aborted update leaked: %v", conv.State)
			}
		})
	}
}

func TestConcurrentMergesAreAtomic(t *testing.T) {
	ctx := context.Background()
	const writers = 10
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := "concurrent-" + name
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := MergeState(ctx, s, id, models.StateUpdate{fmt.Sprintf("k%d", i): "v"})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("MergeState: %v", err)
				}
			}
			conv, err := s.GetConversation(ctx, id)
			if err != nil {
				t.Fatalf("GetConversation: %v", err)
			}
			if len(conv.State) != writers {
				t.Errorf("expected %d keys after concurrent merges, got %d: %v", writers, len(conv.State), conv.State)
			}
		})
	}
}

func TestCanceledContextIsStateStoreError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := MergeState(ctx, s, "canceled-"+name, models.StateUpdate{"a": "b"})
			if !errors.Is(err, ErrStateStore) {
				t.Errorf("expected ErrStateStore, got %v", err)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":     DriverPostgres,
		"postgresql://localhost/db":       DriverPostgres,
		"host=localhost dbname=stepflow":  DriverPostgres,
		"redis://localhost:6379/0":        DriverRedis,
		"rediss://cache.example.com:6380": DriverRedis,
		"/var/lib/stepflow/state.db":      DriverSQLite,
		"state.db":                        DriverSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}

func TestOpenSQLiteByPath(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), WithDSN(filepath.Join(dir, "nested", "state.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", s)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(ctx, WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := MergeState(ctx, s, "c1", models.StateUpdate{"name": "Ann"}); err != nil {
		t.Fatalf("MergeState: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(ctx, WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore reopen: %v", err)
	}
	defer s.Close()
	conv, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.State.String("name") != "Ann" {
		t.Errorf("state lost across reopen: %v", conv.State)
	}
}

func getenv(key string) string {
	if val, ok := syscall.Getenv(key); ok {
		return val
	}
	return ""
}
