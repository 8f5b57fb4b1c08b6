package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoad_UnknownSessionIsEmpty(t *testing.T) {
	s := newTestStore(t)

	msgs, err := s.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load returned error for unknown session: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(msgs))
	}
}

func TestAppend_PreservesArrivalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "second"},
		{Role: RoleUser, Content: "third"},
		{Role: RoleAssistant, Content: "fourth"},
	}
	for _, m := range want {
		if err := s.Append(ctx, "sess-order", m); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Load(ctx, "sess-order")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestAppendTurn_WritesBothMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendTurn(ctx, "sess-turn",
		Message{Role: RoleUser, Content: "question"},
		Message{Role: RoleAssistant, Content: "answer"})
	if err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	got, err := s.Load(ctx, "sess-turn")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Role != RoleUser || got[1].Role != RoleAssistant {
		t.Fatalf("turn order wrong: %+v", got)
	}
}

func TestAppendTurn_RejectsEmptyRoleWithoutPartialWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendTurn(ctx, "sess-partial",
		Message{Role: RoleUser, Content: "question"},
		Message{Role: "", Content: "bad"})
	if err == nil {
		t.Fatalf("expected error for empty role")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %T", err)
	}

	got, err := s.Load(ctx, "sess-partial")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("failed turn must not leave partial writes, got %d messages", len(got))
	}
}

func TestClear_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendTurn(ctx, "sess-clear",
		Message{Role: RoleUser, Content: "hi"},
		Message{Role: RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	if err := s.Clear(ctx, "sess-clear"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, err := s.Load(ctx, "sess-clear")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history after clear, got %d messages", len(got))
	}

	// Clearing something that never existed is fine.
	if err := s.Clear(ctx, "sess-never"); err != nil {
		t.Fatalf("Clear on unknown session failed: %v", err)
	}
}

func TestSessions_AreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-a", Message{Role: RoleUser, Content: "alpha"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(ctx, "sess-b", Message{Role: RoleUser, Content: "beta"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.Clear(ctx, "sess-a"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, err := s.Load(ctx, "sess-b")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "beta" {
		t.Fatalf("clearing sess-a affected sess-b: %+v", got)
	}
}

func TestAppendTurn_ConcurrentSameSessionNeverInterleaves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const turns = 16
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendTurn(ctx, "sess-race",
				Message{Role: RoleUser, Content: fmt.Sprintf("q-%d", i)},
				Message{Role: RoleAssistant, Content: fmt.Sprintf("a-%d", i)})
			if err != nil {
				t.Errorf("AppendTurn failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Load(ctx, "sess-race")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != turns*2 {
		t.Fatalf("expected %d messages, got %d", turns*2, len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i].Role != RoleUser || got[i+1].Role != RoleAssistant {
			t.Fatalf("turn at index %d interleaved: %s then %s", i, got[i].Role, got[i+1].Role)
		}
	}
}

func TestSessions_ListsTaggedMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-meta", Message{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Tag(ctx, "sess-meta", "oc_chat1", "ou_user1"); err != nil {
		t.Fatalf("Tag failed: %v", err)
	}

	infos, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	info := infos[0]
	if info.SessionID != "sess-meta" || info.ChatID != "oc_chat1" || info.UserID != "ou_user1" {
		t.Fatalf("unexpected session info: %+v", info)
	}
	if info.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", info.MessageCount)
	}
}
