package history

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreRecentKeepsOrderAndWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := store.AppendTurn(ctx, "CA1", Turn{
			User:      fmt.Sprintf("q%d", i),
			Assistant: fmt.Sprintf("a%d", i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	turns, err := store.Recent(ctx, "CA1", 6)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 6 {
		t.Fatalf("expected 6 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := fmt.Sprintf("q%d", i+4)
		if turn.User != want {
			t.Fatalf("turn %d: expected %s, got %s", i, want, turn.User)
		}
	}
}

func TestMemoryStoreIsolatesCalls(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.AppendTurn(ctx, "CA1", Turn{User: "one"})
	_ = store.AppendTurn(ctx, "CA2", Turn{User: "two"})
	turns, _ := store.Recent(ctx, "CA1", 10)
	if len(turns) != 1 || turns[0].User != "one" {
		t.Fatalf("cross-call leakage: %+v", turns)
	}
}

func TestSaveConversationRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := Record{
		CallID:      "CA1",
		AgentID:     "agent-1",
		Status:      StatusCompleted,
		PhoneNumber: "+15550100",
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
	}
	if err := store.SaveConversation(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := store.Conversation("CA1")
	if !ok {
		t.Fatalf("record missing")
	}
	if got.Status != StatusCompleted || got.PhoneNumber != "+15550100" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
