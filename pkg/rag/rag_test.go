package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "what services do you provide")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "what services do you provide")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashEmbedderSimilarTextsAreCloser(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "salesforce consulting services")
	near, _ := e.Embed(ctx, "we provide salesforce consulting")
	far, _ := e.Embed(ctx, "weather forecast for tomorrow morning")
	if CosineDistance(q, near) >= CosineDistance(q, far) {
		t.Fatalf("expected related text to be closer")
	}
}

func TestMemoryStoreOrdersByDistance(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()
	store := NewMemoryStore()
	for _, doc := range []string{
		"We provide Salesforce consulting.",
		"Our office is in Boston.",
		"We also offer data migration services.",
	} {
		v, _ := e.Embed(ctx, doc)
		store.Add(doc, v)
	}
	q, _ := e.Embed(ctx, "salesforce consulting")
	chunks, err := store.Query(ctx, q, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.LessOrEqual(t, chunks[0].Distance, chunks[1].Distance)
	assert.Equal(t, "We provide Salesforce consulting.", chunks[0].Text)
}

type failingStore struct{}

func (failingStore) Query(context.Context, []float64, int) ([]Chunk, error) {
	return nil, errors.New("connection refused")
}

func TestRetrieverDegradesToEmptyContextOnStoreError(t *testing.T) {
	r := NewRetriever(NewHashEmbedder(32), failingStore{}, Config{})
	if got := r.ContextBlock(context.Background(), "anything"); got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
}

func TestRetrieverFiltersByThresholdAndJoinsTopChunks(t *testing.T) {
	store := NewMemoryStore()
	store.SetFixedResults([]Chunk{
		{Text: "chunk one", Distance: 0.2},
		{Text: "chunk two", Distance: 0.5},
		{Text: "chunk three", Distance: 0.9},
		{Text: "chunk four", Distance: 0.95},
		{Text: "too far", Distance: 1.4},
	})
	r := NewRetriever(NewHashEmbedder(32), store, Config{K: 6, RelevanceThreshold: 1.0, ContextTop: 3})
	got := r.ContextBlock(context.Background(), "question")
	parts := strings.Split(got, "\n\n---\n\n")
	require.Len(t, parts, 3)
	assert.Equal(t, "chunk one", parts[0])
	assert.NotContains(t, got, "too far")
}

func TestRetrieverEmptyWhenNothingRelevant(t *testing.T) {
	store := NewMemoryStore()
	store.SetFixedResults([]Chunk{{Text: "far away", Distance: 2.0}})
	r := NewRetriever(NewHashEmbedder(32), store, Config{})
	if got := r.ContextBlock(context.Background(), "question"); got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
}
