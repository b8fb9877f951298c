package rag

import (
	"context"
	"log/slog"
	"strings"

	"github.com/vocera-labs/voicebridge/pkg/errorsx"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Chunk is one retrieved knowledge-base document with its distance to
// the query vector (smaller is closer).
type Chunk struct {
	Text     string
	Distance float64
}

// VectorStore answers nearest-neighbour queries over the knowledge base.
type VectorStore interface {
	Query(ctx context.Context, vector []float64, k int) ([]Chunk, error)
}

// Config drives retrieval. Zero values fall back to the defaults below.
type Config struct {
	K                  int
	RelevanceThreshold float64
	ContextTop         int
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 6
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = 1.0
	}
	if c.ContextTop <= 0 {
		c.ContextTop = 3
	}
	return c
}

const chunkSeparator = "\n\n---\n\n"

// Retriever embeds an utterance and assembles the prompt context block.
type Retriever struct {
	embedder Embedder
	store    VectorStore
	cfg      Config
	logger   *slog.Logger
}

func NewRetriever(embedder Embedder, store VectorStore, cfg Config) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With(slog.String("component", "rag")),
	}
}

// ContextBlock returns the concatenated top chunks for the utterance.
// A store or embedder failure degrades to an empty context rather than
// failing the turn.
func (r *Retriever) ContextBlock(ctx context.Context, utterance string) string {
	if r == nil || r.embedder == nil || r.store == nil {
		return ""
	}
	vector, err := r.embedder.Embed(ctx, utterance)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonEmbed)
		r.logger.Warn("embed_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return ""
	}
	chunks, err := r.store.Query(ctx, vector, r.cfg.K)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonVectorQuery)
		r.logger.Warn("vector_query_failed", "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return ""
	}
	relevant := make([]string, 0, r.cfg.ContextTop)
	for _, c := range chunks {
		if c.Distance > r.cfg.RelevanceThreshold {
			continue
		}
		if text := strings.TrimSpace(c.Text); text != "" {
			relevant = append(relevant, text)
		}
		if len(relevant) >= r.cfg.ContextTop {
			break
		}
	}
	return strings.Join(relevant, chunkSeparator)
}
