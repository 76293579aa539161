package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/embedding"
)

// Options tune a Retriever.
type Options struct {
	DefaultTopK int
	MaxTopK     int
	CacheTTL    time.Duration
	// OnCacheLookup, if set, is told whether each query embedding came from the cache.
	OnCacheLookup func(hit bool)
}

// Retriever is the per-user semantic search over the active generation.
type Retriever struct {
	index    *Index
	embedder embedding.Embedder
	cache    QueryCache
	opts     Options
	log      zerolog.Logger
}

// NewRetriever wires a retriever and clears cache on every index swap. cache may be nil.
func NewRetriever(index *Index, embedder embedding.Embedder, cache QueryCache, opts Options, log zerolog.Logger) *Retriever {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 8
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = 20
	}
	if opts.DefaultTopK > opts.MaxTopK {
		opts.DefaultTopK = opts.MaxTopK
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	r := &Retriever{index: index, embedder: embedder, cache: cache, opts: opts, log: log}
	if cache != nil {
		index.OnSwap(func(g *Generation) {
			cache.Clear()
			r.log.Info().Int64("generation", g.ID).Msg("query embedding cache cleared after index swap")
		})
	}
	return r
}

// ClampTopK applies the default and the configured maximum.
func (r *Retriever) ClampTopK(topK int) int {
	if topK <= 0 {
		return r.opts.DefaultTopK
	}
	if topK > r.opts.MaxTopK {
		return r.opts.MaxTopK
	}
	return topK
}

// ClearCache drops every cached query embedding.
func (r *Retriever) ClearCache() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// Search returns at most topK documents owned by userID, most similar first.
// An index that was never built is RETRIEVAL_UNAVAILABLE; an empty one yields no documents.
func (r *Retriever) Search(ctx context.Context, userID, query string, topK int, params domain.Parameters) ([]domain.RetrievedDocument, error) {
	const op = "Retriever.Search"

	if userID == "" {
		return nil, apperr.E(apperr.CodeUserScopeViolation, op, "a user id is required for every search", nil)
	}

	gen := r.index.Current()
	if gen == nil {
		return nil, apperr.E(apperr.CodeRetrievalUnavailable, op,
			"The search index is not built yet. Please build the index and try again.", nil)
	}
	if gen.Model != r.embedder.Model() || gen.Dimensions != r.embedder.Dimensions() {
		return nil, apperr.E(apperr.CodeRetrievalUnavailable, op,
			"The search index was built with a different embedding model. Please rebuild the index.",
			fmt.Errorf("index model %s/%d, embedder %s/%d", gen.Model, gen.Dimensions, r.embedder.Model(), r.embedder.Dimensions()))
	}
	if gen.Documents == 0 {
		return []domain.RetrievedDocument{}, nil
	}

	vec, err := r.embedQuery(ctx, gen.ID, userID, query)
	if err != nil {
		return nil, err
	}

	where := map[string]string{}
	if params.Category != "" {
		where[metaCategory] = string(params.Category)
	}
	if params.Direction != "" {
		where[metaDirection] = string(params.Direction)
	}

	hits, err := gen.Query(ctx, vec, userID, where)
	if err != nil {
		return nil, err
	}

	k := r.ClampTopK(topK)
	docs := make([]domain.RetrievedDocument, 0, k)
	for _, h := range hits {
		if !params.Matches(h.Transaction) {
			continue
		}
		docs = append(docs, domain.RetrievedDocument{
			Transaction: h.Transaction,
			Score:       h.Similarity,
			Rank:        len(docs) + 1,
		})
		if len(docs) == k {
			break
		}
	}

	r.log.Debug().
		Str("user_id", userID).
		Int64("generation", gen.ID).
		Int("candidates", len(hits)).
		Int("returned", len(docs)).
		Msg("semantic search done")
	return docs, nil
}

func (r *Retriever) embedQuery(ctx context.Context, generation int64, userID, query string) ([]float32, error) {
	key := cacheKey(generation, userID, query)
	if r.cache != nil {
		if vec, ok := r.cache.Get(key); ok {
			r.observe(true)
			return vec, nil
		}
		r.observe(false)
	}

	vec, err := r.embedder.Embed(embedding.WithTask(ctx, embedding.TaskQuery), NormalizeQuery(query))
	if err != nil {
		var coded *apperr.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperr.E(apperr.CodeExternalTimeout, "Retriever.embedQuery", "embedding the query timed out", err)
		}
		return nil, apperr.E(apperr.CodeExternalService, "Retriever.embedQuery", "embedding the query failed", err)
	}

	if r.cache != nil {
		r.cache.Set(key, vec, r.opts.CacheTTL)
	}
	return vec, nil
}

func (r *Retriever) observe(hit bool) {
	if r.opts.OnCacheLookup != nil {
		r.opts.OnCacheLookup(hit)
	}
}
