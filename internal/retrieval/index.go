// Package retrieval holds the vector index and the per-user semantic search over it.
//
// An Index publishes immutable generations. A rebuild fills a brand new chromem
// database and swaps one pointer, so a search always runs against a complete
// generation: the one that was current when it started.
package retrieval

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	chromem "github.com/philippgille/chromem-go"

	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
)

const collectionName = "transactions"

// Metadata keys stored with every vector.
const (
	metaOwner       = "owner_user_id"
	metaCategory    = "category"
	metaDirection   = "direction"
	metaDate        = "date"
	metaAmount      = "amount"
	metaDescription = "description"
	metaSeq         = "seq"
)

// Entry is one transaction with its precomputed embedding.
type Entry struct {
	Transaction domain.Transaction
	Text        string
	Embedding   []float32
}

// Generation is one immutable build of the index.
type Generation struct {
	ID         int64     `json:"generation"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Documents  int       `json:"documents"`
	BuiltAt    time.Time `json:"built_at"`

	db  *chromem.DB
	col *chromem.Collection
}

// Hit is a raw match inside a generation.
type Hit struct {
	Transaction domain.Transaction
	Similarity  float64
	Seq         int64
}

// Index owns the active generation.
type Index struct {
	current atomic.Pointer[Generation]

	buildMu sync.Mutex
	lastID  int64

	hooksMu sync.Mutex
	onSwap  []func(*Generation)
}

// NewIndex returns an index with no generation. Searches fail with
// RETRIEVAL_UNAVAILABLE until the first Build or Install.
func NewIndex() *Index {
	return &Index{}
}

// Current returns the active generation or nil.
func (ix *Index) Current() *Generation {
	return ix.current.Load()
}

// OnSwap registers fn to run after every new generation is published.
func (ix *Index) OnSwap(fn func(*Generation)) {
	ix.hooksMu.Lock()
	ix.onSwap = append(ix.onSwap, fn)
	ix.hooksMu.Unlock()
}

// Build writes entries into a fresh generation and makes it current.
// Builds are serialized; searches keep using the previous generation until the swap.
func (ix *Index) Build(ctx context.Context, model string, dims int, entries []Entry, concurrency int) (*Generation, error) {
	if model == "" || dims <= 0 {
		return nil, fmt.Errorf("Index.Build: model and dimensions are required")
	}

	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, map[string]string{"model": model}, nil)
	if err != nil {
		return nil, fmt.Errorf("Index.Build: create collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(entries))
	for i, e := range entries {
		if len(e.Embedding) != dims {
			return nil, fmt.Errorf("Index.Build: entry %s has %d dimensions, want %d", e.Transaction.ID, len(e.Embedding), dims)
		}
		if e.Transaction.UserID == "" {
			return nil, fmt.Errorf("Index.Build: entry %s has no owner", e.Transaction.ID)
		}
		docs = append(docs, chromem.Document{
			ID:        e.Transaction.ID,
			Content:   e.Text,
			Embedding: e.Embedding,
			Metadata:  metadataOf(e.Transaction, int64(i)),
		})
	}

	if len(docs) > 0 {
		if concurrency <= 0 {
			concurrency = 1
		}
		if err := col.AddDocuments(ctx, docs, concurrency); err != nil {
			return nil, fmt.Errorf("Index.Build: add documents: %w", err)
		}
	}

	g := &Generation{
		Model:      model,
		Dimensions: dims,
		Documents:  col.Count(),
		BuiltAt:    time.Now().UTC(),
		db:         db,
		col:        col,
	}
	ix.publishLocked(g)
	return g, nil
}

// publishLocked assigns the next id and swaps g in. buildMu must be held.
func (ix *Index) publishLocked(g *Generation) {
	ix.lastID++
	g.ID = ix.lastID
	ix.current.Store(g)

	ix.hooksMu.Lock()
	hooks := slices.Clone(ix.onSwap)
	ix.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(g)
	}
}

func metadataOf(t domain.Transaction, seq int64) map[string]string {
	return map[string]string{
		metaOwner:       t.UserID,
		metaCategory:    string(t.Category),
		metaDirection:   string(t.Direction),
		metaDate:        t.Date.String(),
		metaAmount:      strconv.FormatInt(t.Amount, 10),
		metaDescription: t.Description,
		metaSeq:         strconv.FormatInt(seq, 10),
	}
}

func transactionOf(id string, m map[string]string) (domain.Transaction, int64, error) {
	d, err := civil.ParseDate(m[metaDate])
	if err != nil {
		return domain.Transaction{}, 0, fmt.Errorf("document %s: bad date: %w", id, err)
	}
	amount, err := strconv.ParseInt(m[metaAmount], 10, 64)
	if err != nil {
		return domain.Transaction{}, 0, fmt.Errorf("document %s: bad amount: %w", id, err)
	}
	seq, err := strconv.ParseInt(m[metaSeq], 10, 64)
	if err != nil {
		return domain.Transaction{}, 0, fmt.Errorf("document %s: bad seq: %w", id, err)
	}
	return domain.Transaction{
		ID:          id,
		UserID:      m[metaOwner],
		Amount:      amount,
		Category:    domain.Category(m[metaCategory]),
		Description: m[metaDescription],
		Date:        d,
		Direction:   domain.Direction(m[metaDirection]),
	}, seq, nil
}

// Query returns every document owned by userID that matches where, ranked by
// cosine similarity descending and then by insertion order. userID is mandatory.
func (g *Generation) Query(ctx context.Context, vec []float32, userID string, where map[string]string) ([]Hit, error) {
	const op = "Generation.Query"

	if userID == "" {
		return nil, apperr.E(apperr.CodeUserScopeViolation, op, "a user id is required for every search", nil)
	}
	if len(vec) != g.Dimensions {
		return nil, apperr.E(apperr.CodeRetrievalUnavailable, op, "search index does not match the embedding model",
			fmt.Errorf("query has %d dimensions, index has %d", len(vec), g.Dimensions))
	}
	if g.Documents == 0 || isZero(vec) {
		return nil, nil
	}

	filter := make(map[string]string, len(where)+1)
	for k, v := range where {
		filter[k] = v
	}
	filter[metaOwner] = userID

	results, err := g.col.QueryEmbedding(ctx, vec, g.Documents, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: chromem query: %w", op, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Metadata[metaOwner] != userID {
			return nil, apperr.E(apperr.CodeUserScopeViolation, op, "search crossed a user boundary",
				fmt.Errorf("document %s is not owned by the requesting user", r.ID))
		}
		t, seq, err := transactionOf(r.ID, r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sim := float64(r.Similarity)
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		hits = append(hits, Hit{Transaction: t, Similarity: sim, Seq: seq})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
	return hits, nil
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
