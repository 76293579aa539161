package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/api/handlers"
	"github.com/dvloznov/finance-assistant/internal/config"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/jobs"
	"github.com/dvloznov/finance-assistant/internal/orchestrator"
)

const transactionsFile = `[
  {"id": "t1", "userId": "u1", "date": "2025-09-21", "description": "Room rent", "amount": 169.69, "type": "Debit", "category": "Rent"},
  {"id": "t2", "userId": "u1", "date": "2025-09-03", "description": "UPI-Swiggy", "amount": 42.50, "type": "Debit", "category": "Food"},
  {"id": "t3", "userId": "u1", "date": "2025-09-12", "description": "Zomato dinner", "amount": 18.99, "type": "Debit", "category": "Food"},
  {"id": "t4", "userId": "u1", "date": "2025-09-01", "description": "Salary", "amount": 5000, "type": "Credit", "category": "Salary"},
  {"id": "t5", "userId": "u2", "date": "2025-09-05", "description": "Team feast", "amount": 999, "type": "Debit", "category": "Food"}
]`

func fixedNow() time.Time { return time.Date(2025, 10, 16, 9, 0, 0, 0, time.UTC) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transactions.json")
	if err := os.WriteFile(path, []byte(transactionsFile), 0o600); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Memory:      config.MemoryConfig{Backend: "inmemory", Turns: 5, ContextTurns: 3, TTL: time.Hour},
		LLM:         config.LLMConfig{Provider: "none", MaxTokens: 256},
		Embedding:   config.EmbeddingConfig{Provider: "hash", Dimensions: 128, Concurrency: 4},
		Retrieval:   config.RetrievalConfig{DefaultTopK: 5, MaxTopK: 20, CacheTTL: time.Minute, CacheMaxEntries: 100},
		Aggregation: config.AggregationConfig{DefaultLimit: 5, MaxLimit: 20},
		Data:        config.DataConfig{Source: "file", FilePath: path},
		Snapshot:    config.SnapshotConfig{Object: "index/transactions.snapshot"},
		Currency:    config.CurrencyConfig{Symbol: "₹", Exponent: 2},
		Jobs:        config.JobsConfig{QueueSize: 4, Workers: 1},
		Index:       config.IndexConfig{BuildOnStart: true},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zerolog.Nop(), append([]Option{WithClock(fixedNow)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func postQuery(t *testing.T, h http.Handler, body string) handlers.QueryResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out handlers.QueryResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestApp_OfflineQueries(t *testing.T) {
	a := newApp(t, testConfig(t))
	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	srv := a.Server().Router()

	top := postQuery(t, srv, `{"user_id":"u1","query":"my top 2 expenses"}`)
	if top.Operation != domain.OperationTopN || !strings.HasPrefix(top.ResponseText, "Here are your top 2 expenses") {
		t.Errorf("top_n = %+v", top)
	}
	if !strings.Contains(top.ResponseText, "**₹169.69** for **Room rent**") {
		t.Errorf("top_n text = %q", top.ResponseText)
	}

	total := postQuery(t, srv, `{"user_id":"u1","query":"how much did I spend on food in September"}`)
	if !strings.Contains(total.ResponseText, "₹61.49 across 2 transactions") {
		t.Errorf("total text = %q", total.ResponseText)
	}

	knowledge := postQuery(t, srv, `{"user_id":"u1","query":"any unusual patterns in food","top_k":10}`)
	if knowledge.Intent != domain.IntentKnowledgeQuery || len(knowledge.Retrieved) == 0 {
		t.Fatalf("knowledge = %+v", knowledge)
	}
	for _, r := range knowledge.Retrieved {
		if r.ID == "t5" {
			t.Error("another user's transaction was retrieved")
		}
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{"finchat_index_generation 1", "finchat_index_documents 5", `finchat_requests_total{intent="data_query",status="ok"} 2`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestApp_RebuildJob(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Queue.Start(ctx, a.HandleJob); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := a.Server().Router()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/index/rebuild", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var accepted map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&accepted)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := a.Jobs.GetJob(ctx, accepted["job_id"])
		if err == nil && job.Status.Terminal() {
			if job.Status != jobs.JobStatusCompleted || job.Generation != 1 || job.Documents != 5 {
				t.Fatalf("job = %+v", job)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rebuild job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.Index.Current() == nil {
		t.Error("index not built by the job")
	}
}

func TestApp_RedisMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Memory.Backend = "redis"
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := newApp(t, cfg, WithRedis(client))
	for i := 0; i < 2; i++ {
		if _, err := a.Orchestrator.Handle(context.Background(), orchestrator.Request{UserID: "u1", Query: "hello"}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	stats, err := a.Memory.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Backend != "redis" || stats.Turns != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestApp_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = "redis"
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	if _, err := New(context.Background(), cfg, zerolog.Nop(), WithRedis(client)); err == nil {
		t.Fatal("expected a ping error")
	}
}

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Upload(_ context.Context, bucket, object string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+object] = data
	return nil
}

func (m *memStore) Download(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+object]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, object)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestApp_BootstrapFromSnapshot(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}}
	cfg := testConfig(t)
	cfg.Snapshot.Bucket = "finchat"

	// No snapshot yet: falls back to building, which uploads one.
	first := newApp(t, cfg, WithObjectStore(store))
	if err := first.Bootstrap(context.Background()); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	if len(store.objects) != 1 {
		t.Fatalf("snapshot not uploaded: %v", store.objects)
	}

	cfg.Index.BuildOnStart = false
	second := newApp(t, cfg, WithObjectStore(store))
	if err := second.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	g := second.Index.Current()
	if g == nil || g.Documents != 5 {
		t.Fatalf("restored generation = %+v", g)
	}
}

func TestApp_BootstrapWithoutBuild(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.BuildOnStart = false
	a := newApp(t, cfg)
	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	resp, err := a.Orchestrator.Handle(context.Background(), orchestrator.Request{UserID: "u1", Query: "any unusual patterns in food"})
	if err == nil || resp.ErrorCode != "RETRIEVAL_UNAVAILABLE" {
		t.Errorf("err = %v code = %s", err, resp.ErrorCode)
	}
}

// stalledSource never answers a per-user read before its context ends.
type stalledSource struct{}

func (stalledSource) ListTransactions(ctx context.Context, _ string) ([]domain.Transaction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledSource) ListAllTransactions(context.Context) ([]domain.Transaction, error) {
	return nil, nil
}

func TestApp_DataReadTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.ReadTimeout = 30 * time.Millisecond
	a := newApp(t, cfg, WithSource(stalledSource{}))

	start := time.Now()
	resp, err := a.Orchestrator.Handle(context.Background(), orchestrator.Request{UserID: "u1", Query: "total for september"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.ErrorCode != "EXTERNAL_SERVICE_TIMEOUT" {
		t.Errorf("code = %s, want EXTERNAL_SERVICE_TIMEOUT", resp.ErrorCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Handle blocked for %v", elapsed)
	}
}

// brokenScanSource fails full scans.
type brokenScanSource struct{ stalledSource }

func (brokenScanSource) ListAllTransactions(context.Context) ([]domain.Transaction, error) {
	return nil, fmt.Errorf("bigquery down")
}

func TestApp_RunRebuild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newApp(t, testConfig(t))
	job, err := a.RunRebuild(ctx, jobs.ReasonCLI)
	if err != nil {
		t.Fatalf("RunRebuild: %v", err)
	}
	if job.Status != jobs.JobStatusCompleted || job.Reason != jobs.ReasonCLI || job.Generation != 1 || job.Documents != 5 {
		t.Errorf("job = %+v", job)
	}
	if a.Index.Current() == nil {
		t.Error("index not built by the job")
	}

	broken := newApp(t, testConfig(t), WithSource(brokenScanSource{}))
	job, err = broken.RunRebuild(ctx, jobs.ReasonCLI)
	if err != nil {
		t.Fatalf("RunRebuild: %v", err)
	}
	if job.Status != jobs.JobStatusFailed || !strings.Contains(job.Error, "bigquery down") {
		t.Errorf("job = %+v, want failed with the source error", job)
	}
}

func TestNew_BadDataFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.FilePath = filepath.Join(t.TempDir(), "missing.json")
	if _, err := New(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error")
	}
}
