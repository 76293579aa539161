package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/apperr"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/embedding"
	"github.com/dvloznov/finance-assistant/internal/intent"
	"github.com/dvloznov/finance-assistant/internal/llm"
	"github.com/dvloznov/finance-assistant/internal/memory"
	"github.com/dvloznov/finance-assistant/internal/retrieval"
	"github.com/dvloznov/finance-assistant/internal/synth"
)

var fixedNow = time.Date(2025, time.October, 16, 10, 0, 0, 0, time.UTC)

func now() time.Time { return fixedNow }

func tx(id, user string, amount int64, cat domain.Category, desc, date string, dir domain.Direction) domain.Transaction {
	d, err := civil.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return domain.Transaction{ID: id, UserID: user, Amount: amount, Category: cat, Description: desc, Date: d, Direction: dir}
}

var fixture = []domain.Transaction{
	tx("t1", "u1", 16969, domain.CategoryRent, "Room rent", "2025-09-21", domain.DirectionDebit),
	tx("t2", "u1", 13084, domain.CategoryShopping, "Amazon order", "2025-09-12", domain.DirectionDebit),
	tx("t3", "u1", 4899, domain.CategoryFood, "Swiggy dinner", "2025-09-30", domain.DirectionDebit),
	tx("t4", "u1", 1250, domain.CategoryFood, "Zomato lunch", "2025-09-05", domain.DirectionDebit),
	tx("t5", "u1", 870, domain.CategoryFood, "Grocery run", "2025-08-28", domain.DirectionDebit),
	tx("t6", "u1", 500000, domain.CategorySalary, "Monthly salary", "2025-09-01", domain.DirectionCredit),
	tx("t7", "u2", 99999, domain.CategoryFood, "Team feast", "2025-09-10", domain.DirectionDebit),
}

// fakeSource serves transactions per user, like the data layer does.
type fakeSource struct {
	txns []domain.Transaction
	list func(ctx context.Context, userID string) ([]domain.Transaction, error)
}

func (s *fakeSource) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	if s.list != nil {
		return s.list(ctx, userID)
	}
	var out []domain.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	stages    []string
	requests  []string
	fallbacks []string
}

func (r *fakeRecorder) ObserveStage(stage string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *fakeRecorder) Request(intent, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, intent+"/"+status)
}

func (r *fakeRecorder) Fallback(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, kind)
}

type harness struct {
	orch     *Orchestrator
	memory   *memory.RingStore
	index    *retrieval.Index
	recorder *fakeRecorder
	logs     *bytes.Buffer
}

type options struct {
	txns        []domain.Transaction
	source      aggregator.TransactionSource
	classifier  intent.Classifier
	synthesizer llm.Completer
	agg         Aggregator
	unbuilt     bool
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	if opts.txns == nil {
		opts.txns = fixture
	}
	if opts.source == nil {
		opts.source = &fakeSource{txns: opts.txns}
	}
	if opts.classifier == nil {
		opts.classifier = intent.NewRuleClassifier(now, domain.DefaultCurrency)
	}

	embedder := embedding.NewHashEmbedder(384)
	index := retrieval.NewIndex()
	if !opts.unbuilt {
		entries := make([]retrieval.Entry, 0, len(opts.txns))
		for _, t := range opts.txns {
			text := embedding.DocumentText(t, domain.DefaultCurrency)
			vec, err := embedder.Embed(context.Background(), text)
			if err != nil {
				panic(err)
			}
			entries = append(entries, retrieval.Entry{Transaction: t, Text: text, Embedding: vec})
		}
		if _, err := index.Build(context.Background(), embedder.Model(), embedder.Dimensions(), entries, 4); err != nil {
			t.Fatalf("build index: %v", err)
		}
	}
	retriever := retrieval.NewRetriever(index, embedder, nil, retrieval.Options{DefaultTopK: 5, MaxTopK: 10}, zerolog.Nop())

	var agg Aggregator = aggregator.New(opts.source, 5, 20)
	if opts.agg != nil {
		agg = opts.agg
	}

	var logs bytes.Buffer
	log := zerolog.New(&logs)
	store := memory.NewRingStore(memory.DefaultTurns)
	rec := &fakeRecorder{}
	o := New(Deps{
		Memory:       store,
		Classifier:   opts.classifier,
		Aggregator:   agg,
		Retriever:    retriever,
		Synthesizer:  synth.New(opts.synthesizer, domain.DefaultCurrency, 256, log),
		Recorder:     rec,
		HistoryTurns: memory.DefaultTurns,
		Now:          now,
	}, log)
	return &harness{orch: o, memory: store, index: index, recorder: rec, logs: &logs}
}

func (h *harness) turns(t *testing.T, userID string) []domain.ConversationTurn {
	t.Helper()
	turns, err := h.memory.Recent(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	return turns
}

func TestHandle_TopExpenses(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "my top 3 expenses"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Plan.Intent != domain.IntentDataQuery || resp.Plan.Operation != domain.OperationTopN {
		t.Fatalf("plan = %+v, want data_query/top_n", resp.Plan)
	}
	var amounts []int64
	for _, tr := range resp.Aggregation.Transactions {
		amounts = append(amounts, tr.Amount)
	}
	if fmt.Sprint(amounts) != "[16969 13084 4899]" {
		t.Errorf("amounts = %v, want [16969 13084 4899]", amounts)
	}
	for _, want := range []string{"1. **₹169.69**", "2. **₹130.84**", "3. **₹48.99**"} {
		if !strings.Contains(resp.Text, want) {
			t.Errorf("text missing %q:\n%s", want, resp.Text)
		}
	}
	if strings.Contains(resp.Text, "t1") || strings.Contains(resp.Text, "top_n") {
		t.Errorf("text leaks internals:\n%s", resp.Text)
	}
	if resp.State != StateComplete || resp.Degraded || resp.ErrorCode != "" {
		t.Errorf("state=%s degraded=%v code=%s", resp.State, resp.Degraded, resp.ErrorCode)
	}
}

func TestHandle_SpendingExcludesIncomeByDefault(t *testing.T) {
	tests := []struct {
		query     string
		op        domain.Operation
		wantTotal int64
		wantCount int
		wantText  string
		income    bool
	}{
		{"where does my money go", domain.OperationCategoryAnalysis, 37072, 5, "Your spending by category", false},
		{"total for september", domain.OperationTotal, 36202, 4, "₹362.02 across 4 transactions", false},
		{"my top 3", domain.OperationTopN, 34952, 3, "1. **₹169.69** for **Room rent**", false},
		{"how much did I earn in september", domain.OperationTotal, 500000, 1, "**Total income**", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := newHarness(t, options{})

			resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: tt.query})
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if resp.Plan.Operation != tt.op || resp.Aggregation == nil {
				t.Fatalf("plan = %+v, aggregation = %v", resp.Plan, resp.Aggregation)
			}
			if resp.Aggregation.Total != tt.wantTotal || resp.Aggregation.Count != tt.wantCount {
				t.Errorf("total = %d over %d, want %d over %d", resp.Aggregation.Total, resp.Aggregation.Count, tt.wantTotal, tt.wantCount)
			}
			if !strings.Contains(resp.Text, tt.wantText) {
				t.Errorf("text missing %q:\n%s", tt.wantText, resp.Text)
			}
			if !tt.income && strings.Contains(strings.ToLower(resp.Text), "salary") {
				t.Errorf("income counted as spending:\n%s", resp.Text)
			}
		})
	}
}

func TestHandle_FoodTotalInSeptember(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "how much did I spend on food in September"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Plan.Operation != domain.OperationTotal {
		t.Fatalf("operation = %s, want total", resp.Plan.Operation)
	}
	if resp.Aggregation.Total != 6149 || resp.Aggregation.Count != 2 {
		t.Errorf("total = %d over %d, want 6149 over 2", resp.Aggregation.Total, resp.Aggregation.Count)
	}
	if !strings.Contains(resp.Text, "₹61.49 across 2 transactions") {
		t.Errorf("unexpected text: %s", resp.Text)
	}
}

func TestHandle_SynthesisTimeoutFallsBack(t *testing.T) {
	slow := llm.CompleterFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, options{synthesizer: llm.WithTimeout(slow, 30*time.Millisecond)})

	start := time.Now()
	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "my top 3 expenses", Summarize: true})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("request took %v", time.Since(start))
	}
	if !resp.Degraded || resp.ErrorCode != apperr.CodeExternalTimeout {
		t.Errorf("degraded=%v code=%s, want degraded timeout", resp.Degraded, resp.ErrorCode)
	}
	if resp.State != StateComplete {
		t.Errorf("state = %s, want COMPLETE", resp.State)
	}
	if !strings.HasPrefix(resp.Text, "Here are your top 3 expenses:") || !strings.Contains(resp.Text, "1. **₹169.69**") {
		t.Errorf("expected templated fallback, got:\n%s", resp.Text)
	}
	if fmt.Sprint(h.recorder.fallbacks) != "[synthesis]" {
		t.Errorf("fallbacks = %v", h.recorder.fallbacks)
	}
	if fmt.Sprint(h.recorder.requests) != "[data_query/degraded]" {
		t.Errorf("requests = %v", h.recorder.requests)
	}
}

func TestHandle_SimpleResponseAndMemory(t *testing.T) {
	agg := &countingAggregator{}
	h := newHarness(t, options{agg: agg})
	ctx := context.Background()

	first, err := h.orch.Handle(ctx, Request{UserID: "u1", Query: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	second, err := h.orch.Handle(ctx, Request{UserID: "u1", Query: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if first.Plan.Intent != domain.IntentSimpleResponse {
		t.Fatalf("intent = %s", first.Plan.Intent)
	}
	if first.Text == second.Text || !strings.Contains(second.Text, "again") {
		t.Errorf("returning user should get a different greeting: %q / %q", first.Text, second.Text)
	}
	if agg.calls != 0 {
		t.Errorf("aggregator called %d times for small talk", agg.calls)
	}

	turns := h.turns(t, "u1")
	if len(turns) != 2 || turns[1].Response != second.Text || turns[1].Intent != domain.IntentSimpleResponse {
		t.Errorf("unexpected turns %+v", turns)
	}
}

type countingAggregator struct {
	calls int
	fn    func() (*aggregator.Result, error)
}

func (a *countingAggregator) Execute(context.Context, string, domain.Operation, domain.Parameters) (*aggregator.Result, error) {
	a.calls++
	if a.fn != nil {
		return a.fn()
	}
	return nil, errors.New("unexpected call")
}

func TestHandle_Timings(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "breakdown by category"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var stages []string
	for _, st := range resp.Timings {
		stages = append(stages, string(st.Stage))
	}
	if got := strings.Join(stages, ","); got != "RECEIVED,CLASSIFIED,EXECUTING,SYNTHESIZED,COMPLETE" {
		t.Errorf("stages = %s", got)
	}
	if got := strings.Join(h.recorder.stages, ","); got != "received,classified,executing,synthesized,complete" {
		t.Errorf("recorded stages = %s", got)
	}
	if resp.Total <= 0 {
		t.Error("total duration not set")
	}
}

func TestHandle_NoData(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "how much did I spend on travel in September"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.State != StateComplete || resp.Degraded {
		t.Errorf("state=%s degraded=%v", resp.State, resp.Degraded)
	}
	if resp.ErrorCode != apperr.CodeNoData {
		t.Errorf("code = %s, want NO_DATA", resp.ErrorCode)
	}
	if !strings.Contains(resp.Text, "couldn't find any transactions") {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestHandle_FollowUpUsesPreviousTurn(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	if _, err := h.orch.Handle(ctx, Request{UserID: "u1", Query: "how much did I spend on food in September"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp, err := h.orch.Handle(ctx, Request{UserID: "u1", Query: "what about august"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Plan.Operation != domain.OperationTotal || resp.Plan.Parameters.Category != domain.CategoryFood {
		t.Fatalf("plan = %+v", resp.Plan)
	}
	if resp.Aggregation.Total != 870 {
		t.Errorf("total = %d, want 870", resp.Aggregation.Total)
	}
}

func TestHandle_KnowledgeQuery(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "any unusual patterns in food"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Plan.Intent != domain.IntentKnowledgeQuery {
		t.Fatalf("intent = %s", resp.Plan.Intent)
	}
	if len(resp.Documents) != 3 {
		t.Fatalf("documents = %d, want the 3 food transactions of u1", len(resp.Documents))
	}
	for _, d := range resp.Documents {
		if d.Transaction.UserID != "u1" || d.Transaction.Category != domain.CategoryFood {
			t.Errorf("unexpected document %+v", d.Transaction)
		}
	}
	if strings.Contains(resp.Text, "Team feast") {
		t.Error("answer mentions another user's transaction")
	}
}

func TestHandle_RetrievalUnavailable(t *testing.T) {
	h := newHarness(t, options{unbuilt: true})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "any unusual patterns"})
	if !apperr.Is(err, apperr.CodeRetrievalUnavailable) {
		t.Fatalf("err = %v, want RETRIEVAL_UNAVAILABLE", err)
	}
	if resp.State != StateErrored || resp.ErrorCode != apperr.CodeRetrievalUnavailable {
		t.Errorf("state=%s code=%s", resp.State, resp.ErrorCode)
	}
	if resp.Text == genericFailure || resp.Text == "" {
		t.Errorf("expected an actionable message, got %q", resp.Text)
	}

	turns := h.turns(t, "u1")
	if len(turns) != 1 || !turns[0].Errored || turns[0].Response != "" {
		t.Errorf("errored turn not recorded: %+v", turns)
	}
}

func TestHandle_ScopeViolation(t *testing.T) {
	h := newHarness(t, options{})

	resp, err := h.orch.Handle(context.Background(), Request{
		UserID:  "u1",
		Query:   "my top 3 expenses",
		Filters: domain.Filters{domain.FilterUserID: "u2"},
	})
	if !apperr.Is(err, apperr.CodeUserScopeViolation) {
		t.Fatalf("err = %v, want USER_SCOPE_VIOLATION", err)
	}
	if resp.State != StateErrored || resp.Aggregation != nil {
		t.Errorf("state=%s aggregation=%v", resp.State, resp.Aggregation)
	}
	if turns := h.turns(t, "u1"); len(turns) != 1 || !turns[0].Errored {
		t.Errorf("turns = %+v", turns)
	}
	if turns := h.turns(t, "u2"); len(turns) != 0 {
		t.Errorf("turn leaked to u2: %+v", turns)
	}
}

func TestHandle_ForeignRowsAreFatal(t *testing.T) {
	// A data layer that ignores the user id must not leak rows.
	leaky := &fakeSource{list: func(context.Context, string) ([]domain.Transaction, error) {
		return fixture, nil
	}}
	h := newHarness(t, options{source: leaky})

	_, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "my top 3 expenses"})
	if !apperr.Is(err, apperr.CodeUserScopeViolation) {
		t.Fatalf("err = %v, want USER_SCOPE_VIOLATION", err)
	}
}

func TestHandle_ClassificationFallback(t *testing.T) {
	garbage := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return "sure! here is the intent: data", nil
	})
	cls := intent.NewLLMClassifier(garbage, now, domain.DefaultCurrency, 3, zerolog.Nop())
	h := newHarness(t, options{classifier: cls})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "tell me about my food"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !resp.ClassificationFallback || !resp.Plan.Defaulted || resp.Plan.Intent != domain.IntentKnowledgeQuery {
		t.Errorf("plan = %+v fallback=%v", resp.Plan, resp.ClassificationFallback)
	}
	if resp.State != StateComplete || len(resp.Documents) == 0 {
		t.Errorf("state=%s documents=%d", resp.State, len(resp.Documents))
	}
	if fmt.Sprint(h.recorder.fallbacks) != "[classification]" {
		t.Errorf("fallbacks = %v", h.recorder.fallbacks)
	}
}

func TestHandle_PanicIsErrored(t *testing.T) {
	agg := &countingAggregator{fn: func() (*aggregator.Result, error) { panic("boom") }}
	h := newHarness(t, options{agg: agg})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "my top 3 expenses"})
	if !apperr.Is(err, apperr.CodeInternal) {
		t.Fatalf("err = %v, want INTERNAL", err)
	}
	if resp.State != StateErrored || resp.Text != genericFailure {
		t.Errorf("state=%s text=%q", resp.State, resp.Text)
	}
	if turns := h.turns(t, "u1"); len(turns) != 1 || !turns[0].Errored {
		t.Errorf("turns = %+v", turns)
	}
	if fmt.Sprint(h.recorder.requests) != "[data_query/errored]" {
		t.Errorf("requests = %v", h.recorder.requests)
	}
}

func TestHandle_SourceFailureIsErrored(t *testing.T) {
	broken := &fakeSource{list: func(context.Context, string) ([]domain.Transaction, error) {
		return nil, errors.New("bigquery unavailable")
	}}
	h := newHarness(t, options{source: broken})

	resp, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: "my top 3 expenses"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if resp.Text != genericFailure || strings.Contains(resp.Text, "bigquery") {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestHandle_MissingUser(t *testing.T) {
	h := newHarness(t, options{})
	resp, err := h.orch.Handle(context.Background(), Request{Query: "hello"})
	if !apperr.Is(err, apperr.CodeUserScopeViolation) {
		t.Fatalf("err = %v", err)
	}
	if resp.FailedAt != StateReceived {
		t.Errorf("failed at %s", resp.FailedAt)
	}
}

// Every returned transaction or document belongs to the requesting user.
func TestHandle_IsolationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	users := []string{"alice", "bob", "carol", "dave"}
	cats := domain.Categories
	var txns []domain.Transaction
	for i := 0; i < 200; i++ {
		day := civil.Date{Year: 2025, Month: time.Month(1 + rng.Intn(9)), Day: 1 + rng.Intn(28)}
		dir := domain.DirectionDebit
		if rng.Intn(5) == 0 {
			dir = domain.DirectionCredit
		}
		txns = append(txns, domain.Transaction{
			ID:          fmt.Sprintf("r%03d", i),
			UserID:      users[rng.Intn(len(users))],
			Amount:      int64(100 + rng.Intn(100000)),
			Category:    cats[rng.Intn(len(cats))],
			Description: fmt.Sprintf("merchant %d", rng.Intn(30)),
			Date:        day,
			Direction:   dir,
		})
	}
	h := newHarness(t, options{txns: txns})

	queries := []string{
		"my top 5 expenses",
		"how much did I spend on food",
		"breakdown by category",
		"what was my most expensive purchase",
		"any unusual patterns",
		"spending habits in shopping",
	}
	for _, user := range users {
		for _, q := range queries {
			resp, err := h.orch.Handle(context.Background(), Request{UserID: user, Query: q, TopK: 10})
			if err != nil {
				t.Fatalf("%s %q: %v", user, q, err)
			}
			for _, d := range resp.Documents {
				if d.Transaction.UserID != user {
					t.Fatalf("%s %q: document of %s", user, q, d.Transaction.UserID)
				}
			}
			if resp.Aggregation != nil {
				for _, tr := range resultTransactions(resp.Aggregation) {
					if tr.UserID != user {
						t.Fatalf("%s %q: transaction of %s", user, q, tr.UserID)
					}
				}
			}
		}
	}
}

func TestHandle_ConcurrentSameUser(t *testing.T) {
	h := newHarness(t, options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := "my top 3 expenses"
			if i%2 == 0 {
				q = "hello"
			}
			if _, err := h.orch.Handle(context.Background(), Request{UserID: "u1", Query: q}); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}(i)
	}
	wg.Wait()

	turns := h.turns(t, "u1")
	if len(turns) != memory.DefaultTurns {
		t.Fatalf("turns = %d, want %d", len(turns), memory.DefaultTurns)
	}
	for _, tr := range turns {
		if tr.UserID != "u1" || tr.Response == "" {
			t.Errorf("bad turn %+v", tr)
		}
	}
}

func TestHandle_CancelledContextStillRecords(t *testing.T) {
	h := newHarness(t, options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _ = h.orch.Handle(ctx, Request{UserID: "u1", Query: "hello"})
	if turns := h.turns(t, "u1"); len(turns) != 1 {
		t.Errorf("turns = %d, want 1", len(turns))
	}
}
