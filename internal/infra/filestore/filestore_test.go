package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

const sample = `[
  {"id": "txn_000001", "userId": "u1", "date": "2025-09-21", "description": "Room rent", "amount": 169.69, "type": "Debit", "category": "Rent", "balance": 1200},
  {"id": "txn_000002", "userId": "u1", "date": "2025-09-03", "description": "UPI-Swiggy", "amount": "42.5", "type": "debit", "category": "dining"},
  {"id": "txn_000003", "userId": "u2", "date": "2025-09-01", "description": "Salary", "amount": 50000, "type": "Credit", "category": "Salary"}
]`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transactions.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecode(t *testing.T) {
	txns, err := Decode(strings.NewReader(sample), domain.DefaultCurrency)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("len = %d", len(txns))
	}
	first := txns[0]
	if first.Amount != 16969 || first.Category != domain.CategoryRent || first.Direction != domain.DirectionDebit {
		t.Errorf("first = %+v", first)
	}
	if txns[1].Amount != 4250 || txns[1].Category != domain.CategoryFood {
		t.Errorf("second = %+v", txns[1])
	}
	if txns[2].Direction != domain.DirectionCredit || txns[2].Amount != 5000000 {
		t.Errorf("third = %+v", txns[2])
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"not json", `{`, "parsing transactions"},
		{"missing id", `[{"userId":"u1","date":"2025-09-01","amount":1,"type":"debit","category":"Food"}]`, "missing id"},
		{"missing user", `[{"id":"a","date":"2025-09-01","amount":1,"type":"debit","category":"Food"}]`, "missing userId"},
		{"missing date", `[{"id":"a","userId":"u1","amount":1,"type":"debit","category":"Food"}]`, "invalid date"},
		{"bad category", `[{"id":"a","userId":"u1","date":"2025-09-01","amount":1,"type":"debit","category":"Crypto"}]`, "unknown category"},
		{"bad type", `[{"id":"a","userId":"u1","date":"2025-09-01","amount":1,"type":"refund","category":"Food"}]`, "unknown type"},
		{"duplicate", `[{"id":"a","userId":"u1","date":"2025-09-01","amount":1,"type":"debit","category":"Food"},
			{"id":"a","userId":"u2","date":"2025-09-01","amount":1,"type":"debit","category":"Food"}]`, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), domain.DefaultCurrency)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestStore_ListTransactionsIsScoped(t *testing.T) {
	s, err := Open(writeFile(t, sample), domain.DefaultCurrency)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	got, err := s.ListTransactions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("u1 transactions = %d", len(got))
	}
	for _, tr := range got {
		if tr.UserID != "u1" {
			t.Errorf("foreign transaction %+v", tr)
		}
	}

	none, _ := s.ListTransactions(ctx, "nobody")
	if len(none) != 0 {
		t.Errorf("unknown user got %d transactions", len(none))
	}

	all, _ := s.ListAllTransactions(ctx)
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}
	if users := s.Users(); strings.Join(users, ",") != "u1,u2" {
		t.Errorf("users = %v", users)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New([]domain.Transaction{{ID: "a", UserID: "u1", Amount: 100}})
	got, _ := s.ListTransactions(context.Background(), "u1")
	got[0].Amount = 1

	again, _ := s.ListTransactions(context.Background(), "u1")
	if again[0].Amount != 100 {
		t.Error("caller mutated the store")
	}
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, sample)
	s, err := Open(path, domain.DefaultCurrency)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(path, []byte(`[{"id":`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	all, _ := s.ListAllTransactions(context.Background())
	if len(all) != 3 {
		t.Errorf("after failed reload = %d transactions", len(all))
	}
}

func TestOpen_MissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.json"), domain.DefaultCurrency); err == nil {
		t.Error("expected an error")
	}
}

func TestListCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).ListTransactions(ctx, "u1"); err == nil {
		t.Error("expected context error")
	}
}
