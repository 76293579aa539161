// Package filestore serves transactions from a JSON file for local runs.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// record is one entry of the transactions file:
//
//	{"id": "txn_000001", "userId": "u1", "date": "2025-09-21", "description": "Room rent",
//	 "amount": 169.69, "type": "Debit", "category": "Rent", "balance": 1200}
//
// amount is in major units; balance is accepted and ignored.
type record struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Date        civil.Date      `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
}

// Decode reads and validates a transactions file.
func Decode(r io.Reader, cur domain.Currency) ([]domain.Transaction, error) {
	var recs []record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("Decode: parsing transactions: %w", err)
	}

	out := make([]domain.Transaction, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, rec := range recs {
		t, err := rec.toDomain(cur)
		if err != nil {
			return nil, fmt.Errorf("Decode: entry %d: %w", i, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("Decode: entry %d: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

func (r record) toDomain(cur domain.Currency) (domain.Transaction, error) {
	id, user := strings.TrimSpace(r.ID), strings.TrimSpace(r.UserID)
	switch {
	case id == "":
		return domain.Transaction{}, fmt.Errorf("missing id")
	case user == "":
		return domain.Transaction{}, fmt.Errorf("transaction %s: missing userId", id)
	case !r.Date.IsValid():
		return domain.Transaction{}, fmt.Errorf("transaction %s: missing or invalid date", id)
	}
	cat, ok := domain.ParseCategory(r.Category)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: unknown category %q", id, r.Category)
	}
	dir, ok := domain.ParseDirection(r.Type)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: unknown type %q", id, r.Type)
	}
	return domain.Transaction{
		ID:          id,
		UserID:      user,
		Amount:      cur.ToMinor(r.Amount.Abs()),
		Category:    cat,
		Description: strings.TrimSpace(r.Description),
		Date:        r.Date,
		Direction:   dir,
	}, nil
}

// Store holds the decoded file in memory. Reload picks up edits.
type Store struct {
	path     string
	currency domain.Currency

	mu     sync.RWMutex
	txns   []domain.Transaction
	byUser map[string][]domain.Transaction
}

// Open loads path once and keeps it in memory.
func Open(path string, cur domain.Currency) (*Store, error) {
	s := &Store{path: path, currency: cur}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// New serves a fixed set of transactions, for tests and tools.
func New(txns []domain.Transaction) *Store {
	s := &Store{}
	s.set(txns)
	return s
}

// Reload re-reads the file. On failure the previous contents stay.
func (s *Store) Reload(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("Reload: opening %s: %w", s.path, err)
	}
	defer f.Close()

	txns, err := Decode(f, s.currency)
	if err != nil {
		return fmt.Errorf("Reload: %s: %w", s.path, err)
	}
	s.set(txns)
	return nil
}

func (s *Store) set(txns []domain.Transaction) {
	byUser := make(map[string][]domain.Transaction)
	for _, t := range txns {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}
	s.mu.Lock()
	s.txns, s.byUser = txns, byUser
	s.mu.Unlock()
}

// ListTransactions returns only userID's transactions.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byUser[userID]), nil
}

// ListAllTransactions returns every transaction in file order.
func (s *Store) ListAllTransactions(ctx context.Context) ([]domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.txns), nil
}

// Users returns the distinct user ids, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}
