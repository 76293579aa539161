package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// ring is a fixed-capacity buffer guarded by its own mutex, so writers for
// different users never contend.
type ring struct {
	mu    sync.Mutex
	buf   []domain.ConversationTurn
	start int
	size  int
}

func (r *ring) push(t domain.ConversationTurn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []domain.ConversationTurn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ConversationTurn, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// RingStore is the in-process Store.
type RingStore struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*ring
}

// NewRingStore creates an in-memory store holding capacity turns per user.
func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = DefaultTurns
	}
	return &RingStore{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

func (s *RingStore) get(userID string) *ring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rings[userID]
}

func (s *RingStore) Recent(ctx context.Context, userID string, n int) ([]domain.ConversationTurn, error) {
	r := s.get(userID)
	if r == nil {
		return nil, nil
	}
	return tail(r.snapshot(), n), nil
}

// Append holds the store lock across lookup and push so a concurrent Clear
// cannot drop the ring between the two.
func (s *RingStore) Append(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.UserID == "" {
		return fmt.Errorf("RingStore.Append: missing user id")
	}

	s.mu.RLock()
	if r, ok := s.rings[turn.UserID]; ok {
		r.push(turn)
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[turn.UserID]
	if !ok {
		r = &ring{buf: make([]domain.ConversationTurn, s.capacity)}
		s.rings[turn.UserID] = r
	}
	r.push(turn)
	return nil
}

func (s *RingStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.rings, userID)
	s.mu.Unlock()
	return nil
}

func (s *RingStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Backend:  "inmemory",
		Capacity: s.capacity,
		Users:    len(s.rings),
		PerUser:  make(map[string]int, len(s.rings)),
	}
	for id, r := range s.rings {
		n := r.count()
		st.PerUser[id] = n
		st.Turns += n
	}
	return st, nil
}
