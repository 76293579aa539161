// Package memory keeps a bounded, per-user history of conversation turns.
package memory

import (
	"context"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// DefaultTurns is how many turns each user keeps when no capacity is configured.
const DefaultTurns = 5

// Store is a per-user ring of conversation turns. Appending beyond capacity
// evicts the oldest turn. Histories of different users never mix.
type Store interface {
	// Recent returns up to n turns for userID, oldest first. n <= 0 means all retained turns.
	Recent(ctx context.Context, userID string, n int) ([]domain.ConversationTurn, error)
	Append(ctx context.Context, turn domain.ConversationTurn) error
	Clear(ctx context.Context, userID string) error
	Stats(ctx context.Context) (Stats, error)
}

// Stats summarizes what the store currently holds.
type Stats struct {
	Backend  string         `json:"backend"`
	Capacity int            `json:"capacity"`
	Users    int            `json:"users"`
	Turns    int            `json:"turns"`
	PerUser  map[string]int `json:"per_user,omitempty"`
}

func tail(turns []domain.ConversationTurn, n int) []domain.ConversationTurn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
