// Package embedding turns text into fixed-size vectors for semantic search.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/dvloznov/finance-assistant/internal/domain"
)

// Embedder produces one vector per text. All vectors from one Embedder have
// Dimensions() entries and come from the model named by Model().
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// DocumentText renders the text that is embedded for a transaction.
func DocumentText(t domain.Transaction, c domain.Currency) string {
	kind := "Debit"
	if t.Direction == domain.DirectionCredit {
		kind = "Credit"
	}
	return fmt.Sprintf("%s of %s on %s for %s under %s",
		kind, c.Format(t.Amount), t.Date.String(), t.Description, t.Category)
}

// normalize scales vec to unit length in place. A zero vector is left untouched.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
