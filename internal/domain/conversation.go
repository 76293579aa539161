package domain

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// ConversationTurn is one recorded request/response exchange.
// An errored turn keeps an empty Response and sets Errored.
type ConversationTurn struct {
	UserID    string    `json:"user_id"`
	Query     string    `json:"query"`
	Intent    Intent    `json:"intent"`
	Operation Operation `json:"operation,omitempty"`
	Response  string    `json:"response"`
	Errored   bool      `json:"errored,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RetrievedDocument is one semantic search hit, alive for a single request.
type RetrievedDocument struct {
	Transaction Transaction `json:"transaction"`
	Score       float64     `json:"score"`
	Rank        int         `json:"rank"`
}

// Filters is the free-form filter mapping of an inbound request.
type Filters map[string]string

// Filter keys understood by the aggregator and the retriever.
const (
	FilterUserID    = "user_id"
	FilterCategory  = "category"
	FilterDirection = "direction"
	FilterStartDate = "start_date"
	FilterEndDate   = "end_date"
)

// ScopedTo returns an error when the filters name a user other than userID.
func (f Filters) ScopedTo(userID string) error {
	for _, key := range []string{FilterUserID, "owner_user_id", "userId"} {
		if v, ok := f[key]; ok && v != userID {
			return fmt.Errorf("filter %s=%q does not match requesting user", key, v)
		}
	}
	return nil
}

// Parameters converts the recognized filter keys. Unknown keys are ignored.
func (f Filters) Parameters() (Parameters, error) {
	var p Parameters
	if v := strings.TrimSpace(f[FilterCategory]); v != "" {
		c, ok := ParseCategory(v)
		if !ok {
			return p, fmt.Errorf("unknown category %q", v)
		}
		p.Category = c
	}
	if v := strings.TrimSpace(f[FilterDirection]); v != "" {
		d, ok := ParseDirection(v)
		if !ok {
			return p, fmt.Errorf("unknown direction %q", v)
		}
		p.Direction = d
	}
	start, end := strings.TrimSpace(f[FilterStartDate]), strings.TrimSpace(f[FilterEndDate])
	if start != "" || end != "" {
		if start == "" || end == "" {
			return p, fmt.Errorf("both %s and %s are required", FilterStartDate, FilterEndDate)
		}
		s, err := civil.ParseDate(start)
		if err != nil {
			return p, fmt.Errorf("parse %s: %w", FilterStartDate, err)
		}
		e, err := civil.ParseDate(end)
		if err != nil {
			return p, fmt.Errorf("parse %s: %w", FilterEndDate, err)
		}
		dr := DateRange{Start: s, End: e}
		if !dr.Valid() {
			return p, fmt.Errorf("%s is after %s", FilterStartDate, FilterEndDate)
		}
		p.DateRange = &dr
	}
	return p, nil
}
