package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/api/middleware"
)

// ExampleQuery is a sample question shown to new users.
type ExampleQuery struct {
	Query       string `json:"query"`
	Description string `json:"description"`
}

// Examples lists one query per supported kind of question.
var Examples = []ExampleQuery{
	{Query: "Show me my top 5 expenses this month", Description: "Largest debits in a period"},
	{Query: "How much did I spend on food in September?", Description: "Total for a category and month"},
	{Query: "Where does my money go?", Description: "Category breakdown with percentages"},
	{Query: "What was my single most expensive purchase last month?", Description: "Largest transaction and runner-up"},
	{Query: "Find transactions above ₹5000", Description: "Amount threshold"},
	{Query: "Do I have any unusual spending habits?", Description: "Semantic search over your history"},
	{Query: "What about August?", Description: "Follow-up reusing the previous question"},
}

// Server holds every handler the router dispatches to. Nil handlers leave their routes unregistered.
type Server struct {
	Query   *QueryHandler
	Index   *IndexHandler
	Jobs    *JobsHandler
	Memory  *MemoryHandler
	Metrics http.Handler
	// Ready reports whether the service can answer knowledge queries.
	Ready func() bool
	Log   zerolog.Logger
}

// Router builds the mux wrapped in the standard middleware chain.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	if s.Query != nil {
		mux.HandleFunc("/api/query", allow(http.MethodPost, s.Query.Query))
	}

	if s.Index != nil {
		mux.HandleFunc("/api/index", allow(http.MethodGet, s.Index.GetIndex))
		mux.HandleFunc("/api/index/rebuild", allow(http.MethodPost, s.Index.Rebuild))
		mux.HandleFunc("/api/cache/clear", allow(http.MethodPost, s.Index.ClearCache))
	}

	if s.Jobs != nil {
		mux.HandleFunc("/api/jobs", allow(http.MethodGet, s.Jobs.ListJobs))
		mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			s.Jobs.GetJob(w, r, jobID)
		})
	}

	if s.Memory != nil {
		mux.HandleFunc("/api/memory/stats", allow(http.MethodGet, s.Memory.Stats))
		mux.HandleFunc("/api/memory/", func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimPrefix(r.URL.Path, "/api/memory/")
			if userID == "" || strings.Contains(userID, "/") {
				middleware.WriteError(w, http.StatusBadRequest, "User ID is required")
				return
			}
			switch r.Method {
			case http.MethodGet:
				s.Memory.History(w, r, userID)
			case http.MethodDelete:
				s.Memory.Clear(w, r, userID)
			default:
				middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		})
	}

	mux.HandleFunc("/api/examples", allow(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"example_queries": Examples,
		})
	}))

	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if s.Ready != nil && !s.Ready() {
			status = "initializing"
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux,
		middleware.Recovery(s.Log),
		middleware.RequestID,
		middleware.UserScope,
		middleware.Logger(s.Log),
		middleware.CORS,
	)
}

func allow(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}
