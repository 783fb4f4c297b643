package workflow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// WorkflowRepo abstracts workflow persistence for testability.
type WorkflowRepo interface {
	Get(ctx context.Context, id string) (*Definition, error)
	List(ctx context.Context) ([]Definition, error)
	Save(ctx context.Context, def *Definition) error
}

// Service wires together the repository and execution engine for the workflow domain.
type Service struct {
	repo    WorkflowRepo
	engine  *Engine
	metrics *Metrics
}

// NewService creates a Service. metrics may be nil.
func NewService(repo WorkflowRepo, engine *Engine, metrics *Metrics) *Service {
	return &Service{repo: repo, engine: engine, metrics: metrics}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/workflows").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware, s.metrics.Middleware)

	router.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	router.HandleFunc("", s.HandleCreateWorkflow).Methods("POST")
	router.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")

	engineRouter := parentRouter.NewRoute().Subrouter()
	engineRouter.Use(jsonMiddleware, s.metrics.Middleware)

	engineRouter.HandleFunc("/execute", s.HandleExecuteDSL).Methods("POST")
	engineRouter.HandleFunc("/llm/quick", s.HandleQuickCall).Methods("POST")
	engineRouter.HandleFunc("/functions", s.HandleListFunctions).Methods("GET")
	engineRouter.HandleFunc("/models", s.HandleListModels).Methods("GET")
}
