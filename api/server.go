/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the console frontend

ROUTE GROUPS:
  /api/policies/*       Policy management
  /api/expenses/*       Expense capture and evaluation
  /api/reports/*        Report lifecycle
  /api/workflows/*      Approval workflow
  /api/chain-rules/*    Approval chain configuration
  /api/reimbursements/* Settlement lifecycle
  /api/cards/*          Card directory and scheduled actions
  /api/admin/*          Admin operations
  /metrics              Prometheus metrics
  /healthz              Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
			r.Put("/{id}", h.UpdatePolicy)
			r.Post("/{id}/toggle", h.TogglePolicy)
			r.Delete("/{id}", h.DeletePolicy)
		})

		// Expense routes
		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", h.ListExpenses)
			r.Post("/", h.CreateExpense)
			r.Get("/score", h.GetComplianceScore)
			r.Get("/{id}", h.GetExpense)
			r.Put("/{id}", h.UpdateExpense)
			r.Post("/{id}/evaluate", h.EvaluateExpense)
			r.Post("/{id}/exception", h.GrantException)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Post("/", h.CreateReport)
			r.Get("/{id}", h.GetReport)
			r.Post("/{id}/submit", h.SubmitReport)
			r.Post("/{id}/reimbursement", h.ComputeReimbursement)
		})

		// Workflow routes
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/approve", h.ApproveWorkflow)
			r.Post("/{id}/reject", h.RejectWorkflow)
			r.Post("/{id}/withdraw", h.WithdrawWorkflow)
		})

		// Chain rule routes
		r.Route("/chain-rules", func(r chi.Router) {
			r.Get("/", h.ListChainRules)
			r.Post("/", h.CreateChainRule)
			r.Get("/{id}", h.GetChainRule)
			r.Delete("/{id}", h.DeactivateChainRule)
		})

		// Settlement routes
		r.Route("/reimbursements", func(r chi.Router) {
			r.Get("/", h.ListReimbursements)
			r.Get("/neft-export", h.ExportNEFT)
			r.Post("/bulk-initiate", h.BulkInitiateReimbursements)
			r.Get("/{id}", h.GetReimbursement)
			r.Post("/{id}/initiate", h.InitiateReimbursement)
			r.Post("/{id}/processing", h.MarkReimbursementProcessing)
			r.Post("/{id}/paid", h.MarkReimbursementPaid)
			r.Post("/{id}/failed", h.MarkReimbursementFailed)
			r.Post("/{id}/reinitiate", h.ReinitiateReimbursement)
		})

		// Card routes
		r.Route("/cards", func(r chi.Router) {
			r.Get("/", h.ListCards)
			r.Post("/", h.CreateCard)
			r.Get("/{id}", h.GetCard)
			r.Put("/{id}", h.UpdateCard)
			r.Get("/{id}/actions", h.ListActions)
			r.Post("/{id}/actions", h.ScheduleAction)
		})

		// Action routes
		r.Route("/actions", func(r chi.Router) {
			r.Delete("/{id}", h.CancelAction)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/tick", h.RunTick)
			r.Post("/seed", h.LoadSeed)
		})
	})

	// Observability
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
