package grants

import (
	"github.com/go-chi/chi/v5"

	"github.com/grantledger/milestones/pkg/authz"
)

// NewRouter creates a chi router with the grant application routes. An
// authentication middleware from pkg/authz must run before it.
func NewRouter(engine *Engine) chi.Router {
	r := chi.NewRouter()

	r.Route("/applications", func(r chi.Router) {
		// Owner routes.
		r.Group(func(r chi.Router) {
			r.Use(authz.RequireAccount())
			r.Post("/", createApplicationHandler(engine))
			r.Get("/", listApplicationsHandler(engine))
			r.Get("/{id}", getApplicationHandler(engine))
			r.Get("/{id}/history", getHistoryHandler(engine))
			r.Post("/{id}/milestones", createMilestoneHandler(engine))
			r.Put("/{id}/milestones/{index}", submitMilestoneHandler(engine))
			r.Post("/{id}/milestones/{index}/transaction", recordTransactionHandler(engine))
			r.Post("/{id}/milestones/{index}/interview", scheduleInterviewHandler(engine))
		})

		// Administrative routes.
		r.With(authz.RequireAdmin()).Post("/{id}/milestones/{index}/validation", validateMilestoneHandler(engine))
	})

	return r
}
