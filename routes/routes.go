package routes

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/jano/app"
	"github.com/upb/jano/middleware"
)

// New builds the HTTP router. The validate and policy endpoints are open to
// the internal network (their callers authenticate the tokens they forward);
// the rules and violations APIs are the engine's own admin surface and
// require a root principal.
func New(deps *app.Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", deps.HealthHandler.Healthz)
	r.Get("/readyz", deps.HealthHandler.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate", deps.ValidateHandler.Validate)

		r.Route("/policies", func(r chi.Router) {
			r.Post("/validate-password", deps.PolicyHandler.ValidatePassword)
			r.Post("/validate-username", deps.PolicyHandler.ValidateUsername)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(middleware.RequireRole("root"))

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", deps.RuleHandler.List)
				r.Post("/", deps.RuleHandler.Create)
				r.Get("/{id}", deps.RuleHandler.Get)
				r.Put("/{id}", deps.RuleHandler.Update)
				r.Delete("/{id}", deps.RuleHandler.Delete)
			})

			r.Route("/violations", func(r chi.Router) {
				r.Get("/", deps.ViolationHandler.List)
				r.Get("/stats", deps.ViolationHandler.Stats)
				r.Get("/{id}", deps.ViolationHandler.Get)
			})
		})
	})

	return r
}
