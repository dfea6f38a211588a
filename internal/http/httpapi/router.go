package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"imgstudio/internal/http/handlers"
	"imgstudio/internal/middleware"
	"imgstudio/internal/ratelimit"
)

// Options carries the cross-cutting pieces the router installs.
type Options struct {
	Origins       middleware.Origins
	CountryLookup middleware.CountryLookup
	DefaultLocale string
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies middleware.TrustedProxies
	// StatusLimiter guards the read endpoints; nil disables it.
	StatusLimiter *ratelimit.Limiter
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP(opts.TrustedProxies),
		middleware.Logger(app.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.Origins),
		middleware.Session,
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", app.GetSession)
		r.Post("/", app.CreateSession)
		r.Get("/generations", app.SessionBatches)
	})

	// Submission quotas are charged by the orchestrator, not here.
	r.Post("/v1/generations", app.CreateGeneration)

	r.Group(func(r chi.Router) {
		if opts.StatusLimiter != nil {
			r.Use(middleware.RateLimit(opts.StatusLimiter, "status", app.Logger))
		}
		r.Get("/v1/generations/{id}", app.GetGeneration)
		r.Get("/v1/generations/{id}/events", app.GenerationEvents)
		r.Get("/v1/generations/{id}/archive", app.GenerationArchive)
		r.Get("/v1/files/*", app.GetFile)
	})

	return r
}
