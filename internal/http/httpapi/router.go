package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mediajobs/internal/http/handlers"
	"mediajobs/internal/middleware"
)

type Options struct {
	Logger      zerolog.Logger
	CORSOrigins []string

	// StatusLimiter throttles status polling per client IP. Nil disables it.
	StatusLimiter middleware.Allower

	// StaticDir serves locally stored artifacts under /static when set.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID(opts.Logger),
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Get("/v1/models", app.ListModels)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.SubmitJob)
		r.Group(func(r chi.Router) {
			if opts.StatusLimiter != nil {
				r.Use(middleware.RateLimit(opts.StatusLimiter))
			}
			r.Get("/{jobId}", app.JobStatus)
		})
		r.Post("/{jobId}/cancel", app.CancelJob)
	})

	r.Post("/v1/webhooks/provider", app.ProviderWebhook)

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}
