package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/security"
)

// Router returns the HTTP routes of the authorization server.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.observe)
	r.Use(security.SecurityHeadersMiddleware(h.issuer()))

	r.Get("/authorize", h.ServeAuthorization)
	r.Post("/authorize", h.ServeAuthorization)
	r.Post("/token", h.ServeToken)
	r.Get("/userinfo", h.ServeUserInfo)
	r.Post("/userinfo", h.ServeUserInfo)
	r.Post("/revoke", h.ServeTokenRevocation)
	r.Post("/introspect", h.ServeTokenIntrospection)
	r.Get("/.well-known/jwks.json", h.ServeJWKS)
	r.Get("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)

	if h.inst != nil {
		r.Method(http.MethodGet, "/metrics", h.inst.Handler())
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)

		if h.batch != nil {
			r.Route("/batch-jobs", func(r chi.Router) {
				r.Post("/", h.ServeCreateBatchJob)
				r.Get("/", h.ServeListBatchJobs)
				r.Get("/{id}", h.ServeGetBatchJob)
				r.Post("/{id}/cancel", h.ServeCancelBatchJob)
				r.Get("/{id}/stats", h.ServeBatchJobStats)
				r.Get("/{id}/affected-users", h.ServeAffectedUsers)
			})
		}

		r.Get("/user-switches", h.ServeListUserSwitches)
		r.Get("/user-switches/summary", h.ServeUserSwitchSummary)
	})

	return r
}

// observe records a span and the HTTP request metrics, labelled with the
// route pattern rather than the raw path.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.request")
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status,
				float64(time.Since(start).Microseconds())/1000)
		}
	})
}
