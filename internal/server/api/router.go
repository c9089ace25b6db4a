package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cloudzz-dev/cldzshop/internal/server/api/middleware"
	"github.com/cloudzz-dev/cldzshop/internal/server/auth"
	"github.com/cloudzz-dev/cldzshop/internal/server/blob"
	"github.com/cloudzz-dev/cldzshop/internal/server/handlers"
	"github.com/cloudzz-dev/cldzshop/internal/server/media"
	"github.com/cloudzz-dev/cldzshop/internal/server/ratelimit"
	"github.com/cloudzz-dev/cldzshop/internal/server/storefront"
	"github.com/cloudzz-dev/cldzshop/internal/server/ws"
)

const (
	maxJSONBody   = 64 << 10
	maxUploadBody = 2 * media.MaxImageSize
)

type Deps struct {
	Logger     zerolog.Logger
	Auth       *auth.Service
	Storefront *storefront.Service
	Hub        *ws.Hub
	Limiter    *ratelimit.RateLimiter
	// Objects serves public object URLs under /storage/. Nil when
	// objects live elsewhere.
	Objects http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := NewHandler(d.Auth, d.Storefront)
	requireAuth := middleware.RequireAuth(d.Auth)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", handlers.HealthCheck(d.Hub))
	r.Get("/ws", handlers.HandleWebSocket(d.Hub))
	if d.Objects != nil {
		r.Handle(blob.RoutePrefix+"*", d.Objects)
	}

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodySize(maxJSONBody))
		r.Get("/products", h.ListProducts)
		r.Get("/users/{id}/posts", h.ListPosts)
		r.Get("/users/{id}/reviews", h.ListReviews)

		r.With(middleware.AuthRateLimit(d.Limiter)).Post("/auth/register", h.Register)
		r.With(middleware.AuthRateLimit(d.Limiter)).Post("/auth/login", h.Login)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(maxJSONBody))
			r.Post("/auth/logout", h.Logout)
			r.Get("/profiles/me", h.GetMyProfile)
			r.Post("/profiles", h.CreateProfile)
			r.Put("/profiles/me", h.UpdateMyProfile)
			r.Get("/users/{id}/orders", h.ListOrders)
			r.Post("/users/{id}/follow", h.Follow)
			r.Delete("/users/{id}/follow", h.Unfollow)
			r.Get("/admin/stats", h.Stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodySize(maxUploadBody))
			r.Post("/profiles/me/photo", h.UploadPhoto)
			r.Post("/posts", h.CreatePost)
		})
	})

	return r
}
