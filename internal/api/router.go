package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/auth/login", apiHandler.LoginHandler)
	r.Post("/auth/create-account", apiHandler.CreateAccountHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(apiHandler.AuthMiddleware)

		r.Post("/auth/logout", apiHandler.LogoutHandler)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/sessions", apiHandler.CreateSessionHandler)
			r.Get("/sessions", apiHandler.ListSessionsHandler)
			r.Get("/sessions/{sessionID}", apiHandler.GetSessionHandler)
			r.Patch("/sessions/{sessionID}", apiHandler.UpdateSessionHandler)
			r.Delete("/sessions/{sessionID}", apiHandler.DeleteSessionHandler)
			r.Post("/sessions/{sessionID}/stream", apiHandler.StreamChatHandler)
			r.Get("/sessions/{sessionID}/metrics", apiHandler.SessionMetricsHandler)
			r.Post("/messages/{messageID}/feedback", apiHandler.MessageFeedbackHandler)
		})
	})

	return r
}
