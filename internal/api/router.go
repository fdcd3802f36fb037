package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwi.com/gptchat/internal/web"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.LoadUser)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", h.Health)
	r.Handle("/assets/*", http.StripPrefix("/assets/", web.StaticHandler()))

	// Public pages
	r.Get("/", h.Home)
	r.Get("/error", h.ErrorPage)
	r.Get("/login", h.LoginPage)
	r.Post("/login", h.Login)
	r.Get("/signup", h.SignupPage)
	r.Post("/signup", h.Signup)
	r.Get("/logout", h.Logout)
	r.Get("/blog", h.Blog)
	r.Get("/blog/{slug}", h.Article)

	// User-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireUser)

		r.Get("/settings", h.SettingsPage)
		r.Post("/settings", h.SaveSettings)

		// The stream checks the key of the chat's own provider itself.
		r.Get("/chat/{chatID}/generate", h.Generate)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAPIKey)

			r.Get("/chat", h.ChatPage)
			r.Post("/chat", h.NewChat)
			r.Get("/chat/{chatID}", h.ChatByID)
			r.Delete("/chat/{chatID}", h.DeleteChat)
			r.Post("/chat/{chatID}/message/add", h.AddMessage)
		})
	})

	return r
}
