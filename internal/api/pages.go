package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gwi.com/gptchat/internal/web"
)

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "home", "", struct{ LoggedIn bool }{UserFromContext(r.Context()) != nil})
}

func (h *Handler) ErrorPage(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.URL.Query().Get("code"))
	if err != nil || code < 400 || code > 599 {
		code = http.StatusInternalServerError
	}
	message := r.URL.Query().Get("message")
	if message == "" {
		message = http.StatusText(code)
	}
	h.render(w, r, "error", "Error", struct {
		Code    int
		Message string
	}{code, message})
}

func (h *Handler) Blog(w http.ResponseWriter, r *http.Request) {
	previews, err := h.blog.Previews()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "blog", "Blog", struct{ Previews []web.ArticlePreview }{previews})
}

func (h *Handler) Article(w http.ResponseWriter, r *http.Request) {
	article, err := h.blog.Article(chi.URLParam(r, "slug"))
	if errors.Is(err, web.ErrArticleNotFound) {
		redirectError(w, r, http.StatusNotFound, "Article not found")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "article", article.Title, article)
}

type settingsView struct {
	OpenAIAPIKey string
	GeminiAPIKey string
	Saved        bool
}

func (h *Handler) SettingsPage(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	view := settingsView{Saved: r.URL.Query().Get("saved") == "1"}
	if user.OpenAIAPIKey != nil {
		view.OpenAIAPIKey = *user.OpenAIAPIKey
	}
	if user.GeminiAPIKey != nil {
		view.GeminiAPIKey = *user.GeminiAPIKey
	}
	h.render(w, r, "settings", "Settings", view)
}

func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	user := UserFromContext(r.Context())
	err := h.accounts.SaveAPIKeys(r.Context(), user.ID, r.PostForm.Get("openai_api_key"), r.PostForm.Get("gemini_api_key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/settings?saved=1", http.StatusSeeOther)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.accounts.Ping(r.Context()); err != nil {
		h.log.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
