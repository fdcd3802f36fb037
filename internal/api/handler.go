package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gwi.com/gptchat/internal/auth"
	"gwi.com/gptchat/internal/core"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/web"
)

// Handler owns every dependency the HTTP layer needs. It is built once at
// start-up and shared by all requests.
type Handler struct {
	accounts      *core.AccountService
	chats         *core.ChatService
	blog          *web.Blog
	templates     *web.Templates
	sessions      *auth.Sessions
	secureCookies bool
	log           *logger.Logger
}

type Deps struct {
	Accounts      *core.AccountService
	Chats         *core.ChatService
	Blog          *web.Blog
	Templates     *web.Templates
	Sessions      *auth.Sessions
	SecureCookies bool
	Log           *logger.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		accounts:      d.Accounts,
		chats:         d.Chats,
		blog:          d.Blog,
		templates:     d.Templates,
		sessions:      d.Sessions,
		secureCookies: d.SecureCookies,
		log:           d.Log.With("component", "http"),
	}
}

// render writes a full page for the current user.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, view, title string, data any) {
	h.renderStatus(w, r, http.StatusOK, view, title, data)
}

func (h *Handler) renderStatus(w http.ResponseWriter, r *http.Request, status int, view, title string, data any) {
	page := web.Page{Title: title, WithFooter: view != "chat", View: data}
	if user := UserFromContext(r.Context()); user != nil {
		page.User = user
	}

	var buf bytes.Buffer
	if err := h.templates.RenderPage(&buf, view, page); err != nil {
		h.log.Error("failed to render page", "view", view, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) renderFragment(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.RenderFragment(w, name, data); err != nil {
		h.log.Error("failed to render fragment", "fragment", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// redirectError sends the client to the error page. htmx requests get the
// location through HX-Redirect since the XHR would follow a 303 silently.
func redirectError(w http.ResponseWriter, r *http.Request, code int, message string) {
	to := "/error?" + url.Values{
		"code":    {strconv.Itoa(code)},
		"message": {message},
	}.Encode()
	w.Header().Set("HX-Redirect", to)
	if r.Header.Get("HX-Request") == "true" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// fail maps service errors to the error page, logging unexpected ones.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, message := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	redirectError(w, r, code, message)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrChatNotFound):
		return http.StatusNotFound, "Chat not found"
	case errors.Is(err, core.ErrEmptyMessage):
		return http.StatusBadRequest, "Message cannot be empty"
	case errors.Is(err, core.ErrMessagePending):
		return http.StatusConflict, "Wait for the current answer before sending another message"
	case errors.Is(err, core.ErrNothingToGenerate):
		return http.StatusConflict, "Nothing to answer in this chat"
	case errors.Is(err, core.ErrGenerationInProgress):
		return http.StatusConflict, "An answer is already being generated for this chat"
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many requests, try again in a minute"
	case errors.Is(err, core.ErrInvalidAPIKey):
		return http.StatusUnauthorized, "Your API key is not set or invalid. Go to Settings."
	default:
		return http.StatusInternalServerError, "Something went wrong"
	}
}

func chatIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	return id, err == nil && id > 0
}
