package api

import (
	"errors"
	"net/http"
	"strings"

	"gwi.com/gptchat/internal/core"
)

type authForm struct {
	Email string
	Error string
}

func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "login", "Log in", authForm{})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	email := r.PostForm.Get("email")

	user, err := h.accounts.Login(r.Context(), email, r.PostForm.Get("password"))
	if errors.Is(err, core.ErrInvalidCredentials) {
		h.renderStatus(w, r, http.StatusBadRequest, "login", "Log in", authForm{Email: email, Error: "Invalid email or password"})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, err := h.sessions.Issue(user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.setSession(w, token)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) SignupPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "signup", "Sign up", authForm{})
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	email := r.PostForm.Get("email")

	_, err := h.accounts.Signup(r.Context(), email, r.PostForm.Get("password"), r.PostForm.Get("password_confirmation"))
	switch {
	case errors.Is(err, core.ErrInvalidEmail),
		errors.Is(err, core.ErrPasswordTooShort),
		errors.Is(err, core.ErrPasswordMismatch),
		errors.Is(err, core.ErrEmailTaken):
		h.renderStatus(w, r, http.StatusBadRequest, "signup", "Sign up", authForm{Email: email, Error: capitalize(err.Error())})
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
