package api

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"gwi.com/gptchat/internal/core"
	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/store"
	"gwi.com/gptchat/internal/stream"
)

type chatPage struct {
	Chats    []store.Chat
	Current  *core.ChatView
	Models   []llm.Model
	Selected llm.Model
}

// ChatPage shows the chat list and the form starting a new chat.
func (h *Handler) ChatPage(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	chats, err := h.chats.ListChats(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "chat", "Chat", chatPage{
		Chats:    chats,
		Models:   h.chats.Models(),
		Selected: h.chats.DefaultModel(),
	})
}

func (h *Handler) NewChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	user := UserFromContext(r.Context())

	chatID, err := h.chats.CreateChat(r.Context(), user.ID, r.PostForm.Get("message"), r.PostForm.Get("model"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("HX-Redirect", fmt.Sprintf("/chat/%d", chatID))
	w.WriteHeader(http.StatusOK)
}

// ChatByID renders a conversation. A pending last pair makes the page open
// the generation stream on load.
func (h *Handler) ChatByID(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		redirectError(w, r, http.StatusNotFound, "Chat not found")
		return
	}
	user := UserFromContext(r.Context())

	view, err := h.chats.ChatHistory(r.Context(), user.ID, chatID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	chats, err := h.chats.ListChats(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, "chat", view.Chat.Name, chatPage{
		Chats:    chats,
		Current:  view,
		Selected: view.Model,
	})
}

func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		redirectError(w, r, http.StatusNotFound, "Chat not found")
		return
	}
	user := UserFromContext(r.Context())

	if err := h.chats.DeleteChat(r.Context(), user.ID, chatID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.renderFragment(w, "deleted", nil)
}

func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		redirectError(w, r, http.StatusNotFound, "Chat not found")
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	user := UserFromContext(r.Context())
	message := r.PostForm.Get("message")

	if _, err := h.chats.AddMessage(r.Context(), user.ID, chatID, message); err != nil {
		h.fail(w, r, err)
		return
	}
	human, err := h.chats.RenderMessage(message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.renderFragment(w, "add_message", struct {
		ChatID    int64
		HumanHTML template.HTML
	}{chatID, human})
}

// Generate streams the answer for the chat's pending message. Every
// precondition is checked before the first event is written.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}
	user := UserFromContext(r.Context())

	gen, err := h.chats.PrepareGeneration(r.Context(), user, chatID)
	if err != nil {
		code, message := errorStatus(err)
		if code == http.StatusInternalServerError {
			h.log.Error("failed to prepare generation", "chat_id", chatID, "error", err)
		}
		http.Error(w, message, code)
		return
	}

	w.Header().Set("X-Generation-ID", gen.ID)
	events := newEventWriter(w)
	if err := events.Open(); err != nil {
		gen.Release()
		h.log.Error("failed to open event stream", "generation_id", gen.ID, "error", err)
		return
	}

	_, err = gen.Run(r.Context(), events.Send)
	if err != nil && !errors.Is(err, stream.ErrClientGone) && r.Context().Err() == nil {
		h.log.Warn("generation failed", "generation_id", gen.ID, "error", err)
	}
}
