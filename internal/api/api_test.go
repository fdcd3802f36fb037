package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/gptchat/internal/auth"
	"gwi.com/gptchat/internal/core"
	"gwi.com/gptchat/internal/llm"
	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/markdown"
	"gwi.com/gptchat/internal/store"
	"gwi.com/gptchat/internal/web"
)

type testApp struct {
	router      http.Handler
	store       *store.SQLiteStore
	sessions    *auth.Sessions
	completions atomic.Int32
}

// newTestApp wires the full stack against a fake OpenAI endpoint that
// accepts the key "sk-good" and streams deltas.
func newTestApp(t *testing.T, deltas ...string) *testApp {
	t.Helper()
	app := &testApp{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[]}`)
		case "/v1/chat/completions":
			app.completions.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, d := range deltas {
				b, _ := json.Marshal(map[string]any{
					"choices": []any{map[string]any{"delta": map[string]string{"content": d}}},
				})
				fmt.Fprintf(w, "data: %s\n\n", b)
				w.(http.Flusher).Flush()
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logger.Nop()
	md := markdown.NewRenderer()
	registry := llm.NewRegistry(llm.NewOpenAI(upstream.URL, upstream.Client(), log), llm.NewGemini(log))
	templates, err := web.LoadTemplates()
	require.NoError(t, err)

	app.store = st
	app.sessions = auth.NewSessions("test-secret", time.Hour)
	app.router = NewRouter(NewHandler(Deps{
		Accounts:  core.NewAccountService(st, log),
		Chats:     core.NewChatService(st, registry, md, core.Options{IdleTimeout: 5 * time.Second}, log),
		Blog:      web.NewBlog(md),
		Templates: templates,
		Sessions:  app.sessions,
		Log:       log,
	}))
	return app
}

func (a *testApp) newUser(t *testing.T, email, openAIKey string) (*store.User, *http.Cookie) {
	t.Helper()
	ctx := context.Background()
	user, err := a.store.CreateUser(ctx, email, "unused")
	require.NoError(t, err)
	require.NoError(t, a.store.SaveAPIKeys(ctx, user.ID, openAIKey, ""))

	token, err := a.sessions.Issue(user.ID)
	require.NoError(t, err)
	return user, &http.Cookie{Name: sessionCookie, Value: token}
}

type reqOpts struct {
	form   url.Values
	cookie *http.Cookie
	htmx   bool
}

func (a *testApp) do(method, path string, o reqOpts) *httptest.ResponseRecorder {
	var req *http.Request
	if o.form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(o.form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if o.cookie != nil {
		req.AddCookie(o.cookie)
	}
	if o.htmx {
		req.Header.Set("HX-Request", "true")
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func TestChatRoutesRequireLogin(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/chat", reqOpts{})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/error?code=401")
	assert.Equal(t, rr.Header().Get("Location"), rr.Header().Get("HX-Redirect"))

	rr = app.do(http.MethodGet, "/chat/1/generate", reqOpts{})
	assert.Equal(t, http.StatusSeeOther, rr.Code)

	rr = app.do(http.MethodGet, "/settings", reqOpts{cookie: &http.Cookie{Name: sessionCookie, Value: "forged"}})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
}

func TestRequireAPIKeyRedirects(t *testing.T) {
	app := newTestApp(t)
	_, cookie := app.newUser(t, "a@example.com", "sk-bad")

	rr := app.do(http.MethodGet, "/chat", reqOpts{cookie: cookie})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/error?code=403")

	rr = app.do(http.MethodPost, "/chat", reqOpts{cookie: cookie, htmx: true, form: url.Values{"message": {"hi"}}})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("HX-Redirect"), "/error?code=403")
}

func TestChatFlowStreamsAndPersists(t *testing.T) {
	app := newTestApp(t, "Hel", "lo, ", "world!")
	user, cookie := app.newUser(t, "a@example.com", "sk-good")

	rr := app.do(http.MethodGet, "/chat", reqOpts{cookie: cookie})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="gpt-4"`)

	rr = app.do(http.MethodPost, "/chat", reqOpts{cookie: cookie, htmx: true, form: url.Values{"message": {"say hello"}, "model": {"gpt-4"}}})
	require.Equal(t, http.StatusOK, rr.Code)
	location := rr.Header().Get("HX-Redirect")
	require.True(t, strings.HasPrefix(location, "/chat/"), location)

	// the pending pair makes the page open the stream
	rr = app.do(http.MethodGet, location, reqOpts{cookie: cookie})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `sse-connect="`+location+`/generate"`)

	rr = app.do(http.MethodGet, location+"/generate", reqOpts{cookie: cookie})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Generation-ID"))

	body := rr.Body.String()
	assert.Equal(t, 4, strings.Count(body, "event:message\n"))
	assert.NotContains(t, body, "event:generation-error")
	assert.Contains(t, body, "data:<div><p>Hel</p>")
	assert.Contains(t, body, `hx-swap-oob="outerHTML:#message-container"><p>Hello, world!</p>`)

	chats, err := app.store.ListChats(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	pairs, err := app.store.RetrieveChat(context.Background(), chats[0].ID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.NotNil(t, pairs[0].AIMessage)
	assert.Equal(t, "Hello, world!", *pairs[0].AIMessage)

	// nothing left to answer
	rr = app.do(http.MethodGet, location+"/generate", reqOpts{cookie: cookie})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = app.do(http.MethodPost, location+"/message/add", reqOpts{cookie: cookie, htmx: true, form: url.Values{"message": {"*again*"}}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<em>again</em>")
	assert.Contains(t, rr.Body.String(), `id="sse-listener"`)

	rr = app.do(http.MethodPost, location+"/message/add", reqOpts{cookie: cookie, htmx: true, form: url.Values{"message": {"too soon"}}})
	assert.Contains(t, rr.Header().Get("HX-Redirect"), "code=409")
}

func TestGenerateRejectsInvalidKeyBeforeStreaming(t *testing.T) {
	app := newTestApp(t, "never")
	user, cookie := app.newUser(t, "a@example.com", "sk-good")

	chatID, _, err := app.store.CreateChat(context.Background(), user.ID, "hi", "gpt-4", "hi")
	require.NoError(t, err)
	require.NoError(t, app.store.SaveAPIKeys(context.Background(), user.ID, "sk-revoked", ""))

	rr := app.do(http.MethodGet, fmt.Sprintf("/chat/%d/generate", chatID), reqOpts{cookie: cookie})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, rr.Body.String(), "event:")
	assert.Zero(t, app.completions.Load())
}

func TestGenerateForeignChat(t *testing.T) {
	app := newTestApp(t, "never")
	alice, _ := app.newUser(t, "alice@example.com", "sk-good")
	_, bobCookie := app.newUser(t, "bob@example.com", "sk-good")

	chatID, _, err := app.store.CreateChat(context.Background(), alice.ID, "hi", "gpt-4", "hi")
	require.NoError(t, err)

	rr := app.do(http.MethodGet, fmt.Sprintf("/chat/%d/generate", chatID), reqOpts{cookie: bobCookie})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = app.do(http.MethodDelete, fmt.Sprintf("/chat/%d", chatID), reqOpts{cookie: bobCookie, htmx: true})
	assert.Contains(t, rr.Header().Get("HX-Redirect"), "code=404")
}

func TestDeleteChatReturnsPlaceholder(t *testing.T) {
	app := newTestApp(t)
	user, cookie := app.newUser(t, "a@example.com", "sk-good")

	chatID, _, err := app.store.CreateChat(context.Background(), user.ID, "hi", "gpt-4", "hi")
	require.NoError(t, err)

	rr := app.do(http.MethodDelete, fmt.Sprintf("/chat/%d", chatID), reqOpts{cookie: cookie, htmx: true})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `<div class="hidden"></div>`, strings.TrimSpace(rr.Body.String()))

	_, err = app.store.GetChat(context.Background(), chatID, user.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSignupLoginAndSettings(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodPost, "/signup", reqOpts{form: url.Values{
		"email": {"new@example.com"}, "password": {"password1"}, "password_confirmation": {"password2"},
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Passwords do not match")

	rr = app.do(http.MethodPost, "/signup", reqOpts{form: url.Values{
		"email": {"new@example.com"}, "password": {"password1"}, "password_confirmation": {"password1"},
	}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login", rr.Header().Get("Location"))

	rr = app.do(http.MethodPost, "/login", reqOpts{form: url.Values{"email": {"new@example.com"}, "password": {"wrong-pass"}}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(http.MethodPost, "/login", reqOpts{form: url.Values{"email": {"new@example.com"}, "password": {"password1"}}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	var session *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)

	rr = app.do(http.MethodPost, "/settings", reqOpts{cookie: session, form: url.Values{"openai_api_key": {"sk-good"}}})
	require.Equal(t, http.StatusSeeOther, rr.Code)

	rr = app.do(http.MethodGet, "/settings?saved=1", reqOpts{cookie: session})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Settings saved.")
	assert.Contains(t, rr.Body.String(), `value="sk-good"`)

	rr = app.do(http.MethodGet, "/chat", reqOpts{cookie: session})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = app.do(http.MethodGet, "/logout", reqOpts{cookie: session})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
}

func TestPublicPages(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(http.MethodGet, "/", reqOpts{})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = app.do(http.MethodGet, "/error?code=404&message=Nope", reqOpts{})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Nope")

	rr = app.do(http.MethodGet, "/blog", reqOpts{})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Streaming markdown with htmx")

	rr = app.do(http.MethodGet, "/blog/streaming-markdown-with-htmx", reqOpts{})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<h2>Finishing up</h2>")

	rr = app.do(http.MethodGet, "/blog/missing", reqOpts{})
	assert.Equal(t, http.StatusSeeOther, rr.Code)

	rr = app.do(http.MethodGet, "/assets/app.css", reqOpts{})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = app.do(http.MethodGet, "/health", reqOpts{})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
