package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/typhoon-chat/server/internal/auth"
	"github.com/typhoon-chat/server/internal/cache"
	"github.com/typhoon-chat/server/internal/core"
	"github.com/typhoon-chat/server/internal/store"
)

type fakeStream struct {
	chunks []string
	err    error
	pos    int
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

type fakeGenerator struct {
	chunks    []string
	recvErr   error
	streamErr error
}

func (g *fakeGenerator) StreamChat(ctx context.Context, req core.StreamRequest) (core.TokenStream, error) {
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &fakeStream{chunks: g.chunks, err: g.recvErr}, nil
}

func (g *fakeGenerator) GenerateTitle(ctx context.Context, basis string) (string, error) {
	return "Generated Title", nil
}

type testEnv struct {
	router http.Handler
	db     *store.Store
	redis  *miniredis.Miniredis
	gen    *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	tokenCache := cache.NewTokenCache(client)

	codec := auth.NewCodec("test-secret", time.Hour)
	gate := auth.NewGate(codec, tokenCache)
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)

	gen := &fakeGenerator{}
	chatService := core.NewChatService(db, gen)

	handler := NewAPIHandler(gate, codec, hasher, tokenCache, db, chatService)
	return &testEnv{
		router: NewRouter(handler),
		db:     db,
		redis:  server,
		gen:    gen,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signup(t *testing.T, email string) {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/auth/create-account", "",
		`{"email":"`+email+`","fullName":"Test User","password":"secret123"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create-account returned %d: %s", rec.Code, rec.Body.String())
	}
}

func (e *testEnv) login(t *testing.T, email string) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"`+email+`","password":"secret123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("login returned an empty token")
	}
	return resp.AccessToken
}

func (e *testEnv) createSession(t *testing.T, token, title string) store.Session {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/chat/sessions", token, `{"title":"`+title+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session returned %d: %s", rec.Code, rec.Body.String())
	}
	var session store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return session
}

func TestCreateAccountAndLogin(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")

	// Duplicate registration is a validation error, not a 500.
	rec := env.do(t, http.MethodPost, "/auth/create-account", "",
		`{"email":"user@example.com","fullName":"Again","password":"secret123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate create-account returned %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"user@example.com","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad-password login returned %d, want 401", rec.Code)
	}

	env.login(t, "user@example.com")
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/chat/sessions", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header returned %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/chat/sessions", "garbage-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token returned %d, want 401", rec.Code)
	}
}

func TestInactiveAccountForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")

	user, err := env.db.GetUserByEmail("user@example.com")
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if err := env.db.SetUserActive(user.ID, false); err != nil {
		t.Fatalf("failed to deactivate user: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/chat/sessions", token, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("inactive account returned %d, want 403", rec.Code)
	}
}

func TestLogoutInvalidatesCachedToken(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")

	// An authenticated request populates the cache.
	if rec := env.do(t, http.MethodGet, "/chat/sessions", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("list sessions returned %d", rec.Code)
	}
	if !env.redis.Exists("token:" + token) {
		t.Fatal("expected token to be cached after an authenticated request")
	}

	if rec := env.do(t, http.MethodPost, "/auth/logout", token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout returned %d, want 204", rec.Code)
	}
	if env.redis.Exists("token:" + token) {
		t.Error("token still cached after logout")
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")

	session := env.createSession(t, token, "My Chat")

	rec := env.do(t, http.MethodGet, "/chat/sessions", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions returned %d", rec.Code)
	}
	var sessions []store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != session.ID {
		t.Fatalf("unexpected session list: %+v", sessions)
	}

	rec = env.do(t, http.MethodPatch, "/chat/sessions/"+session.ID, token, `{"title":"Renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename returned %d: %s", rec.Code, rec.Body.String())
	}
	var renamed store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &renamed); err != nil {
		t.Fatalf("failed to decode renamed session: %v", err)
	}
	if renamed.Title != "Renamed" {
		t.Errorf("got title %q, want Renamed", renamed.Title)
	}

	rec = env.do(t, http.MethodDelete, "/chat/sessions/"+session.ID, token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/chat/sessions/"+session.ID, token, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete returned %d, want 404", rec.Code)
	}
}

func TestSessionsAreNotVisibleAcrossUsers(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice@example.com")
	env.signup(t, "bob@example.com")
	aliceToken := env.login(t, "alice@example.com")
	bobToken := env.login(t, "bob@example.com")

	session := env.createSession(t, aliceToken, "Alice Chat")

	rec := env.do(t, http.MethodGet, "/chat/sessions/"+session.ID, bobToken, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign session returned %d, want 404", rec.Code)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")
	session := env.createSession(t, token, "Streaming")

	env.gen.chunks = []string{"Hi", " there"}

	rec := env.do(t, http.MethodPost, "/chat/sessions/"+session.ID+"/stream", token, `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("got Content-Type %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("got Cache-Control %q, want no-cache", cc)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hi"}`+"\n\n") {
		t.Errorf("missing first chunk frame in body: %q", body)
	}
	if !strings.Contains(body, `data: {"content":" there"}`+"\n\n") {
		t.Errorf("missing second chunk frame in body: %q", body)
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("unexpected error event in body: %q", body)
	}

	rec = env.do(t, http.MethodGet, "/chat/sessions/"+session.ID, token, "")
	var detail SessionDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("failed to decode session detail: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(detail.Messages))
	}
	if detail.Messages[0].Sender != store.SenderUser || detail.Messages[0].Content != "hello" {
		t.Errorf("unexpected user message: %+v", detail.Messages[0])
	}
	if detail.Messages[1].Sender != store.SenderAssistant || detail.Messages[1].Content != "Hi there" {
		t.Errorf("unexpected assistant message: %+v", detail.Messages[1])
	}
	if detail.Messages[1].Tokens != 2 {
		t.Errorf("got %d tokens, want 2", detail.Messages[1].Tokens)
	}

	rec = env.do(t, http.MethodGet, "/chat/sessions/"+session.ID+"/metrics", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	var metrics store.SessionMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if metrics.TotalMessages != 1 || metrics.TotalTokens != 2 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestStreamFailureEmitsErrorEvent(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")
	session := env.createSession(t, token, "Flaky")

	env.gen.chunks = []string{"Hi"}
	env.gen.recvErr = errors.New("upstream reset")

	rec := env.do(t, http.MethodPost, "/chat/sessions/"+session.ID+"/stream", token, `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream returned %d before failing, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"content":"Hi"}`+"\n\n") {
		t.Errorf("missing chunk emitted before failure: %q", body)
	}
	if !strings.Contains(body, "event: error\ndata: ") {
		t.Errorf("missing terminal error event: %q", body)
	}

	// Only the user message survives a failed turn.
	rec = env.do(t, http.MethodGet, "/chat/sessions/"+session.ID, token, "")
	var detail SessionDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("failed to decode session detail: %v", err)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Sender != store.SenderUser {
		t.Fatalf("expected only the user message, got %+v", detail.Messages)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")

	rec := env.do(t, http.MethodPost, "/chat/sessions/no-such-id/stream", token, `{"content":"hello"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stream to unknown session returned %d, want 404", rec.Code)
	}
}

func TestStreamRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")
	session := env.createSession(t, token, "Empty")

	rec := env.do(t, http.MethodPost, "/chat/sessions/"+session.ID+"/stream", token, `{"content":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty content returned %d, want 400", rec.Code)
	}
}

func TestFeedbackEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")
	session := env.createSession(t, token, "Votes")

	msg, err := env.db.CreateMessage(session.ID, store.SenderAssistant, "answer", 1, 1, 1)
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/chat/messages/"+msg.ID+"/feedback", token, `{"feedbackType":"upvote"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first feedback returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/chat/messages/"+msg.ID+"/feedback", token, `{"feedbackType":"downvote"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second feedback returned %d: %s", rec.Code, rec.Body.String())
	}
	var fb store.Feedback
	if err := json.Unmarshal(rec.Body.Bytes(), &fb); err != nil {
		t.Fatalf("failed to decode feedback: %v", err)
	}
	if fb.FeedbackType != store.FeedbackDownvote {
		t.Errorf("got feedback type %q, want downvote", fb.FeedbackType)
	}

	rec = env.do(t, http.MethodPost, "/chat/messages/"+msg.ID+"/feedback", token, `{"feedbackType":"sideways"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid feedback type returned %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/chat/messages/no-such-id/feedback", token, `{"feedbackType":"upvote"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("feedback for missing message returned %d, want 404", rec.Code)
	}
}

func TestMetricsForEmptySession(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "user@example.com")
	token := env.login(t, "user@example.com")
	session := env.createSession(t, token, "Quiet")

	rec := env.do(t, http.MethodGet, "/chat/sessions/"+session.ID+"/metrics", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	var metrics store.SessionMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if metrics.TotalMessages != 0 || metrics.TotalTokens != 0 || metrics.AvgTokensPerSecond != 0 || metrics.AvgResponseTimeMS != 0 {
		t.Errorf("expected zero metrics, got %+v", metrics)
	}
}
