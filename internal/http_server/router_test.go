package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"account_service/internal/auth"
	"account_service/internal/flows"
	httpserver "account_service/internal/http_server"
	"account_service/internal/lib/cookie"
	"account_service/internal/models"
	"account_service/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail  = "alice@x.com"
	testUser   = "alice"
	testPass   = "Secret123!"
	testSecret = "test-secret"
)

type capturingPublisher struct {
	mu       sync.Mutex
	messages []models.Message
}

func (p *capturingPublisher) SendMessage(_ context.Context, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, msg)

	return nil
}

func (p *capturingPublisher) lastToken(t *testing.T) string {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	require.NotEmpty(t, p.messages)

	link := p.messages[len(p.messages)-1].Link
	return link[strings.LastIndex(link, "/")+1:]
}

type env struct {
	srv *httptest.Server
	pub *capturingPublisher
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := memory.New()
	pub := &capturingPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	router := httpserver.NewRouter(httpserver.Deps{
		Log:          log,
		Auth:         auth.New(log, store, store, store, testSecret, time.Minute, time.Hour),
		Flows:        flows.New(log, store, store, pub, "http://localhost", time.Hour, time.Hour),
		Store:        store,
		Cookies:      cookie.NewManager("", false, "strict"),
		AccessSecret: testSecret,
		RefreshTTL:   time.Hour,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &env{srv: srv, pub: pub}
}

type request struct {
	method  string
	path    string
	body    any
	bearer  string
	refresh string
}

func (e *env) do(t *testing.T, req request) (*http.Response, map[string]any) {
	t.Helper()

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(req.method, e.srv.URL+req.path, body)
	require.NoError(t, err)

	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	if req.refresh != "" {
		httpReq.AddCookie(&http.Cookie{Name: cookie.RefreshTokenName, Value: req.refresh})
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var parsed map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed))
	}

	return resp, parsed
}

func refreshCookie(t *testing.T, resp *http.Response) string {
	t.Helper()

	for _, c := range resp.Cookies() {
		if c.Name == cookie.RefreshTokenName {
			return c.Value
		}
	}

	return ""
}

func (e *env) register(t *testing.T) {
	t.Helper()

	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   map[string]string{"email": testEmail, "username": testUser, "password": testPass},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (e *env) login(t *testing.T, password string) (access, refresh string, resp *http.Response) {
	t.Helper()

	resp, body := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   map[string]string{"email": testEmail, "password": password},
	})
	if resp.StatusCode != http.StatusOK {
		return "", "", resp
	}

	access, _ = body["access_token"].(string)
	return access, refreshCookie(t, resp), resp
}

func TestRegisterLoginRefresh_Scenario(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	access, refresh, _ := e.login(t, testPass)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	// Rotation issues a new pair and a new cookie.
	resp, body := e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])

	rotated := refreshCookie(t, resp)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, refresh, rotated)

	// Replay of the consumed refresh value is rejected.
	resp, _ = e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The rotated cookie still works.
	resp, _ = e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: rotated})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   map[string]string{"email": "not-an-email", "username": "x", "password": "short"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRegister_Conflict(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   map[string]string{"email": testEmail, "username": "other", "password": testPass},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLogin_AntiEnumeration(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	respUnknown, bodyUnknown := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   map[string]string{"email": "nobody@x.com", "password": testPass},
	})
	respWrong, bodyWrong := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   map[string]string{"email": testEmail, "password": "wrong-password"},
	})

	assert.Equal(t, http.StatusUnauthorized, respUnknown.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, respWrong.StatusCode)
	assert.Equal(t, bodyUnknown, bodyWrong)
}

func TestVerifyEmail_Endpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	// Registration published a verification link.
	token := e.pub.lastToken(t)

	resp, _ := e.do(t, request{method: http.MethodGet, path: "/api/v1/auth/verify-email/" + token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Single use.
	resp, _ = e.do(t, request{method: http.MethodGet, path: "/api/v1/auth/verify-email/" + token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	access, _, _ := e.login(t, testPass)
	resp, body := e.do(t, request{method: http.MethodGet, path: "/api/v1/auth/current-user", bearer: access})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_verified"])
}

func TestPasswordReset_Scenario(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	_, refresh, _ := e.login(t, testPass)

	// Unknown email gets the same 200.
	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/forgot-password",
		body:   map[string]string{"email": "nobody@x.com"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/forgot-password",
		body:   map[string]string{"email": testEmail},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := e.pub.lastToken(t)

	resp, _ = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/reset-password/" + token,
		body:   map[string]string{"newPassword": "NewSecret456!"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Old password rejected, prior session terminated, token burned.
	_, _, loginResp := e.login(t, testPass)
	assert.Equal(t, http.StatusUnauthorized, loginResp.StatusCode)

	resp, _ = e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/reset-password/" + token,
		body:   map[string]string{"newPassword": "Another789!"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	access, _, _ := e.login(t, "NewSecret456!")
	assert.NotEmpty(t, access)
}

func TestLogout_Endpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	access, refresh, _ := e.login(t, testPass)

	resp, _ := e.do(t, request{
		method:  http.MethodPost,
		path:    "/api/v1/auth/logout",
		bearer:  access,
		refresh: refresh,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutes_RequireToken(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	for _, path := range []string{
		"/api/v1/auth/current-user",
	} {
		resp, _ := e.do(t, request{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, _ := e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, request{
		method: http.MethodGet,
		path:   "/api/v1/auth/current-user",
		bearer: "not.a.jwt",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChangePassword_Endpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.register(t)

	access, refresh, _ := e.login(t, testPass)

	resp, _ := e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/change-password",
		bearer: access,
		body:   map[string]string{"oldPassword": "wrong", "newPassword": "NewSecret456!"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/change-password",
		bearer: access,
		body:   map[string]string{"oldPassword": testPass, "newPassword": "NewSecret456!"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Sessions from before the change are gone.
	resp, _ = e.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", refresh: refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	access, _, _ = e.login(t, "NewSecret456!")
	assert.NotEmpty(t, access)
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	resp, _ := e.do(t, request{method: http.MethodGet, path: "/api/v1/healthcheck"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
