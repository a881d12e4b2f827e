package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/ids"
)

// memDirectory is an in-memory DirectoryStore for handler tests.
type memDirectory struct {
	mu         sync.Mutex
	principals map[string]*auth.Principal
}

func newMemDirectory() *memDirectory {
	return &memDirectory{principals: make(map[string]*auth.Principal)}
}

func (d *memDirectory) CreatePrincipal(_ context.Context, p *auth.Principal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.principals {
		if (p.Username != "" && existing.Username == p.Username) ||
			(p.Email != "" && existing.Email == p.Email) {
			return auth.ErrHandleTaken
		}
	}
	cp := *p
	d.principals[p.ID] = &cp
	return nil
}

func (d *memDirectory) PrincipalByHandle(_ context.Context, handle string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.principals {
		if p.Username == handle || p.Email == handle {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (d *memDirectory) PrincipalByID(_ context.Context, id string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type testEnv struct {
	baseURL string
	client  *http.Client
	dir     *memDirectory
	t       *testing.T
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := newMemDirectory()
	roles := auth.NewStaticRoles(auth.DefaultHierarchy...)
	svc, err := auth.NewService(dir, auth.NewRedisTokenStore(rdb), roles, "test-secret",
		auth.WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	api := New(ReadyProbe{}, svc, "test")
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		baseURL: srv.URL,
		client:  srv.Client(),
		dir:     dir,
		t:       t,
	}
}

func (c *testEnv) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *testEnv) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *testEnv) registerAndLogin(username, password string) (tokenResponse, string) {
	c.t.Helper()
	resp := c.post("/v1/auth/register", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status: %d", resp.StatusCode)
	}
	created := decode[principalResponse](c.t, resp)

	resp = c.post("/v1/auth/login", map[string]any{
		"handle":   username,
		"password": password,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	body := decode[struct {
		Tokens    tokenResponse     `json:"tokens"`
		Principal principalResponse `json:"principal"`
	}](c.t, resp)
	if body.Tokens.AccessToken == "" || body.Tokens.RefreshToken == "" {
		c.t.Fatal("expected both tokens issued")
	}
	return body.Tokens, created.ID
}

// seedPrincipal writes directly to the directory, bypassing the
// register flow, so tests can create elevated roles.
func (c *testEnv) seedPrincipal(username, password, role string) string {
	c.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		c.t.Fatalf("hash password: %v", err)
	}
	p := &auth.Principal{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: string(hash),
		RoleName:     role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.dir.CreatePrincipal(context.Background(), p); err != nil {
		c.t.Fatalf("seed principal: %v", err)
	}
	return p.ID
}

func TestAuthLifecycleFlow(t *testing.T) {
	api := newTestAPI(t)
	tokens, _ := api.registerAndLogin("alice", "s3cret-pw")

	// Access token authenticates whoami.
	resp := api.get("/v1/auth/whoami", bearerHeader(tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami status: %d", resp.StatusCode)
	}
	who := decode[map[string]any](t, resp)
	principal := who["principal"].(map[string]any)
	if principal["username"] != "alice" {
		t.Fatalf("unexpected whoami principal: %v", principal)
	}
	roles, ok := who["roles"].([]any)
	if !ok || len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("unexpected role chain: %v", who["roles"])
	}

	// Rotate the refresh token.
	resp = api.post("/v1/auth/refresh", map[string]any{
		"refresh_token": tokens.RefreshToken,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status: %d", resp.StatusCode)
	}
	rotated := decode[tokenResponse](t, resp)
	if rotated.RefreshToken == tokens.RefreshToken {
		t.Fatal("rotation must issue a new refresh token")
	}

	// The spent refresh token is rejected.
	resp = api.post("/v1/auth/refresh", map[string]any{
		"refresh_token": tokens.RefreshToken,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("spent refresh status: %d", resp.StatusCode)
	}

	// Logout revokes the live refresh token.
	resp = api.post("/v1/auth/logout", map[string]any{
		"refresh_token": rotated.RefreshToken,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status: %d", resp.StatusCode)
	}

	// And it cannot be rotated afterwards.
	resp = api.post("/v1/auth/refresh", map[string]any{
		"refresh_token": rotated.RefreshToken,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked refresh status: %d", resp.StatusCode)
	}
}

func TestRegisterConflict(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/register", map[string]any{
		"username": "bob",
		"password": "pw-one",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first register status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/register", map[string]any{
		"username": "bob",
		"password": "pw-two",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/register", map[string]any{"password": "pw"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing handle, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/register", map[string]any{
		"email":    "not-an-email",
		"password": "pw",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid email, got %d", resp.StatusCode)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	api := newTestAPI(t)
	api.registerAndLogin("carol", "right-pw")

	resp := api.post("/v1/auth/login", map[string]any{
		"handle":   "carol",
		"password": "wrong-pw",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestWhoamiRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/auth/whoami", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestWhoamiRejectsRefreshTokenAsBearer(t *testing.T) {
	api := newTestAPI(t)
	tokens, _ := api.registerAndLogin("dave", "pw-dave")

	resp := api.get("/v1/auth/whoami", bearerHeader(tokens.RefreshToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token as bearer, got %d", resp.StatusCode)
	}
}

func TestPrincipalEndpointRoleGate(t *testing.T) {
	api := newTestAPI(t)
	userTokens, userID := api.registerAndLogin("erin", "pw-erin")

	// Plain users cannot read the directory.
	resp := api.get("/v1/principals/"+userID, bearerHeader(userTokens.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user role, got %d", resp.StatusCode)
	}

	// Moderators can.
	api.seedPrincipal("mod", "pw-mod", "moderator")
	resp = api.post("/v1/auth/login", map[string]any{
		"handle":   "mod",
		"password": "pw-mod",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("moderator login status: %d", resp.StatusCode)
	}
	body := decode[struct {
		Tokens tokenResponse `json:"tokens"`
	}](t, resp)

	resp = api.get("/v1/principals/"+userID, bearerHeader(body.Tokens.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for moderator, got %d", resp.StatusCode)
	}
	fetched := decode[principalResponse](t, resp)
	if fetched.Username != "erin" {
		t.Fatalf("unexpected principal: %+v", fetched)
	}

	// Unknown ids are 404.
	resp = api.get("/v1/principals/"+strings.Repeat("0", 26), bearerHeader(body.Tokens.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		resp := api.get(path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
	}
}
