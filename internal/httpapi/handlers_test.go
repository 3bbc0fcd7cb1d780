package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"staffgate.org/internal/auth"
	"staffgate.org/internal/idp"
	"staffgate.org/internal/throttle"
)

// stubStore implements auth.Store with just enough behavior to drive the
// HTTP surface end to end.
type stubStore struct {
	tenant   *auth.Tenant
	user     *auth.User
	tokens   map[string]*auth.RefreshToken
	attempts int
}

func newStubStore(t *testing.T) *stubStore {
	t.Helper()
	hash, err := auth.HashPassword("valid-password-1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &stubStore{
		tenant: &auth.Tenant{ID: "ACME", Name: "Acme", Active: true},
		user: &auth.User{
			ID:         "user-1",
			TenantID:   "ACME",
			Email:      "dev@acme.example",
			Name:       "Dev One",
			Status:     auth.StatusActive,
			Credential: auth.ParseStoredCredential(hash),
		},
		tokens: make(map[string]*auth.RefreshToken),
	}
}

func (s *stubStore) Tenants(context.Context) auth.TenantStore             { return stubTenants{s} }
func (s *stubStore) Users(context.Context) auth.UserStore                 { return stubUsers{s} }
func (s *stubStore) SocialLinks(context.Context) auth.SocialLinkStore     { return stubLinks{} }
func (s *stubStore) RefreshTokens(context.Context) auth.RefreshTokenStore { return stubTokens{s} }
func (s *stubStore) Permissions(context.Context) auth.PermissionStore     { return stubPerms{} }
func (s *stubStore) LoginAttempts(context.Context) auth.LoginAttemptStore { return stubAttempts{s} }

type stubTenants struct{ s *stubStore }

func (t stubTenants) Find(ctx context.Context, id string) (*auth.Tenant, error) {
	if t.s.tenant != nil && t.s.tenant.ID == id {
		return t.s.tenant, nil
	}
	return nil, auth.ErrNotFound
}

type stubUsers struct{ s *stubStore }

func (u stubUsers) Find(ctx context.Context, tenantID, userID string) (*auth.User, error) {
	if u.s.user != nil && u.s.user.TenantID == tenantID && u.s.user.ID == userID {
		copied := *u.s.user
		return &copied, nil
	}
	return nil, auth.ErrNotFound
}

func (u stubUsers) FindByEmail(ctx context.Context, tenantID, email string) (*auth.User, error) {
	if u.s.user != nil && u.s.user.TenantID == tenantID && u.s.user.Email == email {
		copied := *u.s.user
		return &copied, nil
	}
	return nil, auth.ErrNotFound
}

func (u stubUsers) RecordFailure(ctx context.Context, userID string, threshold int, lockedUntil time.Time) (int, error) {
	u.s.user.FailedLoginCount++
	if u.s.user.FailedLoginCount >= threshold {
		until := lockedUntil
		u.s.user.LockedUntil = &until
	}
	return u.s.user.FailedLoginCount, nil
}

func (u stubUsers) ResetLoginState(ctx context.Context, userID string, loginAt time.Time) error {
	u.s.user.FailedLoginCount = 0
	u.s.user.LockedUntil = nil
	return nil
}

func (u stubUsers) UpdateCredential(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	u.s.user.Credential = auth.ParseStoredCredential(passwordHash)
	return nil
}

type stubLinks struct{}

func (stubLinks) Find(ctx context.Context, tenantID, provider, subjectID string) (*auth.SocialLink, error) {
	return nil, auth.ErrNotFound
}
func (stubLinks) Create(ctx context.Context, link *auth.SocialLink) error { return nil }

type stubTokens struct{ s *stubStore }

func (t stubTokens) Save(ctx context.Context, tok *auth.RefreshToken) error {
	t.s.tokens[tok.Fingerprint] = tok
	return nil
}

func (t stubTokens) FindActive(ctx context.Context, fingerprint string) (*auth.RefreshToken, error) {
	tok, ok := t.s.tokens[fingerprint]
	if !ok || tok.Revoked {
		return nil, auth.ErrNotFound
	}
	return tok, nil
}

func (t stubTokens) Revoke(ctx context.Context, fingerprint string) error {
	if tok, ok := t.s.tokens[fingerprint]; ok {
		tok.Revoked = true
	}
	return nil
}

type stubPerms struct{}

func (stubPerms) PermissionsForUser(ctx context.Context, tenantID, userID string) ([]string, error) {
	return []string{"employees.read"}, nil
}

func (stubPerms) MenusForUser(ctx context.Context, tenantID, userID string) ([]auth.MenuDescriptor, error) {
	return nil, nil
}

type stubAttempts struct{ s *stubStore }

func (a stubAttempts) Append(ctx context.Context, attempt *auth.LoginAttempt) error {
	a.s.attempts++
	return nil
}

func newTestAPI(t *testing.T) (*API, *stubStore) {
	t.Helper()
	store := newStubStore(t)
	codec, err := auth.NewCodec("handler-test-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	svc, err := auth.NewService(store, codec)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return New(svc, nil, ReadyProbe{}, Config{}, "test"), store
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.RemoteAddr = "192.0.2.10:55555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestLoginEndpointSuccess(t *testing.T) {
	api, store := newTestAPI(t)
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("expected token pair, got %v", body)
	}
	if body["token_type"] != "bearer" {
		t.Fatalf("unexpected token_type %v", body["token_type"])
	}
	if store.attempts == 0 {
		t.Fatal("expected an audited attempt")
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestLoginEndpointInvalidCredentials(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"wrong"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error"] != "invalid credentials" {
		t.Fatalf("unexpected error body %v", body)
	}
	if body["request_id"] == "" {
		t.Fatal("error body must carry the request id")
	}
}

func TestLoginEndpointHidesSocialOnlyAccounts(t *testing.T) {
	api, store := newTestAPI(t)
	handler := api.Handler()
	store.user.Credential = auth.ParseStoredCredential("")

	socialOnly := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	unknown := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"ghost@acme.example","password":"valid-password-1"}`, nil)

	if socialOnly.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for social-only account, got %d: %s", socialOnly.Code, socialOnly.Body.String())
	}
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown account, got %d", unknown.Code)
	}
	// Both rejections must read the same to an outside caller.
	if decodeBody(t, socialOnly)["error"] != decodeBody(t, unknown)["error"] {
		t.Fatalf("rejections are distinguishable: %s vs %s",
			socialOnly.Body.String(), unknown.Body.String())
	}
}

func TestLoginEndpointLockedAccount(t *testing.T) {
	api, store := newTestAPI(t)
	handler := api.Handler()

	until := time.Now().Add(20 * time.Minute)
	store.user.LockedUntil = &until

	rr := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	if rr.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["locked_until"] == "" {
		t.Fatalf("expected locked_until in body, got %v", body)
	}
}

func TestLoginEndpointRejectsGet(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodGet, "/v1/auth/login", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}

type stubVerifier struct{ email string }

func (v stubVerifier) Verify(ctx context.Context, idToken string) (idp.Identity, error) {
	if idToken == "bad" {
		return idp.Identity{}, idp.ErrInvalidToken
	}
	return idp.Identity{SubjectID: "google-sub-1", Email: v.email, EmailVerified: true}, nil
}

func newGoogleTestAPI(t *testing.T, cfg throttle.Config) (*API, *stubStore) {
	t.Helper()
	store := newStubStore(t)
	codec, err := auth.NewCodec("handler-test-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	svc, err := auth.NewService(store, codec,
		auth.WithIdentityVerifier(stubVerifier{email: "dev@acme.example"}))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(svc, throttle.New(client, cfg), ReadyProbe{}, Config{}, "test"), store
}

func TestGoogleLoginThrottleKeyedByIP(t *testing.T) {
	cfg := throttle.DefaultConfig()
	cfg.MaxLoginAttempts = 3
	api, _ := newGoogleTestAPI(t, cfg)
	handler := api.Handler()

	body := `{"company_code":"ACME","id_token":"bad"}`

	// Failures from distinct clients never pool into a shared budget.
	for i := 0; i < 6; i++ {
		h := http.Header{}
		h.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rr := doJSON(t, handler, http.MethodPost, "/v1/auth/google", body, h)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("client %d: expected 401, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
	}

	// One client burning through its own budget gets cut off.
	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.9")
	var last *httptest.ResponseRecorder
	for i := 0; i < cfg.MaxLoginAttempts+1; i++ {
		last = doJSON(t, handler, http.MethodPost, "/v1/auth/google", body, h)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the client budget is spent, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestGoogleLoginSuccessResetsThrottle(t *testing.T) {
	cfg := throttle.DefaultConfig()
	cfg.MaxLoginAttempts = 2
	api, _ := newGoogleTestAPI(t, cfg)
	handler := api.Handler()

	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.7")
	body := `{"company_code":"ACME","id_token":"google-token"}`
	for i := 0; i < cfg.MaxLoginAttempts*3; i++ {
		rr := doJSON(t, handler, http.MethodPost, "/v1/auth/google", body, h)
		if rr.Code != http.StatusOK {
			t.Fatalf("login %d: expected 200, got %d: %s", i+1, rr.Code, rr.Body.String())
		}
	}
}

func TestRefreshEndpointRoundTrip(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	login := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("login failed: %d", login.Code)
	}
	refreshToken := decodeBody(t, login)["refresh_token"].(string)

	rr := doJSON(t, handler, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"`+refreshToken+`"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if decodeBody(t, rr)["access_token"] == "" {
		t.Fatal("expected new access token")
	}

	// Logout revokes; the same refresh token is then rejected.
	logout := doJSON(t, handler, http.MethodPost, "/v1/auth/logout",
		`{"refresh_token":"`+refreshToken+`"}`, nil)
	if logout.Code != http.StatusOK {
		t.Fatalf("logout: %d", logout.Code)
	}
	rejected := doJSON(t, handler, http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"`+refreshToken+`"}`, nil)
	if rejected.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rejected.Code)
	}
}

func TestRefreshEndpointRejectsGarbage(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodPost, "/v1/auth/refresh",
		`{"refresh_token":"not-a-token"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMeRequiresBearer(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	rr := doJSON(t, handler, http.MethodGet, "/v1/auth/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	badHeader := http.Header{}
	badHeader.Set("Authorization", "Bearer garbage")
	rr = doJSON(t, handler, http.MethodGet, "/v1/auth/me", "", badHeader)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rr.Code)
	}
}

func TestMeReturnsFreshProfile(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	login := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	access := decodeBody(t, login)["access_token"].(string)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+access)
	rr := doJSON(t, handler, http.MethodGet, "/v1/auth/me", "", header)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	user, ok := body["user"].(map[string]any)
	if !ok || user["user_id"] != "user-1" {
		t.Fatalf("unexpected profile %v", body)
	}
	perms, ok := body["permissions"].([]any)
	if !ok || len(perms) != 1 {
		t.Fatalf("unexpected permissions %v", body["permissions"])
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	api, store := newTestAPI(t)
	handler := api.Handler()

	login := doJSON(t, handler, http.MethodPost, "/v1/auth/login",
		`{"company_code":"ACME","email":"dev@acme.example","password":"valid-password-1"}`, nil)
	access := decodeBody(t, login)["access_token"].(string)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+access)

	short := doJSON(t, handler, http.MethodPost, "/v1/auth/password",
		`{"current_password":"valid-password-1","new_password":"short"}`, header)
	if short.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", short.Code)
	}

	ok := doJSON(t, handler, http.MethodPost, "/v1/auth/password",
		`{"current_password":"valid-password-1","new_password":"longer-password-9"}`, header)
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ok.Code, ok.Body.String())
	}
	if err := auth.VerifyCredential(store.user.Credential, "longer-password-9"); err != nil {
		t.Fatalf("credential not updated: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t)
	rr := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decodeBody(t, rr)["status"] != "ok" {
		t.Fatal("unexpected health payload")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestUnknownPaths(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	// Root is public and unrouted.
	rr := doJSON(t, handler, http.MethodGet, "/", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 at root, got %d", rr.Code)
	}

	// Anything else unrouted sits behind authentication.
	rr = doJSON(t, handler, http.MethodGet, "/v1/auth/nope", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
