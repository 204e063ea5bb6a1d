package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
	"github.com/edrdavid1/smokefieldserver/internal/service/account"
	"github.com/edrdavid1/smokefieldserver/internal/service/ledger"
	"github.com/edrdavid1/smokefieldserver/internal/service/relay"
	"github.com/edrdavid1/smokefieldserver/internal/ws"
	"github.com/edrdavid1/smokefieldserver/pkg/config"
	jwtpkg "github.com/edrdavid1/smokefieldserver/pkg/jwt"
)

type stubUserRepo struct {
	users map[string]*domain.User
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: make(map[string]*domain.User)}
}

func (r *stubUserRepo) CreateUser(_ context.Context, user *domain.User) error {
	if _, ok := r.users[user.Username]; ok {
		return repository.ErrAlreadyExists
	}
	copied := *user
	r.users[user.Username] = &copied
	return nil
}

func (r *stubUserRepo) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (r *stubUserRepo) SaveCounters(_ context.Context, user *domain.User) error {
	if _, ok := r.users[user.Username]; !ok {
		return repository.ErrNotFound
	}
	copied := *user
	r.users[user.Username] = &copied
	return nil
}

func (r *stubUserRepo) SetConfirmed(_ context.Context, username string) error {
	user, ok := r.users[username]
	if !ok {
		return repository.ErrNotFound
	}
	user.Confirmed = true
	return nil
}

type logMailer struct{}

func (logMailer) SendConfirmation(context.Context, string, string) error { return nil }

type routerFixture struct {
	repo   *stubUserRepo
	router *Router
	cfg    config.APIConfig
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	cfg := config.APIConfig{
		JWTSecret:    "router-test-secret",
		TokenTTL:     time.Hour,
		StoreTimeout: time.Second,
	}
	repo := newStubUserRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	accountSvc := account.New(repo, logMailer{}, log, cfg)
	ledgerSvc := ledger.New(repo, log)
	relaySvc := relay.New(ws.NewRegistry(), repo, log, cfg)

	router := NewRouter(log, accountSvc, ledgerSvc, relaySvc, nil, func(context.Context) error { return nil })
	t.Cleanup(router.Close)
	return &routerFixture{repo: repo, router: router, cfg: cfg}
}

func (f *routerFixture) seedUser(t *testing.T, username string, current, total int) {
	t.Helper()
	err := f.repo.CreateUser(context.Background(), &domain.User{
		Username:    username,
		DisplayName: strings.ToUpper(username[:1]) + username[1:],
		Confirmed:   true,
		CurrentNum:  current,
		TotalNum:    total,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
}

func (f *routerFixture) token(t *testing.T, username string) string {
	t.Helper()
	token, err := jwtpkg.GenerateToken(username, f.cfg.JWTSecret, f.cfg.TokenTTL)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
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
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRegisterCreatesUser(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/register",
		`{"username":"Alice","password":"hunter2","name":"Alice B"}`, "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "User registered successfully." {
		t.Fatalf("message = %v", got)
	}
	user, err := f.repo.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("user not stored: %v", err)
	}
	if user.CurrentNum != 0 || user.TotalNum != 100 {
		t.Fatalf("counters = %d/%d, want 0/100", user.CurrentNum, user.TotalNum)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 0, 100)

	rec := f.do(t, http.MethodPost, "/register",
		`{"username":"alice","password":"pw","name":"Other"}`, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "Username is already taken." {
		t.Fatalf("message = %v", got)
	}
}

func TestRegisterMissingFields(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/register", `{"username":"alice"}`, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "All fields are required." {
		t.Fatalf("message = %v", got)
	}
}

func TestRegisterRejectsBadJSON(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/register", `{not json`, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRegisterMethodNotAllowed(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/register", "", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	f := newRouterFixture(t)

	var last *httptest.ResponseRecorder
	for i := 0; i <= rateLimitSignup; i++ {
		last = f.do(t, http.MethodPost, "/register", `{not json`, "")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after %d requests", last.Code, rateLimitSignup+1)
	}
	if last.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("rate limit headers missing")
	}
}

func TestLoginReturnsToken(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodPost, "/register",
		`{"username":"alice","password":"hunter2","name":"Alice"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/login",
		`{"username":"Alice","password":"hunter2"}`, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "Login successful!" {
		t.Fatalf("message = %v", body["message"])
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in response")
	}
	claims, err := jwtpkg.Parse(token, f.cfg.JWTSecret)
	if err != nil || claims.Username != "alice" {
		t.Fatalf("token parse = %v, claims = %+v", err, claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 0, 100)

	rec := f.do(t, http.MethodPost, "/login",
		`{"username":"alice","password":"wrong"}`, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "Invalid username or password." {
		t.Fatalf("message = %v", got)
	}
}

func TestUserDataRequiresAuth(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 0, 100)

	rec := f.do(t, http.MethodGet, "/userdata/alice", "", "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUserDataRejectsForgedToken(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 0, 100)

	forged, err := jwtpkg.GenerateToken("alice", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	rec := f.do(t, http.MethodGet, "/userdata/alice", "", forged)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUserDataReturnsProfile(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 3, 107)

	rec := f.do(t, http.MethodGet, "/userdata/Alice", "", f.token(t, "alice"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["uniqecode"] != "alice" || body["name"] != "Alice" {
		t.Fatalf("identity fields wrong: %v", body)
	}
	if body["currentNum"] != float64(3) || body["totalNum"] != float64(107) {
		t.Fatalf("counters wrong: %v", body)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("profile response leaks credentials: %s", rec.Body.String())
	}
}

func TestUserDataUnknownUser(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 0, 100)

	rec := f.do(t, http.MethodGet, "/userdata/ghost", "", f.token(t, "alice"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "User not found." {
		t.Fatalf("message = %v", got)
	}
}

func TestUpdateUserAdjustsCounters(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 5, 100)
	f.seedUser(t, "bob", 2, 100)

	rec := f.do(t, http.MethodPost, "/updateuser",
		`{"userBB":"alice","userGG":"bob"}`, f.token(t, "alice"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	bbData, _ := body["userBBData"].(map[string]any)
	ggData, _ := body["userGGData"].(map[string]any)
	if bbData["currentNum"] != float64(4) {
		t.Fatalf("userBBData.currentNum = %v, want 4", bbData["currentNum"])
	}
	if ggData["currentNum"] != float64(3) || ggData["totalNum"] != float64(101) {
		t.Fatalf("userGGData = %v, want 3/101", ggData)
	}
}

func TestUpdateUserSelfTarget(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 5, 100)

	rec := f.do(t, http.MethodPost, "/updateuser",
		`{"userBB":"Alice","userGG":"alice"}`, f.token(t, "alice"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["error"] != "self_target" {
		t.Fatalf("body = %v", body)
	}
	if body["message"] != "Cannot send to yourself." {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestUpdateUserUnknownTarget(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 5, 100)

	rec := f.do(t, http.MethodPost, "/updateuser",
		`{"userBB":"alice","userGG":"ghost"}`, f.token(t, "alice"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestUpdateUserRequiresAuth(t *testing.T) {
	f := newRouterFixture(t)
	f.seedUser(t, "alice", 5, 100)
	f.seedUser(t, "bob", 2, 100)

	rec := f.do(t, http.MethodPost, "/updateuser",
		`{"userBB":"alice","userGG":"bob"}`, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	stored, _ := f.repo.GetUserByUsername(context.Background(), "alice")
	if stored.CurrentNum != 5 {
		t.Fatalf("counters changed on unauthenticated request")
	}
}

func TestHealthz(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("status = %v", body["status"])
	}
}

func TestBearerTokenParsing(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"case insensitive scheme", "bearer abc123", "abc123", false},
		{"missing", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"no token", "Bearer", "", true},
		{"extra parts", "Bearer a b", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.header)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("bearerToken(%q) = %q, %v", tc.header, got, err)
			}
		})
	}
}

func TestRouteLabelCollapsesUserdata(t *testing.T) {
	if got := routeLabel("/userdata/alice"); got != "/userdata/:username" {
		t.Fatalf("routeLabel = %q", got)
	}
	if got := routeLabel("/login"); got != "/login" {
		t.Fatalf("routeLabel = %q", got)
	}
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.4:9000"
	if got := clientIP(req); got != "198.51.100.4" {
		t.Fatalf("clientIP = %q", got)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatalf("fourth request should be rejected")
	}
	// A different key has its own window.
	if d := rl.Allow("ip:5.6.7.8", 3, time.Minute); !d.allowed {
		t.Fatalf("independent key should be allowed")
	}
}
