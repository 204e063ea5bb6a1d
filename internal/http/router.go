package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edrdavid1/smokefieldserver/internal/domain"
	"github.com/edrdavid1/smokefieldserver/internal/repository"
	"github.com/edrdavid1/smokefieldserver/internal/service/account"
	"github.com/edrdavid1/smokefieldserver/internal/service/ledger"
	"github.com/edrdavid1/smokefieldserver/internal/service/relay"
	"github.com/edrdavid1/smokefieldserver/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	account  account.Service
	ledger   ledger.Service
	relay    relay.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitConfirm   = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, accountSvc account.Service, ledgerSvc ledger.Service, relaySvc relay.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		account: accountSvc,
		ledger:  ledgerSvc,
		relay:   relaySvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/register", r.audit(r.withRateLimit("register", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleRegister)))
	r.mux.HandleFunc("/login", r.audit(r.withRateLimit("login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/confirm", r.audit(r.withRateLimit("confirm", rateLimitConfirm, rateWindowDefault, rateLimitKeyIP, r.handleConfirm)))
	r.mux.HandleFunc("/userdata/", r.audit(r.handlerAuthRate("userdata", rateLimitUserRead, rateWindowDefault, r.handleUserData)))
	r.mux.HandleFunc("/updateuser", r.audit(r.handlerAuthRate("updateuser", rateLimitUserWrite, rateWindowDefault, r.handleUpdateUser)))
	r.mux.HandleFunc("/ws", r.audit(r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleWS)))
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	_, err := r.account.Signup(req.Context(), payload.Username, payload.Name, payload.Password, payload.Email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"message": "User registered successfully."})
	case errors.Is(err, account.ErrMissingFields):
		writeError(w, http.StatusBadRequest, "All fields are required.")
	case errors.Is(err, repository.ErrAlreadyExists):
		writeError(w, http.StatusBadRequest, "Username is already taken.")
	default:
		r.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error.")
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	_, token, err := r.account.Login(req.Context(), payload.Username, payload.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Login successful!", "token": token})
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid username or password.")
	default:
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error.")
	}
}

func (r *Router) handleConfirm(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := r.account.ConfirmEmail(req.Context(), payload.Username, payload.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Email confirmed."})
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found.")
	case errors.Is(err, account.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "Invalid confirmation code.")
	default:
		r.logger.Error("confirmation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error.")
	}
}

func (r *Router) handleUserData(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	username := strings.TrimPrefix(req.URL.Path, "/userdata/")
	if username == "" || strings.Contains(username, "/") {
		r.notFound(w)
		return
	}
	user, err := r.account.Profile(req.Context(), username)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, userPayload(user))
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found.")
	default:
		r.logger.Error("profile fetch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Server error.")
	}
}

func (r *Router) handleUpdateUser(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		UserGG string `json:"userGG"`
		UserBB string `json:"userBB"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// userBB is the giver whose current counter drops; userGG gains on
	// both counters. Identities are normalized before they reach the
	// adjuster.
	source := domain.NormalizeUsername(payload.UserBB)
	target := domain.NormalizeUsername(payload.UserGG)
	src, dst, err := r.ledger.Adjust(req.Context(), source, target)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"userBBData": userPayload(src),
			"userGGData": userPayload(dst),
		})
	case errors.Is(err, ledger.ErrSelfTarget):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "self_target",
			"message": "Cannot send to yourself.",
		})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "User not found.",
		})
	default:
		r.logger.Error("ledger adjust failed", "source", source, "target", target, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Server error.",
		})
	}
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewConn(conn, r.logger)
	go func() {
		// The request context dies when this handler returns, so the
		// read loop carries its own.
		ctx := context.Background()
		defer func() {
			r.relay.HandleClose(client)
			client.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			r.relay.HandleMessage(ctx, client, data)
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// userPayload shapes a record for responses, keeping the original wire
// field names and omitting credentials and pending confirmation codes.
func userPayload(user *domain.User) map[string]any {
	return map[string]any{
		"name":       user.DisplayName,
		"uniqecode":  user.Username,
		"confirmed":  user.Confirmed,
		"currentNum": user.CurrentNum,
		"totalNum":   user.TotalNum,
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := routeLabel(req.URL.Path)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "username", info.Username)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses parameterized paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/userdata/") {
		return "/userdata/:username"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
