package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"weeklydiary/api/internal/auth"
	"weeklydiary/api/internal/csrf"
	"weeklydiary/api/internal/store"
)

const (
	sessionCookieName = "sid"
	maxJSONBody       = 1 << 20
)

type rateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    rateLimiter
	csrf       csrf.Guard
	log        *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		csrf: csrf.Guard{
			TTL:    service.cfg.SessionTTL,
			Secure: service.cfg.CookieSecure,
			Domain: service.cfg.CookieDomain,
		},
		log: service.log,
	}
}

// UseRateLimiter limits requests under /api/auth/ per client IP.
func (s *HTTPServer) UseRateLimiter(limiter rateLimiter) {
	s.limiter = limiter
}

func (s *HTTPServer) Handler() http.Handler {
	var next http.Handler = http.HandlerFunc(s.handle)
	next = csrf.Middleware(next, s.rejectCSRF)
	next = s.withRateLimit(next)
	next = s.withMiddleware(next)
	return s.corsPolicy().Handler(next)
}

func (s *HTTPServer) corsPolicy() *cors.Cors {
	origins := []string{}
	for _, origin := range strings.Split(s.corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", csrf.HeaderName, "CSRF-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

func (s *HTTPServer) rejectCSRF(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusForbidden, "CSRF_INVALID", "CSRF token missing or invalid", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			s.log.WarnContext(ctx, "readiness check failed", "error", err)
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/csrf" {
		token, err := s.csrf.Issue(w)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"csrfToken": token})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleAuthLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		s.service.Logout(r.Context(), sessionToken(r, s.cookieSecret()))
		s.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/auth/session" {
		s.handleAuthSession(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	userID, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) >= 2 && (parts[1] == "me" || parts[1] == "users" || parts[1] == "friends"):
		s.handleUsers(w, r, userID, parts)
	case len(parts) >= 2 && parts[1] == "diary":
		s.handleDiary(w, r, userID, parts)
	case len(parts) >= 2 && (parts[1] == "upload" || parts[1] == "images" || parts[1] == "r2"):
		s.handleUploads(w, r, userID, parts)
	case len(parts) >= 2 && parts[1] == "calendar":
		s.handleCalendar(w, r, userID, parts)
	case len(parts) >= 2 && parts[1] == "schedules":
		s.handleSchedules(w, r, userID, parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Nickname string `json:"nickname"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, session, err := s.service.SignUp(r.Context(), body.Username, body.Password, body.Nickname, clientMeta(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.setSessionCookie(w, session)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "userId": user.ID})
}

func (s *HTTPServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	user, session, err := s.service.Login(r.Context(), body.Username, body.Password, clientMeta(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"userId":   user.ID,
		"nickname": userView(user).Nickname,
	})
}

func (s *HTTPServer) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	userID := s.service.Authenticate(r.Context(), sessionToken(r, s.cookieSecret()))
	if userID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
		return
	}
	user, err := s.service.SessionUser(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
		return
	}
	view := userView(user)
	writeJSON(w, http.StatusOK, map[string]any{
		"loggedIn":  true,
		"userId":    view.ID,
		"username":  view.Username,
		"nickname":  view.Nickname,
		"avatarUrl": view.AvatarURL,
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := sessionToken(r, s.cookieSecret())
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	userID := s.service.Authenticate(r.Context(), token)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) cookieSecret() []byte {
	return []byte(s.service.cfg.CookieSecret)
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    auth.SignValue(s.cookieSecret(), session.Token),
		Path:     "/",
		Domain:   s.service.cfg.CookieDomain,
		Expires:  session.ExpiresAt,
		MaxAge:   int(s.service.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.service.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionToken returns the raw token from a correctly signed sid cookie.
func sessionToken(r *http.Request, secret []byte) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	token, err := auth.VerifyValue(secret, cookie.Value)
	if err != nil {
		return ""
	}
	return token
}

func clientMeta(r *http.Request) ClientMeta {
	return ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HTTPServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || !strings.HasPrefix(r.URL.Path, "/api/auth/") {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), "auth:"+clientIP(r))
		if err != nil {
			s.log.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			seconds := int((retryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if recovered := recover(); recovered != nil {
				s.log.ErrorContext(ctx, "handler panic",
					"request_id", requestID,
					"panic", fmt.Sprint(recovered),
					"stack", string(debug.Stack()),
				)
				if !writer.wroteHeader {
					writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", map[string]any{"requestId": requestID})
				}
			}
			s.log.InfoContext(ctx, "request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", writer.status,
				"duration_ms", time.Since(started).Milliseconds(),
			)
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeServiceError maps err to a response. Unexpected errors are logged
// with the request id and only the id is returned to the client.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		requestID := requestIDFrom(r.Context())
		s.log.ErrorContext(r.Context(), "request failed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		details = map[string]any{"requestId": requestID}
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}
