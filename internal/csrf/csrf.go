// Package csrf implements double-submit cookie protection.
//
// The server keeps no record of issued tokens: a request is accepted when the
// token echoed in a header equals the token in the cookie. Anyone able to both
// read the cookie and set the header defeats the check; that is the accepted
// limit of the double-submit scheme.
package csrf

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"weeklydiary/api/internal/auth"
)

const (
	CookieName    = "csrf_token"
	HeaderName    = "X-CSRF-Token"
	altHeaderName = "CSRF-Token"
)

type Guard struct {
	TTL    time.Duration
	Secure bool
	Domain string
}

// Issue generates a fresh token and sets it as a script-readable cookie.
// Previously issued tokens stay valid for as long as their cookie lives.
func (g Guard) Issue(w http.ResponseWriter) (string, error) {
	token, err := auth.NewToken()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.Domain,
		MaxAge:   int(g.TTL / time.Second),
		HttpOnly: false,
		Secure:   g.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Validate reports whether the header token and cookie token are both present and equal.
func Validate(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get(HeaderName))
	if header == "" {
		header = strings.TrimSpace(r.Header.Get(altHeaderName))
	}
	if header == "" {
		return false
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) == 1
}

// Protected reports whether a request must carry a valid token.
func Protected(r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// Middleware rejects state-changing API requests that fail Validate.
func Middleware(next http.Handler, reject http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Protected(r) && !Validate(r) {
			reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
