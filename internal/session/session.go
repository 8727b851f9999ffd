// Package session resolves the user identity behind a request. Identity comes
// either from the authenticating front proxy (X-Forwarded-User) or from a
// previously issued HMAC-signed session cookie.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

const cookieName = "world_session"

// Resolver issues and verifies session cookies.
type Resolver struct {
	secret []byte
}

// NewResolver creates a Resolver signing cookies with secret.
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve returns the user identity for a request, or "" when the request
// carries no valid identity.
func (s *Resolver) Resolve(r *http.Request) string {
	cookie, err := r.Cookie(cookieName)
	if err == nil {
		if user, ok := s.verify(cookie.Value); ok {
			return user
		}
	}
	return ""
}

// Establish resolves the identity for a login request, preferring the header
// set by the authenticating front proxy, and issues a session cookie for it.
// Returns "" when no identity can be established.
func (s *Resolver) Establish(w http.ResponseWriter, r *http.Request) string {
	user := r.Header.Get("X-Forwarded-User")
	if user == "" {
		user = s.Resolve(r)
	}
	if user == "" {
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    s.sign(user),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return user
}

func (s *Resolver) sign(user string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(user))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(user)) + "." + sig
}

func (s *Resolver) verify(value string) (string, bool) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return "", false
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	user := string(decoded)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(user))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", false
	}
	return user, true
}
