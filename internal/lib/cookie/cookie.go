package cookie

import (
	"net/http"
	"strings"
	"time"
)

const RefreshTokenName = "refresh_token"

// refreshPath scopes the refresh cookie to the auth subtree so it is never
// sent with ordinary API calls.
const refreshPath = "/api/v1/auth"

type Manager struct {
	domain   string
	secure   bool
	sameSite http.SameSite
}

func NewManager(domain string, secure bool, sameSite string) *Manager {
	ss := http.SameSiteStrictMode
	switch strings.ToLower(sameSite) {
	case "lax":
		ss = http.SameSiteLaxMode
	case "none":
		ss = http.SameSiteNoneMode
	}

	return &Manager{
		domain:   domain,
		secure:   secure,
		sameSite: ss,
	}
}

func (m *Manager) SetRefreshToken(w http.ResponseWriter, raw string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenName,
		Value:    raw,
		Path:     refreshPath,
		Domain:   m.domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite,
	})
}

func (m *Manager) ClearRefreshToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenName,
		Value:    "",
		Path:     refreshPath,
		Domain:   m.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite,
	})
}

// RefreshToken reads the raw refresh token from the request, if present.
func RefreshToken(r *http.Request) string {
	c, err := r.Cookie(RefreshTokenName)
	if err != nil {
		return ""
	}
	return c.Value
}
