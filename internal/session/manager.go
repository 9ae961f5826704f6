package session

import (
	"net/http"

	"debugbar_relay/internal/correlation"
)

const DefaultCookieName = "debugbar-session"

// Manager maps a browser to its relay store through a session cookie.
type Manager struct {
	Backend    Backend
	CookieName string
	Secure     bool
	IDs        *correlation.Generator
}

func NewManager(backend Backend, cookieName string) *Manager {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Manager{
		Backend:    backend,
		CookieName: cookieName,
		IDs:        correlation.NewGenerator(),
	}
}

// Resolve returns the store for the request's session, starting a session
// (and setting its cookie on w) when the request carries none.
func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) Store {
	if m == nil || m.Backend == nil || r == nil {
		return Inactive()
	}
	if id, ok := m.SessionID(r); ok {
		return m.Backend.ForSession(id)
	}
	if w == nil {
		return Inactive()
	}
	id := m.IDs.SessionID()
	if id == "" {
		return Inactive()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	r.AddCookie(&http.Cookie{Name: m.CookieName, Value: id})
	return m.Backend.ForSession(id)
}

func (m *Manager) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(m.CookieName)
	if err != nil || !correlation.ValidSessionID(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}
