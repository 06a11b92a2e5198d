package access

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"github.com/osiriscare/fleet/internal/store"
)

// Operator roles. Writes need operator or admin; admin endpoints need
// admin.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleReadonly = "readonly"
)

const sessionCookieName = "fleet_session"

var (
	// ErrBadCredentials covers unknown usernames and wrong passwords
	// alike.
	ErrBadCredentials = errors.New("bad username or password")
	// ErrNoSession means the request carries no live operator session.
	ErrNoSession = errors.New("no active session")
)

// ValidRole reports whether a role name is one of the three known
// roles.
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleOperator || role == RoleReadonly
}

// Principal is the authenticated operator attached to a request.
type Principal struct {
	Username string
	Role     string
}

// CanWrite reports whether the operator may hit mutating endpoints.
func (p *Principal) CanWrite() bool {
	return p.Role == RoleAdmin || p.Role == RoleOperator
}

// IsAdmin reports whether the operator may hit admin endpoints.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Sessions manages cookie-backed operator sessions with an idle
// window. A session past the window is treated as absent and the
// cookie cleared.
type Sessions struct {
	store *sessions.CookieStore
	st    *store.Store
	idle  time.Duration
}

// NewSessions builds the session manager. authKey signs the cookies
// and must be stable across replicas.
func NewSessions(st *store.Store, authKey []byte, idle time.Duration) *Sessions {
	cs := sessions.NewCookieStore(authKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(idle / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
	return &Sessions{store: cs, st: st, idle: idle}
}

// Login verifies operator credentials and opens a session.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, username, password string) (*Principal, error) {
	op, err := s.st.GetOperator(r.Context(), username)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}

	sess, _ := s.store.Get(r, sessionCookieName)
	sess.Values["username"] = op.Username
	sess.Values["role"] = op.Role
	sess.Values["last_active"] = time.Now().UTC().Unix()
	if err := sess.Save(r, w); err != nil {
		return nil, err
	}
	return &Principal{Username: op.Username, Role: op.Role}, nil
}

// Logout clears the session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	sess, _ := s.store.Get(r, sessionCookieName)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// Current returns the request's operator and refreshes the idle
// window.
func (s *Sessions) Current(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	sess, err := s.store.Get(r, sessionCookieName)
	if err != nil || sess.IsNew {
		return nil, ErrNoSession
	}

	username, _ := sess.Values["username"].(string)
	role, _ := sess.Values["role"].(string)
	lastActive, _ := sess.Values["last_active"].(int64)
	if username == "" || !ValidRole(role) {
		return nil, ErrNoSession
	}
	if time.Since(time.Unix(lastActive, 0)) > s.idle {
		sess.Options.MaxAge = -1
		_ = sess.Save(r, w)
		return nil, ErrNoSession
	}

	sess.Values["last_active"] = time.Now().UTC().Unix()
	_ = sess.Save(r, w)
	return &Principal{Username: username, Role: role}, nil
}

// HashPassword returns the bcrypt hash stored for an operator.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
