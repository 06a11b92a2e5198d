package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillasessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/ledger"
	"github.com/osiriscare/fleet/internal/orders"
)

var testAuthKey = []byte("0123456789abcdef0123456789abcdef")

func testServer() *Server {
	return &Server{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: access.NewSessions(nil, testAuthKey, 15*time.Minute),
	}
}

// bakeSession builds a session cookie the server's session manager
// accepts: same auth key, same cookie name, live idle window.
func bakeSession(t *testing.T, username, role string) string {
	t.Helper()
	cs := gorillasessions.NewCookieStore(testAuthKey)
	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	sess, _ := cs.Get(r, "fleet_session")
	sess.Values["username"] = username
	sess.Values["role"] = role
	sess.Values["last_active"] = time.Now().UTC().Unix()
	require.NoError(t, sess.Save(r, w))
	return w.Header().Get("Set-Cookie")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRead(t *testing.T) {
	s := testServer()
	h := s.requireRead(okHandler())

	t.Run("no session", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/api/fleet", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("readonly session passes", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet", nil)
		r.Header.Set("Cookie", bakeSession(t, "carol", access.RoleReadonly))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bearer token alone is not enough", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet", nil)
		r.Header.Set("Authorization", "Bearer "+strings.Repeat("ab", 32))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireWriter(t *testing.T) {
	s := testServer()
	h := s.requireWriter(okHandler())

	t.Run("operator writes", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/orders", nil)
		r.Header.Set("Cookie", bakeSession(t, "alice", access.RoleOperator))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readonly is forbidden", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/orders", nil)
		r.Header.Set("Cookie", bakeSession(t, "carol", access.RoleReadonly))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("no session", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/api/orders", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	s := testServer()
	h := s.requireAdmin(okHandler())

	t.Run("admin passes", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/admin/tokens", nil)
		r.Header.Set("Cookie", bakeSession(t, "root", access.RoleAdmin))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("operator is forbidden", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/admin/tokens", nil)
		r.Header.Set("Cookie", bakeSession(t, "alice", access.RoleOperator))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRequireSiteScopeSessionPath(t *testing.T) {
	s := testServer()
	h := s.requireSiteScope(access.ScopeRead)(okHandler())

	t.Run("session bypasses token checks", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/fleet/clinic-west", nil)
		r.Header.Set("Cookie", bakeSession(t, "carol", access.RoleReadonly))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("nothing at all", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/api/fleet/clinic-west", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"Bearer  spaced ", "spaced"},
	}
	for _, c := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if c.header != "" {
			r.Header.Set("Authorization", c.header)
		}
		assert.Equal(t, c.want, bearerToken(r), "header %q", c.header)
	}
}

func TestOperatorName(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "unknown", operatorName(r))
}

func TestQueryInt(t *testing.T) {
	get := func(url string) *http.Request { return httptest.NewRequest("GET", url, nil) }

	assert.Equal(t, 50, queryInt(get("/x"), "limit", 50, 200))
	assert.Equal(t, 10, queryInt(get("/x?limit=10"), "limit", 50, 200))
	assert.Equal(t, 200, queryInt(get("/x?limit=9999"), "limit", 50, 200))
	assert.Equal(t, 50, queryInt(get("/x?limit=-3"), "limit", 50, 200))
	assert.Equal(t, 50, queryInt(get("/x?limit=abc"), "limit", 50, 200))
}

func TestWriteOrderError(t *testing.T) {
	s := testServer()
	cases := []struct {
		err  error
		code int
	}{
		{orders.ErrUnknownTarget, http.StatusNotFound},
		{orders.ErrApplianceOffline, http.StatusConflict},
		{orders.ErrRunbookNotInCatalogue, http.StatusUnprocessableEntity},
		{orders.ErrSigningKeyUnavailable, http.StatusServiceUnavailable},
		{errors.New("pg down"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		s.writeOrderError(w, c.err)
		assert.Equal(t, c.code, w.Code, "error %v", c.err)
	}
}

func TestWriteAppendError(t *testing.T) {
	s := testServer()

	t.Run("chain fork carries expected head", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeAppendError(w, &ledger.ForkError{ExpectedHead: strings.Repeat("ab", 32)})
		require.Equal(t, http.StatusConflict, w.Code)

		var body apiError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "chain_fork", body.Code)
		assert.Equal(t, strings.Repeat("ab", 32), body.ExpectedHead)
	})

	t.Run("identity mismatch is unauthorized", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeAppendError(w, ledger.ErrBadIdentity)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("schema violation is unprocessable", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeAppendError(w, &ledger.ViolationError{Detail: "bundle_hash does not recompute"})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var body apiError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Contains(t, body.Message, "recompute")
	})

	t.Run("storage trouble asks for retry", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.writeAppendError(w, errors.New("pool exhausted"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleLoginRejectsBadBody(t *testing.T) {
	s := testServer()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/login", strings.NewReader("{not json"))
	s.handleLogin(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleOrderIssueValidation(t *testing.T) {
	s := testServer()

	t.Run("bad json", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/orders", strings.NewReader("["))
		s.handleOrderIssue(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/orders", strings.NewReader(`{"site_id":"clinic-west"}`))
		s.handleOrderIssue(w, r)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestPortalTimeHelpers(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-01T12:30:00Z", rfc3339(at))
	assert.Equal(t, "2025-06-01T12:30:00Z", rfc3339Ptr(&at))
	assert.Equal(t, "", rfc3339Ptr(nil))

	v := "rb-1"
	assert.Equal(t, "rb-1", strPtr(&v))
	assert.Equal(t, "", strPtr(nil))
}
