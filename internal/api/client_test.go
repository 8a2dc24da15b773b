// ABOUTME: Tests for the REST client: envelope decoding, error classification and session handling
// ABOUTME: Uses httptest servers that speak the {status,data} envelope

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/chat"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": http.StatusText(status),
		"data":   data,
	})
}

func sessionToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("test-secret-test-secret-test-secret"))
	require.NoError(t, err)
	return signed
}

func TestClient_GetSendsSessionCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(SessionCookie); err == nil {
			gotCookie = c.Value
		}
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeEnvelope(w, http.StatusOK, map[string]any{"value": 42})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "sess-1", srv.Client(), nil)
	data, err := c.Get(t.Context(), "probe", "/api/probe", map[string][]string{"limit": {"5"}})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", gotCookie)
	assert.Equal(t, int64(42), data.Get("value").Int())
	assert.Equal(t, srv.URL, c.BaseURL())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
		wantMsg  string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"status":"Unauthorized","data":{"auth":"no token provided"}}`, true, "no token provided"},
		{"bad request", http.StatusBadRequest, `{"status":"Bad Request","data":{"username":"user not found"}}`, false, "user not found"},
		{"plain text", http.StatusBadGateway, `upstream down`, false, "upstream down"},
		{"empty body", http.StatusInternalServerError, ``, false, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "tok", srv.Client(), nil)
			_, err := c.Get(t.Context(), "probe", "/x", nil)
			require.Error(t, err)

			if tt.wantAuth {
				var authErr *chat.AuthError
				require.True(t, errors.As(err, &authErr))
				assert.Equal(t, tt.wantMsg, authErr.Reason)
				return
			}

			var reqErr *chat.RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, "probe", reqErr.Op)
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Contains(t, reqErr.Error(), tt.wantMsg)
		})
	}
}

func TestClient_NetworkErrorIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, "tok", nil, nil)
	_, err := c.Get(t.Context(), "probe", "/x", nil)

	var reqErr *chat.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Zero(t, reqErr.StatusCode)
}

func TestErrorMessage_FirstFieldInDocumentOrder(t *testing.T) {
	raw := []byte(`{"status":"Bad Request","data":{"zeta":"first","alpha":"second"}}`)
	assert.Equal(t, "first", ErrorMessage(raw))

	assert.Equal(t, "boom", ErrorMessage([]byte(`{"errors":{"message":"boom"}}`)))
	assert.Equal(t, "nope", ErrorMessage([]byte(`{"error":"nope"}`)))
	assert.Equal(t, "", ErrorMessage([]byte(`{"status":"OK"}`)))
}

func TestClient_SessionExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c := New("http://unused", sessionToken(t, exp), nil, nil)

	got, ok := c.SessionExpiry()
	require.True(t, ok)
	assert.True(t, got.Equal(exp))
	assert.NoError(t, c.CheckSession(time.Now()))

	err := c.CheckSession(exp.Add(time.Second))
	assert.True(t, chat.IsAuth(err))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestClient_CheckSessionWithoutToken(t *testing.T) {
	c := New("http://unused", "", nil, nil)
	assert.True(t, chat.IsAuth(c.CheckSession(time.Now())))

	// Opaque tokens have no readable expiry and pass the local check.
	c.SetAccessToken("opaque")
	_, ok := c.SessionExpiry()
	assert.False(t, ok)
	assert.NoError(t, c.CheckSession(time.Now()))
}
