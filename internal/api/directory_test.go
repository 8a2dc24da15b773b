// ABOUTME: Tests for login, register and directory lookups against an httptest server
// ABOUTME: Verifies cookie capture, payload shapes and client-side credential validation

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/chat"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds.Password != "hunter22" {
			writeEnvelope(w, http.StatusBadRequest, map[string]string{"password": "wrong password"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "jwt-for-" + creds.Username})
		writeEnvelope(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, nil) // forgets the cookie
	})
	mux.HandleFunc("GET /api/userinfo", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, User{ID: "u-1", Username: "alice"})
	})
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []User{{ID: "u-2", Username: "bob"}, {ID: "u-3", Username: "carol"}})
	})
	mux.HandleFunc("GET /api/conversation", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /api/conversation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bob", body["username"])
		writeEnvelope(w, http.StatusOK, map[string]int{"conversation_id": 12})
	})
	mux.HandleFunc("GET /api/conversation/{id}/participant", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12", r.PathValue("id"))
		writeEnvelope(w, http.StatusOK, User{ID: "u-2", Username: "bob"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_LoginStoresCookie(t *testing.T) {
	srv := newDirectoryServer(t)
	c := New(srv.URL, "", srv.Client(), nil)

	require.NoError(t, c.Login(t.Context(), Credentials{Username: "alice", Password: "hunter22"}))
	assert.Equal(t, "jwt-for-alice", c.AccessToken())
}

func TestClient_LoginWrongPassword(t *testing.T) {
	srv := newDirectoryServer(t)
	c := New(srv.URL, "", srv.Client(), nil)

	err := c.Login(t.Context(), Credentials{Username: "alice", Password: "badpass"})
	var reqErr *chat.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Contains(t, err.Error(), "wrong password")
	assert.Empty(t, c.AccessToken())
}

func TestClient_RegisterWithoutCookieIsAuthError(t *testing.T) {
	srv := newDirectoryServer(t)
	c := New(srv.URL, "", srv.Client(), nil)

	err := c.Register(t.Context(), Credentials{Username: "dave", Password: "hunter22"})
	assert.True(t, chat.IsAuth(err))
}

func TestCredentials_Validate(t *testing.T) {
	assert.NoError(t, Credentials{Username: "alice", Password: "12345"}.Validate())
	assert.Error(t, Credentials{Username: "abc", Password: "12345"}.Validate())
	assert.Error(t, Credentials{Username: "abcdefghijklmnopqrstuvw", Password: "12345"}.Validate())
	assert.Error(t, Credentials{Username: "alice", Password: "1234"}.Validate())
}

func TestClient_DirectoryLookups(t *testing.T) {
	srv := newDirectoryServer(t)
	c := New(srv.URL, "tok", srv.Client(), nil)
	ctx := t.Context()

	me, err := c.UserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, User{ID: "u-1", Username: "alice"}, me)

	users, err := c.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	convs, err := c.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs, "null data is an empty list")

	id, err := c.CreateConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	other, err := c.Participant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", other.Username)
}
