package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memTokenStore struct {
	sess *Session
}

func (m *memTokenStore) Save(sess Session) error { m.sess = &sess; return nil }
func (m *memTokenStore) Load() (*Session, error) { return m.sess, nil }
func (m *memTokenStore) Clear() error            { m.sess = nil; return nil }

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func testClient(t *testing.T, handler http.Handler) (*Client, *memTokenStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "anon-key"
	tokens := &memTokenStore{}
	return New(cfg, tokens, zap.NewNop()), tokens
}

func authedClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	c, _ := testClient(t, handler)
	c.setSession(&Session{
		AccessToken: "tok",
		UserID:      "user-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	return c
}

func TestSignInParsesTokenClaims(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token := signedToken(t, "user-from-token", exp)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@b.c", body["email"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   60,
			"user":         map[string]string{"id": "user-from-envelope", "email": "a@b.c"},
		})
	})

	c, tokens := testClient(t, mux)
	sess, err := c.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	assert.Equal(t, "user-from-token", sess.UserID, "token sub wins over envelope")
	assert.WithinDuration(t, exp, sess.ExpiresAt, time.Second)
	assert.True(t, c.Authenticated())
	require.NotNil(t, tokens.sess, "session persisted to token store")
}

func TestSessionExpiryReadsAsSignedOut(t *testing.T) {
	c, _ := testClient(t, http.NewServeMux())
	c.setSession(&Session{AccessToken: "tok", UserID: "u", ExpiresAt: time.Now().Add(-time.Minute)})

	assert.False(t, c.Authenticated())
	assert.Empty(t, c.UserID())
	_, err := c.ListPersonas(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRestoreSessionSkipsExpired(t *testing.T) {
	c, tokens := testClient(t, http.NewServeMux())
	tokens.sess = &Session{AccessToken: "tok", ExpiresAt: time.Now().Add(-time.Minute)}

	ok, err := c.RestoreSession()
	require.NoError(t, err)
	assert.False(t, ok)

	tokens.sess = &Session{AccessToken: "tok", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)}
	ok, err = c.RestoreSession()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u", c.UserID())
}

func TestListPersonasMapsRows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/personas", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.user-1", r.URL.Query().Get("user_id"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`[
			{"id":"p1","name":"Aria","image_path":"https://cdn/x.png","persona_prompt":"You are Aria.","persona_config":{"temp":0.7},"created_at":"2026-01-02T03:04:05Z"},
			{"id":"p2","name":"Kai","image_path":null,"persona_prompt":null,"persona_config":null,"created_at":"2026-01-01T00:00:00Z"}
		]`))
	})
	mux.HandleFunc("/rest/v1/lockets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"persona_id":"p1","data":"Aria grew up by the sea."}]`))
	})

	c := authedClient(t, mux)
	souls, err := c.ListPersonas(context.Background())
	require.NoError(t, err)
	require.Len(t, souls, 2)

	require.NotNil(t, souls[0].AvatarURL)
	assert.Equal(t, "https://cdn/x.png", *souls[0].AvatarURL)
	require.NotNil(t, souls[0].LocketData)
	assert.Equal(t, "Aria grew up by the sea.", *souls[0].LocketData)

	// Absent image_path maps to a nil avatar, not a missing field or a panic.
	assert.Nil(t, souls[1].AvatarURL)
	assert.Empty(t, souls[1].SystemPrompt)
	assert.NotNil(t, souls[1].Config)
	assert.Nil(t, souls[1].LocketData)
}

func TestListPersonasSurvivesLocketFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/v1/personas", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"p1","name":"Aria","created_at":"2026-01-02T03:04:05Z"}]`))
	})
	mux.HandleFunc("/rest/v1/lockets", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	c := authedClient(t, mux)
	souls, err := c.ListPersonas(context.Background())
	require.NoError(t, err)
	require.Len(t, souls, 1)
	assert.Nil(t, souls[0].LocketData)
}

func TestSearchMemories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/functions/v1/search-memories", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["query"])
		assert.Equal(t, "p1", body["persona_id"])
		assert.Equal(t, "user-1", body["user_id"])
		assert.EqualValues(t, 5, body["limit"])
		w.Write([]byte(`{"success":true,"locket_data":"core","results":[{"content":"m1","similarity":0.9},{"content":"m2"}]}`))
	})

	c := authedClient(t, mux)
	res, err := c.SearchMemories(context.Background(), "hello", "p1", 0)
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.NotNil(t, res.LocketData)
	assert.Equal(t, "core", *res.LocketData)
	require.Len(t, res.Results, 2)
	require.NotNil(t, res.Results[0].Similarity)
	assert.InDelta(t, 0.9, *res.Results[0].Similarity, 1e-9)
	assert.Nil(t, res.Results[1].Similarity)
}

func TestServerErrorSurfacesAsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/functions/v1/search-memories", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})

	c := authedClient(t, mux)
	_, err := c.SearchMemories(context.Background(), "q", "p1", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/functions/v1/search-memories", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BreakerTrips = 2
	cfg.RatePerSec = 1000
	c := New(cfg, nil, zap.NewNop())
	c.setSession(&Session{AccessToken: "tok", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)})

	for i := 0; i < 2; i++ {
		_, err := c.SearchMemories(context.Background(), "q", "p", 5)
		require.Error(t, err)
	}

	_, err := c.SearchMemories(context.Background(), "q", "p", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestSignOutClearsSessionAndStore(t *testing.T) {
	c, tokens := testClient(t, http.NewServeMux())
	c.setSession(&Session{AccessToken: "tok", UserID: "u", ExpiresAt: time.Now().Add(time.Hour)})
	tokens.sess = &Session{AccessToken: "tok"}

	require.NoError(t, c.SignOut())
	assert.False(t, c.Authenticated())
	assert.Nil(t, tokens.sess)
}
