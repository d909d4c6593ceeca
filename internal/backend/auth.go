package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// ErrNotAuthenticated is returned when an operation needs a signed-in
// session and none is present.
var ErrNotAuthenticated = errors.New("backend: not authenticated")

const (
	keyringService = "remrin-locket"
	keyringUser    = "session"
)

// Session is the signed-in backend session.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session's token is past its expiry.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// TokenStore persists the session across runs.
type TokenStore interface {
	Save(sess Session) error
	Load() (*Session, error)
	Clear() error
}

// KeyringStore keeps the session in the OS keychain, falling back to a
// 0600 file when no keychain is available (headless hosts).
type KeyringStore struct {
	FallbackPath string
	log          *zap.Logger
}

// NewKeyringStore creates a token store. fallbackPath may be empty to
// disable the file fallback.
func NewKeyringStore(fallbackPath string, log *zap.Logger) *KeyringStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyringStore{FallbackPath: fallbackPath, log: log}
}

func (k *KeyringStore) Save(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, string(data)); err == nil {
		return nil
	} else if k.FallbackPath == "" {
		return fmt.Errorf("store session in keyring: %w", err)
	} else {
		k.log.Debug("keyring unavailable, using file fallback", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(k.FallbackPath), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return os.WriteFile(k.FallbackPath, data, 0o600)
}

func (k *KeyringStore) Load() (*Session, error) {
	raw, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if k.FallbackPath == "" {
			return nil, nil
		}
		data, ferr := os.ReadFile(k.FallbackPath)
		if ferr != nil {
			return nil, nil
		}
		raw = string(data)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode stored session: %w", err)
	}
	return &sess, nil
}

func (k *KeyringStore) Clear() error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		k.log.Debug("keyring delete failed", zap.Error(err))
	}
	if k.FallbackPath != "" {
		if rerr := os.Remove(k.FallbackPath); rerr != nil && !os.IsNotExist(rerr) {
			return rerr
		}
	}
	return nil
}

// signInResponse is the password-grant token response.
type signInResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// SignIn exchanges credentials for a session and persists it.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}

	var resp signInResponse
	if err := c.postJSON(ctx, "/auth/v1/token?grant_type=password", body, &resp); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, errors.New("sign in: no access token in response")
	}

	sess := Session{
		AccessToken: resp.AccessToken,
		UserID:      resp.User.ID,
		Email:       resp.User.Email,
	}
	if resp.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	// The token itself is authoritative for the user id and expiry; the
	// response envelope varies between backend versions.
	if sub, exp, err := parseToken(resp.AccessToken); err == nil {
		if sub != "" {
			sess.UserID = sub
		}
		if !exp.IsZero() {
			sess.ExpiresAt = exp
		}
	} else {
		c.log.Debug("could not parse access token claims", zap.Error(err))
	}

	c.setSession(&sess)
	if c.tokens != nil {
		if err := c.tokens.Save(sess); err != nil {
			c.log.Warn("could not persist session", zap.Error(err))
		}
	}
	return &sess, nil
}

// RestoreSession loads a previously stored session. Returns false when no
// usable session exists.
func (c *Client) RestoreSession() (bool, error) {
	if c.tokens == nil {
		return false, nil
	}
	sess, err := c.tokens.Load()
	if err != nil {
		return false, err
	}
	if sess == nil || sess.AccessToken == "" || sess.Expired() {
		return false, nil
	}
	c.setSession(sess)
	return true, nil
}

// SignOut drops the in-memory session and the stored token.
func (c *Client) SignOut() error {
	c.setSession(nil)
	if c.tokens == nil {
		return nil
	}
	return c.tokens.Clear()
}

// Session returns the current session, or nil. Expired sessions read as nil.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.session.Expired() {
		return nil
	}
	return c.session
}

// Authenticated reports whether a live session is held.
func (c *Client) Authenticated() bool {
	return c.Session() != nil
}

// UserID returns the signed-in user id, or "".
func (c *Client) UserID() string {
	if sess := c.Session(); sess != nil {
		return sess.UserID
	}
	return ""
}

func (c *Client) setSession(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sess
}

// parseToken extracts subject and expiry from a JWT without verifying the
// signature. Verification happens server-side; the client only needs the
// claims for scoping queries and knowing when to re-login.
func parseToken(token string) (sub string, exp time.Time, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, err
	}
	sub, _ = claims.GetSubject()
	if ts, terr := claims.GetExpirationTime(); terr == nil && ts != nil {
		exp = ts.Time
	}
	return sub, exp, nil
}
