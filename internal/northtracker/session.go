package northtracker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/micro-ha/northtracker/addon/internal/logging"
)

// tokenLifetime is shorter than the vendor's 24h so calls never race expiry.
const tokenLifetime = 23 * time.Hour

// Token is a bearer token and the moment the client stops trusting it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token can be sent at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenStore persists a session token across restarts.
type TokenStore interface {
	LoadToken(ctx context.Context, username string) (Token, bool, error)
	SaveToken(ctx context.Context, username string, token Token) error
	ClearToken(ctx context.Context, username string) error
}

type session struct {
	mu       sync.RWMutex
	token    Token
	username string
	password string
}

func (s *session) current() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *session) setToken(token Token) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// invalidate clears the token only if it is still the one that failed.
func (s *session) invalidate(stale string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Value != stale {
		return false
	}
	s.token = Token{}
	return true
}

func (s *session) clear() {
	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()
}

func (s *session) setCredentials(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username != username {
		s.token = Token{}
	}
	s.username = username
	s.password = password
}

func (s *session) credentials() (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.password, s.username != "" && s.password != ""
}

// Authenticated reports whether a non-expired token is held.
func (c *Client) Authenticated() bool {
	return c.session.current().Valid(c.now())
}

// Username returns the username stored for silent re-authentication.
func (c *Client) Username() string {
	username, _, _ := c.session.credentials()
	return username
}

// SetCredentials stores credentials for lazy login without calling the vendor.
func (c *Client) SetCredentials(username, password string) {
	c.session.setCredentials(username, password)
}

// Invalidate drops the current token; the next authenticated call logs in again.
func (c *Client) Invalidate(ctx context.Context) {
	c.session.clear()
	c.clearStoredToken(ctx)
}

// EnsureAuthenticated is a no-op while the token is valid and logs in with the
// stored credentials otherwise.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	if c.Authenticated() {
		return nil
	}
	username, password, ok := c.session.credentials()
	if !ok {
		return &AuthenticationError{Reason: "cannot refresh session", Err: ErrNoCredentials}
	}
	if c.restoreToken(ctx, username) {
		return nil
	}
	return c.login(ctx, username, password)
}

// Login authenticates and keeps the credentials for later silent re-logins.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.session.setCredentials(username, password)
	return c.login(ctx, username, password)
}

// Logout tells the vendor to end the session. Local token state is cleared
// whatever the outcome of the call.
func (c *Client) Logout(ctx context.Context) error {
	defer c.Invalidate(ctx)
	if c.session.current().Value == "" {
		return nil
	}
	_, err := c.execute(ctx, request{method: http.MethodPost, path: "user/logout", noReplay: true})
	return err
}

func (c *Client) login(ctx context.Context, username, password string) error {
	_, err, _ := c.logins.Do("login:"+username, func() (any, error) {
		return nil, c.doLogin(ctx, username, password)
	})
	return err
}

func (c *Client) doLogin(ctx context.Context, username, password string) error {
	c.logger.Debug("logging in", "username", username)
	resp, err := c.execute(ctx, request{
		method:    http.MethodPost,
		path:      "login",
		anonymous: true,
		payload: map[string]any{
			"username":    username,
			"password":    password,
			"remember_me": false,
			"subsiteid":   0,
		},
	})
	if err != nil {
		c.logger.Error("login failed", "err", err)
		if IsAuthError(err) || IsAPIError(err) || IsRateLimitError(err) {
			return err
		}
		return &AuthenticationError{Reason: "login failed", Err: err}
	}
	if !resp.Success {
		c.logger.Error("login failed: vendor returned success=false")
		return &AuthenticationError{Reason: "vendor rejected credentials"}
	}

	var data struct {
		User struct {
			Token string `json:"token"`
		} `json:"user"`
	}
	if err := resp.Decode(&data); err != nil {
		return &AuthenticationError{Reason: "malformed login response", Err: err}
	}
	if data.User.Token == "" {
		return &AuthenticationError{Reason: "login response carried no token"}
	}

	token := Token{Value: data.User.Token, ExpiresAt: c.tokenExpiry(data.User.Token)}
	c.session.setToken(token)
	c.logger.Debug("authenticated", "token", logging.TokenPreview(token.Value), "expires_at", token.ExpiresAt)

	if c.tokens != nil {
		if err := c.tokens.SaveToken(ctx, username, token); err != nil {
			c.logger.Warn("persist session token failed", "err", err)
		}
	}
	return nil
}

// reauthenticate runs after a 401. If another call already replaced the
// failing token, the fresh one is reused instead of logging in again.
func (c *Client) reauthenticate(ctx context.Context, stale string) error {
	current := c.session.current()
	if current.Value != stale && current.Valid(c.now()) {
		c.logger.Debug("session already refreshed by a concurrent call")
		return nil
	}
	if c.session.invalidate(stale) {
		c.clearStoredToken(ctx)
	}
	return c.EnsureAuthenticated(ctx)
}

func (c *Client) restoreToken(ctx context.Context, username string) bool {
	if c.tokens == nil {
		return false
	}
	token, ok, err := c.tokens.LoadToken(ctx, username)
	if err != nil {
		c.logger.Warn("load session token failed", "err", err)
		return false
	}
	if !ok || !token.Valid(c.now()) {
		return false
	}
	c.session.setToken(token)
	c.logger.Debug("restored session token", "token", logging.TokenPreview(token.Value), "expires_at", token.ExpiresAt)
	return true
}

func (c *Client) clearStoredToken(ctx context.Context) {
	if c.tokens == nil {
		return
	}
	username, _, _ := c.session.credentials()
	if username == "" {
		return
	}
	if err := c.tokens.ClearToken(ctx, username); err != nil {
		c.logger.Warn("clear session token failed", "err", err)
	}
}

// tokenExpiry trusts the token for tokenLifetime, or less when the token is a
// JWT whose exp claim comes earlier. An exp that already passed points at
// local clock skew and is ignored; a 401 still forces a fresh login.
func (c *Client) tokenExpiry(raw string) time.Time {
	now := c.now()
	expires := now.Add(tokenLifetime)

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return expires
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.Time.After(now) {
		return expires
	}
	if early := exp.Time.Add(-time.Hour); early.Before(expires) {
		if early.Before(now) {
			early = exp.Time
		}
		return early
	}
	return expires
}
