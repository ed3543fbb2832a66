package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSession = errors.New("no authenticated session")

// Session is the authenticated-session value object. Role is the
// capability tag route guards check; the stream never looks at it.
type Session struct {
	AccessToken  string
	RefreshToken string
	Subject      string
	Username     string
	Role         models.Role
	ExpiresAt    time.Time
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s Session) HasRole(roles ...models.Role) bool {
	for _, role := range roles {
		if s.Role == role {
			return true
		}
	}
	return false
}

type Claims struct {
	Role     string `json:"rol,omitempty"`
	AltRole  string `json:"role,omitempty"`
	Username string `json:"usuario,omitempty"`
	Type     string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken reads the claims of an access token without verifying the
// signature. The backend is the only party holding the key, so the agent
// only uses the claims to label the session.
func ParseToken(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrNoSession
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("parse token claims: %w", err)
	}

	session := Session{
		AccessToken: token,
		Subject:     claims.Subject,
		Username:    claims.Username,
		Role:        models.Role(claims.Role),
	}
	if session.Role == "" {
		session.Role = models.Role(claims.AltRole)
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Credentials holds the current session for the agent. It is passed to the
// stream and the control API at construction instead of living in a
// process-wide store.
type Credentials struct {
	mu      sync.RWMutex
	session Session
	user    *models.User
}

func NewCredentials() *Credentials {
	return &Credentials{}
}

// Login stores the outcome of a successful login. The role reported by the
// backend for the user wins over the one found in the token.
func (c *Credentials) Login(resp *models.AuthResponse) {
	session, err := ParseToken(resp.AccessToken)
	if err != nil {
		session = Session{AccessToken: resp.AccessToken}
	}
	session.RefreshToken = resp.RefreshToken
	if resp.User.Role != "" {
		session.Role = resp.User.Role
	}
	if resp.User.Username != "" {
		session.Username = resp.User.Username
	}
	user := resp.User

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.user = &user
}

// SetAccessToken swaps in a refreshed access token, keeping the refresh
// token and user.
func (c *Credentials) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := ParseToken(token)
	if err != nil {
		session = Session{AccessToken: token}
	}
	session.RefreshToken = c.session.RefreshToken
	if c.user != nil {
		session.Role = c.user.Role
		session.Username = c.user.Username
	}
	c.session = session
}

func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = Session{}
	c.user = nil
}

// Token implements the stream's token provider.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.AccessToken
}

func (c *Credentials) Session() (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.AccessToken == "" {
		return Session{}, ErrNoSession
	}
	return c.session, nil
}

func (c *Credentials) User() (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return models.User{}, false
	}
	return *c.user, true
}
