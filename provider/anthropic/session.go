package anthropic

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// InferenceScope is the OAuth scope required to call the Messages API.
const InferenceScope = "user:inference"

// Session is the OAuth session stored by the Claude Code CLI.
type Session struct {
	OAuth OAuthCredentials `json:"claudeAiOauth"`
}

// OAuthCredentials are the stored OAuth tokens.
type OAuthCredentials struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"` // unix milliseconds
	Scopes           []string `json:"scopes"`
	SubscriptionType string   `json:"subscriptionType"`
}

// Expired reports whether the access token has expired at now. A zero expiry
// never expires.
func (c OAuthCredentials) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.UnixMilli() >= c.ExpiresAt
}

// HasInferenceScope reports whether the token may call the Messages API.
func (c OAuthCredentials) HasInferenceScope() bool {
	return slices.Contains(c.Scopes, InferenceScope)
}

// IsMax reports a Max subscription.
func (c OAuthCredentials) IsMax() bool {
	return strings.EqualFold(c.SubscriptionType, "max")
}

// Validate checks that the session can be used at now.
func (s Session) Validate(now time.Time) error {
	switch {
	case s.OAuth.AccessToken == "":
		return fmt.Errorf("tierrouter: claude session: no access token")
	case s.OAuth.Expired(now):
		return fmt.Errorf("tierrouter: claude session: expired at %s",
			time.UnixMilli(s.OAuth.ExpiresAt).UTC().Format(time.RFC3339))
	case !s.OAuth.HasInferenceScope():
		return fmt.Errorf("tierrouter: claude session: missing %s scope (have %v)", InferenceScope, s.OAuth.Scopes)
	}
	return nil
}

// DefaultSessionPath returns ~/.claude/.credentials.json.
func DefaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", ".credentials.json")
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// LoadSession reads a session file.
func LoadSession(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("tierrouter: read claude session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("tierrouter: parse claude session: %w", err)
	}
	return s, nil
}
