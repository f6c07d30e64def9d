package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/provider/anthropic"
)

const messageJSON = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": "Hello"}, {"type": "text", "text": " there"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 12, "output_tokens": 4}
}`

func writeSession(t *testing.T, s anthropic.Session) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), ".credentials.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func validSession() anthropic.Session {
	return anthropic.Session{OAuth: anthropic.OAuthCredentials{
		AccessToken:      "sk-ant-oat-test",
		ExpiresAt:        time.Now().Add(time.Hour).UnixMilli(),
		Scopes:           []string{"user:profile", anthropic.InferenceScope},
		SubscriptionType: "max",
	}}
}

func TestAPIKey_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.EqualValues(t, 100, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageJSON))
	}))
	defer srv.Close()

	p := anthropic.NewAPIKey("sk-test", anthropic.WithBaseURL(srv.URL), anthropic.WithModel("claude-test"))
	assert.Equal(t, tierrouter.APIKey("anthropic"), p.Kind())
	assert.True(t, p.Available(context.Background()))

	resp, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Text)
	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, int64(12), resp.TokensIn)
	assert.Equal(t, int64(4), resp.TokensOut)
}

func TestAPIKey_Unavailable(t *testing.T) {
	p := anthropic.NewAPIKey("")
	assert.False(t, p.Available(context.Background()))

	_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, tierrouter.ErrAuthFailed)
}

func TestSession_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-ant-oat-test", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Anthropic-Beta"), "oauth-")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageJSON))
	}))
	defer srv.Close()

	p := anthropic.NewSession(writeSession(t, validSession()), anthropic.WithBaseURL(srv.URL))
	assert.Equal(t, tierrouter.OAuthSession("claude"), p.Kind())
	assert.True(t, p.Available(context.Background()))

	resp, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Text)
}

func TestSession_Unusable(t *testing.T) {
	expired := validSession()
	expired.OAuth.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()

	noScope := validSession()
	noScope.OAuth.Scopes = []string{"user:profile"}

	for name, s := range map[string]anthropic.Session{"expired": expired, "scope": noScope} {
		t.Run(name, func(t *testing.T) {
			p := anthropic.NewSession(writeSession(t, s))
			assert.False(t, p.Available(context.Background()))

			_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
			assert.ErrorIs(t, err, tierrouter.ErrAuthFailed)
		})
	}

	missing := anthropic.NewSession(filepath.Join(t.TempDir(), "nope.json"))
	assert.False(t, missing.Available(context.Background()))
}

func TestComplete_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, tierrouter.ErrInvalidRequest},
		{http.StatusUnauthorized, tierrouter.ErrAuthFailed},
		{http.StatusTooManyRequests, tierrouter.ErrRateLimited},
		{529, tierrouter.ErrServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer srv.Close()

			p := anthropic.NewAPIKey("sk-test", anthropic.WithBaseURL(srv.URL))
			_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestComplete_NoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"m","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`))
	}))
	defer srv.Close()

	p := anthropic.NewAPIKey("sk-test", anthropic.WithBaseURL(srv.URL))
	_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, tierrouter.ErrMalformedResponse)
}

func TestOAuthCredentials(t *testing.T) {
	now := time.Now()
	c := anthropic.OAuthCredentials{ExpiresAt: now.UnixMilli()}
	assert.True(t, c.Expired(now))
	assert.False(t, c.Expired(now.Add(-time.Second)))
	assert.False(t, anthropic.OAuthCredentials{}.Expired(now))

	assert.True(t, anthropic.OAuthCredentials{SubscriptionType: "Max"}.IsMax())
	assert.Error(t, anthropic.Session{}.Validate(now))
}
