package local_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/provider/local"
)

func newOllama(t *testing.T, generate http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3.2"}]}`))
	})
	mux.HandleFunc("POST /api/generate", generate)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	srv := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tiny", req["model"])
		assert.Equal(t, false, req["stream"])
		assert.Equal(t, "hi", req["prompt"])

		w.Write([]byte(`{"model":"tiny","response":"hello","done":true,"prompt_eval_count":3,"eval_count":1}`))
	})

	p := local.New(local.WithHost(srv.URL+"/"), local.WithModel("tiny"))
	assert.True(t, p.Available(context.Background()))
	assert.Equal(t, tierrouter.LocalFallback(), p.Kind())
	assert.Equal(t, tierrouter.TierFastLocal, p.Tier())

	resp, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, int64(3), resp.TokensIn)
	assert.Equal(t, int64(1), resp.TokensOut)
}

func TestComplete_ModelError(t *testing.T) {
	srv := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model not loaded"}`))
	})

	p := local.New(local.WithHost(srv.URL))
	_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, tierrouter.ErrServerError)
}

func TestComplete_NotFound(t *testing.T) {
	srv := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'x' not found"}`, http.StatusNotFound)
	})

	p := local.New(local.WithHost(srv.URL))
	_, err := p.Complete(context.Background(), tierrouter.ProviderRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, tierrouter.ErrInvalidRequest)
}

func TestAvailable_DaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := local.New(local.WithHost(url))
	assert.False(t, p.Available(context.Background()))
}

func TestNew_EnvDefaults(t *testing.T) {
	srv := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"env"}`))
	})
	t.Setenv("OLLAMA_HOST", srv.URL)

	p := local.New()
	assert.True(t, p.Available(context.Background()))
}
