package gollm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ineyio/tierrouter"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"API request failed with status code: 429", tierrouter.ErrRateLimited},
		{"unexpected status 401 from groq", tierrouter.ErrAuthFailed},
		{"bad request (400): model not found", tierrouter.ErrInvalidRequest},
		{"status code: 503", tierrouter.ErrServerError},
		{"Rate limit reached for model", tierrouter.ErrRateLimited},
		{"invalid API key provided", tierrouter.ErrAuthFailed},
		{"dial tcp: lookup api.groq.com: no such host", tierrouter.ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.ErrorIs(t, classify("groq", errors.New(tt.msg)), tt.want)
		})
	}
}

func TestClassify_Context(t *testing.T) {
	err := classify("groq", fmt.Errorf("generate: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, err, tierrouter.ErrTimeout)

	err = classify("groq", fmt.Errorf("generate: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresVendor(t *testing.T) {
	_, err := New(Config{Model: "x"})
	assert.Error(t, err)
}
