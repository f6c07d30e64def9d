// Package cli adapts locally authenticated command-line tools (claude, codex)
// to tierrouter.Provider. The prompt is written to the tool's stdin and the
// completion is read from stdout.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ineyio/tierrouter"
)

const authCheckTimeout = 10 * time.Second

// Provider runs one CLI tool per completion.
type Provider struct {
	name     string
	tier     tierrouter.Tier
	command  string
	args     []string
	authArgs []string // nil skips the login check
	dir      string
	parse    func(stdout string) string
	lookPath func(string) (string, error)
}

var _ tierrouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithCommand sets the executable name or path.
func WithCommand(cmd string) Option {
	return func(p *Provider) { p.command = cmd }
}

// WithArgs sets the arguments of a completion call.
func WithArgs(args ...string) Option {
	return func(p *Provider) { p.args = args }
}

// WithAuthCheck sets the arguments of a command that exits zero when the tool
// is logged in. It runs as part of Available.
func WithAuthCheck(args ...string) Option {
	return func(p *Provider) { p.authArgs = args }
}

// WithoutAuthCheck disables the login check.
func WithoutAuthCheck() Option {
	return func(p *Provider) { p.authArgs = nil }
}

// WithDir sets the working directory of the tool.
func WithDir(dir string) Option {
	return func(p *Provider) { p.dir = dir }
}

// WithTier sets the tier (default high quality).
func WithTier(t tierrouter.Tier) Option {
	return func(p *Provider) { p.tier = t }
}

// WithOutputParser sets the function extracting the completion from stdout.
func WithOutputParser(fn func(string) string) Option {
	return func(p *Provider) { p.parse = fn }
}

// New creates a CLI provider. The command defaults to name.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:     name,
		tier:     tierrouter.TierHighQuality,
		command:  name,
		parse:    strings.TrimSpace,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewClaude creates the Claude Code CLI provider, using the local subscription
// login.
func NewClaude(model string, opts ...Option) *Provider {
	args := []string{"-p", "--output-format", "text"}
	if model != "" {
		args = append(args, "--model", model)
	}
	base := []Option{WithArgs(args...), WithAuthCheck("auth", "status")}
	return New("claude", append(base, opts...)...)
}

// NewCodex creates the OpenAI Codex CLI provider.
func NewCodex(reasoningEffort string, opts ...Option) *Provider {
	if reasoningEffort == "" {
		reasoningEffort = "high"
	}
	base := []Option{
		WithArgs("exec", "--skip-git-repo-check", "-c", "model_reasoning_effort="+reasoningEffort),
		WithAuthCheck("login", "status"),
		WithOutputParser(ParseCodexOutput),
	}
	return New("codex", append(base, opts...)...)
}

func (p *Provider) Kind() tierrouter.ProviderKind { return tierrouter.CLISession(p.name) }

func (p *Provider) Tier() tierrouter.Tier { return p.tier }

// Available reports whether the tool is installed and, when an auth check is
// configured, logged in. Both are checked on every call.
func (p *Provider) Available(ctx context.Context) bool {
	path, err := p.lookPath(p.command)
	if err != nil || strings.TrimSpace(path) == "" {
		return false
	}
	if p.authArgs == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, authCheckTimeout)
	defer cancel()
	return exec.CommandContext(ctx, path, p.authArgs...).Run() == nil
}

func (p *Provider) Complete(ctx context.Context, req tierrouter.ProviderRequest) (tierrouter.ProviderResponse, error) {
	path, err := p.lookPath(p.command)
	if err != nil {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.name, Message: err.Error(), Err: tierrouter.ErrAdapterUnavailable,
		}
	}

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	cmd := exec.CommandContext(ctx, path, p.args...)
	cmd.Dir = p.dir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tierrouter.ProviderResponse{}, tierrouter.TransportError(p.name, ctxErr)
		}
		return tierrouter.ProviderResponse{}, p.classify(err, stderr.String())
	}

	text := p.parse(stdout.String())
	if text == "" {
		return tierrouter.ProviderResponse{}, &tierrouter.ProviderError{
			Provider: p.name, Message: "empty output", Err: tierrouter.ErrMalformedResponse,
		}
	}

	return tierrouter.ProviderResponse{Text: text, Model: p.name}, nil
}

// classify maps a failed run to the error taxonomy using the tool's stderr.
// Unrecognized failures are retryable.
func (p *Provider) classify(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	pe := &tierrouter.ProviderError{Provider: p.name, Message: msg}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		pe.Message = fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), msg)
	}

	lower := strings.ToLower(stderr)
	switch {
	case containsAny(lower, "not logged in", "unauthorized", "login required", "auth login", "invalid api key"):
		pe.Err = tierrouter.ErrAuthFailed
	case containsAny(lower, "rate limit", "usage limit", "too many requests", "429"):
		pe.Err = tierrouter.ErrRateLimited
	case containsAny(lower, "invalid argument", "unknown option", "unexpected argument"):
		pe.Err = tierrouter.ErrInvalidRequest
	case exitErr == nil:
		pe.Err = tierrouter.ErrConnection
	default:
		pe.Err = tierrouter.ErrServerError
	}
	return pe
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ParseCodexOutput extracts the answer from `codex exec` output, which
// interleaves a banner, the echoed prompt, reasoning, and a token count with
// the answer.
func ParseCodexOutput(out string) string {
	trimmed := strings.TrimSpace(out)
	if !strings.Contains(trimmed, "codex") && !strings.Contains(trimmed, "thinking") {
		return trimmed
	}

	var (
		inAnswer bool
		answer   []string
	)
	for _, line := range strings.Split(out, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case t == "codex":
			inAnswer = true
			answer = answer[:0]
			continue
		case t == "tokens used":
			inAnswer = false
			continue
		}
		if inAnswer && t != "" {
			answer = append(answer, line)
		}
	}
	if len(answer) > 0 {
		return strings.TrimSpace(strings.Join(answer, "\n"))
	}

	// The final answer is repeated on the last line that is not a token count.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		t := strings.TrimSpace(lines[i])
		if t == "" || isCount(t) {
			continue
		}
		return t
	}
	return ""
}

func isCount(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != ',' && r != ' ' {
			return false
		}
	}
	return true
}
