// Package shield is a thin client for an external prompt-injection
// classifier. The interceptor runs it in two places: a global pre-check
// before any strategy, and as the implementation of the filter strategy.
package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is the outcome of one classifier call.
type Result struct {
	// AttackDetected reports a positive injection verdict.
	AttackDetected bool `json:"attackDetected"`

	// Detail carries the classifier's explanation, or the error text when
	// the call failed.
	Detail string `json:"detail,omitempty"`

	// Failed is set when the call did not complete (network, auth, decode).
	// The pre-check treats a failed call as clean; the filter strategy
	// treats it as a denial.
	Failed bool `json:"failed,omitempty"`
}

// TokenSource supplies a bearer token for the shield's resource audience.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client calls the prompt shields endpoint. A zero endpoint means no shield
// is configured; Check then reports a clean, failed result and Configured
// returns false.
type Client struct {
	endpoint string
	tokens   TokenSource
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Client) { s.http = c }
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts TokenSource) Option {
	return func(s *Client) { s.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Client) { s.logger = logger.With("component", "shield") }
}

// NewClient creates a shield client for the given endpoint. The endpoint may
// be empty; the client is then unconfigured and every check passes.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default().With("component", "shield"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an endpoint is set. The interceptor skips the
// global pre-check entirely for an unconfigured shield.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// shieldRequest is the wire format the classifier consumes. The text under
// review travels as a document, not as the user prompt, so the classifier
// applies its stricter indirect-injection analysis.
type shieldRequest struct {
	UserPrompt string   `json:"userPrompt"`
	Documents  []string `json:"documents"`
}

type shieldResponse struct {
	UserPromptAnalysis struct {
		AttackDetected bool `json:"attackDetected"`
	} `json:"userPromptAnalysis"`
	DocumentsAnalysis []struct {
		AttackDetected bool `json:"attackDetected"`
	} `json:"documentsAnalysis"`
}

// Check classifies text. It never returns an error: failures come back as a
// clean Result with Failed set and the cause in Detail, and the caller
// decides whether that fails open or closed.
func (c *Client) Check(ctx context.Context, text string) Result {
	if !c.Configured() {
		return Result{Failed: true, Detail: "shield not configured"}
	}

	body, err := json.Marshal(shieldRequest{Documents: []string{text}})
	if err != nil {
		return Result{Failed: true, Detail: err.Error()}
	}

	endpoint, err := url.JoinPath(c.endpoint, "text:shieldPrompt")
	if err != nil {
		return Result{Failed: true, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Failed: true, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.logger.Warn("shield token acquisition failed", "error", err)
			return Result{Failed: true, Detail: fmt.Sprintf("token: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("shield call failed", "error", err)
		detail := err.Error()
		if ctx.Err() != nil || strings.Contains(detail, "Client.Timeout") {
			detail = "timeout"
		}
		return Result{Failed: true, Detail: detail}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("shield returned non-200", "status", resp.StatusCode)
		return Result{Failed: true, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))}
	}

	var decoded shieldResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{Failed: true, Detail: fmt.Sprintf("decode: %v", err)}
	}

	if decoded.UserPromptAnalysis.AttackDetected {
		return Result{AttackDetected: true, Detail: "attack detected in prompt"}
	}
	for _, doc := range decoded.DocumentsAnalysis {
		if doc.AttackDetected {
			return Result{AttackDetected: true, Detail: "attack detected in tool arguments"}
		}
	}
	return Result{}
}

// DryRun sends a benign probe so admin tooling can verify the endpoint and
// identity before relying on the shield.
func (c *Client) DryRun(ctx context.Context) Result {
	return c.Check(ctx, "connectivity probe")
}
