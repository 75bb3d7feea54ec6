package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// CallPlacer abstracts the telephony provider for testing.
type CallPlacer interface {
	PlaceCall(ctx context.Context, to, prompt, webhookURL string) (string, error)
}

type pendingCall struct {
	once   sync.Once
	result chan bool
}

func (p *pendingCall) complete(approved bool) {
	p.once.Do(func() { p.result <- approved })
}

// Verifier places outbound verification calls and blocks until the callee
// answers with a keypress. One verifier serves all interceptors; calls are
// tracked by a generated verification id carried in the webhook URL.
type Verifier struct {
	placer     CallPlacer
	toNumber   func() string
	webhookURL string
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewVerifier creates a phone verifier. toNumber is read per call so a
// configuration change takes effect without restarting; webhookURL is the
// public URL Twilio posts gather results to.
func NewVerifier(placer CallPlacer, toNumber func() string, webhookURL string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		placer:     placer,
		toNumber:   toNumber,
		webhookURL: webhookURL,
		logger:     logger.With("component", "voice"),
		pending:    make(map[string]*pendingCall),
	}
}

// Verify calls the configured number, reads the tool call out loud, and
// blocks until the callee presses a digit or ctx expires. Expiry and every
// failure deny.
func (v *Verifier) Verify(ctx context.Context, toolName, summary string) (bool, error) {
	to := v.toNumber()
	if to == "" {
		return false, errors.New("voice: no verification phone number configured")
	}

	id := uuid.New().String()
	call := &pendingCall{result: make(chan bool, 1)}
	v.mu.Lock()
	v.pending[id] = call
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pending, id)
		v.mu.Unlock()
	}()

	hook, err := url.Parse(v.webhookURL)
	if err != nil {
		return false, fmt.Errorf("voice: invalid webhook URL: %w", err)
	}
	q := hook.Query()
	q.Set("verificationId", id)
	hook.RawQuery = q.Encode()

	prompt := fmt.Sprintf("Your agent wants to run the tool %s. %s.", toolName, summary)
	sid, err := v.placer.PlaceCall(ctx, to, prompt, hook.String())
	if err != nil {
		return false, err
	}
	v.logger.Info("verification call placed", "tool", toolName, "call_sid", sid)

	select {
	case approved := <-call.result:
		v.logger.Info("verification resolved", "tool", toolName, "approved", approved)
		return approved, nil
	case <-ctx.Done():
		v.logger.Warn("verification timed out", "tool", toolName)
		return false, ctx.Err()
	}
}

// CompleteVerification resolves a pending call. Returns true iff the id was
// pending.
func (v *Verifier) CompleteVerification(id string, approved bool) bool {
	v.mu.Lock()
	call, ok := v.pending[id]
	v.mu.Unlock()
	if !ok {
		return false
	}
	call.complete(approved)
	return true
}

// HandleWebhook processes the Twilio gather callback: digit 1 approves,
// anything else denies. The response TwiML confirms the outcome to the
// caller.
func (v *Verifier) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	id := r.URL.Query().Get("verificationId")
	digits := r.PostForm.Get("Digits")
	approved := digits == "1"

	if !v.CompleteVerification(id, approved) {
		v.logger.Warn("webhook for unknown verification", "verification_id", id)
	}

	message := "The request was denied. Goodbye."
	if approved {
		message = "The request was approved. Goodbye."
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response><Say>%s</Say></Response>`, escapeXML(message))
}
