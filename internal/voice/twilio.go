// Package voice implements person-in-the-loop verification: an outbound
// phone call that reads the pending tool call to a human and collects an
// approve/deny keypress.
package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// TwilioClient places verification calls through the Twilio Voice API.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	fromNumber string
	client     *http.Client
}

// TwilioConfig holds credentials for the Twilio client.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID (required).
	AccountSID string

	// AuthToken is the Twilio auth token (required).
	AuthToken string

	// FromNumber is the E.164 caller id for verification calls (required).
	FromNumber string
}

// NewTwilioClient creates a Twilio call client.
func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("twilio: from number is required")
	}
	return &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s", cfg.AccountSID),
		fromNumber: cfg.FromNumber,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// PlaceCall starts an outbound call that speaks the prompt and gathers one
// DTMF digit, posting the result to webhookURL. Returns the provider call
// SID.
func (c *TwilioClient) PlaceCall(ctx context.Context, to, prompt, webhookURL string) (string, error) {
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Gather input="dtmf" numDigits="1" timeout="20" action="%s" method="POST">
    <Say>%s Press 1 to approve, or 2 to deny.</Say>
  </Gather>
  <Say>No input received. The request is denied. Goodbye.</Say>
</Response>`, escapeXML(webhookURL), escapeXML(prompt))

	params := url.Values{
		"To":      {to},
		"From":    {c.fromNumber},
		"Twiml":   {twiml},
		"Timeout": {"30"},
	}

	resp, err := c.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return "", fmt.Errorf("twilio: failed to place call: %w", err)
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("twilio: failed to parse response: %w", err)
	}
	return result.SID, nil
}

// VerifySignature validates a Twilio webhook using HMAC-SHA1 over the full
// URL plus the sorted form parameters.
func (c *TwilioClient) VerifySignature(fullURL, body, signature string) bool {
	if signature == "" {
		return false
	}
	params, err := url.ParseQuery(body)
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sigString := fullURL
	for _, k := range keys {
		for _, v := range params[k] {
			sigString += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(c.authToken))
	mac.Write([]byte(sigString))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (c *TwilioClient) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > 1<<20 {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(body))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
