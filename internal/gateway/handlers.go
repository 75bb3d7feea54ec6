package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aymenfurter/toolgate/internal/guardrails"
	"github.com/aymenfurter/toolgate/internal/observability"
	"github.com/aymenfurter/toolgate/internal/policy"
)

const maxBodyBytes = 1 << 20

// configPatch is the partial-update body for PUT /api/guardrails/config.
// Nil fields are left untouched; map entries merge over the stored config,
// with an empty strategy removing the entry.
type configPatch struct {
	HITLEnabled           *bool                                `json:"hitl_enabled,omitempty"`
	DefaultAction         *string                              `json:"default_action,omitempty"`
	DefaultChannel        *string                              `json:"default_channel,omitempty"`
	PhoneNumber           *string                              `json:"phone_number,omitempty"`
	AITLModel             *string                              `json:"aitl_model,omitempty"`
	AITLSpotlighting      *bool                                `json:"aitl_spotlighting,omitempty"`
	ContentSafetyEndpoint *string                              `json:"content_safety_endpoint,omitempty"`
	ContextDefaults       map[policy.Context]string            `json:"context_defaults,omitempty"`
	ToolPolicies          map[policy.Context]map[string]string `json:"tool_policies,omitempty"`
	Rules                 []guardrails.Rule                    `json:"rules,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Config())
	case http.MethodPut:
		var patch configPatch
		if err := decodeBody(w, r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err := s.store.Update(func(c *guardrails.Config) error {
			return applyPatch(c, patch)
		})
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, s.store.Config())
	default:
		methodNotAllowed(w)
	}
}

func applyPatch(c *guardrails.Config, patch configPatch) error {
	if patch.HITLEnabled != nil {
		c.HITLEnabled = *patch.HITLEnabled
	}
	if patch.DefaultAction != nil {
		c.DefaultAction = policy.Strategy(*patch.DefaultAction)
	}
	if patch.DefaultChannel != nil {
		c.DefaultChannel = policy.Channel(*patch.DefaultChannel)
	}
	if patch.PhoneNumber != nil {
		c.PhoneNumber = *patch.PhoneNumber
	}
	if patch.AITLModel != nil {
		c.AITLModel = *patch.AITLModel
	}
	if patch.AITLSpotlighting != nil {
		c.AITLSpotlighting = *patch.AITLSpotlighting
	}
	if patch.ContentSafetyEndpoint != nil {
		c.ContentSafetyEndpoint = *patch.ContentSafetyEndpoint
	}
	for ctx, raw := range patch.ContextDefaults {
		if raw == "" {
			delete(c.ContextDefaults, ctx)
			continue
		}
		c.ContextDefaults[ctx] = policy.Strategy(raw)
	}
	for ctx, tools := range patch.ToolPolicies {
		for tool, raw := range tools {
			if raw == "" {
				delete(c.ToolPolicies[ctx], tool)
				continue
			}
			if c.ToolPolicies[ctx] == nil {
				c.ToolPolicies[ctx] = map[string]policy.Strategy{}
			}
			c.ToolPolicies[ctx][tool] = policy.Strategy(raw)
		}
		if len(c.ToolPolicies[ctx]) == 0 {
			delete(c.ToolPolicies, ctx)
		}
	}
	if patch.Rules != nil {
		c.Rules = patch.Rules
	}
	return nil
}

func (s *Server) handlePolicyYAML(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		yaml, err := s.store.PolicyYAML()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write([]byte(yaml)) //nolint:errcheck
	case http.MethodPut:
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.SetPolicyYAML(body); err != nil {
			// Validation failures are reported in-band so the editor can
			// show the message without discarding the user's buffer.
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/guardrails/preset/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown preset path"))
		return
	}
	if err := s.store.ApplyPreset(name); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Config())
}

type pendingItem struct {
	ToolCallID       string    `json:"toolCallId"`
	ToolName         string    `json:"toolName"`
	ArgsPreview      string    `json:"argsPreview"`
	ExecutionContext string    `json:"executionContext"`
	Since            time.Time `json:"since"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items := make([]pendingItem, 0)
	for execCtx, interceptor := range s.interceptors {
		for _, p := range interceptor.PendingApprovals() {
			items = append(items, pendingItem{
				ToolCallID:       p.ToolCallID,
				ToolName:         p.ToolName,
				ArgsPreview:      p.ArgsPreview,
				ExecutionContext: string(execCtx),
				Since:            p.Since,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

type resolveRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	toolCallID := strings.TrimPrefix(r.URL.Path, "/api/approvals/")
	if toolCallID == "" || strings.Contains(toolCallID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("missing tool call id"))
		return
	}
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, interceptor := range s.interceptors {
		if interceptor.ResolveApproval(toolCallID, req.Approved) {
			writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "approved": req.Approved})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("no pending approval for %s", toolCallID))
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("decision log not configured"))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	decisions, err := s.auditLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleShieldDryRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.shield == nil || !s.shield.Configured() {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": "shield not configured"})
		return
	}
	result := s.shield.DryRun(r.Context())
	if result.Failed {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": result.Detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// The hub hijacks the connection; a wrapped writer breaks the
			// upgrade handshake.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.tracer != nil {
			ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
			r = r.WithContext(ctx)
			defer func() {
				s.tracer.SetAttributes(span, "http.status_code", rec.status)
				span.End()
			}()
		}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		observability.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), duration.Seconds())
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}
