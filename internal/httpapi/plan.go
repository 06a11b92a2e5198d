package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/config"
	"github.com/osiriscare/fleet/internal/metrics"
	"github.com/osiriscare/fleet/internal/phi"
)

// planRunbook is one catalogue entry as the appliance sends it: just
// enough for the model to pick from, nothing it could execute with.
type planRunbook struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Platform    string `json:"platform"`
	Disruptive  bool   `json:"disruptive"`
}

type planRequest struct {
	SiteID      string         `json:"site_id"`
	ApplianceID string         `json:"appliance_id"`
	CheckType   string         `json:"check_type"`
	Scope       string         `json:"scope"`
	Severity    string         `json:"severity"`
	PreState    map[string]any `json:"pre_state"`
	Runbooks    []planRunbook  `json:"runbooks"`
	CreatedAt   string         `json:"created_at"`
}

// planReply hands back the raw completion. Decision parsing and
// guardrailing happen on the appliance, next to the execution site;
// the plane only contributes the provider key and token accounting.
type planReply struct {
	Completion   string `json:"completion"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// planClient calls the model provider. The key lives here and only
// here; appliances authenticate with their client cert and never see
// provider credentials.
type planClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	http      *http.Client
}

// newPlanClient returns nil when no key is configured; the plan route
// then answers 503 and appliances escalate instead of waiting.
func newPlanClient(cfg config.PlannerConfig) *planClient {
	if cfg.APIKey == "" {
		return nil
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &planClient{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		http:      &http.Client{Timeout: timeout},
	}
}

type providerRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system,omitempty"`
	Messages  []providerMessage `json:"messages"`
}

type providerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type providerResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *planClient) complete(ctx context.Context, system, user string) (*planReply, error) {
	body, err := json.Marshal(providerRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  []providerMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model provider returned %d", resp.StatusCode)
	}

	var parsed providerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse provider response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &planReply{
		Completion:   text.String(),
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// planSystemPrompt pins the reply contract. The appliance extracts the
// first JSON object from the completion and re-checks the runbook
// against its own catalogue and guardrails, so the contract here is a
// steering aid, not a security boundary.
const planSystemPrompt = `You are the L2 remediation planner for a fleet of clinic compliance appliances.
Reply with exactly one JSON object and no other text:
{"action": "execute_runbook" | "escalate", "runbook_id": "<id from the list or omit>", "args": {"name": "value"}, "confidence": <0.0 to 1.0>, "rationale": "<one sentence>"}
Pick "escalate" when no listed runbook addresses the finding, the observed state is ambiguous, or a human should look first. Never invent runbook ids and never propose shell commands.`

// buildPlanPrompt renders the scrubbed finding into the user message.
// Pre-state is clipped so a pathological check cannot blow the token
// budget.
func buildPlanPrompt(req *planRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Finding: check_type=%s scope=%s severity=%s\n", req.CheckType, req.Scope, req.Severity)
	fmt.Fprintf(&b, "Site: %s  Appliance: %s  Observed: %s\n\n", req.SiteID, req.ApplianceID, req.CreatedAt)

	b.WriteString("Observed state:\n")
	state, err := json.MarshalIndent(req.PreState, "", "  ")
	if err != nil || len(req.PreState) == 0 {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(clip(string(state), 4000))
		b.WriteString("\n")
	}

	b.WriteString("\nRunbooks this appliance can execute:\n")
	if len(req.Runbooks) == 0 {
		b.WriteString("(none; you must escalate)\n")
	}
	for _, rb := range req.Runbooks {
		fmt.Fprintf(&b, "- %s (%s): %s", rb.ID, rb.Platform, rb.Name)
		if rb.Description != "" {
			fmt.Fprintf(&b, ": %s", clip(rb.Description, 200))
		}
		if rb.Disruptive {
			b.WriteString(" [disruptive]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// handlePlan proxies one L2 plan request to the model provider.
// Appliances scrub PHI before anything leaves the device; a request
// that still carries recognizable PHI is rejected rather than
// forwarded, same posture as the evidence ledger.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAgentBody)).Decode(&req); err != nil {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "unparsable plan request")
		return
	}
	if req.SiteID == "" || req.ApplianceID == "" || req.CheckType == "" {
		s.agentError(w, http.StatusUnprocessableEntity, codeSchemaViolation,
			"site_id, appliance_id and check_type are required")
		return
	}
	if err := access.CheckApplianceIdentity(r, req.ApplianceID); err != nil {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
		return
	}
	if s.plan == nil {
		s.agentError(w, http.StatusServiceUnavailable, codeRetry, "planner not configured")
		return
	}
	if s.overLimit(w, r, req.ApplianceID, "plan", 10) {
		return
	}

	if cats := phi.FindCategories(req.PreState); len(cats) > 0 {
		s.agentError(w, http.StatusUnprocessableEntity, codeSchemaViolation,
			"pre_state carries unscrubbed PHI ("+strings.Join(cats, ", ")+")")
		return
	}

	reply, err := s.plan.complete(r.Context(), planSystemPrompt, buildPlanPrompt(&req))
	if err != nil {
		metrics.PlanCompletions.WithLabelValues("error").Inc()
		s.agentRetry(w, "plan completion", err)
		return
	}
	metrics.PlanCompletions.WithLabelValues("ok").Inc()

	s.log.Info("plan completion",
		"appliance_id", req.ApplianceID,
		"check_type", req.CheckType,
		"input_tokens", reply.InputTokens,
		"output_tokens", reply.OutputTokens)
	s.respond(w, http.StatusOK, reply)
}
