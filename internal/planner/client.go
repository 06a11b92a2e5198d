// Package planner is the appliance side of L2 healing. It ships a
// scrubbed finding to the control plane, which holds the model
// credentials and returns the raw completion, then parses and vets
// the decision locally. PHI never leaves the device and the model key
// never reaches it.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/osiriscare/fleet/internal/healing"
	"github.com/osiriscare/fleet/internal/phi"
)

type Config struct {
	PlaneURL    string
	SiteID      string
	ApplianceID string
	Timeout     time.Duration
	Budget      BudgetConfig

	// HTTPClient carries the appliance's mTLS transport, which is also
	// the identity. Nil gets a plain client, which only makes sense in
	// tests.
	HTTPClient *http.Client
}

// Client implements healing.Planner against the plane's plan endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	guard  *Guardrails
	budget *Budget
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		guard:  NewGuardrails(nil),
		budget: NewBudget(cfg.Budget),
	}
}

// planRequest is the wire body for POST /api/agent/l2/plan.
type planRequest struct {
	SiteID      string                   `json:"site_id"`
	ApplianceID string                   `json:"appliance_id"`
	CheckType   string                   `json:"check_type"`
	Scope       string                   `json:"scope"`
	Severity    string                   `json:"severity"`
	PreState    map[string]interface{}   `json:"pre_state"`
	Runbooks    []healing.RunbookSummary `json:"runbooks"`
	CreatedAt   string                   `json:"created_at"`
}

// planResponse relays the model output plus token accounting. The
// plane does not parse the completion; decision extraction is the
// appliance's job so the safety checks sit next to the execution.
type planResponse struct {
	Completion   string `json:"completion"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Plan implements healing.Planner. Flow: budget gate, PHI scrub, call
// the plane, parse the first balanced JSON object, guardrail the
// result.
func (c *Client) Plan(ctx context.Context, req healing.PlanRequest) (*healing.PlanDecision, error) {
	if err := c.budget.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", healing.ErrBudgetExhausted, err)
	}
	release, ok := c.budget.TryAcquire()
	if !ok {
		return nil, fmt.Errorf("planner concurrency limit reached")
	}
	defer release()

	scrubbed := req.PreState
	if req.PreState != nil {
		for k, v := range req.PreState {
			if s, ok := v.(string); ok {
				if cats := phi.Report(s); len(cats) > 0 {
					log.Printf("[planner] scrubbed %v from pre_state.%s", cats, k)
				}
			}
		}
		scrubbed = phi.ScrubMap(req.PreState)
	}

	wire := planRequest{
		SiteID:      c.cfg.SiteID,
		ApplianceID: c.cfg.ApplianceID,
		CheckType:   req.CheckType,
		Scope:       req.Scope,
		Severity:    req.Severity,
		PreState:    scrubbed,
		Runbooks:    req.Runbooks,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	start := time.Now()
	resp, err := c.call(ctx, wire)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("plan request (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	c.budget.Record(resp.InputTokens, resp.OutputTokens)

	decision, err := ExtractDecision(resp.Completion)
	if err != nil {
		return nil, err
	}

	log.Printf("[planner] decision in %v: action=%s runbook=%s confidence=%.2f",
		elapsed.Round(time.Millisecond), decision.Action, decision.RunbookID, decision.Confidence)

	if check := c.guard.Check(decision); !check.Allowed {
		log.Printf("[planner] guardrails blocked decision (%s): %s", check.Category, check.Reason)
		decision.Action = healing.PlanActionEscalate
		decision.Rationale = fmt.Sprintf("guardrails: %s. Original: %s", check.Reason, decision.Rationale)
	}
	return decision, nil
}

// Stats exposes budget consumption for check-ins and diagnostics.
func (c *Client) Stats() Stats {
	return c.budget.Stats()
}

func (c *Client) call(ctx context.Context, wire planRequest) (*planResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.PlaneURL+"/api/agent/l2/plan", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plane returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var planResp planResponse
	if err := json.Unmarshal(respBody, &planResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &planResp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
