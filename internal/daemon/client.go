package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Error codes the plane returns in structured error bodies.
const (
	CodeBadRequest      = "bad_request"
	CodeBadIdentity     = "bad_identity"
	CodeChainFork       = "chain_fork"
	CodeExpired         = "expired"
	CodeTooLarge        = "too_large"
	CodeSchemaViolation = "schema_violation"
	CodeBackoff         = "backoff"
)

// APIError is a structured rejection from the plane. ExpectedHead is
// set only for chain_fork so recovery can re-anchor.
type APIError struct {
	Status       int    `json:"-"`
	Code         string `json:"error"`
	Message      string `json:"message,omitempty"`
	ExpectedHead string `json:"expected_head,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("plane %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("plane %d %s", e.Status, e.Code)
}

// Retryable reports whether the flusher should back off and try again
// rather than treat the item as dead.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client talks to the control plane's agent API over mTLS.
type Client struct {
	baseURL     string
	applianceID string
	http        *http.Client
}

// NewClient builds the mTLS client from the configured cert paths.
// Missing TLS material degrades to server-auth-only TLS, which the
// plane rejects outside dev mode.
func NewClient(cfg *Config) (*Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.TLSCA != "" {
		pem, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.TLSCA)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.PlaneBaseURL, "/"),
		applianceID: cfg.ApplianceID,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// HTTPClient exposes the mTLS-configured client so the L2 planner can
// reach the plane with the same identity.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// CheckinRequest is what the appliance reports each tick.
type CheckinRequest struct {
	SiteID            string      `json:"site_id"`
	ApplianceID       string      `json:"appliance_id"`
	Hostname          string      `json:"hostname"`
	AgentVersion      string      `json:"agent_version"`
	UptimeSeconds     int         `json:"uptime_seconds"`
	RulesetHash       string      `json:"ruleset_hash"`
	ChainHeadHash     string      `json:"chain_head_hash"`
	AgentPublicKey    string      `json:"agent_public_key,omitempty"`
	OfflineHeartbeats []Heartbeat `json:"offline_heartbeats,omitempty"`
}

// Heartbeat records one tick the appliance completed while the plane
// was unreachable; delivered with the next successful check-in.
type Heartbeat struct {
	At            string `json:"at"`
	UptimeSeconds int    `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// CheckinResponse is the plane's answer: server time, this cycle's
// credentials, verified-later orders, and rule/runbook sync material.
type CheckinResponse struct {
	Status          string          `json:"status"`
	ServerTime      string          `json:"server_time"`
	WindowsTargets  []WireWindows   `json:"windows_targets"`
	LinuxTargets    []WireLinux     `json:"linux_targets"`
	Orders          []Order         `json:"orders"`
	RulesSnapshot   *RulesSnapshot  `json:"rules_snapshot,omitempty"`
	EnabledRunbooks []string        `json:"enabled_runbooks"`
	Runbooks        json.RawMessage `json:"runbooks,omitempty"`
}

// WireWindows is a Windows credential target on the wire.
type WireWindows struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	AuthKind string `json:"auth_kind"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	UseSSL   bool   `json:"use_ssl"`
}

// WireLinux is a Linux credential target on the wire.
type WireLinux struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	AuthKind   string `json:"auth_kind"`
	Username   string `json:"username"`
	Secret     string `json:"secret,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Order is a signed instruction to run one runbook. IssuerSig is the
// hex Ed25519 signature over the canonical JSON of the order with
// issuer_sig removed.
type Order struct {
	OrderID     string            `json:"order_id"`
	SiteID      string            `json:"site_id"`
	ApplianceID string            `json:"appliance_id"`
	RunbookID   string            `json:"runbook_id"`
	Args        map[string]string `json:"args,omitempty"`
	IssuedAt    string            `json:"issued_at"`
	TTLSeconds  int               `json:"ttl_seconds"`
	IssuerSig   string            `json:"issuer_sig"`
}

// RulesSnapshot is the plane's versioned L1 rule set. Signature covers
// the canonical JSON of {version, rules}.
type RulesSnapshot struct {
	Version   int             `json:"version"`
	Rules     json.RawMessage `json:"rules"`
	Signature string          `json:"signature,omitempty"`
}

// EvidenceAck acknowledges one appended bundle.
type EvidenceAck struct {
	AckSeq       int64  `json:"ack_seq"`
	NextPrevHash string `json:"next_prev_hash"`
}

// PatternAck reports the updated pattern counters.
type PatternAck struct {
	PatternID   string  `json:"pattern_id"`
	Occurrences int     `json:"occurrences"`
	SuccessRate float64 `json:"success_rate"`
	Status      string  `json:"status"`
}

// AlertAck lists the notification deliveries the escalation fanned
// out to.
type AlertAck struct {
	DeliveryIDs []string `json:"delivery_ids"`
}

// PatternReport is one L2 attempt result. The plane aggregates these
// into patterns and eventually promotes reliable ones to L1 rules.
type PatternReport struct {
	SiteID       string  `json:"site_id"`
	ApplianceID  string  `json:"appliance_id"`
	IncidentType string  `json:"incident_type"`
	Scope        string  `json:"scope"`
	RunbookID    string  `json:"runbook_id"`
	Success      bool    `json:"success"`
	Confidence   float64 `json:"confidence"`
	BundleID     string  `json:"bundle_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// Alert is an out-of-band operator notification: escalations, degraded
// posture, clock drift. DedupKey suppresses repeat fan-out on the
// plane.
type Alert struct {
	SiteID      string         `json:"site_id"`
	ApplianceID string         `json:"appliance_id"`
	Severity    string         `json:"severity"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Detail      map[string]any `json:"detail,omitempty"`
	DedupKey    string         `json:"dedup_key"`
	CreatedAt   string         `json:"created_at"`
}

// Checkin posts the tick's report and returns the plane's instructions.
func (c *Client) Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	var resp CheckinResponse
	if err := c.post(ctx, "/api/agent/checkin", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitEvidence uploads one signed bundle exactly as it was queued.
func (c *Client) SubmitEvidence(ctx context.Context, bundle []byte) (*EvidenceAck, error) {
	var ack EvidenceAck
	if err := c.postRaw(ctx, "/api/agent/evidence", bundle, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SubmitPattern reports one L2 outcome for the learning loop.
func (c *Client) SubmitPattern(ctx context.Context, report []byte) (*PatternAck, error) {
	var ack PatternAck
	if err := c.postRaw(ctx, "/api/agent/patterns", report, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SubmitAlert delivers one escalation payload.
func (c *Client) SubmitAlert(ctx context.Context, alert []byte) (*AlertAck, error) {
	var ack AlertAck
	if err := c.postRaw(ctx, "/api/agent/alerts", alert, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.postRaw(ctx, path, raw, out)
}

func (c *Client) postRaw(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Appliance-ID", c.applianceID)
	req.Header.Set("User-Agent", "osiris-appliance/"+Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Code: CodeBadRequest}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = CodeBadRequest
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
