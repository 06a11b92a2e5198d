package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/osiriscare/fleet/internal/access"
	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/incidents"
	"github.com/osiriscare/fleet/internal/ledger"
	"github.com/osiriscare/fleet/internal/store"
)

// Error codes in agent API rejection bodies.
const (
	codeBadRequest      = "bad_request"
	codeBadIdentity     = "bad_identity"
	codeChainFork       = "chain_fork"
	codeExpired         = "expired"
	codeTooLarge        = "too_large"
	codeSchemaViolation = "schema_violation"
	codeBackoff         = "backoff"
	codeRetry           = "retry"
)

// maxAgentBody caps agent request bodies. Bundles are small; anything
// near this limit is malformed or hostile.
const maxAgentBody = 1 << 20

// apiError is the structured rejection body. ExpectedHead is set only
// on chain_fork so appliances can re-anchor.
type apiError struct {
	Code         string `json:"error"`
	Message      string `json:"message,omitempty"`
	ExpectedHead string `json:"expected_head,omitempty"`
}

func (s *Server) agentError(w http.ResponseWriter, status int, code, message string) {
	s.respond(w, status, apiError{Code: code, Message: message})
}

func (s *Server) agentRetry(w http.ResponseWriter, what string, err error) {
	s.log.Error(what+" failed", "error", err)
	s.respond(w, http.StatusInternalServerError, apiError{Code: codeRetry, Message: what + " failed"})
}

// overLimit applies a per-appliance rate limit through Redis. Redis
// being down disables limiting, not the API.
func (s *Server) overLimit(w http.ResponseWriter, r *http.Request, applianceID, kind string, perMinute int64) bool {
	if s.redis == nil || applianceID == "" {
		return false
	}
	n, err := s.redis.IncrWithExpire(r.Context(), "ratelimit:agent:"+kind+":"+applianceID, time.Minute)
	if err != nil {
		return false
	}
	if n > perMinute {
		s.agentError(w, http.StatusTooManyRequests, codeBackoff, "over rate limit")
		return true
	}
	return false
}

// readRawBody drains a capped request body. Evidence appends need the
// exact bytes for storage, not a decoded struct.
func (s *Server) readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAgentBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.agentError(w, http.StatusRequestEntityTooLarge, codeTooLarge, "body over 1 MiB")
		} else {
			s.agentError(w, http.StatusBadRequest, codeBadRequest, "unreadable body")
		}
		return nil, false
	}
	return raw, true
}

// Heartbeats completed while the plane was unreachable, delivered in
// bulk with the next check-in.
type agentHeartbeat struct {
	At            string `json:"at"`
	UptimeSeconds int    `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

type agentCheckin struct {
	SiteID            string           `json:"site_id"`
	ApplianceID       string           `json:"appliance_id"`
	Hostname          string           `json:"hostname"`
	AgentVersion      string           `json:"agent_version"`
	UptimeSeconds     int              `json:"uptime_seconds"`
	RulesetHash       string           `json:"ruleset_hash"`
	ChainHeadHash     string           `json:"chain_head_hash"`
	AgentPublicKey    string           `json:"agent_public_key,omitempty"`
	OfflineHeartbeats []agentHeartbeat `json:"offline_heartbeats,omitempty"`
}

type wireWindows struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	AuthKind string `json:"auth_kind"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	UseSSL   bool   `json:"use_ssl"`
}

type wireLinux struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	AuthKind   string `json:"auth_kind"`
	Username   string `json:"username"`
	Secret     string `json:"secret,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

type wireOrder struct {
	OrderID     string            `json:"order_id"`
	SiteID      string            `json:"site_id"`
	ApplianceID string            `json:"appliance_id"`
	RunbookID   string            `json:"runbook_id"`
	Args        map[string]string `json:"args,omitempty"`
	IssuedAt    string            `json:"issued_at"`
	TTLSeconds  int               `json:"ttl_seconds"`
	IssuerSig   string            `json:"issuer_sig"`
}

type wireRules struct {
	Version   int             `json:"version"`
	Rules     json.RawMessage `json:"rules"`
	Signature string          `json:"signature,omitempty"`
}

type checkinReply struct {
	Status          string          `json:"status"`
	ServerTime      string          `json:"server_time"`
	WindowsTargets  []wireWindows   `json:"windows_targets"`
	LinuxTargets    []wireLinux     `json:"linux_targets"`
	Orders          []wireOrder     `json:"orders"`
	RulesSnapshot   *wireRules      `json:"rules_snapshot,omitempty"`
	EnabledRunbooks []string        `json:"enabled_runbooks"`
	Runbooks        json.RawMessage `json:"runbooks,omitempty"`
}

// handleCheckin is the appliance's once-per-tick report. The response
// carries everything the appliance consumes this cycle: credentials,
// pending orders, rules and runbook sync.
func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req agentCheckin
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAgentBody)).Decode(&req); err != nil {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "unparsable check-in")
		return
	}
	if req.SiteID == "" || req.ApplianceID == "" {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "site_id and appliance_id are required")
		return
	}
	if err := access.CheckApplianceIdentity(r, req.ApplianceID); err != nil {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
		return
	}
	if s.overLimit(w, r, req.ApplianceID, "checkin", 30) {
		return
	}

	ctx := r.Context()
	site, err := s.st.GetSite(ctx, req.SiteID)
	if err != nil {
		s.agentRetry(w, "load site", err)
		return
	}
	if site == nil {
		s.agentError(w, http.StatusGone, codeExpired, "site retired")
		return
	}

	now := time.Now().UTC()
	queueDepth := 0
	for _, hb := range req.OfflineHeartbeats {
		s.log.Info("offline heartbeat",
			"appliance_id", req.ApplianceID, "at", hb.At,
			"uptime_seconds", hb.UptimeSeconds, "queue_depth", hb.QueueDepth)
		queueDepth = hb.QueueDepth
	}

	if err := s.st.TouchCheckin(ctx, store.CheckinTouch{
		ApplianceID:  req.ApplianceID,
		SiteID:       req.SiteID,
		PubKey:       req.AgentPublicKey,
		AgentVersion: req.AgentVersion,
		QueueDepth:   queueDepth,
		At:           now,
	}); err != nil {
		s.agentRetry(w, "record check-in", err)
		return
	}

	creds, err := s.st.SiteCredentials(ctx, req.SiteID)
	if err != nil {
		s.agentRetry(w, "load credentials", err)
		return
	}
	wins, lins := credentialsToWire(creds)

	delivered, err := s.orders.Deliver(ctx, req.ApplianceID, now)
	if err != nil {
		s.agentRetry(w, "deliver orders", err)
		return
	}

	reply := checkinReply{
		Status:          "ok",
		ServerTime:      now.Format(time.RFC3339),
		WindowsTargets:  wins,
		LinuxTargets:    lins,
		Orders:          ordersToWire(delivered),
		EnabledRunbooks: site.EnabledRunbooks,
	}
	if reply.EnabledRunbooks == nil {
		reply.EnabledRunbooks = []string{}
	}

	snap, err := s.rulesSnapshotFor(ctx, req.RulesetHash)
	if err != nil {
		s.log.Error("rules snapshot unavailable", "error", err)
	} else {
		reply.RulesSnapshot = snap
	}

	pushed, err := s.pushableRunbooks(ctx, site)
	if err != nil {
		s.log.Error("runbook sync unavailable", "error", err)
	} else {
		reply.Runbooks = pushed
	}

	s.hub.Publish(ctx, events.Event{
		Type:   events.TypeApplianceCheckin,
		SiteID: req.SiteID,
		IDs:    []string{req.ApplianceID},
	})
	s.respond(w, http.StatusOK, reply)
}

func credentialsToWire(creds []*store.Credential) ([]wireWindows, []wireLinux) {
	wins := []wireWindows{}
	lins := []wireLinux{}
	for _, c := range creds {
		switch c.Platform {
		case "windows":
			wins = append(wins, wireWindows{
				Host:     c.Host,
				Port:     c.Port,
				AuthKind: c.AuthKind,
				Username: c.Username,
				Secret:   c.Secret,
				UseSSL:   c.UseSSL,
			})
		case "linux":
			lins = append(lins, wireLinux{
				Host:       c.Host,
				Port:       c.Port,
				AuthKind:   c.AuthKind,
				Username:   c.Username,
				Secret:     c.Secret,
				PrivateKey: c.PrivateKey,
			})
		}
	}
	return wins, lins
}

func ordersToWire(rows []*store.OrderRow) []wireOrder {
	out := []wireOrder{}
	for _, row := range rows {
		out = append(out, wireOrder{
			OrderID:     row.OrderID,
			SiteID:      row.SiteID,
			ApplianceID: row.ApplianceID,
			RunbookID:   row.RunbookID,
			Args:        row.Args,
			IssuedAt:    row.IssuedAt.UTC().Format(time.RFC3339),
			TTLSeconds:  row.TTLSeconds,
			IssuerSig:   row.IssuerSig,
		})
	}
	return out
}

// rulesSnapshotFor returns the signed rule set when the appliance's
// reported hash is stale, nil when it is current. The signature is
// computed at serve time with the issuer key; appliances verify it
// against their pinned public key before adopting.
func (s *Server) rulesSnapshotFor(ctx context.Context, applianceHash string) (*wireRules, error) {
	version, rules, err := s.incidents.RulesSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}

	payload, err := envelope.RulesSigningBytes(int(version), rules)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) == applianceHash {
		return nil, nil
	}
	if s.signer == nil {
		return nil, errors.New("issuer key unavailable")
	}

	return &wireRules{
		Version:   int(version),
		Rules:     rules,
		Signature: hex.EncodeToString(ed25519.Sign(s.signer, payload)),
	}, nil
}

// pushableRunbooks returns full definitions for enabled runbooks the
// appliance does not compile in. Built-ins carry no stored definition.
func (s *Server) pushableRunbooks(ctx context.Context, site *store.Site) (json.RawMessage, error) {
	rows, err := s.st.PushableRunbooks(ctx, site.EnabledRunbooks)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	defs := make([]json.RawMessage, 0, len(rows))
	for _, rb := range rows {
		defs = append(defs, rb.Definition)
	}
	return json.Marshal(defs)
}

// handleEvidence appends one signed bundle to the site's chain. Every
// accepted bundle also drives the incident lifecycle and the order
// trail, and clears the degraded flag the upload proves stale.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.readRawBody(w, r)
	if !ok {
		return
	}

	var ident struct {
		SiteID      string `json:"site_id"`
		ApplianceID string `json:"appliance_id"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "unparsable bundle")
		return
	}
	if err := access.CheckApplianceIdentity(r, ident.ApplianceID); err != nil {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
		return
	}
	if s.overLimit(w, r, ident.ApplianceID, "evidence", 1200) {
		return
	}

	ctx := r.Context()
	app, err := s.st.GetAppliance(ctx, ident.ApplianceID)
	if err != nil {
		s.agentRetry(w, "load appliance", err)
		return
	}
	if app == nil || app.SiteID != ident.SiteID {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, "appliance not registered")
		return
	}

	receipt, bundle, err := s.ledger.Append(ctx, app, raw)
	if err != nil {
		s.writeAppendError(w, err)
		return
	}

	if err := s.orders.RecordOutcome(ctx, bundle); err != nil {
		s.log.Error("order outcome failed", "bundle_id", bundle.BundleID, "error", err)
	}
	if err := s.incidents.ApplyBundle(ctx, bundle); err != nil {
		s.log.Error("incident projection failed", "bundle_id", bundle.BundleID, "error", err)
	}
	if app.Degraded {
		// A successful upload ends the degraded condition the alert
		// reported.
		if err := s.st.SetDegraded(ctx, app.ApplianceID, false); err != nil {
			s.log.Error("clear degraded failed", "appliance_id", app.ApplianceID, "error", err)
		}
	}

	s.hub.Publish(ctx, events.Event{
		Type:   events.TypeDriftObserved,
		SiteID: bundle.SiteID,
		IDs:    []string{bundle.BundleID},
	})
	s.respond(w, http.StatusOK, map[string]any{
		"ack_seq":        receipt.AckSeq,
		"next_prev_hash": receipt.NextPrevHash,
	})
}

func (s *Server) writeAppendError(w http.ResponseWriter, err error) {
	var fork *ledger.ForkError
	var violation *ledger.ViolationError
	switch {
	case errors.Is(err, ledger.ErrBadIdentity):
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
	case errors.As(err, &fork):
		s.respond(w, http.StatusConflict, apiError{
			Code:         codeChainFork,
			Message:      "prev_hash does not extend the stored head",
			ExpectedHead: fork.ExpectedHead,
		})
	case errors.As(err, &violation):
		s.agentError(w, http.StatusUnprocessableEntity, codeSchemaViolation, violation.Detail)
	default:
		s.agentRetry(w, "append bundle", err)
	}
}

// handlePatterns records one L2 outcome for the learning loop.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	var report incidents.Report
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAgentBody)).Decode(&report); err != nil {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "unparsable pattern report")
		return
	}
	if report.SiteID == "" || report.ApplianceID == "" || report.IncidentType == "" || report.RunbookID == "" {
		s.agentError(w, http.StatusUnprocessableEntity, codeSchemaViolation,
			"site_id, appliance_id, incident_type and runbook_id are required")
		return
	}
	if err := access.CheckApplianceIdentity(r, report.ApplianceID); err != nil {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
		return
	}
	if s.overLimit(w, r, report.ApplianceID, "patterns", 300) {
		return
	}

	result, err := s.incidents.RecordReport(r.Context(), &report)
	if err != nil {
		s.agentRetry(w, "record pattern", err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

// handleAlerts records one out-of-band escalation and answers with the
// notification deliveries it mapped to.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var alert incidents.Alert
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAgentBody)).Decode(&alert); err != nil {
		s.agentError(w, http.StatusBadRequest, codeBadRequest, "unparsable alert")
		return
	}
	if alert.SiteID == "" || alert.ApplianceID == "" || alert.DedupKey == "" {
		s.agentError(w, http.StatusUnprocessableEntity, codeSchemaViolation,
			"site_id, appliance_id and dedup_key are required")
		return
	}
	if err := access.CheckApplianceIdentity(r, alert.ApplianceID); err != nil {
		s.agentError(w, http.StatusUnauthorized, codeBadIdentity, err.Error())
		return
	}
	if s.overLimit(w, r, alert.ApplianceID, "alerts", 120) {
		return
	}

	deliveryID, err := s.incidents.RecordAlert(r.Context(), &alert)
	if err != nil {
		s.agentRetry(w, "record alert", err)
		return
	}

	s.hub.Publish(r.Context(), events.Event{
		Type:   events.TypeApplianceCheckin,
		SiteID: alert.SiteID,
		IDs:    []string{alert.ApplianceID},
	})
	s.respond(w, http.StatusOK, map[string][]string{"delivery_ids": {deliveryID}})
}
