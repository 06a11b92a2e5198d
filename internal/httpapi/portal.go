package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/incidents"
	"github.com/osiriscare/fleet/internal/ledger"
	"github.com/osiriscare/fleet/internal/orders"
	"github.com/osiriscare/fleet/internal/store"
)

// Portal wire types. Timestamps go out as RFC 3339 UTC strings;
// nullable columns become omitted fields rather than JSON nulls.

type portalAppliance struct {
	ApplianceID        string `json:"appliance_id"`
	SiteID             string `json:"site_id"`
	Status             string `json:"status"`
	AgentVersion       string `json:"agent_version,omitempty"`
	QueueDepth         int    `json:"queue_depth"`
	Degraded           bool   `json:"degraded"`
	SuppressDisruptive bool   `json:"suppress_disruptive"`
	FirstCheckin       string `json:"first_checkin,omitempty"`
	LastCheckin        string `json:"last_checkin,omitempty"`
}

type portalSite struct {
	SiteID         string            `json:"site_id"`
	Name           string            `json:"name"`
	DeploymentMode string            `json:"deployment_mode"`
	ResellerID     string            `json:"reseller_id,omitempty"`
	Appliances     []portalAppliance `json:"appliances"`
	OpenIncidents  int               `json:"open_incidents"`
}

type portalSiteDetail struct {
	portalSite
	EnabledRunbooks []string      `json:"enabled_runbooks,omitempty"`
	RunbookPriority []string      `json:"runbook_priority,omitempty"`
	Alerts          []portalAlert `json:"alerts,omitempty"`
}

type portalIncident struct {
	IncidentID     string `json:"incident_id"`
	SiteID         string `json:"site_id"`
	ApplianceID    string `json:"appliance_id"`
	Fingerprint    string `json:"fingerprint"`
	CheckType      string `json:"check_type"`
	Scope          string `json:"scope,omitempty"`
	Severity       string `json:"severity"`
	Status         string `json:"status"`
	OpenedAction   string `json:"opened_action"`
	OpenedBundle   string `json:"opened_bundle"`
	ResolvedBundle string `json:"resolved_bundle,omitempty"`
	AckedBy        string `json:"acked_by,omitempty"`
	OpenedAt       string `json:"opened_at"`
	AckedAt        string `json:"acked_at,omitempty"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

type portalPattern struct {
	PatternID    string  `json:"pattern_id"`
	IncidentType string  `json:"incident_type"`
	RunbookID    string  `json:"runbook_id"`
	Occurrences  int     `json:"occurrences"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`
	Status       string  `json:"status"`
	FirstSeen    string  `json:"first_seen"`
	LastSeen     string  `json:"last_seen"`
	PromotedRule string  `json:"promoted_rule,omitempty"`
}

type portalRunbook struct {
	RunbookID         string   `json:"runbook_id"`
	Name              string   `json:"name"`
	Platform          string   `json:"platform"`
	Description       string   `json:"description,omitempty"`
	Disruptive        bool     `json:"disruptive"`
	RollbackAvailable bool     `json:"rollback_available"`
	HIPAAControls     []string `json:"hipaa_controls,omitempty"`
}

type portalOrder struct {
	OrderID       string            `json:"order_id"`
	SiteID        string            `json:"site_id"`
	ApplianceID   string            `json:"appliance_id"`
	RunbookID     string            `json:"runbook_id"`
	Args          map[string]string `json:"args,omitempty"`
	IssuedAt      string            `json:"issued_at"`
	TTLSeconds    int               `json:"ttl_seconds"`
	Status        string            `json:"status"`
	IssuedBy      string            `json:"issued_by"`
	DeliveredAt   string            `json:"delivered_at,omitempty"`
	OutcomeBundle string            `json:"outcome_bundle,omitempty"`
}

type portalAlert struct {
	DeliveryID  string          `json:"delivery_id"`
	SiteID      string          `json:"site_id"`
	ApplianceID string          `json:"appliance_id"`
	Severity    string          `json:"severity"`
	Kind        string          `json:"kind"`
	Message     string          `json:"message"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	TimesSeen   int             `json:"times_seen"`
	FirstSeen   string          `json:"first_seen"`
	LastSeen    string          `json:"last_seen"`
}

type portalBundle struct {
	Seq         int64           `json:"seq"`
	BundleID    string          `json:"bundle_id"`
	ApplianceID string          `json:"appliance_id"`
	PrevHash    string          `json:"prev_hash"`
	BundleHash  string          `json:"bundle_hash"`
	ActionTaken string          `json:"action_taken"`
	CheckType   string          `json:"check_type"`
	CreatedAt   string          `json:"created_at"`
	Body        json.RawMessage `json:"body"`
}

type portalStamp struct {
	BundleID     string `json:"bundle_id"`
	AuthorityURL string `json:"authority_url"`
	State        string `json:"state"`
	BitcoinBlock *int64 `json:"bitcoin_block,omitempty"`
	SubmittedAt  string `json:"submitted_at"`
	CheckedAt    string `json:"checked_at,omitempty"`
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func rfc3339Ptr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return rfc3339(*t)
}

func strPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func applianceToPortal(a *store.Appliance) portalAppliance {
	return portalAppliance{
		ApplianceID:        a.ApplianceID,
		SiteID:             a.SiteID,
		Status:             a.Status,
		AgentVersion:       a.AgentVersion,
		QueueDepth:         a.QueueDepth,
		Degraded:           a.Degraded,
		SuppressDisruptive: a.SuppressDisruptive,
		FirstCheckin:       rfc3339Ptr(a.FirstCheckin),
		LastCheckin:        rfc3339Ptr(a.LastCheckin),
	}
}

func incidentToPortal(inc *store.Incident) portalIncident {
	return portalIncident{
		IncidentID:     inc.IncidentID,
		SiteID:         inc.SiteID,
		ApplianceID:    inc.ApplianceID,
		Fingerprint:    inc.Fingerprint,
		CheckType:      inc.CheckType,
		Scope:          inc.Scope,
		Severity:       inc.Severity,
		Status:         inc.Status,
		OpenedAction:   inc.OpenedAction,
		OpenedBundle:   inc.OpenedBundle,
		ResolvedBundle: strPtr(inc.ResolvedBundle),
		AckedBy:        strPtr(inc.AckedBy),
		OpenedAt:       rfc3339(inc.OpenedAt),
		AckedAt:        rfc3339Ptr(inc.AckedAt),
		ResolvedAt:     rfc3339Ptr(inc.ResolvedAt),
	}
}

func patternToPortal(p *store.Pattern) portalPattern {
	return portalPattern{
		PatternID:    p.PatternID,
		IncidentType: p.IncidentType,
		RunbookID:    p.RunbookID,
		Occurrences:  p.Occurrences,
		SuccessCount: p.SuccessCount,
		SuccessRate:  p.SuccessRate,
		Status:       p.Status,
		FirstSeen:    rfc3339(p.FirstSeen),
		LastSeen:     rfc3339(p.LastSeen),
		PromotedRule: strPtr(p.PromotedRule),
	}
}

func orderToPortal(o *store.OrderRow) portalOrder {
	return portalOrder{
		OrderID:       o.OrderID,
		SiteID:        o.SiteID,
		ApplianceID:   o.ApplianceID,
		RunbookID:     o.RunbookID,
		Args:          o.Args,
		IssuedAt:      rfc3339(o.IssuedAt),
		TTLSeconds:    o.TTLSeconds,
		Status:        o.Status,
		IssuedBy:      o.IssuedBy,
		DeliveredAt:   rfc3339Ptr(o.DeliveredAt),
		OutcomeBundle: strPtr(o.OutcomeBundle),
	}
}

func alertToPortal(a *store.Alert) portalAlert {
	return portalAlert{
		DeliveryID:  a.DeliveryID,
		SiteID:      a.SiteID,
		ApplianceID: a.ApplianceID,
		Severity:    a.Severity,
		Kind:        a.Kind,
		Message:     a.Message,
		Detail:      json.RawMessage(a.Detail),
		TimesSeen:   a.TimesSeen,
		FirstSeen:   rfc3339(a.FirstSeen),
		LastSeen:    rfc3339(a.LastSeen),
	}
}

// queryInt parses an integer query parameter with a default and a cap.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sites, err := s.st.ListSites(ctx)
	if err != nil {
		s.agentRetry(w, "fleet list", err)
		return
	}

	out := make([]portalSite, 0, len(sites))
	for _, site := range sites {
		apps, err := s.st.ListAppliances(ctx, site.SiteID)
		if err != nil {
			s.agentRetry(w, "appliance list", err)
			return
		}
		open, err := s.st.OpenIncidentCount(ctx, site.SiteID)
		if err != nil {
			s.agentRetry(w, "incident count", err)
			return
		}
		ps := portalSite{
			SiteID:         site.SiteID,
			Name:           site.Name,
			DeploymentMode: site.DeploymentMode,
			ResellerID:     strPtr(site.ResellerID),
			Appliances:     make([]portalAppliance, 0, len(apps)),
			OpenIncidents:  open,
		}
		for _, a := range apps {
			ps.Appliances = append(ps.Appliances, applianceToPortal(a))
		}
		out = append(out, ps)
	}
	s.respond(w, http.StatusOK, map[string]any{"sites": out})
}

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := chi.URLParam(r, "site_id")

	site, err := s.st.GetSite(ctx, siteID)
	if err != nil {
		s.agentRetry(w, "site lookup", err)
		return
	}
	if site == nil {
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_site", Message: "no such site"})
		return
	}
	apps, err := s.st.ListAppliances(ctx, siteID)
	if err != nil {
		s.agentRetry(w, "appliance list", err)
		return
	}
	open, err := s.st.OpenIncidentCount(ctx, siteID)
	if err != nil {
		s.agentRetry(w, "incident count", err)
		return
	}
	alerts, err := s.st.ListAlerts(ctx, siteID, 20)
	if err != nil {
		s.agentRetry(w, "alert list", err)
		return
	}

	detail := portalSiteDetail{
		portalSite: portalSite{
			SiteID:         site.SiteID,
			Name:           site.Name,
			DeploymentMode: site.DeploymentMode,
			ResellerID:     strPtr(site.ResellerID),
			Appliances:     make([]portalAppliance, 0, len(apps)),
			OpenIncidents:  open,
		},
		EnabledRunbooks: site.EnabledRunbooks,
		RunbookPriority: site.RunbookPriority,
	}
	for _, a := range apps {
		detail.Appliances = append(detail.Appliances, applianceToPortal(a))
	}
	for _, a := range alerts {
		detail.Alerts = append(detail.Alerts, alertToPortal(a))
	}
	s.respond(w, http.StatusOK, detail)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	f := store.IncidentFilter{
		SiteID: r.URL.Query().Get("site_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 100, 500),
	}
	rows, err := s.st.ListIncidents(r.Context(), f)
	if err != nil {
		s.agentRetry(w, "incident list", err)
		return
	}
	out := make([]portalIncident, 0, len(rows))
	for _, inc := range rows {
		out = append(out, incidentToPortal(inc))
	}
	s.respond(w, http.StatusOK, map[string]any{"incidents": out})
}

func (s *Server) handleRunbooks(w http.ResponseWriter, r *http.Request) {
	rows, err := s.st.ListRunbooks(r.Context())
	if err != nil {
		s.agentRetry(w, "runbook list", err)
		return
	}
	out := make([]portalRunbook, 0, len(rows))
	for _, rb := range rows {
		if rb.Internal {
			continue
		}
		out = append(out, portalRunbook{
			RunbookID:         rb.RunbookID,
			Name:              rb.Name,
			Platform:          rb.Platform,
			Description:       rb.Description,
			Disruptive:        rb.Disruptive,
			RollbackAvailable: rb.RollbackAvailable,
			HIPAAControls:     rb.HIPAAControls,
		})
	}
	s.respond(w, http.StatusOK, map[string]any{"runbooks": out})
}

func (s *Server) handleLearningStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	minOcc, minRate, autopromote := s.incidents.Thresholds()

	patterns, err := s.st.ListPatterns(ctx, "")
	if err != nil {
		s.agentRetry(w, "pattern list", err)
		return
	}
	counts := map[string]int{store.PatternPending: 0, store.PatternPromoted: 0, store.PatternRejected: 0}
	for _, p := range patterns {
		counts[p.Status]++
	}
	candidates, err := s.incidents.Candidates(ctx)
	if err != nil {
		s.agentRetry(w, "candidate list", err)
		return
	}
	_, version, err := s.st.CurrentRules(ctx)
	if err != nil {
		s.agentRetry(w, "rules version", err)
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"min_occurrences":  minOcc,
		"min_success_rate": minRate,
		"autopromote":      autopromote,
		"rules_version":    version,
		"patterns":         counts,
		"candidates":       len(candidates),
	})
}

func (s *Server) handleLearningCandidates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.incidents.Candidates(r.Context())
	if err != nil {
		s.agentRetry(w, "candidate list", err)
		return
	}
	out := make([]portalPattern, 0, len(rows))
	for _, p := range rows {
		out = append(out, patternToPortal(p))
	}
	s.respond(w, http.StatusOK, map[string]any{"candidates": out})
}

func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	limit := queryInt(r, "limit", 100, 500)
	rows, err := s.st.ListAlerts(r.Context(), siteID, limit)
	if err != nil {
		s.agentRetry(w, "alert list", err)
		return
	}
	out := make([]portalAlert, 0, len(rows))
	for _, a := range rows {
		out = append(out, alertToPortal(a))
	}
	s.respond(w, http.StatusOK, map[string]any{"alerts": out})
}

func (s *Server) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	row, err := s.st.GetOrder(r.Context(), orderID)
	if err != nil {
		s.agentRetry(w, "order lookup", err)
		return
	}
	if row == nil {
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_order", Message: "no such order"})
		return
	}
	s.respond(w, http.StatusOK, orderToPortal(row))
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	limit := queryInt(r, "limit", 50, 200)
	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.respond(w, http.StatusBadRequest, apiError{Code: "bad_cursor", Message: "cursor must be a non-negative integer"})
			return
		}
		cursor = n
	}

	rows, err := s.st.ListBundles(r.Context(), siteID, cursor, limit)
	if err != nil {
		s.agentRetry(w, "bundle list", err)
		return
	}
	out := make([]portalBundle, 0, len(rows))
	for _, b := range rows {
		out = append(out, portalBundle{
			Seq:         b.Seq,
			BundleID:    b.BundleID,
			ApplianceID: b.ApplianceID,
			PrevHash:    b.PrevHash,
			BundleHash:  b.BundleHash,
			ActionTaken: b.ActionTaken,
			CheckType:   b.CheckType,
			CreatedAt:   rfc3339(b.CreatedAt),
			Body:        json.RawMessage(b.Body),
		})
	}
	reply := map[string]any{"bundles": out}
	if len(rows) == limit {
		reply["next_cursor"] = rows[len(rows)-1].Seq
	}
	s.respond(w, http.StatusOK, reply)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	res, err := s.ledger.VerifySite(r.Context(), siteID)
	if err != nil {
		s.agentRetry(w, "chain verify", err)
		return
	}
	s.respond(w, http.StatusOK, struct {
		SiteID string `json:"site_id"`
		envelope.ChainVerifyResult
	}{SiteID: siteID, ChainVerifyResult: res})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "id")
	version, err := s.incidents.Promote(r.Context(), patternID, operatorName(r))
	if err != nil {
		switch {
		case errors.Is(err, incidents.ErrUnknownPattern):
			s.respond(w, http.StatusNotFound, apiError{Code: "unknown_pattern", Message: "no such pattern"})
		case errors.Is(err, incidents.ErrNotCandidate):
			s.respond(w, http.StatusConflict, apiError{Code: "not_candidate", Message: err.Error()})
		default:
			s.agentRetry(w, "pattern promote", err)
		}
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"pattern_id": patternID, "rules_version": version})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "id")
	found, err := s.incidents.Reject(r.Context(), patternID)
	if err != nil {
		s.agentRetry(w, "pattern reject", err)
		return
	}
	if !found {
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_pattern", Message: "no such pending pattern"})
		return
	}
	s.log.Info("pattern rejected", "pattern_id", patternID, "by", operatorName(r))
	s.respond(w, http.StatusOK, map[string]string{"pattern_id": patternID, "status": store.PatternRejected})
}

func (s *Server) handleIncidentAck(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "id")
	acked, err := s.incidents.Acknowledge(r.Context(), incidentID, operatorName(r))
	if err != nil {
		s.agentRetry(w, "incident ack", err)
		return
	}
	if !acked {
		// Either no such incident or not open any more.
		inc, err := s.st.GetIncident(r.Context(), incidentID)
		if err != nil {
			s.agentRetry(w, "incident lookup", err)
			return
		}
		if inc == nil {
			s.respond(w, http.StatusNotFound, apiError{Code: "unknown_incident", Message: "no such incident"})
			return
		}
		s.respond(w, http.StatusConflict, apiError{Code: "not_open", Message: "incident is " + inc.Status})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"incident_id": incidentID, "status": store.IncidentAcknowledged})
}

func (s *Server) handleIncidentHeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	incidentID := chi.URLParam(r, "id")

	inc, err := s.st.GetIncident(ctx, incidentID)
	if err != nil {
		s.agentRetry(w, "incident lookup", err)
		return
	}
	if inc == nil {
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_incident", Message: "no such incident"})
		return
	}
	if inc.Status == store.IncidentResolved {
		s.respond(w, http.StatusConflict, apiError{Code: "resolved", Message: "incident already resolved"})
		return
	}

	row, err := s.orders.IssueForIncident(ctx, inc, operatorName(r))
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, orderToPortal(row))
}

func (s *Server) handleOrderIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID      string            `json:"site_id"`
		ApplianceID string            `json:"appliance_id"`
		RunbookID   string            `json:"runbook_id"`
		Args        map[string]string `json:"args"`
		TTLSeconds  int               `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	if req.SiteID == "" || req.ApplianceID == "" || req.RunbookID == "" {
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "bad_request", Message: "site_id, appliance_id and runbook_id are required"})
		return
	}

	row, err := s.orders.Issue(r.Context(), orders.IssueRequest{
		SiteID:      req.SiteID,
		ApplianceID: req.ApplianceID,
		RunbookID:   req.RunbookID,
		Args:        req.Args,
		TTLSeconds:  req.TTLSeconds,
		IssuedBy:    operatorName(r),
	})
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, orderToPortal(row))
}

func (s *Server) handleOrderBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SiteID     string            `json:"site_id"`
		RunbookID  string            `json:"runbook_id"`
		Args       map[string]string `json:"args"`
		TTLSeconds int               `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, apiError{Code: "bad_request", Message: "invalid JSON body"})
		return
	}
	if req.SiteID == "" || req.RunbookID == "" {
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "bad_request", Message: "site_id and runbook_id are required"})
		return
	}

	rows, err := s.orders.Broadcast(r.Context(), req.SiteID, req.RunbookID, req.Args, req.TTLSeconds, operatorName(r))
	if err != nil {
		// A partial broadcast still reports what was issued.
		if len(rows) == 0 {
			s.writeOrderError(w, err)
			return
		}
		s.log.Error("broadcast partially failed", "site_id", req.SiteID, "issued", len(rows), "error", err)
	}
	out := make([]portalOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, orderToPortal(row))
	}
	s.respond(w, http.StatusCreated, map[string]any{"orders": out})
}

func (s *Server) handleStamp(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "bundle_id")
	st, err := s.ledger.StampBundle(r.Context(), bundleID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrUnknownBundle):
			s.respond(w, http.StatusNotFound, apiError{Code: "unknown_bundle", Message: "no such bundle"})
		case errors.Is(err, ledger.ErrStampingDisabled):
			s.respond(w, http.StatusNotImplemented, apiError{Code: "stamping_disabled", Message: "external timestamping not configured"})
		default:
			s.agentRetry(w, "bundle stamp", err)
		}
		return
	}
	s.respond(w, http.StatusOK, portalStamp{
		BundleID:     st.BundleID,
		AuthorityURL: st.AuthorityURL,
		State:        st.State,
		BitcoinBlock: st.BitcoinBlock,
		SubmittedAt:  rfc3339(st.SubmittedAt),
		CheckedAt:    rfc3339Ptr(st.CheckedAt),
	})
}

// writeOrderError maps order issuance failures onto HTTP statuses.
func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orders.ErrUnknownTarget):
		s.respond(w, http.StatusNotFound, apiError{Code: "unknown_target", Message: err.Error()})
	case errors.Is(err, orders.ErrApplianceOffline):
		s.respond(w, http.StatusConflict, apiError{Code: "appliance_offline", Message: "target appliance has not checked in recently"})
	case errors.Is(err, orders.ErrRunbookNotInCatalogue):
		s.respond(w, http.StatusUnprocessableEntity, apiError{Code: "runbook_not_enabled", Message: err.Error()})
	case errors.Is(err, orders.ErrSigningKeyUnavailable):
		s.respond(w, http.StatusServiceUnavailable, apiError{Code: "signing_unavailable", Message: "order signing key not loaded"})
	default:
		s.agentRetry(w, "order issue", err)
	}
}
