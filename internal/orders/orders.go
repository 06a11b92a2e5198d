// Package orders issues signed runbook orders to appliances. Every
// order carries the plane's Ed25519 issuer signature and a TTL;
// appliances verify both and execute at most once.
package orders

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/metrics"
	"github.com/osiriscare/fleet/internal/store"
)

// ChainRecoverRunbook is the plane-internal runbook that authorizes an
// appliance to rebase its evidence chain onto the plane head.
const ChainRecoverRunbook = "RB-CHAIN-RECOVER"

// TTLMax caps order lifetime regardless of what the caller asks for.
// Appliances enforce the same ceiling.
const TTLMax = 900

var (
	// ErrSigningKeyUnavailable means the issuer key failed to load.
	ErrSigningKeyUnavailable = errors.New("order signing key unavailable")
	// ErrRunbookNotInCatalogue means the runbook is unknown or not
	// enabled for the target site.
	ErrRunbookNotInCatalogue = errors.New("runbook not in site catalogue")
	// ErrApplianceOffline refuses orders to appliances past the stale
	// cutoff.
	ErrApplianceOffline = errors.New("appliance offline")
	// ErrUnknownTarget means the site or appliance does not exist, or
	// the appliance is registered under a different site.
	ErrUnknownTarget = errors.New("unknown order target")
)

// dedupWindow collapses identical issue requests.
const dedupWindow = 60 * time.Second

// Service issues, deduplicates and tracks orders.
type Service struct {
	st         *store.Store
	redis      *store.Redis
	log        *slog.Logger
	pub        events.Publisher
	priv       ed25519.PrivateKey
	defaultTTL int
	staleAfter time.Duration

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New builds the order service. priv may be nil; issuance then fails
// with ErrSigningKeyUnavailable while delivery of existing orders
// keeps working.
func New(st *store.Store, redis *store.Redis, logger *slog.Logger, pub events.Publisher, priv ed25519.PrivateKey, defaultTTL, staleHours int) *Service {
	if defaultTTL <= 0 || defaultTTL > TTLMax {
		defaultTTL = TTLMax
	}
	return &Service{
		st:         st,
		redis:      redis,
		log:        logger,
		pub:        pub,
		priv:       priv,
		defaultTTL: defaultTTL,
		staleAfter: time.Duration(staleHours) * time.Hour,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// IssueRequest describes one order to sign and queue.
type IssueRequest struct {
	SiteID      string
	ApplianceID string
	RunbookID   string
	Args        map[string]string
	TTLSeconds  int
	IssuedBy    string
}

// Issue signs and stores one order for one appliance. Identical
// requests within the dedup window collapse onto the first order.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*store.OrderRow, error) {
	if s.priv == nil {
		return nil, ErrSigningKeyUnavailable
	}

	site, err := s.st.GetSite(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, fmt.Errorf("site %s: %w", req.SiteID, ErrUnknownTarget)
	}
	if err := s.checkCatalogue(ctx, site, req.RunbookID); err != nil {
		return nil, err
	}

	app, err := s.st.GetAppliance(ctx, req.ApplianceID)
	if err != nil {
		return nil, err
	}
	if app == nil || app.SiteID != req.SiteID {
		return nil, fmt.Errorf("appliance %s under site %s: %w", req.ApplianceID, req.SiteID, ErrUnknownTarget)
	}
	if app.Status != store.ApplianceOnline {
		return nil, ErrApplianceOffline
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > TTLMax {
		ttl = TTLMax
	}

	if prior := s.dedup(ctx, req); prior != nil {
		return prior, nil
	}

	now := time.Now().UTC().Truncate(time.Second)
	orderID, err := s.newOrderID(now)
	if err != nil {
		return nil, fmt.Errorf("order id: %w", err)
	}

	issuedAt := now.Format(time.RFC3339)
	payload, err := envelope.OrderSigningBytes(orderID, req.SiteID, req.ApplianceID, req.RunbookID, req.Args, issuedAt, ttl)
	if err != nil {
		return nil, fmt.Errorf("order signing bytes: %w", err)
	}
	sig := hex.EncodeToString(ed25519.Sign(s.priv, payload))

	row := &store.OrderRow{
		OrderID:     orderID,
		SiteID:      req.SiteID,
		ApplianceID: req.ApplianceID,
		RunbookID:   req.RunbookID,
		Args:        req.Args,
		IssuedAt:    now,
		TTLSeconds:  ttl,
		IssuerSig:   sig,
		Status:      store.OrderPending,
		IssuedBy:    req.IssuedBy,
	}
	if err := s.st.InsertOrder(ctx, row); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	s.rememberOrder(ctx, req, orderID)

	metrics.OrdersIssued.Inc()
	s.pub.Publish(ctx, events.Event{
		Type:   events.TypeOrderStatus,
		SiteID: req.SiteID,
		IDs:    []string{orderID},
	})
	s.log.Info("order issued", "order_id", orderID, "site_id", req.SiteID,
		"appliance_id", req.ApplianceID, "runbook_id", req.RunbookID, "ttl", ttl, "by", req.IssuedBy)
	return row, nil
}

// Broadcast issues one order per online appliance at the site, each
// with its own id and signature.
func (s *Service) Broadcast(ctx context.Context, siteID, runbookID string, args map[string]string, ttlSeconds int, issuedBy string) ([]*store.OrderRow, error) {
	apps, err := s.st.ActiveAppliances(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, ErrApplianceOffline
	}

	var issued []*store.OrderRow
	for _, app := range apps {
		row, err := s.Issue(ctx, IssueRequest{
			SiteID:      siteID,
			ApplianceID: app.ApplianceID,
			RunbookID:   runbookID,
			Args:        args,
			TTLSeconds:  ttlSeconds,
			IssuedBy:    issuedBy,
		})
		if err != nil {
			return issued, fmt.Errorf("broadcast to %s: %w", app.ApplianceID, err)
		}
		issued = append(issued, row)
	}
	return issued, nil
}

func (s *Service) checkCatalogue(ctx context.Context, site *store.Site, runbookID string) error {
	// Chain recovery is plane-internal and never part of a site's
	// enabled set.
	if runbookID == ChainRecoverRunbook {
		return nil
	}

	rb, err := s.st.GetRunbook(ctx, runbookID)
	if err != nil {
		return err
	}
	if rb == nil || rb.Internal {
		return ErrRunbookNotInCatalogue
	}
	if len(site.EnabledRunbooks) > 0 {
		for _, id := range site.EnabledRunbooks {
			if id == runbookID {
				return nil
			}
		}
		return ErrRunbookNotInCatalogue
	}
	return nil
}

// dedup returns the prior order when an identical request is inside
// the window. Redis being down disables dedup rather than issuance.
func (s *Service) dedup(ctx context.Context, req IssueRequest) *store.OrderRow {
	if s.redis == nil {
		return nil
	}

	key := fmt.Sprintf("orders:dedup:%s:%s:%s:%s",
		req.SiteID, req.ApplianceID, req.RunbookID, argsHash(req.Args))

	// Reserve the key optimistically; the value is filled after issue.
	ok, err := s.redis.SetNX(ctx, key, "pending", dedupWindow)
	if err != nil {
		s.log.Warn("order dedup unavailable", "error", err)
		return nil
	}
	if ok {
		return nil
	}

	priorID, err := s.redis.Get(ctx, key)
	if err != nil || priorID == "" || priorID == "pending" {
		return nil
	}
	prior, err := s.st.GetOrder(ctx, priorID)
	if err != nil || prior == nil {
		return nil
	}
	s.log.Info("order collapsed onto prior", "order_id", priorID,
		"appliance_id", req.ApplianceID, "runbook_id", req.RunbookID)
	return prior
}

func (s *Service) rememberOrder(ctx context.Context, req IssueRequest, orderID string) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf("orders:dedup:%s:%s:%s:%s",
		req.SiteID, req.ApplianceID, req.RunbookID, argsHash(req.Args))
	if err := s.redis.Set(ctx, key, orderID, dedupWindow); err != nil {
		s.log.Warn("order dedup record failed", "error", err)
	}
}

// argsHash canonicalizes args to a stable digest.
func argsHash(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(args[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s *Service) newOrderID(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// checkTypeRunbooks maps a finding's check type to the runbooks that
// can heal it, mirroring the appliance's built-in rules.
var checkTypeRunbooks = map[string][]string{
	"service_health":    {"RB-LIN-SVC-001"},
	"firewall_baseline": {"RB-LIN-FW-001", "RB-WIN-SEC-001"},
	"patch_state":       {"RB-NIX-PATCH-001"},
	"backup_status":     {"RB-BACKUP-001"},
	"log_continuity":    {"RB-LOG-SHIP-001"},
	"time_sync":         {"RB-TIME-SYNC-001"},
}

// SelectRunbook picks the runbook for a check type under a site's
// catalogue. Site priority order breaks ties; an empty priority list
// falls back to the mapping order.
func (s *Service) SelectRunbook(site *store.Site, checkType string) (string, error) {
	candidates := checkTypeRunbooks[checkType]
	if len(candidates) == 0 {
		return "", ErrRunbookNotInCatalogue
	}

	eligible := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if len(site.EnabledRunbooks) == 0 || contains(site.EnabledRunbooks, id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return "", ErrRunbookNotInCatalogue
	}

	for _, preferred := range site.RunbookPriority {
		if contains(eligible, preferred) {
			return preferred, nil
		}
	}
	return eligible[0], nil
}

// IssueForIncident orders the selected runbook on the incident's
// appliance, carrying the check context so the appliance can verify
// the fix and clear its escalation.
func (s *Service) IssueForIncident(ctx context.Context, inc *store.Incident, issuedBy string) (*store.OrderRow, error) {
	site, err := s.st.GetSite(ctx, inc.SiteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, fmt.Errorf("site %s: %w", inc.SiteID, ErrUnknownTarget)
	}

	runbookID, err := s.SelectRunbook(site, inc.CheckType)
	if err != nil {
		return nil, err
	}
	return s.Issue(ctx, IssueRequest{
		SiteID:      inc.SiteID,
		ApplianceID: inc.ApplianceID,
		RunbookID:   runbookID,
		Args: map[string]string{
			"check_type": inc.CheckType,
			"scope":      inc.Scope,
		},
		IssuedBy: issuedBy,
	})
}

// actionToStatus maps a bundle's action_taken onto the order trail.
var actionToStatus = map[string]string{
	envelope.ActionL1:       store.OrderExecuted,
	envelope.ActionRejected: store.OrderRejected,
	envelope.ActionExpired:  store.OrderExpired,
	envelope.ActionFailed:   store.OrderFailed,
	envelope.ActionReverted: store.OrderReverted,
	envelope.ActionDeferred: store.OrderDeferred,
}

// RecordOutcome updates the order trail from an accepted bundle that
// carries an order attribution.
func (s *Service) RecordOutcome(ctx context.Context, b *envelope.Bundle) error {
	orderID, _ := b.PreState["order_id"].(string)
	if orderID == "" {
		return nil
	}
	status, ok := actionToStatus[b.ActionTaken]
	if !ok {
		return nil
	}

	if err := s.st.SetOrderOutcome(ctx, orderID, status, b.BundleID); err != nil {
		return fmt.Errorf("order outcome: %w", err)
	}
	s.pub.Publish(ctx, events.Event{
		Type:   events.TypeOrderStatus,
		SiteID: b.SiteID,
		IDs:    []string{orderID},
	})
	return nil
}

// Deliver returns an appliance's pending orders in wire form and marks
// them delivered.
func (s *Service) Deliver(ctx context.Context, applianceID string, now time.Time) ([]*store.OrderRow, error) {
	rows, err := s.st.PendingOrders(ctx, applianceID, now)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.OrderID)
	}
	if err := s.st.MarkDelivered(ctx, ids, now); err != nil {
		return nil, err
	}
	return rows, nil
}

// RunStaleSweeper periodically marks silent appliances offline and
// expires overdue orders.
func (s *Service) RunStaleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := s.st.MarkStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.log.Error("stale sweep failed", "error", err)
	} else if len(stale) > 0 {
		s.log.Warn("appliances marked offline", "count", len(stale), "ids", stale)
		s.pub.Publish(ctx, events.Event{Type: events.TypeApplianceCheckin, IDs: stale})
	}

	expired, err := s.st.SweepExpiredOrders(ctx, now)
	if err != nil {
		s.log.Error("order expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.log.Info("orders expired", "count", expired)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
