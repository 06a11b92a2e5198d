package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/osiriscare/fleet/internal/drift"
	"github.com/osiriscare/fleet/internal/envelope"
)

// RunbookChainRecover is the internal runbook ID an operator approves
// to re-anchor a forked evidence chain. It never executes steps.
const RunbookChainRecover = "RB-CHAIN-RECOVER"

// orderVerdict classifies an incoming order before execution.
type orderVerdict int

const (
	orderOK orderVerdict = iota
	orderRejected
	orderExpired
	orderReplay
)

// verifyOrder applies the acceptance gates in order: addressing,
// signature, TTL, replay. The TTL an order claims is capped by the
// local order_ttl_max_seconds so a compromised plane cannot mint
// long-lived instructions.
func (d *Daemon) verifyOrder(o Order, now time.Time) (orderVerdict, string) {
	if o.ApplianceID != "" && o.ApplianceID != d.cfg.ApplianceID {
		return orderRejected, "wrong_appliance"
	}
	if o.SiteID != "" && o.SiteID != d.cfg.SiteID {
		return orderRejected, "wrong_site"
	}

	payload, err := envelope.OrderSigningBytes(
		o.OrderID, o.SiteID, o.ApplianceID, o.RunbookID, o.Args, o.IssuedAt, o.TTLSeconds)
	if err != nil {
		return orderRejected, "unsignable_payload"
	}
	if err := d.issuer.VerifyPayload(payload, o.IssuerSig); err != nil {
		return orderRejected, "bad_signature"
	}

	issuedAt, err := time.Parse(time.RFC3339, o.IssuedAt)
	if err != nil {
		return orderRejected, "bad_issued_at"
	}
	ttl := o.TTLSeconds
	if ttl <= 0 || ttl > d.cfg.OrderTTLMaxSeconds {
		ttl = d.cfg.OrderTTLMaxSeconds
	}
	if now.After(issuedAt.Add(time.Duration(ttl) * time.Second)) {
		return orderExpired, fmt.Sprintf("expired_at_%s", issuedAt.Add(time.Duration(ttl)*time.Second).UTC().Format(time.RFC3339))
	}

	executed, err := d.queue.WasExecuted(o.OrderID)
	if err != nil {
		// A journal read failure must not allow a duplicate run.
		return orderRejected, "executed_set_unavailable"
	}
	if executed {
		return orderReplay, "already_executed"
	}
	return orderOK, ""
}

// processOrders verifies and executes this tick's orders. Every
// terminal verdict produces evidence; replays are silent because the
// original execution already did.
func (d *Daemon) processOrders(ctx context.Context, orders []Order) {
	now := d.now()
	for _, o := range orders {
		verdict, reason := d.verifyOrder(o, now)
		switch verdict {
		case orderReplay:
			log.Printf("[daemon] order %s already executed, skipping", o.OrderID)
			continue
		case orderRejected:
			log.Printf("[daemon] order %s rejected: %s", o.OrderID, reason)
			d.emitOrderEvidence(o, envelope.ActionRejected, map[string]any{"reason": reason}, nil)
			continue
		case orderExpired:
			log.Printf("[daemon] order %s expired: %s", o.OrderID, reason)
			d.emitOrderEvidence(o, envelope.ActionExpired, map[string]any{"reason": reason}, nil)
			continue
		}

		d.executeOrder(ctx, o)
	}
}

// executeOrder runs one verified order. The order ID is journaled
// before the first step so a crash mid-runbook can never double-run.
func (d *Daemon) executeOrder(ctx context.Context, o Order) {
	if o.RunbookID == RunbookChainRecover {
		d.approveChainRecovery(o)
		return
	}

	rb, ok := d.catalogue.Get(o.RunbookID)
	if !ok {
		d.emitOrderEvidence(o, envelope.ActionRejected, map[string]any{"reason": "unknown_runbook"}, nil)
		return
	}
	if rb.Internal {
		d.emitOrderEvidence(o, envelope.ActionRejected, map[string]any{"reason": "internal_runbook"}, nil)
		return
	}

	if rb.Disruptive {
		if d.disruptiveSuppressed() {
			d.emitOrderEvidence(o, envelope.ActionDeferred, map[string]any{"reason": "clock_unsynced"}, nil)
			return
		}
		if !d.windows.Allow(d.now()) && !d.cfg.AllowDisruptiveOutsideWindow {
			d.emitOrderEvidence(o, envelope.ActionDeferred, map[string]any{"reason": "outside_maintenance_window"}, nil)
			return
		}
	}
	if d.cfg.HealingDryRun {
		d.emitOrderEvidence(o, envelope.ActionDeferred, map[string]any{
			"reason":    "dry_run",
			"would_run": rb.ID,
		}, nil)
		return
	}

	if err := d.queue.MarkExecuted(o.OrderID); err != nil {
		log.Printf("[daemon] cannot journal order %s: %v", o.OrderID, err)
		d.emitOrderEvidence(o, envelope.ActionRejected, map[string]any{"reason": "journal_unavailable"}, nil)
		return
	}

	scope := o.Args["scope"]
	if scope == "" {
		scope = "local"
	}

	log.Printf("[daemon] executing order %s: runbook %s on %s", o.OrderID, rb.ID, scope)
	result := d.engine.ExecuteRunbook(ctx, rb, scope, o.Args)
	detail := map[string]any{"execution": result}

	if result.Failed {
		action := envelope.ActionFailed
		if rb.RollbackAvailable && len(result.Steps) > 0 {
			steps, rbErr := d.engine.Rollback(ctx, rb, scope, o.Args)
			detail["rollback"] = steps
			if rbErr == nil {
				action = envelope.ActionReverted
			}
		}
		d.emitOrderEvidence(o, action, detail, nil)
		return
	}

	// A fresh order is the operator's answer to an escalation; let the
	// local tiers try again if the same finding recurs.
	if checkType := o.Args["check_type"]; checkType != "" {
		d.healer.ClearEscalation(drift.Fingerprint(checkType, scope))
	}

	post := map[string]any{"status": "ok"}
	d.emitOrderEvidence(o, envelope.ActionL1, detail, post)
}

// emitOrderEvidence writes one bundle for an order outcome. Orders
// carry their originating check context in args so the plane can
// resolve the incident the order was issued for.
func (d *Daemon) emitOrderEvidence(o Order, action string, detail, postState map[string]any) {
	checkType := o.Args["check_type"]
	if checkType == "" {
		checkType = "order"
	}
	scope := o.Args["scope"]
	if scope == "" {
		scope = "local"
	}

	pre := map[string]any{
		"order_id":   o.OrderID,
		"runbook_id": o.RunbookID,
		"scope":      scope,
	}
	for k, v := range detail {
		pre[k] = v
	}

	rollback := false
	if rb, ok := d.catalogue.Get(o.RunbookID); ok {
		rollback = rb.RollbackAvailable
	}

	d.emitBundle(checkType, pre, postState, action, rollback)
}

// approveChainRecovery is the operator's go-ahead after a chain fork:
// adopt the plane's head and emit the single chain_recovery bundle.
func (d *Daemon) approveChainRecovery(o Order) {
	if err := d.queue.MarkExecuted(o.OrderID); err != nil {
		log.Printf("[daemon] cannot journal recovery order %s: %v", o.OrderID, err)
		return
	}
	expected := o.Args["expected_head"]
	if expected == "" {
		expected = d.recoveryExpectedHead()
	}
	if expected == "" {
		log.Printf("[daemon] recovery order %s carries no expected head and none is cached", o.OrderID)
		return
	}
	d.completeRecovery(expected, o.OrderID)
}
