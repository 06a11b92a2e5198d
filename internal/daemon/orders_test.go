package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/osiriscare/fleet/internal/drift"
	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/healing"
	"github.com/osiriscare/fleet/internal/queue"
)

func TestVerifyOrderAcceptsSignedOrder(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)

	o := env.order(t, "RB-LIN-SVC-001", map[string]string{"unit": "postgresql.service"})
	verdict, reason := env.d.verifyOrder(o, at)
	if verdict != orderOK {
		t.Fatalf("verdict = %d (%s), want ok", verdict, reason)
	}
}

func TestVerifyOrderRejections(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)
	d := env.d

	good := env.order(t, "RB-LIN-SVC-001", map[string]string{"unit": "postgresql.service"})

	cases := []struct {
		name   string
		mutate func(Order) Order
		reason string
	}{
		{"wrong appliance", func(o Order) Order {
			o.ApplianceID = "site-001-FF:FF:FF:FF:FF:FF"
			return env.signOrder(t, o)
		}, "wrong_appliance"},
		{"wrong site", func(o Order) Order {
			o.SiteID = "site-999"
			return env.signOrder(t, o)
		}, "wrong_site"},
		{"tampered args", func(o Order) Order {
			// Signature covers the original args.
			o.Args = map[string]string{"unit": "sshd.service"}
			return o
		}, "bad_signature"},
		{"missing signature", func(o Order) Order {
			o.IssuerSig = ""
			return o
		}, "bad_signature"},
		{"bad issued_at", func(o Order) Order {
			o.IssuedAt = "yesterday"
			return env.signOrder(t, o)
		}, "bad_issued_at"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, reason := d.verifyOrder(tc.mutate(good), at)
			if verdict != orderRejected {
				t.Fatalf("verdict = %d, want rejected", verdict)
			}
			if reason != tc.reason {
				t.Fatalf("reason = %q, want %q", reason, tc.reason)
			}
		})
	}
}

func TestVerifyOrderExpiry(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)
	d := env.d

	// 300s TTL, issued six minutes ago.
	stale := env.signOrder(t, Order{
		OrderID:     "ORD-STALE",
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		RunbookID:   "RB-LIN-SVC-001",
		IssuedAt:    at.Add(-6 * time.Minute).Format(time.RFC3339),
		TTLSeconds:  300,
	})
	if verdict, _ := d.verifyOrder(stale, at); verdict != orderExpired {
		t.Fatalf("verdict = %d, want expired", verdict)
	}

	// A claimed 24h TTL is capped by the local 900s limit: an order
	// issued 16 minutes ago is dead no matter what it says.
	capped := env.signOrder(t, Order{
		OrderID:     "ORD-LONG",
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		RunbookID:   "RB-LIN-SVC-001",
		IssuedAt:    at.Add(-16 * time.Minute).Format(time.RFC3339),
		TTLSeconds:  86400,
	})
	if verdict, _ := d.verifyOrder(capped, at); verdict != orderExpired {
		t.Fatalf("verdict = %d, want expired under the local TTL cap", verdict)
	}

	// Inside the cap it is still good.
	fresh := env.signOrder(t, Order{
		OrderID:     "ORD-FRESH",
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		RunbookID:   "RB-LIN-SVC-001",
		IssuedAt:    at.Add(-10 * time.Minute).Format(time.RFC3339),
		TTLSeconds:  86400,
	})
	if verdict, reason := d.verifyOrder(fresh, at); verdict != orderOK {
		t.Fatalf("verdict = %d (%s), want ok", verdict, reason)
	}
}

func TestVerifyOrderReplay(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)
	d := env.d

	o := env.order(t, "RB-LIN-SVC-001", map[string]string{"unit": "postgresql.service"})
	if err := d.queue.MarkExecuted(o.OrderID); err != nil {
		t.Fatalf("journal: %v", err)
	}
	verdict, reason := d.verifyOrder(o, at)
	if verdict != orderReplay || reason != "already_executed" {
		t.Fatalf("verdict = %d (%s), want replay", verdict, reason)
	}
}

func TestProcessOrdersEmitsVerdictEvidence(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)
	d := env.d

	forged := Order{
		OrderID:     "ORD-FORGED",
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		RunbookID:   "RB-LIN-SVC-001",
		IssuedAt:    at.Format(time.RFC3339),
		TTLSeconds:  300,
		IssuerSig:   "deadbeef",
	}
	expired := env.signOrder(t, Order{
		OrderID:     "ORD-EXPIRED",
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		RunbookID:   "RB-LIN-SVC-001",
		IssuedAt:    at.Add(-20 * time.Minute).Format(time.RFC3339),
		TTLSeconds:  300,
	})
	replayed := env.order(t, "RB-LIN-SVC-001", map[string]string{"unit": "postgresql.service"})
	if err := d.queue.MarkExecuted(replayed.OrderID); err != nil {
		t.Fatalf("journal: %v", err)
	}

	d.processOrders(context.Background(), []Order{forged, expired, replayed})

	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 2 {
		t.Fatalf("bundles = %d, want rejected + expired (replay is silent)", len(bundles))
	}
	if bundles[0].ActionTaken != envelope.ActionRejected || bundles[0].CheckType != "order" {
		t.Fatalf("first = %s/%s", bundles[0].CheckType, bundles[0].ActionTaken)
	}
	if bundles[0].PreState["reason"] != "bad_signature" || bundles[0].PreState["order_id"] != "ORD-FORGED" {
		t.Fatalf("rejection pre = %v", bundles[0].PreState)
	}
	if bundles[1].ActionTaken != envelope.ActionExpired {
		t.Fatalf("second = %s", bundles[1].ActionTaken)
	}
	// Forged and expired orders never reach the journal.
	if done, _ := d.queue.WasExecuted("ORD-FORGED"); done {
		t.Fatal("forged order journaled")
	}
}

func TestExecuteOrderRunsRunbook(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	env.freeze(at)
	d := env.d

	// The order answers an escalation for this finding.
	fp := drift.Fingerprint(drift.CheckServiceHealth, "local")
	d.healer.RestoreEscalations(map[string]time.Time{fp: at.Add(-5 * time.Minute)})

	o := env.order(t, "RB-LIN-SVC-001", map[string]string{
		"unit":       "postgresql.service",
		"check_type": drift.CheckServiceHealth,
	})
	d.processOrders(context.Background(), []Order{o})

	if !env.runner.sawStep("restart unit") || !env.runner.sawStep("unit active") {
		t.Fatalf("runbook steps missing: %v", env.runner.calls)
	}
	done, err := d.queue.WasExecuted(o.OrderID)
	if err != nil || !done {
		t.Fatalf("order not journaled: %v/%v", done, err)
	}

	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 {
		t.Fatalf("bundles = %d", len(bundles))
	}
	b := bundles[0]
	if b.ActionTaken != envelope.ActionL1 || b.CheckType != drift.CheckServiceHealth {
		t.Fatalf("bundle = %s/%s", b.CheckType, b.ActionTaken)
	}
	if b.PreState["order_id"] != o.OrderID || b.PreState["runbook_id"] != "RB-LIN-SVC-001" {
		t.Fatalf("pre = %v", b.PreState)
	}
	if b.PostState["status"] != "ok" {
		t.Fatalf("post = %v", b.PostState)
	}

	if _, held := d.healer.Escalations()[fp]; held {
		t.Fatal("escalation cooldown survived the operator's order")
	}

	// The same order again is a replay: no second execution.
	calls := len(env.runner.calls)
	d.processOrders(context.Background(), []Order{o})
	if len(env.runner.calls) != calls {
		t.Fatal("replayed order ran again")
	}
}

func TestExecuteOrderUnknownRunbook(t *testing.T) {
	env := newTestEnv(t)
	env.freeze(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	d := env.d

	o := env.order(t, "RB-NOPE-001", nil)
	d.processOrders(context.Background(), []Order{o})

	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 || bundles[0].ActionTaken != envelope.ActionRejected {
		t.Fatalf("bundles = %+v", bundles)
	}
	if bundles[0].PreState["reason"] != "unknown_runbook" {
		t.Fatalf("reason = %v", bundles[0].PreState["reason"])
	}
}

func TestExecuteOrderDryRunDefers(t *testing.T) {
	env := newTestEnv(t)
	env.freeze(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	d := env.d
	d.cfg.HealingDryRun = true

	o := env.order(t, "RB-LIN-SVC-001", map[string]string{"unit": "postgresql.service"})
	d.processOrders(context.Background(), []Order{o})

	if len(env.runner.calls) != 0 {
		t.Fatalf("dry run dispatched steps: %v", env.runner.calls)
	}
	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 || bundles[0].ActionTaken != envelope.ActionDeferred {
		t.Fatalf("bundles = %+v", bundles)
	}
	if bundles[0].PreState["reason"] != "dry_run" {
		t.Fatalf("reason = %v", bundles[0].PreState["reason"])
	}
	// Deferred orders stay executable later.
	if done, _ := d.queue.WasExecuted(o.OrderID); done {
		t.Fatal("dry run consumed the order")
	}
}

func TestExecuteOrderDisruptiveGates(t *testing.T) {
	at := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*testEnv, Order) {
		env := newTestEnv(t)
		env.freeze(at)
		// Window is 02:00-06:00; noon is outside it.
		ws, err := healing.ParseWindows([]string{"02:00-06:00"})
		if err != nil {
			t.Fatalf("windows: %v", err)
		}
		env.d.windows = ws
		return env, env.order(t, "RB-NIX-PATCH-001", nil)
	}

	t.Run("outside window", func(t *testing.T) {
		env, o := setup(t)
		env.d.processOrders(context.Background(), []Order{o})

		bundles := queuedBundles(t, env.d.queue)
		if len(bundles) != 1 || bundles[0].ActionTaken != envelope.ActionDeferred {
			t.Fatalf("bundles = %+v", bundles)
		}
		if bundles[0].PreState["reason"] != "outside_maintenance_window" {
			t.Fatalf("reason = %v", bundles[0].PreState["reason"])
		}
		if len(env.runner.calls) != 0 {
			t.Fatalf("steps ran outside the window: %v", env.runner.calls)
		}
	})

	t.Run("clock suppressed", func(t *testing.T) {
		env, o := setup(t)
		env.d.setSuppressDisruptive(true)
		env.d.processOrders(context.Background(), []Order{o})

		bundles := queuedBundles(t, env.d.queue)
		if len(bundles) != 1 || bundles[0].PreState["reason"] != "clock_unsynced" {
			t.Fatalf("bundles = %+v", bundles)
		}
	})

	t.Run("override executes", func(t *testing.T) {
		env, o := setup(t)
		env.d.cfg.AllowDisruptiveOutsideWindow = true
		env.d.processOrders(context.Background(), []Order{o})

		if !env.runner.sawStep("activate approved generation") {
			t.Fatalf("switch never ran: %v", env.runner.calls)
		}
		bundles := queuedBundles(t, env.d.queue)
		if len(bundles) != 1 || bundles[0].ActionTaken != envelope.ActionL1 {
			t.Fatalf("bundles = %+v", bundles)
		}
	})
}

func TestExecuteOrderFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.freeze(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	d := env.d
	env.runner.fail["restart nftables"] = true

	o := env.order(t, "RB-LIN-FW-001", nil)
	d.processOrders(context.Background(), []Order{o})

	if !env.runner.sawStep("restore snapshot") {
		t.Fatalf("rollback never ran: %v", env.runner.calls)
	}
	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 {
		t.Fatalf("bundles = %d", len(bundles))
	}
	b := bundles[0]
	if b.ActionTaken != envelope.ActionReverted {
		t.Fatalf("action = %s, want reverted", b.ActionTaken)
	}
	if !b.RollbackAvailable {
		t.Fatal("rollback capability not recorded")
	}
	// Failed-then-reverted still consumes the order.
	if done, _ := d.queue.WasExecuted(o.OrderID); !done {
		t.Fatal("order not journaled before execution")
	}
}

func TestExecuteOrderRollbackFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.freeze(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	d := env.d
	env.runner.fail["restart nftables"] = true
	env.runner.fail["restore snapshot"] = true

	o := env.order(t, "RB-LIN-FW-001", nil)
	d.processOrders(context.Background(), []Order{o})

	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 || bundles[0].ActionTaken != envelope.ActionFailed {
		t.Fatalf("bundles = %+v, want failed", bundles)
	}
}

func TestExecuteOrderInternalRunbookRejected(t *testing.T) {
	env := newTestEnv(t)
	env.freeze(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	d := env.d

	// Forge a catalogue entry the plane should never order directly.
	d.catalogue.Apply([]*healing.Runbook{{
		ID:       "RB-INTERNAL-X",
		Name:     "internal maintenance",
		Internal: true,
	}})

	o := env.order(t, "RB-INTERNAL-X", nil)
	d.processOrders(context.Background(), []Order{o})

	bundles := queuedBundles(t, d.queue)
	if len(bundles) != 1 || bundles[0].PreState["reason"] != "internal_runbook" {
		t.Fatalf("bundles = %+v", bundles)
	}
	if n, _ := d.queue.Size(queue.KindIncidents); n != 0 {
		t.Fatalf("unexpected alerts: %d", n)
	}
}
