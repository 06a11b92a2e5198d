package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/osiriscare/fleet/internal/drift"
	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/healing"
	"github.com/osiriscare/fleet/internal/planner"
	"github.com/osiriscare/fleet/internal/queue"
	"github.com/osiriscare/fleet/internal/remote"
	"github.com/osiriscare/fleet/internal/sdnotify"
)

// Version is reported on check-in and carried in the agent User-Agent.
const Version = "1.4.2"

// Daemon is the appliance agent: one serialized tick loop that checks
// in, pulls credentials and orders, scans for drift, heals, and emits
// chained evidence. Nothing here listens; the appliance only dials out.
type Daemon struct {
	cfg    *Config
	queue  *queue.Queue
	client *Client

	signKey ed25519.PrivateKey
	pubHex  string
	issuer  *envelope.IssuerVerifier

	dispatcher *remote.Dispatcher
	catalogue  *healing.Catalogue
	engine     *healing.Engine
	healer     *healing.Healer
	windows    healing.Windows
	flap       *drift.FlapDetector
	timeCheck  *drift.TimeSyncCheck

	staticIndex map[string]drift.Check

	revision string
	digest   string

	mu          sync.Mutex
	state       State
	recoveryBuf []*envelope.Bundle
	rulesHash   string
	rulesVer    int
	checkIndex  map[string]drift.Check
	winHosts    []string
	suppress    bool

	now func() time.Time
}

// New wires the agent from its configuration. Fatal problems (journal
// unusable, key material unwritable, config invalid) error out here;
// everything after boot degrades instead of exiting.
func New(cfg *Config) (*Daemon, error) {
	q, err := queue.Open(cfg.QueueDir, cfg.QueueHardCapMB, cfg.QueueRetainDays)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	signKey, pubHex, err := envelope.LoadOrCreateSigningKey(cfg.SeedPath())
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("signing key: %w", err)
	}

	issuer := envelope.NewIssuerVerifier(cfg.PlaneIssuerPubkey)
	if !issuer.HasKey() {
		q.Close()
		return nil, fmt.Errorf("plane_issuer_pubkey is not a usable Ed25519 key")
	}

	windows, err := healing.ParseWindows(splitWindowSpecs(cfg.MaintenanceWindow))
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("maintenance_window: %w", err)
	}

	client, err := NewClient(cfg)
	if err != nil {
		q.Close()
		return nil, err
	}

	dispatcher := remote.NewDispatcher(cfg.KnownHostsPath())
	catalogue := healing.NewCatalogue()
	engine := healing.NewEngine(cfg.RulesDir(), catalogue, dispatcher)

	pl := planner.New(planner.Config{
		PlaneURL:    cfg.PlaneBaseURL,
		SiteID:      cfg.SiteID,
		ApplianceID: cfg.ApplianceID,
		Budget: planner.BudgetConfig{
			DailyBudgetUSD:     cfg.PlannerBudget.DailyBudgetUSD,
			MaxCallsPerHour:    cfg.PlannerBudget.MaxCallsPerHour,
			MaxConcurrentCalls: cfg.PlannerBudget.MaxConcurrentCalls,
		},
		HTTPClient: client.HTTPClient(),
	})

	healer := healing.NewHealer(engine, pl, healing.HealerOptions{
		Windows: windows,
		DryRun:  cfg.HealingDryRun,
	})

	st := loadState(cfg.StatePath())
	healer.RestoreEscalations(st.savedEscalations())

	seed, err := envelope.RulesSigningBytes(0, nil)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("ruleset hash: %w", err)
	}
	sum := sha256.Sum256(seed)

	d := &Daemon{
		cfg:         cfg,
		queue:       q,
		client:      client,
		signKey:     signKey,
		pubHex:      pubHex,
		issuer:      issuer,
		dispatcher:  dispatcher,
		catalogue:   catalogue,
		engine:      engine,
		healer:      healer,
		windows:     windows,
		flap:        drift.NewFlapDetector(),
		timeCheck:   drift.NewTimeSyncCheck(cfg.NTPServers, time.Duration(cfg.NTPMaxSkewMs)*time.Millisecond),
		staticIndex: buildStaticChecks(cfg),
		revision:    nixosRevision(),
		digest:      currentSystemDigest(),
		state:       st,
		rulesHash:   hex.EncodeToString(sum[:]),
		now:         time.Now,
	}
	d.rebuildChecks()

	if st.Recovery {
		log.Printf("[daemon] resuming in chain recovery (fork detected %s, plane head %s)",
			st.RecoveryDetectedAt, shortHash(st.RecoveryExpectedHead))
	}
	return d, nil
}

// Run is the agent main loop. It ticks immediately, then every
// tick_seconds with 10% jitter, until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Printf("[daemon] agent %s starting: site=%s appliance=%s revision=%s",
		Version, d.cfg.SiteID, d.cfg.ApplianceID, d.revision)
	defer d.dispatcher.Close()
	defer d.queue.Close()

	sdnotify.Ready()
	defer sdnotify.Stopping()

	for {
		d.tick(ctx)
		sdnotify.Watchdog()

		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-time.After(d.jitteredInterval()):
		}
	}
}

// tick runs one full cycle. Steps are strictly ordered: a tick that
// cannot check in still scans and heals from cached rules, and every
// step's output lands in the journal before the flush at the end.
func (d *Daemon) tick(ctx context.Context) {
	start := d.now()

	suppress := d.clockSanity(ctx)
	d.setSuppressDisruptive(suppress)

	resp, err := d.checkin(ctx)
	if err != nil {
		d.noteCheckinFailure(err)
	} else {
		d.applyTargets(resp)
		d.applyRules(resp)
		d.processOrders(ctx, resp.Orders)
	}

	d.scan(ctx)

	d.flushQueues(ctx)
	d.maybeClearDegraded()

	if _, err := d.queue.PruneExecuted(2 * time.Duration(d.cfg.OrderTTLMaxSeconds) * time.Second); err != nil {
		log.Printf("[daemon] prune executed orders: %v", err)
	}

	d.saveState()
	log.Printf("[daemon] tick done in %s", d.now().Sub(start).Round(time.Millisecond))
}

// shutdown is the SIGTERM path: persist state and let the deferred
// closes fsync the journal.
func (d *Daemon) shutdown() {
	log.Printf("[daemon] shutting down")
	d.saveState()
}

// jitteredInterval spreads the fleet's ticks so a site's appliances do
// not stampede the plane on the minute.
func (d *Daemon) jitteredInterval() time.Duration {
	base := time.Duration(d.cfg.TickSeconds) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base/5))) - base/10
	return base + jitter
}

// clockSanity measures NTP offset and emits the time_sync observation.
// Offset beyond tolerance suppresses disruptive work for the tick:
// maintenance window membership cannot be trusted on a skewed clock.
func (d *Daemon) clockSanity(ctx context.Context) bool {
	if len(d.cfg.NTPServers) == 0 {
		return false
	}
	ntpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	f := d.timeCheck.Run(ntpCtx)
	switch f.Status {
	case drift.StatusDrift:
		d.emitBundle(f.CheckType, findingPre(f), nil, envelope.ActionNone, false)
		d.enqueueAlert("fail", "time_sync", "time_sync:"+d.cfg.ApplianceID,
			fmt.Sprintf("clock offset beyond %d ms, disruptive healing suppressed", d.cfg.NTPMaxSkewMs),
			f.PreState)
		return true
	case drift.StatusError:
		log.Printf("[daemon] time sync unmeasurable: %v", f.PreState["error"])
		return false
	default:
		d.emitBundle(f.CheckType, findingPre(f), map[string]any{"status": "ok"}, envelope.ActionNone, false)
		return false
	}
}

func (d *Daemon) setSuppressDisruptive(on bool) {
	d.mu.Lock()
	changed := d.suppress != on
	d.suppress = on
	d.mu.Unlock()
	d.healer.SuppressDisruptive(on)
	if changed && on {
		log.Printf("[daemon] disruptive actions suppressed for this tick")
	}
}

func (d *Daemon) disruptiveSuppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppress
}

// checkin reports to the plane and drains offline heartbeats into the
// request. Heartbeats are only acked once the plane has them.
func (d *Daemon) checkin(ctx context.Context) (*CheckinResponse, error) {
	head, _, ok, err := d.queue.ChainHead()
	if err != nil || !ok {
		head = envelope.GenesisPrevHash
	}

	req := CheckinRequest{
		SiteID:         d.cfg.SiteID,
		ApplianceID:    d.cfg.ApplianceID,
		Hostname:       hostname(),
		AgentVersion:   Version,
		UptimeSeconds:  uptimeSeconds(),
		RulesetHash:    d.currentRulesetHash(),
		ChainHeadHash:  head,
		AgentPublicKey: d.pubHex,
	}

	hbItems, err := d.queue.Head(queue.KindHeartbeats, flushBatch)
	if err == nil {
		for _, it := range hbItems {
			var hb Heartbeat
			if json.Unmarshal(it.Payload, &hb) == nil {
				req.OfflineHeartbeats = append(req.OfflineHeartbeats, hb)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := d.client.Checkin(callCtx, req)
	if err != nil {
		return nil, err
	}

	if n := len(hbItems); n > 0 {
		if err := d.queue.Ack(queue.KindHeartbeats, hbItems[n-1].Seq); err != nil {
			log.Printf("[daemon] ack heartbeats: %v", err)
		}
	}

	d.mu.Lock()
	d.state.LastCheckin = d.now().UTC().Format(time.RFC3339)
	d.mu.Unlock()
	return resp, nil
}

// noteCheckinFailure journals a heartbeat for later delivery and drops
// any held credentials; they are only ever valid for one cycle.
func (d *Daemon) noteCheckinFailure(err error) {
	log.Printf("[daemon] check-in failed: %v", err)

	d.dispatcher.SetTargets(nil, nil)
	d.mu.Lock()
	d.winHosts = nil
	d.mu.Unlock()
	d.rebuildChecks()

	depth, sizeErr := d.queue.Size(queue.KindEvidence)
	if sizeErr != nil {
		depth = -1
	}
	hb := Heartbeat{
		At:            d.now().UTC().Format(time.RFC3339),
		UptimeSeconds: uptimeSeconds(),
		QueueDepth:    depth,
	}
	payload, mErr := json.Marshal(hb)
	if mErr != nil {
		return
	}
	if qErr := d.queue.Enqueue(queue.KindHeartbeats, payload); qErr != nil {
		log.Printf("[daemon] cannot journal heartbeat: %v", qErr)
	}
}

// applyTargets swaps the in-memory credential table. Credentials never
// touch disk and are replaced wholesale every cycle.
func (d *Daemon) applyTargets(resp *CheckinResponse) {
	wins := make([]remote.WindowsTarget, 0, len(resp.WindowsTargets))
	hosts := make([]string, 0, len(resp.WindowsTargets))
	for _, w := range resp.WindowsTargets {
		wins = append(wins, remote.WindowsTarget{
			Host:     w.Host,
			Port:     w.Port,
			Username: w.Username,
			Secret:   w.Secret,
			UseSSL:   w.UseSSL,
		})
		hosts = append(hosts, w.Host)
	}
	lins := make([]remote.LinuxTarget, 0, len(resp.LinuxTargets))
	for _, l := range resp.LinuxTargets {
		lins = append(lins, remote.LinuxTarget{
			Host:       l.Host,
			Port:       l.Port,
			Username:   l.Username,
			Secret:     l.Secret,
			PrivateKey: l.PrivateKey,
		})
	}
	d.dispatcher.SetTargets(wins, lins)

	d.mu.Lock()
	d.winHosts = hosts
	d.mu.Unlock()
	d.rebuildChecks()
}

// applyRules installs the plane's runbook and rule updates. A rules
// snapshot is only adopted when its issuer signature verifies against
// the pinned plane key.
func (d *Daemon) applyRules(resp *CheckinResponse) {
	if len(resp.EnabledRunbooks) > 0 {
		d.catalogue.SetEnabled(resp.EnabledRunbooks)
	}
	if len(resp.Runbooks) > 0 {
		var rbs []*healing.Runbook
		if err := json.Unmarshal(resp.Runbooks, &rbs); err != nil {
			log.Printf("[daemon] bad runbook sync payload: %v", err)
		} else {
			d.catalogue.Apply(rbs)
		}
	}

	snap := resp.RulesSnapshot
	if snap == nil {
		return
	}
	d.mu.Lock()
	current := d.rulesVer
	d.mu.Unlock()
	if snap.Version == current {
		return
	}

	payload, err := envelope.RulesSigningBytes(snap.Version, snap.Rules)
	if err != nil {
		log.Printf("[daemon] rules snapshot v%d unhashable: %v", snap.Version, err)
		return
	}
	if err := d.issuer.VerifyPayload(payload, snap.Signature); err != nil {
		log.Printf("[daemon] rules snapshot v%d signature rejected: %v", snap.Version, err)
		return
	}

	var rules []*healing.Rule
	if err := json.Unmarshal(snap.Rules, &rules); err != nil {
		log.Printf("[daemon] rules snapshot v%d unparsable: %v", snap.Version, err)
		return
	}
	d.engine.ApplyRules(snap.Version, rules)

	sum := sha256.Sum256(payload)
	d.mu.Lock()
	d.rulesVer = snap.Version
	d.rulesHash = hex.EncodeToString(sum[:])
	d.mu.Unlock()
}

func (d *Daemon) currentRulesetHash() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rulesHash
}

// scan runs every registered check, marks flapping findings, heals the
// failing ones and records evidence for all of them.
func (d *Daemon) scan(ctx context.Context) {
	checks := d.currentChecks()
	if len(checks) == 0 {
		return
	}

	reg := drift.NewRegistry(4)
	for _, c := range checks {
		reg.Register(c)
	}
	findings := reg.RunAll(ctx)

	for i := range findings {
		f := &findings[i]
		f.Flapping = d.flap.Observe(f.Fingerprint, !f.Failed())
	}

	// RunAll orders findings worst-first; heal in that order so a
	// partial tick covers the most severe drift.
	for _, f := range findings {
		if ctx.Err() != nil {
			return
		}
		if !f.Failed() {
			d.emitBundle(f.CheckType, findingPre(f), map[string]any{"status": "ok"}, envelope.ActionNone, false)
			continue
		}
		out := d.healer.Heal(ctx, f, d.recheckFunc(f))
		d.recordOutcome(f, out)
	}

	d.mu.Lock()
	d.state.LastScan = d.now().UTC().Format(time.RFC3339)
	d.mu.Unlock()
}

// recordOutcome turns one healing outcome into evidence, plus the
// pattern report or operator alert the tier result calls for.
func (d *Daemon) recordOutcome(f drift.Finding, out healing.Outcome) {
	pre := findingPre(f)
	if out.RuleID != "" {
		pre["rule_id"] = out.RuleID
	}
	if out.RunbookID != "" {
		pre["runbook_id"] = out.RunbookID
	}
	if out.Reason != "" {
		pre["reason"] = out.Reason
	}
	if out.Rationale != "" {
		pre["rationale"] = out.Rationale
	}
	if out.Confidence > 0 {
		pre["confidence"] = out.Confidence
	}
	for k, v := range out.Detail {
		pre[k] = v
	}

	d.emitBundle(f.CheckType, pre, out.PostState, out.Action, out.RollbackAvailable)

	if success, report := patternReportFor(out); report {
		d.enqueuePattern(f, out, success)
	}

	if out.Action == envelope.ActionL3Escalate {
		d.enqueueAlert("fail", "escalation", "escalation:"+f.Fingerprint,
			fmt.Sprintf("%s on %s needs an operator: %s", f.CheckType, f.Scope, out.Reason),
			map[string]any{
				"check_type":  f.CheckType,
				"scope":       f.Scope,
				"fingerprint": f.Fingerprint,
				"severity":    string(f.Severity),
				"reason":      out.Reason,
				"rule_id":     out.RuleID,
				"runbook_id":  out.RunbookID,
			})
	}
}

// patternReportFor classifies an outcome for pattern accounting: L2
// successes and L2 failures both count, everything else is invisible
// to promotion.
func patternReportFor(out healing.Outcome) (success, report bool) {
	switch out.Action {
	case envelope.ActionL2:
		return true, true
	case envelope.ActionFailed, envelope.ActionReverted:
		return false, out.Confidence > 0
	case envelope.ActionL3Escalate:
		if out.Detail != nil {
			_, tried := out.Detail["l2_attempt"]
			return false, tried
		}
	}
	return false, false
}

func (d *Daemon) enqueuePattern(f drift.Finding, out healing.Outcome, success bool) {
	r := PatternReport{
		SiteID:       d.cfg.SiteID,
		ApplianceID:  d.cfg.ApplianceID,
		IncidentType: f.CheckType,
		Scope:        f.Scope,
		RunbookID:    out.RunbookID,
		Success:      success,
		Confidence:   out.Confidence,
		CreatedAt:    d.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := d.queue.Enqueue(queue.KindPatterns, payload); err != nil {
		log.Printf("[daemon] cannot journal pattern report: %v", err)
	}
}

// findingPre shapes a finding's observation for its bundle. Scope
// always travels so the plane can recompute the fingerprint.
func findingPre(f drift.Finding) map[string]any {
	pre := make(map[string]any, len(f.PreState)+2)
	for k, v := range f.PreState {
		pre[k] = v
	}
	pre["scope"] = f.Scope
	if f.Flapping {
		pre["flap_suppressed"] = true
	}
	return pre
}

// recheckFunc re-runs the check that produced a finding so a heal is
// only claimed on a confirmed return to baseline. A check that is no
// longer registered returns the original finding, still failing.
func (d *Daemon) recheckFunc(f drift.Finding) healing.RecheckFunc {
	return func(ctx context.Context) drift.Finding {
		d.mu.Lock()
		c := d.checkIndex[f.Fingerprint]
		d.mu.Unlock()
		if c == nil {
			return f
		}
		g := c.Run(ctx)
		if g.Fingerprint == "" {
			g.Fingerprint = drift.Fingerprint(g.CheckType, g.Scope)
		}
		return g
	}
}

func (d *Daemon) currentChecks() []drift.Check {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]drift.Check, 0, len(d.checkIndex))
	for _, c := range d.checkIndex {
		out = append(out, c)
	}
	return out
}

// rebuildChecks merges the static check set with per-host checks for
// whatever Windows targets this cycle's credentials cover.
func (d *Daemon) rebuildChecks() {
	idx := make(map[string]drift.Check, len(d.staticIndex)+4)
	for fp, c := range d.staticIndex {
		idx[fp] = c
	}

	d.mu.Lock()
	hosts := append([]string(nil), d.winHosts...)
	d.mu.Unlock()

	for _, host := range hosts {
		baseline := d.cfg.Monitors.WindowsFirewallBaselines[host]
		if baseline == "" {
			baseline = d.cfg.Monitors.WindowsFirewallBaselines[strings.ToLower(host)]
		}
		if baseline == "" {
			continue
		}
		runner := remoteRunner{disp: d.dispatcher, platform: "windows", scope: host}
		idx[drift.Fingerprint(drift.CheckFirewallBaseline, host)] = drift.NewWindowsFirewallCheck(host, baseline, runner)
	}

	d.mu.Lock()
	d.checkIndex = idx
	d.mu.Unlock()
}

// buildStaticChecks registers the local checks the config asks for,
// keyed by the fingerprint each will report under.
func buildStaticChecks(cfg *Config) map[string]drift.Check {
	local := drift.ExecRunner{}
	idx := make(map[string]drift.Check)
	add := func(checkType, scope string, c drift.Check) {
		idx[drift.Fingerprint(checkType, scope)] = c
	}

	for _, unit := range cfg.Monitors.ServiceUnits {
		add(drift.CheckServiceHealth, unit, drift.NewServiceHealthCheck(unit, local))
	}
	if h := cfg.Monitors.FirewallBaseline; h != "" {
		add(drift.CheckFirewallBaseline, "local", drift.NewFirewallBaselineCheck(h, local))
	}
	if dgst := cfg.Monitors.PatchTargetDigest; dgst != "" {
		add(drift.CheckPatchState, "system", drift.NewPatchStateCheck(dgst))
	}
	if f := cfg.Monitors.BackupStatusFile; f != "" {
		maxAge := time.Duration(cfg.Monitors.BackupMaxAgeHours) * time.Hour
		add(drift.CheckBackupStatus, "backup", drift.NewBackupStatusCheck(f, maxAge))
	}
	if len(cfg.Monitors.EncryptedMounts) > 0 {
		add(drift.CheckDiskEncryption, "mounts", drift.NewDiskEncryptionCheck(cfg.Monitors.EncryptedMounts, local))
	}
	if dir := cfg.Monitors.LogSpoolDir; dir != "" {
		add(drift.CheckLogContinuity, "spool", drift.NewLogContinuityCheck(dir))
	}
	return idx
}

// remoteRunner adapts the step dispatcher into a drift probe runner
// bound to one managed host. Probes are read-only commands.
type remoteRunner struct {
	disp     *remote.Dispatcher
	platform string
	scope    string
}

func (r remoteRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := name
	if len(args) > 0 {
		cmd += " " + strings.Join(args, " ")
	}
	return r.disp.RunStep(ctx, r.platform, r.scope, healing.Step{
		Type:           healing.StepCommand,
		Name:           "drift_probe",
		Command:        cmd,
		TimeoutSeconds: 30,
	})
}

// maybeClearDegraded lifts queue_full degradation once the journal is
// back under 90% of its cap.
func (d *Daemon) maybeClearDegraded() {
	d.mu.Lock()
	degraded := d.state.Degraded
	reason := d.state.DegradedReason
	d.mu.Unlock()
	if !degraded || reason != "queue_full" {
		return
	}
	used, err := d.queue.Bytes()
	if err != nil {
		return
	}
	limit := int64(d.cfg.QueueHardCapMB) * 1024 * 1024
	if used < limit/10*9 {
		d.clearDegraded()
	}
}

// splitWindowSpecs allows several maintenance windows separated by
// semicolons in one config value.
func splitWindowSpecs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
