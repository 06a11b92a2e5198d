package daemon

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/osiriscare/fleet/internal/queue"
)

// State is the small mutable record that survives restarts. The queue
// journal holds everything durable about evidence; this file only
// carries operational posture.
type State struct {
	LastCheckin          string            `json:"last_checkin,omitempty"`
	LastScan             string            `json:"last_scan,omitempty"`
	Degraded             bool              `json:"degraded,omitempty"`
	DegradedReason       string            `json:"degraded_reason,omitempty"`
	Recovery             bool              `json:"recovery,omitempty"`
	RecoveryExpectedHead string            `json:"recovery_expected_head,omitempty"`
	RecoveryDetectedAt   string            `json:"recovery_detected_at,omitempty"`
	Escalations          map[string]string `json:"escalations,omitempty"`
	UpdatedAt            string            `json:"updated_at"`
}

// loadState reads a prior run's state file. A missing or unreadable
// file yields a zero state; the daemon must boot either way.
func loadState(path string) State {
	var st State
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[daemon] cannot read state file %s: %v", path, err)
		}
		return st
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("[daemon] corrupt state file %s, starting fresh: %v", path, err)
		return State{}
	}
	return st
}

// saveState persists the current state with a tmp+rename so a crash
// mid-write never leaves a torn file. Mode 0600: the file names
// internal fingerprints and hashes, nothing more, but it lives next to
// the signing seed.
func (d *Daemon) saveState() {
	d.mu.Lock()
	st := d.state
	st.Escalations = make(map[string]string)
	if d.healer != nil {
		for fp, at := range d.healer.Escalations() {
			st.Escalations[fp] = at.UTC().Format(time.RFC3339)
		}
	}
	st.UpdatedAt = d.now().UTC().Format(time.RFC3339)
	path := d.cfg.StatePath()
	d.mu.Unlock()

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		log.Printf("[daemon] marshal state: %v", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		log.Printf("[daemon] write state: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		log.Printf("[daemon] commit state: %v", err)
	}
}

// savedEscalations converts the persisted cooldown map back to times,
// dropping entries that do not parse.
func (st State) savedEscalations() map[string]time.Time {
	if len(st.Escalations) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(st.Escalations))
	for fp, raw := range st.Escalations {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		out[fp] = at
	}
	return out
}

// markDegraded flips the appliance into degraded posture and alerts the
// operator once per transition. Detection and healing keep running.
func (d *Daemon) markDegraded(reason string) {
	d.mu.Lock()
	if d.state.Degraded && d.state.DegradedReason == reason {
		d.mu.Unlock()
		return
	}
	d.state.Degraded = true
	d.state.DegradedReason = reason
	d.mu.Unlock()

	log.Printf("[daemon] entering degraded state: %s", reason)
	d.saveState()
	d.enqueueAlert("fail", "degraded", "degraded:"+d.cfg.ApplianceID,
		"appliance degraded: "+reason, map[string]any{"reason": reason})
}

// clearDegraded lifts the degraded posture once the constraint is gone.
func (d *Daemon) clearDegraded() {
	d.mu.Lock()
	if !d.state.Degraded {
		d.mu.Unlock()
		return
	}
	reason := d.state.DegradedReason
	d.state.Degraded = false
	d.state.DegradedReason = ""
	d.mu.Unlock()

	log.Printf("[daemon] degraded state cleared (was: %s)", reason)
	d.saveState()
}

// enqueueAlert queues one operator notification. Alerts ride the
// incidents stream and are best-effort: a full journal drops them
// rather than blocking evidence.
func (d *Daemon) enqueueAlert(severity, kind, dedupKey, message string, detail map[string]any) {
	a := Alert{
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		Severity:    severity,
		Kind:        kind,
		Message:     message,
		Detail:      detail,
		DedupKey:    dedupKey,
		CreatedAt:   d.now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := d.queue.Enqueue(queue.KindIncidents, payload); err != nil {
		log.Printf("[daemon] cannot queue %s alert: %v", kind, err)
	}
}

// overflowFileCount reports how many bundles sit in the overflow
// directory, for the check-in heartbeat.
func (d *Daemon) overflowFileCount() int {
	entries, err := os.ReadDir(d.cfg.OverflowDir())
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}
