package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/phi"
	"github.com/osiriscare/fleet/internal/queue"
)

// flushBatch bounds how many items one tick uploads per kind so a long
// offline backlog drains over several ticks instead of one giant burst.
const flushBatch = 50

// maxRecoveryBuffer caps the in-memory bundle buffer while the chain is
// in recovery. Beyond it, new bundles spill to the overflow directory.
const maxRecoveryBuffer = 512

// emitBundle records one observation/action cycle as evidence. Normal
// path: chain onto the local head, sign, journal. During recovery the
// chain head is not trusted, so bundles buffer unsealed until the
// operator-approved re-anchor.
func (d *Daemon) emitBundle(checkType string, pre, post map[string]any, action string, rollback bool) {
	if pre == nil {
		pre = map[string]any{}
	}
	if post == nil {
		post = map[string]any{}
	}
	// The plane rejects bundles carrying PHI patterns; runbook step
	// output can echo anything, so scrub before signing.
	pre = phi.ScrubMap(pre)
	post = phi.ScrubMap(post)

	b := &envelope.Bundle{
		BundleID:          ulid.Make().String(),
		SiteID:            d.cfg.SiteID,
		ApplianceID:       d.cfg.ApplianceID,
		CreatedAt:         d.now().UTC().Format(time.RFC3339),
		CheckType:         checkType,
		PreState:          pre,
		PostState:         post,
		ActionTaken:       action,
		RollbackAvailable: rollback,
		RulesetHash:       d.currentRulesetHash(),
		NixosRevision:     d.revision,
		DerivationDigest:  d.digest,
		DeploymentMode:    d.cfg.DeploymentMode,
		ResellerID:        d.cfg.ResellerID,
	}

	d.mu.Lock()
	if d.state.Recovery {
		if len(d.recoveryBuf) >= maxRecoveryBuffer {
			d.mu.Unlock()
			payload, err := json.Marshal(b)
			if err == nil {
				d.spillOverflow(payload, b.BundleID)
			}
			return
		}
		d.recoveryBuf = append(d.recoveryBuf, b)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.sealAndEnqueue(b); err != nil {
		log.Printf("[evidence] cannot journal bundle %s (%s): %v", b.BundleID, checkType, err)
	}
}

// sealAndEnqueue chains a bundle onto the journaled head, signs it and
// commits it. The head pointer only advances after the enqueue commits,
// so a crash between the two leaves a re-emittable gap rather than a
// dangling head.
func (d *Daemon) sealAndEnqueue(b *envelope.Bundle) error {
	prev, _, ok, err := d.queue.ChainHead()
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	if !ok {
		prev = envelope.GenesisPrevHash
	}
	b.PrevHash = prev

	if err := envelope.SignBundle(d.signKey, b); err != nil {
		return fmt.Errorf("sign bundle: %w", err)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	if err := d.queue.Enqueue(queue.KindEvidence, payload); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			d.spillOverflow(payload, b.BundleID)
			d.markDegraded("queue_full")
			return nil
		}
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := d.queue.SetChainHead(b.BundleHash, b.BundleID); err != nil {
		return fmt.Errorf("advance chain head: %w", err)
	}
	return nil
}

// spillOverflow writes a bundle that cannot enter the journal to the
// overflow directory. Overflow files are individually signed and kept
// for manual recovery; they do not count against the queue cap.
func (d *Daemon) spillOverflow(payload []byte, bundleID string) {
	dir := d.cfg.OverflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("[evidence] cannot create overflow dir %s: %v", dir, err)
		return
	}
	name := fmt.Sprintf("%s-%s.json", d.now().UTC().Format("20060102T150405Z"), bundleID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		log.Printf("[evidence] cannot write overflow file %s: %v", path, err)
		return
	}
	log.Printf("[evidence] bundle %s spilled to overflow: %s", bundleID, name)
}

// flushQueues drains the journal tails against the plane. Evidence is
// strictly ordered and stops at the first failure; incidents and
// patterns are independent streams. Heartbeats drain through check-in,
// not here.
func (d *Daemon) flushQueues(ctx context.Context) {
	if !d.inRecovery() && d.queue.Ready(queue.KindEvidence, d.now()) {
		d.flushEvidence(ctx)
	}
	if d.queue.Ready(queue.KindIncidents, d.now()) {
		d.flushKind(ctx, queue.KindIncidents, func(ctx context.Context, payload []byte) error {
			_, err := d.client.SubmitAlert(ctx, payload)
			return err
		})
	}
	if d.queue.Ready(queue.KindPatterns, d.now()) {
		d.flushKind(ctx, queue.KindPatterns, func(ctx context.Context, payload []byte) error {
			ack, err := d.client.SubmitPattern(ctx, payload)
			if err != nil {
				return err
			}
			if ack != nil && ack.Status == "promoted" {
				log.Printf("[evidence] pattern %s promoted by plane (%d occurrences, %.2f success)",
					ack.PatternID, ack.Occurrences, ack.SuccessRate)
			}
			return nil
		})
	}
}

// flushEvidence uploads queued bundles oldest-first. A chain_fork
// rejection moves the daemon into recovery and halts the stream; any
// other permanent rejection spills the bundle and lets the resulting
// fork drive the same recovery path, so nothing is silently dropped.
func (d *Daemon) flushEvidence(ctx context.Context) {
	items, err := d.queue.Head(queue.KindEvidence, flushBatch)
	if err != nil {
		log.Printf("[evidence] cannot read queue: %v", err)
		return
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		ack, err := d.client.SubmitEvidence(ctx, it.Payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				if apiErr.Code == CodeChainFork {
					d.enterRecovery(apiErr.ExpectedHead)
					return
				}
				if !apiErr.Retryable() {
					log.Printf("[evidence] plane rejected bundle permanently (%s): %v", apiErr.Code, err)
					d.spillOverflow(it.Payload, fmt.Sprintf("rejected-%d", it.Seq))
					if ackErr := d.queue.Ack(queue.KindEvidence, it.Seq); ackErr != nil {
						log.Printf("[evidence] ack after reject: %v", ackErr)
						return
					}
					continue
				}
			}
			next := d.queue.RecordFailure(queue.KindEvidence)
			log.Printf("[evidence] upload failed, next attempt %s: %v",
				next.UTC().Format(time.RFC3339), err)
			return
		}

		if err := d.queue.Ack(queue.KindEvidence, it.Seq); err != nil {
			log.Printf("[evidence] ack seq %d: %v", it.Seq, err)
			return
		}
		d.queue.RecordSuccess(queue.KindEvidence)
		if ack != nil && ack.NextPrevHash != "" {
			d.noteUploaded(ack.NextPrevHash)
		}
	}
}

// noteUploaded sanity-checks the plane's chaining cursor against the
// local head after a successful upload. A mismatch here means the next
// upload will fork; log it early so the cause is in the local journal.
func (d *Daemon) noteUploaded(nextPrevHash string) {
	prev, _, ok, err := d.queue.ChainHead()
	if err != nil || !ok {
		return
	}
	pending, err := d.queue.Size(queue.KindEvidence)
	if err != nil || pending > 0 {
		return
	}
	if nextPrevHash != prev {
		log.Printf("[evidence] plane chaining cursor %s disagrees with local head %s",
			shortHash(nextPrevHash), shortHash(prev))
	}
}

// flushKind drains one non-chained stream, acking item by item so a
// mid-batch failure keeps what was delivered.
func (d *Daemon) flushKind(ctx context.Context, kind queue.Kind, submit func(context.Context, []byte) error) {
	items, err := d.queue.Head(kind, flushBatch)
	if err != nil {
		log.Printf("[evidence] cannot read %s queue: %v", kind, err)
		return
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if err := submit(ctx, it.Payload); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				log.Printf("[evidence] plane rejected %s item permanently (%s), dropping", kind, apiErr.Code)
				if ackErr := d.queue.Ack(kind, it.Seq); ackErr != nil {
					log.Printf("[evidence] ack rejected %s: %v", kind, ackErr)
					return
				}
				continue
			}
			d.queue.RecordFailure(kind)
			return
		}
		if err := d.queue.Ack(kind, it.Seq); err != nil {
			log.Printf("[evidence] ack %s seq %d: %v", kind, it.Seq, err)
			return
		}
		d.queue.RecordSuccess(kind)
	}
}

// enterRecovery halts the evidence pipeline after the plane refused a
// bundle for chaining onto the wrong head. Emission buffers in memory
// until an operator approves RB-CHAIN-RECOVER; detection and healing
// keep running.
func (d *Daemon) enterRecovery(expectedHead string) {
	d.mu.Lock()
	already := d.state.Recovery
	d.state.Recovery = true
	if expectedHead != "" {
		d.state.RecoveryExpectedHead = expectedHead
	}
	if !already {
		d.state.RecoveryDetectedAt = d.now().UTC().Format(time.RFC3339)
	}
	d.mu.Unlock()

	if !already {
		log.Printf("[evidence] chain fork: plane expects head %s, entering recovery", shortHash(expectedHead))
		d.saveState()
	}
}

func (d *Daemon) inRecovery() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Recovery
}

// recoveryExpectedHead returns the plane head cached when the fork was
// detected, for recovery orders that do not carry one.
func (d *Daemon) recoveryExpectedHead() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.RecoveryExpectedHead
}

// completeRecovery re-anchors the local chain onto the plane's head: a
// single chain_recovery bundle records the break, then every queued and
// buffered bundle is re-chained and re-signed behind it in original
// order. New items are journaled before the diverged ones are acked, so
// a crash mid-recovery duplicates bundles rather than losing them; the
// plane treats a resubmitted identical bundle as already appended.
func (d *Daemon) completeRecovery(expectedHead, orderID string) {
	d.mu.Lock()
	buffered := d.recoveryBuf
	d.recoveryBuf = nil
	d.mu.Unlock()

	localHead, _, ok, err := d.queue.ChainHead()
	if err != nil || !ok {
		localHead = envelope.GenesisPrevHash
	}

	pending, err := d.queue.Size(queue.KindEvidence)
	if err != nil {
		log.Printf("[evidence] recovery aborted, cannot size queue: %v", err)
		d.restoreRecoveryBuffer(buffered)
		return
	}

	var queued []*envelope.Bundle
	var lastSeq int64
	if pending > 0 {
		items, err := d.queue.Head(queue.KindEvidence, pending)
		if err != nil {
			log.Printf("[evidence] recovery aborted, cannot read queue: %v", err)
			d.restoreRecoveryBuffer(buffered)
			return
		}
		for _, it := range items {
			lastSeq = it.Seq
			var b envelope.Bundle
			if err := json.Unmarshal(it.Payload, &b); err != nil {
				d.spillOverflow(it.Payload, fmt.Sprintf("undecodable-%d", it.Seq))
				continue
			}
			queued = append(queued, &b)
		}
	}

	rec := &envelope.Bundle{
		BundleID:    ulid.Make().String(),
		SiteID:      d.cfg.SiteID,
		ApplianceID: d.cfg.ApplianceID,
		CreatedAt:   d.now().UTC().Format(time.RFC3339),
		CheckType:   "evidence_chain",
		PreState: map[string]any{
			"order_id":      orderID,
			"local_head":    localHead,
			"expected_head": expectedHead,
			"requeued":      len(queued),
			"buffered":      len(buffered),
		},
		PostState:        map[string]any{"status": "ok", "head": expectedHead},
		ActionTaken:      envelope.ActionChainRecovery,
		RulesetHash:      d.currentRulesetHash(),
		NixosRevision:    d.revision,
		DerivationDigest: d.digest,
		DeploymentMode:   d.cfg.DeploymentMode,
		ResellerID:       d.cfg.ResellerID,
		PrevHash:         expectedHead,
	}
	if err := envelope.SignBundle(d.signKey, rec); err != nil {
		log.Printf("[evidence] recovery aborted, cannot sign anchor: %v", err)
		d.restoreRecoveryBuffer(buffered)
		return
	}

	tip, tipID := rec.BundleHash, rec.BundleID
	rechained := []*envelope.Bundle{rec}
	for _, b := range append(queued, buffered...) {
		b.PrevHash = tip
		if err := envelope.SignBundle(d.signKey, b); err != nil {
			log.Printf("[evidence] cannot re-sign bundle %s during recovery: %v", b.BundleID, err)
			continue
		}
		tip, tipID = b.BundleHash, b.BundleID
		rechained = append(rechained, b)
	}

	for _, b := range rechained {
		payload, err := json.Marshal(b)
		if err != nil {
			log.Printf("[evidence] marshal during recovery: %v", err)
			continue
		}
		if err := d.queue.Enqueue(queue.KindEvidence, payload); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				d.spillOverflow(payload, b.BundleID)
				d.markDegraded("queue_full")
				continue
			}
			log.Printf("[evidence] enqueue during recovery: %v", err)
		}
	}

	if lastSeq > 0 {
		if err := d.queue.Ack(queue.KindEvidence, lastSeq); err != nil {
			log.Printf("[evidence] cannot drop diverged bundles: %v", err)
		}
	}
	if err := d.queue.SetChainHead(tip, tipID); err != nil {
		log.Printf("[evidence] cannot set recovered head: %v", err)
	}

	d.mu.Lock()
	d.state.Recovery = false
	d.state.RecoveryExpectedHead = ""
	d.state.RecoveryDetectedAt = ""
	d.mu.Unlock()
	d.saveState()
	d.queue.RecordSuccess(queue.KindEvidence)

	log.Printf("[evidence] chain re-anchored onto %s via order %s: %d bundles",
		shortHash(expectedHead), orderID, len(rechained))
}

// restoreRecoveryBuffer puts buffered bundles back after a failed
// recovery attempt so the next approval can try again.
func (d *Daemon) restoreRecoveryBuffer(buffered []*envelope.Bundle) {
	if len(buffered) == 0 {
		return
	}
	d.mu.Lock()
	d.recoveryBuf = append(buffered, d.recoveryBuf...)
	d.mu.Unlock()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
