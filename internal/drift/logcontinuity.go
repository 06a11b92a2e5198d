package drift

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogContinuityCheck proves the local log pipeline is moving: it writes
// a canary line into the spool's ingest file and waits for the shipper
// to echo it into the output file. A round-trip above the deadline
// means log collection has stalled, which is itself a reportable
// compliance failure (audit controls require continuous logging).
type LogContinuityCheck struct {
	SpoolDir string
	Deadline time.Duration
	Poll     time.Duration
}

func NewLogContinuityCheck(spoolDir string) *LogContinuityCheck {
	return &LogContinuityCheck{
		SpoolDir: spoolDir,
		Deadline: 30 * time.Second,
		Poll:     500 * time.Millisecond,
	}
}

func (c *LogContinuityCheck) Name() string { return CheckLogContinuity }

func (c *LogContinuityCheck) Run(ctx context.Context) Finding {
	const scope = "spool"
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return errorFinding(CheckLogContinuity, scope, fmt.Errorf("generate canary: %w", err))
	}
	canary := "canary-" + hex.EncodeToString(nonce)

	inPath := filepath.Join(c.SpoolDir, "canary.in")
	outPath := filepath.Join(c.SpoolDir, "canary.out")

	f, err := os.OpenFile(inPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errorFinding(CheckLogContinuity, scope, fmt.Errorf("open spool: %w", err))
	}
	start := time.Now()
	_, werr := fmt.Fprintf(f, "%s %s\n", canary, start.UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		return errorFinding(CheckLogContinuity, scope, fmt.Errorf("write canary: %v/%v", werr, cerr))
	}

	deadline := time.NewTimer(c.Deadline)
	defer deadline.Stop()
	ticker := time.NewTicker(c.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errorFinding(CheckLogContinuity, scope, ctx.Err())
		case <-deadline.C:
			return Finding{
				CheckType: CheckLogContinuity,
				Scope:     scope,
				Status:    StatusDrift,
				Severity:  SeverityFail,
				PreState: map[string]any{
					"status":    "drift",
					"round_trip": "timeout",
					"deadline":  c.Deadline.String(),
				},
			}
		case <-ticker.C:
			data, err := os.ReadFile(outPath)
			if err != nil {
				continue
			}
			if strings.Contains(string(data), canary) {
				rt := time.Since(start)
				return Finding{
					CheckType: CheckLogContinuity,
					Scope:     scope,
					Status:    StatusOK,
					Severity:  SeverityInfo,
					PreState: map[string]any{
						"status":     "ok",
						"round_trip": rt.Truncate(time.Millisecond).String(),
					},
				}
			}
		}
	}
}
