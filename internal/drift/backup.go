package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// BackupStatusCheck reads the backup vendor's status file and verifies
// the most recent successful run falls within the policy window.
// Status file shape (written by the vendor's agent):
//
//	{"last_success": "2026-03-01T02:10:00Z", "last_run": "...", "status": "ok"}
type BackupStatusCheck struct {
	StatusFile string
	MaxAge     time.Duration
	Now        func() time.Time
}

func NewBackupStatusCheck(statusFile string, maxAge time.Duration) *BackupStatusCheck {
	return &BackupStatusCheck{StatusFile: statusFile, MaxAge: maxAge, Now: time.Now}
}

func (c *BackupStatusCheck) Name() string { return CheckBackupStatus }

type backupStatus struct {
	LastSuccess string `json:"last_success"`
	LastRun     string `json:"last_run"`
	Status      string `json:"status"`
}

func (c *BackupStatusCheck) Run(ctx context.Context) Finding {
	const scope = "backup"
	data, err := os.ReadFile(c.StatusFile)
	if err != nil {
		return errorFinding(CheckBackupStatus, scope, fmt.Errorf("read status file: %w", err))
	}

	var st backupStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return errorFinding(CheckBackupStatus, scope, fmt.Errorf("parse status file: %w", err))
	}

	pre := map[string]any{
		"last_success":  st.LastSuccess,
		"vendor_status": st.Status,
		"policy_window": c.MaxAge.String(),
	}

	lastSuccess, err := time.Parse(time.RFC3339, st.LastSuccess)
	if err != nil {
		return errorFinding(CheckBackupStatus, scope, fmt.Errorf("parse last_success: %w", err))
	}

	age := c.Now().Sub(lastSuccess)
	pre["age"] = age.Truncate(time.Second).String()

	if age <= c.MaxAge {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckBackupStatus,
			Scope:     scope,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	return Finding{
		CheckType: CheckBackupStatus,
		Scope:     scope,
		Status:    StatusDrift,
		Severity:  SeverityFail,
		PreState:  pre,
	}
}
