package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DiskEncryptionCheck verifies every mount tagged sensitive sits on a
// dm-crypt device. Topology comes from a single lsblk JSON listing;
// a mount passes when it or any ancestor block device has type crypt.
type DiskEncryptionCheck struct {
	SensitiveMounts []string
	Runner          Runner
}

func NewDiskEncryptionCheck(mounts []string, runner Runner) *DiskEncryptionCheck {
	return &DiskEncryptionCheck{SensitiveMounts: mounts, Runner: runner}
}

func (c *DiskEncryptionCheck) Name() string { return CheckDiskEncryption }

type lsblkDevice struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

func (c *DiskEncryptionCheck) Run(ctx context.Context) Finding {
	const scope = "mounts"
	out, err := c.Runner.Run(ctx, "lsblk", "--json", "-o", "NAME,TYPE,MOUNTPOINT")
	if err != nil {
		return errorFinding(CheckDiskEncryption, scope, fmt.Errorf("list block devices: %w", err))
	}

	var listing lsblkOutput
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		return errorFinding(CheckDiskEncryption, scope, fmt.Errorf("parse lsblk output: %w", err))
	}

	var unencrypted []string
	for _, mount := range c.SensitiveMounts {
		if !mountEncrypted(listing.Blockdevices, mount, false) {
			unencrypted = append(unencrypted, mount)
		}
	}

	pre := map[string]any{
		"sensitive_mounts": strings.Join(c.SensitiveMounts, ","),
	}
	if len(unencrypted) == 0 {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckDiskEncryption,
			Scope:     scope,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	pre["unencrypted"] = strings.Join(unencrypted, ",")
	return Finding{
		CheckType: CheckDiskEncryption,
		Scope:     scope,
		Status:    StatusDrift,
		Severity:  SeverityFail,
		PreState:  pre,
	}
}

// mountEncrypted walks the device tree looking for mountpoint; inCrypt
// carries whether any ancestor on the current path is a crypt device.
func mountEncrypted(devices []lsblkDevice, mountpoint string, inCrypt bool) bool {
	for _, d := range devices {
		under := inCrypt || d.Type == "crypt"
		if d.Mountpoint == mountpoint && under {
			return true
		}
		if mountEncrypted(d.Children, mountpoint, under) {
			return true
		}
	}
	return false
}
