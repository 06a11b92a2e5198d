package drift

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PatchStateCheck compares the running NixOS system generation against
// the target snapshot distributed by the plane. The current generation
// is read from the /run/current-system symlink, whose store path
// carries the derivation digest.
type PatchStateCheck struct {
	TargetDigest string
	SystemLink   string
	Readlink     func(string) (string, error)
}

func NewPatchStateCheck(targetDigest string) *PatchStateCheck {
	return &PatchStateCheck{
		TargetDigest: targetDigest,
		SystemLink:   "/run/current-system",
		Readlink:     os.Readlink,
	}
}

func (c *PatchStateCheck) Name() string { return CheckPatchState }

func (c *PatchStateCheck) Run(ctx context.Context) Finding {
	const scope = "system"
	target, err := c.Readlink(c.SystemLink)
	if err != nil {
		return errorFinding(CheckPatchState, scope, fmt.Errorf("read system link: %w", err))
	}

	digest := StorePathDigest(target)
	pre := map[string]any{
		"expected_digest": c.TargetDigest,
		"actual_digest":   digest,
		"store_path":      target,
	}

	if digest == c.TargetDigest {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckPatchState,
			Scope:     scope,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	return Finding{
		CheckType: CheckPatchState,
		Scope:     scope,
		Status:    StatusDrift,
		Severity:  SeverityWarn,
		PreState:  pre,
	}
}

// StorePathDigest extracts the hash component from a Nix store path
// like /nix/store/<digest>-nixos-system-<name>-<version>.
func StorePathDigest(storePath string) string {
	base := filepath.Base(storePath)
	if i := strings.Index(base, "-"); i > 0 {
		return base[:i]
	}
	return base
}
