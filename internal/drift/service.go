package drift

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServiceHealthCheck verifies that an expected systemd unit is active
// and has been for at least a short settle period. One instance per
// unit; scope is the unit name.
type ServiceHealthCheck struct {
	Unit   string
	Runner Runner
	Now    func() time.Time
}

func NewServiceHealthCheck(unit string, runner Runner) *ServiceHealthCheck {
	return &ServiceHealthCheck{Unit: unit, Runner: runner, Now: time.Now}
}

func (c *ServiceHealthCheck) Name() string { return CheckServiceHealth + ":" + c.Unit }

func (c *ServiceHealthCheck) Run(ctx context.Context) Finding {
	out, err := c.Runner.Run(ctx, "systemctl", "show", c.Unit,
		"--property=ActiveState,SubState,ActiveEnterTimestampMonotonic")
	if err != nil {
		return errorFinding(CheckServiceHealth, c.Unit, fmt.Errorf("query unit %s: %w", c.Unit, err))
	}

	props := parseProperties(out)
	active := props["ActiveState"] == "active"

	// ActiveEnterTimestampMonotonic is microseconds since boot; zero
	// means the unit never started.
	enteredUsec, _ := strconv.ParseInt(props["ActiveEnterTimestampMonotonic"], 10, 64)

	pre := map[string]any{
		"unit":         c.Unit,
		"active_state": props["ActiveState"],
		"sub_state":    props["SubState"],
	}

	if active && enteredUsec > 0 {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckServiceHealth,
			Scope:     c.Unit,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	return Finding{
		CheckType: CheckServiceHealth,
		Scope:     c.Unit,
		Status:    StatusDrift,
		Severity:  SeverityFail,
		PreState:  pre,
	}
}

func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			props[k] = v
		}
	}
	return props
}
