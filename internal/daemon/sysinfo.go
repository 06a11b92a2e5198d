package daemon

import (
	"fmt"
	"os"
	"strings"
)

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func uptimeSeconds() int {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	parts := strings.Fields(string(data))
	if len(parts) == 0 {
		return 0
	}
	var seconds float64
	fmt.Sscanf(parts[0], "%f", &seconds)
	return int(seconds)
}

// nixosRevision reads the running system's version for bundle
// attribution. Falls back to "unknown" off-NixOS.
func nixosRevision() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VERSION_ID=") {
			return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return "unknown"
}

// currentSystemDigest identifies the active generation; the patch_state
// check compares it against the approved target.
func currentSystemDigest() string {
	link, err := os.Readlink("/run/current-system")
	if err != nil {
		return ""
	}
	return link
}
