// Package remote executes runbook steps on managed hosts. It routes by
// platform and scope: the appliance itself runs steps through a local
// shell, Windows targets over WinRM, Linux targets over SSH.
//
// Credentials arrive with every check-in and live only in memory. The
// dispatcher swaps its whole target table atomically, so a credential
// revoked at the plane is gone here one tick later.
package remote

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/osiriscare/fleet/internal/healing"
)

// ScopeLocal addresses the appliance itself rather than a managed host.
const ScopeLocal = "local"

// WindowsTarget is one WinRM credential set, held for a single cycle.
type WindowsTarget struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	UseSSL   bool   `json:"use_ssl"`
}

// LinuxTarget is one SSH credential set, held for a single cycle.
type LinuxTarget struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Secret     string `json:"secret,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Dispatcher implements healing.StepRunner over the three transports.
type Dispatcher struct {
	winrm *WinRM
	ssh   *SSH

	mu  sync.RWMutex
	win map[string]WindowsTarget
	lin map[string]LinuxTarget
}

// NewDispatcher creates a dispatcher with empty credential tables.
// knownHostsPath is where SSH host keys are pinned on first use.
func NewDispatcher(knownHostsPath string) *Dispatcher {
	return &Dispatcher{
		winrm: NewWinRM(),
		ssh:   NewSSH(knownHostsPath),
		win:   make(map[string]WindowsTarget),
		lin:   make(map[string]LinuxTarget),
	}
}

// SetTargets replaces both credential tables in one swap. Called once
// per check-in; anything not in the new response is forgotten.
func (d *Dispatcher) SetTargets(windows []WindowsTarget, linux []LinuxTarget) {
	win := make(map[string]WindowsTarget, len(windows))
	for _, t := range windows {
		win[strings.ToLower(t.Host)] = t
	}
	lin := make(map[string]LinuxTarget, len(linux))
	for _, t := range linux {
		lin[strings.ToLower(t.Host)] = t
	}
	d.mu.Lock()
	d.win = win
	d.lin = lin
	d.mu.Unlock()
}

// TargetCount reports how many hosts are currently reachable.
func (d *Dispatcher) TargetCount() (windows, linux int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.win), len(d.lin)
}

// Close tears down cached sessions. Credentials die with the process.
func (d *Dispatcher) Close() {
	d.ssh.CloseAll()
	d.winrm.CloseAll()
}

// RunStep executes one runbook step against the scope's host.
func (d *Dispatcher) RunStep(ctx context.Context, platform, scope string, step healing.Step) (string, error) {
	if scope == "" || scope == ScopeLocal {
		return d.runLocal(ctx, step)
	}

	switch platform {
	case "windows":
		d.mu.RLock()
		t, ok := d.win[strings.ToLower(scope)]
		d.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("no windows credentials for %s", scope)
		}
		return d.winrm.Run(ctx, t, windowsScript(step))
	case "linux":
		d.mu.RLock()
		t, ok := d.lin[strings.ToLower(scope)]
		d.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("no linux credentials for %s", scope)
		}
		return d.ssh.Run(ctx, t, linuxScript(step))
	default:
		return "", fmt.Errorf("unknown platform %q for scope %s", platform, scope)
	}
}

// runLocal runs a step on the appliance itself. file_write goes through
// a tmp+rename so a crashed step never leaves a torn config behind.
func (d *Dispatcher) runLocal(ctx context.Context, step healing.Step) (string, error) {
	switch step.Type {
	case healing.StepFileWrite:
		return "", writeFileAtomic(step.Path, []byte(step.Content), step.Mode)
	case healing.StepServiceRestart:
		return runShell(ctx, "systemctl restart "+shellQuote(step.Unit))
	case healing.StepCommand, healing.StepVerify:
		return runShell(ctx, step.Command)
	default:
		return "", fmt.Errorf("unsupported step type %q", step.Type)
	}
}

func runShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("timed out")
	}
	if err != nil {
		return string(out), fmt.Errorf("exit: %w", err)
	}
	return string(out), nil
}

func writeFileAtomic(path string, content []byte, mode string) error {
	perm := os.FileMode(0o644)
	if mode != "" {
		var parsed uint32
		if _, err := fmt.Sscanf(mode, "%o", &parsed); err == nil {
			perm = os.FileMode(parsed)
		}
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, content, perm); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// windowsScript renders a step as PowerShell for WinRM transport.
func windowsScript(step healing.Step) string {
	switch step.Type {
	case healing.StepServiceRestart:
		return fmt.Sprintf(`Restart-Service -Name '%s' -Force; (Get-Service -Name '%s').Status`,
			psQuote(step.Unit), psQuote(step.Unit))
	case healing.StepFileWrite:
		return fmt.Sprintf(`Set-Content -Path '%s' -Value @'
%s
'@ -Encoding UTF8`, psQuote(step.Path), step.Content)
	default:
		return step.Command
	}
}

// linuxScript renders a step as bash for SSH transport.
func linuxScript(step healing.Step) string {
	switch step.Type {
	case healing.StepServiceRestart:
		return "systemctl restart " + shellQuote(step.Unit) +
			" && systemctl is-active " + shellQuote(step.Unit)
	case healing.StepFileWrite:
		quoted := shellQuote(step.Content)
		return fmt.Sprintf("printf '%%s' %s > %s.tmp && mv %s.tmp %s",
			quoted, shellQuote(step.Path), shellQuote(step.Path), shellQuote(step.Path))
	default:
		return step.Command
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
