package healing

import (
	"sort"
	"strings"
	"sync"
)

// StepType identifies what a runbook step does on the target.
type StepType string

const (
	// StepCommand runs a shell (or PowerShell) command and fails the
	// runbook on non-zero exit.
	StepCommand StepType = "command"
	// StepServiceRestart restarts a service unit by name.
	StepServiceRestart StepType = "service_restart"
	// StepFileWrite replaces a file's contents atomically.
	StepFileWrite StepType = "file_write"
	// StepVerify runs a command whose only purpose is to confirm the
	// remediation took. Output is recorded but never acted on.
	StepVerify StepType = "verify"
)

const defaultStepTimeoutSeconds = 60

// Step is one action inside a runbook. Which fields apply depends on
// Type. String fields may reference order args as {{name}}.
type Step struct {
	Type           StepType `json:"type" yaml:"type"`
	Name           string   `json:"name" yaml:"name"`
	Unit           string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`
	Content        string   `json:"content,omitempty" yaml:"content,omitempty"`
	Mode           string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Command        string   `json:"command,omitempty" yaml:"command,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Runbook is a versioned remediation procedure. Steps run in order and
// the runbook fails at the first step that errors or times out. When
// RollbackAvailable is set, CaptureSteps run before Steps to record a
// restore point and RollbackSteps undo the change if the post-heal
// check still fails.
type Runbook struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version           int      `json:"version" yaml:"version"`
	Platform          string   `json:"platform" yaml:"platform"`
	Disruptive        bool     `json:"disruptive,omitempty" yaml:"disruptive,omitempty"`
	RollbackAvailable bool     `json:"rollback_available,omitempty" yaml:"rollback_available,omitempty"`
	Internal          bool     `json:"internal,omitempty" yaml:"internal,omitempty"`
	CaptureSteps      []Step   `json:"capture_steps,omitempty" yaml:"capture_steps,omitempty"`
	Steps             []Step   `json:"steps,omitempty" yaml:"steps,omitempty"`
	RollbackSteps     []Step   `json:"rollback_steps,omitempty" yaml:"rollback_steps,omitempty"`
	HIPAAControls     []string `json:"hipaa_controls,omitempty" yaml:"hipaa_controls,omitempty"`
}

// RunbookSummary is the compact form handed to the L2 planner so the
// prompt lists what the appliance can actually do.
type RunbookSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Platform    string `json:"platform"`
	Disruptive  bool   `json:"disruptive"`
}

// Catalogue holds the runbooks this appliance may execute, keyed by ID.
// It starts with the shipped builtins; synced definitions from the
// control plane override by ID. An enable list from the plane narrows
// what Get and Summaries expose; internal runbooks bypass it.
type Catalogue struct {
	mu      sync.RWMutex
	byID    map[string]*Runbook
	enabled map[string]bool
}

func NewCatalogue() *Catalogue {
	c := &Catalogue{byID: make(map[string]*Runbook)}
	for _, rb := range builtinRunbooks() {
		c.byID[rb.ID] = rb
	}
	return c
}

func (c *Catalogue) Get(id string) (*Runbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rb, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	if !rb.Internal && !c.enabledLocked(id) {
		return nil, false
	}
	return rb, true
}

// SetEnabled installs the plane's per-site enable list. nil means
// every runbook is allowed.
func (c *Catalogue) SetEnabled(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ids == nil {
		c.enabled = nil
		return
	}
	c.enabled = make(map[string]bool, len(ids))
	for _, id := range ids {
		c.enabled[id] = true
	}
}

func (c *Catalogue) enabledLocked(id string) bool {
	if c.enabled == nil {
		return true
	}
	return c.enabled[id]
}

// Apply merges synced runbook definitions. A synced runbook replaces a
// builtin of the same ID only when its version is not older.
func (c *Catalogue) Apply(runbooks []*Runbook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rb := range runbooks {
		if rb.ID == "" {
			continue
		}
		if existing, ok := c.byID[rb.ID]; ok && existing.Version > rb.Version {
			continue
		}
		c.byID[rb.ID] = rb
	}
}

func (c *Catalogue) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Catalogue) Summaries() []RunbookSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RunbookSummary, 0, len(c.byID))
	for id, rb := range c.byID {
		if rb.Internal || !c.enabledLocked(id) {
			continue
		}
		out = append(out, RunbookSummary{
			ID:          rb.ID,
			Name:        rb.Name,
			Description: rb.Description,
			Platform:    rb.Platform,
			Disruptive:  rb.Disruptive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// renderStep substitutes {{name}} references with order args. Unknown
// references are left in place so a missing arg shows up verbatim in
// the failure output instead of silently becoming an empty string.
func renderStep(step Step, args map[string]string) Step {
	if len(args) == 0 {
		return step
	}
	expand := func(s string) string {
		for k, v := range args {
			s = strings.ReplaceAll(s, "{{"+k+"}}", v)
		}
		return s
	}
	step.Unit = expand(step.Unit)
	step.Path = expand(step.Path)
	step.Content = expand(step.Content)
	step.Command = expand(step.Command)
	return step
}

func (s Step) timeoutSeconds() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return defaultStepTimeoutSeconds
}
