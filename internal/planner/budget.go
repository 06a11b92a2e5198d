package planner

import (
	"fmt"
	"sync"
	"time"
)

// Per-million-token prices for the planning model. Spend is estimated
// locally from the token counts the plane reports back; the plane
// keeps the authoritative ledger.
const (
	inputPricePerMTok  = 0.80
	outputPricePerMTok = 4.00
)

// BudgetConfig bounds what the planner may spend per day, call per
// hour, and run concurrently.
type BudgetConfig struct {
	DailyBudgetUSD     float64 `yaml:"daily_budget_usd"`
	MaxCallsPerHour    int     `yaml:"max_calls_per_hour"`
	MaxConcurrentCalls int     `yaml:"max_concurrent_calls"`
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// Budget enforces the limits. Counters roll over on UTC day and hour
// boundaries.
type Budget struct {
	mu sync.Mutex

	dailyBudgetUSD     float64
	maxCallsPerHour    int
	maxConcurrentCalls int

	dailySpendUSD float64
	dailyDate     string
	hourlyCalls   int
	hourlyReset   time.Time

	sem chan struct{}
}

func NewBudget(cfg BudgetConfig) *Budget {
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = 10.00
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = 60
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}
	return &Budget{
		dailyBudgetUSD:     cfg.DailyBudgetUSD,
		maxCallsPerHour:    cfg.MaxCallsPerHour,
		maxConcurrentCalls: cfg.MaxConcurrentCalls,
		dailyDate:          time.Now().UTC().Format("2006-01-02"),
		hourlyReset:        time.Now().UTC().Add(time.Hour),
		sem:                make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// Check returns nil when another call fits the budget.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()

	if b.dailySpendUSD >= b.dailyBudgetUSD {
		return fmt.Errorf("daily budget exhausted: $%.4f of $%.2f spent", b.dailySpendUSD, b.dailyBudgetUSD)
	}
	if b.hourlyCalls >= b.maxCallsPerHour {
		return fmt.Errorf("hourly rate limit: %d of %d calls used", b.hourlyCalls, b.maxCallsPerHour)
	}
	return nil
}

// TryAcquire takes a concurrency slot without blocking. The release
// function must be called when the call finishes.
func (b *Budget) TryAcquire() (func(), bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// Record books the cost of a completed call and bumps the hourly
// counter. Returns the estimated cost.
func (b *Budget) Record(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1_000_000*inputPricePerMTok +
		float64(outputTokens)/1_000_000*outputPricePerMTok

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()
	b.dailySpendUSD += cost
	b.hourlyCalls++
	return cost
}

// Stats reports current consumption for diagnostics and check-ins.
type Stats struct {
	DailySpendUSD   float64 `json:"daily_spend_usd"`
	DailyBudgetUSD  float64 `json:"daily_budget_usd"`
	HourlyCalls     int     `json:"hourly_calls"`
	MaxCallsPerHour int     `json:"max_calls_per_hour"`
}

func (b *Budget) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()
	return Stats{
		DailySpendUSD:   b.dailySpendUSD,
		DailyBudgetUSD:  b.dailyBudgetUSD,
		HourlyCalls:     b.hourlyCalls,
		MaxCallsPerHour: b.maxCallsPerHour,
	}
}

// resetIfNeeded must be called with mu held.
func (b *Budget) resetIfNeeded() {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	if today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}
	if now.After(b.hourlyReset) {
		b.hourlyCalls = 0
		b.hourlyReset = now.Add(time.Hour)
	}
}
