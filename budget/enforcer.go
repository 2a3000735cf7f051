package budget

import (
	"sync"

	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

const warnRatio = 0.8

// Status is the enforcer verdict after a consumption record.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

// Consumed is a snapshot of the counters for event payloads.
type Consumed struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

/**
 * Enforcer accumulates consumption against the run's ceilings. Steps
 * running in parallel record through the same instance, so record and
 * check share one critical section. Counters only grow; warned and
 * halted only flip false to true. With both ceilings nil it still
 * accumulates for reporting but always answers ok.
 */
type Enforcer struct {
	mu sync.Mutex

	maxTokens *int
	maxCost   *float64

	usedTokens int
	usedCost   float64
	warned     bool
	halted     bool
}

func NewEnforcer(b *types.Budget) *Enforcer {
	e := &Enforcer{}
	if b != nil {
		e.maxTokens = b.MaxTokens
		e.maxCost = b.MaxCost
	}
	return e
}

// Record accumulates and reports the resulting status in the same
// critical section, so two parallel steps can not both observe the
// one-shot warning.
func (e *Enforcer) Record(tokens int, cost float64) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.usedTokens += tokens
	e.usedCost += cost
	return e.checkLocked()
}

func (e *Enforcer) Check() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.checkLocked()
}

func (e *Enforcer) checkLocked() Status {
	if e.maxCost != nil && e.usedCost >= *e.maxCost {
		return StatusExceeded
	}
	if e.maxTokens != nil && e.usedTokens >= *e.maxTokens {
		return StatusExceeded
	}

	if !e.warned {
		// compared at 6 decimals: 0.05*0.8 is 0.04000000000000001 in float64
		if e.maxCost != nil && pricing.Round6(e.usedCost) >= pricing.Round6(*e.maxCost*warnRatio) {
			e.warned = true
			return StatusWarning
		}
		if e.maxTokens != nil && float64(e.usedTokens) >= float64(*e.maxTokens)*warnRatio {
			e.warned = true
			return StatusWarning
		}
	}
	return StatusOK
}

// Halt is idempotent.
func (e *Enforcer) Halt() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.halted = true
}

func (e *Enforcer) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.halted
}

func (e *Enforcer) Consumed() Consumed {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Consumed{Tokens: e.usedTokens, Cost: e.usedCost}
}

// Limits returns the configured ceilings for event payloads. Zero
// values stand for unset.
func (e *Enforcer) Limits() (maxTokens int, maxCost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.maxTokens != nil {
		maxTokens = *e.maxTokens
	}
	if e.maxCost != nil {
		maxCost = *e.maxCost
	}
	return maxTokens, maxCost
}
