package clubledger

import "time"

// Metrics defines the interface for tracking pipeline operations.
type Metrics interface {
	// RecordIngest records one ingest attempt and its outcome
	// ("success", "duplicate", "failed" or "error").
	RecordIngest(outcome string, duration time.Duration)

	// RecordLevelUp records a tier upgrade.
	RecordLevelUp(tier string)

	// RecordBenefit records a benefit redemption.
	RecordBenefit(tier, code string)

	// RecordRateLimitDenial records a request shed by the admission
	// limiter.
	RecordRateLimitDenial(class string)

	// RecordBatchRun records the outcome of one loyalty sweep.
	RecordBatchRun(users, failedGroups, itemErrors int, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIngest(outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordLevelUp(tier string)                           {}
func (n *NoopMetrics) RecordBenefit(tier, code string)                     {}
func (n *NoopMetrics) RecordRateLimitDenial(class string)                  {}
func (n *NoopMetrics) RecordBatchRun(users, failedGroups, itemErrors int, duration time.Duration) {
}
