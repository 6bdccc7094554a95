package core

// Metrics records business events.
type Metrics interface {
	ObserveProvisioning(role, outcome string)
	ObserveRedemption(plan, outcome string)
}

// Metric outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeCleanup = "cleanup_failed"
)

type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) ObserveProvisioning(string, string) {}
func (NopMetrics) ObserveRedemption(string, string)   {}
