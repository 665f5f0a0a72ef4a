package authkit

import "sync"

// Metric events incremented by the auth routes and the authorization gate.
const (
	metricAuthRegisterSuccess  = "auth.register.success"
	metricAuthRegisterFailure  = "auth.register.failure"
	metricAuthLoginSuccess     = "auth.login.success"
	metricAuthLoginFailure     = "auth.login.failure"
	metricAuthRefreshSuccess   = "auth.refresh.success"
	metricAuthRefreshFailure   = "auth.refresh.failure"
	metricAuthLogoutSuccess    = "auth.logout.success"
	metricAuthLogoutFailure    = "auth.logout.failure"
	metricAuthFederatedSuccess = "auth.federated.success"
	metricAuthFederatedFailure = "auth.federated.failure"
	metricGateAccept           = "gate.accept"
	metricGateReject           = "gate.reject"
	metricGateRotation         = "gate.rotation"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
