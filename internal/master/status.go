package master

import "time"

// Worker liveness statuses derived from heartbeat age.
const (
	WorkerOnline  = "online"
	WorkerStale   = "stale"
	WorkerOffline = "offline"
)

// Heartbeat age thresholds.
const (
	staleAfter   = 60 * time.Second
	offlineAfter = 120 * time.Second
)

// DeriveWorkerStatus classifies a worker from its last heartbeat. An empty
// or unparseable heartbeat is offline. Negative ages (future timestamps,
// clock skew between hosts) count as online and are not clamped to zero.
func DeriveWorkerStatus(now time.Time, lastHeartbeat string) string {
	if lastHeartbeat == "" {
		return WorkerOffline
	}
	ts, err := time.Parse(time.RFC3339, lastHeartbeat)
	if err != nil {
		return WorkerOffline
	}
	age := now.Sub(ts)
	switch {
	case age < staleAfter:
		return WorkerOnline
	case age < offlineAfter:
		return WorkerStale
	default:
		return WorkerOffline
	}
}
