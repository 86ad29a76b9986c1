package gateway

import "time"

// broadcastBudget is the fanout preparation target. A slow broadcast is
// logged and recorded, never dropped.
const broadcastBudget = 500 * time.Millisecond

// LatencyRecorder receives broadcast fanout timings.
type LatencyRecorder interface {
	RecordBroadcast(eventType string, connections int, duration time.Duration)
}

// NoOpLatencyRecorder discards all timings.
type NoOpLatencyRecorder struct{}

func (NoOpLatencyRecorder) RecordBroadcast(eventType string, connections int, duration time.Duration) {
}
