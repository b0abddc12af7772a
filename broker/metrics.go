// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Metrics receives broker events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordConnection()
	RecordDisconnection(reason string)
	RecordMessageReceived(sizeBytes int64)
	RecordMessageSent(sizeBytes int64)
	RecordMessageDropped()
	RecordSubscriptionAdded()
	RecordSubscriptionRemoved(n int)
	RecordError(errorType string)
	RecordFanOutDuration(durationMs float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnection() {}
func (noopMetrics) RecordDisconnection(string) {}
func (noopMetrics) RecordMessageReceived(int64) {}
func (noopMetrics) RecordMessageSent(int64) {}
func (noopMetrics) RecordMessageDropped() {}
func (noopMetrics) RecordSubscriptionAdded() {}
func (noopMetrics) RecordSubscriptionRemoved(int) {}
func (noopMetrics) RecordError(string) {}
func (noopMetrics) RecordFanOutDuration(float64) {}
