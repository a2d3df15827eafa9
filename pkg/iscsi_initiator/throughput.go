// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"sync"
	"time"
)

// ThroughputHistorySize is the number of rate samples averaged per connection.
const ThroughputHistorySize = 30

// ThroughputTracker keeps a moving average of completed transfer rates.
type ThroughputTracker struct {
	lock      sync.Mutex
	samples   [ThroughputHistorySize]float64
	populated int
	// next is the slot overwritten by the following sample.
	next           int
	bytesPerSecond float64
	taskStart      time.Time
}

func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{}
}

// Start records the beginning of a transfer.
func (tracker *ThroughputTracker) Start(now time.Time) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	tracker.taskStart = now
}

// Complete turns the transfer begun by Start into a sample.
// It reports false when no transfer was started.
func (tracker *ThroughputTracker) Complete(bytes uint64, now time.Time) (float64, bool) {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	if tracker.taskStart.IsZero() {
		return tracker.bytesPerSecond, false
	}
	elapsed := now.Sub(tracker.taskStart)
	tracker.taskStart = time.Time{}
	return tracker.addSampleLocked(bytes, elapsed), true
}

// AddSample inserts bytes/elapsed into the history and returns the new average.
func (tracker *ThroughputTracker) AddSample(bytes uint64, elapsed time.Duration) float64 {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	return tracker.addSampleLocked(bytes, elapsed)
}

func (tracker *ThroughputTracker) addSampleLocked(bytes uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	tracker.samples[tracker.next] = float64(bytes) / elapsed.Seconds()
	tracker.next = (tracker.next + 1) % ThroughputHistorySize
	if tracker.populated < ThroughputHistorySize {
		tracker.populated++
	}
	total := 0.0
	for index := 0; index < tracker.populated; index++ {
		total += tracker.samples[index]
	}
	tracker.bytesPerSecond = total / float64(tracker.populated)
	return tracker.bytesPerSecond
}

func (tracker *ThroughputTracker) BytesPerSecond() float64 {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	return tracker.bytesPerSecond
}

// Samples returns the number of populated history slots.
func (tracker *ThroughputTracker) Samples() int {
	tracker.lock.Lock()
	defer tracker.lock.Unlock()
	return tracker.populated
}
