// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThroughputAverage(t *testing.T) {
	tracker := NewThroughputTracker()
	for index := 0; index < 5; index++ {
		tracker.AddSample(1_000_000, time.Second)
	}
	assert.InDelta(t, 1_000_000, tracker.BytesPerSecond(), 1e-6)
	assert.Equal(t, 5, tracker.Samples())
}

func TestThroughputHistoryWraps(t *testing.T) {
	tracker := NewThroughputTracker()
	tracker.AddSample(31_000_000, time.Second)
	for index := 1; index < ThroughputHistorySize; index++ {
		tracker.AddSample(1_000_000, time.Second)
	}
	assert.Equal(t, ThroughputHistorySize, tracker.Samples())
	assert.InDelta(t, 2_000_000, tracker.BytesPerSecond(), 1e-6)

	// The 31st sample replaces the outlier recorded first.
	average := tracker.AddSample(1_000_000, time.Second)
	assert.Equal(t, ThroughputHistorySize, tracker.Samples())
	assert.InDelta(t, 1_000_000, average, 1e-6)
}

func TestThroughputZeroElapsed(t *testing.T) {
	tracker := NewThroughputTracker()
	average := tracker.AddSample(10, 0)
	assert.InDelta(t, 10e9, average, 1)
}

func TestTransferTiming(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	manager := newTestManager(t, WithClock(func() time.Time { return now }))
	conn, _ := socketPair(t)
	sessionId, connectionId, err := manager.CreateSession(testTargetName, testPortal, conn)
	require.NoError(t, err)

	_, err = manager.CompleteTransfer(sessionId, connectionId, 100)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, manager.BeginTransfer(sessionId, connectionId))
	now = now.Add(2 * time.Second)
	rate, err := manager.CompleteTransfer(sessionId, connectionId, 4_000_000)
	require.NoError(t, err)
	assert.InDelta(t, 2_000_000, rate, 1e-6)

	current, err := manager.ConnectionThroughput(sessionId, connectionId)
	require.NoError(t, err)
	assert.InDelta(t, 2_000_000, current, 1e-6)

	_, err = manager.ConnectionThroughput(sessionId, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
