// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg).(*prometheusMetrics)

	m.SessionCreated()
	m.ConnectionCreated()
	m.ConnectionCreated()
	m.ConnectionActivated()
	m.ConnectionReleased()
	m.PDUSent("NOP-Out", 52)
	m.PDUReceived("NOP-In", 48)
	m.ObserveThroughput("0", "1", 1000000)
	m.NotificationDropped("timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsActive))
	assert.Equal(t, 52.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pdusReceived.WithLabelValues("NOP-In")))
	assert.Equal(t, 1000000.0, testutil.ToFloat64(m.throughput.WithLabelValues("0", "1")))

	m.ForgetConnection("0", "1")
	count, err := testutil.GatherAndCount(reg, "iscsi_initiator_connection_throughput_bytes_per_second")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewInitiatorMetricsDisabledByDefault(t *testing.T) {
	if IsEnabled() {
		t.Skip("registry already initialised by another test")
	}
	assert.Nil(t, NewInitiatorMetrics())
	InitRegistry()
	assert.NotNil(t, NewInitiatorMetrics())
}
