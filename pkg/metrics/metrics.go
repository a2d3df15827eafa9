// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package metrics exposes optional Prometheus instrumentation for the initiator.
//
// A nil InitiatorMetrics disables instrumentation; the helpers in this file
// accept nil so callers never branch on it.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InitiatorMetrics receives session, connection and transport events.
type InitiatorMetrics interface {
	SessionCreated()
	SessionReleased()
	ConnectionCreated()
	ConnectionReleased()
	ConnectionActivated()
	ConnectionDeactivated()
	PDUSent(opCode string, wireBytes int)
	PDUReceived(opCode string, wireBytes int)
	TransportError(direction string)
	ObserveThroughput(sessionId, connectionId string, bytesPerSecond float64)
	ForgetConnection(sessionId, connectionId string)
	NotificationDropped(kind string)
}

var (
	registryLock sync.Mutex
	registry     *prometheus.Registry
)

// InitRegistry enables metrics collection and returns the shared registry.
func InitRegistry() *prometheus.Registry {
	registryLock.Lock()
	defer registryLock.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

func GetRegistry() *prometheus.Registry {
	registryLock.Lock()
	defer registryLock.Unlock()
	return registry
}

func IsEnabled() bool {
	return GetRegistry() != nil
}

// Handler serves the shared registry, or a 404 when metrics are disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// NewInitiatorMetrics returns nil unless InitRegistry was called.
func NewInitiatorMetrics() InitiatorMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return NewPrometheusMetrics(reg)
}
