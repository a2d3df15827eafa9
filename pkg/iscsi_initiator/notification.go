// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"fmt"
	"iscsiinitiator/pkg/logger"
	"iscsiinitiator/pkg/metrics"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

type NotificationKind int

const (
	// NotificationAsyncEvent carries an Asynchronous Message received from the target.
	NotificationAsyncEvent NotificationKind = iota
	// NotificationTimeout reports a network failure that dropped a connection.
	NotificationTimeout
	// NotificationTerminate is sent once when the initiator shuts down.
	NotificationTerminate
)

func (kind NotificationKind) String() string {
	switch kind {
	case NotificationAsyncEvent:
		return "async_event"
	case NotificationTimeout:
		return "timeout"
	case NotificationTerminate:
		return "terminate"
	}
	return fmt.Sprintf("NotificationKind(%d)", int(kind))
}

// AsyncEventCode values are the AsyncEvent codes of RFC3720 section 10.9.1.
type AsyncEventCode byte

const (
	AsyncSCSIEvent          AsyncEventCode = 0
	AsyncLogoutRequest      AsyncEventCode = 1
	AsyncDropConnection     AsyncEventCode = 2
	AsyncDropAllConnections AsyncEventCode = 3
	AsyncRenegotiate        AsyncEventCode = 4
	AsyncVendorSpecific     AsyncEventCode = 255
)

func (code AsyncEventCode) String() string {
	switch code {
	case AsyncSCSIEvent:
		return "SCSI asynchronous event"
	case AsyncLogoutRequest:
		return "target requests logout"
	case AsyncDropConnection:
		return "target will drop connection"
	case AsyncDropAllConnections:
		return "target will drop all connections"
	case AsyncRenegotiate:
		return "target requests parameter negotiation"
	case AsyncVendorSpecific:
		return "vendor specific event"
	}
	return fmt.Sprintf("AsyncEventCode(%d)", byte(code))
}

type Notification struct {
	ID           uuid.UUID
	Kind         NotificationKind
	SessionID    SessionID
	ConnectionID ConnectionID
	// Set for NotificationAsyncEvent only.
	AsyncEvent      AsyncEventCode
	AsyncVendorCode byte
	Parameters      [3]uint16
	// Set for NotificationTimeout: the socket error that was observed.
	Reason string
	Time   time.Time
}

// Notifier delivers notifications to the owning client on a best-effort basis.
type Notifier struct {
	lock    sync.RWMutex
	queue   chan Notification
	closed  bool
	metrics metrics.InitiatorMetrics
}

func newNotifier(queueSize int, initiatorMetrics metrics.InitiatorMetrics) *Notifier {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Notifier{
		queue:   make(chan Notification, queueSize),
		metrics: initiatorMetrics,
	}
}

// publish never blocks; a notification is dropped when the queue is full or closed.
func (notifier *Notifier) publish(notification Notification) bool {
	notifier.lock.RLock()
	defer notifier.lock.RUnlock()
	if notification.ID == uuid.Nil {
		notification.ID = uuid.NewV1()
	}
	if notification.Time.IsZero() {
		notification.Time = time.Now()
	}
	if !notifier.closed {
		select {
		case notifier.queue <- notification:
			return true
		default:
		}
	}
	logger.WithConnection(notification.SessionID, notification.ConnectionID).
		Debugf("dropping %s notification: nobody is listening", notification.Kind)
	if notifier.metrics != nil {
		notifier.metrics.NotificationDropped(notification.Kind.String())
	}
	return false
}

func (notifier *Notifier) Notifications() <-chan Notification {
	return notifier.queue
}

func (notifier *Notifier) close() {
	notifier.lock.Lock()
	defer notifier.lock.Unlock()
	if notifier.closed {
		return
	}
	notifier.closed = true
	close(notifier.queue)
}
