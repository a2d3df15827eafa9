// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"context"
	"sync"
	"sync/atomic"
)

type dispatcherState int32

const (
	dispatcherIdle = dispatcherState(iota)
	dispatcherArmed
	dispatcherWorkAvailable
)

func (state dispatcherState) String() string {
	switch state {
	case dispatcherIdle:
		return "idle"
	case dispatcherArmed:
		return "armed"
	case dispatcherWorkAvailable:
		return "work available"
	}
	return "unknown"
}

// eventSource binds one activated connection to the workloop. Its watcher
// goroutine waits until a complete PDU is buffered and only then signals the
// workloop, so a slow peer never holds the loop up. State changes happen on
// the workloop or under the access lock.
type eventSource struct {
	sessionId    SessionID
	connectionId ConnectionID
	connection   *connection
	wire         wireOptions
	loop         *workloop

	state   atomic.Int32
	enabled atomic.Bool
	// failure is written by the watcher before it signals and read by the workloop after.
	failure error

	rearm    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newEventSource(loop *workloop, sessionId SessionID, connection *connection, wire wireOptions) *eventSource {
	return &eventSource{
		sessionId:    sessionId,
		connectionId: connection.id,
		connection:   connection,
		wire:         wire,
		loop:         loop,
		rearm:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (source *eventSource) State() dispatcherState {
	return dispatcherState(source.state.Load())
}

// start moves the source from idle to armed.
func (source *eventSource) start() {
	source.enabled.Store(true)
	source.state.Store(int32(dispatcherArmed))
	source.rearm <- struct{}{}
	go source.watch()
}

// stop disables the source; a disabled source never reports work.
func (source *eventSource) stop() {
	source.stopOnce.Do(func() {
		source.enabled.Store(false)
		source.state.Store(int32(dispatcherIdle))
		close(source.done)
	})
}

func (source *eventSource) watch() {
	for {
		select {
		case <-source.done:
			return
		case <-source.rearm:
		}
		err := source.connection.waitForPDU(source.wire)
		if !source.enabled.Load() {
			return
		}
		source.failure = err
		source.state.Store(int32(dispatcherWorkAvailable))
		if !source.loop.signal(source) || err != nil {
			return
		}
	}
}

// arm hands the socket back to the watcher after the workloop drained it.
func (source *eventSource) arm() {
	if !source.enabled.Load() {
		return
	}
	source.state.Store(int32(dispatcherArmed))
	select {
	case source.rearm <- struct{}{}:
	default:
	}
}

func (source *eventSource) pduAvailable() bool {
	return source.enabled.Load() && source.State() == dispatcherWorkAvailable
}

// workloop is the single processing loop that drains readable connections.
type workloop struct {
	ready  chan *eventSource
	action func(source *eventSource) error
	failed func(source *eventSource, err error)
}

func newWorkloop(capacity int, action func(source *eventSource) error, failed func(source *eventSource, err error)) *workloop {
	return &workloop{
		ready:  make(chan *eventSource, capacity),
		action: action,
		failed: failed,
	}
}

func (loop *workloop) signal(source *eventSource) bool {
	select {
	case loop.ready <- source:
		return true
	case <-source.done:
		return false
	}
}

func (loop *workloop) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case source := <-loop.ready:
			loop.poll(source)
		}
	}
}

// poll runs the action while the source has a PDU pending, then re-arms it.
func (loop *workloop) poll(source *eventSource) {
	if !source.pduAvailable() {
		return
	}
	if source.failure != nil {
		loop.failed(source, source.failure)
		return
	}
	for source.pduAvailable() {
		if err := loop.action(source); err != nil {
			if source.enabled.Load() {
				loop.failed(source, err)
			}
			return
		}
		if !source.connection.pduBuffered(source.wire) {
			break
		}
	}
	source.arm()
}
