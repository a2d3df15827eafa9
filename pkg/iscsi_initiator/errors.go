// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument covers out-of-range identifiers, malformed input and unknown parameter kinds.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound means the addressed session or connection slot is empty.
	ErrNotFound = errors.New("not found")
	// ErrNotAttached means the connection exists but is not activated.
	// It matches ErrNotFound as well.
	ErrNotAttached = fmt.Errorf("not attached: %w", ErrNotFound)
	// ErrNoResources means the session or connection table is full.
	ErrNoResources = errors.New("no resources")
	// ErrIO wraps socket read and write failures; the connection should be released.
	ErrIO = errors.New("i/o error")
	// ErrUnsupported is returned for features and selectors this initiator does not implement.
	ErrUnsupported = errors.New("unsupported")
)

// OperationError gives an error its session and connection context.
type OperationError struct {
	Op           string
	SessionID    SessionID
	ConnectionID ConnectionID
	Kind         error
	Detail       string
	Err          error
}

func (err *OperationError) Error() string {
	builder := strings.Builder{}
	builder.WriteString(err.Op)
	if err.SessionID != InvalidSessionID {
		fmt.Fprintf(&builder, " session %d", err.SessionID)
	}
	if err.ConnectionID != InvalidConnectionID {
		fmt.Fprintf(&builder, " connection %d", err.ConnectionID)
	}
	builder.WriteString(": ")
	if err.Detail != "" {
		builder.WriteString(err.Detail)
		builder.WriteString(": ")
	}
	if err.Err != nil {
		builder.WriteString(err.Err.Error())
		builder.WriteString(": ")
	}
	builder.WriteString(err.Kind.Error())
	return builder.String()
}

func (err *OperationError) Unwrap() []error {
	if err.Err == nil {
		return []error{err.Kind}
	}
	return []error{err.Kind, err.Err}
}

func operationError(op string, sessionId SessionID, connectionId ConnectionID, kind error, format string, args ...any) *OperationError {
	return &OperationError{
		Op:           op,
		SessionID:    sessionId,
		ConnectionID: connectionId,
		Kind:         kind,
		Detail:       fmt.Sprintf(format, args...),
	}
}

func ioError(op string, sessionId SessionID, connectionId ConnectionID, cause error) *OperationError {
	return &OperationError{
		Op:           op,
		SessionID:    sessionId,
		ConnectionID: connectionId,
		Kind:         ErrIO,
		Err:          cause,
	}
}
