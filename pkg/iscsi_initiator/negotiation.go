// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"iscsiinitiator/pkg/logger"
	"iscsiinitiator/pkg/pdu"
	"sort"
)

type negotiatedValue struct {
	session    bool
	parameter  int
	value      uint32
	textValue  string
	keyDetails *parameterKey
}

func lookupNegotiatedKey(name string) (negotiatedValue, bool) {
	for index := range sessionKeys {
		if key := &sessionKeys[index]; key.name != "" && key.name == name {
			return negotiatedValue{session: true, parameter: index, keyDetails: key}, true
		}
	}
	for index := range connectionKeys {
		if key := &connectionKeys[index]; key.name != "" && key.name == name {
			return negotiatedValue{parameter: index, keyDetails: key}, true
		}
	}
	return negotiatedValue{}, false
}

// ApplyNegotiatedKeys stores the outcome of a login or text negotiation given as
// Key=Value text. Every known key is checked before any of them is applied.
// Keys this initiator does not track are returned sorted.
func (manager *SessionManager) ApplyNegotiatedKeys(sessionId SessionID, connectionId ConnectionID, text []byte) ([]string, error) {
	const op = "ApplyNegotiatedKeys"
	var unknown []string
	var values []negotiatedValue
	for key, textValue := range pdu.ParseKeyValues(text) {
		negotiated, ok := lookupNegotiatedKey(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		value, ok := negotiated.keyDetails.conv(textValue)
		if !ok || !negotiated.keyDetails.check(value) {
			return nil, operationError(op, sessionId, connectionId, ErrInvalidArgument, "bad value %q for %s", textValue, key)
		}
		negotiated.value = value
		negotiated.textValue = textValue
		values = append(values, negotiated)
	}
	sort.Strings(unknown)

	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked(op, sessionId, connectionId)
	if err != nil {
		return nil, err
	}
	for _, negotiated := range values {
		if negotiated.session && session.active {
			return nil, operationError(op, sessionId, connectionId, ErrInvalidArgument,
				"%s cannot change while the session is active", negotiated.keyDetails.name)
		}
		if !negotiated.session && connection.activated {
			return nil, operationError(op, sessionId, connectionId, ErrInvalidArgument,
				"%s cannot change while the connection is active", negotiated.keyDetails.name)
		}
	}
	log := logger.WithConnection(sessionId, connectionId)
	for _, negotiated := range values {
		if negotiated.session {
			session.values[negotiated.parameter] = negotiated.value
		} else {
			connection.values[negotiated.parameter] = negotiated.value
		}
		log.Debugf("negotiated %s=%s", negotiated.keyDetails.name, negotiated.textValue)
	}
	if len(unknown) > 0 {
		log.Debugf("ignored keys %v", unknown)
	}
	return unknown, nil
}

// NegotiatedKeys renders the current session and connection values that have
// a text key, in parameter order.
func (manager *SessionManager) NegotiatedKeys(sessionId SessionID, connectionId ConnectionID) (*pdu.KeyValueList, error) {
	manager.accessLock.Lock()
	defer manager.accessLock.Unlock()
	session, connection, err := manager.connectionLocked("NegotiatedKeys", sessionId, connectionId)
	if err != nil {
		return nil, err
	}
	list := pdu.NewKeyValueList()
	for index, key := range sessionKeys {
		if key.name != "" && key.negotiated {
			list.Add(key.name, key.inConv(session.values[index]))
		}
	}
	for index, key := range connectionKeys {
		if key.name != "" {
			list.Add(key.name, key.inConv(connection.values[index]))
		}
	}
	return list, nil
}
