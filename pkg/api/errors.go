// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "fmt"

type ErrUnknownParameter struct {
	name string
}

func (err ErrUnknownParameter) Error() string {
	return fmt.Sprintf("unknown parameter '%s'", err.name)
}

type ErrUnknownRequestType struct {
	requestType string
}

func (err ErrUnknownRequestType) Error() string {
	return fmt.Sprintf("unknown request type %s", err.requestType)
}
