// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// GetTraceInfo describes the caller of the function that invoked it.
func GetTraceInfo() string {
	return TraceInfo(3)
}

// TraceInfo describes the frame `skip` levels above TraceInfo itself.
func TraceInfo(skip int) string {
	pc, fileName, fileLine, ok := runtime.Caller(skip)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		return fmt.Sprintf("%s() at %s:%d", filepath.Base(details.Name()), filepath.Base(fileName), fileLine)
	}
	return ""
}
