// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"io"
	"iscsiinitiator/pkg/common"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

const (
	KeySessionID    = "session_id"
	KeyConnectionID = "connection_id"
	KeyTargetName   = "target"
	KeyPortal       = "portal"
	KeyOpCode       = "opcode"
	KeyFunction     = "func"
)

var logFileLock = &sync.Mutex{}

type LoggingConfig struct {
	level  LogLevel
	format string
	base   *logrus.Logger
}

var logFileInstance *LoggingConfig

func (level LogLevel) String() string {
	switch level {
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	}
	return fmt.Sprintf("LogLevel(%d)", int(level))
}

func (level LogLevel) logrusLevel() logrus.Level {
	switch level {
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// ParseLevel accepts the level names used in configuration files.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(name) {
	case "ERROR":
		return Error, nil
	case "WARN", "WARNING":
		return Warning, nil
	case "INFO", "":
		return Info, nil
	case "DEBUG":
		return Debug, nil
	}
	return Info, fmt.Errorf("unknown log level %q", name)
}

func GetLoggingConfig() *LoggingConfig {
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if logFileInstance == nil {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
		logFileInstance = &LoggingConfig{
			level:  Info,
			format: "text",
			base:   base,
		}
	}
	return logFileInstance
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.level = level
	loggingConfig.base.SetLevel(level.logrusLevel())
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) error {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	switch strings.ToLower(format) {
	case "text", "":
		loggingConfig.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		loggingConfig.format = "text"
	case "json":
		loggingConfig.base.SetFormatter(&logrus.JSONFormatter{})
		loggingConfig.format = "json"
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func SetOutput(output io.Writer) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.base.SetOutput(output)
}

func Level() LogLevel {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	return loggingConfig.level
}

// GetLogger returns an entry tagged with the calling function.
func GetLogger() *logrus.Entry {
	loggingConfig := GetLoggingConfig()
	return loggingConfig.base.WithField(KeyFunction, common.TraceInfo(2))
}

func WithSession(sessionId any) *logrus.Entry {
	loggingConfig := GetLoggingConfig()
	return loggingConfig.base.WithFields(logrus.Fields{
		KeyFunction:  common.TraceInfo(2),
		KeySessionID: sessionId,
	})
}

func WithConnection(sessionId, connectionId any) *logrus.Entry {
	loggingConfig := GetLoggingConfig()
	return loggingConfig.base.WithFields(logrus.Fields{
		KeyFunction:     common.TraceInfo(2),
		KeySessionID:    sessionId,
		KeyConnectionID: connectionId,
	})
}
