// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/coinparty/cpd/internal/archive"
	"github.com/coinparty/cpd/internal/userapi"
	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing/commitment"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/coinparty/cpd/mixing/shuffle"
	"github.com/coinparty/cpd/mixing/txsign"
	"github.com/coinparty/cpd/transport"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	archLog = backendLog.Logger("ARCH")
	cmmtLog = backendLog.Logger("CMMT")
	cpdLog  = backendLog.Logger("CPD")
	ledgLog = backendLog.Logger("LEDG")
	poolLog = backendLog.Logger("POOL")
	sessLog = backendLog.Logger("SESS")
	shufLog = backendLog.Logger("SHUF")
	srvrLog = backendLog.Logger("SRVR")
	trnsLog = backendLog.Logger("TRNS")
	txsgLog = backendLog.Logger("TXSG")
	uapiLog = backendLog.Logger("UAPI")
)

// Initialize package-global logger variables.
func init() {
	archive.UseLogger(archLog)
	commitment.UseLogger(cmmtLog)
	ledger.UseLogger(ledgLog)
	mixpool.UseLogger(poolLog)
	session.UseLogger(sessLog)
	shuffle.UseLogger(shufLog)
	transport.UseLogger(trnsLog)
	txsign.UseLogger(txsgLog)
	userapi.UseLogger(uapiLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"ARCH": archLog,
	"CMMT": cmmtLog,
	"CPD":  cpdLog,
	"LEDG": ledgLog,
	"POOL": poolLog,
	"SESS": sessLog,
	"SHUF": shufLog,
	"SRVR": srvrLog,
	"TRNS": trnsLog,
	"TXSG": txsgLog,
	"UAPI": uapiLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}
