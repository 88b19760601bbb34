// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/coinparty/cpd/internal/version"
	"github.com/coinparty/cpd/mixnet"
)

var cfg *config

// cpdMain is the real main function for cpd.  It is necessary to work around
// the fact that deferred functions do not run when os.Exit() is called.
func cpdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName)
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	ctx := shutdownListener()
	defer cpdLog.Info("Shutdown complete")

	cpdLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cpdLog.Infof("Home dir: %s", cfg.HomeDir)
	cpdLog.Infof("Network: %s", cfg.params.Name)
	if cfg.NoFileLogging {
		cpdLog.Info("File logging disabled")
	}

	// A peer that can't determine its mixnet or identity must not start.
	mn, err := mixnet.Load(cfg.MixnetFile)
	if err != nil {
		cpdLog.Errorf("%v", err)
		return err
	}
	key, err := loadIdentityKey(cfg.IdentityKey)
	if err != nil {
		cpdLog.Errorf("%v", err)
		return err
	}

	if shutdownRequested(ctx) {
		return nil
	}

	svr, err := newServer(ctx, cfg, mn, key)
	if err != nil {
		cpdLog.Errorf("Unable to start server: %v", err)
		return err
	}

	if shutdownRequested(ctx) {
		return nil
	}

	// Run the server.  This will block until the context is cancelled which
	// happens when the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	svr.Run(ctx)
	srvrLog.Infof("Server shutdown complete")
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := cpdMain(); err != nil {
		os.Exit(1)
	}
}
