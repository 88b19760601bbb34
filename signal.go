// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// shutdownRequestChannel is closed by requestShutdown to initiate shutdown
// from a subsystem using the same code path as an interrupt signal.
var (
	shutdownRequestChannel = make(chan struct{})
	shutdownRequestOnce    sync.Once
)

// interruptSignals defines the default signals to catch in order to do a proper
// shutdown.  This may be modified during init depending on the platform.
var interruptSignals = []os.Signal{os.Interrupt}

// forceExitSignals is the number of repeated signals after which the process
// exits without waiting for sessions to wind down.
const forceExitSignals = 3

// requestShutdown asks the process to shut down.  It may be called any number
// of times.
func requestShutdown() {
	shutdownRequestOnce.Do(func() { close(shutdownRequestChannel) })
}

// shutdownListener listens for OS Signals such as SIGINT (Ctrl+C) and shutdown
// requests.  It returns a context that is canceled when either is received.
func shutdownListener() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		select {
		case sig := <-interruptChannel:
			cpdLog.Infof("Received signal (%s).  Shutting down...", sig)
		case <-shutdownRequestChannel:
			cpdLog.Infof("Shutdown requested.  Shutting down...")
		}
		cancel()

		// Running sessions are aborted and refund what they can, which may
		// take a while.  Keep telling the user the process is not hung and
		// give up after repeated signals.
		for repeats := 1; ; repeats++ {
			sig := <-interruptChannel
			if repeats >= forceExitSignals {
				cpdLog.Warnf("Received signal (%s) %d times.  Exiting "+
					"without waiting for sessions", sig, repeats)
				if logRotator != nil {
					logRotator.Close()
				}
				os.Exit(1)
			}
			cpdLog.Infof("Received signal (%s).  Already shutting down...",
				sig)
		}
	}()

	return ctx
}

// shutdownRequested returns true when the context returned by shutdownListener
// was canceled.
func shutdownRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}

	return false
}
