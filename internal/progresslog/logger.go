// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package progresslog

import (
	"sync"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"
)

// DefaultInterval is the minimum time between two progress messages.
const DefaultInterval = 10 * time.Second

// pickNoun returns the singular or plural form of a noun depending on the
// provided count.
func pickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// Logger provides periodic logging of scan progress.
type Logger struct {
	sync.Mutex
	subsystemLogger slog.Logger
	progressAction  string
	interval        time.Duration

	// lastLogTime tracks the last time a log statement was shown.
	lastLogTime time.Time

	// These fields accumulate information about blocks between log
	// statements.
	scannedBlocks uint64
	scannedTxns   uint64
	foundMatches  uint64
}

// New returns a new scan progress logger.
func New(progressAction string, logger slog.Logger) *Logger {
	return &Logger{
		lastLogTime:     time.Now(),
		progressAction:  progressAction,
		subsystemLogger: logger,
		interval:        DefaultInterval,
	}
}

// LogProgress accumulates details for the provided block and the number of
// escrow fundings it contained, and periodically logs an information message
// with the totals since the last message.
//
// The force flag may be used to force a log message to be shown regardless of
// the time the last one was shown.
//
// The progress message is templated as follows:
//
//	{progressAction} {numScanned} {blocks|block} in the last {timePeriod}
//	({numTxs} {transactions|transaction}, {numFound} {fundings|funding},
//	height {lastBlockHeight})
func (l *Logger) LogProgress(block *wire.MsgBlock, found int, forceLog bool) {
	l.Lock()
	defer l.Unlock()

	l.scannedBlocks++
	l.scannedTxns += uint64(len(block.Transactions))
	l.foundMatches += uint64(found)
	now := time.Now()
	duration := now.Sub(l.lastLogTime)
	if !forceLog && duration < l.interval {
		return
	}

	l.subsystemLogger.Infof("%s %d %s in the last %0.2fs (%d %s, %d %s, "+
		"height %d)", l.progressAction,
		l.scannedBlocks, pickNoun(l.scannedBlocks, "block", "blocks"),
		duration.Seconds(),
		l.scannedTxns, pickNoun(l.scannedTxns, "transaction", "transactions"),
		l.foundMatches, pickNoun(l.foundMatches, "funding", "fundings"),
		block.Header.Height)

	l.scannedBlocks = 0
	l.scannedTxns = 0
	l.foundMatches = 0
	l.lastLogTime = now
}

// SetLastLogTime updates the last time data was logged to the provided time.
func (l *Logger) SetLastLogTime(time time.Time) {
	l.Lock()
	l.lastLogTime = time
	l.Unlock()
}
