// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package progresslog provides periodic logging of ledger scans.

The ledger adapter walks blocks from a cursor looking for escrow fundings.
Logging every block would flood the log, so totals are accumulated and shown
at most once per interval:

  - Total number of blocks scanned
  - Total number of transactions inspected
  - Total number of escrow fundings found
*/
package progresslog
