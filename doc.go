// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
cpd is a CoinParty mixnet peer.

A fixed set of peers listed in a membership file jointly mix Decred coins.
Every gathering window a new session opens.  Users register a commitment to
their output address with every peer, hand each peer a share of the output,
pay the agreed value into an escrow address whose key no single peer holds,
and receive it at a shuffled output once the peers sign the mix transaction
together.  Sessions that fail refund every confirmed escrow.  Up to a third of
the peers, rounded down, may misbehave without stopping a mix.

All long options (except -C) may also be set in the configuration file, by
default ~/.cpd/cpd.conf on POSIX-style operating systems and
%LOCALAPPDATA%\Cpd\cpd.conf on Windows.

Usage:

	cpd [OPTIONS]

Application Options:

	-V, --version          Display version information and exit
	-A, --appdata=         Path to application home directory
	-C, --configfile=      Path to configuration file
	-b, --datadir=         Directory to store the session archive
	    --logdir=          Directory to log output
	    --maxlogrolls=     Number of rotated log files to keep (default: 8)
	    --nofilelogging    Disable file logging
	-d, --debuglevel=      Logging level for all subsystems {trace, debug,
	                       info, warn, error, critical} -- You may also specify
	                       <subsystem>=<level>,<subsystem2>=<level>,... to set
	                       the log level for individual subsystems -- Use show
	                       to list available subsystems (info)
	    --testnet          Use the test network
	    --simnet           Use the simulation test network
	    --regnet           Use the regression test network
	    --mixnet=          Path to the mixnet membership file
	    --identitykey=     File holding the hex encoded identity key of this
	                       peer -- Use - to prompt for the key
	    --listen=          Add an interface/port to listen for peer
	                       connections (default all interfaces port: 9121,
	                       testnet: 19121)
	    --peercert=        File containing the peer TLS certificate
	    --peerkey=         File containing the peer TLS certificate key
	    --nopeertls        Disable TLS between mixnet peers
	    --tlscurve=        Curve to use when generating the TLS keypair
	                       (default: P-256)
	    --altdnsnames=     Specify additional dns names to use when generating
	                       the peer certificate [$CPD_ALT_DNSNAMES]
	    --dialtimeout=     How long to wait for a peer connection to complete
	                       (default: 30s)
	    --proxy=           Connect to peers and dcrd via SOCKS5 proxy
	    --proxyuser=       Username for proxy server
	    --proxypass=       Password for proxy server
	    --userlisten=      Add an interface/port to serve the user API on
	                       (default: 127.0.0.1:9122, testnet: 127.0.0.1:19122)
	    --usertls          Serve the user API over TLS with the peer
	                       certificate
	    --dcrdrpcserver=   Host:port of the dcrd RPC server
	    --dcrdrpcuser=     Username for dcrd RPC
	    --dcrdrpcpass=     Password for dcrd RPC
	    --dcrdrpccert=     File containing the dcrd RPC certificate
	    --nodcrdtls        Disable TLS for dcrd RPC
	    --minconf=         Confirmations required of escrow fundings and mix
	                       transactions (default: 2)
	    --gather=          Duration of the registration window of each
	                       session (default: 10m)
	    --agreetimeout=    Bound on agreeing on the users of a session
	    --dealtimeout=     Bound on each escrow key generation round
	    --escrowtimeout=   Bound on waiting for escrow fundings to confirm
	    --worktimeout=     Bound on output reconstruction
	    --inputtimeout=    Bound on the nonce reveal
	    --signtimeout=     Bound on signing and confirming the mix transaction
	    --refundtimeout=   Bound on signing and confirming a refund
	    --pollinterval=    Interval between dcrd polls (default: 15s)
	    --minusers=        Minimum number of users of a mix (default: 2)
	    --maxusers=        Maximum number of users of a session (default: 100)
	    --mixvalue=        Value in DCR paid to every mixed output (default: 1)
	    --feerate=         Relay fee rate in DCR/kB of mix and refund
	                       transactions

Help Options:

	-h, --help           Show this help message
*/
package main
