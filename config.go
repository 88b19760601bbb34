// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/elliptic"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/coinparty/cpd/internal/version"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/coinparty/cpd/sampleconfig"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/go-socks/socks"
	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

const (
	defaultConfigFilename   = "cpd.conf"
	defaultDataDirname      = "data"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "cpd.log"
	defaultMaxLogRolls      = 8
	defaultMixnetFilename   = "mixnet.toml"
	defaultIdentityKeyName  = "identity.key"
	defaultPeerCertName     = "peer.cert"
	defaultPeerKeyName      = "peer.key"
	defaultTLSCurve         = "P-256"
	defaultDialTimeout      = 30 * time.Second
	defaultMinConfirmations = 2
	defaultMixValue         = 1.0
)

var (
	defaultHomeDir     = dcrutil.AppDataDir("cpd", false)
	defaultConfigFile  = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir     = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir      = filepath.Join(defaultHomeDir, defaultLogDirname)
	defaultDcrdRPCCert = filepath.Join(dcrutil.AppDataDir("dcrd", false), "rpc.cert")
)

// errSuppressUsage signifies that an error that happened during the initial
// configuration phase should suppress the usage output since it was not caused
// by the user.
type errSuppressUsage string

// Error implements the error interface.
func (e errSuppressUsage) Error() string {
	return string(e)
}

// config defines the configuration options for cpd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ShowVersion   bool   `short:"V" long:"version" description:"Display version information and exit"`
	HomeDir       string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile    string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir       string `short:"b" long:"datadir" description:"Directory to store the session archive"`
	LogDir        string `long:"logdir" description:"Directory to log output"`
	MaxLogRolls   int    `long:"maxlogrolls" description:"Number of rotated log files to keep"`
	NoFileLogging bool   `long:"nofilelogging" description:"Disable file logging"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Network settings.
	TestNet bool `long:"testnet" description:"Use the test network"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network"`
	RegNet  bool `long:"regnet" description:"Use the regression test network"`

	// Mixnet membership and identity.
	MixnetFile  string `long:"mixnet" description:"Path to the mixnet membership file"`
	IdentityKey string `long:"identitykey" description:"File holding the hex encoded identity key of this peer -- Use - to prompt for the key"`

	// Peer transport.
	Listeners   []string      `long:"listen" description:"Add an interface/port to listen for peer connections (default all interfaces port: 9121, testnet: 19121)"`
	PeerCert    string        `long:"peercert" description:"File containing the peer TLS certificate"`
	PeerKey     string        `long:"peerkey" description:"File containing the peer TLS certificate key"`
	NoPeerTLS   bool          `long:"nopeertls" description:"Disable TLS between mixnet peers"`
	TLSCurve    string        `long:"tlscurve" description:"Curve to use when generating the TLS keypair"`
	AltDNSNames []string      `long:"altdnsnames" env:"CPD_ALT_DNSNAMES" env-delim:"," description:"Specify additional dns names to use when generating the peer certificate"`
	DialTimeout time.Duration `long:"dialtimeout" description:"How long to wait for a peer connection to complete"`
	Proxy       string        `long:"proxy" description:"Connect to peers and dcrd via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser   string        `long:"proxyuser" default-mask:"-" description:"Username for proxy server"`
	ProxyPass   string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// User API.
	UserListeners []string `long:"userlisten" description:"Add an interface/port to serve the user API on (default: 127.0.0.1:9122, testnet: 127.0.0.1:19122)"`
	UserTLS       bool     `long:"usertls" description:"Serve the user API over TLS with the peer certificate"`

	// dcrd RPC.
	DcrdRPCServer    string `long:"dcrdrpcserver" description:"Host:port of the dcrd RPC server"`
	DcrdRPCUser      string `long:"dcrdrpcuser" description:"Username for dcrd RPC"`
	DcrdRPCPass      string `long:"dcrdrpcpass" default-mask:"-" description:"Password for dcrd RPC"`
	DcrdRPCCert      string `long:"dcrdrpccert" description:"File containing the dcrd RPC certificate"`
	NoDcrdTLS        bool   `long:"nodcrdtls" description:"Disable TLS for dcrd RPC -- NOTE: This is only allowed if the RPC server is on localhost"`
	MinConfirmations int64  `long:"minconf" description:"Confirmations required of escrow fundings and mix transactions"`

	// Sessions.
	GatherTimeout time.Duration `long:"gather" description:"Duration of the registration window of each session"`
	AgreeTimeout  time.Duration `long:"agreetimeout" description:"Bound on agreeing on the users of a session"`
	DealTimeout   time.Duration `long:"dealtimeout" description:"Bound on each escrow key generation round"`
	EscrowTimeout time.Duration `long:"escrowtimeout" description:"Bound on waiting for escrow fundings to confirm"`
	WorkTimeout   time.Duration `long:"worktimeout" description:"Bound on output reconstruction"`
	InputTimeout  time.Duration `long:"inputtimeout" description:"Bound on the nonce reveal"`
	SignTimeout   time.Duration `long:"signtimeout" description:"Bound on signing and confirming the mix transaction"`
	RefundTimeout time.Duration `long:"refundtimeout" description:"Bound on signing and confirming a refund"`
	PollInterval  time.Duration `long:"pollinterval" description:"Interval between dcrd polls"`
	MinUsers      int           `long:"minusers" description:"Minimum number of users of a mix"`
	MaxUsers      int           `long:"maxusers" description:"Maximum number of users of a session"`
	MixValue      float64       `long:"mixvalue" description:"Value in DCR paid to every mixed output"`
	FeeRate       float64       `long:"feerate" description:"Relay fee rate in DCR/kB of mix and refund transactions"`

	// The following fields are derived from the above fields by loadConfig.
	params   *params
	mixValue int64
	feeRate  int64
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// timeouts returns the session phase durations of the configuration.
func (cfg *config) timeouts() session.Timeouts {
	return session.Timeouts{
		Gather: cfg.GatherTimeout,
		Agree:  cfg.AgreeTimeout,
		Deal:   cfg.DealTimeout,
		Escrow: cfg.EscrowTimeout,
		Work:   cfg.WorkTimeout,
		Input:  cfg.InputTimeout,
		Sign:   cfg.SignTimeout,
		Refund: cfg.RefundTimeout,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	_, ok := slog.LevelFromString(logLevel)
	return ok
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// isLocalhost returns whether the host of a host:port address is a loopback
// interface.
func isLocalhost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// tlsCurve returns the elliptic curve of a curve name.
func tlsCurve(name string) (elliptic.Curve, error) {
	switch name {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported TLS curve %q", name)
}

// createDefaultConfigFile writes the sample configuration to destPath.
func createDefaultConfigFile(destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(sampleconfig.Cpd()), 0600)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in cpd functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig(appName string) (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:          defaultHomeDir,
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		MaxLogRolls:      defaultMaxLogRolls,
		DebugLevel:       defaultLogLevel,
		TLSCurve:         defaultTLSCurve,
		DialTimeout:      defaultDialTimeout,
		DcrdRPCCert:      defaultDcrdRPCCert,
		MinConfirmations: defaultMinConfirmations,
		GatherTimeout:    session.DefaultTimeouts.Gather,
		AgreeTimeout:     session.DefaultTimeouts.Agree,
		DealTimeout:      session.DefaultTimeouts.Deal,
		EscrowTimeout:    session.DefaultTimeouts.Escrow,
		WorkTimeout:      session.DefaultTimeouts.Work,
		InputTimeout:     session.DefaultTimeouts.Input,
		SignTimeout:      session.DefaultTimeouts.Sign,
		RefundTimeout:    session.DefaultTimeouts.Refund,
		PollInterval:     session.DefaultPollInterval,
		MinUsers:         session.DefaultMinUsers,
		MaxUsers:         session.DefaultMaxUsers,
		MixValue:         defaultMixValue,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Update the home directory for cpd if specified.  Since the home
	// directory is updated, other variables need to be updated to reflect the
	// new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(cleanAndExpandPath(preCfg.HomeDir))

		if preCfg.ConfigFile == defaultConfigFile {
			defaultConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
			preCfg.ConfigFile = defaultConfigFile
			cfg.ConfigFile = defaultConfigFile
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Create a default config file when one does not exist and the user did
	// not specify an override.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(preCfg.ConfigFile) {
		if err := createDefaultConfigFile(preCfg.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: "+
				"%v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			err = fmt.Errorf("error parsing config file: %w", err)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is linked to a
		// directory that does not exist (probably because it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		return nil, nil, errSuppressUsage(err.Error())
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.params = &mainNetParams
	if cfg.TestNet {
		numNets++
		cfg.params = &testNet3Params
	}
	if cfg.SimNet {
		numNets++
		cfg.params = &simNetParams
	}
	if cfg.RegNet {
		numNets++
		cfg.params = &regNetParams
	}
	if numNets > 1 {
		str := "%s: the testnet, regnet, and simnet params can't be " +
			"used together -- choose one of the three"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	activeNetParams = cfg.params

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		netName(cfg.params))
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		netName(cfg.params))

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := initLogRotator(logFile, cfg.MaxLogRolls); err != nil {
			return nil, nil, errSuppressUsage(err.Error())
		}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Resolve the mixnet, identity and certificate files against the home
	// directory.
	resolve := func(path, def string) string {
		if path == "" {
			return filepath.Join(cfg.HomeDir, def)
		}
		return cleanAndExpandPath(path)
	}
	cfg.MixnetFile = resolve(cfg.MixnetFile, defaultMixnetFilename)
	if cfg.IdentityKey != "-" {
		cfg.IdentityKey = resolve(cfg.IdentityKey, defaultIdentityKeyName)
	}
	cfg.PeerCert = resolve(cfg.PeerCert, defaultPeerCertName)
	cfg.PeerKey = resolve(cfg.PeerKey, defaultPeerKeyName)
	cfg.DcrdRPCCert = cleanAndExpandPath(cfg.DcrdRPCCert)

	if _, err := tlsCurve(cfg.TLSCurve); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.UserTLS && cfg.NoPeerTLS {
		err := fmt.Errorf("%s: --usertls and --nopeertls can't be used "+
			"together", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Default listeners and normalize the addresses.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{net.JoinHostPort("", cfg.params.peerPort)}
	}
	cfg.Listeners = normalizeAddresses(cfg.Listeners, cfg.params.peerPort)
	if len(cfg.UserListeners) == 0 {
		cfg.UserListeners = []string{
			net.JoinHostPort("127.0.0.1", cfg.params.userPort),
		}
	}
	cfg.UserListeners = normalizeAddresses(cfg.UserListeners,
		cfg.params.userPort)

	if cfg.DcrdRPCServer == "" {
		cfg.DcrdRPCServer = "localhost"
	}
	cfg.DcrdRPCServer = normalizeAddress(cfg.DcrdRPCServer,
		cfg.params.dcrdRPCPort)
	if cfg.NoDcrdTLS && !isLocalhost(cfg.DcrdRPCServer) {
		err := fmt.Errorf("%s: --nodcrdtls is only allowed for a dcrd RPC "+
			"server on localhost", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if cfg.MinConfirmations < 1 {
		err := fmt.Errorf("%s: --minconf must be at least 1", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.DialTimeout < time.Second {
		err := fmt.Errorf("%s: --dialtimeout must be at least 1s", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Convert the DCR amounts to atoms.
	mixValue, err := dcrutil.NewAmount(cfg.MixValue)
	if err != nil || mixValue <= 0 {
		err := fmt.Errorf("%s: invalid --mixvalue %v", funcName, cfg.MixValue)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.mixValue = int64(mixValue)
	if cfg.FeeRate != 0 {
		feeRate, err := dcrutil.NewAmount(cfg.FeeRate)
		if err != nil || feeRate < 0 {
			err := fmt.Errorf("%s: invalid --feerate %v", funcName,
				cfg.FeeRate)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		cfg.feeRate = int64(feeRate)
	}
	if cfg.MinUsers < 1 || cfg.MaxUsers < cfg.MinUsers {
		err := fmt.Errorf("%s: need 1 <= --minusers <= --maxusers", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Setup dial and DNS resolution (lookup) functions depending on the
	// specified options.  The default is to use the standard net.DialContext
	// function.  When a proxy is specified, the dial function is set to the
	// proxy specific dial function.
	var dialer net.Dialer
	cfg.dial = dialer.DialContext
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: proxy address '%s' is invalid: %w"
			err := fmt.Errorf(str, funcName, cfg.Proxy, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		cfg.dial = proxy.DialContext
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid options.
	// Note this should go directly before the return.
	if configFileError != nil {
		cpdLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// loadIdentityKey reads the hex encoded identity key of the local peer from
// the configured file, or prompts for it on the terminal.
func loadIdentityKey(path string) (*secp256k1.PrivateKey, error) {
	var encoded []byte
	if path == "-" {
		fmt.Fprint(os.Stderr, "Identity key: ")
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(os.Stderr, "\n")
		if err != nil {
			return nil, fmt.Errorf("unable to read identity key: %w", err)
		}
		encoded = secret
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read identity key: %w", err)
		}
		encoded = b
	}
	defer zero(encoded)

	trimmed := []byte(strings.TrimSpace(string(encoded)))
	defer zero(trimmed)
	raw := make([]byte, hex.DecodedLen(len(trimmed)))
	defer zero(raw)
	if _, err := hex.Decode(raw, trimmed); err != nil || len(raw) != 32 {
		return nil, errors.New("identity key must be 32 hex encoded bytes")
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
