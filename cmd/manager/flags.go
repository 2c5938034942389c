//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values; main.go layers these over
// whatever internal/config.Load produced from an optional TOML file.
type cliConfig struct {
	configFile      string
	unixSocket      string
	listenAddr      string
	logLevel        string
	workers         int
	localPermission uint
	tlsCertFile     string
	tlsKeyFile      string
	noiseEnabled    bool
	showVersion     bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("manager", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.configFile, "config", "", "Path to a TOML configuration file (optional)")
	fs.StringVar(&cfg.unixSocket, "unix-socket", "", "UNIX domain socket path to listen on")
	fs.StringVar(&cfg.listenAddr, "listen", "", "TCP listen address (e.g. 0.0.0.0:4690)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.IntVar(&cfg.workers, "workers", 0, "Server logic pool worker count")
	fs.UintVar(&cfg.localPermission, "local-permission", 0, "This node's own IDMEF/ADMIN capability mask")
	fs.StringVar(&cfg.tlsCertFile, "tls-cert", "", "TLS certificate file (enables TLS when set with -tls-key)")
	fs.StringVar(&cfg.tlsKeyFile, "tls-key", "", "TLS private key file")
	fs.BoolVar(&cfg.noiseEnabled, "noise", false, "Offer a Noise NN handshake as an alternative to TLS")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.localPermission > 0xff {
		return nil, fmt.Errorf("local-permission must fit in a byte, got %d", cfg.localPermission)
	}

	return cfg, nil
}
