package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the DEPLOYER_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto opts.  Only non-empty
// env vars override the existing value.  cmd calls it BEFORE flag
// parsing and uses the result as flag defaults, so flags take
// precedence.
func LoadFromEnv(opts *Options) {
	if v := os.Getenv("DEPLOYER_SOCKET"); v != "" {
		opts.Socket = v
	}
	if v := os.Getenv("DEPLOYER_PATH"); v != "" {
		opts.Path = v
	}
	if v := os.Getenv("DEPLOYER_LOG"); v != "" {
		opts.LogFile = v
	}
	if v := os.Getenv("DEPLOYER_USER"); v != "" {
		opts.User = v
	}
	if v := os.Getenv("DEPLOYER_PORT"); v != "" {
		opts.PortSpec = v
	}
	if envBool("DEPLOYER_NON_INTERACTIVE") {
		opts.Interactive = false
	}

	// SSH tunnel
	if v := os.Getenv("DEPLOYER_TUNNEL"); v != "" {
		opts.TunnelSpec = v
	}
	if v := os.Getenv("DEPLOYER_SSH_KEY"); v != "" {
		opts.SSHKeyPath = v
	}
	if envBool("DEPLOYER_SSH_PASSWORD") {
		opts.SSHPassword = true
	}
	if envBool("DEPLOYER_SSH_AGENT") {
		opts.UseSSHAgent = true
	}
	if envBool("DEPLOYER_STRICT_HOSTKEY") {
		opts.StrictHostKey = true
	}
	if v := os.Getenv("DEPLOYER_KNOWN_HOSTS"); v != "" {
		opts.KnownHostsPath = v
	}

	// Output
	if v := envInt("DEPLOYER_VERBOSE"); v > 0 {
		opts.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
