// Package address turns a user-supplied socket identifier into the
// location of a session's listening socket.
//
// A purely numeric identifier is a short alias inside a per-user
// namespace under the temp directory; anything else is a literal path.
package address

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"deployer/config"
)

// Address is the filesystem path of a session socket.  The zero value
// means "no address": the caller has to bootstrap a fresh server.
type Address string

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Resolver maps identifiers to addresses relative to TempDir.
type Resolver struct {
	TempDir string
}

// Default resolves against the process temp directory.
func Default() Resolver { return Resolver{TempDir: os.TempDir()} }

// Resolve is Default().Resolve.
func Resolve(raw, user string) Address { return Default().Resolve(raw, user) }

// Resolve returns the canonical address for raw as seen by user.  It is
// a pure function of its inputs and never looks at the filesystem.
func (r Resolver) Resolve(raw, user string) Address {
	switch {
	case raw == "":
		return ""
	case isDigits(raw):
		return Address(filepath.Join(r.TempDir, fmt.Sprintf("%s.%s.%s", config.SocketPrefix, escapeUser(user), raw)))
	default:
		return Address(raw)
	}
}

// Namespace returns the glob pattern matching every numeric address
// owned by user.
func (r Resolver) Namespace(user string) string {
	return filepath.Join(r.TempDir, fmt.Sprintf("%s.%s.*", config.SocketPrefix, escapeUser(user)))
}

// ID returns the numeric alias of addr within user's namespace, or ""
// when addr is a literal path outside it.
func (r Resolver) ID(addr Address, user string) string {
	prefix := string(r.Resolve("0", user))
	prefix = prefix[:len(prefix)-1]
	id := strings.TrimPrefix(string(addr), prefix)
	if id == string(addr) || !isDigits(id) {
		return ""
	}
	return id
}

// Allocate returns the lowest numeric address in user's namespace that
// has no file yet.  Two concurrent callers can pick the same slot; the
// bind that follows decides which one wins.
func (r Resolver) Allocate(user string) (Address, error) {
	for id := 1; id <= config.DefaultMaxSessions; id++ {
		addr := r.Resolve(fmt.Sprint(id), user)
		if _, err := os.Lstat(string(addr)); os.IsNotExist(err) {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no free session id in %s (1-%d in use)", r.Namespace(user), config.DefaultMaxSessions)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// escapeUser keeps a user name from escaping the temp directory or
// widening the namespace glob.  Escaping '%' too keeps the mapping
// one-to-one, so distinct users never share a socket name.
func escapeUser(user string) string {
	var b strings.Builder
	for i := 0; i < len(user); i++ {
		switch c := user[i]; c {
		case '%', '/', '\\', '*', '?', '[':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
