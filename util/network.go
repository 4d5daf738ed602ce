package util

import (
	"net"
	"os"
	"os/user"
	"strconv"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CurrentUser returns the login name of the invoking user, falling back
// to $USER / $USERNAME and finally the numeric uid.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return strconv.Itoa(os.Getuid())
}
