// Package registry enumerates the sessions in a user's numeric
// namespace.  It only reads: stale socket files are reported, never
// removed.
package registry

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"deployer/config"
	"deployer/internal/address"
	"deployer/internal/protocol"
)

// Entry is one socket file found in the namespace.
type Entry struct {
	Addr address.Address
	ID   string
	Info *protocol.SessionInfo // nil when nothing answered
	Err  error                 // probe failure for stale entries
}

// Live reports whether a server answered the probe.
func (e Entry) Live() bool { return e.Info != nil }

// Lister probes every socket in a namespace.
type Lister struct {
	Resolver address.Resolver
	Dialer   protocol.Dialer
	Timeout  time.Duration
}

// List returns the entries for user ordered by numeric id.
func (l *Lister) List(ctx context.Context, user string) ([]Entry, error) {
	matches, err := filepath.Glob(l.Resolver.Namespace(user))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	timeout := l.Timeout
	if timeout == 0 {
		timeout = config.DefaultProbeTimeout
	}

	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		addr := address.Address(m)
		id := l.Resolver.ID(addr, user)
		if id == "" {
			continue
		}
		e := Entry{Addr: addr, ID: id}
		e.Info, e.Err = protocol.Probe(ctx, l.Dialer, m, timeout)
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, _ := strconv.Atoi(entries[i].ID)
		b, _ := strconv.Atoi(entries[j].ID)
		return a < b
	})
	return entries, nil
}

// Render writes entries as a table.  With verbose set, stale entries
// include the probe error.
func Render(w io.Writer, entries []Entry, now time.Time, verbose bool) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPID\tCLIENTS\tUPTIME\tPOLICY\tSOCKET")
	for _, e := range entries {
		if !e.Live() {
			state := "stale"
			if verbose && e.Err != nil {
				state = fmt.Sprintf("stale (%v)", e.Err)
			}
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t%s\n", e.ID, state, e.Addr)
			continue
		}
		fmt.Fprintf(tw, "%s\tlive\t%d\t%d\t%s\t%s\t%s\n",
			e.ID, e.Info.PID, e.Info.Clients, e.Info.Uptime(now), policyLabel(e.Info), e.Addr)
	}
	return tw.Flush()
}

func policyLabel(i *protocol.SessionInfo) string {
	switch {
	case !i.Daemonized:
		return "listen"
	case i.ShutdownOnLastDisconnect:
		return "anonymous"
	default:
		return "named"
	}
}
