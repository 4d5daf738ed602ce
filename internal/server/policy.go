package server

import "fmt"

// Policy is how a server behaves over its lifetime.  It is fixed when
// the server is built.
type Policy struct {
	// Daemonized servers run detached from the invoking terminal.
	Daemonized bool
	// ShutdownOnLastDisconnect stops the server once its last attached
	// client leaves.
	ShutdownOnLastDisconnect bool
	// Interactive sessions may ask the client questions.
	Interactive bool
}

// Foreground is the policy of `listen`: persistent, attached to the
// invoking terminal.
func Foreground(interactive bool) Policy {
	return Policy{Interactive: interactive}
}

// Anonymous is the policy of a daemon spawned for a single `start`.
func Anonymous(interactive bool) Policy {
	return Policy{Daemonized: true, ShutdownOnLastDisconnect: true, Interactive: interactive}
}

// Named is the policy of a daemon spawned at an explicit address; it
// outlives its clients so later invocations can reuse it.
func Named(interactive bool) Policy {
	return Policy{Daemonized: true, Interactive: interactive}
}

func (p Policy) String() string {
	kind := "foreground"
	if p.Daemonized {
		kind = "daemon"
	}
	life := "persistent"
	if p.ShutdownOnLastDisconnect {
		life = "exit-on-last-disconnect"
	}
	return fmt.Sprintf("%s,%s,interactive=%t", kind, life, p.Interactive)
}
