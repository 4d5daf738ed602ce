package registry

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"deployer/internal/address"
	"deployer/internal/protocol"
	"deployer/internal/server"
	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/internal/transport"
	"deployer/util"
)

func startLive(t *testing.T, addr address.Address, p server.Policy) {
	t.Helper()
	srv := server.New(server.Config{
		Addr:    addr,
		Policy:  p,
		Service: service.Func(func(context.Context, *session.Session) error { return nil }),
		Logger:  util.NewLogger(0),
	})
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve(context.Background()) //nolint:errcheck
	t.Cleanup(srv.Close)
}

func makeStale(t *testing.T, addr address.Address) {
	t.Helper()
	ln, err := net.Listen("unix", string(addr))
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
}

func TestList(t *testing.T) {
	r := address.Resolver{TempDir: t.TempDir()}
	startLive(t, r.Resolve("2", "alice"), server.Named(true))
	makeStale(t, r.Resolve("10", "alice"))
	startLive(t, r.Resolve("1", "bob"), server.Named(true))
	// A literal-looking name in the namespace that is not numeric.
	if err := os.WriteFile(string(r.Resolve("0", "alice"))+"x", nil, 0o600); err != nil {
		t.Fatal(err)
	}

	l := &Lister{Resolver: r, Dialer: &transport.UnixDialer{}, Timeout: time.Second}
	entries, err := l.List(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
	if entries[0].ID != "2" || !entries[0].Live() {
		t.Errorf("first entry = %+v, want live id 2", entries[0])
	}
	if entries[1].ID != "10" || entries[1].Live() || entries[1].Err == nil {
		t.Errorf("second entry = %+v, want stale id 10", entries[1])
	}

	// Listing never removes stale files.
	if _, err := os.Lstat(string(r.Resolve("10", "alice"))); err != nil {
		t.Errorf("stale socket removed: %v", err)
	}
}

func TestList_Empty(t *testing.T) {
	l := &Lister{Resolver: address.Resolver{TempDir: t.TempDir()}, Dialer: &transport.UnixDialer{}}
	entries, err := l.List(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRender(t *testing.T) {
	started := time.Unix(1700000000, 0)
	entries := []Entry{
		{Addr: "/tmp/deployer.sock.alice.1", ID: "1", Info: &protocol.SessionInfo{
			PID: 100, Clients: 2, Started: started, Daemonized: true, ShutdownOnLastDisconnect: true,
		}},
		{Addr: "/tmp/deployer.sock.alice.3", ID: "3", Err: os.ErrNotExist},
	}
	var buf bytes.Buffer
	if err := Render(&buf, entries, started.Add(90*time.Second), false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("output:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Errorf("header = %q", lines[0])
	}
	for _, want := range []string{"live", "100", "1m30s", "anonymous", "/tmp/deployer.sock.alice.1"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("live row %q missing %q", lines[1], want)
		}
	}
	if !strings.Contains(lines[2], "stale") || strings.Contains(lines[2], "file does not exist") {
		t.Errorf("stale row = %q", lines[2])
	}

	buf.Reset()
	Render(&buf, entries[1:], started, true) //nolint:errcheck
	if !strings.Contains(buf.String(), "file does not exist") {
		t.Errorf("verbose stale row should include the error: %q", buf.String())
	}
}

func TestRender_NoSessions(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, nil, time.Now(), false); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "no sessions\n" {
		t.Errorf("got %q", buf.String())
	}
}
