package core

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deployer/config"
	"deployer/internal/address"
	"deployer/internal/daemon"
	derr "deployer/internal/errors"
	"deployer/internal/protocol"
	"deployer/internal/server"
	"deployer/internal/shell"
	"deployer/internal/transport"
	"deployer/util"
)

// fakeSpawner stands in for a detached daemon by running the server in
// this process.
type fakeSpawner struct {
	t *testing.T

	mu      sync.Mutex
	calls   int
	configs []daemon.Config
	servers []*server.Server

	// before runs ahead of the spawn, e.g. to simulate a concurrent
	// invocation that binds the address first.
	before func(cfg daemon.Config)
}

func (f *fakeSpawner) Spawn(ctx context.Context, cfg daemon.Config) (*daemon.Handle, error) {
	f.mu.Lock()
	f.calls++
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()

	if f.before != nil {
		f.before(cfg)
	}
	srv, err := runServer(f.t, cfg.Addr, cfg.Policy)
	if err != nil {
		return nil, derr.Bootstrap("ready", string(cfg.Addr), err)
	}
	f.mu.Lock()
	f.servers = append(f.servers, srv)
	f.mu.Unlock()
	return &daemon.Handle{PID: os.Getpid(), Addr: cfg.Addr}, nil
}

func runServer(t *testing.T, addr address.Address, p server.Policy) (*server.Server, error) {
	t.Helper()
	srv := server.New(server.Config{
		Addr:        addr,
		Policy:      p,
		Service:     shell.New(),
		Logger:      util.NewLogger(0),
		GracePeriod: time.Second,
	})
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background()) //nolint:errcheck
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return srv, nil
}

func startOptions(dir, socket string) *config.Options {
	opts := config.New(config.CommandStart)
	opts.Socket = socket
	opts.User = "alice"
	opts.Path = dir
	opts.Interactive = false
	return opts
}

func runMode(t *testing.T, opts *config.Options, deps Deps, input string) (string, error) {
	t.Helper()
	if err := opts.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var out bytes.Buffer
	deps.Stdin = strings.NewReader(input)
	deps.Stdout = &out
	mode, err := Build(opts, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = mode.Run(ctx)
	return out.String(), err
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never appeared", path)
}

// start --socket 7 twice: one daemon is spawned, the second invocation
// attaches to it.
func TestDaemonMode_NamedReuse(t *testing.T) {
	deps := testDeps(t)
	spawner := deps.Spawner.(*fakeSpawner)
	dir := deps.Resolver.TempDir

	for i := 0; i < 2; i++ {
		out, err := runMode(t, startOptions(dir, "7"), deps, "echo round\n")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !strings.Contains(out, "round") {
			t.Errorf("run %d output = %q", i, out)
		}
	}

	if spawner.calls != 1 {
		t.Fatalf("spawned %d daemons, want 1", spawner.calls)
	}
	cfg := spawner.configs[0]
	if want := deps.Resolver.Resolve("7", "alice"); cfg.Addr != want {
		t.Errorf("spawned at %q, want %q", cfg.Addr, want)
	}
	if cfg.Policy != server.Named(false) {
		t.Errorf("policy = %s, want named", cfg.Policy)
	}
	if _, err := os.Stat(string(cfg.Addr)); err != nil {
		t.Errorf("named session should outlive its clients: %v", err)
	}
}

func TestDaemonMode_Anonymous(t *testing.T) {
	deps := testDeps(t)
	spawner := deps.Spawner.(*fakeSpawner)

	out, err := runMode(t, startOptions(deps.Resolver.TempDir, ""), deps, "echo anon\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "anon") {
		t.Errorf("output = %q", out)
	}
	if spawner.calls != 1 {
		t.Fatalf("spawned %d daemons, want 1", spawner.calls)
	}
	cfg := spawner.configs[0]
	if want := deps.Resolver.Resolve("1", "alice"); cfg.Addr != want {
		t.Errorf("allocated %q, want %q", cfg.Addr, want)
	}
	if cfg.Policy != server.Anonymous(false) {
		t.Errorf("policy = %s, want anonymous", cfg.Policy)
	}

	select {
	case <-spawner.servers[0].Done():
	case <-time.After(3 * time.Second):
		t.Fatal("anonymous server should stop after its last client")
	}
}

func TestDaemonMode_StaleSocket(t *testing.T) {
	deps := testDeps(t)
	spawner := deps.Spawner.(*fakeSpawner)
	addr := filepath.Join(deps.Resolver.TempDir, "stale.sock")

	ln, err := net.Listen("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()

	_, err = runMode(t, startOptions(deps.Resolver.TempDir, addr), deps, "")
	if !derr.IsConnectionFailure(err) || !derr.Is(err, derr.ErrStaleSocket) {
		t.Fatalf("expected stale connection failure, got %v", err)
	}
	if spawner.calls != 0 {
		t.Errorf("stale address must not be bootstrapped, spawned %d", spawner.calls)
	}
}

// Two invocations race for the same named address; the loser attaches
// to the winner.
func TestDaemonMode_LostRace(t *testing.T) {
	deps := testDeps(t)
	spawner := deps.Spawner.(*fakeSpawner)
	spawner.before = func(cfg daemon.Config) {
		if _, err := runServer(t, cfg.Addr, cfg.Policy); err != nil {
			t.Errorf("winner: %v", err)
		}
	}

	out, err := runMode(t, startOptions(deps.Resolver.TempDir, "5"), deps, "echo late\n")
	if err != nil {
		t.Fatalf("loser should attach to the winner: %v", err)
	}
	if !strings.Contains(out, "late") {
		t.Errorf("output = %q", out)
	}
}

func TestDaemonMode_SpawnFailure(t *testing.T) {
	deps := testDeps(t)
	deps.Spawner = spawnFunc(func(ctx context.Context, cfg daemon.Config) (*daemon.Handle, error) {
		return nil, derr.Bootstrap("spawn", string(cfg.Addr), derr.ErrDaemonExited)
	})

	_, err := runMode(t, startOptions(deps.Resolver.TempDir, ""), deps, "")
	if !derr.IsBootstrapFailure(err) {
		t.Fatalf("expected bootstrap failure, got %v", err)
	}
}

type spawnFunc func(ctx context.Context, cfg daemon.Config) (*daemon.Handle, error)

func (f spawnFunc) Spawn(ctx context.Context, cfg daemon.Config) (*daemon.Handle, error) {
	return f(ctx, cfg)
}

// listen --socket 9, then connect --socket 9 attaches; connect to an
// address nobody serves fails.
func TestListenThenConnect(t *testing.T) {
	deps := testDeps(t)
	dir := deps.Resolver.TempDir

	listen := config.New(config.CommandListen)
	listen.Socket = "9"
	listen.User = "alice"
	listen.Interactive = false
	if err := listen.Validate(); err != nil {
		t.Fatal(err)
	}
	var listenOut bytes.Buffer
	ldeps := deps
	ldeps.Stdout = &listenOut
	mode, err := Build(listen, ldeps)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- mode.Run(ctx) }()

	addr := string(deps.Resolver.Resolve("9", "alice"))
	waitForFile(t, addr)

	connect := config.New(config.CommandConnect)
	connect.Socket = "9"
	connect.User = "alice"
	connect.Path = dir
	out, err := runMode(t, connect, deps, "echo attached\npwd\n")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.Contains(out, "attached") || !strings.Contains(out, dir) {
		t.Errorf("output = %q", out)
	}

	missing := config.New(config.CommandConnect)
	missing.Socket = "10"
	missing.User = "alice"
	_, err = runMode(t, missing, deps, "")
	if !derr.IsConnectionFailure(err) || !derr.Is(err, derr.ErrNoSession) {
		t.Errorf("expected no-session connection failure, got %v", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("listen: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not stop on cancel")
	}
	if !strings.Contains(listenOut.String(), "session 9 listening on "+addr) {
		t.Errorf("listen output = %q", listenOut.String())
	}
	if _, err := os.Stat(addr); !os.IsNotExist(err) {
		t.Errorf("socket should be removed on stop: %v", err)
	}
}

func TestListenMode_AddressInUse(t *testing.T) {
	deps := testDeps(t)
	addr := deps.Resolver.Resolve("2", "alice")
	if _, err := runServer(t, addr, server.Foreground(false)); err != nil {
		t.Fatal(err)
	}

	opts := config.New(config.CommandListen)
	opts.Socket = "2"
	opts.User = "alice"
	_, err := runMode(t, opts, deps, "")
	if !derr.IsBootstrapFailure(err) || !derr.Is(err, derr.ErrAddressInUse) {
		t.Fatalf("expected address-in-use bootstrap failure, got %v", err)
	}
}

func TestStandaloneMode(t *testing.T) {
	dir := t.TempDir()
	opts := config.New(config.CommandStart)
	opts.SingleThreaded = true
	opts.User = "alice"
	opts.Path = dir
	opts.Interactive = false

	out, err := runMode(t, opts, testDeps(t), "pwd\necho done\nexit\necho never\n")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, dir) || !strings.Contains(out, "done") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "never") {
		t.Errorf("commands after exit ran: %q", out)
	}
}

func TestListSessionsMode(t *testing.T) {
	deps := testDeps(t)
	if _, err := runServer(t, deps.Resolver.Resolve("3", "alice"), server.Named(true)); err != nil {
		t.Fatal(err)
	}

	opts := config.New(config.CommandListSessions)
	opts.User = "alice"
	out, err := runMode(t, opts, deps, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "live") || !strings.Contains(out, "named") {
		t.Errorf("output = %q", out)
	}

	opts = config.New(config.CommandListSessions)
	opts.User = "bob"
	out, err = runMode(t, opts, deps, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "no sessions" {
		t.Errorf("other user's namespace should be empty, got %q", out)
	}
}

func TestTelnetMode(t *testing.T) {
	port := freePort(t)
	var out bytes.Buffer
	mode := &TelnetMode{
		Port:    port,
		Service: shell.New(),
		Logger:  util.NewLogger(0),
		Stdout:  &out,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mode.Run(ctx) }()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", util.FormatAddr("127.0.0.1", port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial telnet: %v", err)
	}
	conn.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("telnet: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("telnet did not stop on cancel")
	}
	if !strings.Contains(out.String(), "telnet server listening on") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeDaemonMode(t *testing.T) {
	addr := address.Address(filepath.Join(t.TempDir(), "d.sock"))
	mode := &ServeDaemonMode{
		Addr:    addr,
		Policy:  server.Named(false),
		Service: shell.New(),
		Logger:  util.NewLogger(0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mode.Run(ctx) }()
	waitForFile(t, string(addr))

	info, err := protocol.Probe(context.Background(), &transport.UnixDialer{}, string(addr), time.Second)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !info.Daemonized || info.ShutdownOnLastDisconnect {
		t.Errorf("info = %+v", info)
	}
	if info.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", info.PID, os.Getpid())
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve-daemon: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve-daemon did not stop on cancel")
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
