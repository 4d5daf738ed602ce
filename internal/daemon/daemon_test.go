package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"runtime"
	"syscall"
	"testing"
	"time"

	"deployer/internal/address"
	derr "deployer/internal/errors"
	"deployer/internal/server"
	"deployer/internal/service"
	"deployer/internal/session"
	"deployer/util"
)

// helperEnv selects what the re-executed test binary does instead of
// running tests.
const helperEnv = "DEPLOYER_DAEMON_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "serve":
		os.Exit(runHelperServer(os.Args[1:]))
	case "exit":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

// runHelperServer stands in for `deployer serve-daemon`.
func runHelperServer(args []string) int {
	var sock string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--socket" {
			sock = args[i+1]
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	srv := server.New(server.Config{
		Addr:    address.Address(sock),
		Policy:  server.Anonymous(false),
		Service: service.Func(func(context.Context, *session.Session) error { return nil }),
		Logger:  util.NewLogger(0),
		// Exit on its own if the test never attaches.
		IdleGrace: 5 * time.Second,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return 1
	}
	return 0
}

func spawner(t *testing.T, mode string) *ExecSpawner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return &ExecSpawner{
		Executable:   exe,
		Env:          []string{helperEnv + "=" + mode},
		ReadyTimeout: 5 * time.Second,
		Logger:       util.NewLogger(0),
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "anonymous",
			cfg:  Config{Addr: "/tmp/deployer.sock.alice.1", Policy: server.Anonymous(true)},
			want: []string{"serve-daemon", "--socket", "/tmp/deployer.sock.alice.1", "--shutdown-on-last-disconnect"},
		},
		{
			name: "named non-interactive with log",
			cfg:  Config{Addr: "/run/x.sock", Policy: server.Named(false), LogFile: "/var/log/d.log", Verbose: 2},
			want: []string{"serve-daemon", "--socket", "/run/x.sock", "--non-interactive", "--log", "/var/log/d.log", "-vv"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Args(tt.cfg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecSpawner_Ready(t *testing.T) {
	s := spawner(t, "serve")
	addr := address.Address(filepath.Join(t.TempDir(), "d.sock"))

	h, err := s.Spawn(context.Background(), Config{Addr: addr, Policy: server.Anonymous(false)})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		if p, err := os.FindProcess(h.PID); err == nil {
			p.Signal(syscall.SIGTERM) //nolint:errcheck
		}
	})

	if h.Addr != addr || h.PID <= 0 {
		t.Errorf("unexpected handle %+v", h)
	}
	if _, err := os.Lstat(string(addr)); err != nil {
		t.Errorf("socket should exist once ready: %v", err)
	}
}

func TestExecSpawner_ChildExits(t *testing.T) {
	s := spawner(t, "exit")
	addr := address.Address(filepath.Join(t.TempDir(), "d.sock"))

	start := time.Now()
	_, err := s.Spawn(context.Background(), Config{Addr: addr, Policy: server.Anonymous(false)})
	if !derr.IsBootstrapFailure(err) {
		t.Fatalf("err = %v, want BootstrapFailure", err)
	}
	if !errors.Is(err, derr.ErrDaemonExited) {
		t.Errorf("err = %v, want ErrDaemonExited", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("exit should stop the wait early, took %v", time.Since(start))
	}
}

func TestExecSpawner_MissingExecutable(t *testing.T) {
	s := spawner(t, "serve")
	s.Executable = filepath.Join(t.TempDir(), "no-such-binary")
	_, err := s.Spawn(context.Background(), Config{Addr: "/tmp/unused.sock"})
	if !derr.IsBootstrapFailure(err) {
		t.Fatalf("err = %v, want BootstrapFailure", err)
	}
}

func TestExecSpawner_NotReady(t *testing.T) {
	s := spawner(t, "serve")
	s.ReadyTimeout = 50 * time.Millisecond
	// The child cannot bind inside a missing directory.  Whether its
	// exit or the timeout is seen first, the spawn fails.
	addr := address.Address(filepath.Join(t.TempDir(), "missing", "d.sock"))
	_, err := s.Spawn(context.Background(), Config{Addr: addr})
	if !derr.IsBootstrapFailure(err) {
		t.Fatalf("err = %v, want BootstrapFailure", err)
	}
	if !errors.Is(err, derr.ErrNotReady) && !errors.Is(err, derr.ErrDaemonExited) {
		t.Errorf("err = %v, want ErrNotReady or ErrDaemonExited", err)
	}
}
