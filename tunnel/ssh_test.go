package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	derr "deployer/internal/errors"
	"deployer/util"
)

// streamLocalPayload is the extra data of a direct-streamlocal channel.
type streamLocalPayload struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}

// startSSHServer runs a minimal sshd on loopback that accepts any public
// key and forwards direct-streamlocal channels to local unix sockets.
func startSSHServer(t *testing.T) (host string, port int) {
	t.Helper()

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(newSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nc, cfg)
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port
}

func serveSSHConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "direct-streamlocal@openssh.com" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var p streamLocalPayload
		if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
			nch.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		target, err := net.Dial("unix", p.SocketPath)
		if err != nil {
			nch.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			defer ch.Close()
			defer target.Close()
			go io.Copy(target, ch) //nolint:errcheck
			io.Copy(ch, target)    //nolint:errcheck
		}()
	}
}

func TestSSHTunnel_DialRemoteSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "remote.sock")
	uln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer uln.Close()
	go func() {
		c, err := uln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hello over ssh\n")) //nolint:errcheck
	}()

	host, port := startSSHServer(t)
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	tun := NewSSHTunnel(&SSHConfig{
		User:    "deploy",
		Host:    host,
		Port:    port,
		KeyPath: keyPath,
	}, util.NewLogger(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tun.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Close()
	if !tun.IsAlive() {
		t.Fatal("tunnel should be alive after Connect")
	}

	conn, err := tun.Dial(ctx, "unix", sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello over ssh\n" {
		t.Errorf("got %q", got)
	}
}

func TestSSHTunnel_DialBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "127.0.0.1"}, util.NewLogger(0))
	_, err := tun.Dial(context.Background(), "unix", "/tmp/x.sock")
	if !errors.Is(err, derr.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSSHTunnel_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	tun := NewSSHTunnel(&SSHConfig{Host: "127.0.0.1", Port: addr.Port, KeyPath: keyPath}, util.NewLogger(0))
	err = tun.Connect(context.Background())
	var se *derr.SSHError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SSHError", err)
	}
	if se.Op != "dial" {
		t.Errorf("Op = %q, want dial", se.Op)
	}
}

func TestSSHConfig_Defaults(t *testing.T) {
	cfg := &SSHConfig{Host: "::1"}
	NewSSHTunnel(cfg, util.NewLogger(0))
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.Addr() != "[::1]:22" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}
