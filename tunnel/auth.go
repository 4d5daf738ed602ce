package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	derr "deployer/internal/errors"
)

// defaultKeyFiles are tried, in order, under ~/.ssh when no explicit
// method is configured.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// AuthSet is the ordered list of methods offered to the server.  Names
// describes each method for logs.  Close releases agent connections.
type AuthSet struct {
	Methods []ssh.AuthMethod
	Names   []string
	closers []io.Closer
}

func (a *AuthSet) add(name string, m ssh.AuthMethod) {
	a.Methods = append(a.Methods, m)
	a.Names = append(a.Names, name)
}

// Close releases resources held by the methods.
func (a *AuthSet) Close() {
	for _, c := range a.closers {
		c.Close()
	}
	a.closers = nil
}

// BuildAuthMethods assembles the authentication methods for cfg.
// Explicit settings win; with none, the agent and the common key files
// are tried.
func BuildAuthMethods(cfg *SSHConfig) (*AuthSet, error) {
	set := &AuthSet{}

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		set.add("publickey:"+filepath.Base(cfg.KeyPath), m)
	}

	if cfg.UseAgent {
		m, c, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		set.closers = append(set.closers, c)
		set.add("agent", m)
	}

	if cfg.PromptPass {
		m, err := passwordAuth(cfg)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.add("password", m)
	}

	if len(set.Methods) == 0 {
		addDefaultMethods(set)
	}

	if len(set.Methods) == 0 {
		return nil, fmt.Errorf(
			"no SSH authentication methods available – " +
				"use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return set, nil
}

// ── individual auth builders ─────────────────────────────────────────

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		pass, perr := readSecret(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
		if perr != nil {
			return nil, fmt.Errorf("reading passphrase: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting key: %w", err)
		}
	default:
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

func passwordAuth(cfg *SSHConfig) (ssh.AuthMethod, error) {
	pass, err := readSecret(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host))
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return ssh.Password(string(pass)), nil
}

// readSecret prompts on stderr and reads without echo.  It refuses when
// stdin is not a terminal rather than blocking a scripted run.
func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

// addDefaultMethods offers the agent and whichever common key files
// exist and load without a passphrase prompt failing.
func addDefaultMethods(set *AuthSet) {
	if m, c, err := agentAuth(); err == nil {
		set.closers = append(set.closers, c)
		set.add("agent", m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, name := range defaultKeyFiles {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(p); err == nil {
			set.add("publickey:"+name, m)
		}
	}
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) {
			if len(ke.Want) > 0 {
				return fmt.Errorf("%w: %v", derr.ErrHostKeyMismatch, err)
			}
			return fmt.Errorf("%s is not in %s: %w", hostname, khFile, err)
		}
		return err
	}, nil
}

// classifyHandshake tags authentication rejections with ErrAuthFailed.
func classifyHandshake(err error) error {
	if err == nil || derr.Is(err, derr.ErrHostKeyMismatch) {
		return err
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", derr.ErrAuthFailed, err)
	}
	return err
}
