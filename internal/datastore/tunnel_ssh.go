package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	logx "qotdbot/pkg/logx"
)

// SSHConfig describes a local port forward through a bastion host.
type SSHConfig struct {
	Address        string // bastion host:port
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string // TOFU store; defaults to <user config dir>/qotdbot/known_hosts
	LocalBind      string // defaults to 127.0.0.1:0
	RemoteBind     string // database host:port as seen from the bastion
	DialTimeout    time.Duration
}

// SSHTunnel forwards connections accepted on LocalBind to RemoteBind over a
// single SSH client connection.
type SSHTunnel struct {
	cfg SSHConfig
	log logx.Logger

	mu     sync.Mutex
	client *ssh.Client
	ln     net.Listener
	epoch  uint64

	active atomic.Bool
}

func NewSSHTunnel(cfg SSHConfig, log logx.Logger) *SSHTunnel {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.LocalBind) == "" {
		cfg.LocalBind = "127.0.0.1:0"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.KnownHostsFile) == "" {
		cfg.KnownHostsFile = defaultKnownHostsPath()
	}
	return &SSHTunnel{cfg: cfg, log: log.With(logx.String("comp", "tunnel"))}
}

func (t *SSHTunnel) IsActive() bool { return t.active.Load() }

// Open (re)establishes the SSH connection and the local listener. Any
// previous session is closed first.
func (t *SSHTunnel) Open(ctx context.Context) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()

	auth, err := buildAuthMethods(t.cfg.Password, t.cfg.KeyFile)
	if err != nil {
		return Endpoint{}, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: newTOFUHostKeyCallback(t.cfg.KnownHostsFile, t.log),
		Timeout:         t.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("ssh dial %s: %w", t.cfg.Address, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, t.cfg.Address, clientCfg)
	if err != nil {
		_ = raw.Close()
		return Endpoint{}, fmt.Errorf("ssh handshake %s: %w", t.cfg.Address, err)
	}
	_ = raw.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	ln, err := net.Listen("tcp", t.cfg.LocalBind)
	if err != nil {
		_ = client.Close()
		return Endpoint{}, fmt.Errorf("listen %s: %w", t.cfg.LocalBind, err)
	}

	t.epoch++
	epoch := t.epoch
	t.client = client
	t.ln = ln
	t.active.Store(true)

	go t.serve(epoch, ln, client)
	go func() {
		err := client.Wait()
		t.markDown(epoch, "ssh session ended", err)
	}()

	t.log.Info("tunnel open",
		logx.String("bastion", t.cfg.Address),
		logx.String("local", ln.Addr().String()),
		logx.String("remote", t.cfg.RemoteBind),
	)
	return Endpoint{Addr: ln.Addr().String()}, nil
}

func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *SSHTunnel) closeLocked() {
	t.active.Store(false)
	if t.ln != nil {
		_ = t.ln.Close()
		t.ln = nil
	}
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

// markDown flips liveness unless a newer session has replaced epoch.
func (t *SSHTunnel) markDown(epoch uint64, reason string, err error) {
	t.mu.Lock()
	current := t.epoch == epoch
	t.mu.Unlock()
	if !current {
		return
	}
	if t.active.Swap(false) {
		t.log.Warn("tunnel lost", logx.String("reason", reason), logx.Err(err))
	}
}

func (t *SSHTunnel) serve(epoch uint64, ln net.Listener, client *ssh.Client) {
	for {
		local, err := ln.Accept()
		if err != nil {
			t.markDown(epoch, "listener closed", err)
			return
		}
		go t.forward(local, client)
	}
}

func (t *SSHTunnel) forward(local net.Conn, client *ssh.Client) {
	remote, err := client.Dial("tcp", t.cfg.RemoteBind)
	if err != nil {
		_ = local.Close()
		t.log.Warn("tunnel forward failed", logx.String("remote", t.cfg.RemoteBind), logx.Err(err))
		return
	}
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = local.Close()
			_ = remote.Close()
		})
	}
	go func() {
		_, _ = io.Copy(remote, local)
		closeBoth()
	}()
	_, _ = io.Copy(local, remote)
	closeBoth()
}

// buildAuthMethods prefers password auth when set, otherwise loads KeyFile.
func buildAuthMethods(password, keyFile string) ([]ssh.AuthMethod, error) {
	if password != "" {
		return []ssh.AuthMethod{ssh.Password(password)}, nil
	}
	if strings.TrimSpace(keyFile) == "" {
		return nil, errors.New("ssh: no authentication method configured")
	}
	pemBytes, err := os.ReadFile(expandHome(keyFile))
	if err != nil {
		return nil, fmt.Errorf("ssh: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var ppErr *ssh.PassphraseMissingError
		if errors.As(err, &ppErr) {
			return nil, fmt.Errorf("ssh: key %q is passphrase-protected; passphrase-protected keys are not supported", keyFile)
		}
		return nil, fmt.Errorf("ssh: parse key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

var knownHostsMu sync.Mutex

// newTOFUHostKeyCallback accepts and records unknown hosts, accepts known
// hosts whose key matches, and rejects changed keys.
func newTOFUHostKeyCallback(knownHostsFile string, log logx.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := os.MkdirAll(filepath.Dir(knownHostsFile), 0o700); err != nil {
			return fmt.Errorf("ssh: create known_hosts directory: %w", err)
		}
		if _, err := os.Stat(knownHostsFile); err == nil {
			cb, loadErr := knownhosts.New(knownHostsFile)
			if loadErr != nil {
				return fmt.Errorf("ssh: load known_hosts: %w", loadErr)
			}
			err := cb(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) {
				return err
			}
			if len(keyErr.Want) > 0 {
				return fmt.Errorf("ssh: host key changed for %s (got %s); remove the old entry from %s if expected",
					hostname, ssh.FingerprintSHA256(key), knownHostsFile)
			}
		}
		log.Info("trusting new host key", logx.String("host", hostname), logx.String("fingerprint", ssh.FingerprintSHA256(key)))
		return appendKnownHost(knownHostsFile, hostname, key)
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("ssh: write known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}

func defaultKnownHostsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "qotdbot", "known_hosts")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
