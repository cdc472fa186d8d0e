package datastore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	logx "qotdbot/pkg/logx"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return k
}

func TestTOFUHostKeyCallback(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	cb := newTOFUHostKeyCallback(path, logx.Nop())
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2222}
	key := newHostKey(t)

	if err := cb("bastion:2222", addr, key); err != nil {
		t.Fatalf("first contact should be trusted: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(b), "[bastion]:2222") {
		t.Fatalf("known_hosts missing entry: %q", b)
	}

	if err := cb("bastion:2222", addr, key); err != nil {
		t.Fatalf("known key should be accepted: %v", err)
	}
	if err := cb("bastion:2222", addr, newHostKey(t)); err == nil || !strings.Contains(err.Error(), "host key changed") {
		t.Fatalf("changed key err = %v, want rejection", err)
	}
	if err := cb("other:22", addr, newHostKey(t)); err != nil {
		t.Fatalf("second unknown host should be trusted: %v", err)
	}
}

func TestBuildAuthMethods(t *testing.T) {
	t.Parallel()
	if m, err := buildAuthMethods("secret", ""); err != nil || len(m) != 1 {
		t.Fatalf("password auth = %v, %v", m, err)
	}
	if _, err := buildAuthMethods("", ""); err == nil {
		t.Fatal("expected error with no auth configured")
	}
	if _, err := buildAuthMethods("", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing key file")
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if m, err := buildAuthMethods("", keyPath); err != nil || len(m) != 1 {
		t.Fatalf("key auth = %v, %v", m, err)
	}
}

func TestSSHTunnelOpenFailsFast(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tun := NewSSHTunnel(SSHConfig{
		Address:        addr,
		User:           "qotd",
		Password:       "x",
		KnownHostsFile: filepath.Join(t.TempDir(), "known_hosts"),
		RemoteBind:     "127.0.0.1:5432",
	}, logx.Nop())
	m := NewManager(tun, PostgresOpener{Database: "qotd"}, ManagerOptions{})
	err = m.Connect(t.Context())
	var te *TunnelError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TunnelError", err)
	}
	if tun.IsActive() {
		t.Fatal("tunnel should not be active")
	}
}
