package remote

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshConnMaxAge  = 5 * time.Minute
	sshMaxCached   = 50
	sshDialTimeout = 30 * time.Second
)

// SSH executes bash on Linux targets. Connections are cached per host
// with LRU eviction; host keys are pinned on first use and a changed
// key refuses the connection.
type SSH struct {
	knownHostsPath string

	mu       sync.Mutex
	conns    map[string]*sshConn
	order    []string
	hostKeys map[string]ssh.PublicKey
}

type sshConn struct {
	client    *ssh.Client
	createdAt time.Time
}

func NewSSH(knownHostsPath string) *SSH {
	s := &SSH{
		knownHostsPath: knownHostsPath,
		conns:          make(map[string]*sshConn),
		hostKeys:       make(map[string]ssh.PublicKey),
	}
	s.loadKnownHosts()
	return s
}

// Run executes a bash script on the target and returns combined
// output. The script travels base64-encoded so quoting never breaks.
func (s *SSH) Run(ctx context.Context, t LinuxTarget, script string) (string, error) {
	client, err := s.connection(t)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		s.invalidate(t.Host)
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	cmd := fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		s.invalidate(t.Host)
		return "", ctx.Err()
	case err := <-done:
		out := combineOutput(stdout.String(), stderr.String())
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return out, fmt.Errorf("exit status %d", exitErr.ExitStatus())
			}
			s.invalidate(t.Host)
			return out, fmt.Errorf("run: %w", err)
		}
		return out, nil
	}
}

// CloseAll closes every cached connection.
func (s *SSH) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for host, c := range s.conns {
		c.client.Close()
		delete(s.conns, host)
	}
	s.order = nil
}

func (s *SSH) connection(t LinuxTarget) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(t.Host)
	if c, ok := s.conns[key]; ok {
		if time.Since(c.createdAt) < sshConnMaxAge {
			s.lruTouch(key)
			return c.client, nil
		}
		c.client.Close()
		delete(s.conns, key)
		s.lruRemove(key)
	}

	config, err := s.clientConfig(t)
	if err != nil {
		return nil, err
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, sshDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshC, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshC, chans, reqs)

	if len(s.conns) >= sshMaxCached && len(s.order) > 0 {
		evict := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.conns[evict]; ok {
			old.client.Close()
			delete(s.conns, evict)
			log.Printf("[ssh] evicted cached connection for %s", evict)
		}
	}

	s.conns[key] = &sshConn{client: client, createdAt: time.Now()}
	s.lruTouch(key)
	log.Printf("[ssh] connected to %s as %s", addr, config.User)
	return client, nil
}

func (s *SSH) clientConfig(t LinuxTarget) (*ssh.ClientConfig, error) {
	user := t.Username
	if user == "" {
		user = "root"
	}
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: s.pinnedHostKey,
		Timeout:         sshDialTimeout,
	}
	switch {
	case t.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case t.Secret != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(t.Secret)}
	default:
		return nil, fmt.Errorf("no auth material for %s", t.Host)
	}
	return config, nil
}

// pinnedHostKey trusts a host's key on first contact and persists it.
// A changed key afterwards fails the handshake.
func (s *SSH) pinnedHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, known := s.hostKeys[host]
	if !known {
		s.hostKeys[host] = key
		log.Printf("[ssh] pinned new host key for %s (%s)", host, key.Type())
		s.saveKnownHosts()
		return nil
	}
	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}
	log.Printf("[ssh] SECURITY: host key changed for %s (was %s, now %s)",
		host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key))
}

func (s *SSH) invalidate(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(host)
	if c, ok := s.conns[key]; ok {
		c.client.Close()
		delete(s.conns, key)
		s.lruRemove(key)
	}
}

// lruTouch and lruRemove maintain eviction order; caller holds s.mu.
func (s *SSH) lruTouch(host string) {
	s.lruRemove(host)
	s.order = append(s.order, host)
}

func (s *SSH) lruRemove(host string) {
	for i, h := range s.order {
		if h == host {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// loadKnownHosts reads pinned keys, one "host key-type base64" line each.
func (s *SSH) loadKnownHosts() {
	if s.knownHostsPath == "" {
		return
	}
	f, err := os.Open(s.knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pub, err := ssh.ParsePublicKey(raw)
		if err != nil {
			continue
		}
		s.hostKeys[parts[0]] = pub
		loaded++
	}
	if loaded > 0 {
		log.Printf("[ssh] loaded %d pinned host keys from %s", loaded, s.knownHostsPath)
	}
}

func (s *SSH) saveKnownHosts() {
	if s.knownHostsPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.knownHostsPath), 0o755); err != nil {
		log.Printf("[ssh] cannot create known_hosts dir: %v", err)
		return
	}
	var buf strings.Builder
	buf.WriteString("# pinned SSH host keys, managed by appliance daemon\n")
	for host, key := range s.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(),
			base64.StdEncoding.EncodeToString(key.Marshal())))
	}
	if err := os.WriteFile(s.knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[ssh] cannot save known_hosts: %v", err)
	}
}
