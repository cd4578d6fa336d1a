package sqlengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/whhaicheng/QTBench/internal/domain/connection"
)

const defaultSSHPort = 22

// SSHTunnel forwards a local port to a database host through an SSH server.
type SSHTunnel struct {
	client    *ssh.Client
	listener  net.Listener
	localPort int
	remote    string
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSSHTunnel connects to the SSH server of cfg and starts forwarding
// 127.0.0.1:<local port> to remoteHost:remotePort.
func NewSSHTunnel(ctx context.Context, cfg *connection.SSHTunnelConfig, remoteHost string, remotePort int) (*SSHTunnel, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("SSH tunnel is not enabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH config: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	sshAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	remote := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))

	slog.InfoContext(ctx, "SSH: Creating tunnel",
		"ssh_addr", sshAddr,
		"remote", remote,
		"username", cfg.Username)

	clientConfig, err := buildSSHConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create SSH config: %w", err)
	}

	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", sshAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to SSH server %s: %w", sshAddr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, sshAddr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LocalPort)))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("listen on local port %d: %w", cfg.LocalPort, err)
	}

	t := &SSHTunnel{
		client:    client,
		listener:  listener,
		localPort: listener.Addr().(*net.TCPAddr).Port,
		remote:    remote,
	}
	t.wg.Add(1)
	go t.acceptLoop()

	slog.InfoContext(ctx, "SSH: Tunnel created",
		"local_port", t.localPort,
		"remote", remote)
	return t, nil
}

// buildSSHConfig creates the SSH client config. Password and key auth may be
// combined.
func buildSSHConfig(cfg *connection.SSHTunnelConfig) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	if cfg.KnownHostsPath != "" {
		callback, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		config.HostKeyCallback = callback
	}

	if cfg.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(cfg.Password))
	}

	if cfg.KeyPath != "" {
		pem, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}

	if len(config.Auth) == 0 {
		return nil, fmt.Errorf("SSH requires either password or private key")
	}
	return config, nil
}

func (t *SSHTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("SSH: Failed to accept connection", "error", err)
			continue
		}
		t.wg.Add(1)
		go t.forward(conn)
	}
}

// forward copies one local connection to the remote address and back.
func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		slog.Error("SSH: Failed to dial remote", "error", err, "remote", t.remote)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	// One direction ending tears the pair down.
	<-done
}

// LocalPort returns the local port of the tunnel.
func (t *SSHTunnel) LocalPort() int {
	return t.localPort
}

// Close stops forwarding and closes the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	slog.Info("SSH: Closing tunnel", "local_port", t.localPort)

	err := errors.Join(t.listener.Close(), t.client.Close())
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("close tunnel: %w", err)
	}
	return nil
}
