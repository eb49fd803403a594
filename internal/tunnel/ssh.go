// Package tunnel reaches the database through an SSH bastion.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection settings
type Config struct {
	Addr           string
	User           string
	Password       string
	KnownHostsFile string
	Timeout        time.Duration
}

// Tunnel forwards TCP connections through an established SSH session
type Tunnel struct {
	client *ssh.Client
	addr   string
}

// Open dials the SSH server and authenticates with a password
func Open(cfg Config) (*Tunnel, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		log.Warn().Str("ssh_addr", cfg.Addr).Msg("SSH host key verification disabled, set SSH_KNOWN_HOSTS to enable it")
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	client, err := ssh.Dial("tcp", cfg.Addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh server %s: %w", cfg.Addr, err)
	}

	log.Info().
		Str("ssh_addr", cfg.Addr).
		Str("ssh_user", cfg.User).
		Msg("SSH tunnel established")

	return &Tunnel{client: client, addr: cfg.Addr}, nil
}

// DialContext opens a connection to addr as seen from the SSH server.
// Its signature matches pgconn.DialFunc.
func (t *Tunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.client.Dial(network, addr)
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to dial %s through ssh: %w", addr, r.err)
		}
		return r.conn, nil
	}
}

// LookupPassthrough leaves host resolution to the far side of the tunnel.
// Its signature matches pgconn.LookupFunc.
func LookupPassthrough(ctx context.Context, host string) ([]string, error) {
	return []string{host}, nil
}

// Close tears down the SSH session
func (t *Tunnel) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	log.Info().Str("ssh_addr", t.addr).Msg("SSH tunnel closed")
	return err
}
