package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startEchoServer accepts TCP connections and echoes what it reads
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// startSSHServer runs a password-authenticated server that only serves direct-tcpip channels
func startSSHServer(t *testing.T, user, password string) net.Listener {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	serverConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nConn, serverConfig)
		}
	}()
	return ln
}

func serveSSHConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		nConn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var target struct {
			Host       string
			Port       uint32
			OriginIP   string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(newChannel.ExtraData(), &target); err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, fmt.Sprint(target.Port)))
		if err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		channel, chReqs, err := newChannel.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer channel.Close()
			defer upstream.Close()
			go func() { _, _ = io.Copy(upstream, channel) }()
			_, _ = io.Copy(channel, upstream)
		}()
	}
}

func TestTunnel_DialContext(t *testing.T) {
	echo := startEchoServer(t)
	sshLn := startSSHServer(t, "nba", "secret")

	tun, err := Open(Config{Addr: sshLn.Addr().String(), User: "nba", Password: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer tun.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tun.DialContext(ctx, "tcp", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestOpen_BadPassword(t *testing.T) {
	sshLn := startSSHServer(t, "nba", "secret")

	_, err := Open(Config{Addr: sshLn.Addr().String(), User: "nba", Password: "wrong", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial ssh server")
}

func TestLookupPassthrough(t *testing.T) {
	hosts, err := LookupPassthrough(context.Background(), "db.internal")
	require.NoError(t, err)
	assert.Equal(t, []string{"db.internal"}, hosts)
}
