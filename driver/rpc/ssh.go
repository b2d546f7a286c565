package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshDialer reaches the daemon's unix socket through an ssh tunnel.
type sshDialer struct {
	target  Target
	timeout time.Duration
}

func (s *sshDialer) Dial() (net.Conn, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.target.Host, s.target.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	conn, err := client.Dial("unix", s.target.Socket)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to reach %s on %s: %w", s.target.Socket, addr, err)
	}
	return &sshConn{Conn: conn, client: client}, nil
}

func (s *sshDialer) clientConfig() (*ssh.ClientConfig, error) {
	name := s.target.User
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("no ssh user in connection URI: %w", err)
		}
		name = u.Username
	}

	var auth []ssh.AuthMethod
	if s.target.KeyFile != "" {
		key, err := os.ReadFile(s.target.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.target.Password != "" {
		auth = append(auth, ssh.Password(s.target.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh authentication method: set keyfile in the URI or a password")
	}

	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            name,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.timeout,
	}, nil
}

func (s *sshDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.target.NoVerify {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.target.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("unable to locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load known_hosts: %w", err)
	}
	return cb, nil
}

// sshConn closes the tunnel together with the forwarded stream.
type sshConn struct {
	net.Conn
	client *ssh.Client
}

func (c *sshConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
