package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHConfig struct {
	Addr           string
	User           string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
}

// SSHShell runs commands over a single SSH connection that is re-established when it breaks
type SSHShell struct {
	addr    string
	timeout time.Duration
	conf    *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHShell(cfg SSHConfig) (*SSHShell, error) {
	if cfg.Addr == "" {
		return nil, errors.New("ssh address is required")
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("could not parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("could not load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		log.Warn().Str("addr", addr).Msg("No known hosts file configured, ssh host key is not verified")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SSHShell{
		addr:    addr,
		timeout: timeout,
		conf: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

func (s *SSHShell) Run(ctx context.Context, command string) (Result, error) {
	session, err := s.session(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("could not run remote command: %w", err)
	}
	return res, nil
}

// session opens a session on the cached connection, reconnecting once if the connection is gone
func (s *SSHShell) session(ctx context.Context) (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if s.client == nil {
			client, err := s.dial(ctx)
			if err != nil {
				return nil, err
			}
			s.client = client
		}

		session, err := s.client.NewSession()
		if err == nil {
			return session, nil
		}
		log.Debug().Err(err).Str("addr", s.addr).Msg("SSH session failed, reconnecting")
		_ = s.client.Close()
		s.client = nil
	}
	return nil, fmt.Errorf("could not open ssh session to %s", s.addr)
}

func (s *SSHShell) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", s.addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, s.conf)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", s.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSHShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
