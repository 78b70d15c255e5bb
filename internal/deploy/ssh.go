package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Shell runs commands on a remote board.
type Shell interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Dialer opens a Shell on addr.
type Dialer func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Shell, error)

// DialSSH connects to addr:22.
func DialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Shell, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	target := net.JoinHostPort(addr, "22")
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &sshShell{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshShell struct {
	client *ssh.Client
}

func (s *sshShell) Run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return string(r.out), r.err
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	}
}

func (s *sshShell) Close() error {
	return s.client.Close()
}

// clientConfig authenticates with the key file when given, else with
// the password (empty for factory images). Host keys are not checked.
func clientConfig(user, password, keyFile string, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	auth = append(auth, ssh.Password(password))
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}
