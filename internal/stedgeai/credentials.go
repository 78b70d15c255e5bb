package stedgeai

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Environment variables holding the remote service credentials.
const (
	EnvUsername = "stmai_username"
	EnvPassword = "stmai_password"
)

// ErrNoCredentials is returned when no source can provide credentials.
var ErrNoCredentials = errors.New("no credentials available")

// CredentialSource provides a username and password for a login attempt.
// attempt starts at 1.
type CredentialSource interface {
	Credentials(ctx context.Context, attempt int) (user, password string, err error)
}

// Static returns fixed credentials.
type Static struct {
	User     string
	Password string
}

// Credentials implements CredentialSource.
func (s Static) Credentials(context.Context, int) (string, string, error) {
	if s.User == "" || s.Password == "" {
		return "", "", ErrNoCredentials
	}
	return s.User, s.Password, nil
}

// Prompt reads credentials from the environment, then an interactive
// terminal, then plain stdin lines.
type Prompt struct {
	Getenv func(string) string
	Stdin  io.Reader
	Out    io.Writer

	lines *bufio.Reader
}

// NewPrompt returns a Prompt bound to the process environment and stdio.
func NewPrompt() *Prompt {
	return &Prompt{Getenv: os.Getenv, Stdin: os.Stdin, Out: os.Stderr}
}

// Credentials implements CredentialSource.
func (p *Prompt) Credentials(ctx context.Context, attempt int) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if user, pass := getenv(EnvUsername), getenv(EnvPassword); user != "" && pass != "" {
		return user, pass, nil
	}
	if p.Stdin == nil {
		return "", "", ErrNoCredentials
	}
	if p.lines == nil {
		p.lines = bufio.NewReader(p.Stdin)
	}
	out := p.Out
	if out == nil {
		out = io.Discard
	}

	if attempt > 1 {
		fmt.Fprintf(out, "Login failed, attempt %d\n", attempt)
	}
	fmt.Fprint(out, "Username: ")
	user, err := p.readLine()
	if err != nil {
		return "", "", err
	}

	fmt.Fprint(out, "Password: ")
	var pass string
	if f, ok := p.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		pass = string(b)
	} else if pass, err = p.readLine(); err != nil {
		return "", "", err
	}

	if user == "" || pass == "" {
		return "", "", ErrNoCredentials
	}
	return user, pass, nil
}

func (p *Prompt) readLine() (string, error) {
	line, err := p.lines.ReadString('\n')
	switch {
	case err == nil, errors.Is(err, io.EOF) && line != "":
		return strings.TrimRight(line, "\r\n"), nil
	case errors.Is(err, io.EOF):
		return "", ErrNoCredentials
	default:
		return "", fmt.Errorf("reading credentials: %w", err)
	}
}
