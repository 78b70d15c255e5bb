package stedgeai

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestPrompt_Environment(t *testing.T) {
	p := &Prompt{Getenv: env(map[string]string{EnvUsername: "bob", EnvPassword: "pw"})}
	user, pass, err := p.Credentials(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "pw", pass)
}

func TestPrompt_Stdin(t *testing.T) {
	var out bytes.Buffer
	p := &Prompt{
		Getenv: env(nil),
		Stdin:  strings.NewReader("bob\r\npw\n"),
		Out:    &out,
	}
	user, pass, err := p.Credentials(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "pw", pass)
	assert.Contains(t, out.String(), "Username: ")
	assert.NotContains(t, out.String(), "pw")
}

func TestPrompt_StdinWithoutTrailingNewline(t *testing.T) {
	p := &Prompt{Getenv: env(nil), Stdin: strings.NewReader("bob\npw")}
	_, pass, err := p.Credentials(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "pw", pass)
}

func TestPrompt_Exhausted(t *testing.T) {
	p := &Prompt{Getenv: env(nil), Stdin: strings.NewReader("bob\n")}
	_, _, err := p.Credentials(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNoCredentials))

	p = &Prompt{Getenv: env(nil)}
	_, _, err = p.Credentials(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestPrompt_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := (&Prompt{Getenv: env(nil)}).Credentials(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
