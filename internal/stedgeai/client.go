package stedgeai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/metrics"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultLoginAttempts  = 3
	defaultLoginWait      = time.Second
	defaultMaxRetries     = 3
	defaultBaseBackoff    = time.Second
	defaultBurst          = 1
)

// State is the remote session state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateAnalyze
	StateBenchmark
	StateGenerate
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateAnalyze:
		return "ANALYZE"
	case StateBenchmark:
		return "BENCHMARK"
	case StateGenerate:
		return "GENERATE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ClientConfig configures a remote Client.
type ClientConfig struct {
	BaseURL   string
	AuthURL   string
	ClientID  string
	RateLimit float64 // requests per second

	BenchmarkTimeout time.Duration
	PollInterval     time.Duration
	LoginAttempts    int
	LoginWait        time.Duration
	RetryBackoff     time.Duration

	HTTPClient  *http.Client
	Credentials CredentialSource
	Logger      *logging.Logger
	Metrics     *metrics.Run
	// Progress receives the spinner shown while a benchmark runs. Nil
	// disables it.
	Progress io.Writer
}

// ClientConfigFromSettings maps process settings to a ClientConfig.
func ClientConfigFromSettings(s *config.Settings) ClientConfig {
	return ClientConfig{
		BaseURL:          s.RemoteURL,
		AuthURL:          s.AuthURL,
		ClientID:         s.ClientID,
		RateLimit:        s.RemoteRateLimit,
		BenchmarkTimeout: s.BenchmarkTimeout.Duration(),
	}
}

// Client is a session with the remote compile service.
type Client struct {
	cfg     ClientConfig
	base    *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger

	mu    sync.Mutex
	state State
	http  *http.Client
}

// NewClient creates a closed session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote service URL required")
	}
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("token endpoint URL required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.BenchmarkTimeout <= 0 {
		cfg.BenchmarkTimeout = 1500 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = defaultLoginAttempts
	}
	if cfg.LoginWait <= 0 {
		cfg.LoginWait = defaultLoginWait
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultBaseBackoff
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NewPrompt()
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), defaultBurst),
		logger:  logger.Named("stedgeai"),
		state:   StateClosed,
	}, nil
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect logs in with the OAuth2 password grant. Credentials are asked
// again for every attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("connect: session is %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	oc := &oauth2.Config{
		ClientID: c.cfg.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: c.cfg.AuthURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.base)

	attempt := 0
	tok, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempt++
		user, pass, err := c.cfg.Credentials.Credentials(ctx, attempt)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		tok, err := oc.PasswordCredentialsToken(tokenCtx, user, pass)
		if err != nil {
			c.logger.Warn(ctx, "login attempt failed",
				zap.Int("attempt", attempt),
				zap.String("user", user),
				logging.Secret("stmai_password", config.Secret(pass)),
				zap.Error(err))
			return nil, err
		}
		return tok, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.LoginWait)),
		backoff.WithMaxTries(uint(c.cfg.LoginAttempts)),
	)
	c.cfg.Metrics.ObserveRemote("login", err)
	if err != nil {
		c.setState(StateClosed)
		return &errkind.Error{
			Kind: errkind.KindRemote,
			Code: errkind.LoginFailed,
			Msg:  fmt.Sprintf("login failed after %d attempt(s)", attempt),
			Hint: "Set " + EnvUsername + " and " + EnvPassword + " or check your account",
			Err:  err,
		}
	}

	sessionCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
	c.mu.Lock()
	c.http = oc.Client(sessionCtx, tok)
	c.state = StateOpen
	c.mu.Unlock()
	c.logger.Info(ctx, "connected to remote compile service", zap.String("url", c.cfg.BaseURL))
	return nil
}

// Close ends the session.
func (c *Client) Close() {
	c.mu.Lock()
	c.state = StateClosed
	c.http = nil
	c.mu.Unlock()
}

// begin moves an open session into an operation state.
func (c *Client) begin(s State) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, fmt.Errorf("%s: session is %s", strings.ToLower(s.String()), c.state)
	}
	c.state = s
	return c.http, nil
}

func (c *Client) end() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateOpen
	}
	c.mu.Unlock()
}

// retryableError marks transient failures.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// do sends the request built by newReq, retrying transient failures, and
// returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, hc *http.Client, op string, newReq func() (*http.Request, error)) ([]byte, error) {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
		}
		req, err := newReq()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		b, err := send(hc, req)
		if err != nil && !isRetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	},
		backoff.WithBackOff(c.retryBackOff()),
		backoff.WithMaxTries(defaultMaxRetries+1),
	)
	c.cfg.Metrics.ObserveRemote(op, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return body, nil
}

func (c *Client) retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	return b
}

func send(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, snippet(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("service error (%d): %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
