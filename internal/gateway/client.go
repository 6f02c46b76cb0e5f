// Package gateway talks to the user and product services over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Config tunes one upstream client.
type Config struct {
	BaseURL              string
	Timeout              time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	BreakerFailures      int
	BreakerOpenTimeout   time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type reply struct {
	status int
	body   []byte
}

// upstream is one remote service behind a circuit breaker.
type upstream struct {
	name    string
	cfg     Config
	breaker *gobreaker.CircuitBreaker[*reply]
}

func newUpstream(name string, cfg Config) *upstream {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With(zap.String("upstream", name))
	failures := uint32(cfg.BreakerFailures)
	return &upstream{
		name: name,
		cfg:  cfg,
		breaker: gobreaker.NewCircuitBreaker[*reply](gobreaker.Settings{
			Name:    name,
			Timeout: cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

type request struct {
	method  string
	path    string
	payload any
	headers map[string]string
	retry   bool
}

// do executes req. A non-nil reply is returned for every HTTP status below
// 500; callers map 404/409 themselves. 5xx, timeouts and transport failures
// come back as ErrUpstream and count against the breaker.
func (u *upstream) do(ctx context.Context, req request) (*reply, error) {
	var body []byte
	if req.payload != nil {
		var err error
		body, err = json.Marshal(req.payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", u.name, err)
		}
	}

	attempt := func() (*reply, error) {
		r, err := u.breaker.Execute(func() (*reply, error) {
			return u.roundTrip(ctx, req, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s circuit open: %w", ErrUpstream, u.name, err))
		}
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return r, err
	}

	var (
		r   *reply
		err error
	)
	if !req.retry || u.cfg.MaxRetries == 0 {
		r, err = attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = u.cfg.RetryInitialInterval
		policy.MaxElapsedTime = 0
		b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(u.cfg.MaxRetries)), ctx)
		r, err = backoff.RetryWithData(attempt, b)
	}
	if err != nil {
		if !errors.Is(err, ErrUpstream) {
			err = fmt.Errorf("%w: %s: %w", ErrUpstream, u.name, err)
		}
		return nil, err
	}
	return r, nil
}

func (u *upstream) roundTrip(ctx context.Context, req request, body []byte) (*reply, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.cfg.BaseURL+req.path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", u.name, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := u.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s %s: %w", ErrUpstream, u.name, req.method, req.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s read body: %w", ErrUpstream, u.name, err)
	}
	r := &reply{status: resp.StatusCode, body: data}
	if resp.StatusCode >= http.StatusInternalServerError {
		return r, fmt.Errorf("%w: %s %s %s returned %d", ErrUpstream, u.name, req.method, req.path, resp.StatusCode)
	}
	return r, nil
}

// decode maps a reply to out: 2xx decodes, 404 is ErrNotFound, anything else ErrUpstream.
func (u *upstream) decode(r *reply, what string, out any) error {
	switch {
	case r.status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case r.status < 200 || r.status > 299:
		return fmt.Errorf("%w: %s %s returned %d", ErrUpstream, u.name, what, r.status)
	}
	if out == nil || len(r.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode body: %w", ErrUpstream, u.name, what, err)
	}
	return nil
}
