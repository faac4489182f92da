package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// Adapter types.
const (
	TypeURI  = "uri"
	TypeFile = "file"
	TypeAPI  = "api"
)

// RetryConfig bounds the retries of one request. Only 5xx, 429 and network errors are retried.
type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts" validate:"gte=0"`
	InitialIntervalMs int `yaml:"initial_interval_ms" validate:"gte=0"`
	MaxIntervalMs     int `yaml:"max_interval_ms" validate:"gte=0"`
}

// RateLimitConfig throttles requests of one adapter. Zero disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// URIConfig is the config of "uri" sources and destinations.
type URIConfig struct {
	URI            string            `yaml:"uri"`
	URL            string            `yaml:"url"` // Alias of uri.
	Method         string            `yaml:"method"`
	Headers        map[string]string `yaml:"headers"`
	Query          map[string]string `yaml:"query"`
	Body           string            `yaml:"body"` // Request body of sources using a body-carrying method.
	ContentType    string            `yaml:"content_type"`
	TimeoutSeconds int               `yaml:"timeout_seconds" validate:"gte=0"`
	Retry          RetryConfig       `yaml:"retry"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// httpEndpoint performs requests against one URL with auth, rate limit and retries.
type httpEndpoint struct {
	url         *url.URL
	method      Method
	headers     map[string]string
	body        []byte
	contentType string
	client      *http.Client
	auth        AuthProvider
	limiter     *rate.Limiter
	retry       RetryConfig
	errKind     exception.Kind
}

func bindURIConfig(raw map[string]interface{}) (*URIConfig, error) {
	cfg := &URIConfig{}
	if err := configbinder.BindAndValidate(raw, cfg); err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "invalid uri config", err)
	}
	if cfg.URI == "" {
		cfg.URI = cfg.URL
	}
	return cfg, nil
}

// ValidateHTTPURL checks that raw is an absolute http or https URL.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, configErrorf("'uri' is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, configErrorf("invalid uri '%s'", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, configErrorf("uri '%s' must use http or https, got scheme '%s'", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, configErrorf("uri '%s' has no host", raw)
	}
	return u, nil
}

func newHTTPEndpoint(env *Env, cfg *URIConfig, auth map[string]interface{}, defMethod Method, errKind exception.Kind) (*httpEndpoint, error) {
	u, err := ValidateHTTPURL(cfg.URI)
	if err != nil {
		return nil, err
	}
	if len(cfg.Query) > 0 {
		q := u.Query()
		for k, v := range cfg.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	method, err := ParseMethod(cfg.Method, defMethod)
	if err != nil {
		return nil, err
	}
	provider, err := NewAuthProvider(auth)
	if err != nil {
		return nil, err
	}

	client := *env.HTTPClient
	client.Timeout = env.Timeout
	if cfg.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.PerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), burst)
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}

	return &httpEndpoint{
		url:         u,
		method:      method,
		headers:     cfg.Headers,
		body:        []byte(cfg.Body),
		contentType: cfg.ContentType,
		client:      &client,
		auth:        provider,
		limiter:     limiter,
		retry:       retry,
		errKind:     errKind,
	}, nil
}

func (e *httpEndpoint) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	if e.retry.InitialIntervalMs > 0 {
		b.InitialInterval = time.Duration(e.retry.InitialIntervalMs) * time.Millisecond
	}
	if e.retry.MaxIntervalMs > 0 {
		b.MaxInterval = time.Duration(e.retry.MaxIntervalMs) * time.Millisecond
	}
	return b
}

// do sends the request and returns a 2xx response. Any other response is drained, closed and
// turned into an error of the endpoint's kind.
func (e *httpEndpoint) do(ctx context.Context, body []byte, contentType string) (*http.Response, error) {
	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		req, err := e.newRequest(ctx, body, contentType)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, exception.Newf(e.errKind, moduleName, "%s %s failed", e.method, e.url.Redacted(), err).WithRetryable(true)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		retryAfter := resp.Header.Get("Retry-After")
		drain(resp.Body)
		statusErr := exception.Newf(e.errKind, moduleName, "%s %s returned %s", e.method, e.url.Redacted(), describeStatus(resp))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			statusErr.WithRetryable(true)
			if secs, convErr := strconv.Atoi(retryAfter); convErr == nil && secs >= 0 {
				return nil, errors.Join(statusErr, backoff.RetryAfter(secs))
			}
			return nil, statusErr
		case resp.StatusCode >= 500:
			return nil, statusErr.WithRetryable(true)
		default:
			return nil, backoff.Permanent(statusErr)
		}
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.backOff()),
		backoff.WithMaxTries(uint(e.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("%s %s attempt %d failed, retrying in %s: %v", e.method, e.url.Redacted(), attempt, next, err)
		}),
	)
	if err != nil {
		var we *exception.WorkflowError
		if errors.As(err, &we) {
			return nil, we
		}
		return nil, exception.Newf(e.errKind, moduleName, "%s %s aborted", e.method, e.url.Redacted(), err)
	}
	return resp, nil
}

func (e *httpEndpoint) newRequest(ctx context.Context, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if e.method.RequiresBody() && body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, string(e.method), e.url.String(), reader)
	if err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "cannot build request for %s", e.url.Redacted(), err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	if reader != nil {
		ct := contentType
		if e.contentType != "" {
			ct = e.contentType
		}
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
	}
	if err := e.auth.Apply(req); err != nil {
		return nil, err
	}
	return req, nil
}

type uriSource struct {
	endpoint *httpEndpoint
}

func newURISource(env *Env, spec *dsl.SourceSpec) (Source, error) {
	cfg, err := bindURIConfig(spec.Config)
	if err != nil {
		return nil, err
	}
	ep, err := newHTTPEndpoint(env, cfg, spec.Auth, MethodGet, exception.FetchError)
	if err != nil {
		return nil, err
	}
	return &uriSource{endpoint: ep}, nil
}

// Fetch implements Source.
func (s *uriSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	resp, err := s.endpoint.do(ctx, s.endpoint.body, s.endpoint.contentType)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Fetched %s (%s).", s.endpoint.url.Redacted(), resp.Header.Get("Content-Type"))
	return resp.Body, nil
}

type uriDestination struct {
	endpoint *httpEndpoint
}

func newURIDestination(env *Env, spec *dsl.DestinationSpec) (Destination, error) {
	cfg, err := bindURIConfig(spec.Config)
	if err != nil {
		return nil, err
	}
	return newPushEndpoint(env, cfg, spec.Auth)
}

func newPushEndpoint(env *Env, cfg *URIConfig, auth map[string]interface{}) (*uriDestination, error) {
	ep, err := newHTTPEndpoint(env, cfg, auth, MethodPost, exception.PushError)
	if err != nil {
		return nil, err
	}
	if !ep.method.RequiresBody() {
		return nil, configErrorf("destination method %s cannot carry a body", ep.method)
	}
	return &uriDestination{endpoint: ep}, nil
}

// Push implements Destination.
func (d *uriDestination) Push(ctx context.Context, data []byte, contentType string) error {
	resp, err := d.endpoint.do(ctx, data, contentType)
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}
