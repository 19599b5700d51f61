// Package upstream provides HTTP clients for configured telematics
// backends. Every transport or status failure is classified here, at the
// single point where responses enter the bridge, so the retry and breaker
// layers never inspect raw errors themselves.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/metrics"
)

// maxResponseBytes caps how much of an upstream response body is buffered.
const maxResponseBytes = 4 << 20

// Request describes one outbound call. Path is relative to the client's
// base URL; Header entries are added after the configured static headers.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream reply. Only 2xx and 3xx replies
// are returned as Responses; everything else comes back as an error.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client calls a single configured upstream.
type Client struct {
	name    string
	baseURL *url.URL
	headers map[string]string
	timeout time.Duration
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient builds a client from upstream config. Each client owns its
// transport so connection pools are not shared across upstreams.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: parsing base_url: %w", cfg.Name, err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if cp := cfg.ConnectionPool; cp != nil {
		if cp.MaxIdleConns > 0 {
			transport.MaxIdleConns = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			transport.MaxIdleConnsPerHost = cp.MaxIdlePerHost
		}
		if cp.IdleTimeout > 0 {
			transport.IdleConnTimeout = cp.IdleTimeout
		}
	}

	return &Client{
		name:    cfg.Name,
		baseURL: base,
		headers: cfg.Headers,
		timeout: cfg.Timeout(),
		httpc:   &http.Client{Transport: transport},
		logger:  logger.With("upstream", cfg.Name),
	}, nil
}

// Name returns the configured upstream name.
func (c *Client) Name() string { return c.name }

// Call performs a single attempt against the upstream. The per-upstream
// timeout is layered under the caller's context so a request deadline
// still wins when it is shorter.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.resolve(req.Path, req.Query)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, apierror.CodeInternal, "building upstream request", err)
	}
	for k, v := range c.headers {
		hr.Header.Set(k, v)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			hr.Header.Add(k, v)
		}
	}

	resp, err := c.httpc.Do(hr)
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	metrics.UpstreamResponses.WithLabelValues(c.name, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classifyTransport(ctx, err)
	}

	if apiErr := c.classifyStatus(resp, data); apiErr != nil {
		return nil, apiErr
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func (c *Client) resolve(path, query string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query
	return u.String()
}

// classifyTransport maps connection-level failures. Context errors are
// wrapped so callers can distinguish a caller cancellation from an
// upstream deadline via errors.Is on the chain; an expired deadline
// additionally carries the deadline code so the response maps to 504.
func (c *Client) classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		code := apierror.CodeTransport
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			code = apierror.CodeDeadline
		}
		return apierror.Wrap(apierror.KindTransport, code,
			fmt.Sprintf("upstream %s: %v", c.name, ctxErr), ctxErr)
	}
	return apierror.Wrap(apierror.KindTransport, apierror.CodeTransport,
		fmt.Sprintf("upstream %s unreachable", c.name), err)
}

// classifyStatus turns non-success replies into typed errors. 429 counts
// as a server-side failure so it participates in retry and breaker
// accounting; other 4xx are the caller's problem and never do.
func (c *Client) classifyStatus(resp *http.Response, body []byte) *apierror.Error {
	status := resp.StatusCode
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return &apierror.Error{
			Kind:       apierror.KindUpstreamServer,
			Code:       apierror.CodeUpstreamServer,
			Message:    fmt.Sprintf("upstream %s rate limited the bridge", c.name),
			Status:     status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case status >= 500:
		return &apierror.Error{
			Kind:    apierror.KindUpstreamServer,
			Code:    apierror.CodeUpstreamServer,
			Message: fmt.Sprintf("upstream %s returned %d", c.name, status),
			Status:  status,
		}
	default:
		return &apierror.Error{
			Kind:    apierror.KindUpstreamClient,
			Code:    apierror.CodeUpstreamClient,
			Message: fmt.Sprintf("upstream %s rejected the request with %d", c.name, status),
			Status:  status,
		}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
