// Package dispatch orchestrates one inbound request end to end: route
// matching, validation, authentication, the breaker-guarded retried
// upstream call, response transformation, and metrics emission. Every
// code path terminates in a response; the dispatcher itself never
// panics or hangs.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/evbridge/telebridge/internal/apierror"
	"github.com/evbridge/telebridge/internal/circuitbreaker"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/metrics"
	"github.com/evbridge/telebridge/internal/retry"
	"github.com/evbridge/telebridge/internal/routing"
	"github.com/evbridge/telebridge/internal/upstream"
)

// Validator checks the inbound payload before any upstream work. A
// returned error resolves the request immediately without touching the
// breaker or retry layers.
type Validator interface {
	Validate(route config.RouteConfig, r *http.Request, body []byte) error
}

// Authenticator verifies request credentials. The returned context
// carries the verified claims for downstream use.
type Authenticator interface {
	Authenticate(r *http.Request) (context.Context, error)
}

// Transformer maps a raw upstream reply into the response returned to
// the client.
type Transformer interface {
	Transform(route config.RouteConfig, resp *upstream.Response) (*upstream.Response, error)
}

// MetricsSink receives exactly one event per dispatched request.
type MetricsSink interface {
	Record(ev metrics.Event)
}

// Options configures a Dispatcher. Routes, Upstreams, and Breakers are
// required; nil collaborators disable their step.
type Options struct {
	Routes         []config.RouteConfig
	Upstreams      *upstream.Set
	Breakers       *circuitbreaker.Registry
	Policy         retry.Policy
	Validator      Validator
	Auth           Authenticator
	Transformer    Transformer
	Sink           MetricsSink
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Dispatcher routes and executes inbound requests. Implements
// http.Handler.
type Dispatcher struct {
	routes    []config.RouteConfig
	upstreams *upstream.Set
	breakers  *circuitbreaker.Registry
	policy    retry.Policy
	validator Validator
	auth      Authenticator
	transform Transformer
	sink      MetricsSink
	timeout   time.Duration
	logger    *slog.Logger
}

// New builds a Dispatcher. Routes are sorted by path prefix length,
// longest first, so the most specific route wins.
func New(opts Options) *Dispatcher {
	sorted := make([]config.RouteConfig, len(opts.Routes))
	copy(sorted, opts.Routes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		routes:    sorted,
		upstreams: opts.Upstreams,
		breakers:  opts.Breakers,
		policy:    opts.Policy.Normalized(),
		validator: opts.Validator,
		auth:      opts.Auth,
		transform: opts.Transformer,
		sink:      opts.Sink,
		timeout:   timeout,
		logger:    logger,
	}
}

// MatchRoute exposes route matching for other packages (rate limiting,
// logging middleware).
func (d *Dispatcher) MatchRoute(path string) (config.RouteConfig, bool) {
	return d.matchRoute(path)
}

func (d *Dispatcher) matchRoute(path string) (config.RouteConfig, bool) {
	for _, route := range d.routes {
		if routing.MatchesPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	return config.RouteConfig{}, false
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, ok := d.matchRoute(r.URL.Path)
	if !ok {
		apierror.WriteStatic(w, r, http.StatusNotFound, apierror.CodeRouteNotFound, "no matching route")
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		apierror.WriteStatic(w, r, http.StatusMethodNotAllowed, apierror.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	// The whole attempt chain, retries and backoff included, runs under
	// one request deadline.
	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()
	r = r.WithContext(ctx)

	ev := metrics.Event{Upstream: route.Upstream}
	defer func() {
		ev.Latency = time.Since(start)
		if d.sink != nil {
			d.sink.Record(ev)
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ev.Outcome = apierror.KindValidation.String()
		ev.Status = http.StatusBadRequest
		apierror.WriteJSON(w, r, apierror.Wrap(apierror.KindValidation, apierror.CodeValidation,
			"failed to read request body", err))
		return
	}

	// Validation precedes authentication: malformed input resolves as 400
	// even when credentials are also missing or bad.
	if d.validator != nil {
		if err := d.validator.Validate(route, r, body); err != nil {
			schema := route.Schema
			if schema == "" {
				schema = "none"
			}
			metrics.ValidationFailures.WithLabelValues(schema).Inc()
			ev.Outcome = apierror.KindOf(err).String()
			ev.Status = apierror.HTTPStatus(err)
			apierror.WriteJSON(w, r, err)
			return
		}
	}

	if route.AuthRequired && d.auth != nil {
		authCtx, err := d.auth.Authenticate(r)
		if err != nil {
			ev.Outcome = apierror.KindOf(err).String()
			ev.Status = apierror.HTTPStatus(err)
			apierror.WriteJSON(w, r, err)
			return
		}
		r = r.WithContext(authCtx)
	}

	client, err := d.upstreams.Get(route.Upstream)
	if err != nil {
		d.logger.Error("dispatch defect: route references missing upstream client",
			"upstream", route.Upstream, "path", r.URL.Path)
		ev.Outcome = apierror.KindInternal.String()
		ev.Status = http.StatusInternalServerError
		apierror.WriteJSON(w, r, err)
		return
	}

	ureq := d.buildUpstreamRequest(route, r, body)
	br := d.breakers.Get(route.Upstream)

	var resp *upstream.Response
	attempts, err := retry.Execute(ctx, route.Upstream, d.policy, br, d.logger, func(ctx context.Context) error {
		got, callErr := client.Call(ctx, ureq)
		if callErr != nil {
			return callErr
		}
		resp = got
		return nil
	})
	ev.Attempts = attempts

	if err != nil {
		if apierror.KindOf(err) == apierror.KindInternal {
			d.logger.Error("dispatch defect: unclassified upstream error",
				"error", err, "upstream", route.Upstream, "path", r.URL.Path)
		}
		ev.Outcome = apierror.KindOf(err).String()
		ev.Status = apierror.HTTPStatus(err)
		apierror.WriteJSON(w, r, err)
		return
	}

	if d.transform != nil {
		resp, err = d.transform.Transform(route, resp)
		if err != nil {
			ev.Outcome = apierror.KindOf(err).String()
			ev.Status = apierror.HTTPStatus(err)
			apierror.WriteJSON(w, r, err)
			return
		}
	}

	ev.Outcome = "success"
	ev.Status = resp.Status
	writeResponse(w, resp, start)
}

func (d *Dispatcher) buildUpstreamRequest(route config.RouteConfig, r *http.Request, body []byte) upstream.Request {
	path := r.URL.Path
	if route.StripPrefix {
		path = strings.TrimPrefix(path, route.PathPrefix)
		if path == "" {
			path = "/"
		}
	}

	header := make(http.Header, len(r.Header))
	for k, vals := range r.Header {
		if hopByHop[http.CanonicalHeaderKey(k)] || k == "Authorization" {
			continue
		}
		header[k] = vals
	}
	for k, v := range route.Headers {
		header.Set(k, v)
	}

	return upstream.Request{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.RawQuery,
		Header: header,
		Body:   body,
	}
}

// hopByHop headers never cross the bridge boundary.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func writeResponse(w http.ResponseWriter, resp *upstream.Response, start time.Time) {
	h := w.Header()
	for k, vals := range resp.Header {
		ck := http.CanonicalHeaderKey(k)
		// Content-Length is recomputed: a transform may have replaced
		// the body since the upstream measured it.
		if hopByHop[ck] || ck == "Content-Length" {
			continue
		}
		h[ck] = vals
	}
	h.Set("X-Bridge-Latency", time.Since(start).String())
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}
