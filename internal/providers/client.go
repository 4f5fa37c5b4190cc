// Package providers implements HTTP clients for the granule catalog (CMR), the order
// provider (ECHO REST) and the service provider (ESI).
package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/granule-access/api/internal/domain"
)

const (
	tracerName       = "github.com/granule-access/api/internal/providers"
	headerEchoToken  = "Echo-Token"
	headerClientID   = "Client-Id"
	maxResponseBytes = 16 << 20
)

// Options configure every provider client.
type Options struct {
	BaseURL    string
	ClientID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Limiter is shared across clients so the combined outbound rate stays bounded.
	Limiter *rate.Limiter
}

// NewLimiter builds the shared outbound limiter. A non-positive rps disables limiting.
func NewLimiter(rps, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = rps
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// transport performs provider calls with auth headers, rate limiting and tracing.
type transport struct {
	name     string
	baseURL  *url.URL
	clientID string
	http     *http.Client
	limiter  *rate.Limiter
	tracer   trace.Tracer
}

func newTransport(name string, opts Options) (*transport, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: invalid base url %q", name, opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	return &transport{
		name:     name,
		baseURL:  base,
		clientID: strings.TrimSpace(opts.ClientID),
		http:     client,
		limiter:  limiter,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

type request struct {
	method      string
	path        []string
	query       url.Values
	rawQuery    string
	token       string
	header      http.Header
	body        []byte
	contentType string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (t *transport) endpoint(req request) string {
	u := t.baseURL.JoinPath(req.path...)
	switch {
	case req.rawQuery != "":
		u.RawQuery = req.rawQuery
	case len(req.query) > 0:
		u.RawQuery = req.query.Encode()
	}
	return u.String()
}

// do executes req. Non-2xx responses are returned as *domain.UpstreamError alongside the
// response so callers that relay verbatim can still read it.
func (t *transport) do(ctx context.Context, op string, req request) (*response, error) {
	ctx, span := t.tracer.Start(ctx, t.name+"."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if err := t.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("%s %s: %w", t.name, op, err)
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, t.endpoint(req), body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", t.name, op, err)
	}
	for key, values := range req.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if token := strings.TrimSpace(req.token); token != "" {
		httpReq.Header.Set(headerEchoToken, token)
	}
	if t.clientID != "" {
		httpReq.Header.Set(headerClientID, t.clientID)
	}
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(req.method),
		semconv.URLPath(httpReq.URL.Path),
		attribute.String("provider", t.name),
	)

	resp, err := t.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, fmt.Errorf("%s %s: %w", t.name, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s %s: read body: %w", t.name, op, err)
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	out := &response{status: resp.StatusCode, header: resp.Header, body: data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return out, &domain.UpstreamError{Provider: t.name, Status: resp.StatusCode, Body: data, Header: resp.Header.Clone()}
	}
	return out, nil
}

// IsUpstream reports whether err carries a provider response.
func IsUpstream(err error) (*domain.UpstreamError, bool) {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}
