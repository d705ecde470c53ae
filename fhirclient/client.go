// Package fhirclient is a small client for the FHIR REST API operations the
// uploader needs: read, canonical search, update, transaction and $validate.
package fhirclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	fv "github.com/gofhir/uploader"
)

const (
	// DefaultTimeout for HTTP requests without a context deadline.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 64 << 20
)

// Client talks to one FHIR server. It is safe for concurrent use.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	authorization string
	fhirVersion   fv.FHIRVersion
	limiter       *rate.Limiter
	log           *zap.SugaredLogger
	metrics       *fv.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout. Zero leaves requests bounded only by
// their context.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAuthorization sets the Authorization header sent with every request.
// The value is passed through unchanged.
func WithAuthorization(value string) Option {
	return func(c *Client) {
		c.authorization = value
	}
}

// WithFHIRVersion adds the fhirVersion parameter to the Accept header.
func WithFHIRVersion(v fv.FHIRVersion) Option {
	return func(c *Client) {
		c.fhirVersion = v
	}
}

// WithRateLimit limits outbound requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records every request in m.
func WithMetrics(m *fv.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is a raw server response.
type Response struct {
	Method      string
	URL         string
	Status      int
	ETag        string
	Location    string
	ContentType string
	Body        []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Read fetches Type/id in the given format.
func (c *Client) Read(ctx context.Context, resourceType, id string, format fv.Format) (*Response, error) {
	return c.expect(c.do(ctx, request{
		method: http.MethodGet,
		path:   resourceType + "/" + url.PathEscape(id),
		accept: format,
	}))
}

// Update puts a resource at Type/id. A non-empty ifMatch makes the update
// conditional on the current version.
func (c *Client) Update(ctx context.Context, resourceType, id string, body []byte, mediaType, ifMatch string) (*Response, error) {
	return c.expect(c.do(ctx, request{
		method:      http.MethodPut,
		path:        resourceType + "/" + url.PathEscape(id),
		body:        body,
		contentType: mediaType,
		accept:      formatOf(mediaType),
		ifMatch:     ifMatch,
	}))
}

// Transaction posts a transaction Bundle to the server base.
func (c *Client) Transaction(ctx context.Context, body []byte, mediaType string) (*Response, error) {
	return c.expect(c.do(ctx, request{
		method:      http.MethodPost,
		body:        body,
		contentType: mediaType,
		accept:      fv.FormatJSON,
	}))
}

// Validate posts a resource to Type/$validate. Responses carrying an
// OperationOutcome (200, 400, 412, 422) are returned as is; the caller reads
// the verdict from the outcome.
func (c *Client) Validate(ctx context.Context, resourceType string, body []byte, mediaType, profile string) (*Response, error) {
	q := url.Values{}
	if profile != "" {
		q.Set("profile", profile)
	}
	resp, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        resourceType + "/$validate",
		query:       q,
		body:        body,
		contentType: mediaType,
		accept:      fv.FormatJSON,
	})
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case http.StatusOK, http.StatusBadRequest, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		return resp, nil
	}
	return nil, newStatusError(resp)
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	accept      fv.Format
	ifMatch     string
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL
	if path != "" {
		u += "/" + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one request. Transport errors are returned as errors; any HTTP
// status is returned as a Response.
func (c *Client) do(ctx context.Context, r request) (*Response, error) {
	target := c.url(r.path, r.query)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify(ctx, errors.Wrapf(err, "%s %s: rate limiter", r.method, target))
		}
	}

	var body io.Reader = http.NoBody
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", c.mediaType(r.accept))
	if r.body != nil {
		req.Header.Set("Content-Type", r.contentType)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	if r.ifMatch != "" {
		req.Header.Set("If-Match", r.ifMatch)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(true)
		c.log.Debugw("request failed", "method", r.method, "url", target, "error", err)
		return nil, classify(ctx, errors.Wrapf(err, "%s %s", r.method, target))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.record(true)
		return nil, classify(ctx, errors.Wrapf(err, "%s %s: failed to read response", r.method, target))
	}

	out := &Response{
		Method:      r.method,
		URL:         target,
		Status:      resp.StatusCode,
		ETag:        resp.Header.Get("ETag"),
		Location:    resp.Header.Get("Location"),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}
	c.record(resp.StatusCode >= 500)
	c.log.Debugw("request",
		"method", r.method,
		"url", target,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return out, nil
}

// expect turns non-2xx responses into a *StatusError.
func (c *Client) expect(resp *Response, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (c *Client) record(failed bool) {
	if c.metrics != nil {
		c.metrics.RecordRequest(failed)
	}
}

func (c *Client) mediaType(f fv.Format) string {
	mt := f.MediaType()
	if c.fhirVersion != "" {
		mt += "; fhirVersion=" + c.fhirVersion.Semver()
	}
	return mt
}

func formatOf(mediaType string) fv.Format {
	if strings.Contains(mediaType, "xml") {
		return fv.FormatXML
	}
	return fv.FormatJSON
}

// classify marks deadline errors with fv.ErrTimeout.
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return errors.Mark(err, fv.ErrTimeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errors.Mark(err, fv.ErrTimeout)
	}
	return err
}
