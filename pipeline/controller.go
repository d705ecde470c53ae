// Package pipeline runs uploads end to end: decode, dependency graph,
// validation and upload, reporting progress on a per-run event stream.
//
// A Controller holds the configuration and collaborators; every call to
// Start or Execute is an independent run with its own summary and stream.
package pipeline

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/fhirclient"
	"github.com/gofhir/uploader/reference"
	"github.com/gofhir/uploader/stream"
	"github.com/gofhir/uploader/upload"
	"github.com/gofhir/uploader/validate"
)

// Dependency supplies a collaborator to the Controller.
type Dependency func(*Controller)

// WithServer sets the FHIR server uploads go to. Without it the Controller
// builds a client from the options.
func WithServer(s upload.Server) Dependency {
	return func(c *Controller) {
		c.server = s
	}
}

// WithValidator sets the validator consulted before upload when validation
// is enabled. Without it a cached chain of the built-in validators is used.
func WithValidator(v validate.Validator) Dependency {
	return func(c *Controller) {
		c.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Dependency {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metrics sink shared by the runs of the Controller.
func WithMetrics(m *fv.Metrics) Dependency {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDecoder replaces the decoder built from the options.
func WithDecoder(d *decode.Decoder) Dependency {
	return func(c *Controller) {
		if d != nil {
			c.decoder = d
		}
	}
}

// WithSelect drops decoded resources for which keep returns false before the
// dependency graph is built. Dropped resources are not part of the summary.
func WithSelect(keep func(*fv.Resource) bool) Dependency {
	return func(c *Controller) {
		c.keep = keep
	}
}

// Controller runs uploads. It is safe for concurrent use; runs share only
// the collaborators and metrics.
type Controller struct {
	opts      *fv.Options
	server    upload.Server
	client    *fhirclient.Client
	validator validate.Validator
	log       *zap.SugaredLogger
	metrics   *fv.Metrics
	decoder   *decode.Decoder
	extractor *reference.Extractor
	executor  *upload.Executor
	keep      func(*fv.Resource) bool
}

// New creates a Controller. A nil opts means the defaults.
func New(opts *fv.Options, deps ...Dependency) (*Controller, error) {
	if opts == nil {
		opts = fv.DefaultOptions()
	}
	if err := opts.Check(); err != nil {
		return nil, err
	}

	c := &Controller{
		opts:    opts,
		log:     zap.NewNop().Sugar(),
		metrics: fv.NewMetrics(),
	}
	for _, dep := range deps {
		dep(c)
	}
	if c.decoder == nil {
		c.decoder = decode.New(decode.WithMaxMemberSize(opts.MaxMemberSize))
	}
	c.extractor = reference.New(opts.ReferenceStrategy)

	if c.server == nil {
		if opts.BaseURL != "" {
			c.client = fhirclient.New(opts.BaseURL,
				fhirclient.WithAuthorization(opts.Authorization),
				fhirclient.WithFHIRVersion(opts.FHIRVersion),
				fhirclient.WithRateLimit(opts.RateLimit, opts.RateBurst),
				fhirclient.WithLogger(c.log.Named("client")),
				fhirclient.WithMetrics(c.metrics),
				fhirclient.WithTimeout(max(opts.RequestTimeout, opts.TransactionTimeout)),
			)
			c.server = c.client
		} else {
			c.server = offline{}
		}
	}

	if opts.ValidationEnabled && c.validator == nil {
		v, err := c.defaultValidator()
		if err != nil {
			return nil, err
		}
		c.validator = v
	}

	cfg, err := upload.ConfigFromOptions(opts)
	if err != nil {
		return nil, errors.Wrap(err, "invalid upload filter")
	}
	c.executor = upload.New(c.server, cfg, c.log.Named("upload"))
	return c, nil
}

// defaultValidator chains the local checks with the server's $validate when
// a server client exists, behind a verdict cache.
func (c *Controller) defaultValidator() (validate.Validator, error) {
	rules, err := validate.NewRules(validate.DefaultRules()...)
	if err != nil {
		return nil, err
	}
	chain := validate.Chain{validate.NewCanonical(), rules}
	if c.client != nil {
		chain = append(chain, validate.NewRemote(c.client))
	}
	return validate.NewCached(chain, 0, c.metrics)
}

// Options returns the run configuration.
func (c *Controller) Options() *fv.Options {
	return c.opts
}

// Metrics returns the metrics of the Controller.
func (c *Controller) Metrics() *fv.Metrics {
	return c.metrics
}

// Execute runs the upload synchronously, delivering every event to sink,
// and returns the summary. A failing sink does not stop the run.
func (c *Controller) Execute(ctx context.Context, inputs []decode.Input, sink stream.Sink) *fv.RunSummary {
	if sink == nil {
		sink = stream.Discard
	}
	run := c.Start(ctx, inputs)
	if err := stream.Pump(run.Events(), sink); err != nil {
		c.log.Warnw("event sink failed", "run", run.ID(), "error", err)
	}
	return run.Wait()
}

// offline stands in for a server in dry runs without a base URL: nothing
// exists and nothing can be written.
type offline struct{}

var errOffline = errors.New("no FHIR server configured")

func (offline) Read(context.Context, string, string, fv.Format) (*fhirclient.Response, error) {
	return nil, fv.ErrNotFound
}

func (offline) SearchCanonical(context.Context, string, string, string) ([]fhirclient.Hit, error) {
	return nil, nil
}

func (offline) Update(context.Context, string, string, []byte, string, string) (*fhirclient.Response, error) {
	return nil, errOffline
}

func (offline) Transaction(context.Context, []byte, string) (*fhirclient.Response, error) {
	return nil, errOffline
}
