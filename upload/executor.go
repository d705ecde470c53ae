// Package upload sends resources to a FHIR server.
//
// Individual mode writes one resource per request, either unconditionally or
// after comparing with the server copy. Transaction mode sends the whole plan
// as one transaction Bundle. Both honour the filter and dry-run settings.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/fhirclient"
	"github.com/gofhir/uploader/value"
)

// Server is the remote FHIR server. *fhirclient.Client satisfies it.
type Server interface {
	Read(ctx context.Context, resourceType, id string, format fv.Format) (*fhirclient.Response, error)
	SearchCanonical(ctx context.Context, resourceType, canonical, version string) ([]fhirclient.Hit, error)
	Update(ctx context.Context, resourceType, id string, body []byte, mediaType, ifMatch string) (*fhirclient.Response, error)
	Transaction(ctx context.Context, body []byte, mediaType string) (*fhirclient.Response, error)
}

var _ Server = (*fhirclient.Client)(nil)

// Config holds the executor settings.
type Config struct {
	Mode        fv.UploadMode
	Conditional bool
	Force       bool
	DryRun      bool
	Filter      *Filter

	RequestTimeout     time.Duration
	TransactionTimeout time.Duration

	// BaseURL prefixes transaction entry fullUrls.
	BaseURL string
}

// ConfigFromOptions derives the executor configuration from run options.
func ConfigFromOptions(opts *fv.Options) (Config, error) {
	filter, err := NewFilter(opts.ExcludeTypes, opts.ExcludeSources, opts.FilterExpression)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Mode:               opts.Mode,
		Conditional:        opts.Conditional,
		Force:              opts.Force,
		DryRun:             opts.DryRun,
		Filter:             filter,
		RequestTimeout:     opts.RequestTimeout,
		TransactionTimeout: opts.TransactionTimeout,
		BaseURL:            opts.BaseURL,
	}, nil
}

// Executor uploads resources. It is safe for concurrent use.
type Executor struct {
	server  Server
	cfg     Config
	log     *zap.SugaredLogger
	decoder *decode.Decoder
}

// New creates an Executor. A nil logger discards output.
func New(server Server, cfg Config, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		server:  server,
		cfg:     cfg,
		log:     log,
		decoder: decode.New(decode.WithBundleFlattening(false)),
	}
}

// Config returns the executor configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Upload sends one resource and reports its outcome. position is the 1-based
// plan position echoed in the result.
func (e *Executor) Upload(ctx context.Context, r *fv.Resource, position int) fv.UploadResult {
	start := time.Now()
	res := e.upload(ctx, r, position)
	res.Key = r.Key()
	res.SourceRef = r.SourceRef
	res.Position = position
	res.DryRun = e.cfg.DryRun
	res.Duration = time.Since(start)

	e.log.Debugw("uploaded",
		"resource", r.Key().String(),
		"outcome", res.Label(),
		"status", res.Status,
		"duration", res.Duration,
	)
	return res
}

func (e *Executor) upload(ctx context.Context, r *fv.Resource, position int) fv.UploadResult {
	if why, skip := e.cfg.Filter.Match(r); skip {
		return fv.UploadResult{Outcome: fv.OutcomeSkippedByPolicy, Detail: why}
	}
	if err := ctx.Err(); err != nil {
		return fv.FailedResult(r, position, e.failure(r, err))
	}
	if !e.cfg.Conditional {
		if e.cfg.DryRun {
			return fv.UploadResult{Outcome: fv.OutcomeCreated, Detail: "dry-run: would PUT " + r.Key().String()}
		}
		return e.put(ctx, r, r.ID, "", fv.OutcomeCreated, position)
	}

	existing, err := e.lookup(ctx, r)
	if err != nil {
		return fv.FailedResult(r, position, e.failure(r, err))
	}
	if existing == nil {
		if e.cfg.DryRun {
			return fv.UploadResult{Outcome: fv.OutcomeCreated, Detail: "dry-run: not on server"}
		}
		return e.put(ctx, r, r.ID, "", fv.OutcomeCreated, position)
	}

	identical := Identical(r.Body, existing.body, existing.byCanonical)
	switch {
	case identical && !e.cfg.Force:
		return fv.UploadResult{Outcome: fv.OutcomeSkippedIdentical, Detail: "matches " + existing.ref(r.Type)}
	case e.cfg.DryRun:
		return fv.UploadResult{Outcome: fv.OutcomeUpdated, Detail: "dry-run: would update " + existing.ref(r.Type)}
	}

	if existing.id != r.ID {
		return e.putAs(ctx, r, existing, position)
	}
	return e.put(ctx, r, r.ID, existing.etag, fv.OutcomeUpdated, position)
}

// remote is the server copy of a resource.
type remote struct {
	id          string
	etag        string
	body        *value.Object
	byCanonical bool
}

func (rm *remote) ref(resourceType string) string {
	return resourceType + "/" + rm.id
}

// lookup finds the server copy of r: by canonical url for canonical resources,
// by id otherwise or when the canonical search fails. A nil remote means absent.
func (e *Executor) lookup(ctx context.Context, r *fv.Resource) (*remote, error) {
	if r.IsCanonical() {
		hits, err := e.search(ctx, r)
		switch {
		case err != nil:
			e.log.Warnw("canonical search failed, falling back to read by id",
				"resource", r.Key().String(), "url", r.CanonicalURL, "error", err)
		case len(hits) == 0:
			return nil, nil
		case len(hits) == 1:
			rm, err := e.read(ctx, r, hits[0].ID)
			if rm != nil {
				rm.byCanonical = true
			}
			return rm, err
		default:
			return nil, &fv.UploadFailure{
				Key:    r.Key(),
				Reason: fv.ReasonConflict,
				Cause:  errors.Mark(errors.Newf("%d %s resources match %s", len(hits), r.Type, r.CanonicalURL), fv.ErrConflict),
			}
		}
	}
	return e.read(ctx, r, r.ID)
}

func (e *Executor) search(ctx context.Context, r *fv.Resource) ([]fhirclient.Hit, error) {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()
	return e.server.SearchCanonical(ctx, r.Type, r.CanonicalURL, r.CanonicalVersion)
}

func (e *Executor) read(ctx context.Context, r *fv.Resource, id string) (*remote, error) {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	resp, err := e.server.Read(ctx, r.Type, id, r.Format)
	if errors.Is(err, fv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := e.decoder.Unit(decode.Input{
		Name:        "server:" + r.Type + "/" + id,
		Data:        resp.Body,
		ContentType: resp.ContentType,
	})
	if res.Err != nil || len(res.Resources) != 1 {
		cause := errors.Newf("unreadable server copy of %s/%s", r.Type, id)
		if res.Err != nil {
			cause = errors.Wrapf(res.Err.Cause, "unreadable server copy of %s/%s", r.Type, id)
		}
		return nil, &fv.UploadFailure{Key: r.Key(), Reason: fv.ReasonServer, Status: resp.Status, Cause: cause}
	}
	return &remote{id: id, etag: resp.ETag, body: res.Resources[0].Body}, nil
}

// put writes r to Type/id.
func (e *Executor) put(ctx context.Context, r *fv.Resource, id, ifMatch string, outcome fv.Outcome, position int) fv.UploadResult {
	body, mediaType := r.Payload()
	return e.write(ctx, r, id, body, mediaType, ifMatch, outcome, position)
}

// putAs updates a server copy found under a different id. The body is sent
// with the server's id so the update targets the existing resource.
func (e *Executor) putAs(ctx context.Context, r *fv.Resource, rm *remote, position int) fv.UploadResult {
	if r.Format == fv.FormatXML {
		return fv.FailedResult(r, position, &fv.UploadFailure{
			Key:    r.Key(),
			Reason: fv.ReasonUnsupported,
			Cause:  errors.Newf("server copy of %s is stored as %s", r.CanonicalURL, rm.ref(r.Type)),
		})
	}
	body := value.Clone(r.Body).(*value.Object)
	body.SetFirst("id", value.String(rm.id))
	body.Set("resourceType", value.String(r.Type))
	return e.write(ctx, r, rm.id, value.Marshal(body), fv.FormatJSON.MediaType(), rm.etag, fv.OutcomeUpdated, position)
}

func (e *Executor) write(ctx context.Context, r *fv.Resource, id string, body []byte, mediaType, ifMatch string, outcome fv.Outcome, position int) fv.UploadResult {
	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	resp, err := e.server.Update(ctx, r.Type, id, body, mediaType, ifMatch)
	if err != nil {
		return fv.FailedResult(r, position, e.failure(r, err))
	}
	return fv.UploadResult{
		Outcome: outcome,
		Status:  resp.Status,
		Detail:  fmt.Sprintf("PUT %s/%s: HTTP %d", r.Type, id, resp.Status),
	}
}

// failure classifies err into an *fv.UploadFailure.
func (e *Executor) failure(r *fv.Resource, err error) error {
	var uf *fv.UploadFailure
	if errors.As(err, &uf) {
		return err
	}
	uf = &fv.UploadFailure{Key: r.Key(), Cause: err, Reason: fv.ReasonFor(err)}
	var se *fhirclient.StatusError
	if errors.As(err, &se) {
		uf.Reason = se.Reason()
		uf.Status = se.Status
	}
	return uf
}

func (e *Executor) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}
