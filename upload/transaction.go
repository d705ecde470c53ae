package upload

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/fhirclient"
	"github.com/gofhir/uploader/value"
)

// Transaction uploads plan as one transaction Bundle and maps the response
// back onto the resources, in plan order. Filtered resources are skipped by
// policy. The Bundle is XML only when every remaining resource is XML;
// otherwise XML resources cannot be embedded and fail as unsupported.
func (e *Executor) Transaction(ctx context.Context, plan []*fv.Resource) []fv.UploadResult {
	start := time.Now()
	results := make([]fv.UploadResult, len(plan))
	for i, r := range plan {
		results[i] = fv.UploadResult{Key: r.Key(), SourceRef: r.SourceRef, Position: i + 1, DryRun: e.cfg.DryRun}
	}

	var included []int
	allXML := true
	for i, r := range plan {
		if why, skip := e.cfg.Filter.Match(r); skip {
			results[i].Outcome = fv.OutcomeSkippedByPolicy
			results[i].Detail = why
			continue
		}
		included = append(included, i)
		allXML = allXML && r.Format == fv.FormatXML
	}
	if !allXML {
		kept := included[:0]
		for _, i := range included {
			if plan[i].Format == fv.FormatXML {
				results[i] = e.failedAt(plan[i], i+1, &fv.UploadFailure{
					Key:    plan[i].Key(),
					Reason: fv.ReasonUnsupported,
					Cause:  errors.New("XML resources cannot be embedded in a JSON transaction"),
				})
				continue
			}
			kept = append(kept, i)
		}
		included = kept
	}
	if len(included) == 0 {
		return e.finish(results, start)
	}

	if e.cfg.DryRun {
		for _, i := range included {
			results[i].Outcome = fv.OutcomeCreated
			results[i].Detail = "dry-run: transaction not submitted"
		}
		return e.finish(results, start)
	}

	members := make([]*fv.Resource, len(included))
	for j, i := range included {
		members[j] = plan[i]
	}
	var body []byte
	mediaType := fv.FormatJSON.MediaType()
	if allXML {
		body, mediaType = e.xmlBundle(members), fv.FormatXML.MediaType()
	} else {
		body = e.jsonBundle(members)
	}

	ctx, cancel := e.transactionContext(ctx)
	defer cancel()
	resp, err := e.server.Transaction(ctx, body, mediaType)
	if err == nil {
		var entries []fhirclient.EntryResponse
		entries, err = fhirclient.ParseTransactionResponse(resp.Body)
		if err == nil && len(entries) != len(included) {
			err = errors.Newf("transaction response has %d entries, want %d", len(entries), len(included))
		}
		if err == nil {
			for j, i := range included {
				results[i] = e.entryResult(results[i], plan[i], entries[j])
			}
			return e.finish(results, start)
		}
		err = &fv.UploadFailure{Reason: fv.ReasonServer, Status: resp.Status, Cause: err}
	}

	e.log.Warnw("transaction failed", "resources", len(included), "error", err)
	for _, i := range included {
		results[i] = e.failedAt(plan[i], i+1, e.failure(plan[i], withKey(err, plan[i].Key())))
	}
	return e.finish(results, start)
}

func (e *Executor) entryResult(res fv.UploadResult, r *fv.Resource, entry fhirclient.EntryResponse) fv.UploadResult {
	res.Status = entry.Status
	switch entry.Status {
	case http.StatusCreated:
		res.Outcome = fv.OutcomeCreated
	case http.StatusOK:
		res.Outcome = fv.OutcomeUpdated
	default:
		cause := errors.Newf("entry status %d", entry.Status)
		if len(entry.Issues) > 0 {
			cause = errors.Newf("entry status %d: %s", entry.Status, entry.Issues.Summary())
		}
		reason := fv.ReasonServer
		if entry.Status == http.StatusConflict || entry.Status == http.StatusPreconditionFailed {
			reason = fv.ReasonConflict
		}
		return e.failedAt(r, res.Position, &fv.UploadFailure{Key: r.Key(), Reason: reason, Status: entry.Status, Cause: cause})
	}
	res.Detail = fmt.Sprintf("transaction entry: HTTP %d", entry.Status)
	if entry.Location != "" {
		res.Detail += " " + entry.Location
	}
	return res
}

func (e *Executor) failedAt(r *fv.Resource, position int, err error) fv.UploadResult {
	res := fv.FailedResult(r, position, err)
	res.DryRun = e.cfg.DryRun
	return res
}

func (e *Executor) finish(results []fv.UploadResult, start time.Time) []fv.UploadResult {
	elapsed := time.Since(start)
	for i := range results {
		results[i].Duration = elapsed
	}
	return results
}

// withKey attaches k to a shared transaction failure.
func withKey(err error, k fv.Key) error {
	var uf *fv.UploadFailure
	if errors.As(err, &uf) {
		cp := *uf
		cp.Key = k
		return &cp
	}
	return err
}

func (e *Executor) fullURL(k fv.Key) string {
	if e.cfg.BaseURL == "" {
		return k.String()
	}
	return e.cfg.BaseURL + "/" + k.String()
}

func (e *Executor) jsonBundle(members []*fv.Resource) []byte {
	entries := make(value.Array, 0, len(members))
	for _, r := range members {
		request := value.NewObject()
		request.Set("method", value.String(http.MethodPut))
		request.Set("url", value.String(r.Key().String()))

		entry := value.NewObject()
		entry.Set("fullUrl", value.String(e.fullURL(r.Key())))
		entry.Set("resource", r.Body)
		entry.Set("request", request)
		entries = append(entries, entry)
	}
	bundle := value.NewObject()
	bundle.Set("resourceType", value.String("Bundle"))
	bundle.Set("type", value.String("transaction"))
	bundle.Set("entry", entries)
	return value.Marshal(bundle)
}

func (e *Executor) xmlBundle(members []*fv.Resource) []byte {
	var b bytes.Buffer
	b.WriteString(`<Bundle xmlns="http://hl7.org/fhir"><type value="transaction"/>`)
	for _, r := range members {
		b.WriteString(`<entry><fullUrl value="`)
		_ = xml.EscapeText(&b, []byte(e.fullURL(r.Key())))
		b.WriteString(`"/><resource>`)
		b.Write(stripDeclaration(r.Raw))
		b.WriteString(`</resource><request><method value="PUT"/><url value="`)
		_ = xml.EscapeText(&b, []byte(r.Key().String()))
		b.WriteString(`"/></request></entry>`)
	}
	b.WriteString(`</Bundle>`)
	return b.Bytes()
}

// stripDeclaration removes a leading BOM and XML declaration.
func stripDeclaration(raw []byte) []byte {
	raw = bytes.TrimPrefix(raw, []byte("\xEF\xBB\xBF"))
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
			return bytes.TrimLeft(trimmed[end+2:], " \t\r\n")
		}
	}
	return trimmed
}

func (e *Executor) transactionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.TransactionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.TransactionTimeout)
}
