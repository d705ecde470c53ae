package validate

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/fhirclient"
)

// Remote validates through the $validate operation of a FHIR server.
type Remote struct {
	client *fhirclient.Client
}

// NewRemote creates a validator backed by client.
func NewRemote(client *fhirclient.Client) *Remote {
	return &Remote{client: client}
}

// Validate posts r to Type/$validate and reads the returned OperationOutcome.
func (v *Remote) Validate(ctx context.Context, r *fv.Resource, profile string) (*Verdict, error) {
	body, mediaType := r.Payload()
	resp, err := v.client.Validate(ctx, r.Type, body, mediaType, profile)
	if err != nil {
		return nil, errors.Wrapf(err, "$validate %s", r.Key())
	}

	issues := fhirclient.ParseOutcome(resp.Body)
	verdict := verdictOf(issues)
	if resp.Status != http.StatusOK && verdict.Valid {
		verdict.Valid = false
		verdict.Issues = append(verdict.Issues, fv.Issue{
			Severity:    fv.SeverityError,
			Code:        "processing",
			Diagnostics: "$validate answered HTTP " + http.StatusText(resp.Status),
		})
	}
	return verdict, nil
}
