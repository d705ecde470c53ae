package fhirclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/cockroachdb/errors"

	fv "github.com/gofhir/uploader"
)

// Hit is one match of a search.
type Hit struct {
	ID       string
	ETag     string
	Resource []byte
}

// SearchCanonical searches resourceType by canonical url and, when given,
// version. Included and outcome entries are not returned.
func (c *Client) SearchCanonical(ctx context.Context, resourceType, canonical, version string) ([]Hit, error) {
	q := url.Values{}
	q.Set("url", canonical)
	if version != "" {
		q.Set("version", version)
	}
	resp, err := c.expect(c.do(ctx, request{
		method: http.MethodGet,
		path:   resourceType,
		query:  q,
		accept: fv.FormatJSON,
	}))
	if err != nil {
		return nil, err
	}
	return ParseSearchset(resp.Body)
}

// ParseSearchset returns the matches of a searchset Bundle.
func ParseSearchset(body []byte) ([]Hit, error) {
	if rt, err := jsonparser.GetString(body, "resourceType"); err != nil || rt != "Bundle" {
		return nil, errors.New("search response is not a Bundle")
	}

	var hits []Hit
	_, err := jsonparser.ArrayEach(body, func(entry []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.Object {
			return
		}
		if mode, err := jsonparser.GetString(entry, "search", "mode"); err == nil && mode != "match" {
			return
		}
		res, resType, _, err := jsonparser.Get(entry, "resource")
		if err != nil || resType != jsonparser.Object {
			return
		}
		id, _ := jsonparser.GetString(res, "id")
		versionID, _ := jsonparser.GetString(res, "meta", "versionId")
		hit := Hit{ID: id, Resource: res}
		if versionID != "" {
			hit.ETag = `W/"` + versionID + `"`
		}
		hits = append(hits, hit)
	}, "entry")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, errors.Wrap(err, "malformed searchset")
	}
	return hits, nil
}

// EntryResponse is the outcome of one transaction entry.
type EntryResponse struct {
	Status   int
	Location string
	ETag     string
	Issues   fv.Issues
}

// ParseTransactionResponse returns the per-entry responses of a
// transaction-response Bundle, in entry order.
func ParseTransactionResponse(body []byte) ([]EntryResponse, error) {
	if rt, err := jsonparser.GetString(body, "resourceType"); err != nil || rt != "Bundle" {
		return nil, errors.New("transaction response is not a Bundle")
	}

	var out []EntryResponse
	var parseErr error
	_, err := jsonparser.ArrayEach(body, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
		status, err := jsonparser.GetString(entry, "response", "status")
		if err != nil && parseErr == nil {
			parseErr = errors.Newf("entry %d has no response.status", len(out))
		}
		er := EntryResponse{Status: statusCode(status)}
		er.Location, _ = jsonparser.GetString(entry, "response", "location")
		er.ETag, _ = jsonparser.GetString(entry, "response", "etag")
		if oo, _, _, err := jsonparser.Get(entry, "response", "outcome"); err == nil {
			er.Issues = ParseOutcome(oo)
		}
		out = append(out, er)
	}, "entry")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, errors.Wrap(err, "malformed transaction response")
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

// statusCode reads the leading code of a status such as "201 Created".
func statusCode(s string) int {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return code
}
