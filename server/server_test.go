package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/internal/fhirtest"
	"github.com/gofhir/uploader/pipeline"
)

const bundle = `{"resourceType":"Bundle","type":"collection","entry":[
	{"resource":{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/p1"}}},
	{"resource":{"resourceType":"Patient","id":"p1"}}
]}`

// line is the wire layout of one event.
type line struct {
	Type     string         `json:"type"`
	Seq      uint64         `json:"seq"`
	Phase    string         `json:"phase"`
	Ref      string         `json:"ref"`
	Position int            `json:"position"`
	Status   string         `json:"status"`
	Summary  *fv.RunSummary `json:"summary"`
}

func setup(t *testing.T) (*fhirtest.Server, *httptest.Server) {
	t.Helper()
	fhir := fhirtest.NewServer()
	t.Cleanup(fhir.Close)

	opts, err := fv.NewOptions(fv.WithBaseURL(fhir.URL), fv.WithRequestTimeout(5*time.Second))
	require.NoError(t, err)
	log := zaptest.NewLogger(t).Sugar()
	c, err := pipeline.New(opts, pipeline.WithLogger(log))
	require.NoError(t, err)
	s, err := New(c, WithLogger(log), WithRunHistory(4))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return fhir, ts
}

func readLines(t *testing.T, resp *http.Response) []line {
	t.Helper()
	var lines []line
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var l line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestUpload_NDJSON(t *testing.T) {
	fhir, ts := setup(t)

	resp, err := http.Post(ts.URL+"/upload?name=bundle.json", "application/fhir+json", strings.NewReader(bundle))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	lines := readLines(t, resp)
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, "complete", last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, fv.StateCompleted, last.Summary.State)
	assert.Equal(t, 2, last.Summary.Counts.Created)

	var uploads []string
	for i, l := range lines[:len(lines)-1] {
		assert.Equal(t, "progress", l.Type)
		assert.Equal(t, uint64(i+1), l.Seq)
		if l.Phase == string(fv.PhaseUpload) {
			uploads = append(uploads, l.Ref)
		}
	}
	assert.Equal(t, []string{"Patient/p1", "Observation/o1"}, uploads)
	assert.Equal(t, 2, fhir.Len())
}

func TestUpload_Multipart(t *testing.T) {
	fhir, ts := setup(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range map[string]string{
		"patient.json":   `{"resourceType":"Patient","id":"p1"}`,
		"encounter.json": `{"resourceType":"Encounter","id":"e1","subject":{"reference":"Patient/p1"}}`,
	} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("comment", "ignored"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := readLines(t, resp)
	last := lines[len(lines)-1]
	require.NotNil(t, last.Summary)
	assert.True(t, last.Summary.OK())
	assert.Equal(t, []fv.Key{{Type: "Patient", ID: "p1"}, {Type: "Encounter", ID: "e1"}}, last.Summary.Plan)
	assert.Equal(t, 2, fhir.Len())
}

func TestUpload_BadRequest(t *testing.T) {
	_, ts := setup(t)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"empty body", "application/fhir+json", ""},
		{"multipart without files", "multipart/form-data; boundary=x", "--x--\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/upload", tt.contentType, strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRuns_WebSocketFeed(t *testing.T) {
	_, ts := setup(t)

	resp, err := http.Post(ts.URL+"/runs?name=bundle.json", "application/fhir+json", strings.NewReader(bundle))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.ID)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + started.Events
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msgs []line
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		var l line
		require.NoError(t, json.Unmarshal(data, &l))
		msgs = append(msgs, l)
	}
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint64(1), msgs[0].Seq, "feed replays from the first event")
	last := msgs[len(msgs)-1]
	assert.Equal(t, "complete", last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, started.ID, last.Summary.RunID)

	status, err := http.Get(ts.URL + started.Status)
	require.NoError(t, err)
	defer status.Body.Close()
	var run runResponse
	require.NoError(t, json.NewDecoder(status.Body).Decode(&run))
	assert.Equal(t, fv.StateCompleted, run.State)
	assert.Equal(t, len(msgs), run.Events)
}

func TestRuns_NotFound(t *testing.T) {
	_, ts := setup(t)

	for _, path := range []string{"/runs/nope", "/runs/nope/events"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/runs/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts := setup(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, fv.Version, body["version"])
}
