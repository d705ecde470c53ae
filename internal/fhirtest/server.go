// Package fhirtest provides an in-memory FHIR server for tests.
//
// It implements the subset of the REST API the uploader uses: read, search by
// canonical url, create, update with If-Match, transaction and $validate.
// Stored JSON resources get meta.versionId and meta.lastUpdated like a real
// server would add.
package fhirtest

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"

	"github.com/gofhir/uploader/value"
)

type stored struct {
	body      []byte
	version   int
	mediaType string
}

// Server is an in-memory FHIR server.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	store    map[string]*stored
	requests []string
	failures map[string]int
	delay    map[string]time.Duration
	nextID   int

	// Validate, when set, decides $validate responses: it returns the HTTP
	// status and the OperationOutcome issues as raw JSON array members.
	Validate func(resourceType string, body []byte) (int, string)
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{
		store:    make(map[string]*stored),
		failures: make(map[string]int),
		delay:    make(map[string]time.Duration),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Seed stores a resource as if it had been uploaded before.
func (s *Server) Seed(ref string, body []byte, mediaType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(ref, body, mediaType)
}

// Resource returns the stored body of Type/id.
func (s *Server) Resource(ref string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.store[ref]
	if !ok {
		return nil, false
	}
	return st.body, true
}

// Len returns the number of stored resources.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}

// FailWrites makes every write to Type/id answer with status.
func (s *Server) FailWrites(ref string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[ref] = status
}

// Delay holds every request to Type/id for d before answering. An empty ref
// delays transactions posted to the base.
func (s *Server) Delay(ref string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[ref] = d
}

// Requests returns "METHOD /path" for every request received, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Count returns how many requests used method.
func (s *Server) Count(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" /"+path)
	d := s.delay[path]
	s.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case r.Method == http.MethodPost && path == "":
		s.transaction(w, r, body)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "$validate":
		s.validate(w, parts[0], body)
	case r.Method == http.MethodGet && len(parts) == 1:
		s.search(w, parts[0], r.URL.Query().Get("url"), r.URL.Query().Get("version"))
	case r.Method == http.MethodGet && len(parts) == 2:
		s.read(w, path)
	case r.Method == http.MethodPut && len(parts) == 2:
		s.mu.Lock()
		status, etag, oo := s.write(path, body, r.Header.Get("Content-Type"), r.Header.Get("If-Match"))
		s.mu.Unlock()
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		writeJSON(w, status, oo)
	case r.Method == http.MethodPost && len(parts) == 1:
		s.mu.Lock()
		s.nextID++
		ref := parts[0] + "/" + strconv.Itoa(s.nextID)
		status, etag, oo := s.write(ref, body, r.Header.Get("Content-Type"), "")
		s.mu.Unlock()
		w.Header().Set("Location", ref)
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		writeJSON(w, status, oo)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, outcome("error", "not-supported", r.Method+" "+path))
	}
}

func (s *Server) read(w http.ResponseWriter, ref string) {
	s.mu.Lock()
	st, ok := s.store[ref]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, outcome("error", "not-found", ref+" is not known"))
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"%d"`, st.version))
	w.Header().Set("Content-Type", st.mediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(st.body)
}

func (s *Server) search(w http.ResponseWriter, resourceType, url, version string) {
	s.mu.Lock()
	var refs []string
	for ref := range s.store {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var entries []string
	for _, ref := range refs {
		st := s.store[ref]
		if !strings.HasPrefix(ref, resourceType+"/") || !isJSON(st.mediaType) {
			continue
		}
		u, _ := jsonparser.GetString(st.body, "url")
		v, _ := jsonparser.GetString(st.body, "version")
		if u != url || (version != "" && v != version) {
			continue
		}
		entries = append(entries, `{"resource":`+string(st.body)+`,"search":{"mode":"match"}}`)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset","total":%d,"entry":[%s]}`,
		len(entries), strings.Join(entries, ",")))
}

// write stores body at ref. The caller holds s.mu.
func (s *Server) write(ref string, body []byte, contentType, ifMatch string) (int, string, string) {
	if status, ok := s.failures[ref]; ok {
		return status, "", outcome("error", "exception", "write to "+ref+" rejected")
	}
	cur, exists := s.store[ref]
	if ifMatch != "" && exists && ifMatch != fmt.Sprintf(`W/"%d"`, cur.version) {
		return http.StatusPreconditionFailed, "", outcome("error", "conflict", "version mismatch for "+ref)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "" {
		mediaType = "application/fhir+json"
	}
	st := s.put(ref, body, mediaType)
	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	return status, fmt.Sprintf(`W/"%d"`, st.version), ""
}

// put stores body, stamping meta on JSON resources. The caller holds s.mu.
func (s *Server) put(ref string, body []byte, mediaType string) *stored {
	version := 1
	if cur, ok := s.store[ref]; ok {
		version = cur.version + 1
	}
	if isJSON(mediaType) {
		if v, err := value.Parse(body); err == nil {
			if obj, ok := v.(*value.Object); ok {
				meta, ok := obj.GetObject("meta")
				if !ok {
					meta = value.NewObject()
				}
				meta.Set("versionId", value.String(strconv.Itoa(version)))
				meta.Set("lastUpdated", value.String(time.Now().UTC().Format(time.RFC3339)))
				obj.Set("meta", meta)
				body = value.Marshal(obj)
			}
		}
	}
	st := &stored{body: body, version: version, mediaType: mediaType}
	s.store[ref] = st
	return st
}

func (s *Server) transaction(w http.ResponseWriter, r *http.Request, body []byte) {
	if !isJSON(r.Header.Get("Content-Type")) {
		s.xmlTransaction(w, body)
		return
	}
	parsed, err := value.Parse(body)
	bundle, ok := parsed.(*value.Object)
	if err != nil || !ok {
		writeJSON(w, http.StatusBadRequest, outcome("error", "invalid", "transaction is not a Bundle"))
		return
	}
	entries, _ := bundle.Get("entry")
	list, _ := entries.(value.Array)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range list {
		entry, _ := e.(*value.Object)
		url, _ := value.Lookup(entry, "request", "url")
		ref, _ := url.(value.String)
		res, _ := entry.GetObject("resource")
		status, etag, oo := s.write(string(ref), value.Marshal(res), "application/fhir+json", "")
		resp := fmt.Sprintf(`{"status":"%d %s"`, status, http.StatusText(status))
		if etag != "" {
			resp += fmt.Sprintf(`,"location":"%s/_history/%s","etag":%q`, ref, strings.Trim(etag[2:], `"`), etag)
		}
		if oo != "" {
			resp += `,"outcome":` + oo
		}
		out = append(out, `{"response":`+resp+`}}`)
	}
	writeJSON(w, http.StatusOK, `{"resourceType":"Bundle","type":"transaction-response","entry":[`+strings.Join(out, ",")+`]}`)
}

// xmlTransaction answers an XML transaction with one 201 per entry element.
func (s *Server) xmlTransaction(w http.ResponseWriter, body []byte) {
	n := bytes.Count(body, []byte("<entry>"))
	out := make([]string, n)
	for i := range out {
		out[i] = `{"response":{"status":"201 Created"}}`
	}
	writeJSON(w, http.StatusOK, `{"resourceType":"Bundle","type":"transaction-response","entry":[`+strings.Join(out, ",")+`]}`)
}

func (s *Server) validate(w http.ResponseWriter, resourceType string, body []byte) {
	status, issues := http.StatusOK, `{"severity":"information","code":"informational","diagnostics":"All OK"}`
	if s.Validate != nil {
		status, issues = s.Validate(resourceType, body)
	}
	writeJSON(w, status, `{"resourceType":"OperationOutcome","issue":[`+issues+`]}`)
}

func outcome(severity, code, diagnostics string) string {
	return fmt.Sprintf(`{"resourceType":"OperationOutcome","issue":[{"severity":%q,"code":%q,"diagnostics":%q}]}`,
		severity, code, diagnostics)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	if body != "" {
		_, _ = io.WriteString(w, body)
	}
}

func isJSON(mediaType string) bool {
	return mediaType == "" || strings.Contains(mediaType, "json")
}
