// Package server exposes the uploader over HTTP.
//
//	POST   /upload             run an upload and stream its events as NDJSON
//	POST   /runs               start an upload in the background
//	GET    /runs/{id}          run state, with the summary once finished
//	GET    /runs/{id}/events   replay and follow the run events over a websocket
//	DELETE /runs/{id}          cancel a run
//
// Uploads are sent either as multipart/form-data, one file per part, or as a
// raw request body named by the "name" query parameter.
package server

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/pipeline"
	"github.com/gofhir/uploader/stream"
)

const (
	// DefaultMaxBody bounds the request body of an upload.
	DefaultMaxBody = 256 << 20

	// DefaultRunHistory is the number of runs kept for GET /runs/{id}.
	DefaultRunHistory = 64

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxBody bounds the request body size of uploads.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithRunHistory sets how many runs are remembered.
func WithRunHistory(n int) Option {
	return func(s *Server) {
		s.history = n
	}
}

// WithCheckOrigin sets the websocket origin check. The default accepts every
// origin.
func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// Server serves uploads through a pipeline Controller.
type Server struct {
	controller *pipeline.Controller
	log        *zap.SugaredLogger
	maxBody    int64
	history    int
	runs       *registry
	upgrader   websocket.Upgrader
}

// New creates a Server.
func New(controller *pipeline.Controller, opts ...Option) (*Server, error) {
	s := &Server{
		controller: controller,
		log:        zap.NewNop().Sugar(),
		maxBody:    DefaultMaxBody,
		history:    DefaultRunHistory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	runs, err := newRegistry(s.history)
	if err != nil {
		return nil, err
	}
	s.runs = runs
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /runs", s.handleStart)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleCancel)
	mux.HandleFunc("GET /runs/{id}/events", s.handleEvents)
	return mux
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully and cancels the runs still in progress.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	s.runs.cancelAll()
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": fv.Version})
}

// handleUpload runs synchronously; the client going away cancels the run.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	inputs, err := s.readInputs(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	summary := s.controller.Execute(r.Context(), inputs, stream.NewNDJSONSink(w))
	s.log.Infow("upload finished", "run", summary.RunID, "state", summary.State, "processed", summary.Processed())
}

type startResponse struct {
	ID     string `json:"id"`
	Events string `json:"events"`
	Status string `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	inputs, err := s.readInputs(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run := s.controller.Start(context.WithoutCancel(r.Context()), inputs)
	s.runs.track(run, s.log)
	s.log.Infow("run started", "run", run.ID(), "inputs", len(inputs))

	writeJSON(w, http.StatusAccepted, startResponse{
		ID:     run.ID(),
		Events: "/runs/" + run.ID() + "/events",
		Status: "/runs/" + run.ID(),
	})
}

type runResponse struct {
	ID      string         `json:"id"`
	State   fv.RunState    `json:"state"`
	Events  int            `json:"events"`
	Summary *fv.RunSummary `json:"summary,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.Newf("run %s not found", r.PathValue("id")))
		return
	}
	events, summary, _ := t.snapshot(0)
	resp := runResponse{ID: t.run.ID(), State: fv.StateRunning, Events: len(events), Summary: summary}
	if summary != nil {
		resp.State = summary.State
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.Newf("run %s not found", r.PathValue("id")))
		return
	}
	t.run.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// readInputs turns the request body into decoder inputs.
func (s *Server) readInputs(w http.ResponseWriter, r *http.Request) ([]decode.Input, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		return readMultipart(multipart.NewReader(r.Body, params["boundary"]))
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) == 0 {
		return nil, errors.New("empty upload")
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	return []decode.Input{{Name: name, Data: data, ContentType: r.Header.Get("Content-Type")}}, nil
}

func readMultipart(mr *multipart.Reader) ([]decode.Input, error) {
	var inputs []decode.Input
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read multipart body")
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read part %s", name)
		}
		inputs = append(inputs, decode.Input{Name: name, Data: data, ContentType: part.Header.Get("Content-Type")})
	}
	if len(inputs) == 0 {
		return nil, errors.New("no files in upload")
	}
	return inputs, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
