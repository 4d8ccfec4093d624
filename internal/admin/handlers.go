package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nleite/jackrabbit-oak/internal/checkpoint"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/gc"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/nodestore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// DefaultCheckpointLifetime applies when a create request has no lifetime.
const DefaultCheckpointLifetime = time.Hour

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NodeResponse is a node as returned by GET /api/v1/nodes.
type NodeResponse struct {
	Path         string            `json:"path"`
	Name         string            `json:"name"`
	Revision     revision.Revision `json:"revision"`
	LastRevision revision.Revision `json:"lastRevision"`
	Properties   map[string]string `json:"properties"`
	Children     []string          `json:"children,omitempty"`
}

// CheckpointResponse describes one checkpoint.
type CheckpointResponse struct {
	Revision  revision.Revision `json:"revision"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Info      map[string]string `json:"info,omitempty"`
}

// GCStatusResponse is the body of GET /api/v1/gc.
type GCStatusResponse struct {
	State          string    `json:"state"`
	MaxRevisionAge string    `json:"maxRevisionAge"`
	LastRun        *gc.Stats `json:"lastRun,omitempty"`
}

type maxRevisionAgeRequest struct {
	MaxRevisionAge string `json:"maxRevisionAge"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.FromCtx(r.Context()).Errorf("admin request failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, nodestore.ErrNodeNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkpoint.ErrCheckpointExpired):
		return http.StatusGone
	case errors.Is(err, keys.ErrInvalidPath),
		errors.Is(err, revision.ErrInvalidRevision),
		errors.Is(err, checkpoint.ErrInvalidLifetime):
		return http.StatusBadRequest
	case errors.Is(err, gc.ErrGCRunning):
		return http.StatusConflict
	case errors.Is(err, nodestore.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]revision.Revision{"head": s.store.Head()})
}

// handleGetNode serves /api/v1/nodes/<path>. The node is read at the head
// unless ?rev= or ?checkpoint= names another revision.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	path := "/"
	if p := strings.Trim(chi.URLParam(r, "*"), "/"); p != "" {
		path = "/" + p
	}

	ctx := r.Context()
	var (
		n   *document.Node
		rev revision.Revision
		err error
	)
	switch q := r.URL.Query(); {
	case q.Get("checkpoint") != "":
		rev, err = revision.Parse(q.Get("checkpoint"))
		if err == nil {
			n, err = s.store.GetNodeAtCheckpoint(ctx, path, rev)
		}
	case q.Get("rev") != "":
		rev, err = revision.Parse(q.Get("rev"))
		if err == nil {
			n, err = s.store.GetNode(ctx, path, rev)
		}
	default:
		rev = s.store.Head()
		n, err = s.store.GetNode(ctx, path, rev)
	}
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	children, err := s.store.GetChildren(ctx, path, rev)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	resp := NodeResponse{
		Path:         n.Path,
		Name:         n.Name(),
		Revision:     rev,
		LastRevision: n.LastRevision,
		Properties:   n.Properties,
	}
	for _, c := range children {
		resp.Children = append(resp.Children, c.Name())
	}
	writeJSON(w, http.StatusOK, resp)
}

func toCheckpointResponse(cp checkpoint.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		Revision:  cp.Revision,
		ExpiresAt: cp.ExpiryTime().UTC(),
		Info:      cp.Info,
	}
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.store.Checkpoints(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	out := make([]CheckpointResponse, 0, len(cps))
	for _, cp := range cps {
		out = append(out, toCheckpointResponse(cp))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateCheckpoint pins the head. The lifetime comes from ?lifetime=
// as a Go duration, and an optional JSON object body becomes the info map.
func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	lifetime := DefaultCheckpointLifetime
	if v := r.URL.Query().Get("lifetime"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		lifetime = d
	}

	var info map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	rev, err := s.store.Checkpoint(r.Context(), lifetime, info)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	cp, err := s.store.Retrieve(r.Context(), rev)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	logging.FromCtx(r.Context()).Infof("checkpoint created", map[string]any{
		"revision": rev.String(),
		"lifetime": lifetime.String(),
	})
	writeJSON(w, http.StatusCreated, toCheckpointResponse(cp))
}

func (s *Server) checkpointParam(w http.ResponseWriter, r *http.Request) (revision.Revision, bool) {
	rev, err := revision.Parse(chi.URLParam(r, "rev"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return revision.Revision{}, false
	}
	return rev, true
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.checkpointParam(w, r)
	if !ok {
		return
	}
	cp, err := s.store.Retrieve(r.Context(), rev)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckpointResponse(cp))
}

func (s *Server) handleReleaseCheckpoint(w http.ResponseWriter, r *http.Request) {
	rev, ok := s.checkpointParam(w, r)
	if !ok {
		return
	}
	released, err := s.store.Release(r.Context(), rev)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	if !released {
		writeError(w, r, http.StatusNotFound, checkpoint.ErrCheckpointNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) gcStatus() GCStatusResponse {
	c := s.store.VersionGarbageCollector()
	resp := GCStatusResponse{
		State:          c.State().String(),
		MaxRevisionAge: c.MaxRevisionAge().String(),
	}
	if stats, ok := c.LastStats(); ok {
		resp.LastRun = &stats
	}
	return resp
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gcStatus())
}

// handleRunGC runs one collection synchronously and returns its stats.
func (s *Server) handleRunGC(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.VersionGarbageCollector().Collect(r.Context())
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSetMaxRevisionAge(w http.ResponseWriter, r *http.Request) {
	var req maxRevisionAgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	d, err := time.ParseDuration(req.MaxRevisionAge)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if d < 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("maxRevisionAge must not be negative"))
		return
	}
	s.store.VersionGarbageCollector().SetMaxRevisionAge(d)
	logging.FromCtx(r.Context()).Infof("max revision age changed", map[string]any{"maxRevisionAge": d.String()})
	writeJSON(w, http.StatusOK, s.gcStatus())
}
