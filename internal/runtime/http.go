package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/hooks"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// api serves the HTTP surface of scribed. Every dependency except jobs and
// stt may be nil.
type api struct {
	cfg      config.Config
	jobs     *jobs.Service
	stt      *stt.Service
	store    *eventstore.Store
	hooks    *hooks.Service
	registry *capability.Registry
	metrics  http.Handler
	ready    func() map[string]bool
	logger   *slog.Logger
}

type sessionStateResponse struct {
	SessionID string `json:"session_id"`
	capture.State
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("POST /v1/transcriptions", a.handleSubmit)
	mux.HandleFunc("GET /v1/transcriptions", a.handleListJobs)
	mux.HandleFunc("GET /v1/transcriptions/{id}", a.handleGetJob)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
	mux.HandleFunc("POST /v1/sessions/{id}/{action}", a.handleControl)
	mux.HandleFunc("GET /v1/hooks", a.handleHooks)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := map[string]bool{}
	if a.ready != nil {
		status = a.ready()
	}
	code := http.StatusOK
	for _, ok := range status {
		if !ok {
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, status)
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(a.cfg.HTTP.MaxUploadMB)<<20)

	name := r.URL.Query().Get("name")
	var body io.Reader = r.Body
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, errors.New(`multipart field "file" is required`))
				return
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if part.FormName() == "file" {
				if name == "" {
					name = part.FileName()
				}
				body = part
				break
			}
			part.Close()
		}
	}

	job, err := a.jobs.Submit(r.Context(), name, body)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, job)
	case errors.Is(err, jobs.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, jobs.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	default:
		a.logger.Error("failed to accept upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.jobs.List())
}

func (a *api) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := a.store.ListSessions(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) handleControl(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.Capture.Enabled {
		writeError(w, http.StatusServiceUnavailable, errors.New("live capture is disabled"))
		return
	}
	id := r.PathValue("id")
	st, err := a.stt.Control(id, r.PathValue("action"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sessionStateResponse{SessionID: id, State: st})
	case errors.Is(err, stt.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, capture.ErrAlreadyCapturing):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) handleHooks(w http.ResponseWriter, _ *http.Request) {
	list := a.hooks.Hooks()
	if list == nil {
		list = []hooks.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) handleNodes(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		writeJSON(w, http.StatusOK, []capability.NodeInfo{})
		return
	}
	q := r.URL.Query()
	capName, tier := q.Get("capability"), q.Get("tier")
	nodes := a.registry.Query(func(n capability.NodeInfo) bool {
		if capName != "" && !capability.WithCapabilityFilter(capName)(n) {
			return false
		}
		return tier == "" || capability.WithTierFilter(tier)(n)
	})
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
