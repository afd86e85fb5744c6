package fitd

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/derivative"
	"github.com/welltest-lab/fitting-core/internal/policy"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

type HTTPServer struct {
	mux         *http.ServeMux
	store       *RunStore
	Executor    *RunExecutor
	exportCodec archive.Codec
	limiter     *policy.RateLimiter
}

func NewHTTPServer(store *RunStore, executor *RunExecutor) *HTTPServer {
	s := &HTTPServer{
		mux:         http.NewServeMux(),
		store:       store,
		Executor:    executor,
		exportCodec: archive.NoopCodec{},
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/v1/derivative", s.handleDerivative)
	s.mux.HandleFunc("/v1/fits", s.handleFits)
	s.mux.HandleFunc("/v1/fits/", s.handleFitByID)
	s.mux.HandleFunc("/v1/archive", s.handleArchiveList)
	s.mux.HandleFunc("/v1/archive/", s.handleArchiveGet)
	s.mux.HandleFunc("/v1/metrics", s.handleMetrics)

	return s
}

// WithExportCodec sets the codec used by the export endpoint when the
// request does not name one.
func (s *HTTPServer) WithExportCodec(c archive.Codec) *HTTPServer {
	if c != nil {
		s.exportCodec = c
	}
	return s
}

// WithRateLimiter limits fit creation per client address.
func (s *HTTPServer) WithRateLimiter(l *policy.RateLimiter) *HTTPServer {
	s.limiter = l
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /v1/metrics
func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.Executor.Metrics().Summary())
}

// handleModels handles GET /v1/models
func (s *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := s.Executor.Registry().List()
	out := make([]map[string]any, 0, len(list))
	for _, m := range list {
		out = append(out, modelToJSON(m))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

// handleDerivative handles POST /v1/derivative
func (s *HTTPServer) handleDerivative(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Time            []float64 `json:"time"`
		Pressure        []float64 `json:"pressure"`
		SmoothingWindow *float64  `json:"smoothing_window,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	series := &models.Series{Time: req.Time, Pressure: req.Pressure}
	if err := series.Validate(); err != nil {
		s.writeErr(w, err)
		return
	}
	window := derivative.DefaultSmoothing
	if req.SmoothingWindow != nil {
		if *req.SmoothingWindow < 0 {
			s.writeError(w, http.StatusBadRequest, "smoothing_window cannot be negative")
			return
		}
		window = *req.SmoothingWindow
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"smoothing_window": window,
		"derivative":       derivative.Bourdet(req.Time, req.Pressure, window),
	})
}

// handleFits handles /v1/fits
func (s *HTTPServer) handleFits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateFit(w, r)
	case http.MethodGet:
		s.handleListFits(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleFitByID handles /v1/fits/{id} and its actions:
// {id}:start, {id}:stop, {id}/updates, {id}/stream, {id}/export
func (s *HTTPServer) handleFitByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/fits/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "fit ID is required")
		return
	}

	route := func(suffix, method string, h func(http.ResponseWriter, *http.Request, string)) bool {
		if !strings.HasSuffix(path, suffix) {
			return false
		}
		if r.Method != method {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return true
		}
		h(w, r, strings.TrimSuffix(path, suffix))
		return true
	}

	switch {
	case route(":start", http.MethodPost, s.handleStartFit):
	case route(":stop", http.MethodPost, s.handleStopFit):
	case route("/updates", http.MethodGet, s.handleFitUpdates):
	case route("/stream", http.MethodGet, s.handleFitStream):
	case route("/export", http.MethodGet, s.handleExportFit):
	case strings.Contains(path, "/"):
		s.writeError(w, http.StatusNotFound, "not found")
	case r.Method == http.MethodGet:
		s.handleGetFit(w, r, path)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateFit handles POST /v1/fits
func (s *HTTPServer) handleCreateFit(w http.ResponseWriter, r *http.Request) {
	if client := clientAddr(r); !s.limiter.Allow(client) {
		wait := s.limiter.RetryAfter(client)
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		s.writeError(w, http.StatusTooManyRequests, "fit creation rate limit exceeded")
		return
	}
	var req struct {
		FitID   string             `json:"fit_id,omitempty"`
		Request *models.FitRequest `json:"request"`
		Start   bool               `json:"start,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Request == nil {
		s.writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	create := s.Executor.Create
	if req.Start {
		create = s.Executor.CreateAndStart
	}
	rec, err := create(req.FitID, req.Request)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	logger.Info("fit created (HTTP)", "fit_id", rec.Run.ID, "model", rec.Request.Model, "started", req.Start)
	s.writeJSON(w, http.StatusCreated, map[string]any{"fit": fitToJSON(rec)})
}

// handleListFits handles GET /v1/fits with pagination and status filtering
func (s *HTTPServer) handleListFits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = min(v, 1000)
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	var status RunStatus
	if raw := q.Get("status"); raw != "" {
		st, ok := ParseRunStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		status = st
	}

	recs := s.store.ListFiltered(limit, offset, status)
	fits := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		fits = append(fits, fitToJSON(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fits":   fits,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *HTTPServer) handleGetFit(w http.ResponseWriter, _ *http.Request, fitID string) {
	rec, ok := s.store.Get(fitID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "fit not found")
		return
	}
	body := map[string]any{"fit": fitToJSON(rec)}
	if rec.LastCurve != nil {
		body["curve"] = rec.LastCurve
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *HTTPServer) handleStartFit(w http.ResponseWriter, _ *http.Request, fitID string) {
	rec, err := s.Executor.Start(fitID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	logger.Info("fit started (HTTP)", "fit_id", fitID)
	s.writeJSON(w, http.StatusOK, map[string]any{"fit": fitToJSON(rec)})
}

func (s *HTTPServer) handleStopFit(w http.ResponseWriter, _ *http.Request, fitID string) {
	rec, err := s.Executor.Stop(fitID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	logger.Info("fit cancelled (HTTP)", "fit_id", fitID)
	s.writeJSON(w, http.StatusOK, map[string]any{"fit": fitToJSON(rec)})
}

// handleFitUpdates handles GET /v1/fits/{id}/updates?since=N
func (s *HTTPServer) handleFitUpdates(w http.ResponseWriter, r *http.Request, fitID string) {
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = v
	}
	updates, ok := s.store.UpdatesSince(fitID, since)
	if !ok {
		s.writeError(w, http.StatusNotFound, "fit not found")
		return
	}
	rec, _ := s.store.Get(fitID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fit_id":  fitID,
		"status":  rec.Run.Status,
		"updates": updates,
	})
}

// handleFitStream handles GET /v1/fits/{id}/stream as Server-Sent Events.
// Events: status_change, iteration, complete.
func (s *HTTPServer) handleFitStream(w http.ResponseWriter, r *http.Request, fitID string) {
	rec, ok := s.store.Get(fitID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "fit not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	interval := 250 * time.Millisecond
	if v, err := strconv.ParseInt(r.URL.Query().Get("interval_ms"), 10, 64); err == nil && v > 0 {
		interval = time.Duration(v) * time.Millisecond
	}

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	previous := rec.Run.Status
	lastIteration := 0
	s.sendSSEEvent(w, "status_change", map[string]any{"status": previous})

	// poll sends what changed since the last tick and reports whether the
	// run has ended.
	poll := func() bool {
		rec, ok := s.store.Get(fitID)
		if !ok {
			s.sendSSEEvent(w, "error", map[string]any{"error": "fit not found"})
			return true
		}
		for _, u := range rec.History {
			if u.Iteration <= lastIteration {
				continue
			}
			s.sendSSEEvent(w, "iteration", u)
			lastIteration = u.Iteration
		}
		if rec.Run.Status != previous {
			s.sendSSEEvent(w, "status_change", map[string]any{
				"previous": previous,
				"status":   rec.Run.Status,
			})
			previous = rec.Run.Status
		}
		if rec.Run.Status.Terminal() {
			s.sendSSEEvent(w, "complete", map[string]any{"fit": fitToJSON(rec)})
			return true
		}
		return false
	}

	if poll() {
		flush()
		return
	}
	flush()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := poll()
			flush()
			if done {
				return
			}
		}
	}
}

// handleExportFit handles GET /v1/fits/{id}/export?codec=none|zstd|lz4 and
// returns an analysis document holding the run.
func (s *HTTPServer) handleExportFit(w http.ResponseWriter, r *http.Request, fitID string) {
	rec, ok := s.store.Get(fitID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "fit not found")
		return
	}
	if rec.State == nil {
		s.writeError(w, http.StatusPreconditionFailed, "fit has no result yet")
		return
	}

	codec := s.exportCodec
	if name := r.URL.Query().Get("codec"); name != "" {
		c, err := archive.CodecByName(name)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		codec = c
	}

	doc := archive.NewDocument()
	doc.Add(AnalysisFor(rec))
	data, err := archive.EncodeDocument(doc, codec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if codec.Name() == (archive.NoopCodec{}).Name() {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+fitID+`.wtfit"`)
	w.Header().Set("X-Document-Codec", codec.Name())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write export", "fit_id", fitID, "error", err)
	}
}

// handleArchiveList handles GET /v1/archive
func (s *HTTPServer) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	store := s.Executor.Archive()
	if store == nil {
		s.writeError(w, http.StatusPreconditionFailed, "archive not configured")
		return
	}
	recs, err := store.List(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToJSON(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

// handleArchiveGet handles GET /v1/archive/{id}
func (s *HTTPServer) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/archive/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "record ID is required")
		return
	}
	store := s.Executor.Archive()
	if store == nil {
		s.writeError(w, http.StatusPreconditionFailed, "archive not configured")
		return
	}
	rec, err := store.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	analysis, err := rec.Analysis()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"record":   recordToJSON(rec),
		"analysis": analysis,
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sendSSEEvent writes one event: "event: <type>\ndata: <json>\n\n"
func (s *HTTPServer) sendSSEEvent(w http.ResponseWriter, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		logger.Error("failed to marshal SSE event data", "error", err)
		return
	}
	if _, err := w.Write([]byte("event: " + eventType + "\ndata: " + string(jsonData) + "\n\n")); err != nil {
		logger.Error("failed to write SSE event", "error", err)
	}
}

// httpStatus maps service and core errors to status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrRunNotFound), errors.Is(err, archive.ErrRecordNotFound):
		return http.StatusNotFound
	case isBadRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrRunExists), errors.Is(err, ErrDatasetBusy), errors.Is(err, ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, ErrRunTerminal):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func isBadRequest(err error) bool {
	return errors.Is(err, ErrRunIDMissing) ||
		errors.Is(err, reservoir.ErrUnknownModel) ||
		errors.Is(err, archive.ErrUnknownCodec) ||
		errors.Is(err, models.ErrInvalidRequest) ||
		errors.Is(err, models.ErrInvalidParameters) ||
		errors.Is(err, models.ErrInvalidSeries) ||
		errors.Is(err, models.ErrInsufficientData)
}

func (s *HTTPServer) writeErr(w http.ResponseWriter, err error) {
	s.writeError(w, httpStatus(err), err.Error())
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}
