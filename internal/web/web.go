package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"recurcal/internal/calendar"
	"recurcal/internal/config"
	"recurcal/internal/ics"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/mutate"
)

// maxBodyBytes bounds JSON and ICS request bodies.
const maxBodyBytes = 4 << 20

// Server exposes the master list, the expanded instances and the
// save/delete/import operations as a JSON API.
type Server struct {
	cfg *config.Config
	svc *calendar.Service
	mux *http.ServeMux
	loc *time.Location

	// limiter throttles mutating endpoints. Nil means unlimited.
	limiter *rate.Limiter

	// In-memory cache for /api/instances responses. Entries are keyed by
	// window and snapshot version, so any accepted mutation invalidates them.
	instancesMu    sync.RWMutex
	instancesCache map[instancesKey]*instancesCache

	// now is replaceable in tests.
	now func() time.Time
}

type instancesKey struct {
	window  model.Window
	version uint64
}

type instancesCache struct {
	resp      instancesResponse
	updatedAt time.Time
}

const instancesCacheTTL = 30 * time.Second

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *calendar.Service) *Server {
	s := &Server{
		cfg:            cfg,
		svc:            svc,
		mux:            http.NewServeMux(),
		loc:            resolveLocationOrLocal(cfg.Timezone),
		instancesCache: make(map[instancesKey]*instancesCache),
		now:            time.Now,
	}
	if cfg.WriteRatePerSec > 0 {
		burst := int(cfg.WriteRatePerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRatePerSec), burst)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, svc *calendar.Service) error {
	s := NewServer(cfg, svc)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/instances", s.handleInstances)
	s.mux.HandleFunc("POST /api/events/save", s.limited(s.handleSave))
	s.mux.HandleFunc("POST /api/events/delete", s.limited(s.handleDelete))
	s.mux.HandleFunc("GET /api/calendar.ics", s.handleExport)
	s.mux.HandleFunc("POST /api/import", s.limited(s.handleImport))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// limited rejects requests beyond the configured write rate with 429.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many write requests")
			return
		}
		next(w, r)
	}
}

// handleEvents returns the raw master list in wire form.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	list, _ := s.svc.Snapshot()
	writeJSON(w, http.StatusOK, list)
}

type instancesResponse struct {
	Instances       []model.Instance `json:"instances"`
	Errors          []string         `json:"errors,omitempty"`
	Orphans         int              `json:"orphans"`
	Truncated       []string         `json:"truncated,omitempty"`
	Start           model.Date       `json:"start"`
	End             model.Date       `json:"end"`
	DisplayTimeZone string           `json:"displayTimeZone"`
	WeekStart       string           `json:"weekStart"`
}

// handleInstances expands the master list over a date window.
//
// Query parameters:
//   - start, end: YYYY-MM-DD, inclusive. Both or neither.
//   - days (default 7), backfill (default 1): used when start/end are
//     omitted; the window is [today-backfill, today+days].
//   - align=week: move the default start back to the configured week start.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	win, err := s.windowFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, version := s.svc.Snapshot()
	key := instancesKey{window: win, version: version}
	cacheNow := s.now()

	s.instancesMu.RLock()
	ic := s.instancesCache[key]
	s.instancesMu.RUnlock()
	if ic != nil && cacheNow.Sub(ic.updatedAt) < instancesCacheTTL {
		writeJSON(w, http.StatusOK, ic.resp)
		return
	}

	appLog.Debug("api instances request", "window", win, "version", int(version))

	res, err := s.svc.Instances(win)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := instancesResponse{
		Instances:       res.Instances,
		Orphans:         len(res.Orphans),
		Truncated:       res.Truncated,
		Start:           win.Start,
		End:             win.End,
		DisplayTimeZone: s.loc.String(),
		WeekStart:       s.cfg.WeekStart,
	}
	if resp.Instances == nil {
		resp.Instances = []model.Instance{}
	}
	for _, e := range res.SeriesErrors {
		resp.Errors = append(resp.Errors, e.Error())
	}

	s.instancesMu.Lock()
	// Drop entries of old versions and expired windows.
	for k, v := range s.instancesCache {
		if k.version != version || cacheNow.Sub(v.updatedAt) >= instancesCacheTTL {
			delete(s.instancesCache, k)
		}
	}
	s.instancesCache[key] = &instancesCache{resp: resp, updatedAt: cacheNow}
	s.instancesMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) windowFromQuery(r *http.Request) (model.Window, error) {
	q := r.URL.Query()
	startStr, endStr := q.Get("start"), q.Get("end")

	var win model.Window
	switch {
	case startStr != "" || endStr != "":
		start, err := model.ParseDate(startStr)
		if err != nil {
			return win, fmt.Errorf("start: %w", err)
		}
		end, err := model.ParseDate(endStr)
		if err != nil {
			return win, fmt.Errorf("end: %w", err)
		}
		win = model.Window{Start: start, End: end}
	default:
		days := parseIntDefault(q.Get("days"), 7)
		if days <= 0 {
			days = 7
		}
		backfill := parseIntDefault(q.Get("backfill"), 1)
		if backfill < 0 {
			backfill = 0
		}
		today := model.DateOf(s.now().In(s.loc))
		start := today.AddDays(-backfill)
		if q.Get("align") == "week" {
			wd := start.At(model.Clock{}, time.UTC).Weekday()
			start = start.AddDays(-((int(wd) - int(s.cfg.FirstWeekday()) + 7) % 7))
		}
		win = model.Window{Start: start, End: today.AddDays(days)}
	}
	return win, win.Validate()
}

type saveRequest struct {
	Target model.Target `json:"target"`
	Form   mutate.Form  `json:"form"`
	Scope  string       `json:"scope"`
}

type deleteRequest struct {
	Target model.Target `json:"target"`
	Scope  string       `json:"scope"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := scopeFor(req.Target, req.Scope)
	if err != nil {
		writeFailure(w, err)
		return
	}

	list, err := s.svc.Save(r.Context(), req.Target, req.Form, scope)
	if err != nil {
		appLog.Warn("save rejected", "scope", string(scope), "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := scopeFor(req.Target, req.Scope)
	if err != nil {
		writeFailure(w, err)
		return
	}

	list, err := s.svc.Delete(r.Context(), req.Target, scope)
	if err != nil {
		appLog.Warn("delete rejected", "scope", string(scope), "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// scopeFor parses the requested scope. Targets that belong to a series
// must name one; everything else defaults to series scope.
func scopeFor(t model.Target, raw string) (mutate.Scope, error) {
	if strings.TrimSpace(raw) == "" {
		if t.Ambiguous() {
			return "", &mutate.ValidationError{Problems: []mutate.FieldProblem{{Field: "scope", Reason: "required for a recurring occurrence"}}}
		}
		return mutate.ScopeSeries, nil
	}
	return mutate.ParseScope(raw)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	list, _ := s.svc.Snapshot()
	body := ics.Export(list, s.now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="recurcal.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

type importResponse struct {
	Imported int      `json:"imported"`
	Problems []string `json:"problems,omitempty"`
	Mode     string   `json:"mode"`
}

// handleImport reads a text/calendar body. mode=merge (default) replaces
// records with the same id and appends the rest; mode=replace swaps the
// whole master list.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "merge"
	}
	if mode != "merge" && mode != "replace" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	res, err := ics.Parse(body, ics.ImportOptions{Location: s.loc, NewID: uuid.NewString})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if mode == "merge" {
		_, err = s.svc.Merge(r.Context(), res.Records)
	} else {
		_, err = s.svc.Replace(r.Context(), res.Records)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := importResponse{Imported: len(res.Records), Mode: mode}
	for _, p := range res.Problems {
		resp.Problems = append(resp.Problems, p.Error())
	}
	appLog.Info("ics import applied", "mode", mode, "records", len(res.Records), "problems", len(res.Problems))
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		verr *mutate.ValidationError
		mref *model.MissingReferenceError
		perr *calendar.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &mref), errors.Is(err, mutate.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errResp struct {
	Error    string                `json:"error"`
	Problems []mutate.FieldProblem `json:"problems,omitempty"`
}

// writeFailure writes err with its mapped status; validation errors carry
// their field problems.
func writeFailure(w http.ResponseWriter, err error) {
	resp := errResp{Error: err.Error()}
	var verr *mutate.ValidationError
	if errors.As(err, &verr) {
		resp.Problems = verr.Problems
	}
	writeJSON(w, statusFor(err), resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
