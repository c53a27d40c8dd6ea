// Package api implements the Query API's HTTP surface (§6, [EXP-D]): a
// thin net/http + gorilla/mux router over SignalRepository, RawStore,
// and DLQReplayer. Grounded in the teacher's control-plane services,
// the only teacher code that actually reaches for gorilla/mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	errorspkg "github.com/SinaVosooghi/xrayiot/pkg/errors"
	"github.com/SinaVosooghi/xrayiot/pkg/telemetry"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/dlq"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
)

// Repository is the narrow read surface the API needs from
// repository.Repository.
type Repository interface {
	FindByID(ctx context.Context, id string) (*repository.ProcessedSignal, error)
	FindMany(ctx context.Context, filter repository.Filter, sort repository.Sort, page repository.Page) (repository.PageResult, error)
}

// RawStore is the narrow read surface the API needs from rawstore.Store.
type RawStore interface {
	OpenRead(ctx context.Context, h rawstore.Handle) (io.ReadCloser, error)
	Metadata(ctx context.Context, h rawstore.Handle) (rawstore.Metadata, error)
}

// Replayer is the narrow surface the API needs from dlq.Replayer.
type Replayer interface {
	Replay(ctx context.Context, limit int) (dlq.Result, error)
	Stats(ctx context.Context) (dlq.Stats, error)
}

// Ready reports readiness of downstream dependencies (broker, DB, raw
// store). A nil error for every check means /ready returns 200.
type Ready interface {
	Check(ctx context.Context) map[string]error
}

// Server wires the route handlers to their dependencies.
type Server struct {
	repo     Repository
	raw      RawStore
	replayer Replayer
	ready    Ready
	log      *telemetry.Logger
}

// New builds a Server. log may be nil, in which case telemetry.Nop is used.
func New(repo Repository, raw RawStore, replayer Replayer, ready Ready, log *telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.Nop
	}
	return &Server{repo: repo, raw: raw, replayer: replayer, ready: ready, log: log}
}

// Router builds the mux.Router with every route and middleware attached.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/signals", s.handleListSignals).Methods(http.MethodGet)
	r.HandleFunc("/signals/{id}", s.handleGetSignal).Methods(http.MethodGet)
	r.HandleFunc("/signals/{id}/raw/meta", s.handleRawMeta).Methods(http.MethodGet)
	r.HandleFunc("/signals/{id}/raw", s.handleRawStream).Methods(http.MethodGet)
	r.HandleFunc("/dlq/replay", s.handleDLQReplay).Methods(http.MethodPost)
	r.HandleFunc("/dlq/stats", s.handleDLQStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	return withRequestID(s.withLogging(r))
}

// --- signals ---

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := repository.Filter{DeviceID: strings.TrimSpace(q.Get("deviceId"))}
	var err error
	if filter.TimeFromMs, err = parseOptionalInt64(q.Get("timeFrom")); err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid timeFrom")
		return
	}
	if filter.TimeToMs, err = parseOptionalInt64(q.Get("timeTo")); err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid timeTo")
		return
	}
	if filter.MinDataLength, err = parseOptionalInt(q.Get("minDataLength")); err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid minDataLength")
		return
	}
	if filter.MaxDataLength, err = parseOptionalInt(q.Get("maxDataLength")); err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid maxDataLength")
		return
	}

	sortField := repository.SortField(strings.TrimSpace(q.Get("sort")))
	sort := repository.Sort{Field: sortField, Desc: q.Get("order") != "asc"}

	limit, err := parseOptionalInt(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid limit")
		return
	}
	skip, err := parseOptionalInt(q.Get("skip"))
	if err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid skip")
		return
	}
	page := repository.Page{Cursor: strings.TrimSpace(q.Get("cursor"))}
	if limit != nil {
		page.Limit = *limit
	}
	if skip != nil {
		page.Skip = *skip
	}

	result, err := s.repo.FindMany(ctx, filter, sort, page)
	if err != nil {
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	record, err := s.repo.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.writeError(w, r, errorspkg.SignalNotFound, "signal not found")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRawMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(mux.Vars(r)["id"])
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.writeError(w, r, errorspkg.SignalNotFound, "signal not found")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}

	meta, err := s.raw.Metadata(ctx, rawstore.Handle(record.RawRef))
	if err != nil {
		if errors.Is(err, rawstore.ErrNotFound) {
			s.writeError(w, r, errorspkg.StorageNotFound, "raw blob not found")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRawStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := strings.TrimSpace(mux.Vars(r)["id"])
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.writeError(w, r, errorspkg.SignalNotFound, "signal not found")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}

	body, err := s.raw.OpenRead(ctx, rawstore.Handle(record.RawRef))
	if err != nil {
		if errors.Is(err, rawstore.ErrNotFound) {
			s.writeError(w, r, errorspkg.StorageNotFound, "raw blob not found")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn(ctx, "raw_stream_copy_failed", map[string]any{"id": id, "err": err.Error()})
	}
}

// --- dlq ---

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, errorspkg.SignalInvalidQuery, "invalid limit")
		return
	}
	n := 100
	if limit != nil {
		n = *limit
	}

	result, err := s.replayer.Replay(r.Context(), n)
	if err != nil {
		if errors.Is(err, dlq.ErrBusy) {
			s.writeError(w, r, errorspkg.DLQBusy, "replay already running")
			return
		}
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.replayer.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// --- health/ready ---

const serviceName = "query-api"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := telemetry.NewHealthSnapshot(serviceName, "", "", nil, time.Time{})
	if err != nil {
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var comps []telemetry.ComponentStatus
	if s.ready != nil {
		now := time.Now().UTC()
		for name, err := range s.ready.Check(r.Context()) {
			status := telemetry.StatusOK
			msg := ""
			if err != nil {
				status = telemetry.StatusFatal
				msg = err.Error()
			}
			comps = append(comps, telemetry.ComponentStatus{
				Name: name, Status: status, CheckedAt: now, Message: msg,
			})
		}
	}
	snap, err := telemetry.NewHealthSnapshot(serviceName, "", "", comps, time.Time{})
	if err != nil {
		s.writeError(w, r, errorspkg.Internal, err.Error())
		return
	}
	if snap.Overall == telemetry.StatusFatal {
		s.writeJSON(w, http.StatusServiceUnavailable, snap)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code errorspkg.Code, msg string) {
	reqID, _ := r.Context().Value(requestIDContextKey).(string)
	env := errorspkg.NewEnvelope(code, msg, reqID, "", nil)
	errorspkg.WriteHTTP(w, errorspkg.HTTPStatusFor(code), env)
}

func parseOptionalInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func parseOptionalInt64(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// requestIDContextKey is a bare string, not a distinct type, so it
// matches the key pkg/telemetry's Logger already looks for via
// ctx.Value("request_id") when merging log fields.
const requestIDContextKey = "request_id"

// withRequestID assigns a correlation id to every request, reusing the
// caller's X-Request-ID header when present so the Query API can be
// traced end-to-end alongside the ingestion pipeline's correlation ids.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Info(r.Context(), "request_handled", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
