package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/dlq"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
)

type fakeRepo struct {
	byID    map[string]*repository.ProcessedSignal
	many    repository.PageResult
	manyErr error
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*repository.ProcessedSignal, error) {
	if r, ok := f.byID[id]; ok {
		return r, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) FindMany(_ context.Context, _ repository.Filter, _ repository.Sort, _ repository.Page) (repository.PageResult, error) {
	if f.manyErr != nil {
		return repository.PageResult{}, f.manyErr
	}
	return f.many, nil
}

type fakeRawStore struct {
	blobs map[rawstore.Handle][]byte
	meta  map[rawstore.Handle]rawstore.Metadata
}

func (f *fakeRawStore) OpenRead(_ context.Context, h rawstore.Handle) (io.ReadCloser, error) {
	b, ok := f.blobs[h]
	if !ok {
		return nil, rawstore.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(b))), nil
}

func (f *fakeRawStore) Metadata(_ context.Context, h rawstore.Handle) (rawstore.Metadata, error) {
	m, ok := f.meta[h]
	if !ok {
		return rawstore.Metadata{}, rawstore.ErrNotFound
	}
	return m, nil
}

type fakeReplayer struct {
	result    dlq.Result
	stats     dlq.Stats
	replayErr error
}

func (f *fakeReplayer) Replay(_ context.Context, _ int) (dlq.Result, error) {
	if f.replayErr != nil {
		return dlq.Result{}, f.replayErr
	}
	return f.result, nil
}

func (f *fakeReplayer) Stats(_ context.Context) (dlq.Stats, error) {
	return f.stats, nil
}

func newTestServer() (*Server, *fakeRepo, *fakeRawStore, *fakeReplayer) {
	repo := &fakeRepo{byID: map[string]*repository.ProcessedSignal{}}
	raw := &fakeRawStore{blobs: map[rawstore.Handle][]byte{}, meta: map[rawstore.Handle]rawstore.Metadata{}}
	replayer := &fakeReplayer{}
	return New(repo, raw, replayer, nil, nil), repo, raw, replayer
}

func TestHandleGetSignalReturnsNotFoundEnvelope(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/signals/missing", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "signal.not_found" {
		t.Fatalf("expected signal.not_found, got %q", env.Error.Code)
	}
}

func TestHandleGetSignalReturnsRecord(t *testing.T) {
	srv, repo, _, _ := newTestServer()
	repo.byID["1"] = &repository.ProcessedSignal{ID: "1", DeviceID: "dev-1"}

	req := httptest.NewRequest(http.MethodGet, "/signals/1", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got repository.ProcessedSignal
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DeviceID != "dev-1" {
		t.Fatalf("expected dev-1, got %q", got.DeviceID)
	}
}

func TestHandleListSignalsRejectsInvalidLimit(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/signals?limit=not-a-number", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleRawStreamWritesOctetStream(t *testing.T) {
	srv, repo, raw, _ := newTestServer()
	repo.byID["1"] = &repository.ProcessedSignal{ID: "1", RawRef: "abc"}
	raw.blobs["abc"] = []byte("raw-bytes")

	req := httptest.NewRequest(http.MethodGet, "/signals/1/raw", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %q", ct)
	}
	if w.Body.String() != "raw-bytes" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestHandleDLQReplayReturnsBusyEnvelope(t *testing.T) {
	srv, _, _, replayer := newTestServer()
	replayer.replayErr = dlq.ErrBusy

	req := httptest.NewRequest(http.MethodPost, "/dlq/replay?limit=10", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestHandleDLQReplaySucceeds(t *testing.T) {
	srv, _, _, replayer := newTestServer()
	replayer.result = dlq.Result{Replayed: 3, Parked: 1}

	req := httptest.NewRequest(http.MethodPost, "/dlq/replay?limit=10", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got dlq.Result
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Replayed != 3 || got.Parked != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestHandleHealthAlwaysOK(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleReadyReportsDependencyFailures(t *testing.T) {
	repo := &fakeRepo{byID: map[string]*repository.ProcessedSignal{}}
	raw := &fakeRawStore{blobs: map[rawstore.Handle][]byte{}, meta: map[rawstore.Handle]rawstore.Metadata{}}
	replayer := &fakeReplayer{}
	ready := readyFunc(func(context.Context) map[string]error {
		return map[string]error{"broker": errors.New("unreachable")}
	})
	srv := New(repo, raw, replayer, ready, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

type readyFunc func(context.Context) map[string]error

func (f readyFunc) Check(ctx context.Context) map[string]error { return f(ctx) }
