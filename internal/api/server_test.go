package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blog-archiver/internal/archive"
	"github.com/JakeFAU/blog-archiver/internal/store/memory"
)

type fakeReady struct {
	ready bool
}

func (f fakeReady) Ready() bool {
	return f.ready
}

type pingStore struct {
	*memory.ItemStore
	err error
}

func (p pingStore) Ping(context.Context) error {
	return p.err
}

type brokenStore struct {
	*memory.ItemStore
}

func (brokenStore) ListItems(context.Context, int) ([]archive.ItemRecord, error) {
	return nil, errors.New("disk I/O error")
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func seededStore(t *testing.T) *memory.ItemStore {
	t.Helper()
	store := memory.NewItemStore()
	ctx := context.Background()
	for i, name := range []string{"alpha", "bravo", "charlie"} {
		require.NoError(t, store.SaveItem(ctx, archive.ItemRecord{
			ItemName:  name,
			RunID:     "run-" + name,
			State:     archive.StateDone,
			UpdatedAt: time.Unix(int64(i), 0).UTC(),
		}))
	}
	return store
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := NewServer(memory.NewItemStore(), nil, zap.NewNop())
	rec := serve(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	starting := NewServer(memory.NewItemStore(), fakeReady{ready: false}, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, starting, "/readyz").Code)

	ready := NewServer(memory.NewItemStore(), fakeReady{ready: true}, nil)
	require.Equal(t, http.StatusOK, serve(t, ready, "/readyz").Code)

	down := NewServer(pingStore{ItemStore: memory.NewItemStore(), err: errors.New("closed")}, fakeReady{ready: true}, nil)
	rec := serve(t, down, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "store unavailable")
}

func TestListItems(t *testing.T) {
	t.Parallel()

	s := NewServer(seededStore(t), nil, nil)

	rec := serve(t, s, "/v1/items?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []archive.ItemRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	require.Equal(t, "charlie", body.Items[0].ItemName)

	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/items?limit=zero").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/items?limit=-1").Code)
}

func TestListItemsEmptyIsArray(t *testing.T) {
	t.Parallel()

	s := NewServer(memory.NewItemStore(), nil, nil)
	rec := serve(t, s, "/v1/items")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestListItemsStoreError(t *testing.T) {
	t.Parallel()

	s := NewServer(brokenStore{ItemStore: memory.NewItemStore()}, nil, nil)
	require.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/items").Code)
}

func TestGetItem(t *testing.T) {
	t.Parallel()

	s := NewServer(seededStore(t), nil, nil)

	rec := serve(t, s, "/v1/items/bravo")
	require.Equal(t, http.StatusOK, rec.Code)
	var got archive.ItemRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-bravo", got.RunID)
	require.Equal(t, archive.StateDone, got.State)

	require.Equal(t, http.StatusNotFound, serve(t, s, "/v1/items/missing").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(memory.NewItemStore(), nil, nil)
	serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := NewServer(memory.NewItemStore(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
