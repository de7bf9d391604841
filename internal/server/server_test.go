package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/cache"
	"github.com/devrev/pairdb/fieldstore/internal/changes"
	"github.com/devrev/pairdb/fieldstore/internal/conflict"
	"github.com/devrev/pairdb/fieldstore/internal/datastore"
	"github.com/devrev/pairdb/fieldstore/internal/engine"
	"github.com/devrev/pairdb/fieldstore/internal/errors"
	"github.com/devrev/pairdb/fieldstore/internal/index"
	"github.com/devrev/pairdb/fieldstore/internal/metrics"
	"github.com/devrev/pairdb/fieldstore/internal/model"
	"github.com/devrev/pairdb/fieldstore/internal/util/workerpool"
)

type testNode struct {
	srv    *httptest.Server
	facade *index.Facade
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := zap.NewNop()
	m := metrics.NewMetrics("test")

	eng, err := engine.Open(engine.Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	store := datastore.NewStore(eng, datastore.Options{}, logger, m)
	docCache := cache.NewDocumentCache(cache.Config{MaxEntries: 100}, logger, m)
	ci, err := index.NewConstraintIndex(index.DefaultDefinitions())
	require.NoError(t, err)
	facade := index.NewFacade(ci, logger, m)

	store.StartFeed(ctx)
	stream := changes.NewStream(store, facade, docCache, changes.Config{}, logger, m)
	require.NoError(t, stream.Start(ctx))

	pool := workerpool.NewKeyedPool(&workerpool.Config{Name: "resolver", Workers: 2, Logger: logger})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	resolver := conflict.NewResolver(store, pool, logger, m)

	health := NewHealthChecker("test", t.TempDir(), logger)
	health.AddProbe("changes", func() (bool, string) { return stream.Ready(), "index built" })

	api := NewAPI(datastore.NewCachedStore(store, docCache), facade, resolver, nil, time.Second, logger)
	s := NewServer(Config{User: "anna"}, health, m, NewFeedHandler(stream, logger), logger, api)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testNode{srv: srv, facade: facade}
}

func (n *testNode) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, n.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetrics(t *testing.T) {
	n := newTestNode(t)

	resp, _ := n.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := n.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"changes"`)

	resp, body = n.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fieldstore_")

	resp, _ = n.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentLifecycle(t *testing.T) {
	n := newTestNode(t)

	resp, body := n.do(t, http.MethodPost, "/api/documents", model.NewDocument{Resource: model.Resource{
		ID: "t1", Category: "Trench", Identifier: "T1",
	}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.Document
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "anna", created.Created.User)

	resp, body = n.do(t, http.MethodPost, "/api/documents", model.NewDocument{Resource: model.Resource{ID: "t1", Category: "Trench"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var errBody errors.Response
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "DOCUMENT_RESOURCE_ID_EXISTS", errBody.ErrorCode)

	stale := created
	update := created
	update.Resource.Identifier = "T1-renamed"
	resp, body = n.do(t, http.MethodPut, "/api/documents/t1", update)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	stale.Resource.Identifier = "lost"
	resp, body = n.do(t, http.MethodPut, "/api/documents/t1", stale)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "SAVE_CONFLICT", errBody.ErrorCode)

	require.Eventually(t, func() bool {
		ids, _ := n.facade.Get("identifier:match", "T1-renamed")
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = n.do(t, http.MethodPost, "/api/find", index.Query{Categories: []string{"Trench"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var found FindResponse
	require.NoError(t, json.Unmarshal(body, &found))
	assert.Equal(t, 1, found.Total)
	assert.Equal(t, []string{"t1"}, found.IDs)

	resp, _ = n.do(t, http.MethodDelete, "/api/documents/t1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = n.do(t, http.MethodGet, "/api/documents/t1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "DOCUMENT_NOT_FOUND", errBody.ErrorCode)
}

func TestInvalidDocumentIsRejected(t *testing.T) {
	n := newTestNode(t)

	resp, body := n.do(t, http.MethodPost, "/api/documents", model.NewDocument{Resource: model.Resource{ID: "x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody errors.Response
	require.NoError(t, json.Unmarshal(body, &errBody))
	assert.Equal(t, "INVALID_DOCUMENT", errBody.ErrorCode)
}

func TestFeedStreamsNotifications(t *testing.T) {
	n := newTestNode(t)

	wsURL := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/feed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the handler subscribes after the upgrade; give it a moment
	time.Sleep(50 * time.Millisecond)

	resp, body := n.do(t, http.MethodPost, "/api/documents", model.NewDocument{Resource: model.Resource{ID: "f1", Category: "Find"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "changed", msg.Type)
	assert.Equal(t, "f1", msg.ID)
	assert.Equal(t, "Find", msg.Category)

	resp, _ = n.do(t, http.MethodDelete, "/api/documents/f1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "deleted", msg.Type)
	assert.Equal(t, "f1", msg.ID)
}
