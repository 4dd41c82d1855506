package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/api"
	"postflow/internal/connectivity"
	"postflow/internal/coordinator"
	"postflow/internal/credential"
	"postflow/internal/dedup"
	"postflow/internal/domain"
	"postflow/internal/events"
	"postflow/internal/guard"
	"postflow/internal/queue"
	"postflow/internal/secrets"
	"postflow/internal/store"
	"postflow/internal/worker"
)

type nopTransport struct{}

func (nopTransport) Submit(context.Context, domain.QueuedOperation) error { return nil }

type nopRefresher struct{}

func (nopRefresher) Refresh(context.Context) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "postflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, db.SaveCredentialState(ctx, domain.CredentialState{ExpiresAt: &expiry}))

	// Offline so submitted posts stay queued.
	monitor := connectivity.NewMonitor(connectivity.StatusDisconnected)
	g := guard.New()
	bus := events.NewBus(16)
	sec := secrets.NewMemory()
	q := queue.New(db, dedup.NewIndex(db), nopTransport{},
		queue.WithGuard(g),
		queue.WithConnectivity(monitor),
		queue.WithEvents(bus),
	)
	c := coordinator.New(coordinator.Deps{
		Queue:       q,
		Credentials: credential.New(nopRefresher{}, db, sec, g, credential.WithEvents(bus)),
		Secrets:     sec,
		Loop:        worker.NewLoop(q, monitor, 10),
		Monitor:     monitor,
		Bus:         bus,
		Guard:       g,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	<-c.Ready()

	srv := httptest.NewServer(api.NewServer(c))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = c.Shutdown(sctx)
	})
	return srv
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndList(t *testing.T) {
	srv := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "Hello world"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.ID, "op_"))

	resp = do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "hello   WORLD"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0]["id"])
	assert.EqualValues(t, domain.PriorityNormal, list[0]["priority"])

	resp = do(t, http.MethodGet, srv.URL+"/api/posts/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/queue/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/queue/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearRequiresConfirmation(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "one"})

	resp := do(t, http.MethodDelete, srv.URL+"/api/queue", nil)
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/queue?confirm=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out["removed"])
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "queued while offline"})

	resp := do(t, http.MethodGet, srv.URL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		Queue struct {
			State string `json:"processing_state"`
			Depth int    `json:"depth"`
		} `json:"queue"`
		Connectivity string `json:"connectivity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, string(queue.StateOffline), st.Queue.State)
	assert.Equal(t, 1, st.Queue.Depth)
	assert.Equal(t, "disconnected", st.Connectivity)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "postflow_queue_depth 1\n")
	assert.Contains(t, string(body), "postflow_online 0\n")
}

func TestConnectivityDrainsQueue(t *testing.T) {
	srv := newServer(t)
	do(t, http.MethodPost, srv.URL+"/api/posts", map[string]any{"text": "wait for the network"})

	resp := do(t, http.MethodPost, srv.URL+"/api/connectivity", map[string]any{"status": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/connectivity", map[string]any{"status": "connected"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp := do(t, http.MethodGet, srv.URL+"/api/queue", nil)
		var list []map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&list)
		return len(list) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestArchiveRestoreUnknown(t *testing.T) {
	srv := newServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/archive", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/archive/op_missing/restore", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleAndAuthenticated(t *testing.T) {
	srv := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/lifecycle", map[string]any{"signal": "hibernate"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/lifecycle", map[string]any{"signal": "background"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/credential/authenticated", map[string]any{"access_token": "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/credential/authenticated", map[string]any{
		"access_token":  "a",
		"refresh_token": "r",
		"expires_in":    7200,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
