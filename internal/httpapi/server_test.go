package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mjherich/gmail-to-sqlite/internal/store"
	"github.com/mjherich/gmail-to-sqlite/internal/syncer"
)

type stubSource struct{}

func (stubSource) ListChanged(ctx context.Context, since string, out chan<- string) (string, error) {
	return "1", nil
}

func (stubSource) ListAllIDs(ctx context.Context, out chan<- string) error {
	return nil
}

func (stubSource) Fetch(ctx context.Context, id string) (*store.MessageRecord, error) {
	return &store.MessageRecord{MessageID: id, ThreadID: "t", Timestamp: time.Unix(0, 0)}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop()
	s := syncer.New(stubSource{}, st, log, syncer.Options{Workers: 1})
	manager := syncer.NewManager(s, log)
	return New(context.Background(), manager, st, log), st
}

func TestStatus(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.SetCheckpoint(ctx, store.Checkpoint{
		Cursor:        "77",
		LastRunStatus: store.StatusClean,
	}))
	_, err := st.UpsertMessage(ctx, &store.MessageRecord{
		MessageID: "m1", ThreadID: "t", Timestamp: time.Unix(0, 0),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "77", resp["cursor"])
	assert.Equal(t, "clean", resp["last_run_status"])
	assert.Equal(t, float64(1), resp["messages"])
	assert.Equal(t, false, resp["running"])
}

func TestTriggerSync(t *testing.T) {
	srv, st := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"full":true}`))
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	// The stub source lists nothing, so the run settles quickly and
	// commits its cursor.
	require.Eventually(t, func() bool {
		cp, err := st.Checkpoint(context.Background())
		return err == nil && cp.Cursor == "1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopWithoutRun(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/stop", nil)
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}
