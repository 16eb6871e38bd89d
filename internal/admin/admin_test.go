package admin

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tangible/internal/journal"
	"github.com/banshee-data/tangible/internal/publisher"
	"github.com/banshee-data/tangible/internal/registry"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	code := m.Run()
	log.SetOutput(os.Stderr)
	os.Exit(code)
}

type stubPublisher struct {
	publisher.Publisher
	stats publisher.Stats
}

func (s stubPublisher) Stats() publisher.Stats { return s.stats }

func newRoutes(t *testing.T) (*Routes, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	mirror := registry.NewMirror()
	t.Cleanup(mirror.Attach(reg))
	return &Routes{
		Mirror: mirror,
		Publishers: []publisher.Publisher{
			stubPublisher{stats: publisher.Stats{Name: "WebSocket", Running: true, Clients: 2, Events: 5}},
			stubPublisher{stats: publisher.Stats{Name: "TUIO", Rejected: 1}},
		},
	}, reg
}

func TestHandleRegistry(t *testing.T) {
	rt, reg := newRoutes(t)
	reg.Set(2, registry.Pose{X: 0.2, Y: 0.4, Angle: 1})
	reg.Set(1, registry.Pose{X: 0.1})

	w := httptest.NewRecorder()
	rt.handleRegistry(w, httptest.NewRequest(http.MethodGet, "/debug/registry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snap registry.MirrorSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	require.Len(t, snap.Objects, 2)
	assert.Equal(t, 1, snap.Objects[0].ID)
	assert.Equal(t, 2, snap.Objects[1].ID)
	assert.Equal(t, 0.4, snap.Objects[1].Y)
	assert.Equal(t, uint64(2), snap.Events["ADD"])
}

func TestHandleRegistry_MethodNotAllowed(t *testing.T) {
	rt, _ := newRoutes(t)
	w := httptest.NewRecorder()
	rt.handleRegistry(w, httptest.NewRequest(http.MethodPost, "/debug/registry", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandlePublishers(t *testing.T) {
	rt, _ := newRoutes(t)
	w := httptest.NewRecorder()
	rt.handlePublishers(w, httptest.NewRequest(http.MethodGet, "/debug/publishers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats []publisher.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "WebSocket", stats[0].Name)
	assert.Equal(t, int32(2), stats[0].Clients)
	assert.Equal(t, uint64(1), stats[1].Rejected)
}

func TestHandleJournal(t *testing.T) {
	rt, reg := newRoutes(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), reg, 0)
	require.NoError(t, err)
	defer j.Close()
	j.Attach(reg)
	rt.Journal = j

	reg.Set(9, registry.Pose{X: 0.9})
	require.Eventually(t, func() bool { return j.Stats().Written == 1 }, 5*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	rt.handleJournal(w, httptest.NewRequest(http.MethodGet, "/debug/journal?since=1h", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Stats  journal.Stats   `json:"stats"`
		Events []journal.Entry `json:"events"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, 9, body.Events[0].ID)
	assert.Equal(t, "ADD", body.Events[0].Op)

	w = httptest.NewRecorder()
	rt.handleJournal(w, httptest.NewRequest(http.MethodGet, "/debug/journal?since=soon", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttach_RegistersRoutes(t *testing.T) {
	rt, reg := newRoutes(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), reg, 0)
	require.NoError(t, err)
	defer j.Close()
	rt.Journal = j

	mux := http.NewServeMux()
	require.NoError(t, rt.Attach(mux))

	for _, path := range []string{"/debug/registry", "/debug/publishers", "/debug/journal", "/debug/tailsql/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:4321"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		// debug access depends on the caller's address; the route must exist
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServer_ListenAndStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})
	s, err := Listen("127.0.0.1:0", mux)
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	s.Stop()
	s.Stop()
	_, err = http.Get("http://" + s.Addr() + "/ping")
	assert.Error(t, err)
}
