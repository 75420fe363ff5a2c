package localapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desklink/internal/bridge"
	"desklink/internal/devicecfg"
	"desklink/internal/pairing"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (b *recordingSubmitter) Submit(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.tokens = append(b.tokens, token)
	return nil
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []string
	err     error
	current string
}

func (f *fakeRemote) StartRemote(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+id)
	return f.err
}

func (f *fakeRemote) StopRemote(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+id)
	return f.err
}

func (f *fakeRemote) Status() Status {
	return Status{Connected: true, ActiveSession: f.current}
}

func newTestAPI(t *testing.T) (*gin.Engine, *devicecfg.Store, *recordingSubmitter, *fakeRemote) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := devicecfg.Open(filepath.Join(t.TempDir(), "agent.json"), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	sub := &recordingSubmitter{}
	remote := &fakeRemote{}
	r := NewRouter(Deps{Config: store, Pairing: sub, Remote: remote, Logger: log.New(io.Discard, "", 0)})
	return r, store, sub, remote
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:50123"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDeviceID_StableAcrossRestart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"deviceId":"abc123"}`), 0o600))

	store, err := devicecfg.Open(path, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	r := NewRouter(Deps{Config: store, Pairing: &recordingSubmitter{}, Remote: &fakeRemote{}})

	w := do(r, http.MethodGet, "/device-id", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "abc123", body["deviceId"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestProvision_AcknowledgesImmediately(t *testing.T) {
	r, _, sub, _ := newTestAPI(t)

	start := time.Now()
	w := do(r, http.MethodPost, "/provision", `{"token":"prov-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"prov-1"}, sub.tokens)
}

func TestProvision_MissingToken(t *testing.T) {
	r, _, sub, _ := newTestAPI(t)

	for _, body := range []string{`{}`, `{"token":"  "}`, `not json`} {
		w := do(r, http.MethodPost, "/provision", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "Missing token", w.Body.String(), body)
	}
	assert.Empty(t, sub.tokens)
}

func TestProvision_QueueFull(t *testing.T) {
	r, _, sub, _ := newTestAPI(t)
	sub.err = pairing.ErrQueueFull

	w := do(r, http.MethodPost, "/provision", `{"token":"prov-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProvision_RealQueueDoesNotBlockOnBackend(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := devicecfg.Open(filepath.Join(t.TempDir(), "agent.json"), log.New(io.Discard, "", 0))
	require.NoError(t, err)

	gate := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-gate
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"agent-tok","ownerId":"alice"}`))
	}))
	defer backend.Close()
	_, err = store.Update(func(c *devicecfg.Config) { c.ServerURL = backend.URL })
	require.NoError(t, err)

	q := pairing.New(store, pairing.NewHTTPRedeemer(), pairing.WithLogger(log.New(io.Discard, "", 0)))
	r := NewRouter(Deps{Config: store, Pairing: q, Remote: &fakeRemote{}, Logger: log.New(io.Discard, "", 0)})

	w := do(r, http.MethodPost, "/provision", `{"token":"prov-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, store.Get().Paired())

	close(gate)
	select {
	case ev := <-q.Events():
		assert.Equal(t, "alice", ev.Config.OwnerID)
	case <-time.After(5 * time.Second):
		t.Fatalf("pairing event not delivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestRemote_ErrorMapping(t *testing.T) {
	r, _, _, remote := newTestAPI(t)

	w := do(r, http.MethodPost, "/remote/start", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = do(r, http.MethodPost, "/remote/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"start:s1", "stop:"}, remote.calls)

	cases := []struct {
		err  error
		code int
	}{
		{ErrNoSession, http.StatusConflict},
		{bridge.ErrBridgeUnavailable, http.StatusServiceUnavailable},
		{bridge.ErrUnauthorized, http.StatusForbidden},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		remote.err = tc.err
		w := do(r, http.MethodPost, "/remote/start", "")
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestStatus(t *testing.T) {
	r, store, _, remote := newTestAPI(t)
	remote.current = "s9"

	w := do(r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, store.Get().DeviceID, st.DeviceID)
	assert.False(t, st.Paired)
	assert.True(t, st.Connected)
	assert.Equal(t, "s9", st.ActiveSession)
}

func TestPreflightAndUnknownRoute(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	w := do(r, http.MethodOptions, "/provision", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET,POST,OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))

	w = do(r, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", w.Body.String())
}

func TestLoopbackOnly(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/device-id", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/device-id", nil)
	req.RemoteAddr = "[::1]:4000"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
