// File: internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/broadcast"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/mocks"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

type fakeBrowser struct {
	mu sync.Mutex
	n  int
}

func (b *fakeBrowser) NewPage(context.Context) (service.SessionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return mocks.NewFakePage(fmt.Sprintf("page-%d", b.n), "about:blank"), nil
}

func (b *fakeBrowser) Shutdown(context.Context) error { return nil }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type apiResponse struct {
	Status string              `json:"status"`
	Data   jsoniter.RawMessage `json:"data"`
	Error  string              `json:"error"`
}

type harness struct {
	t    *testing.T
	srv  *Server
	http *httptest.Server
	hub  *broadcast.Hub
	ctrl *service.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	repo, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	hub := broadcast.NewHub(logger, broadcast.DefaultBufferSize)
	ctrl := service.NewController(cfg, &fakeBrowser{}, repo, hub, logger,
		service.WithPlayerOptions(playback.WithSleep(noSleep)))
	srv := New(cfg.Server(), ctrl, hub, logger)
	h := &harness{t: t, srv: srv, http: httptest.NewServer(srv.Handler()), hub: hub, ctrl: ctrl}
	t.Cleanup(func() {
		srv.closeStreams()
		h.http.Close()
		_ = ctrl.Shutdown(context.Background())
		hub.Shutdown()
	})
	return h
}

func (h *harness) do(method, path, body string) (int, apiResponse) {
	h.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rdr)
	require.NoError(h.t, err)
	resp, err := h.http.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (h *harness) raw(path string) (*http.Response, []byte) {
	h.t.Helper()
	resp, err := h.http.Client().Get(h.http.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, body
}

func (h *harness) createSession() string {
	h.t.Helper()
	code, resp := h.do(http.MethodPost, "/api/sessions", `{"url":"https://x.test/"}`)
	require.Equal(h.t, http.StatusCreated, code, resp.Error)
	var info service.SessionInfo
	require.NoError(h.t, json.Unmarshal(resp.Data, &info))
	return info.ID
}

func (h *harness) record(sid string) string {
	h.t.Helper()
	code, resp := h.do(http.MethodPost, "/api/sessions/"+sid+"/recording/start", "")
	require.Equal(h.t, http.StatusCreated, code, resp.Error)
	code, resp = h.do(http.MethodPost, "/api/sessions/"+sid+"/recording/stop", "")
	require.Equal(h.t, http.StatusOK, code, resp.Error)
	var sum schemas.RecordingSummary
	require.NoError(h.t, json.Unmarshal(resp.Data, &sum))
	return sum.ID
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.raw("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestSessions(t *testing.T) {
	h := newHarness(t)
	sid := h.createSession()

	code, resp := h.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	var list []service.SessionInfo
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sid, list[0].ID)

	code, _ = h.do(http.MethodDelete, "/api/sessions/"+sid, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, resp = h.do(http.MethodDelete, "/api/sessions/"+sid, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "session not found")

	code, _ = h.do(http.MethodPost, "/api/sessions", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRecordingEndpoints(t *testing.T) {
	h := newHarness(t)
	sid := h.createSession()
	base := "/api/sessions/" + sid + "/recording"

	code, resp := h.do(http.MethodPost, base+"/start", `{"events":["teleport"]}`)
	assert.Equal(t, http.StatusBadRequest, code, resp.Error)

	code, resp = h.do(http.MethodPost, base+"/start", `{"events":["click","type"],"maxEvents":10}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var live schemas.Recording
	require.NoError(t, json.Unmarshal(resp.Data, &live))
	assert.Equal(t, []schemas.EventType{schemas.EventClick, schemas.EventTyping}, live.Config.Events)

	code, _ = h.do(http.MethodPost, base+"/start", "")
	assert.Equal(t, http.StatusConflict, code)

	code, resp = h.do(http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, code)
	var info service.SessionInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.Equal(t, schemas.RecordingPaused, info.RecordingStatus)
	assert.Equal(t, live.ID, info.RecordingID)

	code, _ = h.do(http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, code)

	code, resp = h.do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, code)
	var snap schemas.Recording
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, schemas.RecordingActive, snap.Status)

	code, resp = h.do(http.MethodPost, base+"/stop", "")
	require.Equal(t, http.StatusOK, code)
	var sum schemas.RecordingSummary
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.Equal(t, live.ID, sum.ID)
	assert.Equal(t, schemas.RecordingStopped, sum.Status)

	code, resp = h.do(http.MethodPost, base+"/stop", "")
	require.Equal(t, http.StatusOK, code, "stopping a stopped recording returns it again")
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.Equal(t, live.ID, sum.ID)
	code, _ = h.do(http.MethodPost, "/api/sessions/ghost/recording/pause", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPlaybackEndpoints(t *testing.T) {
	h := newHarness(t)
	sid := h.createSession()
	recID := h.record(sid)
	base := "/api/sessions/" + sid + "/playback"

	code, _ := h.do(http.MethodPost, base+"/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPost, base+"/start", `{"recordingId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(http.MethodPost, base+"/start", `{"recordingId":"`+recID+`","speed":-1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := h.do(http.MethodPost, base+"/start", `{"recordingId":"`+recID+`","speed":2}`)
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var st schemas.PlaybackState
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, recID, st.RecordingID)
	assert.Equal(t, 2.0, st.Speed)

	require.Eventually(t, func() bool {
		code, resp := h.do(http.MethodGet, base, "")
		if code != http.StatusOK {
			return false
		}
		var st schemas.PlaybackState
		return json.Unmarshal(resp.Data, &st) == nil && st.Status == schemas.PlaybackStopped
	}, 5*time.Second, 10*time.Millisecond)

	code, _ = h.do(http.MethodPost, base+"/seek", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPost, base+"/seek", `{"index":0}`)
	assert.Equal(t, http.StatusConflict, code, "seeking needs an active playback")

	code, _ = h.do(http.MethodPost, base+"/pause", "")
	assert.Equal(t, http.StatusOK, code, "pausing a stopped playback is a no-op")
	code, _ = h.do(http.MethodPost, base+"/stop", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestRecordingStoreEndpoints(t *testing.T) {
	h := newHarness(t)
	sid := h.createSession()
	recID := h.record(sid)

	code, resp := h.do(http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, code)
	var list []schemas.RecordingSummary
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, recID, list[0].ID)

	code, resp = h.do(http.MethodGet, "/api/recordings/"+recID, "")
	require.Equal(t, http.StatusOK, code)
	var rec schemas.Recording
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, schemas.EventPageLoad, rec.Events[0].Type)

	httpResp, envelope := h.raw("/api/recordings/" + recID + "/export")
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, "application/json", httpResp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="`+recID+`.json"`, httpResp.Header.Get("Content-Disposition"))

	httpResp, script := h.raw("/api/recordings/" + recID + "/export?format=script&target=chromedp&speed=2")
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	assert.Equal(t, `attachment; filename="`+recID+`.go"`, httpResp.Header.Get("Content-Disposition"))
	assert.Contains(t, string(script), "package main")

	httpResp, _ = h.raw("/api/recordings/" + recID + "/export?format=har")
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
	httpResp, _ = h.raw("/api/recordings/" + recID + "/export?format=script&speed=fast")
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
	httpResp, _ = h.raw("/api/recordings/" + recID + "/export?format=script&target=selenium")
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)

	code, _ = h.do(http.MethodDelete, "/api/recordings/"+recID, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodGet, "/api/recordings/"+recID, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = h.do(http.MethodPost, "/api/recordings/import", string(envelope))
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var sum schemas.RecordingSummary
	require.NoError(t, json.Unmarshal(resp.Data, &sum))
	assert.Equal(t, recID, sum.ID)

	code, _ = h.do(http.MethodPost, "/api/recordings/import", `{"version":"9.9"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodGet, "/api/recordings/..%2Fetc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebsocketStream(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	sid := h.createSession()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg schemas.BroadcastMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, schemas.MsgSessionCreated, msg.Type)
	assert.Equal(t, sid, msg.SessionID)
}

func TestServe_GracefulShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	repo, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	hub := broadcast.NewHub(logger, 8)
	defer hub.Shutdown()
	ctrl := service.NewController(cfg, &fakeBrowser{}, repo, hub, logger)
	defer ctrl.Shutdown(context.Background())

	srv := New(config.ServerConfig{ShutdownTimeout: time.Second}, ctrl, hub, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{export.ErrInvalidImport, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", recorder.ErrInvalidConfig), http.StatusBadRequest},
		{playback.ErrInvalidSeekIndex, http.StatusBadRequest},
		{store.ErrInvalidID, http.StatusBadRequest},
		{service.ErrSessionNotFound, http.StatusNotFound},
		{store.ErrRecordingNotFound, http.StatusNotFound},
		{recorder.ErrAlreadyActive, http.StatusConflict},
		{playback.ErrAlreadyPlaying, http.StatusConflict},
		{service.ErrSessionBusy, http.StatusConflict},
		{service.ErrControllerClosed, http.StatusConflict},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{recorder.ErrListenerAttach, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t)
	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	code, _ := h.do(http.MethodPost, "/api/sessions", `{"url":"`+string(big)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}
