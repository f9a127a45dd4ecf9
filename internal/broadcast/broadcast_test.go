// internal/broadcast/broadcast_test.go
package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func msg(typ schemas.MessageType, session string) schemas.BroadcastMessage {
	return schemas.BroadcastMessage{Type: typ, SessionID: session, Text: string(typ)}
}

func TestHub_DeliversToEverySubscriber(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	defer hub.Shutdown()

	a, unsubA := hub.Subscribe("")
	b, unsubB := hub.Subscribe("")
	defer unsubA()
	defer unsubB()

	hub.Emit(msg(schemas.MsgRecordingStarted, "s1"))

	for _, ch := range []<-chan schemas.BroadcastMessage{a, b} {
		got := <-ch
		assert.Equal(t, schemas.MsgRecordingStarted, got.Type)
		assert.NotZero(t, got.Timestamp, "Emit stamps messages that arrive without a timestamp")
	}
}

func TestHub_SessionFilter(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	defer hub.Shutdown()

	s1, unsub := hub.Subscribe("s1")
	defer unsub()

	hub.Emit(msg(schemas.MsgRecordingEvent, "s2"))
	hub.Emit(msg(schemas.MsgRecordingEvent, "s1"))
	hub.Emit(msg(schemas.MsgSessionClosed, ""))

	assert.Equal(t, "s1", (<-s1).SessionID)
	assert.Equal(t, schemas.MsgSessionClosed, (<-s1).Type)
	assert.Empty(t, s1)
}

func TestHub_EmitNeverBlocks(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	hub := NewHub(zap.New(core), 2)
	defer hub.Shutdown()

	ch, unsub := hub.Subscribe("")
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Emit(msg(schemas.MsgPlaybackEvent, "s1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}

	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(8), hub.Dropped())
	assert.Equal(t, 8, logs.FilterMessage("Subscriber queue full, dropping message.").Len())
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 1)
	defer hub.Shutdown()

	ch, unsub := hub.Subscribe("")
	require.Equal(t, 1, hub.Subscribers())

	unsub()
	unsub()
	assert.Zero(t, hub.Subscribers())
	_, open := <-ch
	assert.False(t, open)

	hub.Emit(msg(schemas.MsgPlaybackStopped, ""))
}

func TestHub_Shutdown(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 1)
	ch, unsub := hub.Subscribe("")

	hub.Shutdown()
	hub.Shutdown()
	_, open := <-ch
	assert.False(t, open)
	unsub()

	hub.Emit(msg(schemas.MsgPlaybackStopped, ""))

	late, unsubLate := hub.Subscribe("")
	defer unsubLate()
	_, open = <-late
	assert.False(t, open, "subscriptions after shutdown start closed")
}

func TestHub_ConcurrentEmitAndUnsubscribe(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 8)
	defer hub.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		ch, unsub := hub.Subscribe("")
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Emit(msg(schemas.MsgRecordingEvent, ""))
			}
			unsub()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

// -- WSManager --

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func newWSFixture(t *testing.T) (*Hub, *WSManager, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := NewHub(logger, 16)
	m := NewWSManager(hub, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		m.Close()
		hub.Shutdown()
		srv.Close()
	})
	return hub, m, srv
}

func TestWSManager_StreamsJSONFrames(t *testing.T) {
	hub, m, srv := newWSFixture(t)

	conn := dial(t, srv, "?session=s1")
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.Clients())

	hub.Emit(schemas.BroadcastMessage{Type: schemas.MsgRecordingEvent, SessionID: "other"})
	hub.Emit(schemas.BroadcastMessage{Type: schemas.MsgRecordingEvent, SessionID: "s1", RecordingID: "r1", Text: "click"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got schemas.BroadcastMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "r1", got.RecordingID)
	assert.Equal(t, "click", got.Text)
}

func TestWSManager_ClientDisconnectUnsubscribes(t *testing.T) {
	hub, m, srv := newWSFixture(t)

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 0 && m.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSManager_CloseEndsStreams(t *testing.T) {
	hub, m, srv := newWSFixture(t)

	conn := dial(t, srv, "")
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	m.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, m.Clients())
}

func TestWSManager_RefusesAfterClose(t *testing.T) {
	hub, m, srv := newWSFixture(t)
	m.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, hub.Subscribers())
	assert.Zero(t, m.Clients())
}

func TestWSManager_ConnectsRacingClose(t *testing.T) {
	hub, m, srv := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	var wg sync.WaitGroup
	conns := make(chan *websocket.Conn, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if resp != nil {
				resp.Body.Close()
			}
			if err == nil {
				conns <- conn
			}
		}()
	}
	m.Close()
	wg.Wait()
	close(conns)

	// Every stream that got through is ended by Close, none outlives it.
	for conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
		conn.Close()
	}
	assert.Zero(t, m.Clients())
	assert.Zero(t, hub.Subscribers())
}
