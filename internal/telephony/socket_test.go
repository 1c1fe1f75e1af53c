package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSocketPair returns a server-side Socket and the client connection dialed to it.
func newSocketPair(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverSide := make(chan *Socket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewSocket(conn, time.Second)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case sock := <-serverSide:
		t.Cleanup(func() { _ = sock.Close() })
		return sock, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
		return nil, nil
	}
}

func TestSocketReadEvent(t *testing.T) {
	sock, client := newSocketPair(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0, 1}))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"callId":"abc"}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{oops`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)))

	ev, err := sock.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, EventStart, ev.Kind)
	assert.Equal(t, "abc", ev.Start.CallID)

	_, err = sock.ReadEvent()
	assert.True(t, errors.Is(err, ErrMalformed))

	ev, err = sock.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, EventStop, ev.Kind)
}

func TestSocketWriteMedia(t *testing.T) {
	sock, client := newSocketPair(t)

	frame := audio.Frame{Data: make([]byte, 320), Format: audio.TelephonyFormat}
	require.NoError(t, sock.WriteMedia(frame))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, "playAudio", env["event"])
}

func TestSocketCloseUnblocksReadAndIsIdempotent(t *testing.T) {
	sock, client := newSocketPair(t)

	readErr := make(chan error, 1)
	go func() {
		_, err := sock.ReadEvent()
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sock.Close())
	assert.NoError(t, sock.Close())

	select {
	case err := <-readErr:
		assert.True(t, errors.Is(err, ErrSocketClosed))
		assert.True(t, IsNormalClose(err))
	case <-time.After(2 * time.Second):
		t.Fatal("ReadEvent was not unblocked by Close")
	}

	assert.ErrorIs(t, sock.WriteMedia(audio.Frame{Format: audio.TelephonyFormat}), ErrSocketClosed)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
