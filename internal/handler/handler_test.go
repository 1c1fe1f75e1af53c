package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/session"
	"github.com/ClareAI/astra-telephony-bridge/pkg/redis"
)

const waitFor = 2 * time.Second

// stubGateway joins instantly and records what is published.
type stubGateway struct {
	mu    sync.Mutex
	conns map[string]*stubConn
}

func newStubGateway() *stubGateway {
	return &stubGateway{conns: make(map[string]*stubConn)}
}

func (g *stubGateway) Join(_ context.Context, roomName, identity string) (bridge.RoomConnection, error) {
	c := &stubConn{events: make(chan bridge.RoomEvent), frames: make(chan audio.Frame, 256)}
	g.mu.Lock()
	g.conns[roomName] = c
	g.mu.Unlock()
	return c, nil
}

func (g *stubGateway) conn(room string) *stubConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[room]
}

type stubConn struct {
	events chan bridge.RoomEvent
	frames chan audio.Frame
}

func (c *stubConn) Publish(context.Context, string) (bridge.TrackPublisher, error) { return c, nil }
func (c *stubConn) Events() <-chan bridge.RoomEvent                                { return c.events }
func (c *stubConn) Leave(context.Context) error                                    { return nil }

func (c *stubConn) WriteFrame(f audio.Frame) error {
	c.frames <- f
	return nil
}

type memRedis struct {
	mu       sync.Mutex
	values   map[string]string
	handlers map[string][]func(string)
}

func newMemRedis() *memRedis {
	return &memRedis{values: make(map[string]string), handlers: make(map[string][]func(string))}
}

func (m *memRedis) GenerateKey(keyType redis.KeyType, identifier string) string {
	return string(keyType) + ":" + identifier
}

func (m *memRedis) GetValue(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", redis.ErrKeyNotExist
	}
	return v, nil
}

func (m *memRedis) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memRedis) DelValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memRedis) Publish(_ context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	m.mu.Lock()
	handlers := append([]func(string){}, m.handlers[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(string(data))
	}
	return nil
}

func (m *memRedis) Subscribe(_ context.Context, channel string, handler func(string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = append(m.handlers[channel], handler)
	return nil
}

type testEnv struct {
	cfg      *config.Config
	gw       *stubGateway
	ctrl     *bridge.Controller
	sessions *session.Manager
	store    *memRedis
	router   *mux.Router
	hm       *HandlerManager
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		ServerURL:        "https://bridge.example.com",
		InstanceID:       "pod-test",
		EnableCORS:       true,
		LiveKitAPIKey:    "APIwebhook",
		LiveKitAPISecret: "webhook-secret-long-enough-for-hmac",
		RoomPrefix:       "bridge",
		WriteTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	gw := newStubGateway()
	ctrl := bridge.NewController(gw, bridge.NewRegistry(), bridge.Options{
		RoomPrefix:      cfg.RoomPrefix,
		JoinBackoff:     time.Millisecond,
		StartTimeout:    waitFor,
		TeardownTimeout: 500 * time.Millisecond,
	}, nil, nil)

	store := newMemRedis()
	sessions := session.NewManager(store, cfg.InstanceID)

	hm := NewHandlerManager(context.Background(), Dependencies{
		Config:     cfg,
		Controller: ctrl,
		Sessions:   sessions,
		Gatherer:   prometheus.NewRegistry(),
	})
	router := mux.NewRouter()
	hm.SetupAllRoutes(router)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})
	return &testEnv{cfg: cfg, gw: gw, ctrl: ctrl, sessions: sessions, store: store, router: router, hm: hm}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func dialMediaStream(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(server.URL, "http") + config.DefaultMediaStreamPath
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func startMessage(callID string) map[string]interface{} {
	return map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{
			"callId":      callID,
			"streamId":    "stream-" + callID,
			"mediaFormat": map[string]interface{}{"encoding": "audio/x-l16", "sampleRate": 16000},
		},
	}
}

func mediaMessage(v int16) map[string]interface{} {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = v
	}
	return map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{"payload": base64.StdEncoding.EncodeToString(audio.Bytes(pcm))},
	}
}

func waitSession(t *testing.T, ctrl *bridge.Controller, callID string, state bridge.State) *bridge.Session {
	t.Helper()
	var sess *bridge.Session
	require.Eventually(t, func() bool {
		s, ok := ctrl.Registry().Get(callID)
		sess = s
		return ok && s.State() == state
	}, waitFor, time.Millisecond)
	return sess
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnswerReturnsStreamXML(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/plivo/answer", "/answer"} {
		t.Run(path, func(t *testing.T) {
			form := url.Values{"CallUUID": {"abc"}, "From": {"15550001"}, "To": {"15550002"}}
			rec := env.do(t, http.MethodPost, path, strings.NewReader(form.Encode()),
				http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
			body := rec.Body.String()
			assert.Contains(t, body, "<Response>")
			assert.Contains(t, body, `bidirectional="true"`)
			assert.Contains(t, body, `contentType="audio/x-l16;rate=16000"`)
			assert.Contains(t, body, "wss://bridge.example.com/plivo/media-stream")
		})
	}
}

func TestAnswerWithoutServerURLSpeaksError(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.ServerURL = "" })
	rec := env.do(t, http.MethodPost, "/plivo/answer", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Speak>")
	assert.NotContains(t, rec.Body.String(), "<Stream")
}

func TestUnknownCallMetadataIsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/get_call_metadata/nope", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"metadata":{}}`, rec.Body.String())
}

func TestStoredCallMetadata(t *testing.T) {
	env := newTestEnv(t, nil)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, session.NewManager(env.store, "pod-other").Register(context.Background(), session.SessionInfo{
		SessionID: "s-remote", CallID: "remote", RoomName: "bridge-remote", State: "ACTIVE", StartTime: started,
	}))

	rec := env.do(t, http.MethodGet, "/api/get_call_metadata/remote", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decodeBody(t, rec)["metadata"].(map[string]interface{})
	assert.Equal(t, "s-remote", meta["session_id"])
	assert.Equal(t, "ACTIVE", meta["state"])
	assert.Equal(t, "pod-other", meta["pod_id"])
	assert.Equal(t, "store", meta["source"])
	assert.Equal(t, started.Format(time.RFC3339), meta["started_at"])
}

func TestMediaStreamBridgesCall(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ws := dialMediaStream(t, server)
	sendJSON(t, ws, startMessage("abc"))
	sess := waitSession(t, env.ctrl, "abc", bridge.StateActive)

	sendJSON(t, ws, mediaMessage(1234))
	conn := env.gw.conn("bridge-abc")
	require.NotNil(t, conn)
	select {
	case f := <-conn.frames:
		assert.Len(t, f.Data, 960)
		assert.Equal(t, int16(1234), audio.Int16s(f.Data)[0])
	case <-time.After(waitFor):
		t.Fatal("no frame published")
	}

	rec := env.do(t, http.MethodGet, "/api/get_call_metadata/abc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decodeBody(t, rec)["metadata"].(map[string]interface{})
	assert.Equal(t, "ACTIVE", meta["state"])
	assert.Equal(t, "bridge-abc", meta["room_name"])
	assert.Equal(t, "stream-abc", meta["stream_id"])
	assert.Equal(t, "local", meta["source"])
	assert.Equal(t, "pod-test", meta["pod_id"])

	rec = env.do(t, http.MethodGet, "/api/calls", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = env.do(t, http.MethodPost, "/api/calls/abc/hangup", strings.NewReader(`{"reason":"operator"}`),
		http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "local", decodeBody(t, rec)["scope"])

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("session was not released after hangup")
	}
	assert.Equal(t, bridge.StateClosed, sess.State())
	assert.Equal(t, "operator", sess.Snapshot().CloseReason)

	// The provider side sees the socket close.
	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestHangupBroadcastsForRemoteCall(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, session.NewManager(env.store, "pod-other").Register(context.Background(), session.SessionInfo{
		SessionID: "s-remote", CallID: "remote", RoomName: "bridge-remote", State: "ACTIVE",
	}))

	var got []session.CleanupMessage
	require.NoError(t, env.sessions.SubscribeToCleanup(context.Background(), func(msg session.CleanupMessage) {
		got = append(got, msg)
	}))

	rec := env.do(t, http.MethodPost, "/api/calls/remote/hangup", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "broadcast", body["scope"])
	assert.Equal(t, "pod-other", body["pod_id"])
	require.Len(t, got, 1)
	assert.Equal(t, "remote", got[0].CallID)
	assert.Equal(t, "api hangup", got[0].Reason)

	rec = env.do(t, http.MethodPost, "/api/calls/ghost/hangup", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupListenerEndsLocalCall(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.hm.StartCleanupListener(context.Background()))
	server := httptest.NewServer(env.router)
	defer server.Close()

	ws := dialMediaStream(t, server)
	sendJSON(t, ws, startMessage("xyz"))
	sess := waitSession(t, env.ctrl, "xyz", bridge.StateActive)

	require.NoError(t, session.NewManager(env.store, "pod-other").NotifyCleanup(context.Background(), "xyz", "remote operator"))

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("cleanup broadcast did not end the call")
	}
	assert.Equal(t, "remote operator", sess.Snapshot().CloseReason)
}

func TestAPIKeyMiddleware(t *testing.T) {
	const secret = "api-secret"
	env := newTestEnv(t, func(c *config.Config) { c.APISecret = secret })

	sign := func(claims jwt.MapClaims, key string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	valid := sign(jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(time.Hour).Unix()}, secret)

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "garbage", key: "not-a-jwt", status: http.StatusUnauthorized},
		{name: "wrong secret", key: sign(jwt.MapClaims{"sub": "ops"}, "other"), status: http.StatusUnauthorized},
		{name: "expired", key: sign(jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(-time.Hour).Unix()}, secret), status: http.StatusUnauthorized},
		{name: "no subject", key: sign(jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, secret), status: http.StatusUnauthorized},
		{name: "valid", key: valid, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.key != "" {
				header.Set("X-API-Key", tt.key)
			}
			rec := env.do(t, http.MethodGet, "/api/get_call_metadata/abc", nil, header)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	// Routes outside /api stay open.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodOptions, "/api/calls/abc/hangup", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func signedWebhook(t *testing.T, cfg *config.Config, body []byte) http.Header {
	t.Helper()
	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret).
		SetValidFor(time.Minute).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)
	return http.Header{"Authorization": {token}, "Content-Type": {"application/webhook+json"}}
}

func TestLiveKitWebhookRejectsUnsigned(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/livekit/webhook",
		strings.NewReader(`{"event":"room_finished","room":{"name":"bridge-abc"}}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLiveKitRoomFinishedEndsCall(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ws := dialMediaStream(t, server)
	sendJSON(t, ws, startMessage("lk"))
	sess := waitSession(t, env.ctrl, "lk", bridge.StateActive)

	body := []byte(`{"event":"room_finished","room":{"name":"bridge-lk"}}`)
	rec := env.do(t, http.MethodPost, "/livekit/webhook", bytes.NewReader(body), signedWebhook(t, env.cfg, body))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatal("room_finished did not end the call")
	}
	assert.Equal(t, "room finished", sess.Snapshot().CloseReason)
}

func TestCallIDForRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		room   string
		callID string
		ok     bool
	}{
		{room: "bridge-abc", callID: "abc", ok: true},
		{room: "bridge-a-b", callID: "a-b", ok: true},
		{room: "bridge-"},
		{room: "other-abc"},
	}
	for _, tt := range tests {
		callID, ok := env.hm.callIDForRoom(tt.room)
		assert.Equal(t, tt.ok, ok, tt.room)
		assert.Equal(t, tt.callID, callID, tt.room)
	}
}
