package ws

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/agentrelay/internal/logger"
	"github.com/sage-x-project/agentrelay/pkg/buffer"
	"github.com/sage-x-project/agentrelay/pkg/envelope"
	"github.com/sage-x-project/agentrelay/pkg/identity"
	"github.com/sage-x-project/agentrelay/pkg/presence"
	"github.com/sage-x-project/agentrelay/pkg/registry"
	"github.com/sage-x-project/agentrelay/pkg/router"
)

type testRelay struct {
	server   *httptest.Server
	registry *registry.Registry
	buffer   *buffer.Buffer
}

func newTestRelay(t *testing.T, storedFor []string) *testRelay {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	buf := buffer.New(storedFor, 10)
	log := logger.NewLogger(&bytes.Buffer{}, logger.InfoLevel)
	pres := presence.New(reg, buf, log)
	rt := router.New(reg, buf, log)

	deps := Deps{Registry: reg, Presence: pres, Buffer: buf, Router: rt}
	srv := NewServer(deps, Config{HeartbeatInterval: time.Minute, IdleTimeout: time.Minute}, log)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testRelay{server: ts, registry: reg, buffer: buf}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, publicKey, name string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame{Type: frameTypeRegister, PublicKey: publicKey, Name: name}))

	var ack frame
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, frameTypeRegistered, ack.Type)

	var peerList frame
	require.NoError(t, conn.ReadJSON(&peerList))
	require.Equal(t, frameTypePeerList, peerList.Type)
}

func TestRegistrationAck(t *testing.T) {
	relay := newTestRelay(t, nil)
	conn := dial(t, relay.server.URL)
	register(t, conn, "pkA", "agent-a")

	assert.Equal(t, 1, relay.registry.Count())
}

func TestNonRegisterFrameBeforeRegisterYieldsError(t *testing.T) {
	relay := newTestRelay(t, nil)
	conn := dial(t, relay.server.URL)

	require.NoError(t, conn.WriteJSON(frame{Type: frameTypePing}))

	var errFrame frame
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, frameTypeError, errFrame.Type)
	assert.Equal(t, "Not registered", errFrame.Message)
}

func TestRoutingBetweenTwoWSSessions(t *testing.T) {
	relay := newTestRelay(t, nil)
	connA := dial(t, relay.server.URL)
	connB := dial(t, relay.server.URL)

	kp, err := identity.Generate()
	require.NoError(t, err)

	register(t, connA, kp.PublicKey, "agent-a")
	register(t, connB, "pkB", "agent-b")

	// connA also receives a peer_online for B; drain it before sending.
	var peerOnline frame
	require.NoError(t, connA.ReadJSON(&peerOnline))
	assert.Equal(t, frameTypePeerOnline, peerOnline.Type)

	env, err := envelope.Create("publish", kp.PublicKey, kp.PrivateKey, map[string]interface{}{"text": "hello"}, 0, "")
	require.NoError(t, err)

	require.NoError(t, connA.WriteJSON(frame{Type: frameTypeMessage, To: "pkB", Envelope: &env}))

	var delivered deliveryFrame
	require.NoError(t, connB.ReadJSON(&delivered))
	assert.Equal(t, kp.PublicKey, delivered.Sender)
	assert.Equal(t, "agent-a", delivered.FromName)
}

func TestSenderMismatchYieldsErrorFrame(t *testing.T) {
	relay := newTestRelay(t, nil)
	connA := dial(t, relay.server.URL)
	register(t, connA, "pkA", "agent-a")

	kp, err := identity.Generate()
	require.NoError(t, err)
	env, err := envelope.Create("publish", kp.PublicKey, kp.PrivateKey, "spoof", 0, "")
	require.NoError(t, err)

	require.NoError(t, connA.WriteJSON(frame{Type: frameTypeMessage, To: "pkB", Envelope: &env}))

	var errFrame frame
	require.NoError(t, connA.ReadJSON(&errFrame))
	assert.Equal(t, frameTypeError, errFrame.Type)
	assert.Equal(t, "sender does not match", errFrame.Message)
}

func TestStoredForBufferDrainsOnRegister(t *testing.T) {
	relay := newTestRelay(t, []string{"pkS"})

	kp, err := identity.Generate()
	require.NoError(t, err)
	env, err := envelope.Create("publish", kp.PublicKey, kp.PrivateKey, map[string]interface{}{"text": "buffered hello"}, 0, "")
	require.NoError(t, err)
	require.True(t, relay.buffer.Append("pkS", env))

	conn := dial(t, relay.server.URL)
	register(t, conn, "pkS", "")

	var delivered deliveryFrame
	require.NoError(t, conn.ReadJSON(&delivered))
	payload := delivered.Payload.(map[string]interface{})
	assert.Equal(t, "buffered hello", payload["text"])

	assert.Equal(t, 0, relay.buffer.Depth("pkS"))
}
