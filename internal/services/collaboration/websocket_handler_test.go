package collaboration

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collabsync/internal/crdt"
	"collabsync/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/ws/document/{id}", NewWebSocketHandler(env.hub, zap.NewNop()).HandleDocumentConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestWebSocketHandler_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil, withDebounce(time.Hour))
	srv := newTestServer(t, env)

	ann := dial(t, srv, "/ws/document/d1?userId=u1&username=ann&color=%23f00&clientId=7")
	assert.Equal(t, protocol.EventDocumentUpdate, readEnvelope(t, ann).Event)
	assert.Equal(t, protocol.EventAwarenessUpdate, readEnvelope(t, ann).Event)

	bob := dial(t, srv, "/ws/document/d1?userId=u2&username=bob&clientId=8")
	readEnvelope(t, bob)
	readEnvelope(t, bob)

	u := clientDelta(t, 7, "over the wire")
	require.NoError(t, ann.WriteMessage(websocket.TextMessage, protocol.Encode(protocol.DocumentUpdate("d1", u))))

	relayed := readEnvelope(t, bob)
	assert.Equal(t, protocol.EventDocumentUpdate, relayed.Event)
	replica := crdt.NewDoc(8)
	require.NoError(t, replica.ApplyUpdate(relayed.Payload))
	assert.Equal(t, "over the wire", replica.Text())

	// garbage never closes the connection
	require.NoError(t, ann.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, int64(2), env.count(t, "d1"))

	ann.Close()
	bob.Close()

	require.Eventually(t, func() bool { return env.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.store.saveCount())
	assert.Equal(t, int64(0), env.count(t, "d1"))
	assert.Eventually(t, func() bool { return env.hub.Stats().Connections == 0 }, time.Second, 10*time.Millisecond)
}
