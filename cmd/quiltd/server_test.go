package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltmesh/quilt/internal/document"
	"github.com/quiltmesh/quilt/internal/engine"
	"github.com/quiltmesh/quilt/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := document.NewDirectory(nil, document.WithIdleTimeout(time.Minute))
	ts := httptest.NewServer(newServer(dir).routes())
	t.Cleanup(func() {
		ts.Close()
		_ = dir.Close()
	})
	return ts
}

// dial opens a websocket to the named document
func dial(t *testing.T, ts *httptest.Server, doc string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/docs/" + doc + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one binary frame and decodes it as a protocol message
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(msg)))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListDocs(t *testing.T) {
	ts := newTestServer(t)

	list := func() []string {
		resp, err := http.Get(ts.URL + "/docs")
		require.NoError(t, err)
		defer resp.Body.Close()
		var out struct {
			Docs []string `json:"docs"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out.Docs
	}

	assert.Empty(t, list())

	conn := dial(t, ts, "minutes")
	defer conn.Close()
	assert.Equal(t, []string{"minutes"}, list())
}

func TestWebSocketSync(t *testing.T) {
	ts := newTestServer(t)

	// First client connects carrying local content
	first := dial(t, ts, "notes")
	a := engine.NewMemDoc(1)
	a.Insert(0, "hello")

	writeFrame(t, first, protocol.Step1(a.StateVector()))
	step2 := readFrame(t, first)
	require.Equal(t, protocol.SyncStep2, step2.Sync)
	require.NoError(t, a.ApplyUpdate(step2.Payload))

	step1 := readFrame(t, first)
	require.Equal(t, protocol.SyncStep1, step1.Sync)
	delta, err := a.Diff(step1.Payload)
	require.NoError(t, err)
	writeFrame(t, first, protocol.Step2(delta))

	// Second client syncs from scratch and sees the first client's content
	second := dial(t, ts, "notes")
	b := engine.NewMemDoc(2)
	writeFrame(t, second, protocol.Step1(b.StateVector()))
	step2 = readFrame(t, second)
	require.Equal(t, protocol.SyncStep2, step2.Sync)
	require.NoError(t, b.ApplyUpdate(step2.Payload))
	assert.Equal(t, []string{"hello"}, b.Strings())

	// An incremental update from the second client reaches the first
	b.Insert(1, "world")
	update, err := b.Diff(a.StateVector())
	require.NoError(t, err)
	writeFrame(t, second, protocol.Update(update))

	for {
		msg := readFrame(t, first)
		if msg.Type == protocol.TagSync && msg.Sync == protocol.SyncUpdate {
			require.NoError(t, a.ApplyUpdate(msg.Payload))
			break
		}
	}
	assert.Equal(t, []string{"hello", "world"}, a.Strings())
}

func TestWebSocketAwareness(t *testing.T) {
	ts := newTestServer(t)

	first := dial(t, ts, "presence")
	second := dial(t, ts, "presence")

	// Complete the second client's handshake so it is greeted before the
	// awareness traffic starts
	b := engine.NewMemDoc(2)
	writeFrame(t, second, protocol.Step1(b.StateVector()))
	readFrame(t, second) // step2
	readFrame(t, second) // reciprocal step1

	// The first client announces presence; the second sees it relayed
	aw := newAwarenessBatch(t, 91, `{"user":"ada"}`)
	writeFrame(t, first, protocol.Awareness(aw))

	msg := readFrame(t, second)
	assert.Equal(t, byte(protocol.TagAwareness), msg.Type)
}

// newAwarenessBatch builds a single-entry awareness batch by hand
func newAwarenessBatch(t *testing.T, clientID uint64, state string) []byte {
	t.Helper()
	buf := make([]byte, 0, 24+len(state))
	buf = append(buf, 0, 0, 0, 1) // one entry
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(clientID>>shift))
	}
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 1) // clock 1
	buf = append(buf, byte(0), byte(0), byte(0), byte(len(state)))
	return append(buf, state...)
}
