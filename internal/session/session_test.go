package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/session/protocol"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/store/memory"
	"github.com/hetu-io/hetu/internal/system"
)

func counterRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name:        "Counter",
		Fields:      []schema.Field{{Name: "v", Kind: schema.KindInt64}},
		Indices:     []schema.Index{{Field: "v", Kind: schema.IndexOrdered}},
		Persistency: schema.Persistent,
		Permission:  schema.Guest,
	}))
	reg.Freeze()
	return reg
}

// startTestServer wires one WebSocket connection through a full
// handshake and hands it to a Session, mirroring how cmd/hetu's server
// would accept a connection.
func startTestServer(t *testing.T, backend store.Backend, reg *schema.Registry, exec *system.Executor) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		conn := NewConn(ws)
		if err := ServerHandshake(conn, "none"); err != nil {
			t.Logf("server handshake failed: %v", err)
			conn.Close(err)
			return
		}
		sess := New("server-session", conn, exec, backend, reg, nil)
		go sess.Run(context.Background())
	})
	return httptest.NewServer(mux)
}

func dialTestClient(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn := NewConn(ws)
	require.NoError(t, ClientHandshake(conn, "none"))
	go conn.WriteLoop()
	return conn
}

func TestSessionHandshakeAndSysCall(t *testing.T) {
	reg := counterRegistry(t)
	backend := memory.New(reg)

	tx, err := backend.Begin(context.Background(), schema.Owner)
	require.NoError(t, err)
	_, err = tx.Insert("Counter", schema.Values{int64(0)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	sysReg := system.NewRegistry()
	require.NoError(t, sysReg.Register(system.Def{
		Name:       "ping",
		Permission: schema.Guest,
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			return "pong", nil
		},
	}))
	exec := system.NewExecutor(system.Config{Backend: backend, Registry: sysReg})

	srv := startTestServer(t, backend, reg, exec)
	defer srv.Close()

	client := dialTestClient(t, srv)
	defer client.Close(nil)

	require.NoError(t, client.SendMessage(protocol.Message{
		Tag:     protocol.TagSys,
		Payload: []any{int64(1), "ping", map[string]any{}},
	}))

	client.ws.SetReadDeadline(timeNowPlus(2 * time.Second))
	rsp, err := client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.TagRsp, rsp.Tag)
	require.Len(t, rsp.Payload, 3)
	assert.Equal(t, int64(1), rsp.Payload[0])
	assert.Equal(t, true, rsp.Payload[1])
	assert.Equal(t, "pong", rsp.Payload[2])
}

func TestSessionSubscriptionSnapshotAndDelta(t *testing.T) {
	reg := counterRegistry(t)
	backend := memory.New(reg)

	tx, err := backend.Begin(context.Background(), schema.Owner)
	require.NoError(t, err)
	id, err := tx.Insert("Counter", schema.Values{int64(0)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	sysReg := system.NewRegistry()
	require.NoError(t, sysReg.Register(system.Def{
		Name:       "bump",
		Permission: schema.Guest,
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			row, _, err := tx.Select("Counter", id)
			if err != nil {
				return nil, err
			}
			v := row.Values[0].(int64)
			return nil, tx.Update("Counter", id, map[string]any{"v": v + 1})
		},
	}))
	exec := system.NewExecutor(system.Config{Backend: backend, Registry: sysReg})

	srv := startTestServer(t, backend, reg, exec)
	defer srv.Close()

	client := dialTestClient(t, srv)
	defer client.Close(nil)

	require.NoError(t, client.SendMessage(protocol.Message{
		Tag:     protocol.TagSub,
		Payload: []any{int64(1), "range", "Counter", "v", map[string]any{"limit": int64(10)}},
	}))

	client.ws.SetReadDeadline(timeNowPlus(2 * time.Second))
	snap, err := client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.TagSnap, snap.Tag)
	assert.Equal(t, int64(1), snap.Payload[0])

	require.NoError(t, client.SendMessage(protocol.Message{
		Tag:     protocol.TagSys,
		Payload: []any{int64(2), "bump", map[string]any{}},
	}))

	client.ws.SetReadDeadline(timeNowPlus(2 * time.Second))
	first, err := client.ReadFrame()
	require.NoError(t, err)

	// The response (rsp) and the subscription delta can arrive in either
	// order since they are produced by independent goroutines; accept
	// either and then read the other.
	var sawRsp, sawDelta bool
	for _, msg := range []protocol.Message{first} {
		if msg.Tag == protocol.TagRsp {
			sawRsp = true
		}
		if msg.Tag == protocol.TagDelta {
			sawDelta = true
		}
	}
	if !sawRsp && !sawDelta {
		t.Fatalf("unexpected first message tag %s", first.Tag)
	}
	client.ws.SetReadDeadline(timeNowPlus(2 * time.Second))
	second, err := client.ReadFrame()
	require.NoError(t, err)
	if second.Tag == protocol.TagRsp {
		sawRsp = true
	}
	if second.Tag == protocol.TagDelta {
		sawDelta = true
	}
	assert.True(t, sawRsp)
	assert.True(t, sawDelta)
}

func timeNowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}
