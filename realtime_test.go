package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// pushServer is a chat push endpoint that records inbound frames.
type pushServer struct {
	*httptest.Server

	mu     sync.Mutex
	frames []map[string]interface{}
	conns  []*websocket.Conn
	closed int
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, c)
		ps.mu.Unlock()

		for {
			var frame map[string]interface{}
			if err := wsjson.Read(context.Background(), c, &frame); err != nil {
				ps.mu.Lock()
				ps.closed++
				ps.mu.Unlock()
				return
			}
			ps.mu.Lock()
			ps.frames = append(ps.frames, frame)
			ps.mu.Unlock()
		}
	})
	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Server.Close)
	return ps
}

func (ps *pushServer) framesOfType(typ string) []map[string]interface{} {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range ps.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (ps *pushServer) connCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

func (ps *pushServer) closedCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.closed
}

func (ps *pushServer) conn(i int) *websocket.Conn {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.conns[i]
}

func (ps *pushServer) push(t *testing.T, i int, frame string) {
	t.Helper()
	require.NoError(t, ps.conn(i).Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func newPushSession(t *testing.T, ps *pushServer, token string, config RealtimeConfig) *Session {
	t.Helper()
	s := NewSession(NewClient(WithBaseURL(ps.URL), WithToken(token)), WithRealtimeConfig(config))
	t.Cleanup(s.Disconnect)
	return s
}

func TestConnectQueriesPresence(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{})
	s.SetCurrentUser(1)
	s.Store().Dispatch(ChatsLoaded{Page: 1, Result: ChatsPage{
		Chats: []Chat{testChat(1, 2), testChat(2, 1)},
		Limit: 20,
	}})

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateOpen, s.Connection().State())

	require.Eventually(t, func() bool { return len(ps.framesOfType("get_user_status")) == 2 }, waitFor, tick)
	frames := ps.framesOfType("get_user_status")
	assert.Equal(t, map[string]interface{}{"user_id": float64(1001)}, frames[0]["payload"])
	assert.Equal(t, map[string]interface{}{"user_id": float64(1002)}, frames[1]["payload"])
}

func TestHeartbeat(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{HeartbeatInterval: 20 * time.Millisecond})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(ps.framesOfType("ping")) >= 2 }, waitFor, tick)

	ping := ps.framesOfType("ping")[0]
	_, hasPayload := ping["payload"]
	assert.False(t, hasPayload)
}

func TestInboundFramesReachStore(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{})
	s.SetCurrentUser(1)
	s.Store().Dispatch(ChatsLoaded{Page: 1, Result: ChatsPage{Chats: []Chat{testChat(1, 0)}, Limit: 20}})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)

	ps.push(t, 0, `{"type":"new_message","payload":{"id":10,"chat_id":1,"sender_id":2,"content":"hi","created_at":"2024-05-01T13:00:00Z"}}`)
	ps.push(t, 0, `{"type":"new_message","payload":{"id":10,"chat_id":1,"sender_id":2,"content":"hi","created_at":"2024-05-01T13:00:00Z"}}`)
	ps.push(t, 0, `garbage`)
	ps.push(t, 0, `{"type":"something_new"}`)
	ps.push(t, 0, `{"type":"user_typing","payload":{"chat_id":1,"user_id":2,"is_typing":true}}`)
	ps.push(t, 0, `{"type":"user_online","payload":{"user_id":2}}`)

	require.Eventually(t, func() bool { return s.Store().IsOnline(2) }, waitFor, tick)
	assert.Len(t, s.Store().Messages(1), 1)
	assert.Equal(t, 1, s.Store().TotalUnread())
	assert.Equal(t, []int64{2}, s.Store().TypingUsers(1))
	assert.Equal(t, StateOpen, s.Connection().State(), "protocol errors do not drop the connection")
}

func TestCloseIsIdempotent(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, StateClosed, s.Connection().State())
	require.Eventually(t, func() bool { return ps.closedCount() == 1 }, waitFor, tick)

	assert.ErrorIs(t, s.SendTyping(context.Background(), 1, true), ErrNotConnected)
	assert.ErrorIs(t, s.Connection().QueryPresence(context.Background(), 2), ErrNotConnected)
}

func TestOpenReplacesConnection(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool { return ps.connCount() == 2 && ps.closedCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateOpen, s.Connection().State())
}

func TestDroppedConnectionStaysClosed(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{ReconnectBaseDelay: 10 * time.Millisecond})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)

	ps.conn(0).CloseNow()

	require.Eventually(t, func() bool { return s.Connection().State() == StateClosed }, waitFor, tick)
	assert.Never(t, func() bool { return ps.connCount() > 1 }, 200*time.Millisecond, tick)
}

func TestAutoReconnect(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)

	ps.conn(0).CloseNow()

	require.Eventually(t, func() bool {
		return ps.connCount() == 2 && s.Connection().State() == StateOpen
	}, waitFor, tick)
}

func TestSendTyping(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{TypingInterval: time.Hour})
	ctx := context.Background()

	assert.ErrorIs(t, s.SendTyping(ctx, 1, true), ErrNotConnected)

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SendTyping(ctx, 1, true))
	require.NoError(t, s.SendTyping(ctx, 1, true))
	require.NoError(t, s.SendTyping(ctx, 1, false))

	require.Eventually(t, func() bool { return len(ps.framesOfType("typing")) == 2 }, waitFor, tick)
	frames := ps.framesOfType("typing")
	assert.Equal(t, map[string]interface{}{"chat_id": float64(1), "is_typing": true}, frames[0]["payload"])
	assert.Equal(t, map[string]interface{}{"chat_id": float64(1), "is_typing": false}, frames[1]["payload"])
}

func TestOpenRejected(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, "wrong-token", RealtimeConfig{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.Connection().State())
	assert.Zero(t, ps.connCount())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	for i, base := range []time.Duration{100, 200, 400, 800} {
		d := r.nextDelay()
		base *= time.Millisecond
		assert.GreaterOrEqual(t, d, base, "attempt %d", i)
		assert.LessOrEqual(t, d, base+50*time.Millisecond, "attempt %d", i)
	}
	assert.Equal(t, time.Second, r.nextDelay())
	assert.False(t, r.shouldReconnect())

	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestRealtimeConfigDefaults(t *testing.T) {
	var c RealtimeConfig
	c.defaults()
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.False(t, c.AutoReconnect)
	assert.Equal(t, 10, c.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, c.TypingInterval)
	assert.NotNil(t, c.HTTPClient)
}

func TestDisconnectDuringBackoff(t *testing.T) {
	ps := newPushServer(t)
	s := newPushSession(t, ps, testToken, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 200 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
	})

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)

	ps.conn(0).CloseNow()
	require.Eventually(t, func() bool { return s.Connection().State() == StateReconnecting }, waitFor, tick)

	s.Disconnect()
	assert.Equal(t, StateClosed, s.Connection().State())
	assert.Never(t, func() bool { return ps.connCount() > 1 }, 600*time.Millisecond, tick)
	assert.Equal(t, StateClosed, s.Connection().State())
}

func TestOnDisconnected(t *testing.T) {
	t.Run("drop without reconnect", func(t *testing.T) {
		ps := newPushServer(t)
		s := newPushSession(t, ps, testToken, RealtimeConfig{})
		lost := make(chan error, 1)
		s.Connection().OnDisconnected(func(err error) { lost <- err })

		require.NoError(t, s.Connect(context.Background()))
		require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)
		ps.conn(0).CloseNow()

		select {
		case err := <-lost:
			assert.Error(t, err)
		case <-time.After(waitFor):
			t.Fatal("disconnect handler not called")
		}
	})

	t.Run("explicit close", func(t *testing.T) {
		ps := newPushServer(t)
		s := newPushSession(t, ps, testToken, RealtimeConfig{})
		var calls int32
		s.Connection().OnDisconnected(func(error) { atomic.AddInt32(&calls, 1) })

		require.NoError(t, s.Connect(context.Background()))
		require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)
		s.Disconnect()
		require.Eventually(t, func() bool { return ps.closedCount() == 1 }, waitFor, tick)

		assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 100*time.Millisecond, tick)
	})

	t.Run("reconnect gives up", func(t *testing.T) {
		ps := newPushServer(t)
		s := newPushSession(t, ps, testToken, RealtimeConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: 1,
			ReconnectBaseDelay:   10 * time.Millisecond,
			ReconnectMaxDelay:    50 * time.Millisecond,
		})
		lost := make(chan error, 1)
		s.Connection().OnDisconnected(func(err error) { lost <- err })

		require.NoError(t, s.Connect(context.Background()))
		require.Eventually(t, func() bool { return ps.connCount() == 1 }, waitFor, tick)
		ps.Server.Close()
		ps.conn(0).CloseNow()

		select {
		case err := <-lost:
			assert.Error(t, err)
		case <-time.After(waitFor):
			t.Fatal("disconnect handler not called")
		}
		assert.Equal(t, StateClosed, s.Connection().State())
	})
}
