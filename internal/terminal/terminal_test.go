package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/bridgeclient/internal/ws"
)

// fakeConn is an in-memory ws.Conn for driving the shell protocol.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// frames decodes every write as a generic JSON object.
func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, w := range c.writes {
		var m map[string]any
		if json.Unmarshal(w, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) framesOfType(t string) []map[string]any {
	var out []map[string]any
	for _, f := range c.frames() {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (ws.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func newTestClient(t *testing.T, conn *fakeConn, openURL func(string)) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:         "ws://test.invalid/shell",
		Dialer:      &fakeDialer{conns: []*fakeConn{conn}},
		ProjectPath: "/home/dev/project",
		SessionID:   "sess-7",
		Cols:        80,
		Rows:        24,
		OpenURL:     openURL,
	})
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestScrollbackBounded(t *testing.T) {
	s := NewScrollback(10)
	s.Write([]byte("0123456789"))
	s.Write([]byte("abc"))
	assert.Equal(t, "3456789abc", string(s.Contents()))
}

func TestScrollbackDispose(t *testing.T) {
	s := NewScrollback(0)
	s.Write([]byte("hello"))
	s.Dispose()
	_, err := s.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Empty(t, s.Contents())
}

func TestInitFrameSentOnConnect(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, nil)
	defer c.Close()

	inits := conn.framesOfType("init")
	require.Len(t, inits, 1)
	assert.Equal(t, "/home/dev/project", inits[0]["projectPath"])
	assert.Equal(t, "sess-7", inits[0]["sessionId"])
	assert.Equal(t, float64(80), inits[0]["cols"])
	assert.Equal(t, float64(24), inits[0]["rows"])
}

func TestOutputWrittenVerbatim(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, nil)
	defer c.Close()

	conn.inbound <- []byte(`{"type":"output","data":"$ ls\r\n"}`)
	conn.inbound <- []byte(`{"type":"output","data":"main.go\r\n"}`)

	require.Eventually(t, func() bool {
		return string(c.Term().Contents()) == "$ ls\r\nmain.go\r\n"
	}, time.Second, 5*time.Millisecond)
}

func TestURLOpenControlFrame(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var opened []string
	c := newTestClient(t, conn, func(u string) {
		mu.Lock()
		opened = append(opened, u)
		mu.Unlock()
	})
	defer c.Close()

	conn.inbound <- []byte(`{"type":"url_open","url":"https://example.com/auth"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opened) == 1 && opened[0] == "https://example.com/auth"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Term().Contents(), "url_open must not render as text")
}

func TestResizeSentOnlyOnChange(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, nil)
	defer c.Close()

	c.Resize(80, 24) // unchanged
	assert.Empty(t, conn.framesOfType("resize"))

	c.Resize(120, 40)
	resizes := conn.framesOfType("resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, float64(120), resizes[0]["cols"])
	assert.Equal(t, float64(40), resizes[0]["rows"])
}

func TestSendInput(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, nil)
	defer c.Close()

	require.True(t, c.SendInput("ls\r"))
	inputs := conn.framesOfType("input")
	require.Len(t, inputs, 1)
	assert.Equal(t, "ls\r", inputs[0]["data"])
}

func TestDeadSocketSurfacesManualReconnect(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, conn, nil)

	conn.Close()
	require.Eventually(t, c.NeedsReconnect, time.Second, 5*time.Millisecond)
	assert.False(t, c.Connected())
	assert.False(t, c.SendInput("x"), "input on a dead socket soft-fails")
}

func newTestRegistry(dialer *fakeDialer) *Registry {
	return NewRegistry(func(key string) (*Record, error) {
		term := NewScrollback(0)
		client := NewClient(ClientConfig{
			URL:    "ws://test.invalid/shell",
			Dialer: dialer,
			Cols:   80,
			Rows:   24,
			Term:   term,
		})
		if err := client.Connect(context.Background()); err != nil {
			return nil, err
		}
		return &Record{Term: term, Client: client}, nil
	}, nil)
}

func TestAcquireReusesLiveSession(t *testing.T) {
	conn := newFakeConn()
	reg := newTestRegistry(&fakeDialer{conns: []*fakeConn{conn}})

	rec1, isNew, err := reg.Acquire("proj-X")
	require.NoError(t, err)
	assert.True(t, isNew)

	rec1.Term.Write([]byte("history"))

	// Hide then re-show without evicting.
	reg.Release("proj-X")
	rec2, isNew, err := reg.Acquire("proj-X")
	require.NoError(t, err)

	assert.False(t, isNew, "second acquire must reuse the stored session")
	assert.Same(t, rec1.Term, rec2.Term, "terminal handle must be identical")
	assert.Equal(t, "history", string(rec2.Term.Contents()), "scrollback survives detach")
	assert.True(t, rec2.Client.Connected(), "socket survives detach")
}

func TestReattachWithChangedDimensionsSendsResize(t *testing.T) {
	conn := newFakeConn()
	reg := newTestRegistry(&fakeDialer{conns: []*fakeConn{conn}})

	rec, _, err := reg.Acquire("proj-X")
	require.NoError(t, err)

	reg.Release("proj-X")
	rec, isNew, err := reg.Acquire("proj-X")
	require.NoError(t, err)
	require.False(t, isNew)

	// The new mount is a different size than the last attachment.
	rec.Client.Reattach(100, 30)

	resizes := conn.framesOfType("resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, float64(100), resizes[0]["cols"])
	assert.Equal(t, float64(30), resizes[0]["rows"])
}

func TestResizeWhileDetachedHeldUntilReattach(t *testing.T) {
	conn := newFakeConn()
	reg := newTestRegistry(&fakeDialer{conns: []*fakeConn{conn}})

	rec, _, err := reg.Acquire("proj-X")
	require.NoError(t, err)

	// A resize arriving while the terminal is hidden stays off the wire.
	reg.Release("proj-X")
	rec.Resize(120, 40)
	require.Empty(t, conn.framesOfType("resize"))

	// Reattaching announces the held-back geometry exactly once.
	again, isNew, err := reg.Acquire("proj-X")
	require.NoError(t, err)
	require.False(t, isNew)
	require.Same(t, rec, again)

	resizes := conn.framesOfType("resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, float64(120), resizes[0]["cols"])
	assert.Equal(t, float64(40), resizes[0]["rows"])

	// While attached, Resize goes straight through.
	rec.Resize(80, 24)
	require.Len(t, conn.framesOfType("resize"), 2)
}

func TestEvictDestroysSession(t *testing.T) {
	conn := newFakeConn()
	reg := newTestRegistry(&fakeDialer{conns: []*fakeConn{conn, newFakeConn()}})

	rec, _, err := reg.Acquire("proj-X")
	require.NoError(t, err)

	reg.Evict("proj-X")
	assert.Equal(t, 0, reg.Len())

	_, werr := rec.Term.Write([]byte("x"))
	assert.ErrorIs(t, werr, ErrDisposed)
	require.Eventually(t, func() bool { return !rec.Client.Connected() },
		time.Second, 5*time.Millisecond)

	// A fresh acquire after evict builds a brand new session.
	rec2, isNew, err := reg.Acquire("proj-X")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotSame(t, rec.Term, rec2.Term)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "sess-1", SessionKey("sess-1", "myproj"))
	assert.Equal(t, "project-myproj", SessionKey("", "myproj"))
}
