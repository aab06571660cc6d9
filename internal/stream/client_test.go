package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/klipdeck/internal/clock"
	"github.com/thruflo/klipdeck/internal/logging"
)

const waitFor = 2 * time.Second
const tickEvery = 5 * time.Millisecond

// fakeConn is a scripted transport handle. Frames pushed with push are read
// in order; closeRemote simulates the server dropping the connection.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	written        [][]byte
	closedByClient bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-f.closed:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closedByClient = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) closeRemote() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- []byte(frame):
	case <-time.After(waitFor):
		t.Fatalf("reader did not take frame %s", frame)
	}
}

func (f *fakeConn) isClosedByClient() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedByClient
}

func (f *fakeConn) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// fakeDialer hands out fakeConns, or fails every dial while fail is set.
// With a gate, each dial blocks until the test sends on it.
type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	gate  chan struct{}
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) handles() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	conns := d.handles()
	require.NotEmpty(t, conns, "no connection was dialed")
	return conns[len(conns)-1]
}

type progressCall struct {
	step     string
	progress int
	message  string
}

type notice struct {
	message string
	details string
}

// recorder is a Reconciler that remembers every transition.
type recorder struct {
	mu        sync.Mutex
	progress  []progressCall
	statuses  map[string]json.RawMessage
	notices   []notice
	connected []bool
}

func newRecorder() *recorder {
	return &recorder{statuses: make(map[string]json.RawMessage)}
}

func (r *recorder) ApplyProgress(step string, progress int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progressCall{step, progress, message})
}

func (r *recorder) ApplyPrinterStatus(printerID string, status json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[printerID] = status
}

func (r *recorder) ApplyErrorNotice(message, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{message, details})
}

func (r *recorder) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, connected)
}

func (r *recorder) progressCalls() []progressCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progressCall(nil), r.progress...)
}

func (r *recorder) status(id string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[id]
	return s, ok
}

func (r *recorder) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func (r *recorder) noticeList() []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notice(nil), r.notices...)
}

func (r *recorder) connectedCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connected...)
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(log.New(io.Discard, "", 0))
	return l
}

func newTestClient(t *testing.T, d Dialer, clk clock.Clock, rec *recorder, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithDialer(d),
		WithClock(clk),
		WithLogger(quietLogger()),
	}, opts...)
	c, err := NewClient("http://printer.local", rec, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newFakeClock() *clock.FakeClock {
	return clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func requireState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tickEvery,
		"expected state %s, got %s", want, c.State())
}

func openClient(t *testing.T) (*Client, *fakeDialer, *clock.FakeClock, *recorder) {
	t.Helper()
	d := &fakeDialer{}
	clk := newFakeClock()
	rec := newRecorder()
	c := newTestClient(t, d, clk, rec)
	require.NoError(t, c.Connect())
	requireState(t, c, StateOpen)
	return c, d, clk, rec
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("creates idle client with defaults", func(t *testing.T) {
		t.Parallel()

		c, err := NewClient("http://printer.local:8080", newRecorder(), WithLogger(quietLogger()))
		require.NoError(t, err)
		defer c.Close()

		_, err = uuid.Parse(c.ClientID())
		require.NoError(t, err, "client id should be a UUID")
		assert.Equal(t, "ws://printer.local:8080/ws/"+c.ClientID(), c.URL())
		assert.Equal(t, StateIdle, c.State())
		assert.False(t, c.Connected())
		assert.Equal(t, 0, c.Attempts())
		assert.Equal(t, 5, c.MaxAttempts())
		assert.Equal(t, DefaultPingInterval, c.pingInterval)
	})

	t.Run("selects wss for a secure origin", func(t *testing.T) {
		t.Parallel()

		c, err := NewClient("https://printer.local", newRecorder(), WithLogger(quietLogger()))
		require.NoError(t, err)
		defer c.Close()

		assert.Equal(t, "wss://printer.local/ws/"+c.ClientID(), c.URL())
	})

	t.Run("client ids are unique per instance", func(t *testing.T) {
		t.Parallel()

		a, err := NewClient("http://printer.local", newRecorder(), WithLogger(quietLogger()))
		require.NoError(t, err)
		defer a.Close()
		b, err := NewClient("http://printer.local", newRecorder(), WithLogger(quietLogger()))
		require.NoError(t, err)
		defer b.Close()

		assert.NotEqual(t, a.ClientID(), b.ClientID())
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			origin string
			store  Reconciler
			opts   []ClientOption
		}{
			{"nil store", "http://printer.local", nil, nil},
			{"bad scheme", "ftp://printer.local", newRecorder(), nil},
			{"no host", "http://", newRecorder(), nil},
			{"zero base delay", "http://printer.local", newRecorder(), []ClientOption{WithBackoff(0, time.Second)}},
			{"max below base", "http://printer.local", newRecorder(), []ClientOption{WithBackoff(time.Second, time.Millisecond)}},
			{"zero ping interval", "http://printer.local", newRecorder(), []ClientOption{WithPingInterval(0)}},
			{"negative attempts", "http://printer.local", newRecorder(), []ClientOption{WithMaxReconnectAttempts(-1)}},
			{"nil dialer", "http://printer.local", newRecorder(), []ClientOption{WithDialer(nil)}},
		}

		for _, tt := range tests {
			_, err := NewClient(tt.origin, tt.store, tt.opts...)
			assert.Error(t, err, tt.name)
		}
	})
}

func TestClientConnect(t *testing.T) {
	t.Parallel()

	t.Run("opens and reports liveness", func(t *testing.T) {
		t.Parallel()

		c, d, _, rec := openClient(t)

		assert.True(t, c.Connected())
		assert.Equal(t, []bool{true}, rec.connectedCalls())
		assert.Equal(t, []string{c.URL()}, d.dialedURLs())
	})

	t.Run("second connect before open leaves exactly one live handle", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{gate: make(chan struct{})}
		rec := newRecorder()
		c := newTestClient(t, d, newFakeClock(), rec)

		require.NoError(t, c.Connect())
		require.NoError(t, c.Connect())
		require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tickEvery)

		d.gate <- struct{}{}
		d.gate <- struct{}{}

		requireState(t, c, StateOpen)
		require.Eventually(t, func() bool {
			conns := d.handles()
			if len(conns) != 2 {
				return false
			}
			return conns[0].isClosedByClient() != conns[1].isClosedByClient()
		}, waitFor, tickEvery, "one handle should be closed and one live")
		assert.Equal(t, []bool{true}, rec.connectedCalls())
	})

	t.Run("connect while open replaces the handle", func(t *testing.T) {
		t.Parallel()

		c, d, _, rec := openClient(t)
		first := d.lastConn(t)

		require.NoError(t, c.Connect())
		assert.True(t, first.isClosedByClient())
		require.Eventually(t, func() bool { return d.dials() == 2 && c.Connected() }, waitFor, tickEvery)
		assert.False(t, d.lastConn(t).isClosedByClient())
		assert.Equal(t, []bool{true, false, true}, rec.connectedCalls())
	})

	t.Run("client id is reused across reconnects", func(t *testing.T) {
		t.Parallel()

		c, d, clk, _ := openClient(t)
		d.lastConn(t).closeRemote()
		requireState(t, c, StateReconnecting)
		clk.WaitForTimers(1)
		clk.Advance(2 * time.Second)
		requireState(t, c, StateOpen)

		urls := d.dialedURLs()
		require.Len(t, urls, 2)
		assert.Equal(t, urls[0], urls[1])
		assert.Contains(t, urls[0], "/ws/"+c.ClientID())
	})
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()

	t.Run("clean close schedules a reconnect and reopens", func(t *testing.T) {
		t.Parallel()

		c, d, clk, rec := openClient(t)
		d.lastConn(t).closeRemote()

		requireState(t, c, StateReconnecting)
		assert.Equal(t, 1, c.Attempts())
		assert.Equal(t, []bool{true, false}, rec.connectedCalls())

		clk.WaitForTimers(1)
		clk.Advance(2*time.Second - time.Millisecond)
		assert.Equal(t, 1, d.dials())

		clk.Advance(time.Millisecond)
		requireState(t, c, StateOpen)
		assert.Equal(t, 2, d.dials())
		assert.Equal(t, 0, c.Attempts(), "open resets the attempt count")
		assert.Equal(t, []bool{true, false, true}, rec.connectedCalls())
		assert.Empty(t, rec.noticeList(), "transport loss is not an error notice")
	})

	t.Run("backoff doubles and caps at thirty seconds", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{fail: true}
		clk := newFakeClock()
		rec := newRecorder()
		c := newTestClient(t, d, clk, rec)
		require.NoError(t, c.Connect())

		expected := []time.Duration{
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
		}
		for i, delay := range expected {
			clk.WaitForTimers(1)
			assert.Equal(t, i+1, d.dials())
			assert.Equal(t, i+1, c.Attempts())

			clk.Advance(delay - time.Millisecond)
			assert.Equal(t, i+1, d.dials(), "attempt %d fired before %s", i+1, delay)

			clk.Advance(time.Millisecond)
			require.Eventually(t, func() bool { return d.dials() == i+2 }, waitFor, tickEvery,
				"attempt %d did not fire at %s", i+1, delay)
		}

		requireState(t, c, StateGaveUp)
		assert.Equal(t, 0, clk.PendingCount(), "no timer after giving up")

		notices := rec.noticeList()
		require.Len(t, notices, 1)
		assert.Equal(t, GiveUpMessage, notices[0].message)
		assert.Contains(t, notices[0].details, "5")

		clk.Advance(time.Hour)
		assert.Equal(t, 6, d.dials())
		assert.Len(t, rec.noticeList(), 1)
	})

	t.Run("connect after giving up restores the budget", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{fail: true}
		clk := newFakeClock()
		c := newTestClient(t, d, clk, newRecorder(), WithMaxReconnectAttempts(1))
		require.NoError(t, c.Connect())

		clk.WaitForTimers(1)
		clk.Advance(2 * time.Second)
		requireState(t, c, StateGaveUp)

		d.setFail(false)
		require.NoError(t, c.Connect())
		requireState(t, c, StateOpen)
		assert.Equal(t, 0, c.Attempts())
	})

	t.Run("zero attempts gives up on the first loss", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{fail: true}
		clk := newFakeClock()
		rec := newRecorder()
		c := newTestClient(t, d, clk, rec, WithMaxReconnectAttempts(0))
		require.NoError(t, c.Connect())

		requireState(t, c, StateGaveUp)
		assert.Len(t, rec.noticeList(), 1)
		assert.Equal(t, 0, clk.PendingCount())
	})
}

func TestClientDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("cancels a pending reconnect", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{fail: true}
		clk := newFakeClock()
		c := newTestClient(t, d, clk, newRecorder())
		require.NoError(t, c.Connect())

		clk.WaitForTimers(1)
		require.NoError(t, c.Disconnect())

		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 0, clk.PendingCount())

		clk.Advance(time.Minute)
		assert.Equal(t, 1, d.dials())
		assert.Equal(t, StateIdle, c.State())
	})

	t.Run("closes the handle without reconnecting", func(t *testing.T) {
		t.Parallel()

		c, d, clk, rec := openClient(t)
		conn := d.lastConn(t)

		require.NoError(t, c.Disconnect())

		assert.True(t, conn.isClosedByClient())
		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 0, clk.PendingCount(), "keepalive and reconnect timers are cancelled")
		assert.Never(t, func() bool { return c.State() != StateIdle }, 100*time.Millisecond, tickEvery,
			"late close from the abandoned handle must not trigger reconnection")
		assert.Equal(t, 1, d.dials())
		assert.Equal(t, []bool{true, false}, rec.connectedCalls())
	})

	t.Run("is valid while idle", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t, &fakeDialer{}, newFakeClock(), newRecorder())
		require.NoError(t, c.Disconnect())
		assert.Equal(t, StateIdle, c.State())
	})
}

func TestClientKeepalive(t *testing.T) {
	t.Parallel()

	c, d, clk, rec := openClient(t)
	conn := d.lastConn(t)

	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, waitFor, tickEvery)

	ping, err := UnmarshalEnvelope(conn.writes()[0])
	require.NoError(t, err)
	assert.Equal(t, MessageTypePing, ping.Type)
	assert.Equal(t, clk.Now().UnixMilli(), ping.Timestamp)

	conn.push(t, `{"type":"pong","data":{"timestamp":1}}`)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(conn.writes()) == 2 }, waitFor, tickEvery)

	assert.True(t, c.Connected())
	assert.Empty(t, rec.progressCalls())
	assert.Empty(t, rec.noticeList())
}

func TestClientSend(t *testing.T) {
	t.Parallel()

	t.Run("drops silently while not open", func(t *testing.T) {
		t.Parallel()

		d := &fakeDialer{}
		c := newTestClient(t, d, newFakeClock(), newRecorder())

		assert.False(t, c.Send(NewPing(time.Now())))
		assert.False(t, c.Send(nil))
		assert.Equal(t, 0, d.dials())
	})

	t.Run("drops while reconnecting", func(t *testing.T) {
		t.Parallel()

		c, d, _, _ := openClient(t)
		conn := d.lastConn(t)
		conn.closeRemote()
		requireState(t, c, StateReconnecting)

		assert.False(t, c.Send(NewPing(time.Now())))
		assert.Empty(t, conn.writes())
	})

	t.Run("writes while open", func(t *testing.T) {
		t.Parallel()

		c, d, _, _ := openClient(t)
		env := MustNewEnvelope(MessageType("subscribe"), map[string]string{"printer_id": "voron"})

		assert.True(t, c.Send(env))

		writes := d.lastConn(t).writes()
		require.Len(t, writes, 1)
		assert.JSONEq(t, `{"type":"subscribe","data":{"printer_id":"voron"}}`, string(writes[0]))
	})
}

func TestClientDispatch(t *testing.T) {
	t.Parallel()

	t.Run("routes envelopes in arrival order", func(t *testing.T) {
		t.Parallel()

		_, d, _, rec := openClient(t)
		conn := d.lastConn(t)

		conn.push(t, `{"type":"installation_progress","data":{"step":"flash","progress":40,"message":"x"}}`)
		conn.push(t, `{"type":"installation_progress","data":{"step":"flash","progress":10,"message":"restart"}}`)
		conn.push(t, `{"type":"printer_status","data":{"printer_id":"voron","status":{"state":"printing"}}}`)
		conn.push(t, `{"type":"printer_status","data":{"printer_id":"voron","status":{"state":"ready"}}}`)
		conn.push(t, `{"type":"printer_status","data":{"printer_id":"ender","status":{"state":"offline"}}}`)
		conn.push(t, `{"type":"error","data":{"message":"install failed","details":"exit 1"}}`)

		require.Eventually(t, func() bool { return len(rec.noticeList()) == 1 }, waitFor, tickEvery)

		assert.Equal(t, []progressCall{
			{"flash", 40, "x"},
			{"flash", 10, "restart"},
		}, rec.progressCalls())

		voron, ok := rec.status("voron")
		require.True(t, ok)
		assert.JSONEq(t, `{"state":"ready"}`, string(voron))
		assert.Equal(t, 2, rec.statusCount())

		assert.Equal(t, notice{"install failed", "exit 1"}, rec.noticeList()[0])
	})

	t.Run("rounds fractional progress and tolerates null details", func(t *testing.T) {
		t.Parallel()

		_, d, _, rec := openClient(t)
		conn := d.lastConn(t)

		conn.push(t, `{"type":"installation_progress","data":{"step":"clone_klipper","progress":62.5,"message":null}}`)
		conn.push(t, `{"type":"error","data":{"message":"boom","details":null}}`)

		require.Eventually(t, func() bool { return len(rec.noticeList()) == 1 }, waitFor, tickEvery)
		assert.Equal(t, []progressCall{{"clone_klipper", 63, ""}}, rec.progressCalls())
		assert.Equal(t, notice{"boom", ""}, rec.noticeList()[0])
	})

	t.Run("keeps error notices with structured details", func(t *testing.T) {
		t.Parallel()

		_, d, _, rec := openClient(t)
		conn := d.lastConn(t)

		conn.push(t, `{"type":"error","data":{"message":"install failed","details":{"code":2,"stderr":"x"}}}`)
		conn.push(t, `{"type":"installation_progress","data":{"step":"s","progress":150}}`)
		conn.push(t, `{"type":"installation_progress","data":{"step":"s","progress":1e300}}`)

		require.Eventually(t, func() bool { return len(rec.progressCalls()) == 2 }, waitFor, tickEvery)
		require.Len(t, rec.noticeList(), 1)
		assert.Equal(t, notice{"install failed", `{"code":2,"stderr":"x"}`}, rec.noticeList()[0])
		assert.Equal(t, []progressCall{{"s", 100, ""}, {"s", 100, ""}}, rec.progressCalls())
	})

	t.Run("malformed frames leave state unchanged", func(t *testing.T) {
		t.Parallel()

		c, d, _, rec := openClient(t)
		conn := d.lastConn(t)

		for _, frame := range []string{
			`not json`,
			`[1,2,3]`,
			`"installation_progress"`,
			`{"data":{"step":"x"}}`,
			`{"type":"installation_progress","data":"oops"}`,
			`{"type":"installation_progress"}`,
			`{"type":"printer_status","data":{"status":{"state":"ready"}}}`,
			`{"type":"error"}`,
			`{"type":"error","data":{"message":42}}`,
			`{"type":"connection_established","data":{}}`,
			`{"type":"ping","timestamp":1}`,
		} {
			conn.push(t, frame)
		}
		conn.push(t, `{"type":"printer_status","data":{"printer_id":"sentinel","status":null}}`)

		require.Eventually(t, func() bool {
			_, ok := rec.status("sentinel")
			return ok
		}, waitFor, tickEvery)

		assert.Equal(t, StateOpen, c.State())
		assert.Equal(t, 1, rec.statusCount())
		assert.Empty(t, rec.progressCalls())
		assert.Empty(t, rec.noticeList())
		assert.Equal(t, []bool{true}, rec.connectedCalls())
	})

	t.Run("frames from an abandoned handle are ignored", func(t *testing.T) {
		t.Parallel()

		c, d, _, rec := openClient(t)
		old := d.lastConn(t)

		require.NoError(t, c.Connect())
		require.Eventually(t, func() bool { return d.dials() == 2 && c.Connected() }, waitFor, tickEvery)

		select {
		case old.inbound <- []byte(`{"type":"error","data":{"message":"stale"}}`):
			t.Fatal("abandoned handle still has a reader")
		case <-time.After(50 * time.Millisecond):
		}
		assert.Empty(t, rec.noticeList())
	})
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	c, d, clk, rec := openClient(t)
	conn := d.lastConn(t)

	c.Close()
	c.Close()

	assert.True(t, conn.isClosedByClient())
	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Connect(), ErrClientClosed)
	assert.ErrorIs(t, c.Disconnect(), ErrClientClosed)
	assert.False(t, c.Send(NewPing(clk.Now())))
	assert.Equal(t, []bool{true, false}, rec.connectedCalls())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "gave_up", StateGaveUp.String())
	assert.Equal(t, "state(42)", State(42).String())
}
