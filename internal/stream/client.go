package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thruflo/klipdeck/internal/clock"
	"github.com/thruflo/klipdeck/internal/logging"
)

// State is the lifecycle state of the client's connection.
type State int

const (
	// StateIdle means no connection and no pending reconnect.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the transport is live and pings are running.
	StateOpen
	// StateClosed is the brief state between losing the transport and
	// deciding whether to retry.
	StateClosed
	// StateReconnecting means a backoff timer is pending.
	StateReconnecting
	// StateGaveUp means reconnection was exhausted. Only Connect leaves it.
	StateGaveUp
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateClosed:       "closed",
	StateReconnecting: "reconnecting",
	StateGaveUp:       "gave_up",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// GiveUpMessage is the error notice applied when reconnection is exhausted.
const GiveUpMessage = "connection failed"

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("stream client is closed")

// Client keeps one WebSocket connection to the status endpoint alive,
// routing inbound envelopes to a Reconciler.
//
// All connection state is owned by a single loop goroutine. Public methods,
// dial results, inbound frames, timer fires and ticks are all messages to
// that loop, so transitions never interleave. Transport events are tagged
// with the generation of the handle that produced them; once Disconnect or
// Connect has abandoned a handle, its late events are ignored.
type Client struct {
	url      string
	clientID string
	store    Reconciler
	dialer   Dialer
	clock    clock.Clock
	logger   *logging.Logger

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration

	inbox     chan any
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// mu guards state and attempts, which are readable from any goroutine.
	mu       sync.RWMutex
	state    State
	attempts int

	// Loop-owned.
	conn         Conn
	gen          uint64
	cancelDial   context.CancelFunc
	ticker       *clock.Ticker
	reconnect    *clock.Timer
	reconnectSeq uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer sets the transport dialer. Defaults to a WebSocketDialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithClock sets the clock driving backoff and keepalive timers.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithLogger sets the logger. Defaults to the package-level logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBackoff sets the backoff unit and cap.
func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithMaxReconnectAttempts sets how many consecutive reconnects are tried
// before giving up.
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.maxAttempts = attempts
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// NewClientID returns a fresh random client identifier.
func NewClientID() string {
	return uuid.NewString()
}

// NewClient creates a Client for the console at origin (for example
// "https://printer.local"). The client starts idle; call Connect to open
// the channel and Close to release it.
func NewClient(origin string, store Reconciler, opts ...ClientOption) (*Client, error) {
	if store == nil {
		return nil, errors.New("reconciler is required")
	}

	c := &Client{
		clientID:     NewClientID(),
		store:        store,
		dialer:       &WebSocketDialer{},
		clock:        clock.Real(),
		logger:       logging.Default(),
		maxAttempts:  DefaultMaxReconnectAttempts,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	switch {
	case c.dialer == nil:
		return nil, errors.New("dialer is required")
	case c.clock == nil:
		return nil, errors.New("clock is required")
	case c.baseDelay <= 0:
		return nil, fmt.Errorf("backoff base delay must be positive, got %s", c.baseDelay)
	case c.maxDelay < c.baseDelay:
		return nil, fmt.Errorf("backoff max delay %s is below base delay %s", c.maxDelay, c.baseDelay)
	case c.pingInterval <= 0:
		return nil, fmt.Errorf("ping interval must be positive, got %s", c.pingInterval)
	case c.maxAttempts < 0:
		return nil, fmt.Errorf("max reconnect attempts must not be negative, got %d", c.maxAttempts)
	}

	url, err := EndpointURL(origin, c.clientID)
	if err != nil {
		return nil, err
	}
	c.url = url
	if c.logger == nil {
		c.logger = logging.Default()
	}
	c.logger = c.logger.With("client_id", c.clientID)

	c.inbox = make(chan any)
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()

	return c, nil
}

// ClientID returns the identifier sent in the endpoint path. It never
// changes, so the server can follow one install session across reconnects.
func (c *Client) ClientID() string {
	return c.clientID
}

// URL returns the status endpoint.
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the transport is open.
func (c *Client) Connected() bool {
	return c.State() == StateOpen
}

// Attempts returns the number of reconnects made since the last open.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// MaxAttempts returns the reconnect limit.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}

// Connect opens the channel, tearing down any existing handle, pending
// dial or pending reconnect first. It returns once the client is
// connecting; the open itself is reported through the Reconciler. An
// explicit Connect also restores the full reconnect budget.
func (c *Client) Connect() error {
	reply := make(chan struct{})
	if !c.post(connectRequest{reply: reply}) {
		return ErrClientClosed
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Disconnect closes the channel and cancels the keepalive and any pending
// reconnect. Once it returns, nothing from the abandoned handle reaches
// the Reconciler.
func (c *Client) Disconnect() error {
	reply := make(chan struct{})
	if !c.post(disconnectRequest{reply: reply}) {
		return ErrClientClosed
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Send transmits env if the channel is open and reports whether it was
// written. While not open the envelope is dropped; nothing is queued.
func (c *Client) Send(env *Envelope) bool {
	if env == nil {
		return false
	}
	reply := make(chan bool, 1)
	if !c.post(sendRequest{env: env, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-c.done:
		return false
	}
}

// Close disconnects and stops the client loop. It is safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

// Loop messages.
type (
	connectRequest    struct{ reply chan struct{} }
	disconnectRequest struct{ reply chan struct{} }
	sendRequest       struct {
		env   *Envelope
		reply chan bool
	}
	dialResult struct {
		gen  uint64
		conn Conn
		err  error
	}
	frameReceived struct {
		gen  uint64
		data []byte
	}
	connLost struct {
		gen uint64
		err error
	}
	reconnectDue struct{ seq uint64 }
)

func (c *Client) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) run() {
	defer close(c.done)

	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C
		}

		select {
		case <-c.quit:
			c.teardown()
			c.setState(StateIdle)
			return
		case msg := <-c.inbox:
			c.handle(msg)
		case now := <-tick:
			c.ping(now)
		}
	}
}

func (c *Client) handle(msg any) {
	switch m := msg.(type) {
	case connectRequest:
		c.setAttempts(0)
		c.connect()
		close(m.reply)
	case disconnectRequest:
		c.teardown()
		c.setState(StateIdle)
		c.logger.Info("disconnected")
		close(m.reply)
	case sendRequest:
		m.reply <- c.send(m.env)
	case dialResult:
		c.handleDial(m)
	case frameReceived:
		if m.gen == c.gen && c.State() == StateOpen {
			c.dispatch(m.data)
		}
	case connLost:
		if m.gen == c.gen && c.State() == StateOpen {
			c.logger.Warn("connection lost", "error", m.err)
			c.closeConn()
			c.handleLoss()
		}
	case reconnectDue:
		if m.seq == c.reconnectSeq && c.reconnect != nil && c.State() == StateReconnecting {
			c.reconnect = nil
			c.logger.Info("attempting reconnect", "attempt", c.Attempts(), "max_attempts", c.maxAttempts)
			c.connect()
		}
	}
}

// connect enforces the single-live-handle invariant by tearing down before
// dialing.
func (c *Client) connect() {
	c.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setState(StateConnecting)
	c.logger.Debug("dialing", "url", c.url)

	go c.dial(ctx, c.gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	conn, err := c.dialer.Dial(ctx, c.url)
	if !c.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
		conn.Close()
	}
}

func (c *Client) handleDial(m dialResult) {
	if m.gen != c.gen || c.State() != StateConnecting {
		if m.conn != nil {
			m.conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if m.err != nil {
		c.logger.Warn("dial failed", "error", m.err)
		c.handleLoss()
		return
	}

	c.conn = m.conn
	c.setAttempts(0)
	c.setState(StateOpen)
	c.ticker = c.clock.NewTicker(c.pingInterval)
	c.store.SetConnected(true)
	c.logger.Info("connected", "url", c.url)

	go c.read(c.gen, m.conn)
}

func (c *Client) read(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.post(connLost{gen: gen, err: err})
			return
		}
		if !c.post(frameReceived{gen: gen, data: data}) {
			return
		}
	}
}

// handleLoss runs after a failed dial or a lost transport. Clean and
// abnormal closes are treated the same.
func (c *Client) handleLoss() {
	c.stopTicker()
	c.setState(StateClosed)
	c.store.SetConnected(false)

	attempts := c.Attempts()
	if attempts >= c.maxAttempts {
		c.setState(StateGaveUp)
		c.logger.Error("giving up on reconnection", "attempts", attempts)
		c.store.ApplyErrorNotice(GiveUpMessage,
			fmt.Sprintf("gave up after %d reconnection attempts", attempts))
		return
	}

	attempts++
	c.setAttempts(attempts)
	delay := BackoffDelay(attempts, c.baseDelay, c.maxDelay)

	c.reconnectSeq++
	seq := c.reconnectSeq
	c.setState(StateReconnecting)
	c.logger.Info("scheduling reconnect", "attempt", attempts, "max_attempts", c.maxAttempts, "delay", delay)
	c.reconnect = c.clock.AfterFunc(delay, func() {
		c.post(reconnectDue{seq: seq})
	})
}

// teardown abandons the current handle, dial, ticker and reconnect timer.
// Bumping the generation makes every in-flight event from them stale.
func (c *Client) teardown() {
	wasOpen := c.State() == StateOpen

	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.stopTicker()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.reconnectSeq++
	c.closeConn()

	if wasOpen {
		c.store.SetConnected(false)
	}
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close failed", "error", err)
	}
	c.conn = nil
}

func (c *Client) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Client) send(env *Envelope) bool {
	if c.State() != StateOpen || c.conn == nil {
		c.logger.Debug("dropping outbound envelope", "type", env.Type, "state", c.State())
		return false
	}
	data, err := env.Marshal()
	if err != nil {
		c.logger.Warn("failed to marshal outbound envelope", "type", env.Type, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(data); err != nil {
		c.logger.Warn("write failed", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (c *Client) ping(now time.Time) {
	if c.send(NewPing(now)) {
		c.logger.Debug("ping sent")
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) setAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = n
}
