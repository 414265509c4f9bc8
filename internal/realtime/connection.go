package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("realtime connection closed")

const writeTimeout = 10 * time.Second

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Sink receives decoded changes. *bus.ChangeDispatcher satisfies it.
type Sink interface {
	Dispatch(c domain.Change)
}

// Config configures a Connection.
type Config struct {
	ProjectURL        string // https://<project>.supabase.co
	APIKey            string
	Tables            []string
	ReconnectDelay    time.Duration // default 5s
	HandshakeTimeout  time.Duration // default 10s
	HeartbeatInterval time.Duration // 0 disables heartbeats
	Sink              Sink
	Dialer            Dialer
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Connection keeps one websocket subscribed to the configured tables and
// reconnects after every drop or failed connect, forever, at a fixed delay.
//
// Frames are read and dispatched on a single goroutine per physical
// connection. Reconnects are scheduled with clock.AfterFunc, so the delay
// never runs on the read path. Close cancels a pending reconnect, and a
// reconnect timer that has already fired sees the closed flag and exits.
type Connection struct {
	url            string
	safeURL        string
	header         http.Header
	tables         []string
	reconnectDelay time.Duration
	handshake      time.Duration
	heartbeat      time.Duration
	sink           Sink
	dialer         Dialer
	clock          clock.Clock
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// refs is shared by joins and heartbeats for the lifetime of the
	// Connection; it is never reset on reconnect.
	refs atomic.Uint64

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	timer    clock.Timer
	started  bool
	closed   bool
	connects int

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewConnection validates cfg and returns an idle Connection.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("realtime: sink is required")
	}
	wsURL, err := BuildURL(cfg.ProjectURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	header := http.Header{}
	header.Set("apikey", cfg.APIKey)
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:            wsURL,
		safeURL:        redactKey(wsURL),
		header:         header,
		tables:         append([]string(nil), cfg.Tables...),
		reconnectDelay: cfg.ReconnectDelay,
		handshake:      cfg.HandshakeTimeout,
		heartbeat:      cfg.HeartbeatInterval,
		sink:           cfg.Sink,
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With("component", "realtime"),
		ctx:            ctx,
		cancel:         cancel,
	}
	metrics.SetRealtimeState(StateDisconnected.String(), AllStates())
	return c, nil
}

// BuildURL derives the Realtime websocket URL from a project URL.
func BuildURL(projectURL, apiKey string) (string, error) {
	if projectURL == "" {
		return "", fmt.Errorf("realtime: project URL is required")
	}
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: parse project URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("realtime: unsupported project URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: project URL has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if key := q.Get("apikey"); len(key) > 8 {
		q.Set("apikey", key[:4]+"****")
	} else if key != "" {
		q.Set("apikey", "***")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Start begins connecting in the background. It returns immediately.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	if len(c.tables) == 0 {
		c.logger.Warn("no realtime tables configured; connection will stay idle once live")
	}
	c.wg.Add(1)
	go c.connectAndServe()
	return nil
}

// Close shuts the connection down, cancels any pending reconnect and waits
// for the background goroutines to exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.logger.Info("realtime connection closed")
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connects returns how many times a websocket handshake has succeeded.
func (c *Connection) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("realtime state", "from", c.state.String(), "to", s.String())
	c.state = s
	metrics.SetRealtimeState(s.String(), AllStates())
}

// connectAndServe runs one connection attempt: dial, join, read until the
// socket drops, then schedule the next attempt.
func (c *Connection) connectAndServe() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(c.ctx, c.handshake)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.logger.Warn("realtime connect failed", "url", c.safeURL, "err", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connects++
	c.setStateLocked(StateSubscribing)
	c.mu.Unlock()
	c.logger.Info("realtime connected", "url", c.safeURL, "tables", c.tables)

	if err := c.subscribe(conn); err != nil {
		c.logger.Warn("realtime subscribe failed", "err", err)
		conn.Close()
	}

	c.mu.Lock()
	if c.state == StateSubscribing {
		c.setStateLocked(StateLive)
	}
	c.mu.Unlock()

	stopHeartbeat := make(chan struct{})
	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(conn, stopHeartbeat)
	}

	c.readLoop(conn)
	close(stopHeartbeat)
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms a one-shot timer for the next attempt unless the
// connection has been closed.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.setStateLocked(StateReconnectPending)
	metrics.RealtimeReconnects.Inc()
	c.logger.Info("realtime reconnect scheduled", "delay", c.reconnectDelay)

	c.timer = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go c.connectAndServe()
	})
}

func (c *Connection) subscribe(conn *websocket.Conn) error {
	for _, table := range c.tables {
		ref := c.refs.Add(1)
		frame, err := EncodeJoin(table, ref)
		if err != nil {
			return fmt.Errorf("encode join %s: %w", table, err)
		}
		if err := c.write(conn, frame); err != nil {
			return fmt.Errorf("join %s: %w", table, err)
		}
		c.logger.Info("realtime join sent", "table", table, "topic", TableTopic(table), "ref", ref)
	}
	return nil
}

func (c *Connection) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-c.clock.After(c.heartbeat):
			frame, err := EncodeHeartbeat(c.refs.Add(1))
			if err != nil {
				return
			}
			if err := c.write(conn, frame); err != nil {
				c.logger.Warn("realtime heartbeat failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		if c.heartbeat > 0 {
			// Two missed heartbeat intervals means the socket is dead.
			conn.SetReadDeadline(time.Now().Add(2*c.heartbeat + c.handshake))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.mu.Unlock()
			if !closing {
				c.logger.Warn("realtime connection dropped", "err", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes one frame and dispatches data changes. Bad frames are
// logged and dropped; they never end the connection.
func (c *Connection) handleFrame(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		metrics.RealtimeDecodeErrors.Inc()
		c.logger.Warn("realtime frame dropped", "err", err)
		return
	}
	metrics.RealtimeFrames.WithLabelValues(eventLabel(env.Event)).Inc()

	switch env.Event {
	case EventReply:
		p, _ := env.DecodePayload()
		c.logger.Debug("realtime ack", "topic", env.Topic, "ref", env.RefString(), "status", p.Status)
	case EventPostgresChanges:
		change, err := env.Change()
		if err != nil {
			metrics.RealtimeDecodeErrors.Inc()
			c.logger.Warn("realtime change dropped", "topic", env.Topic, "err", err)
			return
		}
		change.ReceivedAt = c.clock.Now()
		c.sink.Dispatch(change)
	default:
		c.logger.Debug("realtime event ignored", "event", env.Event, "topic", env.Topic)
	}
}

func eventLabel(event string) string {
	switch event {
	case EventReply, EventPostgresChanges, "phx_error", "phx_close", "presence_state", "presence_diff", "system":
		return event
	default:
		return "other"
	}
}
