// Package streaming implements the push channel of the trading gateway:
// a Lightstreamer-style CRLF key=value protocol carried over WebSocket.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ig "github.com/evanmca/ig-adapter/adapter"
)

const (
	wsSubprotocol = "js.lightstreamer.com"
	wsOrigin      = "https://labs.ig.com"

	writeTimeout = 10 * time.Second
)

// errRebind marks a LOOP answer during the handshake; the same candidate
// is retried with backoff.
var errRebind = errors.New("server requested rebind")

// Config tunes the streaming client. Zero values fall back to defaults.
type Config struct {
	// Endpoints are dialed in order after the session-advertised one.
	Endpoints []string
	// AdapterSet is DEMO or PROD.
	AdapterSet string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// RebindAttempts bounds LOOP retries per endpoint.
	RebindAttempts int
	// BufferSize sizes the consumer channels and the outbound queue.
	BufferSize int
}

func (c *Config) withDefaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{
			"wss://apd.marketdatasystems.com/lightstreamer",
			"wss://apd145f.marketdatasystems.com/lightstreamer",
			"wss://push.lightstreamer.com/lightstreamer",
		}
	}
	if c.AdapterSet == "" {
		c.AdapterSet = "DEMO"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RebindAttempts <= 0 {
		c.RebindAttempts = 3
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
}

// ConfigFrom derives a streaming Config from the adapter configuration.
func ConfigFrom(cfg *ig.Config) Config {
	adapterSet := "PROD"
	if cfg.IsDemo() {
		adapterSet = "DEMO"
	}
	return Config{
		Endpoints:         cfg.Streaming.Endpoints,
		AdapterSet:        adapterSet,
		HandshakeTimeout:  cfg.Streaming.HandshakeTimeout,
		HeartbeatInterval: cfg.Streaming.HeartbeatInterval,
		RebindAttempts:    cfg.Streaming.RebindAttempts,
		BufferSize:        cfg.Streaming.BufferSize,
	}
}

// Client manages one streaming connection: endpoint selection, the
// text-protocol handshake, the reader/writer/heartbeat goroutines and
// the subscription registry.
//
// Ownership is strict: the reader goroutine is the only receiver on the
// socket and the writer goroutine is the only sender; everything else
// talks to the writer through the bounded outbound queue.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	clientID string
	registry *registry

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	outbound chan string
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewClient builds a streaming client. Connect must be called before any
// subscription.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("stream"),
		clientID: newClientID(),
		registry: newRegistry(),
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns a snapshot of the active subscriptions.
func (c *Client) Subscriptions() []Subscription {
	return c.registry.all()
}

// Connect walks the endpoint candidates in order until one accepts the
// session handshake. Connecting while already established is a no-op.
// Existing subscriptions are replayed onto the new connection.
func (c *Client) Connect(ctx context.Context, session *ig.Session) error {
	if session == nil || session.Token.IsZero() {
		return streamErr(ErrNotConnected, errors.New("session has no streaming token"))
	}

	c.mu.Lock()
	switch c.state {
	case StateEstablished:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateAwaitingHandshake:
		c.mu.Unlock()
		return streamErr(ErrConnectFailed, errors.New("connect already in progress"))
	}
	reconnect := c.registry.len() > 0
	c.state = StateConnecting
	c.mu.Unlock()

	for _, ep := range c.candidates(session) {
		conn, err := c.attach(ctx, ep, session)
		if err != nil {
			incConnect("failed")
			c.logger.Warn("endpoint failed",
				zap.String("endpoint", ep.URL),
				zap.Error(err))
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return streamErr(ErrConnectFailed, ctx.Err())
			}
			continue
		}

		c.startConnection(conn)
		incConnect("established")
		c.logger.Info("streaming session established",
			zap.String("endpoint", ep.URL),
			zap.String("adapter_set", ep.AdapterSet))
		if reconnect {
			c.resubscribeAll()
		}
		return nil
	}

	c.setState(StateDisconnected)
	return &StreamError{Kind: ErrAllEndpointsFailed}
}

// candidates puts the session-advertised endpoint first, then the
// configured defaults, deduplicated.
func (c *Client) candidates(session *ig.Session) []Endpoint {
	urls := make([]string, 0, len(c.cfg.Endpoints)+1)
	if ep := normalizeEndpoint(session.LightstreamerEndpoint); ep != "" {
		urls = append(urls, ep)
	}
	urls = append(urls, c.cfg.Endpoints...)

	seen := make(map[string]bool, len(urls))
	out := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, Endpoint{URL: u, AdapterSet: c.cfg.AdapterSet})
	}
	return out
}

// normalizeEndpoint turns a REST-advertised endpoint into a dialable
// WebSocket URL with the /lightstreamer path.
func normalizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.Replace(raw, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	raw = strings.TrimSuffix(raw, "/")
	if !strings.HasSuffix(raw, "/lightstreamer") {
		raw += "/lightstreamer"
	}
	return raw
}

// attach dials one candidate and runs the handshake, retrying LOOP
// answers with exponential backoff up to the configured bound.
func (c *Client) attach(ctx context.Context, ep Endpoint, session *ig.Session) (*websocket.Conn, error) {
	var conn *websocket.Conn
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.RebindAttempts)), ctx)

	err := backoff.Retry(func() error {
		ws, err := c.dialAndHandshake(ctx, ep, session)
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) dialAndHandshake(ctx context.Context, ep Endpoint, session *ig.Session) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{wsSubprotocol},
	}
	header := http.Header{"Origin": []string{wsOrigin}}

	ws, _, err := dialer.DialContext(ctx, ep.URL, header)
	if err != nil {
		return nil, backoff.Permanent(&StreamError{Kind: ErrConnectFailed, Endpoint: ep.URL, Err: err})
	}

	c.setState(StateAwaitingHandshake)
	create := sessionCreateFrame(c.clientID, ep.AdapterSet, session.AccountID, session.StreamPassword())

	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(create)); err != nil {
		ws.Close()
		return nil, backoff.Permanent(&StreamError{Kind: ErrConnectFailed, Endpoint: ep.URL, Err: err})
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, answer, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, backoff.Permanent(&StreamError{Kind: ErrConnectFailed, Endpoint: ep.URL, Err: err})
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch classifyHandshake(string(answer)) {
	case handshakeAccepted:
		return ws, nil
	case handshakeRebind:
		ws.Close()
		c.logger.Debug("rebind requested", zap.String("endpoint", ep.URL))
		return nil, errRebind
	default:
		ws.Close()
		return nil, backoff.Permanent(&StreamError{
			Kind:     ErrHandshakeRejected,
			Endpoint: ep.URL,
			Err:      fmt.Errorf("handshake answer %q", strings.TrimSpace(string(answer))),
		})
	}
}

// startConnection installs the accepted connection and spawns the
// reader, writer and heartbeat goroutines. A supervisor closes the
// socket once the group winds down for any reason.
func (c *Client) startConnection(conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(connCtx)
	outbound := make(chan string, c.cfg.BufferSize)

	c.mu.Lock()
	c.conn = conn
	c.outbound = outbound
	c.cancel = cancel
	c.group = g
	c.state = StateEstablished
	c.mu.Unlock()

	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn, outbound) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			c.logger.Warn("connection terminated", zap.Error(err))
		}
		conn.Close()
	}()
}

// readLoop is the sole receiver on the socket.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.State() == StateClosed {
				return nil
			}
			c.setState(StateDisconnected)
			return fmt.Errorf("read: %w", err)
		}
		if err := c.handleFrame(string(data)); err != nil {
			c.setState(StateReconnecting)
			return err
		}
	}
}

// handleFrame classifies one inbound frame. A non-nil return tears the
// connection down; malformed frames never do.
func (c *Client) handleFrame(raw string) error {
	msg, isJSON, err := parseUpdate(raw)
	if isJSON {
		incFrame("update")
		if err != nil {
			incDrop("serialization")
			c.logger.Warn("malformed update frame", zap.Error(err))
			return nil
		}
		if msg.Type != "" && msg.Type != "UPDATE" {
			c.logger.Debug("ignoring message", zap.String("type", msg.Type))
			return nil
		}
		switch c.registry.dispatch(msg.SubscriptionID, msg.Data) {
		case dispatchUnknownID:
			incDrop("unknown_subscription")
			c.logger.Warn("update for unknown subscription",
				zap.String("subscription_id", msg.SubscriptionID))
		case dispatchDecodeError:
			incDrop("serialization")
			c.logger.Warn("undecodable update payload",
				zap.String("subscription_id", msg.SubscriptionID))
		case dispatchBufferFull:
			incDrop("buffer_full")
		}
		return nil
	}

	switch {
	case strings.Contains(raw, markerProbe):
		incFrame("probe")
	case strings.Contains(raw, markerLoop):
		incFrame("control")
		return errRebind
	case strings.Contains(raw, markerEnd):
		incFrame("control")
		return fmt.Errorf("server ended session: %s", strings.TrimSpace(raw))
	case isErrorFrame(raw):
		incFrame("control")
		c.logger.Warn("server error frame", zap.String("frame", strings.TrimSpace(raw)))
	default:
		incFrame("control")
		c.logger.Debug("unrecognized frame", zap.String("frame", strings.TrimSpace(raw)))
	}
	return nil
}

// writeLoop is the sole sender on the socket, draining the outbound
// queue. On shutdown it sends a best-effort close frame.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case frame := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.setState(StateDisconnected)
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.enqueue(heartbeatFrame()); err != nil {
				c.setState(StateDisconnected)
				return fmt.Errorf("heartbeat: %w", err)
			}
			incHeartbeat()
		}
	}
}

// enqueue hands a frame to the writer without blocking.
func (c *Client) enqueue(frame string) error {
	c.mu.Lock()
	outbound := c.outbound
	state := c.state
	c.mu.Unlock()

	if state != StateEstablished || outbound == nil {
		return streamErr(ErrNotConnected, nil)
	}
	select {
	case outbound <- frame:
		return nil
	default:
		return streamErr(ErrSendFailed, errors.New("outbound queue full"))
	}
}

// SubscribeMarket opens a MERGE subscription for one epic and returns
// the update channel plus the subscription id.
func (c *Client) SubscribeMarket(ctx context.Context, epic string) (<-chan MarketUpdate, string, error) {
	e, err := c.subscribe(ctx, KindMarket, epic)
	if err != nil {
		return nil, "", err
	}
	return e.market, e.sub.ID, nil
}

// SubscribeAccount opens a subscription for account-level events.
func (c *Client) SubscribeAccount(ctx context.Context, accountID string) (<-chan AccountUpdate, string, error) {
	e, err := c.subscribe(ctx, KindAccount, accountID)
	if err != nil {
		return nil, "", err
	}
	return e.account, e.sub.ID, nil
}

func (c *Client) subscribe(ctx context.Context, kind SubscriptionKind, item string) (*entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, streamErr(ErrSendFailed, err)
	}
	if c.State() != StateEstablished {
		return nil, streamErr(ErrNotConnected, nil)
	}

	sub := Subscription{ID: newSubscriptionID(kind), Kind: kind, Item: item}
	e := c.registry.add(sub, c.cfg.BufferSize)
	if err := c.enqueue(addSubscriptionFrame(sub.ID, kind, item)); err != nil {
		c.registry.remove(sub.ID)
		return nil, err
	}

	c.logger.Info("subscribed",
		zap.String("subscription_id", sub.ID),
		zap.String("kind", string(kind)),
		zap.String("item", item))
	return e, nil
}

// Unsubscribe removes the subscription locally first, then tells the
// server. Unknown ids report ErrNotFound.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return streamErr(ErrSendFailed, err)
	}
	if _, ok := c.registry.remove(id); !ok {
		return streamErr(ErrNotFound, fmt.Errorf("subscription %s", id))
	}
	if err := c.enqueue(deleteSubscriptionFrame(id)); err != nil {
		return err
	}
	c.logger.Info("unsubscribed", zap.String("subscription_id", id))
	return nil
}

// resubscribeAll replays the registry onto a fresh connection.
func (c *Client) resubscribeAll() {
	for _, sub := range c.registry.all() {
		if err := c.enqueue(addSubscriptionFrame(sub.ID, sub.Kind, sub.Item)); err != nil {
			c.logger.Warn("resubscribe failed",
				zap.String("subscription_id", sub.ID), zap.Error(err))
			return
		}
	}
}

// Disconnect shuts the connection down and waits for the goroutines to
// stop. It is idempotent; consumer channels are left open but receive
// nothing further.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	cancel, conn, group := c.cancel, c.conn, c.group
	c.state = StateClosed
	c.cancel, c.conn, c.outbound, c.group = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	c.logger.Info("streaming session closed")
	return nil
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	// Closed is terminal for this connection.
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}
