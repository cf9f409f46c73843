package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tp-bridge/internal/breaker"
	"tp-bridge/internal/protocol"

	"go.uber.org/zap"
)

var (
	// ErrLogonTimeout: no logon response arrived within the bound.
	ErrLogonTimeout = errors.New("transport: logon timed out")

	// ErrLogonRejected: the server answered the logon with a failure result.
	ErrLogonRejected = errors.New("transport: logon rejected")

	// ErrNotConnected: a send was attempted without an established session.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrDisconnected: the server ended the session with a logoff. Terminal
	// for Run; restart only via a new Run call.
	ErrDisconnected = errors.New("transport: server logoff")

	// ErrHeartbeatSilence: the server stopped heartbeating within the bound.
	ErrHeartbeatSilence = errors.New("transport: heartbeat silence")
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	DialTimeout       time.Duration
	LogonTimeout      time.Duration
	HeartbeatInterval time.Duration // requested; server may negotiate down
	HeartbeatTimeout  time.Duration // silence beyond this is a connection failure
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.LogonTimeout <= 0 {
		c.LogonTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
}

// Client owns the TCP socket to the platform. Connect attempts run through
// the circuit breaker; reconnect delays come from the caller-supplied
// backoff policy. All state application happens on Run's goroutine.
type Client struct {
	cfg     Config
	codec   Codec
	brk     *breaker.Breaker
	backoff breaker.Backoff
	log     *zap.Logger

	onConnected  func()
	onSessionEnd func(error)

	mu         sync.Mutex
	conn       net.Conn
	hbInterval time.Duration
	lastRecv   atomic.Int64
}

func New(cfg Config, codec Codec, brk *breaker.Breaker, backoff breaker.Backoff, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if codec == nil {
		codec = MsgpackCodec{}
	}
	if backoff == nil {
		backoff = breaker.Exponential(time.Second, 30*time.Second)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, codec: codec, brk: brk, backoff: backoff, log: log}
}

// SetOnConnected installs a hook invoked after every successful logon,
// before the receive loop starts. Set before calling Run.
func (c *Client) SetOnConnected(fn func()) { c.onConnected = fn }

// SetOnSessionEnd installs a hook invoked with the error that ended each
// session. Set before calling Run.
func (c *Client) SetOnSessionEnd(fn func(error)) { c.onSessionEnd = fn }

// Connect dials and performs the logon handshake. No other traffic is
// accepted before the logon response; silence is a connect error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	hbInterval, err := c.logon(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.hbInterval = hbInterval
	c.mu.Unlock()
	c.lastRecv.Store(time.Now().UnixNano())
	c.log.Info("logged on",
		zap.String("addr", addr),
		zap.Duration("heartbeat_interval", hbInterval))
	return nil
}

func (c *Client) logon(conn net.Conn) (time.Duration, error) {
	logonReq := protocol.Raw{
		Type: protocol.TypeLogonRequest,
		Fields: map[string]any{
			protocol.FieldUsername:          c.cfg.Username,
			protocol.FieldPassword:          c.cfg.Password,
			protocol.FieldHeartbeatInterval: int(c.cfg.HeartbeatInterval.Seconds()),
		},
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.LogonTimeout)); err != nil {
		return 0, err
	}
	if err := c.codec.Encode(conn, logonReq); err != nil {
		return 0, fmt.Errorf("send logon: %w", err)
	}
	deadline := time.Now().Add(c.cfg.LogonTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	for {
		raw, err := c.codec.Decode(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, ErrLogonTimeout
			}
			return 0, fmt.Errorf("read logon response: %w", err)
		}
		if raw.Type != protocol.TypeLogonResponse {
			// Pre-logon traffic is not accepted; keep waiting for the response
			// until the deadline.
			continue
		}
		result := strings.ToUpper(stringField(raw, protocol.FieldResult))
		if result != "" && result != "SUCCESS" {
			return 0, fmt.Errorf("%w: %s", ErrLogonRejected, result)
		}
		hb := c.cfg.HeartbeatInterval
		if sec := intField(raw, protocol.FieldHeartbeatInterval); sec > 0 {
			hb = time.Duration(sec) * time.Second
		}
		return hb, nil
	}
}

// Run drives the receive loop, handing every decoded payload to handler on
// this goroutine. Transient failures (socket errors, heartbeat silence)
// trigger reconnects through the breaker and backoff; a server logoff or
// context cancellation is terminal.
func (c *Client) Run(ctx context.Context, handler func(protocol.Raw)) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.brk.Call(func() error { return c.Connect(ctx) })
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := c.backoff(attempt)
			attempt++
			if errors.Is(err, breaker.ErrOpen) {
				c.log.Debug("connect skipped: breaker open", zap.Duration("retry_in", delay))
			} else {
				c.log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		if c.onConnected != nil {
			c.onConnected()
		}

		err = c.session(ctx, handler)
		c.resetConn()
		if c.onSessionEnd != nil {
			c.onSessionEnd(err)
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrDisconnected):
			return err
		}
		c.log.Warn("session ended, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(0)):
		}
	}
}

// session reads frames until failure, heartbeat silence, logoff or cancel.
func (c *Client) session(ctx context.Context, handler func(protocol.Raw)) error {
	c.mu.Lock()
	conn := c.conn
	hbInterval := c.hbInterval
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the conn bounds how long an in-flight read can linger after a
	// stop request.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeatLoop(sessionCtx, hbInterval)
	}()
	defer func() {
		cancel()
		<-hbDone
		<-watchDone
	}()

	for {
		// The server heartbeats on the negotiated interval, so a read that
		// exceeds the silence bound means the connection is dead.
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			return err
		}
		raw, err := c.codec.Decode(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w beyond %v", ErrHeartbeatSilence, c.cfg.HeartbeatTimeout)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		c.lastRecv.Store(time.Now().UnixNano())
		if raw.Type == protocol.TypeLogoff {
			handler(raw)
			return ErrDisconnected
		}
		handler(raw)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.Raw{Type: protocol.TypeHeartbeat, Fields: map[string]any{}}
			if err := c.Send(ctx, hb); err != nil {
				c.log.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

// Send writes one framed message. Serialized internally so concurrent
// callers never interleave frames.
func (c *Client) Send(ctx context.Context, raw protocol.Raw) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.codec.Encode(c.conn, raw)
}

// LastReceived reports when the last frame arrived, for health reporting.
func (c *Client) LastReceived() time.Time {
	ns := c.lastRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func stringField(raw protocol.Raw, key string) string {
	if v, ok := raw.Fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intField(raw protocol.Raw, key string) int {
	switch v := raw.Fields[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
