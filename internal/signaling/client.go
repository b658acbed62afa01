package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillchat/call-core/internal/metrics"
	"github.com/quillchat/call-core/internal/ratelimit"
)

// ErrTransportUnavailable is returned by Send when the frame cannot be handed
// to the relay (connection closed or outbound queue saturated).
var ErrTransportUnavailable = errors.New("signaling: transport unavailable")

// Transport is the bidirectional signaling channel consumed by the call core.
//
// Events delivers inbound envelopes in arrival order; the channel is closed
// when the underlying connection dies. Send never blocks on the network.
type Transport interface {
	Send(env Envelope) error
	Events() <-chan Envelope
	Close() error
}

// ClientConfig carries the transport knobs; zero values fall back to the
// defaults in internal/config.
type ClientConfig struct {
	URL string

	// Token is an opaque bearer credential forwarded on the dial request.
	Token string

	SendQueueBytes       int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

const wsWriteWait = 1 * time.Second

// Client is the websocket-backed Transport.
type Client struct {
	conn    *websocket.Conn
	queue   *sendQueue
	events  chan Envelope
	limiter *ratelimit.TokenBucket

	logger  *slog.Logger
	metrics *metrics.Metrics

	pingInterval time.Duration
	idleTimeout  time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling relay and starts the read/write pumps.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("signaling: missing relay url")
	}

	hdr := http.Header{}
	if cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", cfg.URL, err)
	}

	return newClient(conn, cfg), nil
}

func newClient(conn *websocket.Conn, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:         conn,
		queue:        newSendQueue(cfg.SendQueueBytes),
		events:       make(chan Envelope, 64),
		logger:       logger.With("component", "signaling"),
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		idleTimeout:  cfg.IdleTimeout,
		done:         make(chan struct{}),
	}
	if cfg.MaxMessagesPerSecond > 0 {
		c.limiter = ratelimit.NewTokenBucket(cfg.Clock, int64(cfg.MaxMessagesPerSecond), int64(cfg.MaxMessagesPerSecond))
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Events implements Transport. The channel closes when the connection dies.
func (c *Client) Events() <-chan Envelope { return c.events }

// Send implements Transport. The envelope is queued for the write pump;
// ErrTransportUnavailable is returned when the transport is closed or the
// queue's byte budget is exhausted.
func (c *Client) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("signaling: refusing to send: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", env.Event, err)
	}

	if !c.queue.Enqueue(data) {
		c.metrics.Inc(metrics.TransportSendDropped)
		return fmt.Errorf("%w: %s not queued", ErrTransportUnavailable, env.Event)
	}
	return nil
}

// Close implements Transport. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.Close()

	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("signaling connection lost", "err", err)
			}
			return
		}
		c.resetReadDeadline()

		// Shed floods after the read so the frame's bytes are consumed; the
		// connection stays up, only the frame is dropped.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.TransportRateLimited)
			continue
		}
		if msgType != websocket.TextMessage {
			c.logger.Warn("dropping non-text signaling frame")
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed signaling frame", "err", err)
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	var pingC <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C

		go func() {
			for {
				select {
				case <-pingC:
					c.writeMu.Lock()
					err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
					c.writeMu.Unlock()
					if err != nil {
						return
					}
				case <-c.done:
					return
				}
			}
		}()
	}

	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warn("signaling write failed", "err", err)
			c.Close()
			return
		}
	}
}

func (c *Client) resetReadDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}
