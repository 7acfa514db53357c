package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMinBackoff  = time.Second
	defaultMaxBackoff  = time.Minute
	defaultMaxFailures = 5

	// History frames can carry a full page of messages.
	readLimit = 4 << 20
)

// wsConn abstracts the websocket so the read loop can be tested without a
// server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler receives every decoded event, in arrival order, on the read
// goroutine.
type Handler func(Event)

// Options configures a Client. Zero values take defaults.
type Options struct {
	URL        string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxFailures is the number of consecutive failed dials after which
	// the channel is reported Offline instead of Reconnecting.
	MaxFailures int
	// OnLive runs each time the connection becomes live; resumed is false
	// only for the first connection. It must not block.
	OnLive func(resumed bool)
}

// Client keeps one websocket to the push endpoint open, decoding frames
// for a Handler and writing outbound frames.
type Client struct {
	opts    Options
	handler Handler
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
	limiter *rate.Limiter
	dial    func(ctx context.Context) (wsConn, error)

	mu      sync.Mutex
	conn    wsConn
	writeMu sync.Mutex
}

// NewClient creates a client. machine, m and logger may be nil.
func NewClient(opts Options, handler Handler, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		opts:    opts,
		handler: handler,
		machine: machine,
		metrics: m,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(opts.MinBackoff), 1),
	}
	c.dial = c.dialWebsocket
	return c
}

// State returns the connection state.
func (c *Client) State() status.State { return c.machine.Current() }

// Run connects and keeps reconnecting until ctx is cancelled. The dial rate
// is paced by a limiter whose interval doubles after each failed attempt.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	failures := 0
	resumed := false

	defer c.transition(status.Disconnected)

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		c.transition(status.Connecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			backoff = min(backoff*2, c.opts.MaxBackoff)
			c.limiter.SetLimit(rate.Every(backoff))
			if failures >= c.opts.MaxFailures {
				c.transition(status.Offline)
			} else {
				c.transition(status.Reconnecting)
			}
			c.logger.Warn("push dial failed",
				zap.Error(err),
				zap.Int("failures", failures),
				zap.Duration("backoff", backoff),
			)
			continue
		}

		failures = 0
		backoff = c.opts.MinBackoff
		c.limiter.SetLimit(rate.Every(backoff))

		c.setConn(conn)
		c.transition(status.Live)
		c.logger.Info("push channel live", zap.Bool("resumed", resumed))
		if c.opts.OnLive != nil {
			c.opts.OnLive(resumed)
		}
		resumed = true

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.transition(status.Reconnecting)
		c.logger.Warn("push connection lost", zap.Error(err))
	}
}

// Send writes an outbound frame. It fails with api.ErrNetworkUnavailable
// when the channel is not live.
func (c *Client) Send(ctx context.Context, env OutboundEnvelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.machine.IsLive() {
		return fmt.Errorf("push send %s: %w", env.Type, api.ErrNetworkUnavailable)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("push send %s: %w: %v", env.Type, api.ErrNetworkUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}

		evt, err := Decode(data)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				c.logger.Warn("ignoring malformed push event", zap.String("type", pe.Type), zap.Error(pe.Err))
			}
			if c.metrics != nil {
				c.metrics.PushParseErrors.Inc()
			}
			continue
		}
		if c.handler != nil {
			c.handler(evt)
		}
	}
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil) //nolint:bodyclose // websocket.Dial closes the response body
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Client) setConn(conn wsConn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) transition(to status.State) {
	if c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("push state", zap.Error(err))
	}
}
