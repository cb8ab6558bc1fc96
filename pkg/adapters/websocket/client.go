package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	gorilla "github.com/gorilla/websocket"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/renderer"
	"github.com/aretw0/lattice/pkg/wire"
)

// Client keeps a renderer.Applier connected to a stream Server.
type Client struct {
	url      string
	applier  *renderer.Applier
	dialer   *gorilla.Dialer
	settings Settings
	logger   *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	applierOpts []renderer.Option
	resync      chan string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientSettings overrides the connection timing.
func WithClientSettings(settings Settings) ClientOption {
	return func(c *Client) {
		c.settings = settings
	}
}

// WithReconnectBackoff bounds the exponential delay between reconnect attempts.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minBackoff, c.maxBackoff = minDelay, maxDelay
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *gorilla.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithApplierOptions passes options to the applier the client creates.
// The resync callback is owned by the client.
func WithApplierOptions(opts ...renderer.Option) ClientOption {
	return func(c *Client) {
		c.applierOpts = append(c.applierOpts, opts...)
	}
}

// NewClient creates a client for the stream at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		dialer:     gorilla.DefaultDialer,
		settings:   DefaultSettings(),
		logger:     logging.NewNop(),
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		resync:     make(chan string, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	applierOpts := append(c.applierOpts, renderer.WithResync(c.requestResync))
	c.applier = renderer.New(applierOpts...)
	return c
}

// Applier returns the applier driven by the client.
func (c *Client) Applier() *renderer.Applier {
	return c.applier
}

// requestResync asks the server for a full dump. A nil cause comes from
// Reconnect, which needs no request: the server dumps on every connect.
func (c *Client) requestResync(_ context.Context, cause error) {
	if cause == nil {
		return
	}
	select {
	case c.resync <- renderer.Reason(cause):
	default:
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := c.connect(ctx, b)
		if dErr := c.applier.Disconnect(ctx); dErr != nil {
			c.logger.Error("disconnect transition failed", "err", dErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		c.logger.Info("stream lost, reconnecting", "url", c.url, "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connect runs one connection. The backoff is reset once the dial succeeds.
func (c *Client) connect(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	b.Reset()

	// Drop requests that belonged to the previous connection.
	select {
	case <-c.resync:
	default:
	}
	if err := c.applier.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect transition: %w", err)
	}
	c.logger.Info("stream connected", "url", c.url)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		defer conn.Close()
		defer cancel()
		writeErr <- c.write(connCtx, conn)
	}()

	readErr := c.read(connCtx, conn)
	cancel()
	if err := <-writeErr; err != nil && readErr == nil {
		return err
	}
	return readErr
}

// write pumps outbound invocations and resync requests.
func (c *Client) write(ctx context.Context, conn *gorilla.Conn) error {
	ch := c.applier.Channel()
	send := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		return conn.WriteMessage(gorilla.TextMessage, data)
	}

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
			return nil
		case reason := <-c.resync:
			data, err := wire.MarshalResync(reason)
			if err != nil {
				return err
			}
			if err := send(data); err != nil {
				return fmt.Errorf("send resync: %w", err)
			}
		case <-ch.Ready():
			invs := ch.Flush()
			if len(invs) == 0 {
				continue
			}
			data, err := wire.MarshalInvocations(invs)
			if err != nil {
				c.logger.Error("dropping invocations that cannot be encoded", "count", len(invs), "err", err)
				continue
			}
			if err := send(data); err != nil {
				ch.Requeue(invs)
				return fmt.Errorf("send invocations: %w", err)
			}
		}
	}
}

// read applies incoming envelopes. Apply errors are recovered by the applier
// itself and are only logged here.
func (c *Client) read(ctx context.Context, conn *gorilla.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		err := conn.WriteControl(gorilla.PongMessage, []byte(data), time.Now().Add(c.settings.WriteTimeout))
		if errors.Is(err, gorilla.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		if messageType != gorilla.TextMessage {
			continue
		}

		env, err := wire.Unmarshal(message)
		if err != nil {
			c.logger.Warn("dropping malformed message", "err", err)
			continue
		}
		switch env.Kind {
		case wire.KindTemplates:
			if err := c.applier.Templates().Replace(env.Templates); err != nil {
				return fmt.Errorf("load templates: %w", err)
			}
			c.logger.Debug("templates received", "count", len(env.Templates))
		case wire.KindBatch:
			b, err := env.Batch.Batch()
			if err != nil {
				c.logger.Warn("dropping undecodable batch", "err", err)
				c.requestResync(ctx, err)
				continue
			}
			if err := c.applier.Apply(ctx, b); err != nil {
				c.logger.Warn("batch rejected", "epoch", b.Epoch, "seq", b.Seq, "err", err)
			}
		default:
			c.logger.Debug("ignoring message", "kind", env.Kind)
		}
	}
}
