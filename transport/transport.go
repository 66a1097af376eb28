// Package transport owns the WebSocket connection to the OBS control
// endpoint. It exposes a send path serialized through a single writer
// goroutine, a receive stream of decoded protocol messages terminated by a
// closed-connection item, and a ping/pong heartbeat that turns missed
// replies into a connection failure instead of a silent stall.
package transport

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
)

// Config holds transport tuning knobs.
type Config struct {
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration

	// KeepAlive is the ping interval. Zero disables heartbeats.
	KeepAlive time.Duration

	// MissedPongLimit is how many consecutive ping intervals may pass
	// without any inbound traffic before the connection is declared dead.
	MissedPongLimit int

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// TLS enables wss:// dialing when non-nil.
	TLS *tls.Config
}

// DefaultConfig returns sensible transport defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        20 * time.Second,
		MissedPongLimit:  2,
		WriteTimeout:     5 * time.Second,
	}
}

// Inbound is one item on the receive stream. Either Msg is set, or Err is
// set and the item is terminal: the connection is gone and the stream ends.
type Inbound struct {
	Msg protocol.Message
	Err error
}

type outbound struct {
	data   []byte
	result chan error
}

// Client owns exactly one socket connection. All writers funnel through
// Send; the receive stream is consumed from Frames. Close is idempotent
// and releases the socket on every path.
type Client struct {
	url    string
	cfg    Config
	logger *slog.Logger

	conn    *websocket.Conn
	frames  chan Inbound
	sendCh  chan outbound
	eventSeq atomic.Uint64

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// terminal reason, written once by whichever loop fails first
	failOnce sync.Once
	failErr  error
}

// Dial connects to the control endpoint and starts the read and write
// loops. It fails with a transient connection error on DNS/TCP/TLS/upgrade
// failure.
func Dial(ctx context.Context, url string, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.MissedPongLimit <= 0 {
		cfg.MissedPongLimit = DefaultConfig().MissedPongLimit
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLS,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: dial %s: %w", errors.ErrConnectionFailed, url, err),
			"Transport", "Dial", "websocket dial")
	}

	c := &Client{
		url:      url,
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		frames:   make(chan Inbound, 64),
		sendCh:   make(chan outbound),
		shutdown: make(chan struct{}),
	}

	if c.cfg.KeepAlive > 0 {
		deadline := c.readDeadline()
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	logger.Debug("connected", "url", url)
	return c, nil
}

// readDeadline is the longest silence tolerated before the heartbeat
// declares the connection dead.
func (c *Client) readDeadline() time.Duration {
	return c.cfg.KeepAlive * time.Duration(c.cfg.MissedPongLimit+1)
}

// Frames returns the receive stream. The final item before the channel
// closes carries the terminal error (close reason, heartbeat failure, or
// protocol violation).
func (c *Client) Frames() <-chan Inbound {
	return c.frames
}

// Send encodes msg and writes it on the socket through the single writer.
// It fails with ErrNotConnected once the connection is gone.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	out := outbound{data: data, result: make(chan error, 1)}
	select {
	case c.sendCh <- out:
	case <-c.shutdown:
		return errors.WrapTransient(errors.ErrNotConnected, "Transport", "Send", "enqueue frame")
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Transport", "Send", "enqueue frame")
	}

	select {
	case err := <-out.result:
		if err != nil {
			return errors.WrapTransient(err, "Transport", "Send", "frame write")
		}
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Transport", "Send", "frame write")
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times, on every exit path.
func (c *Client) Close() error {
	c.fail(errors.ErrShuttingDown)
	c.closeOnce.Do(func() {
		close(c.shutdown)
		// Best-effort close frame; the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

// fail records the first terminal reason. Later failures keep the original.
func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
	})
}

// terminate closes the socket (if not already closed) and is called by
// whichever loop detects the failure first.
func (c *Client) terminate(err error) {
	c.fail(err)
	c.closeOnce.Do(func() {
		close(c.shutdown)
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer func() {
		// Terminal item, then end of stream. The write loop exits via
		// shutdown; the channel close tells consumers nothing else comes.
		c.frames <- Inbound{Err: c.terminalError()}
		close(c.frames)
	}()

	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.terminate(readFailure(err))
			return
		}
		if c.cfg.KeepAlive > 0 {
			// Any inbound frame proves the peer alive, not just pongs; a
			// server busy streaming events may answer pings late.
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Corrupted framing: the session cannot trust anything after
			// this, so the connection is declared dead.
			c.logger.Error("undecodable frame, dropping connection", "error", err)
			c.terminate(fmt.Errorf("%w: %w", errors.ErrProtocolViolation, err))
			return
		}

		if ev, ok := msg.(protocol.Event); ok {
			ev.Seq = c.eventSeq.Add(1)
			msg = ev
		}

		select {
		case c.frames <- Inbound{Msg: msg}:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) terminalError() error {
	if c.failErr != nil && !isNormalClose(c.failErr) {
		return errors.WrapTransient(c.failErr, "Transport", "readLoop", "connection")
	}
	return errors.WrapTransient(errors.ErrConnectionLost, "Transport", "readLoop", "connection")
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	var ping *time.Ticker
	if c.cfg.KeepAlive > 0 {
		ping = time.NewTicker(c.cfg.KeepAlive)
		defer ping.Stop()
	} else {
		// Ticker that never fires keeps the select below uniform.
		ping = time.NewTicker(time.Hour)
		ping.Stop()
	}

	for {
		select {
		case <-c.shutdown:
			return
		case out := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, out.data)
			out.result <- err
			if err != nil {
				c.terminate(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err))
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.terminate(fmt.Errorf("%w: %w", errors.ErrHeartbeatMissed, err))
				return
			}
		}
	}
}

// readFailure maps a socket read error onto the taxonomy. An expired read
// deadline means the heartbeat threshold passed with no pong.
func readFailure(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", errors.ErrHeartbeatMissed, err)
	}
	return fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)
}

func isNormalClose(err error) bool {
	return stderrors.Is(err, errors.ErrShuttingDown)
}
