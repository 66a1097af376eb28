// Package session turns a raw transport connection into an authenticated
// control session: the Hello/Identify/Identified handshake, correlated
// request dispatch, and event routing.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/transport"
)

// HandshakeConfig drives the identify exchange.
type HandshakeConfig struct {
	// Password answers the server's authentication challenge. Empty means
	// the server is expected to run without authentication.
	Password string

	// EventSubscriptions is the event intent mask requested at identify.
	EventSubscriptions protocol.EventSubscription

	// Timeout bounds the whole Hello→Identified exchange.
	Timeout time.Duration

	// RPCVersionFloor and RPCVersionCeiling bound the acceptable negotiated
	// rpc version. Zero values default to the client's own version.
	RPCVersionFloor   int
	RPCVersionCeiling int
}

// Manager runs handshakes and hands back live sessions.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewManager creates a session manager. metrics may be nil.
func NewManager(logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}
	return &Manager{logger: logger, metrics: metrics}
}

// Open performs the handshake on a freshly dialed transport and returns a
// live session. On every failure path the transport is closed before
// returning, so a failed handshake never leaks a socket. bus may be shared
// across sessions so subscriptions survive reconnects; nil creates one.
func (m *Manager) Open(
	ctx context.Context,
	client *transport.Client,
	hs HandshakeConfig,
	cfg Config,
	bus *EventBus,
) (s *Session, err error) {
	defer func() {
		if err != nil {
			_ = client.Close()
		}
	}()

	if hs.Timeout <= 0 {
		hs.Timeout = 10 * time.Second
	}
	if hs.RPCVersionFloor == 0 {
		hs.RPCVersionFloor = protocol.RPCVersion
	}
	if hs.RPCVersionCeiling == 0 {
		hs.RPCVersionCeiling = protocol.RPCVersion
	}
	if bus == nil {
		bus = NewEventBus(m.logger)
	}

	ctx, cancel := context.WithTimeout(ctx, hs.Timeout)
	defer cancel()

	hello, err := m.awaitHello(ctx, client)
	if err != nil {
		return nil, err
	}

	authenticated := false
	identify := protocol.Identify{
		RPCVersion:         protocol.RPCVersion,
		EventSubscriptions: hs.EventSubscriptions,
	}
	if hello.Authentication != nil {
		if hs.Password == "" {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: server requires authentication and no password is configured",
					errors.ErrAuthFailed),
				"SessionManager", "Open", "answer challenge")
		}
		identify.Authentication = protocol.AuthResponse(
			hs.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
		authenticated = true
	}

	if err := client.Send(ctx, identify); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: send identify: %w", errors.ErrConnectionFailed, err),
			"SessionManager", "Open", "identify")
	}

	identified, err := m.awaitIdentified(ctx, client, authenticated)
	if err != nil {
		return nil, err
	}

	if identified.NegotiatedRPCVersion < hs.RPCVersionFloor ||
		identified.NegotiatedRPCVersion > hs.RPCVersionCeiling {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: negotiated rpc version %d outside [%d, %d]",
				errors.ErrVersionMismatch, identified.NegotiatedRPCVersion,
				hs.RPCVersionFloor, hs.RPCVersionCeiling),
			"SessionManager", "Open", "version negotiation")
	}

	m.logger.Info("session identified",
		"obsVersion", hello.OBSWebSocketVersion,
		"rpcVersion", identified.NegotiatedRPCVersion,
		"authenticated", authenticated)

	return newSession(client, cfg, bus, m.logger, m.metrics, identified.NegotiatedRPCVersion), nil
}

// awaitHello reads frames until the server's Hello arrives.
func (m *Manager) awaitHello(ctx context.Context, client *transport.Client) (protocol.Hello, error) {
	for {
		select {
		case in, ok := <-client.Frames():
			if !ok || in.Err != nil {
				return protocol.Hello{}, errors.WrapTransient(
					fmt.Errorf("%w: connection ended before hello", errors.ErrConnectionFailed),
					"SessionManager", "Open", "await hello")
			}
			switch msg := in.Msg.(type) {
			case protocol.Hello:
				return msg, nil
			case protocol.Unknown:
				m.logger.Debug("ignoring unknown opcode during handshake", "op", msg.OpCode)
			default:
				return protocol.Hello{}, errors.WrapTransient(
					fmt.Errorf("%w: expected hello, got %s", errors.ErrProtocolViolation, msg.Op()),
					"SessionManager", "Open", "await hello")
			}
		case <-ctx.Done():
			return protocol.Hello{}, errors.WrapTransient(
				fmt.Errorf("%w: no hello within handshake deadline", errors.ErrAuthFailed),
				"SessionManager", "Open", "await hello")
		}
	}
}

// awaitIdentified reads frames until Identified arrives. A server that
// rejects the challenge closes the connection instead of answering, so a
// terminal frame here with authentication in play is an auth failure.
func (m *Manager) awaitIdentified(
	ctx context.Context, client *transport.Client, authenticated bool,
) (protocol.Identified, error) {
	for {
		select {
		case in, ok := <-client.Frames():
			if !ok || in.Err != nil {
				if authenticated {
					return protocol.Identified{}, errors.WrapFatal(
						fmt.Errorf("%w: server closed the connection after identify",
							errors.ErrAuthFailed),
						"SessionManager", "Open", "await identified")
				}
				return protocol.Identified{}, errors.WrapTransient(
					fmt.Errorf("%w: connection ended before identified", errors.ErrConnectionFailed),
					"SessionManager", "Open", "await identified")
			}
			switch msg := in.Msg.(type) {
			case protocol.Identified:
				return msg, nil
			case protocol.Unknown:
				m.logger.Debug("ignoring unknown opcode during handshake", "op", msg.OpCode)
			default:
				return protocol.Identified{}, errors.WrapTransient(
					fmt.Errorf("%w: expected identified, got %s",
						errors.ErrProtocolViolation, msg.Op()),
					"SessionManager", "Open", "await identified")
			}
		case <-ctx.Done():
			return protocol.Identified{}, errors.WrapFatal(
				fmt.Errorf("%w: no identified within handshake deadline", errors.ErrAuthFailed),
				"SessionManager", "Open", "await identified")
		}
	}
}
