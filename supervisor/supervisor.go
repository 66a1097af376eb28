// Package supervisor keeps one control session alive across connection
// failures: dial, handshake, watch, back off, repeat. It is the only place
// that decides when a session is dead and when to give up.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/pkg/retry"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/replay"
	"github.com/Kazuryu0907/new-rl-replay/session"
	"github.com/Kazuryu0907/new-rl-replay/transport"
)

// Status is the connection status exposed to the host application.
type Status int

// Connection statuses.
const (
	StatusDisconnected Status = iota
	StatusHandshaking
	StatusReady
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusHandshaking:
		return "Handshaking"
	case StatusReady:
		return "Ready"
	case StatusClosing:
		return "Closing"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusChange is one item on the connection notification stream.
type StatusChange struct {
	Status Status
	Err    error
}

// Config tunes the supervisor.
type Config struct {
	// URL is the control endpoint.
	URL string

	Transport transport.Config
	Handshake session.HandshakeConfig
	Session   session.Config

	// Backoff schedule for reconnect attempts.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts is the consecutive-failure budget; zero retries forever.
	MaxAttempts int

	// StableAfter is how long a session must survive before the backoff
	// and failure count reset.
	StableAfter time.Duration
}

// Deps wires the supervisor's collaborators. Metrics may be nil.
type Deps struct {
	Machine *replay.Machine
	Bus     *session.EventBus
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Supervisor owns the reconnect loop. It also implements replay.Requester
// by forwarding to whichever session is currently live, so the machine and
// source controller never hold a stale session.
type Supervisor struct {
	cfg     Config
	machine *replay.Machine
	bus     *session.EventBus
	logger  *slog.Logger
	metrics *metric.Metrics
	manager *session.Manager

	current atomic.Pointer[session.Session]
	changes chan StatusChange
}

// New creates a supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "supervisor")
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	bus := deps.Bus
	if bus == nil {
		bus = session.NewEventBus(logger)
	}
	return &Supervisor{
		cfg:     cfg,
		machine: deps.Machine,
		bus:     bus,
		logger:  logger,
		metrics: deps.Metrics,
		manager: session.NewManager(logger, deps.Metrics),
		changes: make(chan StatusChange, 16),
	}
}

// Attach binds the replay machine the supervisor resets and re-arms.
// The machine usually takes the supervisor as its Requester, so it exists
// only after New; call Attach before Run.
func (s *Supervisor) Attach(machine *replay.Machine) {
	s.machine = machine
}

// Bus returns the shared event bus; subscriptions made on it survive
// reconnects.
func (s *Supervisor) Bus() *session.EventBus { return s.bus }

// Changes is the stream of connection status notifications.
func (s *Supervisor) Changes() <-chan StatusChange { return s.changes }

// Call implements replay.Requester against the current session.
func (s *Supervisor) Call(ctx context.Context, requestType string, payload any) (protocol.RequestResponse, error) {
	sess := s.current.Load()
	if sess == nil {
		return protocol.RequestResponse{}, errors.WrapTransient(
			fmt.Errorf("%w: no live session", errors.ErrNotConnected),
			"Supervisor", "Call", "forward request")
	}
	return sess.Call(ctx, requestType, payload)
}

// Run drives connect/watch/reconnect until ctx is cancelled or retries are
// exhausted. A fatal handshake failure (bad credentials, unsupported
// version) is not retried.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(retry.Config{
		InitialDelay: s.cfg.InitialDelay,
		MaxDelay:     s.cfg.MaxDelay,
		Multiplier:   s.cfg.Multiplier,
		AddJitter:    true,
	})

	for {
		s.notify(StatusChange{Status: StatusHandshaking})

		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.notify(StatusChange{Status: StatusClosing})
				return nil
			}
			s.countReconnect("failure")

			if errors.IsFatal(err) {
				s.abandon(err)
				return err
			}
			if backoff.Exhausted(s.cfg.MaxAttempts) {
				err = errors.WrapFatal(
					fmt.Errorf("%w: %d reconnect attempts: %w",
						errors.ErrMaxRetriesExceeded, backoff.Attempts(), err),
					"Supervisor", "Run", "reconnect")
				s.abandon(err)
				return err
			}

			delay := backoff.Next()
			s.logger.Warn("connect failed, backing off",
				"error", err, "delay", delay, "attempt", backoff.Attempts())
			s.notify(StatusChange{Status: StatusDisconnected, Err: err})

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				s.notify(StatusChange{Status: StatusClosing})
				return nil
			}
		}

		s.current.Store(sess)
		s.countReconnect("success")
		s.notify(StatusChange{Status: StatusReady})
		s.rearm(ctx, sess)

		stable := time.NewTimer(s.cfg.StableAfter)
		closed := s.watch(ctx, sess, stable, backoff)
		stable.Stop()

		s.current.Store(nil)
		if s.machine != nil {
			s.machine.Dispatch(replay.CmdConnectionLost)
		}

		if closed {
			s.notify(StatusChange{Status: StatusClosing})
			return nil
		}
		s.notify(StatusChange{Status: StatusDisconnected, Err: sess.Err()})
		s.logger.Warn("session terminated", "error", sess.Err())
	}
}

// connect dials and identifies one session.
func (s *Supervisor) connect(ctx context.Context) (*session.Session, error) {
	client, err := transport.Dial(ctx, s.cfg.URL, s.cfg.Transport, s.logger)
	if err != nil {
		return nil, err
	}
	return s.manager.Open(ctx, client, s.cfg.Handshake, s.cfg.Session, s.bus)
}

// watch blocks until the session dies or ctx is cancelled. It reports true
// for a caller-initiated close (ctx), false for a detected failure. The
// backoff resets once the session survives the grace period.
func (s *Supervisor) watch(
	ctx context.Context, sess *session.Session, stable *time.Timer, backoff *retry.Backoff,
) bool {
	for {
		select {
		case <-stable.C:
			backoff.Reset()
			s.logger.Debug("connection stable, backoff reset")
		case <-sess.Done():
			return false
		case <-ctx.Done():
			_ = sess.Close()
			return true
		}
	}
}

// rearm restores replay state after an identify: the remote buffer status
// is re-queried because it cannot be assumed across a connection gap.
func (s *Supervisor) rearm(ctx context.Context, sess *session.Session) {
	if s.machine == nil {
		return
	}

	resp, err := sess.Call(ctx, protocol.RequestGetReplayBufferStatus, nil)
	if err != nil {
		s.logger.Warn("replay buffer status query failed", "error", err)
		s.machine.Dispatch(replay.CmdStart)
		return
	}

	var status protocol.ReplayBufferStatusData
	if err := json.Unmarshal(resp.ResponseData, &status); err != nil {
		s.logger.Warn("undecodable replay buffer status", "error", err)
		s.machine.Dispatch(replay.CmdStart)
		return
	}

	if status.OutputActive {
		s.machine.Dispatch(replay.CmdResume)
	} else {
		s.machine.Dispatch(replay.CmdStart)
	}
}

// abandon surfaces a terminal connection failure to the host.
func (s *Supervisor) abandon(err error) {
	s.logger.Error("giving up on reconnection", "error", err)
	if s.machine != nil {
		s.machine.Fault(err)
	}
	s.notify(StatusChange{Status: StatusDisconnected, Err: err})
}

func (s *Supervisor) notify(change StatusChange) {
	select {
	case s.changes <- change:
	default:
		s.logger.Debug("status change dropped, slow consumer", "status", change.Status)
	}
}

func (s *Supervisor) countReconnect(outcome string) {
	if s.metrics != nil {
		s.metrics.Reconnects.WithLabelValues(outcome).Inc()
	}
}
