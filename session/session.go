package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/transport"
)

// Config controls request dispatch.
type Config struct {
	// DefaultTimeout applies to any request type without an override.
	DefaultTimeout time.Duration

	// Timeouts maps a request type to its response deadline, for commands
	// that legitimately run longer than the default.
	Timeouts map[string]time.Duration
}

func (c Config) timeoutFor(requestType string) time.Duration {
	if d, ok := c.Timeouts[requestType]; ok {
		return d
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 5 * time.Second
}

type callResult struct {
	resp  protocol.RequestResponse
	batch protocol.RequestBatchResponse
	err   error
}

// pending is one in-flight request. The map holding pendings is owned by
// the demux goroutine alone; callers reach it only through channels. The
// timeout timer is armed by demux at registration, so a timeout signal can
// never be consumed before its pending exists.
type pending struct {
	id          string
	requestType string
	batch       bool
	timeout     time.Duration
	started     time.Time
	timer       *time.Timer
	result      chan callResult
}

// Session is an identified control session. Many callers may issue requests
// concurrently; correlation is strictly by id, so responses may resolve in
// any order relative to submission.
type Session struct {
	transport *transport.Client
	cfg       Config
	bus       *EventBus
	logger    *slog.Logger
	metrics   *metric.Metrics

	rpcVersion int

	registerCh   chan *pending
	unregisterCh chan string
	timeoutCh    chan string

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newSession(
	client *transport.Client,
	cfg Config,
	bus *EventBus,
	logger *slog.Logger,
	metrics *metric.Metrics,
	rpcVersion int,
) *Session {
	s := &Session{
		transport:    client,
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		metrics:      metrics,
		rpcVersion:   rpcVersion,
		registerCh:   make(chan *pending),
		unregisterCh: make(chan string),
		timeoutCh:    make(chan string),
		done:         make(chan struct{}),
	}
	if metrics != nil {
		metrics.ConnectionStatus.Set(1)
	}
	go s.demux()
	return s
}

// Bus returns the event bus this session dispatches into.
func (s *Session) Bus() *EventBus { return s.bus }

// RPCVersion returns the negotiated protocol version.
func (s *Session) RPCVersion() int { return s.rpcVersion }

// Done closes when the session has terminated and all pending requests
// have been resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal reason. Valid only after Done is closed.
func (s *Session) Err() error { return s.err }

// Close tears the session down. All pending requests resolve with a
// cancellation error, exactly once each. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
	})
	<-s.done
	return err
}

// Call sends a request and blocks until its response, timeout, or
// cancellation. payload is marshaled into requestData; nil omits it.
// A rejected request returns the response together with a RejectionError
// carrying the remote status code.
func (s *Session) Call(ctx context.Context, requestType string, payload any) (protocol.RequestResponse, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return protocol.RequestResponse{}, errors.WrapInvalid(err,
				"Session", "Call", "marshal request payload")
		}
		data = encoded
	}

	req := protocol.Request{
		RequestType: requestType,
		RequestID:   uuid.NewString(),
		RequestData: data,
	}

	res, err := s.dispatch(ctx, &pending{
		id:          req.RequestID,
		requestType: requestType,
		result:      make(chan callResult, 1),
	}, req, s.cfg.timeoutFor(requestType))
	if err != nil {
		return protocol.RequestResponse{}, err
	}

	if !res.resp.RequestStatus.Result {
		return res.resp, &errors.RejectionError{
			RequestType: requestType,
			Code:        res.resp.RequestStatus.Code,
			Comment:     res.resp.RequestStatus.Comment,
		}
	}
	return res.resp, nil
}

// CallBatch sends a request batch resolved as one unit. Sub-requests
// without an id are assigned one. The deadline is the largest per-type
// deadline among the contained requests.
func (s *Session) CallBatch(
	ctx context.Context, requests []protocol.Request, haltOnFailure bool,
) (protocol.RequestBatchResponse, error) {
	if len(requests) == 0 {
		return protocol.RequestBatchResponse{}, errors.WrapInvalid(
			fmt.Errorf("empty request batch"), "Session", "CallBatch", "validate batch")
	}

	timeout := time.Duration(0)
	for i := range requests {
		if requests[i].RequestID == "" {
			requests[i].RequestID = uuid.NewString()
		}
		if d := s.cfg.timeoutFor(requests[i].RequestType); d > timeout {
			timeout = d
		}
	}

	batch := protocol.RequestBatch{
		RequestID:     uuid.NewString(),
		HaltOnFailure: haltOnFailure,
		Requests:      requests,
	}

	res, err := s.dispatch(ctx, &pending{
		id:          batch.RequestID,
		requestType: "RequestBatch",
		batch:       true,
		result:      make(chan callResult, 1),
	}, batch, timeout)
	if err != nil {
		return protocol.RequestBatchResponse{}, err
	}
	return res.batch, nil
}

// Resubscribe updates the session's event subscription mask in place.
func (s *Session) Resubscribe(ctx context.Context, mask protocol.EventSubscription) error {
	return s.transport.Send(ctx, protocol.Reidentify{EventSubscriptions: mask})
}

// dispatch registers p, sends msg, and waits for resolution. Registration
// happens before the send so a response cannot race past its pending slot.
func (s *Session) dispatch(
	ctx context.Context, p *pending, msg protocol.Message, timeout time.Duration,
) (callResult, error) {
	p.started = time.Now()
	p.timeout = timeout

	select {
	case s.registerCh <- p:
	case <-s.done:
		return callResult{}, errors.WrapTransient(
			fmt.Errorf("%w: session closed", errors.ErrNotConnected),
			"Session", "dispatch", "register request")
	case <-ctx.Done():
		return callResult{}, errors.WrapTransient(ctx.Err(), "Session", "dispatch", "register request")
	}

	if err := s.transport.Send(ctx, msg); err != nil {
		s.unregister(p.id)
		return callResult{}, err
	}

	select {
	case res := <-p.result:
		if res.err != nil {
			return callResult{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		s.unregister(p.id)
		return callResult{}, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrRequestCancelled, ctx.Err()),
			"Session", "dispatch", "await response")
	}
}

func (s *Session) unregister(id string) {
	select {
	case s.unregisterCh <- id:
	case <-s.done:
	}
}

// demux is the only goroutine that touches the pending map. It routes
// responses by id, events to the bus, and resolves every pending exactly
// once on session teardown.
func (s *Session) demux() {
	pendings := make(map[string]*pending)

	defer func() {
		for id, p := range pendings {
			delete(pendings, id)
			p.timer.Stop()
			s.resolveMetrics(p, "cancelled")
			p.result <- callResult{err: errors.WrapTransient(
				fmt.Errorf("%w: session terminated", errors.ErrRequestCancelled),
				"Session", "demux", "cancel pending")}
		}
		if s.metrics != nil {
			s.metrics.ConnectionStatus.Set(0)
		}
		close(s.done)
	}()

	frames := s.transport.Frames()
	for {
		select {
		case in, ok := <-frames:
			if !ok {
				if s.err == nil {
					s.err = errors.WrapTransient(errors.ErrConnectionLost,
						"Session", "demux", "receive stream")
				}
				return
			}
			if in.Err != nil {
				s.err = in.Err
				continue
			}
			s.route(pendings, in.Msg)

		case p := <-s.registerCh:
			pendings[p.id] = p
			// Armed here, not by the caller: a caller-armed timer could
			// fire while the registration is still queued, its signal
			// consumed and dropped, and the pending left with a dead timer
			// and a caller blocked forever.
			id := p.id
			p.timer = time.AfterFunc(p.timeout, func() {
				select {
				case s.timeoutCh <- id:
				case <-s.done:
				}
			})
			if s.metrics != nil {
				s.metrics.RequestsInFlight.Inc()
			}

		case id := <-s.unregisterCh:
			if p, ok := pendings[id]; ok {
				delete(pendings, id)
				p.timer.Stop()
				s.resolveMetrics(p, "cancelled")
			}

		case id := <-s.timeoutCh:
			p, ok := pendings[id]
			if !ok {
				continue
			}
			delete(pendings, id)
			s.resolveMetrics(p, "timeout")
			p.result <- callResult{err: errors.WrapTransient(
				fmt.Errorf("%w: %s %s", errors.ErrRequestTimeout, p.requestType, p.id),
				"Session", "demux", "await response")}
		}
	}
}

func (s *Session) route(pendings map[string]*pending, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RequestResponse:
		p, ok := pendings[m.RequestID]
		if !ok || p.batch {
			// Response for a request already timed out or cancelled.
			s.logger.Debug("response without pending request",
				"requestId", m.RequestID, "requestType", m.RequestType)
			return
		}
		delete(pendings, m.RequestID)
		p.timer.Stop()
		if m.RequestStatus.Result {
			s.resolveMetrics(p, "success")
		} else {
			s.resolveMetrics(p, "rejected")
		}
		p.result <- callResult{resp: m}

	case protocol.RequestBatchResponse:
		p, ok := pendings[m.RequestID]
		if !ok || !p.batch {
			s.logger.Debug("batch response without pending batch", "requestId", m.RequestID)
			return
		}
		delete(pendings, m.RequestID)
		p.timer.Stop()
		s.resolveMetrics(p, "success")
		p.result <- callResult{batch: m}

	case protocol.Event:
		if s.metrics != nil {
			s.metrics.EventsReceived.WithLabelValues(m.EventType).Inc()
		}
		s.bus.Dispatch(m)

	case protocol.Unknown:
		s.logger.Debug("unknown message kind", "op", m.OpCode)

	default:
		// Handshake opcodes after identification. Harmless, but worth a note.
		s.logger.Warn("unexpected message post-handshake", "op", msg.Op())
	}
}

func (s *Session) resolveMetrics(p *pending, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsInFlight.Dec()
	s.metrics.RequestsTotal.WithLabelValues(p.requestType, outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues(p.requestType).
		Observe(time.Since(p.started).Seconds())
}
