// Package cue listens for save cues on UDP. A game plugin fires a small
// datagram ("Scored", "EpicSave") at the moment worth clipping; the
// listener maps known cue names to save commands and coalesces bursts
// before the replay machine ever sees them.
package cue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/pkg/buffer"
	"github.com/Kazuryu0907/new-rl-replay/pkg/retry"
	"github.com/Kazuryu0907/new-rl-replay/replay"
)

const (
	maxDatagramSize = 512
	queueCapacity   = 64
)

// Cue names the plugin sends. Anything else is counted and ignored.
var saveCues = map[string]bool{
	"Scored":   true,
	"EpicSave": true,
}

// Dispatcher receives the commands the listener produces. Satisfied by
// *replay.Machine.
type Dispatcher interface {
	Dispatch(cmd replay.Command)
}

// Config tunes the listener.
type Config struct {
	// ListenAddr is the UDP bind address.
	ListenAddr string

	// BurstLimit is the number of save cues passed through per second;
	// cues beyond it are coalesced.
	BurstLimit int
}

// Deps wires the listener's collaborators. Registry may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Registry   *metric.MetricsRegistry
}

// Listener receives cue datagrams and turns them into save commands.
type Listener struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger

	queue   buffer.Buffer[string]
	limiter *rate.Limiter

	mu        sync.Mutex
	boundAddr string

	cuesReceived  *prometheus.CounterVec
	cuesCoalesced prometheus.Counter
	cuesUnknown   prometheus.Counter
	dropped       prometheus.Counter
}

// NewListener creates a listener. The socket is bound by Run.
func NewListener(cfg Config, deps Deps) (*Listener, error) {
	if deps.Dispatcher == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("dispatcher is required"),
			"CueListener", "NewListener", "validate dependencies")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "cue")
	}
	if cfg.BurstLimit < 1 {
		cfg.BurstLimit = 1
	}

	l := &Listener{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.BurstLimit), 1),
		cuesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "cues_received_total",
			Help:      "Cue datagrams received by cue name",
		}, []string{"cue"}),
		cuesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "cues_coalesced_total",
			Help:      "Save cues folded into an already pending save",
		}),
		cuesUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "cues_unknown_total",
			Help:      "Datagrams with an unrecognized cue name",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Name:      "cue_datagrams_dropped_total",
			Help:      "Datagrams dropped because the queue overflowed",
		}),
	}

	queue, err := buffer.NewCircularBuffer[string](queueCapacity,
		buffer.WithOverflowPolicy[string](buffer.DropOldest),
		buffer.WithDropCallback[string](func(string) { l.dropped.Inc() }),
	)
	if err != nil {
		return nil, err
	}
	l.queue = queue

	if deps.Registry != nil {
		if err := deps.Registry.RegisterCounterVec("cue", "cues_received_total", l.cuesReceived); err != nil {
			return nil, err
		}
		if err := deps.Registry.RegisterCounter("cue", "cues_coalesced_total", l.cuesCoalesced); err != nil {
			return nil, err
		}
		if err := deps.Registry.RegisterCounter("cue", "cues_unknown_total", l.cuesUnknown); err != nil {
			return nil, err
		}
		if err := deps.Registry.RegisterCounter("cue", "cue_datagrams_dropped_total", l.dropped); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Addr returns the bound socket address, or "" before Run has bound it.
// Useful when listening on an ephemeral port.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

// Run binds the socket and serves until ctx is cancelled. The bind retries
// with backoff; a port held briefly by a dying process is not fatal.
func (l *Listener) Run(ctx context.Context) error {
	var conn net.PacketConn
	bind := func() error {
		var err error
		conn, err = net.ListenPacket("udp", l.cfg.ListenAddr)
		if err != nil {
			return errors.WrapTransient(err, "CueListener", "Run", "bind udp socket")
		}
		return nil
	}
	if err := retry.Do(ctx, retry.Quick(), bind); err != nil {
		return err
	}
	defer conn.Close()

	l.mu.Lock()
	l.boundAddr = conn.LocalAddr().String()
	l.mu.Unlock()
	l.logger.Info("cue listener bound", "addr", conn.LocalAddr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readLoop(ctx, conn) })
	g.Go(func() error { return l.processLoop(ctx) })
	err := g.Wait()
	_ = l.queue.Close()
	return err
}

// readLoop moves datagrams off the socket into the queue. Short read
// deadlines keep shutdown prompt without closing the socket out from under
// a read.
func (l *Listener) readLoop(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "CueListener", "readLoop", "socket read")
		}

		payload := strings.TrimSpace(string(buf[:n]))
		if payload == "" {
			continue
		}
		l.logger.Debug("cue datagram", "cue", payload, "from", addr.String())
		if err := l.queue.Write(payload); err != nil {
			return nil // queue closed, shutting down
		}
	}
}

// processLoop drains the queue, counts cues, and dispatches save commands
// through the limiter.
func (l *Listener) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, cue := range l.queue.ReadBatch(queueCapacity) {
			l.handleCue(cue)
		}
	}
}

func (l *Listener) handleCue(cue string) {
	if !saveCues[cue] {
		// Unlabeled: cue names arrive off the network and must not mint
		// unbounded label values.
		l.cuesUnknown.Inc()
		l.logger.Debug("unknown cue ignored", "cue", cue)
		return
	}
	l.cuesReceived.WithLabelValues(cue).Inc()

	if !l.limiter.Allow() {
		l.cuesCoalesced.Inc()
		l.logger.Debug("cue coalesced by burst limiter", "cue", cue)
		return
	}

	l.logger.Info("save cue", "cue", cue)
	l.dispatcher.Dispatch(replay.CmdSaveCue)
}
