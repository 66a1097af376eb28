// Package replay drives the instant-replay workflow: keep the replay
// buffer rolling, cut a clip a few seconds after a save cue, and hand the
// saved clip to a playback source.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kazuryu0907/new-rl-replay/metric"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/session"
)

// Requester issues correlated requests. Satisfied by *session.Session, and
// by the supervisor's reconnect-aware forwarder.
type Requester interface {
	Call(ctx context.Context, requestType string, payload any) (protocol.RequestResponse, error)
}

// State is the replay lifecycle state.
type State int

// Replay states.
const (
	StateIdle State = iota
	StateBuffering
	StateSaveRequested
	StateSaved
	StatePlaying
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuffering:
		return "Buffering"
	case StateSaveRequested:
		return "SaveRequested"
	case StateSaved:
		return "Saved"
	case StatePlaying:
		return "Playing"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Command is an external instruction to the machine.
type Command int

// Commands.
const (
	// CmdStart begins buffering from Idle, issuing StartReplayBuffer.
	CmdStart Command = iota

	// CmdResume moves Idle to Buffering without a request, for reconnects
	// where the buffer is already confirmed active.
	CmdResume

	// CmdSaveCue requests a clip save after the configured delay.
	CmdSaveCue

	// CmdPlay plays the saved clip on the playback source.
	CmdPlay

	// CmdStop ends playback and returns to buffering.
	CmdStop

	// CmdConnectionLost forces Idle; remote buffer state is unknown after a
	// connection gap.
	CmdConnectionLost
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "Start"
	case CmdResume:
		return "Resume"
	case CmdSaveCue:
		return "SaveCue"
	case CmdPlay:
		return "Play"
	case CmdStop:
		return "Stop"
	case CmdConnectionLost:
		return "ConnectionLost"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// SavedClip is one confirmed replay save. Immutable once created.
type SavedClip struct {
	Path       string
	CapturedAt time.Time
}

// NotificationKind discriminates Notification.
type NotificationKind int

// Notification kinds.
const (
	NotifyStateChanged NotificationKind = iota
	NotifyClipSaved
	NotifyError
)

// Notification is one item on the outbound stream to the host application.
type Notification struct {
	Kind NotificationKind
	Old  State
	New  State
	Clip *SavedClip
	Err  error
}

// Config tunes the machine.
type Config struct {
	// SaveDelay is the pause between a cue and the SaveReplayBuffer
	// request, so the buffer covers the moments after the cue.
	SaveDelay time.Duration
}

// Deps wires the machine's collaborators. Metrics may be nil.
type Deps struct {
	Requester Requester
	Source    *SourceController
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

type resultKind int

const (
	resultStart resultKind = iota
	resultSave
	resultPlay
)

// asyncResult reports a request round trip back to the run loop. cycle ties
// the result to the save cycle that issued it so late results cannot touch
// a newer cycle.
type asyncResult struct {
	kind  resultKind
	cycle uint64
	err   error
}

// Machine is the replay state machine. All state lives on the run
// goroutine; callers interact only through channels.
type Machine struct {
	cfg     Config
	req     Requester
	source  *SourceController
	logger  *slog.Logger
	metrics *metric.Metrics

	commands      chan Command
	faults        chan error
	events        chan protocol.Event
	results       chan asyncResult
	notifications chan Notification

	// run-goroutine state
	state State
	clip  *SavedClip
	cycle uint64
	delay *time.Timer

	done chan struct{}
}

// NewMachine creates a machine in Idle. Run must be called before commands
// have any effect.
func NewMachine(deps Deps, cfg Config) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "replay")
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = 3 * time.Second
	}
	return &Machine{
		cfg:           cfg,
		req:           deps.Requester,
		source:        deps.Source,
		logger:        logger,
		metrics:       deps.Metrics,
		commands:      make(chan Command, 8),
		faults:        make(chan error, 1),
		events:        make(chan protocol.Event, 64),
		results:       make(chan asyncResult, 8),
		notifications: make(chan Notification, 32),
		state:         StateIdle,
		done:          make(chan struct{}),
	}
}

// Notifications is the outbound stream of state changes, saved clips and
// recoverable errors.
func (m *Machine) Notifications() <-chan Notification {
	return m.notifications
}

// Dispatch submits a command. It never blocks the caller indefinitely: a
// full queue or a stopped machine drops the command with a log line.
func (m *Machine) Dispatch(cmd Command) {
	select {
	case m.commands <- cmd:
	case <-m.done:
		m.logger.Debug("command after shutdown dropped", "command", cmd)
	default:
		m.logger.Warn("command queue full, dropping", "command", cmd)
	}
}

// Fault moves the machine to Faulted with a terminal error. Used by the
// supervisor when reconnection is abandoned.
func (m *Machine) Fault(err error) {
	select {
	case m.faults <- err:
	case <-m.done:
	default:
	}
}

// InjectEvent feeds one decoded event into the machine. Never blocks the
// session demux: overflow drops the event with a warning.
func (m *Machine) InjectEvent(ev protocol.Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	default:
		m.logger.Warn("event queue full, dropping", "eventType", ev.EventType)
	}
}

// BindBus subscribes the machine to the events it consumes. Safe to call
// once; the bus outlives reconnects, so one binding is enough.
func (m *Machine) BindBus(bus *session.EventBus) {
	bus.Subscribe(protocol.EventReplayBufferSaved, m.InjectEvent)
	bus.Subscribe(protocol.EventMediaInputPlaybackEnded, m.InjectEvent)
	bus.Subscribe(protocol.EventReplayBufferStateChanged, m.InjectEvent)
}

// Run owns all machine state until ctx is cancelled. On shutdown it makes a
// best-effort StopReplayBuffer call so the remote buffer is not left
// recording into the void.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	m.gauge(StateIdle)

	for {
		select {
		case <-ctx.Done():
			m.disarmDelay()
			m.stopBufferOnExit()
			return nil
		case cmd := <-m.commands:
			m.handleCommand(ctx, cmd)
		case err := <-m.faults:
			m.handleFault(err)
		case ev := <-m.events:
			m.handleEvent(ev)
		case res := <-m.results:
			m.handleResult(res)
		case <-m.delayChan():
			m.handleDelayExpired(ctx)
		}
	}
}

// delayChan returns the armed delay timer's channel, or nil (which blocks
// forever in select) when no save delay is pending.
func (m *Machine) delayChan() <-chan time.Time {
	if m.delay == nil {
		return nil
	}
	return m.delay.C
}

func (m *Machine) handleCommand(ctx context.Context, cmd Command) {
	if cmd == CmdConnectionLost {
		// Valid from every state, including Faulted.
		m.disarmDelay()
		m.clip = nil
		m.cycle++ // old-epoch confirmations and results are stale from here
		m.setState(StateIdle)
		return
	}

	switch m.state {
	case StateIdle:
		switch cmd {
		case CmdStart:
			m.setState(StateBuffering)
			m.asyncCall(ctx, resultStart, protocol.RequestStartReplayBuffer, nil)
		case CmdResume:
			m.setState(StateBuffering)
		default:
			m.discardCommand(cmd)
		}

	case StateBuffering:
		if cmd == CmdSaveCue {
			m.cycle++
			m.setState(StateSaveRequested)
			m.delay = time.NewTimer(m.cfg.SaveDelay)
		} else {
			m.discardCommand(cmd)
		}

	case StateSaveRequested:
		if cmd == CmdSaveCue {
			// Coalesced: one save request per cycle, later cues fold in.
			m.logger.Info("save cue coalesced into pending save", "cycle", m.cycle)
		} else {
			m.discardCommand(cmd)
		}

	case StateSaved:
		if cmd == CmdPlay {
			m.startPlayback(ctx)
		} else {
			m.discardCommand(cmd)
		}

	case StatePlaying:
		if cmd == CmdStop {
			m.setState(StateBuffering)
		} else {
			m.discardCommand(cmd)
		}

	case StateFaulted:
		m.discardCommand(cmd)
	}
}

func (m *Machine) handleFault(err error) {
	m.disarmDelay()
	m.clip = nil
	m.setState(StateFaulted)
	m.notify(Notification{Kind: NotifyError, Err: err})
}

func (m *Machine) handleEvent(ev protocol.Event) {
	switch ev.EventType {
	case protocol.EventReplayBufferSaved:
		m.handleSaveConfirmed(ev)

	case protocol.EventMediaInputPlaybackEnded:
		var data protocol.MediaPlaybackEndedData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			m.logger.Warn("undecodable playback event", "error", err)
			return
		}
		if m.source != nil && data.InputName != m.source.InputName() {
			return
		}
		if m.state == StatePlaying {
			m.setState(StateBuffering)
		} else {
			m.discardEvent(ev.EventType)
		}

	case protocol.EventReplayBufferStateChanged:
		// Informational; transitions are driven by commands and saves.
		m.logger.Debug("replay buffer state changed", "data", string(ev.EventData))

	default:
		m.logger.Debug("unhandled event", "eventType", ev.EventType)
	}
}

// handleSaveConfirmed applies a save confirmation. Only a confirmation
// arriving in SaveRequested produces a clip; anything else is stale (a
// timeout already advanced the state, or the confirmation is a duplicate)
// and must not retroactively produce one.
func (m *Machine) handleSaveConfirmed(ev protocol.Event) {
	if m.state != StateSaveRequested {
		m.logger.Warn("stale save confirmation discarded",
			"state", m.state, "cycle", m.cycle)
		m.countDiscard()
		return
	}

	var data protocol.ReplayBufferSavedData
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		m.logger.Warn("undecodable save confirmation", "error", err)
		return
	}

	m.disarmDelay()
	m.clip = &SavedClip{Path: data.SavedReplayPath, CapturedAt: time.Now()}
	m.setState(StateSaved)
	if m.metrics != nil {
		m.metrics.ClipsSaved.Inc()
	}
	m.notify(Notification{Kind: NotifyClipSaved, Clip: m.clip})
	m.logger.Info("clip saved", "path", data.SavedReplayPath, "cycle", m.cycle)
}

func (m *Machine) handleResult(res asyncResult) {
	switch res.kind {
	case resultStart:
		if m.state != StateBuffering {
			return
		}
		if res.err != nil {
			m.setState(StateIdle)
			m.notify(Notification{Kind: NotifyError, Err: res.err})
		}

	case resultSave:
		// A late save result from a previous cycle must not disturb the
		// current one.
		if res.cycle != m.cycle || m.state != StateSaveRequested {
			return
		}
		if res.err != nil {
			m.setState(StateBuffering)
			m.notify(Notification{Kind: NotifyError, Err: res.err})
		}
		// Success keeps us in SaveRequested; the confirmation event with
		// the clip path completes the cycle.

	case resultPlay:
		if m.state != StatePlaying {
			return
		}
		if res.err != nil {
			m.setState(StateSaved)
			m.notify(Notification{Kind: NotifyError, Err: res.err})
		}
	}
}

func (m *Machine) handleDelayExpired(ctx context.Context) {
	m.delay = nil
	if m.state != StateSaveRequested {
		return
	}
	m.asyncCall(ctx, resultSave, protocol.RequestSaveReplayBuffer, nil)
}

func (m *Machine) startPlayback(ctx context.Context) {
	clip := m.clip
	if clip == nil || m.source == nil {
		m.discardCommand(CmdPlay)
		return
	}
	m.setState(StatePlaying)

	cycle := m.cycle
	go func() {
		err := m.source.SetClip(ctx, clip.Path)
		if err == nil {
			err = m.source.Restart(ctx)
		}
		m.report(ctx, asyncResult{kind: resultPlay, cycle: cycle, err: err})
	}()
}

// asyncCall issues a request off the run goroutine and reports its outcome
// back as an asyncResult.
func (m *Machine) asyncCall(ctx context.Context, kind resultKind, requestType string, payload any) {
	cycle := m.cycle
	go func() {
		_, err := m.req.Call(ctx, requestType, payload)
		m.report(ctx, asyncResult{kind: kind, cycle: cycle, err: err})
	}()
}

func (m *Machine) report(ctx context.Context, res asyncResult) {
	select {
	case m.results <- res:
	case <-ctx.Done():
	}
}

func (m *Machine) setState(next State) {
	if next == m.state {
		return
	}
	old := m.state
	m.state = next
	m.gauge(next)
	m.logger.Info("replay state changed", "from", old, "to", next)
	m.notify(Notification{Kind: NotifyStateChanged, Old: old, New: next})
}

func (m *Machine) gauge(current State) {
	if m.metrics == nil {
		return
	}
	for s := StateIdle; s <= StateFaulted; s++ {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.metrics.ReplayState.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Machine) disarmDelay() {
	if m.delay != nil {
		m.delay.Stop()
		m.delay = nil
	}
}

// discardCommand records a command the current state cannot apply. Logged
// and counted, never fatal.
func (m *Machine) discardCommand(cmd Command) {
	m.logger.Warn("command discarded in current state",
		"command", cmd, "state", m.state)
	m.countDiscard()
}

func (m *Machine) discardEvent(eventType string) {
	m.logger.Debug("event discarded in current state",
		"eventType", eventType, "state", m.state)
	m.countDiscard()
}

func (m *Machine) countDiscard() {
	if m.metrics != nil {
		m.metrics.ErrorsTotal.WithLabelValues("replay", "state_transition").Inc()
	}
}

func (m *Machine) notify(n Notification) {
	select {
	case m.notifications <- n:
	default:
		m.logger.Warn("notification dropped, slow consumer", "kind", int(n.Kind))
	}
}

// stopBufferOnExit stops the remote replay buffer when shutting down from
// an active state.
func (m *Machine) stopBufferOnExit() {
	if m.req == nil || m.state == StateIdle || m.state == StateFaulted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.req.Call(ctx, protocol.RequestStopReplayBuffer, nil); err != nil {
		m.logger.Debug("stop replay buffer on shutdown failed", "error", err)
	}
}
