package replay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kazuryu0907/new-rl-replay/errors"
	"github.com/Kazuryu0907/new-rl-replay/protocol"
)

// fakeRequester scripts request outcomes by request type and records every
// call in order.
type fakeRequester struct {
	mu       sync.Mutex
	calls    []string
	payloads []any
	outcomes map[string][]error // consumed front to back; empty means success
}

func (f *fakeRequester) Call(_ context.Context, requestType string, payload any) (protocol.RequestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, requestType)
	f.payloads = append(f.payloads, payload)

	if queue := f.outcomes[requestType]; len(queue) > 0 {
		err := queue[0]
		f.outcomes[requestType] = queue[1:]
		if err != nil {
			return protocol.RequestResponse{}, err
		}
	}
	return protocol.RequestResponse{
		RequestType:   requestType,
		RequestStatus: protocol.RequestStatus{Result: true, Code: protocol.StatusSuccess},
	}, nil
}

func (f *fakeRequester) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func savedEvent(path string) protocol.Event {
	data, _ := json.Marshal(protocol.ReplayBufferSavedData{SavedReplayPath: path})
	return protocol.Event{EventType: protocol.EventReplayBufferSaved, EventData: data}
}

func playbackEndedEvent(input string) protocol.Event {
	data, _ := json.Marshal(protocol.MediaPlaybackEndedData{InputName: input})
	return protocol.Event{EventType: protocol.EventMediaInputPlaybackEnded, EventData: data}
}

// awaitNotification pulls notifications until pred matches or the deadline
// passes.
func awaitNotification(t *testing.T, m *Machine, pred func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-m.Notifications():
			if pred(n) {
				return n
			}
		case <-deadline:
			t.Fatal("expected notification never arrived")
		}
	}
}

func awaitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	awaitNotification(t, m, func(n Notification) bool {
		return n.Kind == NotifyStateChanged && n.New == want
	})
}

func newTestMachine(t *testing.T, req *fakeRequester, delay time.Duration) *Machine {
	t.Helper()
	source := NewSourceController(req, "replay", "", nil)
	m := NewMachine(Deps{Requester: req, Source: source}, Config{SaveDelay: delay})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return m
}

func TestMachine_StartThenSaveFlow(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)

	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	// Delay expires, SaveReplayBuffer goes out, confirmation lands.
	require.Eventually(t, func() bool {
		for _, c := range req.callList() {
			if c == protocol.RequestSaveReplayBuffer {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	m.InjectEvent(savedEvent("/clips/goal.mp4"))

	n := awaitNotification(t, m, func(n Notification) bool { return n.Kind == NotifyClipSaved })
	require.NotNil(t, n.Clip)
	assert.Equal(t, "/clips/goal.mp4", n.Clip.Path)
	assert.False(t, n.Clip.CapturedAt.IsZero())
}

func TestMachine_SaveDelayPrecedesRequest(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 300*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)

	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, req.callList(), protocol.RequestSaveReplayBuffer,
		"save must wait out the configured delay")

	require.Eventually(t, func() bool {
		for _, c := range req.callList() {
			if c == protocol.RequestSaveReplayBuffer {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMachine_ScenarioB_SaveTimeoutThenRetry(t *testing.T) {
	timeoutErr := errors.WrapTransient(
		fmt.Errorf("%w: SaveReplayBuffer", errors.ErrRequestTimeout),
		"Session", "demux", "await response")
	req := &fakeRequester{outcomes: map[string][]error{
		protocol.RequestSaveReplayBuffer: {timeoutErr, nil},
	}}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)

	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	// Timeout reported as a recoverable error, state back to Buffering.
	n := awaitNotification(t, m, func(n Notification) bool { return n.Kind == NotifyError })
	assert.True(t, stderrors.Is(n.Err, errors.ErrRequestTimeout))
	awaitState(t, m, StateBuffering)

	// The next cue succeeds.
	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)
	require.Eventually(t, func() bool {
		saves := 0
		for _, c := range req.callList() {
			if c == protocol.RequestSaveReplayBuffer {
				saves++
			}
		}
		return saves == 2
	}, 2*time.Second, 10*time.Millisecond)

	m.InjectEvent(savedEvent("/clips/retry.mp4"))
	n = awaitNotification(t, m, func(n Notification) bool { return n.Kind == NotifyClipSaved })
	assert.Equal(t, "/clips/retry.mp4", n.Clip.Path)
}

func TestMachine_ScenarioC_PlayThenPlaybackEnds(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)
	m.Dispatch(CmdSaveCue)
	m.InjectEvent(savedEvent("/clips/goal.mp4"))
	awaitState(t, m, StateSaved)

	m.Dispatch(CmdPlay)
	awaitState(t, m, StatePlaying)

	// The source got the clip and a restart.
	require.Eventually(t, func() bool {
		calls := req.callList()
		haveSet, haveRestart := false, false
		for _, c := range calls {
			if c == protocol.RequestSetInputSettings {
				haveSet = true
			}
			if c == protocol.RequestTriggerMediaAction {
				haveRestart = true
			}
		}
		return haveSet && haveRestart
	}, 2*time.Second, 10*time.Millisecond)

	m.InjectEvent(playbackEndedEvent("replay"))
	awaitState(t, m, StateBuffering)
}

func TestMachine_PlaybackEndedForOtherInputIgnored(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)
	m.Dispatch(CmdSaveCue)
	m.InjectEvent(savedEvent("/clips/goal.mp4"))
	awaitState(t, m, StateSaved)
	m.Dispatch(CmdPlay)
	awaitState(t, m, StatePlaying)

	m.InjectEvent(playbackEndedEvent("background-music"))

	// Still playing: only the controlled input ends playback.
	m.InjectEvent(playbackEndedEvent("replay"))
	awaitState(t, m, StateBuffering)
}

func TestMachine_ScenarioD_ConnectionLostMidSave(t *testing.T) {
	// Save request hangs until cancelled, like a request pending at drop.
	block := make(chan struct{})
	req := &fakeRequester{outcomes: map[string][]error{}}
	slowReq := &slowRequester{inner: req, block: block,
		slowType: protocol.RequestSaveReplayBuffer}
	source := NewSourceController(slowReq, "replay", "", nil)
	m := NewMachine(Deps{Requester: slowReq, Source: source},
		Config{SaveDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = m.Run(ctx) }()
	defer func() { cancel(); <-done }()

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)
	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	// Connection drops while the save is pending.
	m.Dispatch(CmdConnectionLost)
	awaitState(t, m, StateIdle)

	// The pending request resolves cancelled; its late result must not move
	// the machine, and a stale confirmation must not produce a clip.
	close(block)
	m.InjectEvent(savedEvent("/clips/stale.mp4"))

	timeout := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case n := <-m.Notifications():
			assert.NotEqual(t, NotifyClipSaved, n.Kind, "stale confirmation produced a clip")
			if n.Kind == NotifyStateChanged {
				assert.Equal(t, StateIdle, n.New, "late result moved the machine")
			}
		case <-timeout:
			done = true
		}
	}

	m.Dispatch(CmdResume)
	awaitState(t, m, StateBuffering)
}

// slowRequester blocks the configured request type until released, then
// resolves it cancelled.
type slowRequester struct {
	inner    *fakeRequester
	block    chan struct{}
	slowType string
}

func (s *slowRequester) Call(ctx context.Context, requestType string, payload any) (protocol.RequestResponse, error) {
	if requestType == s.slowType {
		<-s.block
		return protocol.RequestResponse{}, errors.WrapTransient(
			fmt.Errorf("%w: session terminated", errors.ErrRequestCancelled),
			"Session", "demux", "cancel pending")
	}
	return s.inner.Call(ctx, requestType, payload)
}

func TestMachine_DuplicateConfirmationProducesOneClip(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)
	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	m.InjectEvent(savedEvent("/clips/goal.mp4"))
	m.InjectEvent(savedEvent("/clips/goal.mp4"))

	awaitNotification(t, m, func(n Notification) bool { return n.Kind == NotifyClipSaved })

	clips := 0
	timeout := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case n := <-m.Notifications():
			if n.Kind == NotifyClipSaved {
				clips++
			}
		case <-timeout:
			done = true
		}
	}
	assert.Zero(t, clips, "duplicate confirmation produced a second clip")
}

func TestMachine_CoalescedCueIssuesOneSave(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 100*time.Millisecond)

	m.Dispatch(CmdStart)
	awaitState(t, m, StateBuffering)

	m.Dispatch(CmdSaveCue)
	m.Dispatch(CmdSaveCue)
	m.Dispatch(CmdSaveCue)
	awaitState(t, m, StateSaveRequested)

	time.Sleep(400 * time.Millisecond)
	saves := 0
	for _, c := range req.callList() {
		if c == protocol.RequestSaveReplayBuffer {
			saves++
		}
	}
	assert.Equal(t, 1, saves, "coalesced cues must issue exactly one save")
}

func TestMachine_FaultIsTerminalExceptReset(t *testing.T) {
	req := &fakeRequester{}
	m := newTestMachine(t, req, 10*time.Millisecond)

	m.Fault(fmt.Errorf("%w: retries exhausted", errors.ErrMaxRetriesExceeded))
	awaitState(t, m, StateFaulted)

	m.Dispatch(CmdStart)
	select {
	case n := <-m.Notifications():
		if n.Kind == NotifyStateChanged {
			t.Fatalf("faulted machine moved to %s", n.New)
		}
	case <-time.After(200 * time.Millisecond):
	}

	m.Dispatch(CmdConnectionLost)
	awaitState(t, m, StateIdle)
}

// TestMachine_TransitionTable checks every (state, input) pair against the
// allowed edge set: no undefined edge is ever taken.
func TestMachine_TransitionTable(t *testing.T) {
	type input struct {
		name  string
		apply func(m *Machine, ctx context.Context)
	}

	inputs := []input{
		{"Start", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdStart) }},
		{"Resume", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdResume) }},
		{"SaveCue", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdSaveCue) }},
		{"Play", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdPlay) }},
		{"Stop", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdStop) }},
		{"ConnectionLost", func(m *Machine, ctx context.Context) { m.handleCommand(ctx, CmdConnectionLost) }},
		{"SaveConfirmed", func(m *Machine, _ context.Context) { m.handleEvent(savedEvent("/clips/x.mp4")) }},
		{"PlaybackEnded", func(m *Machine, _ context.Context) { m.handleEvent(playbackEndedEvent("replay")) }},
		{"StartFailed", func(m *Machine, _ context.Context) {
			m.handleResult(asyncResult{kind: resultStart, cycle: m.cycle, err: fmt.Errorf("boom")})
		}},
		{"SaveFailed", func(m *Machine, _ context.Context) {
			m.handleResult(asyncResult{kind: resultSave, cycle: m.cycle, err: fmt.Errorf("boom")})
		}},
		{"PlayFailed", func(m *Machine, _ context.Context) {
			m.handleResult(asyncResult{kind: resultPlay, cycle: m.cycle, err: fmt.Errorf("boom")})
		}},
	}

	// want[state][input] is the state after applying input in state.
	want := map[State]map[string]State{
		StateIdle: {
			"Start": StateBuffering, "Resume": StateBuffering,
			"SaveCue": StateIdle, "Play": StateIdle, "Stop": StateIdle,
			"ConnectionLost": StateIdle, "SaveConfirmed": StateIdle,
			"PlaybackEnded": StateIdle, "StartFailed": StateIdle,
			"SaveFailed": StateIdle, "PlayFailed": StateIdle,
		},
		StateBuffering: {
			"Start": StateBuffering, "Resume": StateBuffering,
			"SaveCue": StateSaveRequested, "Play": StateBuffering,
			"Stop": StateBuffering, "ConnectionLost": StateIdle,
			"SaveConfirmed": StateBuffering, "PlaybackEnded": StateBuffering,
			"StartFailed": StateIdle, "SaveFailed": StateBuffering,
			"PlayFailed": StateBuffering,
		},
		StateSaveRequested: {
			"Start": StateSaveRequested, "Resume": StateSaveRequested,
			"SaveCue": StateSaveRequested, "Play": StateSaveRequested,
			"Stop": StateSaveRequested, "ConnectionLost": StateIdle,
			"SaveConfirmed": StateSaved, "PlaybackEnded": StateSaveRequested,
			"StartFailed": StateSaveRequested, "SaveFailed": StateBuffering,
			"PlayFailed": StateSaveRequested,
		},
		StateSaved: {
			"Start": StateSaved, "Resume": StateSaved,
			"SaveCue": StateSaved, "Play": StatePlaying, "Stop": StateSaved,
			"ConnectionLost": StateIdle, "SaveConfirmed": StateSaved,
			"PlaybackEnded": StateSaved, "StartFailed": StateSaved,
			"SaveFailed": StateSaved, "PlayFailed": StateSaved,
		},
		StatePlaying: {
			"Start": StatePlaying, "Resume": StatePlaying,
			"SaveCue": StatePlaying, "Play": StatePlaying,
			"Stop": StateBuffering, "ConnectionLost": StateIdle,
			"SaveConfirmed": StatePlaying, "PlaybackEnded": StateBuffering,
			"StartFailed": StatePlaying, "SaveFailed": StatePlaying,
			"PlayFailed": StateSaved,
		},
		StateFaulted: {
			"Start": StateFaulted, "Resume": StateFaulted,
			"SaveCue": StateFaulted, "Play": StateFaulted,
			"Stop": StateFaulted, "ConnectionLost": StateIdle,
			"SaveConfirmed": StateFaulted, "PlaybackEnded": StateFaulted,
			"StartFailed": StateFaulted, "SaveFailed": StateFaulted,
			"PlayFailed": StateFaulted,
		},
	}

	for state, byInput := range want {
		for _, in := range inputs {
			wantState, ok := byInput[in.name]
			require.True(t, ok, "table missing %s + %s", state, in.name)

			t.Run(fmt.Sprintf("%s_%s", state, in.name), func(t *testing.T) {
				req := &fakeRequester{}
				source := NewSourceController(req, "replay", "", nil)
				m := NewMachine(Deps{Requester: req, Source: source}, Config{SaveDelay: time.Hour})

				// Force the starting state directly; handlers run on the
				// test goroutine, no run loop involved.
				m.state = state
				if state == StateSaved || state == StatePlaying {
					m.clip = &SavedClip{Path: "/clips/x.mp4", CapturedAt: time.Now()}
				}

				in.apply(m, context.Background())
				assert.Equal(t, wantState, m.state,
					"%s + %s must land in %s", state, in.name, wantState)
			})
		}
	}
}

func TestMachine_SavedOnlyViaSaveRequested(t *testing.T) {
	// A confirmation in any state but SaveRequested must not reach Saved.
	for _, state := range []State{StateIdle, StateBuffering, StateSaved, StatePlaying, StateFaulted} {
		req := &fakeRequester{}
		m := NewMachine(Deps{Requester: req}, Config{})
		m.state = state
		m.handleEvent(savedEvent("/clips/x.mp4"))
		if state != StateSaved {
			assert.NotEqual(t, StateSaved, m.state, "from %s", state)
		}
		assert.Equal(t, state, m.state)
	}
}
