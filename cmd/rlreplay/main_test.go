package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kazuryu0907/new-rl-replay/protocol"
	"github.com/Kazuryu0907/new-rl-replay/replay"
	"github.com/Kazuryu0907/new-rl-replay/supervisor"
)

// acceptAllRequester accepts every request and records the order.
type acceptAllRequester struct {
	mu    sync.Mutex
	calls []string
}

func (r *acceptAllRequester) Call(_ context.Context, requestType string, _ any) (protocol.RequestResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, requestType)
	return protocol.RequestResponse{
		RequestType:   requestType,
		RequestStatus: protocol.RequestStatus{Result: true, Code: protocol.StatusSuccess},
	}, nil
}

func (r *acceptAllRequester) count(requestType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == requestType {
			n++
		}
	}
	return n
}

// The wired daemon has no operator issuing play commands, so the drain loop
// must hand every saved clip to the playback source itself; otherwise the
// machine parks in Saved after the first clip and later cues are discarded.
func TestDrainNotifications_PlaysEverySavedClip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := &acceptAllRequester{}
	source := replay.NewSourceController(req, "replay", "", logger)
	machine := replay.NewMachine(replay.Deps{
		Requester: req,
		Source:    source,
		Logger:    logger,
	}, replay.Config{SaveDelay: 10 * time.Millisecond})
	sup := supervisor.New(supervisor.Config{}, supervisor.Deps{Logger: logger})

	go func() { _ = machine.Run(ctx) }()
	go func() { _ = drainNotifications(ctx, machine, sup, logger) }()

	machine.Dispatch(replay.CmdStart)
	machine.Dispatch(replay.CmdSaveCue)

	require.Eventually(t, func() bool {
		return req.count(protocol.RequestSaveReplayBuffer) == 1
	}, 2*time.Second, 10*time.Millisecond, "first cue did not reach the buffer")

	machine.InjectEvent(protocol.Event{
		EventType: protocol.EventReplayBufferSaved,
		EventData: json.RawMessage(`{"savedReplayPath":"/clips/goal-1.mp4"}`),
	})

	// The drain loop alone must trigger playback.
	require.Eventually(t, func() bool {
		return req.count(protocol.RequestTriggerMediaAction) >= 1
	}, 2*time.Second, 10*time.Millisecond, "saved clip never reached the playback source")

	machine.InjectEvent(protocol.Event{
		EventType: protocol.EventMediaInputPlaybackEnded,
		EventData: json.RawMessage(`{"inputName":"replay"}`),
	})

	// Cues raised once playback has wound down must save again; redundant
	// dispatches while still Playing or SaveRequested are discarded or
	// coalesced, so the count settles at exactly two.
	require.Eventually(t, func() bool {
		machine.Dispatch(replay.CmdSaveCue)
		return req.count(protocol.RequestSaveReplayBuffer) == 2
	}, 2*time.Second, 50*time.Millisecond, "machine wedged after the first clip")
}
