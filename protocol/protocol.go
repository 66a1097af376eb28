// Package protocol implements the wire codec for the obs-websocket v5
// control protocol: the {op, d} envelope framing, the typed message set
// exchanged during handshake and steady state, and the challenge-response
// authentication digest.
//
// Decoding is strict about required fields and reports schema violations as
// malformed-message errors. Unknown optional fields are ignored for forward
// compatibility. Unknown opcodes decode into an Unknown message so the
// session can count and log them without dying.
package protocol

// OpCode identifies the wire message kind carried by an envelope.
type OpCode int

// Wire message kinds, per the obs-websocket v5 protocol.
const (
	OpHello                OpCode = 0
	OpIdentify             OpCode = 1
	OpIdentified           OpCode = 2
	OpReidentify           OpCode = 3
	OpEvent                OpCode = 5
	OpRequest              OpCode = 6
	OpRequestResponse      OpCode = 7
	OpRequestBatch         OpCode = 8
	OpRequestBatchResponse OpCode = 9
)

// String returns the protocol name of the opcode.
func (op OpCode) String() string {
	switch op {
	case OpHello:
		return "Hello"
	case OpIdentify:
		return "Identify"
	case OpIdentified:
		return "Identified"
	case OpReidentify:
		return "Reidentify"
	case OpEvent:
		return "Event"
	case OpRequest:
		return "Request"
	case OpRequestResponse:
		return "RequestResponse"
	case OpRequestBatch:
		return "RequestBatch"
	case OpRequestBatchResponse:
		return "RequestBatchResponse"
	default:
		return "Unknown"
	}
}

// RPCVersion is the protocol version this client speaks. The server's
// negotiated version must match it exactly.
const RPCVersion = 1

// EventSubscription is the bitmask of event categories a client asks the
// server to deliver at Identify time.
type EventSubscription int

// Event subscription categories (subset used by the replay workflow).
const (
	SubscriptionGeneral     EventSubscription = 1 << 0
	SubscriptionConfig      EventSubscription = 1 << 1
	SubscriptionScenes      EventSubscription = 1 << 2
	SubscriptionInputs      EventSubscription = 1 << 3
	SubscriptionOutputs     EventSubscription = 1 << 6
	SubscriptionMediaInputs EventSubscription = 1 << 8

	// SubscriptionReplay covers everything the replay controller needs:
	// replay-buffer output events and media playback events.
	SubscriptionReplay = SubscriptionGeneral | SubscriptionOutputs | SubscriptionMediaInputs
)

// Request types issued by the replay controller.
const (
	RequestStartReplayBuffer     = "StartReplayBuffer"
	RequestStopReplayBuffer      = "StopReplayBuffer"
	RequestSaveReplayBuffer      = "SaveReplayBuffer"
	RequestGetReplayBufferStatus = "GetReplayBufferStatus"
	RequestGetCurrentScene       = "GetCurrentProgramScene"
	RequestCreateInput           = "CreateInput"
	RequestSetInputSettings      = "SetInputSettings"
	RequestTriggerMediaAction    = "TriggerMediaInputAction"
)

// Event types consumed by the replay controller.
const (
	EventReplayBufferSaved        = "ReplayBufferSaved"
	EventReplayBufferStateChanged = "ReplayBufferStateChanged"
	EventMediaInputPlaybackEnded  = "MediaInputPlaybackEnded"
	EventExitStarted              = "ExitStarted"
)

// Request status codes returned in RequestResponse (subset relevant here).
const (
	StatusSuccess               = 100
	StatusRequestFailed         = 204
	StatusOutputRunning         = 500
	StatusOutputNotRunning      = 501
	StatusResourceNotFound      = 600
	StatusResourceAlreadyExists = 601
)
