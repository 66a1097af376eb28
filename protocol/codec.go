package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

// envelope is the outer framing of every wire message.
type envelope struct {
	Op *OpCode         `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Encode serializes a logical message into its wire envelope. Encoding is
// deterministic for identical input, so fixtures can compare bytes.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Encode", "payload marshal")
	}
	op := msg.Op()
	data, err := json.Marshal(envelope{Op: &op, D: payload})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Encode", "envelope marshal")
	}
	return data, nil
}

// Decode parses a wire envelope into its typed message. Schema violations
// (missing envelope fields, missing required payload fields) fail with a
// malformed-message error. An unrecognized opcode decodes into Unknown
// without error; the caller decides how loudly to report it.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(err, "envelope parse")
	}
	if env.Op == nil {
		return nil, malformed(fmt.Errorf("missing op field"), "envelope validate")
	}
	if len(env.D) == 0 {
		return nil, malformed(fmt.Errorf("missing d field for op %s", *env.Op), "envelope validate")
	}

	switch *env.Op {
	case OpHello:
		return decodeHello(env.D)
	case OpIdentify:
		var msg Identify
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "Identify parse")
		}
		if msg.RPCVersion == 0 {
			return nil, malformed(fmt.Errorf("missing rpcVersion"), "Identify validate")
		}
		return msg, nil
	case OpIdentified:
		var msg Identified
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "Identified parse")
		}
		if msg.NegotiatedRPCVersion == 0 {
			return nil, malformed(fmt.Errorf("missing negotiatedRpcVersion"), "Identified validate")
		}
		return msg, nil
	case OpReidentify:
		var msg Reidentify
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "Reidentify parse")
		}
		return msg, nil
	case OpEvent:
		var msg Event
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "Event parse")
		}
		if msg.EventType == "" {
			return nil, malformed(fmt.Errorf("missing eventType"), "Event validate")
		}
		return msg, nil
	case OpRequest:
		var msg Request
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "Request parse")
		}
		if msg.RequestType == "" || msg.RequestID == "" {
			return nil, malformed(fmt.Errorf("missing requestType or requestId"), "Request validate")
		}
		return msg, nil
	case OpRequestResponse:
		return decodeRequestResponse(env.D)
	case OpRequestBatch:
		var msg RequestBatch
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "RequestBatch parse")
		}
		if msg.RequestID == "" {
			return nil, malformed(fmt.Errorf("missing requestId"), "RequestBatch validate")
		}
		return msg, nil
	case OpRequestBatchResponse:
		var msg RequestBatchResponse
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, malformed(err, "RequestBatchResponse parse")
		}
		if msg.RequestID == "" {
			return nil, malformed(fmt.Errorf("missing requestId"), "RequestBatchResponse validate")
		}
		return msg, nil
	default:
		return Unknown{OpCode: *env.Op, Payload: env.D}, nil
	}
}

func decodeHello(d json.RawMessage) (Message, error) {
	var msg Hello
	if err := json.Unmarshal(d, &msg); err != nil {
		return nil, malformed(err, "Hello parse")
	}
	if msg.RPCVersion == 0 {
		return nil, malformed(fmt.Errorf("missing rpcVersion"), "Hello validate")
	}
	if msg.Authentication != nil {
		if msg.Authentication.Challenge == "" || msg.Authentication.Salt == "" {
			return nil, malformed(fmt.Errorf("incomplete authentication challenge"), "Hello validate")
		}
	}
	return msg, nil
}

func decodeRequestResponse(d json.RawMessage) (Message, error) {
	// requestStatus must be present, not merely zero-valued: a pointer
	// probe distinguishes "absent" from "result:false, code:0".
	var probe struct {
		RequestStatus *RequestStatus `json:"requestStatus"`
	}
	if err := json.Unmarshal(d, &probe); err != nil {
		return nil, malformed(err, "RequestResponse parse")
	}
	if probe.RequestStatus == nil {
		return nil, malformed(fmt.Errorf("missing requestStatus"), "RequestResponse validate")
	}

	var msg RequestResponse
	if err := json.Unmarshal(d, &msg); err != nil {
		return nil, malformed(err, "RequestResponse parse")
	}
	if msg.RequestID == "" {
		return nil, malformed(fmt.Errorf("missing requestId"), "RequestResponse validate")
	}
	return msg, nil
}

func malformed(err error, action string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %w", errors.ErrMalformedMessage, err),
		"Codec", "Decode", action)
}
