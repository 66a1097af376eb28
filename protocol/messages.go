package protocol

import "encoding/json"

// Message is the closed union over decoded wire messages. Exactly one
// concrete type exists per opcode, plus Unknown for opcodes this client
// does not recognize.
type Message interface {
	Op() OpCode
}

// Authentication carries the server's challenge material from Hello.
type Authentication struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// Hello is the server's first message after the socket opens.
type Hello struct {
	OBSWebSocketVersion string          `json:"obsWebSocketVersion"`
	RPCVersion          int             `json:"rpcVersion"`
	Authentication      *Authentication `json:"authentication,omitempty"`
}

// Op implements Message.
func (Hello) Op() OpCode { return OpHello }

// Identify is the client's handshake response to Hello.
type Identify struct {
	RPCVersion         int               `json:"rpcVersion"`
	Authentication     string            `json:"authentication,omitempty"`
	EventSubscriptions EventSubscription `json:"eventSubscriptions"`
}

// Op implements Message.
func (Identify) Op() OpCode { return OpIdentify }

// Identified is the server's confirmation that the session is live.
type Identified struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// Op implements Message.
func (Identified) Op() OpCode { return OpIdentified }

// Reidentify updates the event subscription mask of a live session.
type Reidentify struct {
	EventSubscriptions EventSubscription `json:"eventSubscriptions"`
}

// Op implements Message.
func (Reidentify) Op() OpCode { return OpReidentify }

// Event is an asynchronous notification from the server. EventData is kept
// raw; subscribers decode the payloads they understand.
type Event struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent"`
	EventData   json.RawMessage `json:"eventData,omitempty"`

	// Seq is the receipt sequence number assigned by the transport, not a
	// wire field. It preserves delivery order across event kinds.
	Seq uint64 `json:"-"`
}

// Op implements Message.
func (Event) Op() OpCode { return OpEvent }

// Request is a correlated command sent to the server.
type Request struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

// Op implements Message.
func (Request) Op() OpCode { return OpRequest }

// RequestStatus reports the outcome of one request.
type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// RequestResponse resolves a pending Request, matched strictly by id.
type RequestResponse struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// Op implements Message.
func (RequestResponse) Op() OpCode { return OpRequestResponse }

// RequestBatch carries multiple requests resolved as one unit.
type RequestBatch struct {
	RequestID     string    `json:"requestId"`
	HaltOnFailure bool      `json:"haltOnFailure,omitempty"`
	Requests      []Request `json:"requests"`
}

// Op implements Message.
func (RequestBatch) Op() OpCode { return OpRequestBatch }

// RequestBatchResponse resolves a pending RequestBatch.
type RequestBatchResponse struct {
	RequestID string            `json:"requestId"`
	Results   []RequestResponse `json:"results"`
}

// Op implements Message.
func (RequestBatchResponse) Op() OpCode { return OpRequestBatchResponse }

// Unknown carries an opcode this client does not recognize, with its raw
// payload. The session reports it and keeps going.
type Unknown struct {
	OpCode  OpCode
	Payload json.RawMessage
}

// Op implements Message.
func (u Unknown) Op() OpCode { return u.OpCode }

// Typed event payloads.

// ReplayBufferSavedData is the payload of a ReplayBufferSaved event.
type ReplayBufferSavedData struct {
	SavedReplayPath string `json:"savedReplayPath"`
}

// ReplayBufferStateChangedData is the payload of a
// ReplayBufferStateChanged event.
type ReplayBufferStateChangedData struct {
	OutputActive bool   `json:"outputActive"`
	OutputState  string `json:"outputState"`
}

// MediaPlaybackEndedData is the payload of a MediaInputPlaybackEnded event.
type MediaPlaybackEndedData struct {
	InputName string `json:"inputName"`
}

// Typed request/response payloads.

// ReplayBufferStatusData is the response payload of GetReplayBufferStatus.
type ReplayBufferStatusData struct {
	OutputActive bool `json:"outputActive"`
}

// CurrentSceneData is the response payload of GetCurrentProgramScene.
type CurrentSceneData struct {
	SceneName string `json:"sceneName"`
}
