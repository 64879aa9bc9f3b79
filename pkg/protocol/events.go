package protocol

// ProtocolVersion is bumped when the activity wire shape changes incompatibly.
const ProtocolVersion = 1

// Plugin lifecycle event names, broadcast by the dispatcher to every plugin.
const (
	EventInit             = "init"
	EventStart            = "start"
	EventActivity         = "activity"
	EventActivitySent     = "activity.sent"
	EventActivityResponse = "activity.response"
	EventError            = "error"
	EventStream           = "stream"
	EventStop             = "stop"
)

// Stream event subtypes (reported to stream observers).
const (
	StreamEventChunk = "chunk"
	StreamEventClose = "close"
)

// Devtools websocket frame ops.
const (
	FrameActivity = "activity" // client → server: inbound activity
	FrameSend     = "send"     // server → client: new outbound activity
	FrameUpdate   = "update"   // server → client: update of an earlier activity
	FrameResponse = "response" // server → client: turn response
	FrameError    = "error"
)

// Frame is the devtools websocket envelope.
type Frame struct {
	Op       string    `json:"op"`
	Activity *Activity `json:"activity,omitempty"`
	Status   int       `json:"status,omitempty"`
	Body     any       `json:"body,omitempty"`
	Routes   int       `json:"routes,omitempty"`
	Error    string    `json:"error,omitempty"`
}
