package protocol

// StreamType marks the role of an activity inside a streamed response.
type StreamType string

const (
	// StreamInformative is a transient status line shown before content starts.
	StreamInformative StreamType = "informative"
	// StreamStreaming carries the accumulated text so far.
	StreamStreaming StreamType = "streaming"
	// StreamFinal is the single consolidated message that ends the stream.
	StreamFinal StreamType = "final"
)

// Entity type and channel-data keys used by streamed activities.
const (
	EntityStreamInfo = "streaminfo"

	KeyStreamID       = "streamId"
	KeyStreamType     = "streamType"
	KeyStreamSequence = "streamSequence"
)

// StreamInfo describes an activity's position in a stream.
type StreamInfo struct {
	StreamID string
	Type     StreamType
	Sequence int // zero for the final chunk
}

// Entity renders the stream info as a "streaminfo" entity.
func (s StreamInfo) Entity() Entity {
	props := map[string]any{KeyStreamType: string(s.Type)}
	if s.StreamID != "" {
		props[KeyStreamID] = s.StreamID
	}
	if s.Sequence > 0 {
		props[KeyStreamSequence] = s.Sequence
	}
	return Entity{Type: EntityStreamInfo, Properties: props}
}

// WithStreamInfo replaces any existing streaminfo entity on a and mirrors the
// fields into channel data.
func (a *Activity) WithStreamInfo(info StreamInfo) *Activity {
	kept := a.Entities[:0:0]
	for _, e := range a.Entities {
		if e.Type != EntityStreamInfo {
			kept = append(kept, e)
		}
	}
	a.Entities = append(kept, info.Entity())
	a.SetChannelData(KeyStreamType, string(info.Type))
	if info.StreamID != "" {
		a.SetChannelData(KeyStreamID, info.StreamID)
	}
	if info.Sequence > 0 {
		a.SetChannelData(KeyStreamSequence, info.Sequence)
	}
	return a
}

// StreamInfo extracts the streaminfo entity, if any.
func (a *Activity) StreamInfo() (StreamInfo, bool) {
	if a == nil {
		return StreamInfo{}, false
	}
	for _, e := range a.Entities {
		if e.Type != EntityStreamInfo {
			continue
		}
		info := StreamInfo{}
		if v, ok := e.Properties[KeyStreamType].(string); ok {
			info.Type = StreamType(v)
		}
		if v, ok := e.Properties[KeyStreamID].(string); ok {
			info.StreamID = v
		}
		switch v := e.Properties[KeyStreamSequence].(type) {
		case int:
			info.Sequence = v
		case float64:
			info.Sequence = int(v)
		}
		return info, true
	}
	return StreamInfo{}, false
}

// IsTypingIndicator reports whether a is a bare typing signal. Streamed
// chunks travel as typing activities too, but carry a streaminfo entity and
// must be delivered as real messages.
func (a *Activity) IsTypingIndicator() bool {
	if a == nil || a.Type != ActivityTyping || a.Text != "" {
		return false
	}
	_, streamed := a.StreamInfo()
	return !streamed
}
