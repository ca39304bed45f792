// Package realtime speaks the wire protocol of the remote inference service:
// one persistent websocket carrying JSON events in both directions.
package realtime

import "encoding/json"

// Outbound event types.
const (
	typeSessionUpdate   = "session.update"
	typeBufferAppend    = "input_audio_buffer.append"
	typeBufferCommit    = "input_audio_buffer.commit"
	typeBufferClear     = "input_audio_buffer.clear"
	typeItemCreate      = "conversation.item.create"
	typeResponseCreate  = "response.create"
)

// Inbound event types. The audio-ack shape changed across protocol revisions;
// the dispatcher folds all of them into one signal.
const (
	typeAudioDelta        = "response.audio.delta"
	typeOutputAudioDelta  = "response.output_audio.delta"
	typeTextDelta         = "response.text.delta"
	typeTranscriptDelta   = "response.audio_transcript.delta"
	typeResponseDone      = "response.done"
	typeResponseCompleted = "response.completed"
	typeBufferCommitted   = "input_audio_buffer.committed"
	typeBufferCollected   = "input_audio_buffer.collected"
	typeAudioCommitted    = "input_audio_buffer.audio_committed"
	typeError             = "error"
)

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities        []string `json:"modalities"`
	Voice             string   `json:"voice"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type bufferAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bufferCommitEvent struct {
	Type string `json:"type"`
}

type bufferClearEvent struct {
	Type string `json:"type"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseConfig `json:"response,omitempty"`
}

type responseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

// serverEvent is the inbound envelope. Only the fields the bridge reads.
type serverEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta"`
	Error *RemoteError `json:"error"`
}

// RemoteError is the service-reported error payload.
type RemoteError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) String() string {
	if e == nil {
		return ""
	}
	b, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(b)
}
