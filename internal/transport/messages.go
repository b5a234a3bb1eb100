// Package transport implements the telephony media-stream wire protocol:
// JSON event envelopes carried over a WebSocket, with audio payloads
// base64-encoded in both directions.
package transport

import "encoding/json"

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// InboundMessage is the envelope for every event the telephony provider
// sends over the media stream. Only the fields for the named event are
// populated.
type InboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload announces a new media stream for a call.
type StartPayload struct {
	StreamSid   string      `json:"streamSid"`
	CallSid     string      `json:"callSid"`
	AccountSid  string      `json:"accountSid,omitempty"`
	Tracks      []string    `json:"tracks,omitempty"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaFormat describes the codec of the stream's audio payloads.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one frame of base64-encoded audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload ends the media stream.
type StopPayload struct {
	CallSid string `json:"callSid,omitempty"`
}

// MarkPayload acknowledges a playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// outboundMedia is the envelope for one paced audio chunk sent back to the
// live stream.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     outboundAudio `json:"media"`
}

type outboundAudio struct {
	Payload string `json:"payload"`
}

// outboundBlock is the single-message envelope used by local test clients.
type outboundBlock struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

func marshalMedia(streamSid, payload string) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     outboundAudio{Payload: payload},
	})
}

func marshalBlock(payload string) ([]byte, error) {
	return json.Marshal(outboundBlock{
		Event:   "audio",
		Payload: payload,
	})
}
