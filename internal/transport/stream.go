package transport

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/phone-voice-lab/internal/logging"
	"github.com/phone-voice-lab/internal/metrics"
	"github.com/phone-voice-lab/internal/session"
)

// CallHandler is the coordinator surface the transport drives. It is
// satisfied by *session.Coordinator.
type CallHandler interface {
	HandleStreamStart(callID, streamID string, target session.PlaybackTarget, sink session.Sink) *session.Session
	HandleMedia(callID string, payload []byte, encoded bool)
	HandleStreamStop(callID string)
}

// wsSink delivers outbound audio over one WebSocket connection. The write
// mutex serializes paced chunks against any other outbound traffic; gorilla
// connections do not tolerate concurrent writers.
type wsSink struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSid string
}

func (s *wsSink) setStreamSid(sid string) {
	s.mu.Lock()
	s.streamSid = sid
	s.mu.Unlock()
}

func (s *wsSink) WriteChunk(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := marshalMedia(s.streamSid, base64.StdEncoding.EncodeToString(chunk))
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsSink) WriteBlock(block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := marshalBlock(base64.StdEncoding.EncodeToString(block))
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// ServeStream runs the read loop for one media-stream connection until the
// peer disconnects or sends a stop event. It always tears the session down
// on exit, so a vanished transport cannot leak a session.
func ServeStream(conn *websocket.Conn, callID string, target session.PlaybackTarget, h CallHandler, m *metrics.Metrics) {
	sink := &wsSink{conn: conn}
	started := false

	// Local test clients speak raw linear PCM with no start handshake.
	if target == session.TargetSingleBlock {
		h.HandleStreamStart(callID, "local", target, sink)
		started = true
	}

	defer func() {
		if started {
			h.HandleStreamStop(callID)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warnw("media stream closed unexpectedly",
					append(logging.CallFields(callID), "error", err)...)
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.FrameErrors.Inc()
			logging.Warnw("malformed stream message",
				append(logging.CallFields(callID), "error", err)...)
			continue
		}

		switch msg.Event {
		case EventConnected:
			logging.Debugw("media stream connected", logging.CallFields(callID)...)

		case EventStart:
			if msg.Start == nil {
				m.FrameErrors.Inc()
				logging.Warnw("start event without payload", logging.CallFields(callID)...)
				continue
			}
			sink.setStreamSid(msg.Start.StreamSid)
			logging.Debugw("media stream start",
				append(logging.StreamFields(callID, msg.Start.StreamSid),
					"encoding", msg.Start.MediaFormat.Encoding,
					"sample_rate", msg.Start.MediaFormat.SampleRate,
					"channels", msg.Start.MediaFormat.Channels)...)
			h.HandleStreamStart(callID, msg.Start.StreamSid, target, sink)
			started = true

		case EventMedia:
			if msg.Media == nil || !started {
				m.FrameErrors.Inc()
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				m.FrameErrors.Inc()
				logging.Warnw("undecodable media payload",
					append(logging.CallFields(callID), "error", err)...)
				continue
			}
			h.HandleMedia(callID, payload, target == session.TargetLiveStream)

		case EventStop:
			logging.Infow("media stream stop event", logging.CallFields(callID)...)
			return

		case EventMark:
			if msg.Mark != nil {
				logging.Debugw("playback mark acknowledged",
					append(logging.CallFields(callID), "mark", msg.Mark.Name)...)
			}

		default:
			// Unknown events are logged and ignored so provider protocol
			// additions never break live calls.
			logging.Debugw("ignoring unknown stream event",
				append(logging.CallFields(callID), "event", msg.Event)...)
		}
	}
}
