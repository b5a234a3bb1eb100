package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/logging"
)

const defaultLiveURL = "wss://api.deepgram.com/v1/listen"

// keepAliveInterval keeps the provider from closing an idle socket while the
// caller is silent.
const keepAliveInterval = 5 * time.Second

// LiveClient is a streaming transcription engine speaking the Deepgram-style
// live websocket protocol: one socket per call, raw PCM frames in, JSON
// result messages out.
type LiveClient struct {
	cfg    config.STTConfig
	dialer *websocket.Dialer

	mu      sync.Mutex
	streams map[string]*liveStream
}

type liveStream struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
	done    chan struct{}
}

// NewLiveClient builds a LiveClient from configuration. When no API key is
// present the caller should use Disabled() instead; NewLiveClient does not
// second-guess its inputs.
func NewLiveClient(cfg config.STTConfig) *LiveClient {
	if cfg.URL == "" {
		cfg.URL = defaultLiveURL
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveClient{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		streams: make(map[string]*liveStream),
	}
}

// Enabled reports whether credentials are configured.
func (c *LiveClient) Enabled() bool { return c.cfg.APIKey != "" }

// StartStream dials the provider and starts the result reader for callID.
// Starting a stream for a call that already has one is an error; the
// existing stream keeps running.
func (c *LiveClient) StartStream(ctx context.Context, callID string, sampleRate, channels int, onEvent EventHandler) error {
	c.mu.Lock()
	if _, exists := c.streams[callID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("transcription stream already exists for call %s", callID)
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid stt url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	if c.cfg.Language != "" {
		q.Set("language", c.cfg.Language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stt dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("stt dial failed: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &liveStream{conn: conn, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.streams[callID] = s
	c.mu.Unlock()

	go c.readLoop(streamCtx, callID, s, onEvent)
	go c.keepAlive(streamCtx, s)

	logging.Infow("stt: stream started", append(logging.CallFields(callID),
		"sample_rate", sampleRate, "channels", channels, "model", c.cfg.Model)...)
	return nil
}

// resultMessage mirrors the provider's live result payload.
type resultMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func (c *LiveClient) readLoop(ctx context.Context, callID string, s *liveStream, onEvent EventHandler) {
	defer close(s.done)
	for {
		var msg resultMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				logging.Debugw("stt: read loop ended", append(logging.CallFields(callID), "err", err)...)
			}
			return
		}
		if msg.Type != "" && msg.Type != "Results" {
			// metadata, utterance-end markers etc.
			logging.Debugw("stt: non-result message", append(logging.CallFields(callID), "type", msg.Type)...)
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		onEvent(Event{
			Text:        alt.Transcript,
			Confidence:  alt.Confidence,
			IsFinal:     msg.IsFinal,
			EndOfSpeech: msg.SpeechFinal,
		})
	}
}

func (c *LiveClient) keepAlive(ctx context.Context, s *liveStream) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendAudio forwards a PCM16LE chunk for callID.
func (c *LiveClient) SendAudio(callID string, pcm []byte) error {
	c.mu.Lock()
	s, ok := c.streams[callID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no transcription stream for call %s", callID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// StopStream asks the provider to finalize and closes the socket. Calling it
// for an unknown call is a no-op.
func (c *LiveClient) StopStream(callID string) error {
	c.mu.Lock()
	s, ok := c.streams[callID]
	if ok {
		delete(c.streams, callID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()
	s.cancel()
	err := s.conn.Close()

	logging.Debugw("stt: stream stopped", logging.CallFields(callID)...)
	return err
}

// Close stops every active stream.
func (c *LiveClient) Close() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.StopStream(id)
	}
	return nil
}
