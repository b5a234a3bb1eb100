package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/logging"
)

const defaultSpeakURL = "https://api.deepgram.com/v1/speak"

// Encoding selects the raw audio format a synthesis request produces.
type Encoding struct {
	Codec      string // "mulaw" or "linear16"
	SampleRate int    // Hz
}

// Client performs text-to-speech synthesis against a Deepgram-style speak
// endpoint and returns raw, containerless audio bytes.
type Client struct {
	cfg  config.TTSConfig
	http *http.Client
}

// NewClient builds a Client from configuration. Without an API key the
// client reports disabled and Synthesize fails fast.
func NewClient(cfg config.TTSConfig) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultSpeakURL
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// Enabled reports whether the client is configured with credentials.
func (c *Client) Enabled() bool { return c.cfg.APIKey != "" }

// Synthesize converts text to raw audio in the requested encoding. Transient
// failures (network errors, 5xx) are retried once with backoff.
func (c *Client) Synthesize(ctx context.Context, text string, enc Encoding) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("synthesis engine disabled")
	}
	if text == "" {
		return nil, fmt.Errorf("empty synthesis text")
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid tts url: %w", err)
	}
	q := u.Query()
	if c.cfg.Voice != "" {
		q.Set("model", c.cfg.Voice)
	}
	q.Set("encoding", enc.Codec)
	q.Set("sample_rate", strconv.Itoa(enc.SampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	body, _ := json.Marshal(map[string]string{"text": text})

	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if rerr != nil {
			return nil, rerr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			logging.Debugw("tts: POST attempt failed", "attempt", i+1, "err", err)
			if i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
				continue
			}
			break
		}
		audio, err := readSpeakResponse(resp)
		if err != nil {
			lastErr = err
			if resp.StatusCode >= 500 && i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
				continue
			}
			break
		}
		return audio, nil
	}
	return nil, lastErr
}

func readSpeakResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("tts returned status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts read body: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts returned empty audio")
	}
	return audio, nil
}
