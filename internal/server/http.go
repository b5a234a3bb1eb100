// Package server exposes the bridge's HTTP surface: the telephony webhook,
// the media-stream WebSocket endpoints, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phone-voice-lab/internal/config"
	"github.com/phone-voice-lab/internal/logging"
	"github.com/phone-voice-lab/internal/metrics"
	"github.com/phone-voice-lab/internal/session"
	"github.com/phone-voice-lab/internal/transport"
)

// EngineStatus reports which engines the bridge was configured with. It
// feeds the health endpoint so operators can see a degraded deployment.
type EngineStatus struct {
	Transcription bool `json:"transcription"`
	Generation    bool `json:"generation"`
	Synthesis     bool `json:"synthesis"`
}

// Coordinator is the session surface the HTTP layer needs.
type Coordinator interface {
	transport.CallHandler
	Stats() []session.Stats
	ActiveCalls() int
}

// Server hosts the HTTP and WebSocket endpoints of the bridge.
type Server struct {
	cfg      *config.Config
	coord    Coordinator
	m        *metrics.Metrics
	engines  EngineStatus
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds the Server and its route table.
func New(cfg *config.Config, coord Coordinator, m *metrics.Metrics, engines EngineStatus) *Server {
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		m:       m,
		engines: engines,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers call from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/incoming", s.instrument("/voice/incoming", s.handleIncoming))
	mux.HandleFunc("POST /voice/status", s.instrument("/voice/status_callback", s.handleStatusCallback))
	mux.HandleFunc("GET /voice/stream/{callID}", s.handleLiveStream)
	mux.HandleFunc("GET /voice/local/{callID}", s.handleLocalStream)
	mux.HandleFunc("GET /voice/status", s.instrument("/voice/status", s.handleStatus))
	mux.HandleFunc("GET /healthz", s.instrument("/healthz", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("http server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.m.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	}
}

// voiceResponse is the XML instruction document returned to the telephony
// provider's incoming-call webhook.
type voiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect struct {
		Stream struct {
			URL string `xml:"url,attr"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

// handleIncoming answers the provider's incoming-call webhook with an
// instruction to connect the call's media to our stream endpoint.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed webhook form", http.StatusBadRequest)
		return
	}
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	host := s.cfg.Server.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := fmt.Sprintf("wss://%s/voice/stream/%s", host, callID)

	var doc voiceResponse
	doc.Connect.Stream.URL = streamURL

	logging.Infow("incoming call webhook",
		append(logging.CallFields(callID),
			"from", r.PostFormValue("From"),
			"stream_url", streamURL)...)

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		logging.Errorw("failed to encode webhook response", "error", err)
	}
}

// handleStatusCallback absorbs the provider's call lifecycle notifications.
// A completed call tears its session down even if the media stream lingers.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed webhook form", http.StatusBadRequest)
		return
	}
	callID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	logging.Infow("call status callback",
		append(logging.CallFields(callID), "status", status)...)

	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		if callID != "" {
			s.coord.HandleStreamStop(callID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, session.TargetLiveStream)
}

func (s *Server) handleLocalStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, session.TargetSingleBlock)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, target session.PlaybackTarget) {
	callID := r.PathValue("callID")
	if callID == "" {
		http.Error(w, "missing call ID", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed",
			append(logging.CallFields(callID), "error", err)...)
		return
	}

	logging.Infow("media stream connected",
		append(logging.CallFields(callID), "target", target.String())...)
	transport.ServeStream(conn, callID, target, s.coord, s.m)
}

// handleStatus returns a JSON snapshot of all active sessions.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := struct {
		ActiveCalls int             `json:"active_calls"`
		Sessions    []session.Stats `json:"sessions"`
	}{
		ActiveCalls: s.coord.ActiveCalls(),
		Sessions:    s.coord.Stats(),
	}
	if body.Sessions == nil {
		body.Sessions = []session.Stats{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Errorw("failed to encode status response", "error", err)
	}
}

// handleHealth reports liveness plus engine configuration. The bridge is
// healthy even when engines are disabled; degradation is visible, not fatal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status  string       `json:"status"`
		Engines EngineStatus `json:"engines"`
	}{
		Status:  "ok",
		Engines: s.engines,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Errorw("failed to encode health response", "error", err)
	}
}
