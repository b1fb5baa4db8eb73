// Package stream ties the transports, the session manager, and the HTTP
// surface together: one Stream owns a handler template and mounts the
// routes that let peers negotiate WebRTC or WebSocket sessions against it.
package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/rtc"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// defaultOutputQueueCapacity bounds per-session AdditionalOutputs retention.
const defaultOutputQueueCapacity = 128

// Option configures a Stream.
type Option func(*Stream)

// WithModality sets the media kinds carried by sessions. Default audio.
func WithModality(m streamer.Modality) Option {
	return func(s *Stream) { s.modality = m }
}

// WithMode sets the media direction (named from the client's perspective).
// Default send-receive.
func WithMode(m streamer.Mode) Option {
	return func(s *Stream) { s.mode = m }
}

// WithConcurrencyLimit caps concurrent sessions. Zero means unbounded.
func WithConcurrencyLimit(n int) Option {
	return func(s *Stream) { s.concurrencyLimit = n }
}

// WithTimeLimit hard-stops each session after d. Zero means no limit.
func WithTimeLimit(d time.Duration) Option {
	return func(s *Stream) { s.timeLimit = d }
}

// WithRTCConfig sets the ICE/TURN configuration used for peer connections
// and surfaced through the turn-credentials route.
func WithRTCConfig(cfg *rtc.Config) Option {
	return func(s *Stream) { s.rtcConfig = cfg }
}

// WithTrackConstraints stores client media constraints surfaced alongside
// the TURN credentials. The server does not interpret them.
func WithTrackConstraints(tc map[string]any) Option {
	return func(s *Stream) { s.trackConstraints = tc }
}

// WithRTPParams stores RTP sender parameters for clients to apply, surfaced
// alongside the TURN credentials. The server does not interpret them.
func WithRTPParams(p map[string]any) Option {
	return func(s *Stream) { s.rtpParams = p }
}

// WithOutputQueueCapacity bounds the per-session AdditionalOutputs queue.
func WithOutputQueueCapacity(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.outputQueueCap = n
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l commons.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// Stream is the top-level object users mount on their HTTP app. The given
// handler is a template: every admitted session gets its own Copy.
type Stream struct {
	logger  commons.Logger
	handler streamer.Handler

	modality streamer.Modality
	mode     streamer.Mode

	concurrencyLimit int
	timeLimit        time.Duration
	rtcConfig        *rtc.Config
	trackConstraints map[string]any
	rtpParams        map[string]any
	outputQueueCap   int

	sessions *sessionManager
	upgrader websocket.Upgrader
}

// New creates a Stream around the handler template.
func New(handler streamer.Handler, opts ...Option) *Stream {
	s := &Stream{
		handler:        handler,
		modality:       streamer.ModalityAudio,
		mode:           streamer.ModeSendReceive,
		rtcConfig:      rtc.DefaultConfig(),
		outputQueueCap: defaultOutputQueueCapacity,
		upgrader: websocket.Upgrader{
			// Browser clients negotiate from arbitrary origins; auth is the
			// host app's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = commons.NewNopLogger()
	}
	s.sessions = newSessionManager(s.logger, s.concurrencyLimit, s.outputQueueCap)
	return s
}

// Modality returns the configured media kinds.
func (s *Stream) Modality() streamer.Modality { return s.modality }

// Mode returns the configured media direction.
func (s *Stream) Mode() streamer.Mode { return s.mode }

// ActiveSessions returns the number of live sessions.
func (s *Stream) ActiveSessions() int { return s.sessions.count() }

// Shutdown closes every live session.
func (s *Stream) Shutdown() {
	s.sessions.closeAll()
}
