package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freddyaboulton/gradio-webrtc/pkg/rtc"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/wsocket"
)

// OfferRequest is the body of POST /webrtc/offer.
type OfferRequest struct {
	SDP      string `json:"sdp" binding:"required"`
	Type     string `json:"type"`
	WebRTCID string `json:"webrtc_id"`
}

// InputRequest is the body of POST /input_hook.
type InputRequest struct {
	WebRTCID string `json:"webrtc_id" binding:"required"`
	Inputs   []any  `json:"inputs"`
}

// Mount registers all routes on the given router group.
func (s *Stream) Mount(r gin.IRouter) {
	r.POST("/webrtc/offer", s.handleWebRTCOffer)
	r.GET("/websocket/offer", s.handleWebSocketOffer)
	r.POST("/telephone/incoming", s.handleTelephoneIncoming)
	r.GET("/telephone/handler", s.handleTelephoneStream)
	r.POST("/input_hook", s.handleInputHook)
	r.GET("/outputs", s.handleOutputStream)
	r.GET("/turn-credentials", s.handleTurnCredentials)
}

func concurrencyPayload(limit int) gin.H {
	return gin.H{
		"status": "failed",
		"meta": gin.H{
			"error": "concurrency_limit_reached",
			"limit": limit,
		},
	}
}

func (s *Stream) handleWebRTCOffer(c *gin.Context) {
	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failed", "meta": gin.H{"error": err.Error()}})
		return
	}

	copied := s.handler.Copy()
	sess, err := s.sessions.admit(req.WebRTCID, copied)
	if err != nil {
		if errors.Is(err, ErrConcurrencyLimit) {
			c.JSON(http.StatusOK, concurrencyPayload(s.concurrencyLimit))
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "meta": gin.H{"error": err.Error()}})
		return
	}

	conn, err := rtc.NewConnection(s.logger, copied, s.modality, s.mode, s.rtcConfig,
		rtc.WithAdditionalOutputs(sess.pushOutput),
		rtc.WithOnClose(func() { s.sessions.remove(sess.id) }),
	)
	if err != nil {
		s.sessions.remove(sess.id)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "meta": gin.H{"error": err.Error()}})
		return
	}
	s.attachTransport(sess, conn)

	answer, err := conn.HandleOffer(c.Request.Context(), req.SDP)
	if err != nil {
		s.logger.Errorw("WebRTC negotiation failed", "session", sess.id, "error", err)
		s.sessions.remove(sess.id)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "meta": gin.H{"error": err.Error()}})
		return
	}
	sess.setState(StateConnected)

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"sdp":       answer,
		"type":      "answer",
		"webrtc_id": sess.id,
	})
}

func (s *Stream) handleWebSocketOffer(c *gin.Context) {
	s.serveWebSocket(c)
}

func (s *Stream) handleTelephoneStream(c *gin.Context) {
	s.serveWebSocket(c)
}

// serveWebSocket upgrades the request and services the media loop until the
// peer goes away. Admission happens on the start event, which carries the
// client's chosen session id (phone bridges get a generated one).
func (s *Stream) serveWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	copied := s.handler.Copy()
	var sess *session
	var bridge *wsocket.Bridge
	bridge = wsocket.NewBridge(s.logger, copied, conn,
		wsocket.WithAdditionalOutputs(func(out *streamer.AdditionalOutputs) {
			if sess != nil {
				sess.pushOutput(out)
			}
		}),
		wsocket.WithOnStart(func(websocketID string) {
			admitted, err := s.sessions.admit(websocketID, copied)
			if err != nil {
				payload := concurrencyPayload(s.concurrencyLimit)
				_ = conn.WriteJSON(payload)
				_ = conn.Close()
				return
			}
			sess = admitted
			s.attachTransport(sess, bridge)
			sess.setState(StateActive)
		}),
		wsocket.WithOnClose(func() {
			if sess != nil {
				s.sessions.remove(sess.id)
			}
		}),
	)
	bridge.Run()
}

// attachTransport wires the media leg into the session and arms the time
// limit.
func (s *Stream) attachTransport(sess *session, t transport) {
	sess.mu.Lock()
	sess.conn = t
	sess.mu.Unlock()

	if s.timeLimit > 0 {
		timer := time.AfterFunc(s.timeLimit, func() {
			s.logger.Infow("Session time limit reached", "session", sess.id, "limit", s.timeLimit)
			s.sessions.remove(sess.id)
		})
		sess.mu.Lock()
		sess.timer = timer
		sess.mu.Unlock()
	}
}

// handleTelephoneIncoming answers a carrier webhook with XML that points the
// call's media stream at the telephone handler route.
func (s *Stream) handleTelephoneIncoming(c *gin.Context) {
	scheme := "wss"
	if c.Request.TLS == nil {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s/telephone/handler", scheme, c.Request.Host)
	xml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, url)
	c.Data(http.StatusOK, "application/xml", []byte(xml))
}

func (s *Stream) handleInputHook(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.SetInput(req.WebRTCID, req.Inputs); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// handleOutputStream streams queued AdditionalOutputs for a session as
// server-sent events.
func (s *Stream) handleOutputStream(c *gin.Context) {
	id := c.Query("webrtc_id")
	sess, ok := s.sessions.get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		for {
			out, ok := sess.popOutput()
			if !ok {
				break
			}
			c.SSEvent("output", gin.H{"values": out.Values})
		}
		select {
		case <-sess.notify:
			return true
		case <-sess.closed:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Stream) handleTurnCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"iceServers":         s.rtcConfig.ICEServers,
		"iceTransportPolicy": s.rtcConfig.ICETransportPolicy,
		"trackConstraints":   s.trackConstraints,
		"rtpParams":          s.rtpParams,
	})
}

// SetInput atomically replaces the input snapshot of a live session. The
// handler observes the new values on its next invocation.
func (s *Stream) SetInput(sessionID string, inputs []any) error {
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.setArgs(inputs)
}

// FetchLatestOutput returns and removes the oldest queued AdditionalOutputs
// for a session, leaving the rest of the backlog intact. A nil result with a
// nil error means the queue is empty.
func (s *Stream) FetchLatestOutput(sessionID string) (*streamer.AdditionalOutputs, error) {
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	out, ok := sess.popOutput()
	if !ok {
		return nil, nil
	}
	return out, nil
}

// OutputStream returns a channel delivering the session's AdditionalOutputs
// in queue order. The channel closes when the session closes or ctx ends.
func (s *Stream) OutputStream(ctx context.Context, sessionID string) (<-chan *streamer.AdditionalOutputs, error) {
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	ch := make(chan *streamer.AdditionalOutputs)
	go func() {
		defer close(ch)
		for {
			out, ok := sess.popOutput()
			if ok {
				select {
				case ch <- out:
					continue
				case <-sess.closed:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sess.notify:
			case <-sess.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
