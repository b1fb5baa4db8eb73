// Package wsocket carries a session over a single WebSocket that multiplexes
// media and control messages. Media rides as base64 mu-law inside
// start/media/stop events, matching the framing used by telephone media
// streams, so the same loop serves both browser WebSocket sessions and phone
// bridges.
package wsocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/audio/resampler"
	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer/reframer"
	"github.com/zaf/g711"
)

const (
	// MuLawSampleRate is the inbound rate for both phone bridges and browser
	// WebSocket clients.
	MuLawSampleRate = 8000
	// OutputSampleRatePhone and OutputSampleRateWeb are the outbound rates:
	// phone carriers require 8kHz; browsers get 24kHz for better quality.
	OutputSampleRatePhone = 8000
	OutputSampleRateWeb   = 24000

	frameDuration = 20 * time.Millisecond

	writeWait = 5 * time.Second
)

type wsStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type wsMedia struct {
	Payload string `json:"payload"`
}

// wsEvent is the wire frame for everything the client sends and for outbound
// media. Control messages go out as bare ControlMsg objects on the same
// socket.
type wsEvent struct {
	Event       string   `json:"event"`
	WebSocketID string   `json:"websocket_id,omitempty"`
	StreamSid   string   `json:"streamSid,omitempty"`
	Start       *wsStart `json:"start,omitempty"`
	Media       *wsMedia `json:"media,omitempty"`
}

// phoneModeSetter is satisfied by handlers embedding streamer.HandlerBase.
type phoneModeSetter interface {
	SetPhoneMode(bool)
}

type channelSetter interface {
	SetChannel(streamer.DataChannel)
}

// Bridge drives one WebSocket session for one handler instance.
type Bridge struct {
	logger  commons.Logger
	handler streamer.Handler
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	phone     bool
	streamSid string

	writerStarted atomic.Bool
	writerDone    chan struct{}

	onAdditionalOutputs func(*streamer.AdditionalOutputs)
	onStart             func(websocketID string)
	onClose             func()

	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAdditionalOutputs routes generator side-outputs to the session queue.
func WithAdditionalOutputs(fn func(*streamer.AdditionalOutputs)) Option {
	return func(b *Bridge) { b.onAdditionalOutputs = fn }
}

// WithOnStart is called once the client's start event arrives, carrying the
// session id the client chose (empty for phone bridges).
func WithOnStart(fn func(websocketID string)) Option {
	return func(b *Bridge) { b.onStart = fn }
}

// WithOnClose registers a teardown callback.
func WithOnClose(fn func()) Option {
	return func(b *Bridge) { b.onClose = fn }
}

// NewBridge wraps an accepted WebSocket connection.
func NewBridge(logger commons.Logger, handler streamer.Handler, conn *websocket.Conn, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		logger:     logger,
		handler:    handler,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run services the socket until the peer stops or disconnects. It blocks.
func (b *Bridge) Run() {
	defer b.Close()

	props := b.handler.Props()
	rs, err := resampler.New(MuLawSampleRate, props.InputSampleRate)
	if err != nil {
		b.logger.Errorw("Failed to create inbound resampler", "error", err)
		return
	}

	started := false
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warnw("WebSocket read failed", "error", err)
			}
			return
		}

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Debugw("Malformed WebSocket event", "error", err)
			continue
		}

		switch ev.Event {
		case "start":
			if started {
				continue
			}
			started = true
			b.handleStart(ev)

		case "media":
			if !started || ev.Media == nil {
				continue
			}
			b.handleMedia(ev.Media.Payload, rs, props.InputSampleRate)

		case "stop":
			b.logger.Infow("WebSocket stream stopped by peer", "streamSid", b.streamSid)
			return

		case "ping":
			b.writeJSON(map[string]string{"event": "pong"})

		default:
			b.logger.Debugw("Unknown WebSocket event", "event", ev.Event)
		}
	}
}

func (b *Bridge) handleStart(ev wsEvent) {
	if ev.Start != nil && ev.Start.StreamSid != "" {
		b.phone = true
		b.streamSid = ev.Start.StreamSid
	}
	if setter, ok := b.handler.(phoneModeSetter); ok {
		setter.SetPhoneMode(b.phone)
	}
	if setter, ok := b.handler.(channelSetter); ok {
		setter.SetChannel(streamer.DataChannelFunc(func(msg streamer.ControlMsg) error {
			payload, err := msg.Marshal()
			if err != nil {
				return err
			}
			return b.writeRaw(payload)
		}))
	}
	if b.onStart != nil {
		b.onStart(ev.WebSocketID)
	}
	if starter, ok := b.handler.(streamer.Starter); ok {
		if err := starter.StartUp(b.ctx); err != nil {
			b.logger.Errorw("Handler startup failed", "error", err)
		}
	}
	b.writerStarted.Store(true)
	go b.runOutputWriter()
	b.logger.Infow("WebSocket stream started", "phone", b.phone, "streamSid", b.streamSid)
}

func (b *Bridge) handleMedia(payload string, rs *resampler.Resampler, inputRate int) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		b.logger.Debugw("Invalid media payload encoding", "error", err)
		return
	}
	pcm := audio.BytesToInt16(g711.DecodeUlaw(ulaw))
	resampled := rs.Process(pcm)
	if len(resampled) == 0 {
		return
	}
	frame := &streamer.AudioFrame{
		SampleRate: inputRate,
		Channels:   1,
		Data:       resampled,
	}
	if err := b.handler.Receive(frame); err != nil {
		b.logger.Errorw("Handler receive failed", "error", err)
	}
}

// runOutputWriter drains handler output into fixed 20ms mu-law frames and
// sends one per tick, mirroring the paced WebRTC writer.
func (b *Bridge) runOutputWriter() {
	defer close(b.writerDone)

	outRate := OutputSampleRateWeb
	if b.phone {
		outRate = OutputSampleRatePhone
	}
	props := b.handler.Props()
	rs, err := resampler.New(props.OutputSampleRate, outRate)
	if err != nil {
		b.logger.Errorw("Failed to create outbound resampler", "error", err)
		return
	}
	frameSamples := outRate * int(frameDuration/time.Millisecond) / 1000
	rf := reframer.New(outRate, frameSamples, 1)

	var flushCh <-chan struct{}
	if f, ok := b.handler.(streamer.OutboundFlusher); ok {
		flushCh = f.FlushOutbound()
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			// Stream end: pad the in-flight frame with silence so the
			// tail is not dropped.
			if frame := rf.Flush(); frame != nil {
				b.writeMedia(frame.Data)
			}
			return

		case <-flushCh:
			if frame := rf.Flush(); frame != nil {
				b.writeMedia(frame.Data)
			}
			rf.Reset()
			rs.Reset()

		case <-ticker.C:
			for {
				out, err := b.handler.Emit()
				if err != nil {
					b.logger.Errorw("Handler emit failed", "error", err)
					break
				}
				if out == nil {
					break
				}
				switch v := out.(type) {
				case *streamer.AudioFrame:
					data := v.Data
					if v.Channels == 2 {
						data = audio.DownmixStereo(data)
					}
					rf.Push(rs.Process(data))
				case *streamer.AdditionalOutputs:
					if b.onAdditionalOutputs != nil {
						b.onAdditionalOutputs(v)
					}
					b.writeControl(streamer.NewControlMsg(streamer.ControlFetchOutput, ""))
				case *streamer.VideoFrame:
					b.logger.Debugw("Dropping video frame on WebSocket leg")
				}
			}
			if frame, ok := rf.Next(); ok {
				b.writeMedia(frame.Data)
			}
		}
	}
}

func (b *Bridge) writeMedia(pcm []int16) {
	ulaw := g711.EncodeUlaw(audio.Int16ToBytes(pcm))
	ev := wsEvent{
		Event: "media",
		Media: &wsMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
	if b.phone {
		ev.StreamSid = b.streamSid
	}
	b.writeJSON(ev)
}

func (b *Bridge) writeControl(msg streamer.ControlMsg) {
	payload, err := msg.Marshal()
	if err != nil {
		b.logger.Debugw("Failed to marshal control message", "error", err)
		return
	}
	if err := b.writeRaw(payload); err != nil {
		b.logger.Debugw("Failed to send control message", "error", err)
	}
}

func (b *Bridge) writeJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Debugw("Failed to marshal WebSocket event", "error", err)
		return
	}
	if err := b.writeRaw(payload); err != nil {
		b.logger.Debugw("WebSocket write failed", "error", err)
	}
}

func (b *Bridge) writeRaw(payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, payload)
}

// Done is closed once the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Close tears the bridge down. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		// Let the writer drain its final frame before the socket goes away.
		if b.writerStarted.Load() {
			select {
			case <-b.writerDone:
			case <-time.After(time.Second):
			}
		}
		if err := b.conn.Close(); err != nil {
			b.logger.Debugw("WebSocket close failed", "error", err)
		}
		if b.onClose != nil {
			b.onClose()
		}
	})
}
