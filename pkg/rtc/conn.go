package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/audio/resampler"
	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer/reframer"
)

const (
	// inboundQueueSize buffers normalized frames between the track reader and
	// the handler feeder. Roughly 6s at 100ms per frame batch.
	inboundQueueSize = 64

	// gatheringTimeout bounds the non-trickle ICE wait before answering with
	// whatever candidates have been found.
	gatheringTimeout = 5 * time.Second

	// connectTimeout is how long after answering the peer may take to reach
	// the connected state before the session is torn down.
	connectTimeout = 5 * time.Second

	// inboundStallAfter is how long without inbound media before a warning is
	// raised on a session that expects caller audio.
	inboundStallAfter = 30 * time.Second

	// maxEmitDrainPerTick caps how many handler outputs one pacing tick may
	// pull, so a runaway generator cannot starve the ticker.
	maxEmitDrainPerTick = 50
)

// ICEServer is one STUN/TURN entry surfaced to Pion and to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds the peer connection configuration.
type Config struct {
	ICEServers         []ICEServer
	ICETransportPolicy string // "all" or "relay"
}

// DefaultConfig returns a STUN-only configuration.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICETransportPolicy: "all",
	}
}

// channelSetter is satisfied by handlers embedding streamer.HandlerBase.
type channelSetter interface {
	SetChannel(streamer.DataChannel)
}

// Connection drives one WebRTC session for one handler instance. The
// connection owns its own context (derived from context.Background) so that
// teardown is never short-circuited by the caller's context ending first.
type Connection struct {
	mu sync.Mutex

	logger  commons.Logger
	handler streamer.Handler
	cfg     *Config

	modality streamer.Modality
	mode     streamer.Mode

	ctx    context.Context
	cancel context.CancelFunc

	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample
	localVideo *pionwebrtc.TrackLocalStaticRTP

	frames chan *streamer.AudioFrame
	wg     sync.WaitGroup

	connected   atomic.Bool
	lastInbound atomic.Int64 // unix nanos of last media packet

	// onAdditionalOutputs receives generator side-outputs for the session
	// output queue. onClose runs exactly once after teardown.
	onAdditionalOutputs func(*streamer.AdditionalOutputs)
	onClose             func()

	closed bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithAdditionalOutputs routes AdditionalOutputs emitted by the handler.
func WithAdditionalOutputs(fn func(*streamer.AdditionalOutputs)) Option {
	return func(c *Connection) { c.onAdditionalOutputs = fn }
}

// WithOnClose registers a teardown callback.
func WithOnClose(fn func()) Option {
	return func(c *Connection) { c.onClose = fn }
}

// NewConnection builds the peer connection for one admitted session.
func NewConnection(logger commons.Logger, handler streamer.Handler, modality streamer.Modality, mode streamer.Mode, cfg *Config, opts ...Option) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		logger:   logger,
		handler:  handler,
		cfg:      cfg,
		modality: modality,
		mode:     mode,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan *streamer.AudioFrame, inboundQueueSize),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.createPeerConnection(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Connection) createPeerConnection() error {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:    pionwebrtc.MimeTypeOpus,
			ClockRate:   OpusSampleRate,
			Channels:    OpusChannels,
			SDPFmtpLine: OpusSDPFmtpLine,
		},
		PayloadType: OpusPayloadType,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register Opus codec: %w", err)
	}
	if c.modality != streamer.ModalityAudio {
		if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
			RTPCodecCapability: pionwebrtc.RTPCodecCapability{
				MimeType:  pionwebrtc.MimeTypeVP8,
				ClockRate: VP8ClockRate,
			},
			PayloadType: VP8PayloadType,
		}, pionwebrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("failed to register VP8 codec: %w", err)
		}
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)

	iceServers := make([]pionwebrtc.ICEServer, len(c.cfg.ICEServers))
	for i, srv := range c.cfg.ICEServers {
		iceServers[i] = pionwebrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		}
	}
	pcConfig := pionwebrtc.Configuration{ICEServers: iceServers}
	if c.cfg.ICETransportPolicy == "relay" {
		pcConfig.ICETransportPolicy = pionwebrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	c.pc = pc
	c.setupPeerEventHandlers()
	return nil
}

func (c *Connection) setupPeerEventHandlers() {
	c.pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		c.logger.Infow("WebRTC connection state changed", "state", state.String())
		switch state {
		case pionwebrtc.PeerConnectionStateConnected:
			c.onConnected()
		case pionwebrtc.PeerConnectionStateFailed,
			pionwebrtc.PeerConnectionStateClosed,
			pionwebrtc.PeerConnectionStateDisconnected:
			// Close from a fresh goroutine; tearing down the peer connection
			// inside its own state callback can deadlock.
			go c.Close()
		}
	})

	c.pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		switch track.Kind() {
		case pionwebrtc.RTPCodecTypeAudio:
			c.logger.Infow("Remote audio track received", "codec", track.Codec().MimeType)
			c.wg.Add(1)
			go c.readRemoteAudio(track)
		case pionwebrtc.RTPCodecTypeVideo:
			c.logger.Infow("Remote video track received", "codec", track.Codec().MimeType)
			c.wg.Add(1)
			go c.forwardRemoteVideo(track)
		}
	})

	c.pc.OnDataChannel(func(dc *pionwebrtc.DataChannel) {
		if dc.Label() != "text" {
			c.logger.Debugw("Ignoring data channel", "label", dc.Label())
			return
		}
		dc.OnOpen(func() {
			c.logger.Infow("Control channel open")
			if setter, ok := c.handler.(channelSetter); ok {
				setter.SetChannel(streamer.DataChannelFunc(func(msg streamer.ControlMsg) error {
					payload, err := msg.Marshal()
					if err != nil {
						return err
					}
					return dc.SendText(string(payload))
				}))
			}
		})
		dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
			c.logger.Debugw("Control channel message from client", "data", string(msg.Data))
		})
	})
}

// serverSendsMedia reports whether the server has an outbound media leg.
// Mode is named from the client's perspective.
func (c *Connection) serverSendsMedia() bool {
	return c.mode == streamer.ModeSendReceive || c.mode == streamer.ModeReceive
}

// HandleOffer completes SDP negotiation and returns the local answer. ICE
// gathering is non-trickle, bounded by gatheringTimeout.
func (c *Connection) HandleOffer(ctx context.Context, offerSDP string) (string, error) {
	if err := c.pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	if c.serverSendsMedia() {
		if c.modality != streamer.ModalityVideo {
			track, err := pionwebrtc.NewTrackLocalStaticSample(
				pionwebrtc.RTPCodecCapability{
					MimeType:  pionwebrtc.MimeTypeOpus,
					ClockRate: OpusSampleRate,
					Channels:  OpusChannels,
				},
				"audio", "fastrtc-audio",
			)
			if err != nil {
				return "", fmt.Errorf("failed to create local audio track: %w", err)
			}
			if _, err := c.pc.AddTrack(track); err != nil {
				return "", fmt.Errorf("failed to add audio track: %w", err)
			}
			c.mu.Lock()
			c.localTrack = track
			c.mu.Unlock()
		}
		if c.modality != streamer.ModalityAudio {
			video, err := pionwebrtc.NewTrackLocalStaticRTP(
				pionwebrtc.RTPCodecCapability{
					MimeType:  pionwebrtc.MimeTypeVP8,
					ClockRate: VP8ClockRate,
				},
				"video", "fastrtc-video",
			)
			if err != nil {
				return "", fmt.Errorf("failed to create local video track: %w", err)
			}
			if _, err := c.pc.AddTrack(video); err != nil {
				return "", fmt.Errorf("failed to add video track: %w", err)
			}
			c.mu.Lock()
			c.localVideo = video
			c.mu.Unlock()
		}
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := pionwebrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatheringTimeout):
		c.logger.Warnw("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description after negotiation")
	}

	// The answer is on its way back; if the peer never accepts it the
	// session would otherwise linger in negotiating forever.
	time.AfterFunc(connectTimeout, func() {
		if c.connected.Load() {
			return
		}
		c.logger.Warnw("Peer did not connect in time", "timeout", connectTimeout)
		c.sendControl(streamer.NewControlMsg(streamer.ControlConnectionTimeout, ""))
		go c.Close()
	})
	return local.SDP, nil
}

// onConnected starts the handler and the outbound machinery once media can
// actually flow.
func (c *Connection) onConnected() {
	c.connected.Store(true)
	c.lastInbound.Store(time.Now().UnixNano())

	if starter, ok := c.handler.(streamer.Starter); ok {
		if err := starter.StartUp(c.ctx); err != nil {
			c.logger.Errorw("Handler startup failed", "error", err)
			c.sendControl(streamer.NewControlMsg(streamer.ControlError, err.Error()))
		}
	}

	c.wg.Add(2)
	go c.feedHandler()
	go c.runOutputWriter()
	if c.mode != streamer.ModeReceive {
		c.wg.Add(1)
		go c.watchInboundStall()
	}
}

func (c *Connection) sendControl(msg streamer.ControlMsg) {
	type sender interface {
		SendMessage(streamer.ControlMsg) error
	}
	if s, ok := c.handler.(sender); ok {
		if err := s.SendMessage(msg); err != nil {
			c.logger.Debugw("Failed to send control message", "type", msg.Type, "error", err)
		}
	}
}

// readRemoteAudio reads RTP from the remote track, decodes Opus to 48kHz
// PCM, resamples to the handler's declared input rate, and queues frames for
// the feeder. The queue drops oldest-first so live audio keeps flowing past
// a slow handler.
func (c *Connection) readRemoteAudio(track *pionwebrtc.TrackRemote) {
	defer c.wg.Done()

	if track.Codec().MimeType != pionwebrtc.MimeTypeOpus {
		c.logger.Errorw("Unsupported audio codec, only Opus is supported", "codec", track.Codec().MimeType)
		return
	}
	codec, err := NewOpusCodec()
	if err != nil {
		c.logger.Errorw("Failed to create Opus decoder", "error", err)
		return
	}

	props := c.handler.Props()
	rs, err := resampler.New(OpusSampleRate, props.InputSampleRate)
	if err != nil {
		c.logger.Errorw("Failed to create inbound resampler", "error", err)
		return
	}

	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0
	layoutWarned := false
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				c.logger.Errorw("Too many consecutive read errors, stopping audio reader", "lastError", err)
				return
			}
			continue
		}
		consecutiveErrors = 0
		c.lastInbound.Store(time.Now().UnixNano())

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.logger.Debugw("Failed to unmarshal RTP packet", "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := codec.Decode(pkt.Payload)
		if err != nil {
			c.logger.Debugw("Opus decode failed", "error", err, "payloadSize", len(pkt.Payload))
			continue
		}
		resampled := rs.Process(pcm)
		if len(resampled) == 0 {
			continue
		}

		data, channels, mismatch := shapeToLayout(resampled, props.ExpectedLayout)
		if mismatch && !layoutWarned {
			layoutWarned = true
			c.logger.Warnw("Decoded audio layout does not match the handler's declared layout",
				"decoded", "mono", "declared", props.ExpectedLayout)
			c.sendControl(streamer.NewControlMsg(streamer.ControlError,
				"received mono audio but the handler declares stereo input; upmixing"))
		}
		frame := &streamer.AudioFrame{
			SampleRate: props.InputSampleRate,
			Channels:   channels,
			Data:       data,
		}
		c.enqueueFrame(frame)
	}
}

// shapeToLayout fits a decoded mono frame to the handler's declared layout.
// Opus decoding yields mono here, so a stereo declaration gets a
// duplicated-channel upmix. The third return reports the disagreement.
func shapeToLayout(samples []int16, layout audio.Layout) ([]int16, int, bool) {
	if layout.Channels() == 2 {
		return audio.UpmixMono(samples), 2, true
	}
	return append([]int16(nil), samples...), 1, false
}

func (c *Connection) enqueueFrame(frame *streamer.AudioFrame) {
	select {
	case c.frames <- frame:
		return
	default:
	}
	// Full: drop the oldest and retry once.
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- frame:
	default:
	}
	c.logger.Warnw("Inbound frame queue full, dropped oldest frame")
	c.sendControl(streamer.NewControlMsg(streamer.ControlWarning, "inbound audio queue full; dropping oldest frame"))
}

// feedHandler delivers queued frames to the handler in arrival order. The
// handler may block here (e.g. on transcription) without stalling the track
// reader.
func (c *Connection) feedHandler() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.frames:
			if err := c.handler.Receive(frame); err != nil {
				c.logger.Errorw("Handler receive failed", "error", err)
				c.sendControl(streamer.NewControlMsg(streamer.ControlError, err.Error()))
			}
		}
	}
}

// forwardRemoteVideo relays inbound video RTP to the outbound video track.
// Video is not transcoded; pixel-level handlers run on ingress paths that
// deliver raw frames.
func (c *Connection) forwardRemoteVideo(track *pionwebrtc.TrackRemote) {
	defer c.wg.Done()

	c.mu.Lock()
	local := c.localVideo
	c.mu.Unlock()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		c.lastInbound.Store(time.Now().UnixNano())
		if local != nil {
			if err := local.WriteRTP(pkt); err != nil {
				c.logger.Debugw("Failed to forward video RTP", "error", err)
			}
		}
	}
}

// runOutputWriter is the single outbound loop. Handler outputs are drained
// into a re-framer and played out one 20ms Opus frame per tick so TTS bursts
// are smoothed to real time.
func (c *Connection) runOutputWriter() {
	defer c.wg.Done()

	ticker := time.NewTicker(OpusFrameDuration)
	defer ticker.Stop()

	codec, err := NewOpusCodec()
	if err != nil {
		c.logger.Errorw("Failed to create Opus encoder", "error", err)
		return
	}

	props := c.handler.Props()
	rs, err := resampler.New(props.OutputSampleRate, OpusSampleRate)
	if err != nil {
		c.logger.Errorw("Failed to create outbound resampler", "error", err)
		return
	}
	outRate := props.OutputSampleRate
	rf := reframer.New(OpusSampleRate, OpusFrameSamples, 1)

	var flushCh <-chan struct{}
	if f, ok := c.handler.(streamer.OutboundFlusher); ok {
		flushCh = f.FlushOutbound()
	}

	for {
		select {
		case <-c.ctx.Done():
			// Session end: pad the in-flight frame with silence so the
			// tail is not dropped.
			if frame := rf.Flush(); frame != nil {
				c.writeAudioFrame(codec, frame.Data)
			}
			return

		case <-flushCh:
			// Interruption: complete the in-flight frame with silence and
			// discard the rest.
			if frame := rf.Flush(); frame != nil {
				c.writeAudioFrame(codec, frame.Data)
			}
			rf.Reset()
			rs.Reset()

		case <-ticker.C:
			for i := 0; i < maxEmitDrainPerTick; i++ {
				out, err := c.handler.Emit()
				if err != nil {
					c.logger.Errorw("Handler emit failed", "error", err)
					c.sendControl(streamer.NewControlMsg(streamer.ControlError, err.Error()))
					break
				}
				if out == nil {
					break
				}
				outRate = c.collectOutput(out, rf, &rs, outRate)
			}
			if frame, ok := rf.Next(); ok {
				c.writeAudioFrame(codec, frame.Data)
			}
		}
	}
}

// collectOutput routes one handler output. Audio is resampled to 48kHz and
// pushed into the re-framer; side outputs go to the session queue. Returns
// the current output rate, re-initialising the resampler on a rate change.
func (c *Connection) collectOutput(out streamer.Output, rf *reframer.Reframer, rs **resampler.Resampler, outRate int) int {
	switch v := out.(type) {
	case *streamer.AudioFrame:
		data := v.Data
		if v.Channels == 2 {
			data = audio.DownmixStereo(data)
		}
		if v.SampleRate != outRate {
			c.logger.Warnw("Output sample rate changed, resetting resampler", "from", outRate, "to", v.SampleRate)
			c.sendControl(streamer.NewControlMsg(streamer.ControlWarning, "output sample rate changed; codec state reset"))
			next, err := resampler.New(v.SampleRate, OpusSampleRate)
			if err != nil {
				c.logger.Errorw("Failed to rebuild outbound resampler", "error", err)
				return outRate
			}
			*rs = next
			outRate = v.SampleRate
		}
		rf.Push((*rs).Process(data))
	case *streamer.VideoFrame:
		c.logger.Debugw("Dropping video frame on audio leg", "width", v.Width, "height", v.Height)
	case *streamer.AdditionalOutputs:
		if c.onAdditionalOutputs != nil {
			c.onAdditionalOutputs(v)
		}
		c.sendControl(streamer.NewControlMsg(streamer.ControlFetchOutput, ""))
	}
	return outRate
}

func (c *Connection) writeAudioFrame(codec *OpusCodec, pcm []int16) {
	c.mu.Lock()
	track := c.localTrack
	c.mu.Unlock()
	if track == nil {
		return
	}
	encoded, err := codec.Encode(pcm)
	if err != nil {
		c.logger.Debugw("Opus encode failed", "error", err)
		return
	}
	if err := track.WriteSample(media.Sample{
		Data:     encoded,
		Duration: OpusFrameDuration,
	}); err != nil {
		c.logger.Debugw("Failed to write sample to track", "error", err)
	}
}

// watchInboundStall warns when a session that expects caller media has not
// seen a packet for inboundStallAfter.
func (c *Connection) watchInboundStall() {
	defer c.wg.Done()
	ticker := time.NewTicker(inboundStallAfter / 2)
	defer ticker.Stop()
	warned := false
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastInbound.Load())
			if time.Since(last) >= inboundStallAfter {
				if !warned {
					c.logger.Warnw("No inbound media received", "since", last)
					c.sendControl(streamer.NewControlMsg(streamer.ControlWarning, "no inbound media received for 30s"))
					warned = true
				}
			} else {
				warned = false
			}
		}
	}
}

// Done is closed when the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close tears the connection down. Safe to call from multiple goroutines or
// multiple times.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pc := c.pc
	onClose := c.onClose
	c.mu.Unlock()

	c.cancel()
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.logger.Debugw("Peer connection close failed", "error", err)
		}
	}
	if onClose != nil {
		onClose()
	}
}
