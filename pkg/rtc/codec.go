// Package rtc carries a session over a Pion WebRTC peer connection: Opus
// audio in both directions, VP8 video forwarded at the RTP level, and the
// control channel on a data channel named "text".
package rtc

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

// Opus audio constants (WebRTC standard: 48kHz)
const (
	OpusSampleRate    = 48000
	OpusFrameDuration = 20 * time.Millisecond
	OpusFrameSamples  = 960 // 20ms at 48kHz
	OpusChannels      = 2   // Opus RTP always signals 2 encoding channels (opus/48000/2) per RFC 7587, even for mono voice
	OpusPayloadType   = 111
	OpusSDPFmtpLine   = "minptime=10;useinbandfec=1;stereo=0;sprop-stereo=0"
)

// VP8 video constants
const (
	VP8ClockRate   = 90000
	VP8PayloadType = 96
)

const (
	rtpBufferSize        = 1500 // max RTP packet size (MTU)
	maxConsecutiveErrors = 50   // max read errors before stopping
	// maxOpusFrameSamples bounds one decode: Opus frames never exceed 120ms.
	maxOpusFrameSamples = OpusSampleRate * 120 / 1000
)

// OpusCodec pairs a mono 48kHz encoder and decoder. Not safe for concurrent
// use; the inbound and outbound pumps each own their own instance.
type OpusCodec struct {
	enc *opus.Encoder
	dec *opus.Decoder

	encBuf []byte
	decBuf []int16
}

// NewOpusCodec creates an encoder/decoder pair tuned for voice.
func NewOpusCodec() (*OpusCodec, error) {
	enc, err := opus.NewEncoder(OpusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusCodec{
		enc:    enc,
		dec:    dec,
		encBuf: make([]byte, rtpBufferSize),
		decBuf: make([]int16, maxOpusFrameSamples),
	}, nil
}

// Encode compresses exactly one 20ms mono 48kHz frame. The returned slice is
// only valid until the next call.
func (c *OpusCodec) Encode(pcm []int16) ([]byte, error) {
	n, err := c.enc.Encode(pcm, c.encBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return c.encBuf[:n], nil
}

// Decode expands one Opus packet to mono 48kHz PCM. The returned slice is
// only valid until the next call.
func (c *OpusCodec) Decode(data []byte) ([]int16, error) {
	n, err := c.dec.Decode(data, c.decBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}
	return c.decBuf[:n], nil
}
