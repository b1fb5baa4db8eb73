// Package streamer defines the contract between a session and the
// user-supplied stream handler: the media frame types, the tagged output
// variant, the control-channel message vocabulary, and the embeddable
// HandlerBase that wires arguments and the data channel into user code.
package streamer

import (
	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
)

// Modality selects which media kinds a session carries.
type Modality string

const (
	ModalityAudio      Modality = "audio"
	ModalityVideo      Modality = "video"
	ModalityAudioVideo Modality = "audio-video"
)

// Mode selects the media direction from the client's point of view.
type Mode string

const (
	ModeSendReceive Mode = "send-receive"
	ModeSend        Mode = "send"
	ModeReceive     Mode = "receive"
)

// WebRTCValue is the reserved sentinel occupying index 0 of every input
// snapshot. The runtime substitutes the live media payload for it when the
// handler is invoked.
const WebRTCValue = "__webrtc_value__"

// Output is the tagged variant a handler or generator yields: an audio
// frame, a video frame, or additional structured outputs for the output
// hook. A nil Output means "nothing to send right now".
type Output interface {
	isOutput()
}

// AudioFrame is a chunk of interleaved 16-bit PCM.
type AudioFrame struct {
	SampleRate int
	Channels   int
	Data       []int16
}

func (*AudioFrame) isOutput() {}

// Samples returns the per-channel sample count.
func (f *AudioFrame) Samples() int {
	if f.Channels == 0 {
		return len(f.Data)
	}
	return len(f.Data) / f.Channels
}

// Duration returns the frame length in seconds.
func (f *AudioFrame) Duration() float64 {
	if f.SampleRate == 0 {
		return 0
	}
	return float64(f.Samples()) / float64(f.SampleRate)
}

// Clone deep-copies the frame so the receiver may retain it.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]int16, len(f.Data))
	copy(data, f.Data)
	return &AudioFrame{SampleRate: f.SampleRate, Channels: f.Channels, Data: data}
}

// PixelLayout enumerates the supported video pixel formats.
type PixelLayout string

const (
	PixelRGB24  PixelLayout = "rgb24"
	PixelBGR24  PixelLayout = "bgr24"
	PixelYUV420 PixelLayout = "yuv420"
)

// VideoFrame is one uncompressed video frame.
type VideoFrame struct {
	Width  int
	Height int
	Layout PixelLayout
	Pixels []byte
}

func (*VideoFrame) isOutput() {}

// AdditionalOutputs is an opaque bundle of user values surfaced through the
// session output hook rather than the media path.
type AdditionalOutputs struct {
	Values []any
}

func (*AdditionalOutputs) isOutput() {}

// Props are the audio parameters a handler declares. The frame codec
// converts between these and whatever the peer negotiated.
type Props struct {
	InputSampleRate  int
	OutputSampleRate int
	// OutputFrameSize is the per-channel sample count of each outbound frame.
	OutputFrameSize int
	ExpectedLayout  audio.Layout
}

// DefaultProps mirrors the defaults of the reference clients: handlers see
// 48kHz input and produce 24kHz output in 20ms frames.
func DefaultProps() Props {
	return Props{
		InputSampleRate:  48000,
		OutputSampleRate: 24000,
		OutputFrameSize:  480,
		ExpectedLayout:   audio.LayoutMono,
	}
}
