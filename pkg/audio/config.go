// Package audio holds the PCM formats and sample-level helpers shared by the
// frame codec, the VAD gate, and the transport layers. The internal
// processing format is 16-bit linear PCM; every transport converts to and
// from it at the edge.
package audio

// Format identifies the byte-level encoding of an audio stream.
type Format int

const (
	Linear16 Format = iota // 16-bit signed little-endian PCM
	MuLaw8                 // G.711 µ-law, 8-bit
)

// Layout is the channel layout a handler declares for its input.
type Layout string

const (
	LayoutMono   Layout = "mono"
	LayoutStereo Layout = "stereo"
)

// Channels returns the channel count for the layout.
func (l Layout) Channels() int {
	if l == LayoutStereo {
		return 2
	}
	return 1
}

// Config describes one audio stream format.
type Config struct {
	SampleRate int
	Channels   int
	Format     Format
}

// Well-known configs. VAD and STT models operate at 16kHz mono; WebRTC
// peers negotiate Opus at 48kHz; the telephone network is µ-law at 8kHz.
func NewLinear16khzMonoConfig() Config { return Config{SampleRate: 16000, Channels: 1, Format: Linear16} }
func NewLinear24khzMonoConfig() Config { return Config{SampleRate: 24000, Channels: 1, Format: Linear16} }
func NewLinear48khzMonoConfig() Config { return Config{SampleRate: 48000, Channels: 1, Format: Linear16} }
func NewMulaw8khzMonoConfig() Config   { return Config{SampleRate: 8000, Channels: 1, Format: MuLaw8} }

// BytesPerMillisecond returns how many bytes one millisecond of audio
// occupies in this config.
func (c Config) BytesPerMillisecond() int {
	bytesPerSample := 2
	if c.Format == MuLaw8 {
		bytesPerSample = 1
	}
	return c.SampleRate * c.Channels * bytesPerSample / 1000
}
