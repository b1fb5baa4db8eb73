// Package reframer aggregates the arbitrarily sized audio chunks a generator
// yields into the fixed-size frames the outbound transport wants. Partial
// tails are carried between pushes; at end of stream (or on barge-in) the
// tail is padded with silence up to the frame boundary and flushed.
package reframer

import (
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// Reframer is single-goroutine; the outbound pump owns it.
type Reframer struct {
	sampleRate   int
	channels     int
	frameSamples int // per channel

	buf []int16
}

// New creates a reframer emitting frames of frameSamples per channel.
func New(sampleRate, frameSamples, channels int) *Reframer {
	if channels < 1 {
		channels = 1
	}
	return &Reframer{
		sampleRate:   sampleRate,
		channels:     channels,
		frameSamples: frameSamples,
	}
}

// Push appends interleaved samples to the pending buffer.
func (r *Reframer) Push(samples []int16) {
	r.buf = append(r.buf, samples...)
}

// Next pops one complete frame, or returns false when fewer than
// frameSamples are pending.
func (r *Reframer) Next() (*streamer.AudioFrame, bool) {
	need := r.frameSamples * r.channels
	if len(r.buf) < need {
		return nil, false
	}
	data := make([]int16, need)
	copy(data, r.buf[:need])
	r.buf = append(r.buf[:0], r.buf[need:]...)
	return &streamer.AudioFrame{SampleRate: r.sampleRate, Channels: r.channels, Data: data}, true
}

// Flush pads the pending tail with silence to the frame boundary and returns
// it. Returns nil when nothing is pending.
func (r *Reframer) Flush() *streamer.AudioFrame {
	if len(r.buf) == 0 {
		return nil
	}
	need := r.frameSamples * r.channels
	data := make([]int16, need)
	copy(data, r.buf)
	r.buf = r.buf[:0]
	return &streamer.AudioFrame{SampleRate: r.sampleRate, Channels: r.channels, Data: data}
}

// Pending returns the number of buffered samples awaiting a frame boundary.
func (r *Reframer) Pending() int {
	return len(r.buf)
}

// Reset discards all pending samples.
func (r *Reframer) Reset() {
	r.buf = r.buf[:0]
}
