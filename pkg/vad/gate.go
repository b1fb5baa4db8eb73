package vad

import (
	"fmt"

	"github.com/freddyaboulton/gradio-webrtc/pkg/audio"
	"github.com/freddyaboulton/gradio-webrtc/pkg/audio/resampler"
	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// GateOptions tune the chunked turn-taking decision on top of the raw model
// score.
type GateOptions struct {
	// AudioChunkDuration is the analysis window, in seconds. Windows are
	// scored independently.
	AudioChunkDuration float64
	// StartedTalkingThreshold is the minimum speech duration within one
	// window that marks the start of an utterance. A score exactly equal to
	// the threshold does not trigger.
	StartedTalkingThreshold float64
	// SpeechThreshold is the speech duration at or below which a window
	// counts as a pause once the utterance has started.
	SpeechThreshold float64
}

// maxChunkDuration bounds the analysis window so decision latency stays
// within one window of real time.
const maxChunkDuration = 2.0

// DefaultGateOptions returns the reference thresholds.
func DefaultGateOptions() GateOptions {
	return GateOptions{
		AudioChunkDuration:      0.6,
		StartedTalkingThreshold: 0.2,
		SpeechThreshold:         0.1,
	}
}

func (o GateOptions) withDefaults() GateOptions {
	def := DefaultGateOptions()
	if o.AudioChunkDuration <= 0 {
		o.AudioChunkDuration = def.AudioChunkDuration
	}
	if o.AudioChunkDuration > maxChunkDuration {
		o.AudioChunkDuration = maxChunkDuration
	}
	if o.StartedTalkingThreshold <= 0 {
		o.StartedTalkingThreshold = def.StartedTalkingThreshold
	}
	if o.SpeechThreshold <= 0 {
		o.SpeechThreshold = def.SpeechThreshold
	}
	return o
}

// EventType classifies a gate decision.
type EventType int

const (
	// EventStarted fires on the first window that crosses the
	// started-talking threshold.
	EventStarted EventType = iota
	// EventContinuing fires on each scored window while the utterance is
	// still in progress.
	EventContinuing
	// EventPaused fires when a window scores at or below the speech
	// threshold after the utterance started. Utterance carries the full
	// aggregated turn.
	EventPaused
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventContinuing:
		return "continuing"
	case EventPaused:
		return "paused"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one gate decision. Utterance is set only for EventPaused and holds
// every sample from the window that started the utterance through the window
// that ended it, at the original input rate.
type Event struct {
	Type      EventType
	Utterance *streamer.AudioFrame
}

// Gate buffers inbound PCM into fixed analysis windows, scores each window
// with the model, and emits turn-taking events. It is single-goroutine; the
// session's inbound pump owns it.
type Gate struct {
	model Model
	opts  GateOptions

	sampleRate  int
	chunkFrames int
	rs          *resampler.Resampler

	window    []int16
	utterance []int16
	started   bool
}

// NewGate builds a gate for a stream at sampleRate Hz mono.
func NewGate(model Model, sampleRate int, opts GateOptions) (*Gate, error) {
	opts = opts.withDefaults()
	g := &Gate{model: model, opts: opts}
	if err := g.init(sampleRate); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) init(sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid gate sample rate %d", sampleRate)
	}
	rs, err := resampler.New(sampleRate, ModelSampleRate)
	if err != nil {
		return fmt.Errorf("failed to create gate resampler: %w", err)
	}
	g.sampleRate = sampleRate
	g.chunkFrames = int(g.opts.AudioChunkDuration * float64(sampleRate))
	g.rs = rs
	g.window = nil
	g.utterance = nil
	g.started = false
	return nil
}

// Started reports whether an utterance is currently in progress.
func (g *Gate) Started() bool {
	return g.started
}

// SampleRate returns the rate the gate currently expects.
func (g *Gate) SampleRate() int {
	return g.sampleRate
}

// Process buffers one inbound frame and returns any decisions reached. A
// frame larger than the analysis window can yield several events. When the
// frame's sample rate differs from the gate's, all pending state is dropped
// and the gate re-adopts the new rate.
func (g *Gate) Process(frame *streamer.AudioFrame) ([]Event, error) {
	if frame.SampleRate != g.sampleRate {
		if err := g.init(frame.SampleRate); err != nil {
			return nil, err
		}
	}

	data := frame.Data
	if frame.Channels == 2 {
		data = audio.DownmixStereo(data)
	}
	g.window = append(g.window, data...)

	var events []Event
	for len(g.window) >= g.chunkFrames {
		chunk := make([]int16, g.chunkFrames)
		copy(chunk, g.window[:g.chunkFrames])
		g.window = append(g.window[:0], g.window[g.chunkFrames:]...)

		ev, ok, err := g.score(chunk)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (g *Gate) score(chunk []int16) (Event, bool, error) {
	scored := g.rs.Process(chunk)
	dur, err := g.model.SpeechDuration(audio.Int16ToFloat32(scored))
	if err != nil {
		return Event{}, false, err
	}

	if !g.started {
		if dur > g.opts.StartedTalkingThreshold {
			g.started = true
			g.utterance = append(g.utterance, chunk...)
			return Event{Type: EventStarted}, true, nil
		}
		return Event{}, false, nil
	}

	g.utterance = append(g.utterance, chunk...)
	if dur <= g.opts.SpeechThreshold {
		utt := &streamer.AudioFrame{
			SampleRate: g.sampleRate,
			Channels:   1,
			Data:       g.utterance,
		}
		g.utterance = nil
		g.started = false
		g.rs.Reset()
		return Event{Type: EventPaused, Utterance: utt}, true, nil
	}
	return Event{Type: EventContinuing}, true, nil
}

// Reset drops the pending window and any in-progress utterance.
func (g *Gate) Reset() {
	g.window = nil
	g.utterance = nil
	g.started = false
	g.rs.Reset()
}
