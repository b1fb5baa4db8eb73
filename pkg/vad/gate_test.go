package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// energyModel scores speech as the fraction of samples above an amplitude
// threshold, which makes gate decisions fully deterministic in tests.
type energyModel struct{}

func (energyModel) SpeechDuration(samples []float32) (float64, error) {
	loud := 0
	for _, s := range samples {
		if s > 0.3 || s < -0.3 {
			loud++
		}
	}
	return float64(loud) / float64(ModelSampleRate), nil
}

func (energyModel) Close() error { return nil }

func frame(rate int, amplitude int16, n int) *streamer.AudioFrame {
	data := make([]int16, n)
	for i := range data {
		data[i] = amplitude
	}
	return &streamer.AudioFrame{SampleRate: rate, Channels: 1, Data: data}
}

func speechFrame(rate int, n int) *streamer.AudioFrame { return frame(rate, 20000, n) }
func silence(rate int, n int) *streamer.AudioFrame { return frame(rate, 0, n) }

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(energyModel{}, 16000, DefaultGateOptions())
	require.NoError(t, err)
	return g
}

func collect(t *testing.T, g *Gate, frames ...*streamer.AudioFrame) []Event {
	t.Helper()
	var events []Event
	for _, f := range frames {
		evs, err := g.Process(f)
		require.NoError(t, err)
		events = append(events, evs...)
	}
	return events
}

func TestSilenceEmitsNothing(t *testing.T) {
	g := newTestGate(t)
	events := collect(t, g, silence(16000, 32000))
	assert.Empty(t, events)
	assert.False(t, g.Started())
}

func TestUtteranceLifecycle(t *testing.T) {
	g := newTestGate(t)

	// 0.3s silence, 0.9s speech, 0.6s silence: windows score
	// 0.3 (started), 0.6 (continuing), 0.0 (paused).
	events := collect(t, g,
		silence(16000, 4800),
		speechFrame(16000, 14400),
		silence(16000, 9600),
	)

	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventContinuing, events[1].Type)
	assert.Equal(t, EventPaused, events[2].Type)

	utt := events[2].Utterance
	require.NotNil(t, utt)
	assert.Equal(t, 16000, utt.SampleRate)
	// Three full analysis windows from start-of-speech window through the
	// pausing window.
	assert.Len(t, utt.Data, 3*9600)
	assert.False(t, g.Started(), "gate should reset to idle after the pause")
}

func TestLargeFrameYieldsMultipleEvents(t *testing.T) {
	g := newTestGate(t)

	// One frame spanning start and pause.
	data := make([]int16, 2*9600)
	for i := 0; i < 9600; i++ {
		data[i] = 20000
	}
	events := collect(t, g, &streamer.AudioFrame{SampleRate: 16000, Channels: 1, Data: data})

	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventPaused, events[1].Type)
}

func TestStartedThresholdIsExclusive(t *testing.T) {
	g := newTestGate(t)

	// Exactly 0.2s of speech in the window: equal to the threshold must not
	// start the utterance.
	win := make([]int16, 9600)
	for i := 0; i < 3200; i++ {
		win[i] = 20000
	}
	events := collect(t, g, &streamer.AudioFrame{SampleRate: 16000, Channels: 1, Data: win})
	assert.Empty(t, events)
	assert.False(t, g.Started())
}

func TestSpeechThresholdIsInclusive(t *testing.T) {
	g := newTestGate(t)
	require.NotEmpty(t, collect(t, g, speechFrame(16000, 9600)), "sanity: utterance starts")

	// Exactly 0.1s of speech: equal to the threshold must pause.
	win := make([]int16, 9600)
	for i := 0; i < 1600; i++ {
		win[i] = 20000
	}
	events := collect(t, g, &streamer.AudioFrame{SampleRate: 16000, Channels: 1, Data: win})
	require.Len(t, events, 1)
	assert.Equal(t, EventPaused, events[0].Type)
}

func TestSampleRateChangeResetsState(t *testing.T) {
	g := newTestGate(t)
	require.NotEmpty(t, collect(t, g, speechFrame(16000, 9600)))
	require.True(t, g.Started())

	_, err := g.Process(speechFrame(8000, 100))
	require.NoError(t, err)
	assert.False(t, g.Started(), "rate change drops the in-progress utterance")
	assert.Equal(t, 8000, g.SampleRate())
}

func TestChunkDurationClamped(t *testing.T) {
	opts := GateOptions{AudioChunkDuration: 10}
	g, err := NewGate(energyModel{}, 16000, opts)
	require.NoError(t, err)

	// A clamped 2s window must decide after 2s of audio, not 10s.
	events := collect(t, g, speechFrame(16000, 32000))
	require.Len(t, events, 1)
	assert.Equal(t, EventStarted, events[0].Type)
}
