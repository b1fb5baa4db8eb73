// Package vad turns a continuous inbound audio stream into discrete
// speech-activity events. Scoring is delegated to a Silero VAD model; the
// chunked state machine in Gate decides when an utterance starts and when
// the speaker has paused.
package vad

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/freddyaboulton/gradio-webrtc/pkg/commons"
)

// ModelSampleRate is the native rate of the Silero model. All scoring input
// is resampled to this rate first.
const ModelSampleRate = 16000

// Options tune the underlying VAD model.
type Options struct {
	// Threshold is the model speech probability above which a window counts
	// as speech.
	Threshold float32
	// MinSpeechDurationMs drops detected speech chunks shorter than this.
	MinSpeechDurationMs int
	// MinSilenceDurationMs is how much trailing silence ends a speech chunk.
	MinSilenceDurationMs int
	// SpeechPadMs pads each detected chunk on both sides.
	SpeechPadMs int
}

// DefaultOptions mirrors the reference defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:            0.5,
		MinSpeechDurationMs:  250,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	}
}

// Model scores 16kHz mono float32 PCM and reports how much of it is speech,
// in seconds. Implementations must be safe for concurrent use: sessions
// share one model instance through the registry.
type Model interface {
	SpeechDuration(samples []float32) (float64, error)
	Close() error
}

// sileroModel wraps a silero-vad-go detector. The detector carries recurrent
// state between calls, so each scoring pass resets it and runs under a lock.
type sileroModel struct {
	mu  sync.Mutex
	det *speech.Detector
}

// NewSileroModel loads the ONNX model at path with the given options.
func NewSileroModel(path string, opts Options) (Model, error) {
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            path,
		SampleRate:           ModelSampleRate,
		Threshold:            opts.Threshold,
		MinSilenceDurationMs: opts.MinSilenceDurationMs,
		SpeechPadMs:          opts.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create silero detector: %w", err)
	}
	return &sileroModel{det: det}, nil
}

func (m *sileroModel) SpeechDuration(samples []float32) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.det.Reset(); err != nil {
		return 0, fmt.Errorf("failed to reset detector: %w", err)
	}
	segments, err := m.det.Detect(samples)
	if err != nil {
		return 0, fmt.Errorf("vad detect failed: %w", err)
	}

	bufDur := float64(len(samples)) / float64(ModelSampleRate)
	var total float64
	for _, seg := range segments {
		end := seg.SpeechEndAt
		if end <= 0 || end > bufDur {
			// Open segment still in speech at buffer end.
			end = bufDur
		}
		if end > seg.SpeechStartAt {
			total += end - seg.SpeechStartAt
		}
	}
	return total, nil
}

func (m *sileroModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.det.Destroy()
}

// registry caches one model instance per model path. Model sessions are
// expensive; handlers receive references, never ownership.
var registry = struct {
	mu     sync.Mutex
	models map[string]Model
}{models: make(map[string]Model)}

// GetModel returns the process-wide model for path, loading and warming it
// up on first use.
func GetModel(logger commons.Logger, path string, opts Options) (Model, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if m, ok := registry.models[path]; ok {
		return m, nil
	}
	m, err := NewSileroModel(path, opts)
	if err != nil {
		return nil, err
	}

	logger.Infow("Warming up VAD model", "path", path)
	dummy := make([]float32, ModelSampleRate)
	for i := 0; i < 3; i++ {
		if _, err := m.SpeechDuration(dummy); err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("vad warmup failed: %w", err)
		}
	}
	logger.Infow("VAD model warmed up", "path", path)

	registry.models[path] = m
	return m, nil
}

// CloseAll tears down every cached model. Intended for process shutdown.
func CloseAll() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for path, m := range registry.models {
		_ = m.Close()
		delete(registry.models, path)
	}
}
