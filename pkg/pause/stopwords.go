package pause

import (
	"errors"
	"time"

	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
	"github.com/freddyaboulton/gradio-webrtc/pkg/stt"
	"github.com/freddyaboulton/gradio-webrtc/pkg/vad"
)

// defaultStopwordWindow is how much recent speech the detector keeps for
// transcription while hunting for the wake phrase.
const defaultStopwordWindow = 2 * time.Second

// ReplyOnStopwords gates each turn on a spoken wake phrase: the generator is
// only invoked for utterances that begin after one of the configured
// stopwords was heard. Audio preceding the match is discarded.
type ReplyOnStopwords struct {
	*ReplyOnPause

	stopwords []string
	engine    stt.Engine
	windowDur time.Duration

	ring  []int16
	found bool
}

var _ streamer.Handler = (*ReplyOnStopwords)(nil)

// StopwordOption configures the stopword layer.
type StopwordOption func(*ReplyOnStopwords)

// WithStopwordWindow bounds how much recent speech is transcribed per check.
func WithStopwordWindow(d time.Duration) StopwordOption {
	return func(s *ReplyOnStopwords) {
		if d > 0 {
			s.windowDur = d
		}
	}
}

// NewReplyOnStopwords builds a stopword-gated engine. engine transcribes the
// rolling speech window; stopwords entries are single tokens or short
// space-separated phrases.
func NewReplyOnStopwords(fn ReplyFn, engine stt.Engine, stopwords []string, opts []Option, swOpts ...StopwordOption) (*ReplyOnStopwords, error) {
	if engine == nil {
		return nil, errors.New("stt engine must not be nil")
	}
	if len(stopwords) == 0 {
		return nil, errors.New("at least one stopword is required")
	}
	base, err := NewReplyOnPause(fn, opts...)
	if err != nil {
		return nil, err
	}
	s := &ReplyOnStopwords{
		ReplyOnPause: base,
		stopwords:    stopwords,
		engine:       engine,
		windowDur:    defaultStopwordWindow,
	}
	for _, o := range swOpts {
		o(s)
	}
	return s, nil
}

// Copy returns a fresh engine for a new session.
func (s *ReplyOnStopwords) Copy() streamer.Handler {
	base, err := NewReplyOnPause(s.fn, append([]Option{WithModel(s.model)}, s.copyOpts()...)...)
	if err != nil {
		panic(err)
	}
	return &ReplyOnStopwords{
		ReplyOnPause: base,
		stopwords:    s.stopwords,
		engine:       s.engine,
		windowDur:    s.windowDur,
	}
}

// Receive feeds one inbound frame through the gate. Until the wake phrase is
// heard, gate events only drive the rolling transcription window; once it
// matches, a stopword control message is sent and the engine behaves like
// ReplyOnPause for the remainder of the turn.
func (s *ReplyOnStopwords) Receive(frame *streamer.AudioFrame) error {
	if s.found {
		events, err := s.gate.Process(frame)
		if err != nil {
			return err
		}
		for _, ev := range events {
			s.ReplyOnPause.handleEvent(ev)
			if ev.Type == vad.EventPaused {
				// Next turn requires the wake phrase again.
				s.found = false
			}
		}
		return nil
	}

	s.appendWindow(frame)
	events, err := s.gate.Process(frame)
	if err != nil {
		return err
	}
	for _, ev := range events {
		switch ev.Type {
		case vad.EventStarted, vad.EventContinuing:
			matched, err := s.checkStopword()
			if err != nil {
				s.cfg.logger.Warnw("Stopword transcription failed", "error", err)
				continue
			}
			if matched == "" {
				continue
			}
			s.cfg.logger.Infow("Stopword matched", "stopword", matched)
			if serr := s.SendMessage(streamer.NewControlMsg(streamer.ControlStopword, matched)); serr != nil {
				s.cfg.logger.Warnw("Failed to send stopword message", "error", serr)
			}
			s.found = true
			s.ring = nil
			// The utterance handed to the generator starts at the match.
			s.gate.Reset()
		case vad.EventPaused:
			// Pause without the wake phrase: discard and keep listening.
			s.ring = nil
		}
	}
	return nil
}

func (s *ReplyOnStopwords) appendWindow(frame *streamer.AudioFrame) {
	s.ring = append(s.ring, frame.Data...)
	max := int(s.windowDur.Seconds() * float64(frame.SampleRate) * float64(frame.Channels))
	if max > 0 && len(s.ring) > max {
		s.ring = append(s.ring[:0], s.ring[len(s.ring)-max:]...)
	}
}

func (s *ReplyOnStopwords) checkStopword() (string, error) {
	if len(s.ring) == 0 {
		return "", nil
	}
	data := make([]int16, len(s.ring))
	copy(data, s.ring)
	text, err := s.engine.Transcribe(s.ctx, &streamer.AudioFrame{
		SampleRate: s.gate.SampleRate(),
		Channels:   1,
		Data:       data,
	})
	if err != nil {
		return "", err
	}
	if matched, ok := stt.MatchStopword(text, s.stopwords); ok {
		return matched, nil
	}
	return "", nil
}
