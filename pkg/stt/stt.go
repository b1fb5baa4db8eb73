// Package stt provides the speech-to-text surface the stopword engine needs:
// a batch transcription interface and the stopword matcher applied to its
// output.
package stt

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/freddyaboulton/gradio-webrtc/pkg/streamer"
)

// Engine transcribes one complete utterance. Implementations must be safe
// for concurrent use across sessions.
type Engine interface {
	Transcribe(ctx context.Context, frame *streamer.AudioFrame) (string, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, frame *streamer.AudioFrame) (string, error)

func (f EngineFunc) Transcribe(ctx context.Context, frame *streamer.AudioFrame) (string, error) {
	return f(ctx, frame)
}

var (
	stopwordMu    sync.Mutex
	stopwordCache = map[string]*regexp.Regexp{}
)

// MatchStopword reports whether any of the configured stopwords occurs in
// text, returning the first stopword that matched. Matching is
// case-insensitive on whole words; a multi-word stopword matches across
// whitespace and tolerates trailing punctuation on the first word.
func MatchStopword(text string, stopwords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, sw := range stopwords {
		re := stopwordPattern(sw)
		if re == nil {
			continue
		}
		if re.MatchString(lower) {
			return strings.ToLower(strings.TrimSpace(sw)), true
		}
	}
	return "", false
}

func stopwordPattern(stopword string) *regexp.Regexp {
	key := strings.ToLower(strings.TrimSpace(stopword))
	if key == "" {
		return nil
	}

	stopwordMu.Lock()
	defer stopwordMu.Unlock()
	if re, ok := stopwordCache[key]; ok {
		return re
	}

	words := strings.Fields(key)
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = regexp.QuoteMeta(w)
	}
	pattern := `\b` + strings.Join(parts, `[.,!?]*\s+`) + `[.,!?]*\b`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	stopwordCache[key] = re
	return re
}
